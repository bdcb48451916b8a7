package board

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/metrics"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/realtime"
	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/syncerr"
)

// SessionSource supplies the current session snapshot.
type SessionSource interface {
	Current() session.Session
}

// Option configures a Board or Inbox.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	serialization optimistic.Serialization
	now           func() time.Time
	filter        string
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		filter: DefaultNotificationFilter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSerialization selects the commit ordering for the collections.
func WithSerialization(s optimistic.Serialization) Option {
	return func(o *options) { o.serialization = s }
}

// WithClock replaces the client wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Board is the optimistic task board.
type Board struct {
	remote *Remote
	sess   SessionSource
	tasks  *optimistic.Collection[Task]
	rt     *realtime.Reconciler[Task]
	opts   options
}

// Open subscribes to task changes, then loads the current tasks. The
// subscription is opened first so no change falls between the two; merges
// are idempotent, so overlap is harmless.
func Open(ctx context.Context, lp *loop.Loop, remote *Remote, src change.Source, sess SessionSource, opts ...Option) (*Board, error) {
	o := newOptions(opts)
	b := &Board{
		remote: remote,
		sess:   sess,
		tasks: optimistic.NewCollection(lp, taskKey,
			optimistic.WithName(TableTasks),
			optimistic.WithSerialization(o.serialization),
			optimistic.WithLogger(o.logger),
			optimistic.WithMetrics(o.metrics),
		),
		rt: realtime.New[Task](lp, src, TableTasks,
			realtime.WithLogger(o.logger),
			realtime.WithMetrics(o.metrics),
		),
		opts: o,
	}

	if _, err := b.rt.Subscribe(ctx, realtime.Merge(b.tasks), realtime.SubscribeOptions{}); err != nil {
		return nil, err
	}
	if err := b.Load(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Load replaces the collection with the authority's tasks.
func (b *Board) Load(ctx context.Context) error {
	tasks, err := b.remote.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	b.tasks.ReplaceAll(tasks)
	return nil
}

// Tasks returns the visible tasks.
func (b *Board) Tasks() []Task {
	return b.tasks.Items()
}

// Collection exposes the underlying collection for watching.
func (b *Board) Collection() *optimistic.Collection[Task] {
	return b.tasks
}

// Close releases the realtime subscription.
func (b *Board) Close() {
	b.rt.Close()
}

// Add shows a new task at once under a provisional key and asks the
// authority to create it.
func (b *Board) Add(ctx context.Context, title string) (*optimistic.Mutation[Task], error) {
	s := b.sess.Current()
	if err := s.Authorize("task.add", session.CapTaskCreate); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, syncerr.New(syncerr.KindInvalid, "task.add", "title is required")
	}

	now := b.opts.now()
	provisional := Task{
		ID:        "tmp-" + uuid.NewString(),
		Title:     title,
		Status:    StatusTodo,
		CreatedBy: s.PrincipalID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return b.tasks.Insert(ctx, provisional, func(ctx context.Context) (Task, error) {
		return b.remote.CreateTask(ctx, provisional)
	}, optimistic.MutateOptions[Task]{}), nil
}

// SetStatus moves a task to status.
func (b *Board) SetStatus(ctx context.Context, id string, status TaskStatus) (*optimistic.Mutation[Task], error) {
	if err := b.sess.Current().Authorize("task.status", session.CapTaskUpdate); err != nil {
		return nil, err
	}
	if _, err := ParseTaskStatus(string(status)); err != nil {
		return nil, syncerr.New(syncerr.KindInvalid, "task.status", err.Error())
	}
	return b.patch(ctx, id, TaskPatch{Status: &status}, nil), nil
}

// Assign gives a task to memberID ("" unassigns). Assigning someone other
// than the caller notifies them once the authority confirms.
func (b *Board) Assign(ctx context.Context, id, memberID string) (*optimistic.Mutation[Task], error) {
	s := b.sess.Current()
	if err := s.Authorize("task.assign", session.CapTaskAssign); err != nil {
		return nil, err
	}

	var after func(ctx context.Context, t Task)
	if memberID != "" && memberID != s.PrincipalID() {
		after = func(ctx context.Context, t Task) { b.notifyAssignee(ctx, t) }
	}
	return b.patch(ctx, id, TaskPatch{AssigneeID: &memberID}, after), nil
}

// Remove hides a task at once and asks the authority to delete it.
func (b *Board) Remove(ctx context.Context, id string) (*optimistic.Mutation[Task], error) {
	if err := b.sess.Current().Authorize("task.remove", session.CapTaskDelete); err != nil {
		return nil, err
	}
	return b.tasks.Remove(ctx, id, func(ctx context.Context) error {
		return b.remote.DeleteTask(ctx, id)
	}, optimistic.MutateOptions[Task]{}), nil
}

// patch speculates p locally and commits it. after runs on the commit
// goroutine once the authority accepted the change.
func (b *Board) patch(ctx context.Context, id string, p TaskPatch, after func(context.Context, Task)) *optimistic.Mutation[Task] {
	now := b.opts.now()
	speculate := func(t Task) Task {
		t = p.Apply(t)
		t.UpdatedAt = now
		return t
	}
	return b.tasks.Update(ctx, id, speculate, func(ctx context.Context) (Task, error) {
		t, err := b.remote.UpdateTask(ctx, id, p)
		if err != nil {
			return Task{}, err
		}
		if after != nil {
			after(ctx, t)
		}
		return t, nil
	}, optimistic.MutateOptions[Task]{})
}

// notifyAssignee records an assignment notification. A failure here does
// not undo the assignment.
func (b *Board) notifyAssignee(ctx context.Context, t Task) {
	_, err := b.remote.CreateNotification(ctx, Notification{
		RecipientID: t.AssigneeID,
		TaskID:      t.ID,
		Message:     fmt.Sprintf("You were assigned %q", t.Title),
	})
	if err != nil {
		b.opts.logger.Warn("assignment notification failed",
			"task", t.ID,
			"assignee", t.AssigneeID,
			"error", err,
		)
	}
}
