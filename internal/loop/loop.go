package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/optisync/internal/queue"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("loop stopped")

// Task is a unit of work executed on the loop goroutine.
// A Task must not block: I/O belongs on another goroutine that posts a
// continuation when it completes.
type Task func()

// Loop is the single-writer event loop.
//
// Thread-safety model:
//   - Post(), Sync(), After(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Sync() must NOT be called from a Task (it would wait on itself)
type Loop struct {
	queue  *queue.Queue[Task]
	clock  *Clock
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for task failures.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithClock replaces the version clock, e.g. to resume from a known version.
func WithClock(c *Clock) Option {
	return func(lp *Loop) {
		if c != nil {
			lp.clock = c
		}
	}
}

// New creates a Loop. Call Run on a dedicated goroutine to start it.
func New(opts ...Option) *Loop {
	lp := &Loop{
		queue:  queue.New[Task](),
		clock:  NewClock(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Post submits a task. Returns false if the loop has been stopped.
func (l *Loop) Post(t Task) bool {
	if t == nil {
		return false
	}
	return l.queue.Enqueue(t)
}

// After posts t once d has elapsed. The returned function cancels the
// timer and reports whether it stopped it before it fired.
func (l *Loop) After(d time.Duration, t Task) (cancel func() bool) {
	timer := time.AfterFunc(d, func() {
		l.Post(t)
	})
	return timer.Stop
}

// Sync blocks until every task posted before the call has run.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock returns the loop's logical clock.
func (l *Loop) Clock() *Clock {
	return l.clock
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.queue.Len()
}

// Run executes tasks until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a panicking task is recovered and logged, and the loop
// keeps going. One bad continuation must not freeze every consumer.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("loop starting")

	for {
		t, err := l.queue.Next(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				l.logger.Debug("loop stopping: queue closed")
				return nil
			}
			l.logger.Debug("loop stopping: context cancelled")
			l.queue.Close()
			return err
		}
		l.execute(t)
	}
}

// Stop closes the queue. Tasks already queued still run, then Run returns.
func (l *Loop) Stop() {
	l.queue.Close()
}

func (l *Loop) execute(t Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "panic", fmt.Sprint(r))
		}
	}()
	t()
}
