package board

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/store"
	"github.com/roach88/optisync/internal/syncerr"
	"github.com/roach88/optisync/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// env is one client against one authority.
type env struct {
	lp     *loop.Loop
	st     *store.Store
	remote *Remote
	now    func() time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()

	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lp.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	st, err := store.Open(filepath.Join(t.TempDir(), "authority.db"), store.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewStepClock(epoch, time.Second)
	remote := NewRemote(st,
		WithRemoteClock(clock.Now),
		WithRemoteIDs(testutil.NewSequenceIDs("id").Generate),
	)
	return &env{lp: lp, st: st, remote: remote, now: clock.Now}
}

type staticSession struct{ s session.Session }

func (s staticSession) Current() session.Session { return s.s }

func as(id string, role session.Role) staticSession {
	return staticSession{session.NewSnapshot(
		&session.Identity{ID: id, Email: id + "@example.com"},
		&session.Profile{ID: id, Name: id, Role: role},
	)}
}

func (e *env) open(t *testing.T, sess SessionSource) *Board {
	t.Helper()
	b, err := Open(context.Background(), e.lp, e.remote, e.st, sess, WithClock(e.now))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	e.sync(t)
	return b
}

func (e *env) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.lp.Sync(ctx))
}

func wait[T any](t *testing.T, e *env, m *optimistic.Mutation[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := m.Wait(ctx)
	e.sync(t)
	return v, err
}

func TestBoard_AddConfirmsWithAuthorityID(t *testing.T) {
	e := newEnv(t)
	b := e.open(t, as("lead", session.RoleLead))

	m, err := b.Add(context.Background(), "  Write docs ")
	require.NoError(t, err)

	got, err := wait(t, e, m)
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, "Write docs", got.Title)
	assert.Equal(t, "lead", got.CreatedBy)

	// The realtime echo of the insert must not duplicate the task.
	time.Sleep(30 * time.Millisecond)
	e.sync(t)
	tasks := b.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "id-1", tasks[0].ID)
}

func TestBoard_LoadsExistingAndFollowsOtherClients(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.remote.CreateTask(ctx, Task{Title: "Existing"})
	require.NoError(t, err)

	b := e.open(t, as("lead", session.RoleLead))
	require.Len(t, b.Tasks(), 1)

	other, err := e.remote.CreateTask(ctx, Task{Title: "From elsewhere"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.Tasks()) == 2 }, time.Second, 5*time.Millisecond)

	done := StatusDone
	_, err = e.remote.UpdateTask(ctx, other.ID, TaskPatch{Status: &done})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.Tasks()[1].Status == StatusDone
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.remote.DeleteTask(ctx, other.ID))
	require.Eventually(t, func() bool { return len(b.Tasks()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBoard_CapabilitiesGateMutations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task, err := e.remote.CreateTask(ctx, Task{Title: "Guarded"})
	require.NoError(t, err)

	member := e.open(t, as("member", session.RoleMember))

	_, err = member.Remove(ctx, task.ID)
	assert.True(t, syncerr.IsUnauthorized(err))
	_, err = member.Assign(ctx, task.ID, "someone")
	assert.True(t, syncerr.IsUnauthorized(err))
	assert.Len(t, member.Tasks(), 1)

	nobody := e.open(t, staticSession{session.NewSnapshot(nil, nil)})
	_, err = nobody.Add(ctx, "Nope")
	assert.True(t, syncerr.IsUnauthorized(err))
}

func TestBoard_RejectsInvalidInput(t *testing.T) {
	e := newEnv(t)
	b := e.open(t, as("lead", session.RoleLead))

	_, err := b.Add(context.Background(), "   ")
	assert.True(t, syncerr.IsInvalid(err))

	_, err = b.SetStatus(context.Background(), "id-1", TaskStatus("blocked"))
	assert.True(t, syncerr.IsInvalid(err))
}

func TestBoard_SetStatusAndRemove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task, err := e.remote.CreateTask(ctx, Task{Title: "Ship"})
	require.NoError(t, err)
	b := e.open(t, as("lead", session.RoleLead))

	m, err := b.SetStatus(ctx, task.ID, StatusInProgress)
	require.NoError(t, err)
	got, err := wait(t, e, m)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	rm, err := b.Remove(ctx, task.ID)
	require.NoError(t, err)
	_, err = wait(t, e, rm)
	require.NoError(t, err)
	assert.Empty(t, b.Tasks())

	_, err = e.st.Find(ctx, TableTasks, task.ID)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestBoard_UnknownTaskFailsFast(t *testing.T) {
	e := newEnv(t)
	b := e.open(t, as("lead", session.RoleLead))

	m, err := b.SetStatus(context.Background(), "missing", StatusDone)
	require.NoError(t, err)
	_, err = wait(t, e, m)
	assert.True(t, syncerr.IsNotFound(err))
}

func TestBoard_FailedCommitRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task, err := e.remote.CreateTask(ctx, Task{Title: "Fragile"})
	require.NoError(t, err)
	b := e.open(t, as("lead", session.RoleLead))

	// Losing the authority makes every commit fail.
	require.NoError(t, e.st.Close())

	m, err := b.SetStatus(ctx, task.ID, StatusDone)
	require.NoError(t, err)
	_, err = wait(t, e, m)
	require.Error(t, err)
	assert.Equal(t, optimistic.StatusRolledBack, m.Status())
	assert.Equal(t, StatusTodo, b.Tasks()[0].Status)

	rm, err := b.Remove(ctx, task.ID)
	require.NoError(t, err)
	_, err = wait(t, e, rm)
	require.Error(t, err)
	assert.Len(t, b.Tasks(), 1)
}

func TestBoard_AssignNotifiesAssignee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task, err := e.remote.CreateTask(ctx, Task{Title: "Review"})
	require.NoError(t, err)
	b := e.open(t, as("lead", session.RoleLead))

	m, err := b.Assign(ctx, task.ID, "bob")
	require.NoError(t, err)
	got, err := wait(t, e, m)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.AssigneeID)

	notes, err := e.remote.ListNotifications(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, task.ID, notes[0].TaskID)
	assert.Contains(t, notes[0].Message, "Review")

	// Self-assignment stays quiet.
	m, err = b.Assign(ctx, task.ID, "lead")
	require.NoError(t, err)
	_, err = wait(t, e, m)
	require.NoError(t, err)
	notes, err = e.remote.ListNotifications(ctx, "lead")
	require.NoError(t, err)
	assert.Empty(t, notes)
}
