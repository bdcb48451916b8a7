package optimistic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/syncerr"
)

func inc(n int) int { return n + 1 }

func TestValue_ApplyShowsSpeculationThenConfirms(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 0)
	g := newGate[int]()

	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{})
	g.waitStarted(t)
	barrier(t, lp)

	assert.Equal(t, 1, v.Get())
	assert.True(t, v.IsUpdating())
	assert.True(t, m.Pending())

	g.succeed(1)
	waitDone(t, lp, m)

	assert.Equal(t, 1, v.Get())
	assert.False(t, v.IsUpdating())
	assert.Equal(t, StatusConfirmed, m.Status())
}

func TestValue_FailureRollsBack(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 10)
	g := newGate[int]()

	var got *syncerr.Error
	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{
		OnError: func(err *syncerr.Error) { got = err },
	})
	g.waitStarted(t)
	g.fail(context.DeadlineExceeded)
	waitDone(t, lp, m)

	assert.Equal(t, 10, v.Get())
	assert.Equal(t, StatusRolledBack, m.Status())
	require.NotNil(t, got)
	assert.Equal(t, syncerr.KindTransient, got.Kind)

	_, err := m.Wait(context.Background())
	assert.True(t, syncerr.IsTransient(err))
}

func TestValue_FailureWithoutRollbackKeepsSpeculation(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 10)
	g := newGate[int]()

	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{NoRollback: true})
	g.waitStarted(t)
	g.fail(errors.New("boom"))
	waitDone(t, lp, m)

	assert.Equal(t, 11, v.Get())
	assert.Equal(t, StatusFailed, m.Status())
}

func TestValue_ConfirmationWins(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 1)
	g := newGate[int]()

	var confirmed int
	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{
		OnSuccess: func(n int) { confirmed = n },
	})
	g.waitStarted(t)
	g.succeed(42)
	waitDone(t, lp, m)

	assert.Equal(t, 42, v.Get())
	assert.Equal(t, 42, confirmed)

	n, err := m.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestValue_SetSupersedesPendingSpeculation(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 1)
	g := newGate[int]()

	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{})
	g.waitStarted(t)
	barrier(t, lp)
	assert.Equal(t, 2, v.Get())

	v.Set(5)
	barrier(t, lp)
	assert.Equal(t, 5, v.Get())

	g.fail(errors.New("rejected"))
	waitDone(t, lp, m)
	assert.Equal(t, 5, v.Get())
}

func TestValue_ConfirmationAfterSetWins(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 1)
	g := newGate[int]()

	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{})
	g.waitStarted(t)
	v.Set(5)
	g.succeed(9)
	waitDone(t, lp, m)
	assert.Equal(t, 9, v.Get())
}

func TestValue_WatchSeesEveryPublish(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 0)
	g := newGate[int]()

	var seen []int
	cancel := v.Watch(func(s ValueSnapshot[int]) { seen = append(seen, s.Value) })

	m := v.Apply(context.Background(), inc, g.commit, MutateOptions[int]{})
	g.waitStarted(t)
	g.fail(errors.New("no"))
	waitDone(t, lp, m)

	cancel()
	v.Set(7)
	barrier(t, lp)

	assert.Equal(t, []int{1, 0}, seen)
}

func TestValue_VersionIncreases(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, "a")

	before := v.Snapshot().Version
	v.Set("b")
	barrier(t, lp)

	assert.Greater(t, v.Snapshot().Version, before)
	assert.Equal(t, "b", v.Get())
}

func TestValue_StoppedLoopFailsImmediately(t *testing.T) {
	lp := startLoop(t)
	v := NewValue(lp, 0)
	lp.Stop()

	m := v.Apply(context.Background(), inc, func(context.Context) (int, error) { return 1, nil }, MutateOptions[int]{})

	select {
	case <-m.Done():
	default:
		t.Fatal("mutation should resolve at once on a stopped loop")
	}
	assert.Equal(t, StatusRolledBack, m.Status())
	assert.False(t, v.IsUpdating())
}

func TestParseSerialization(t *testing.T) {
	s, err := ParseSerialization("per_key")
	require.NoError(t, err)
	assert.Equal(t, PerKey, s)

	s, err = ParseSerialization("concurrent")
	require.NoError(t, err)
	assert.Equal(t, Concurrent, s)
	assert.Equal(t, "concurrent", s.String())

	_, err = ParseSerialization("parallel")
	assert.Error(t, err)
}
