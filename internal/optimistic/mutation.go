package optimistic

import (
	"context"
	"sync/atomic"

	"github.com/roach88/optisync/internal/syncerr"
)

// Op names the kind of optimistic mutation.
type Op string

const (
	OpApply  Op = "apply"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Status is the lifecycle state of a Mutation. It leaves Pending exactly
// once.
type Status int32

const (
	// StatusPending means the remote confirmation is outstanding.
	StatusPending Status = iota

	// StatusConfirmed means the authority accepted the mutation; the
	// visible state now holds the confirmed value.
	StatusConfirmed

	// StatusRolledBack means the commit failed and the speculation was
	// discarded.
	StatusRolledBack

	// StatusFailed means the commit failed but rollback was disabled, so
	// the speculation was kept.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CommitFunc performs the remote write and returns the authoritative value.
type CommitFunc[T any] func(ctx context.Context) (T, error)

// MutateOptions are per-call settings. The zero value rolls back on
// failure and has no callbacks.
type MutateOptions[T any] struct {
	// OnSuccess receives the confirmed value. Runs on the loop goroutine.
	OnSuccess func(T)

	// OnError receives the classified failure. Runs on the loop goroutine.
	OnError func(*syncerr.Error)

	// NoRollback keeps the speculated value when the commit fails.
	NoRollback bool
}

// Mutation is the envelope for one optimistic write.
// It is discarded by the engine once resolved; only its effect persists.
type Mutation[T any] struct {
	id  string
	key string
	op  Op

	status atomic.Int32
	done   chan struct{}

	// Written on the loop before done is closed.
	speculated T
	value      T
	err        *syncerr.Error
}

func newMutation[T any](id, key string, op Op) *Mutation[T] {
	return &Mutation[T]{
		id:   id,
		key:  key,
		op:   op,
		done: make(chan struct{}),
	}
}

// ID returns the envelope identifier.
func (m *Mutation[T]) ID() string { return m.id }

// Key returns the entity key the mutation targeted when issued.
func (m *Mutation[T]) Key() string { return m.key }

// Op returns the mutation kind.
func (m *Mutation[T]) Op() Op { return m.op }

// Status returns the current lifecycle state.
func (m *Mutation[T]) Status() Status { return Status(m.status.Load()) }

// Pending reports whether the remote confirmation is still outstanding.
func (m *Mutation[T]) Pending() bool { return m.Status() == StatusPending }

// Done is closed once the mutation leaves Pending.
func (m *Mutation[T]) Done() <-chan struct{} { return m.done }

// Wait blocks until the mutation resolves or ctx is done. It returns the
// confirmed value, or the classified failure. For removals the value is
// the entity as it was before removal.
func (m *Mutation[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-m.done:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if m.err != nil {
		return zero, m.err
	}
	return m.value, nil
}

// resolve records the outcome and releases waiters. Loop goroutine only.
func (m *Mutation[T]) resolve(status Status, value T, err *syncerr.Error) {
	if m.Status() != StatusPending {
		return
	}
	m.value = value
	m.err = err
	m.status.Store(int32(status))
	close(m.done)
}
