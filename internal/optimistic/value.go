package optimistic

import (
	"context"
	"sync/atomic"

	"github.com/roach88/optisync/internal/loop"
)

// ValueSnapshot is a published view of a Value.
type ValueSnapshot[T any] struct {
	// Version is the loop clock reading when the snapshot was published.
	Version int64
	Value   T
}

// Value is an optimistic scalar.
type Value[T any] struct {
	eng  *engine[T]
	slot *slot[T]
	snap atomic.Pointer[ValueSnapshot[T]]
}

// NewValue creates a Value whose confirmed state is initial.
func NewValue[T any](lp *loop.Loop, initial T, opts ...Option) *Value[T] {
	v := &Value[T]{
		eng:  &engine[T]{lp: lp, cfg: newConfig(opts)},
		slot: &slot[T]{key: "value", base: initial, present: true},
	}
	v.eng.settled = v.settled
	v.snap.Store(&ValueSnapshot[T]{Value: initial})
	return v
}

// Get returns the visible value.
func (v *Value[T]) Get() T {
	return v.snap.Load().Value
}

// Snapshot returns the last published snapshot.
func (v *Value[T]) Snapshot() ValueSnapshot[T] {
	return *v.snap.Load()
}

// IsUpdating reports whether any Apply is awaiting confirmation.
func (v *Value[T]) IsUpdating() bool {
	return v.eng.isUpdating()
}

// Watch calls fn on the loop goroutine after every visible change.
func (v *Value[T]) Watch(fn func(ValueSnapshot[T])) (cancel func()) {
	return v.eng.watch(func() { fn(*v.snap.Load()) })
}

// Apply shows speculate(current) immediately and confirms it with commit.
// On failure the value reverts unless opts.NoRollback is set.
func (v *Value[T]) Apply(ctx context.Context, speculate func(T) T, commit CommitFunc[T], opts MutateOptions[T]) *Mutation[T] {
	l := v.eng.newLayer(ctx, v.slot.key, OpApply, commit, opts)
	l.apply = func(cur T, present bool) (T, bool) { return speculate(cur), present }
	l.confirm = func(c T) (T, bool) { return c, true }

	v.eng.post(l, func() {
		v.eng.push(v.slot, l)
		v.publish()
	})
	return l.mut
}

// Set overwrites the confirmed value, as when the authority pushes a
// change. Speculations whose commits are in flight stop showing; a later
// confirmation of one of them still replaces the value.
func (v *Value[T]) Set(value T) {
	v.eng.lp.Post(func() {
		v.slot.base, v.slot.present = value, true
		v.slot.supersede()
		v.publish()
	})
}

func (v *Value[T]) settled(l *layer[T], value T, err error) {
	v.eng.resolve(l, value, err)
	v.publish()
	v.eng.notify(l)
}

func (v *Value[T]) publish() {
	cur, _ := v.slot.visible()
	v.snap.Store(&ValueSnapshot[T]{
		Version: v.eng.lp.Clock().Next(),
		Value:   cur,
	})
	v.eng.broadcast()
}
