package optimistic

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/roach88/optisync/internal/canon"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/syncerr"
)

// Snapshot is a published view of a Collection.
type Snapshot[T any] struct {
	// Version is the loop clock reading when the snapshot was published.
	Version int64

	// Items is the visible sequence. Shared; do not modify.
	Items []T
}

// Collection is an optimistic ordered sequence keyed by entity identifier.
// Positions are stable: an entity keeps its place through updates and
// through the replacement of a provisional key by the authority's key.
type Collection[T any] struct {
	eng   *engine[T]
	keyOf func(T) string

	// Loop-owned.
	order []string
	slots map[string]*slot[T]

	snap atomic.Pointer[Snapshot[T]]
}

// NewCollection creates an empty Collection. keyOf extracts the entity
// identifier.
func NewCollection[T any](lp *loop.Loop, keyOf func(T) string, opts ...Option) *Collection[T] {
	c := &Collection[T]{
		eng:   &engine[T]{lp: lp, cfg: newConfig(opts)},
		keyOf: keyOf,
		slots: make(map[string]*slot[T]),
	}
	c.eng.settled = c.settled
	c.snap.Store(&Snapshot[T]{})
	return c
}

// Items returns a copy of the visible sequence.
func (c *Collection[T]) Items() []T {
	return slices.Clone(c.snap.Load().Items)
}

// Snapshot returns the last published snapshot.
func (c *Collection[T]) Snapshot() Snapshot[T] {
	return *c.snap.Load()
}

// Len returns the number of visible entities.
func (c *Collection[T]) Len() int {
	return len(c.snap.Load().Items)
}

// Get returns the visible entity with key id.
func (c *Collection[T]) Get(id string) (T, bool) {
	for _, item := range c.snap.Load().Items {
		if c.keyOf(item) == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// IsUpdating reports whether any mutation is awaiting confirmation.
func (c *Collection[T]) IsUpdating() bool {
	return c.eng.isUpdating()
}

// Watch calls fn on the loop goroutine after every visible change.
func (c *Collection[T]) Watch(fn func(Snapshot[T])) (cancel func()) {
	return c.eng.watch(func() { fn(*c.snap.Load()) })
}

// Insert appends provisional at once, under its provisional key, and asks
// the authority to create it. On confirmation the entity is replaced in
// place by the authority's value, which may carry a different key. On
// failure it is removed unless opts.NoRollback is set.
func (c *Collection[T]) Insert(ctx context.Context, provisional T, commit CommitFunc[T], opts MutateOptions[T]) *Mutation[T] {
	key := c.keyOf(provisional)
	l := c.eng.newLayer(ctx, key, OpInsert, commit, opts)
	l.apply = func(T, bool) (T, bool) { return provisional, true }
	l.confirm = func(v T) (T, bool) { return v, true }

	c.eng.post(l, func() {
		c.eng.push(c.slotFor(key), l)
		c.publish()
	})
	return l.mut
}

// Update replaces the visible entity id with speculate(entity) and asks
// the authority to confirm. If id is not visible the mutation fails with
// NotFound and commit is never called.
func (c *Collection[T]) Update(ctx context.Context, id string, speculate func(T) T, commit CommitFunc[T], opts MutateOptions[T]) *Mutation[T] {
	l := c.eng.newLayer(ctx, id, OpUpdate, commit, opts)
	l.apply = func(cur T, present bool) (T, bool) {
		if !present {
			return cur, false
		}
		return speculate(cur), true
	}
	l.confirm = func(v T) (T, bool) { return v, true }

	c.eng.post(l, func() {
		s, ok := c.slots[id]
		if !ok {
			c.eng.reject(l, syncerr.NotFound(string(OpUpdate), id))
			return
		}
		if _, visible := s.visible(); !visible {
			c.eng.reject(l, syncerr.NotFound(string(OpUpdate), id))
			return
		}
		c.eng.push(s, l)
		c.publish()
	})
	return l.mut
}

// Remove hides entity id at once and asks the authority to delete it. On
// failure the entity reappears at its original position. If id is not
// visible the mutation fails with NotFound and commit is never called.
func (c *Collection[T]) Remove(ctx context.Context, id string, commit func(ctx context.Context) error, opts MutateOptions[T]) *Mutation[T] {
	// The envelope reports the entity as it was before removal.
	var prev T
	wrapped := func(ctx context.Context) (T, error) {
		if err := commit(ctx); err != nil {
			var zero T
			return zero, err
		}
		return prev, nil
	}

	l := c.eng.newLayer(ctx, id, OpRemove, wrapped, opts)
	l.apply = func(cur T, present bool) (T, bool) {
		var zero T
		return zero, false
	}
	l.confirm = func(T) (T, bool) {
		var zero T
		return zero, false
	}

	c.eng.post(l, func() {
		s, ok := c.slots[id]
		if !ok {
			c.eng.reject(l, syncerr.NotFound(string(OpRemove), id))
			return
		}
		cur, visible := s.visible()
		if !visible {
			c.eng.reject(l, syncerr.NotFound(string(OpRemove), id))
			return
		}
		prev = cur
		c.eng.push(s, l)
		c.publish()
	})
	return l.mut
}

// Upsert merges an authoritative entity: inserted at the end if unknown,
// replaced in place otherwise. Applying the same value twice is a no-op.
// A value that changes the entity hides its pending speculation until
// those commits resolve; a later confirmation still replaces it.
func (c *Collection[T]) Upsert(v T) {
	c.eng.lp.Post(func() {
		if c.upsert(v) {
			c.publish()
		}
	})
}

// Replace merges an authoritative entity only if its key is visible. Like
// Upsert it supersedes in-flight speculation on that key.
func (c *Collection[T]) Replace(v T) {
	c.eng.lp.Post(func() {
		s, ok := c.slots[c.keyOf(v)]
		if !ok {
			return
		}
		if _, visible := s.visible(); !visible {
			return
		}
		if c.setBase(s, v) {
			c.publish()
		}
	})
}

// Delete removes an entity the authority reports as deleted. Unknown keys
// are ignored.
func (c *Collection[T]) Delete(id string) {
	c.eng.lp.Post(func() {
		s, ok := c.slots[id]
		if !ok || !s.present {
			return
		}
		var zero T
		s.base, s.present = zero, false
		s.supersede()
		c.collect(s)
		c.publish()
	})
}

// ReplaceAll installs items as the confirmed contents, in order. Entities
// with pending mutations keep their speculation on top of the new base.
func (c *Collection[T]) ReplaceAll(items []T) {
	c.eng.lp.Post(func() {
		seen := make(map[string]bool, len(items))
		order := make([]string, 0, len(items)+len(c.order))
		for _, v := range items {
			key := c.keyOf(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			s := c.slots[key]
			if s == nil {
				s = &slot[T]{key: key}
				c.slots[key] = s
			}
			s.base, s.present = v, true
			order = append(order, key)
		}
		for _, key := range c.order {
			if seen[key] {
				continue
			}
			s := c.slots[key]
			var zero T
			s.base, s.present = zero, false
			if len(s.layers) == 0 {
				delete(c.slots, key)
				continue
			}
			order = append(order, key)
		}
		c.order = order
		c.publish()
	})
}

func (c *Collection[T]) settled(l *layer[T], v T, err error) {
	c.eng.resolve(l, v, err)

	s := l.slot
	if err == nil && l.mut.op == OpInsert {
		if key := c.keyOf(v); key != s.key {
			s = c.rekey(s, key)
		}
	}
	c.collect(s)
	c.publish()
	c.eng.notify(l)
}

// rekey moves slot s to key. If key is already known (the authority's
// push arrived first) the two slots are folded together so the entity
// appears once, at the known entity's position.
func (c *Collection[T]) rekey(s *slot[T], key string) *slot[T] {
	old := s.key
	c.eng.logger().Debug("rekeying provisional entity", "from", old, "to", key)

	t, exists := c.slots[key]
	if !exists {
		delete(c.slots, old)
		s.key = key
		c.slots[key] = s
		if i := slices.Index(c.order, old); i >= 0 {
			c.order[i] = key
		}
		return s
	}

	// The existing slot already holds what the push channel delivered,
	// which is at least as recent as the commit response.
	if !t.present {
		t.base, t.present = s.base, s.present
	}
	for _, l := range s.layers {
		l.slot = t
		t.layers = append(t.layers, l)
	}
	s.layers = nil
	delete(c.slots, old)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == old })
	c.eng.startNext(t)
	return t
}

// slotFor returns the slot for key, appending a new one if needed.
func (c *Collection[T]) slotFor(key string) *slot[T] {
	if s, ok := c.slots[key]; ok {
		return s
	}
	s := &slot[T]{key: key}
	c.slots[key] = s
	c.order = append(c.order, key)
	return s
}

func (c *Collection[T]) upsert(v T) bool {
	return c.setBase(c.slotFor(c.keyOf(v)), v)
}

// setBase installs a pushed value and reports whether it changed. A
// change supersedes the slot's in-flight speculation.
func (c *Collection[T]) setBase(s *slot[T], v T) bool {
	if s.present && canon.Equal(s.base, v) {
		return false
	}
	s.base, s.present = v, true
	s.supersede()
	return true
}

// collect drops a slot that holds nothing.
func (c *Collection[T]) collect(s *slot[T]) {
	if s.present || len(s.layers) > 0 {
		return
	}
	if c.slots[s.key] != s {
		return
	}
	delete(c.slots, s.key)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == s.key })
}

func (c *Collection[T]) publish() {
	items := make([]T, 0, len(c.order))
	for _, key := range c.order {
		if v, ok := c.slots[key].visible(); ok {
			items = append(items, v)
		}
	}
	c.snap.Store(&Snapshot[T]{
		Version: c.eng.lp.Clock().Next(),
		Items:   items,
	})
	c.eng.broadcast()
}
