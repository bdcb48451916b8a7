package loop

import "sync/atomic"

// Clock hands out snapshot versions. Versions start after the clock's
// origin and strictly increase, so a watcher holding two snapshots can
// always tell which one is newer.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock whose first version is origin+1.
func NewClock(origin int64) *Clock {
	c := &Clock{}
	c.last.Store(origin)
	return c
}

// Next issues a fresh version.
func (c *Clock) Next() int64 {
	return c.last.Add(1)
}

// Last returns the most recently issued version, or the origin.
func (c *Clock) Last() int64 {
	return c.last.Load()
}
