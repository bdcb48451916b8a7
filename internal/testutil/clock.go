// Package testutil holds deterministic stand-ins for wall clocks and ID
// generators so traces and assertions are reproducible.
package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a StepClock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a wall clock that advances by a fixed step on every read.
//
// The first call to Now returns start+step. Safe for concurrent use.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	n     int64
}

// NewStepClock creates a clock at start advancing by step. A zero start
// means Epoch; a zero step means one second.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if start.IsZero() {
		start = Epoch
	}
	if step == 0 {
		step = time.Second
	}
	return &StepClock{start: start, step: step}
}

// Now advances the clock and returns the new reading.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.start.Add(time.Duration(c.n) * c.step)
}

// Peek returns the current reading without advancing.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(c.n) * c.step)
}

// Reset rewinds to start. The next Now returns start+step again.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
