package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock_Defaults(t *testing.T) {
	clock := NewStepClock(time.Time{}, 0)
	assert.Equal(t, Epoch, clock.Peek())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
}

func TestStepClock_AdvancesPerRead(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := NewStepClock(start, time.Minute)

	assert.Equal(t, start.Add(time.Minute), clock.Now())
	assert.Equal(t, start.Add(2*time.Minute), clock.Now())
	assert.Equal(t, start.Add(2*time.Minute), clock.Peek())
}

func TestStepClock_Reset(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Second)
	first := clock.Now()
	clock.Now()
	clock.Now()

	clock.Reset()
	assert.Equal(t, Epoch, clock.Peek())
	assert.Equal(t, first, clock.Now())
}

func TestStepClock_ThreadSafe(t *testing.T) {
	clock := NewStepClock(time.Time{}, time.Nanosecond)
	const goroutines = 50
	const calls = 100

	var mu sync.Mutex
	seen := make(map[time.Time]bool)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				now := clock.Now()
				mu.Lock()
				seen[now] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*calls)
	assert.Equal(t, Epoch.Add(goroutines*calls*time.Nanosecond), clock.Peek())
}
