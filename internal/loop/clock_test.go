package loop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAfterOrigin(t *testing.T) {
	c := NewClock(0)
	assert.Equal(t, int64(0), c.Last())
	assert.Equal(t, int64(1), c.Next())

	c = NewClock(100)
	assert.Equal(t, int64(101), c.Next())
	assert.Equal(t, int64(101), c.Last())
}

func TestClock_ConcurrentVersionsAreUnique(t *testing.T) {
	c := NewClock(0)
	const workers, calls = 20, 50

	var wg sync.WaitGroup
	versions := make(chan int64, workers*calls)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				versions <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d issued twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, workers*calls)
	assert.Equal(t, int64(workers*calls), c.Last())
}
