package optimistic

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/optisync/internal/loop"
)

type task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

func taskKey(t task) string { return t.ID }

// startLoop runs a loop for the duration of the test.
func startLoop(t *testing.T) *loop.Loop {
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
	return lp
}

// barrier waits until every task posted so far has run.
func barrier(t *testing.T, lp *loop.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, lp.Sync(ctx))
}

// waitDone waits for m to resolve and for the loop to finish publishing.
func waitDone[T any](t *testing.T, lp *loop.Loop, m *Mutation[T]) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatalf("mutation %s did not resolve", m.ID())
	}
	barrier(t, lp)
}

type result[T any] struct {
	v   T
	err error
}

// gate is a commit function the test releases by hand.
type gate[T any] struct {
	started chan struct{}
	calls   atomic.Int32
	results chan result[T]
}

func newGate[T any]() *gate[T] {
	return &gate[T]{
		started: make(chan struct{}, 8),
		results: make(chan result[T], 1),
	}
}

func (g *gate[T]) commit(ctx context.Context) (T, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case r := <-g.results:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (g *gate[T]) remove(ctx context.Context) error {
	_, err := g.commit(ctx)
	return err
}

func (g *gate[T]) succeed(v T) { g.results <- result[T]{v: v} }

func (g *gate[T]) fail(err error) { g.results <- result[T]{err: err} }

func (g *gate[T]) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
	case <-time.After(time.Second):
		t.Fatal("commit was not started")
	}
}

func (g *gate[T]) assertNotStarted(t *testing.T) {
	t.Helper()
	select {
	case <-g.started:
		t.Fatal("commit started early")
	case <-time.After(20 * time.Millisecond):
	}
}

// seqIDs generates "m1", "m2", ...
type seqIDs struct{ n atomic.Int64 }

func (g *seqIDs) Generate() string {
	return fmt.Sprintf("m%d", g.n.Add(1))
}

// seed installs confirmed items and waits for them to publish.
func seed(t *testing.T, lp *loop.Loop, c *Collection[task], items ...task) {
	t.Helper()
	c.ReplaceAll(items)
	barrier(t, lp)
}
