package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/realtime"
	"github.com/roach88/optisync/internal/syncerr"
	"github.com/roach88/optisync/internal/testutil"
)

// StepTimeout bounds how long a release waits for its mutation to resolve.
// A mutation queued behind an unreleased one never resolves, so the
// scenario fails instead of hanging.
const StepTimeout = 2 * time.Second

// held is a mutation whose commit waits for a scripted outcome.
type held struct {
	mut     *optimistic.Mutation[Record]
	outcome chan outcome

	// echo is what the authority answers when a release gives no value.
	echo Record
}

type outcome struct {
	value Record
	err   error
}

func (h *held) commit(ctx context.Context) (Record, error) {
	select {
	case o := <-h.outcome:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Harness runs one scenario against a fresh loop and collection.
type Harness struct {
	lp    *loop.Loop
	items *optimistic.Collection[Record]
	merge realtime.Handler[Record]
	held  map[string]*held
	seq   int64
}

// Run executes scenario and evaluates its assertions. The returned error
// is reserved for scenarios that could not be executed; failed assertions
// are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	serialization, err := optimistic.ParseSerialization(scenario.Serialization)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lp := loop.New(loop.WithLogger(logger))
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = lp.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	items := optimistic.NewCollection(lp, recordKey,
		optimistic.WithName("records"),
		optimistic.WithSerialization(serialization),
		optimistic.WithIDGenerator(testutil.NewSequenceIDs("m")),
		optimistic.WithLogger(logger),
	)
	h := &Harness{
		lp:    lp,
		items: items,
		merge: realtime.Merge(items),
		held:  make(map[string]*held),
	}

	items.ReplaceAll(scenario.Initial)
	if err := h.settle(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action(), err)
		}
		ev.Step = i + 1
		ev.Action = step.Action()
		ev.Updating = items.IsUpdating()
		ev.Visible = h.visible()
		result.Trace = append(result.Trace, ev)
	}

	for _, msg := range h.evaluate(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	switch {
	case step.Insert != nil:
		return h.mutate(ctx, step.Insert, func(hd *held) *optimistic.Mutation[Record] {
			hd.echo = step.Insert.Item
			return h.items.Insert(ctx, step.Insert.Item, hd.commit, mutateOptions(step.Insert))
		})
	case step.Update != nil:
		return h.mutate(ctx, step.Update, func(hd *held) *optimistic.Mutation[Record] {
			set := step.Update.Set
			if cur, ok := h.items.Get(step.Update.ID); ok {
				hd.echo = cur.merged(set)
			}
			return h.items.Update(ctx, step.Update.ID,
				func(cur Record) Record { return cur.merged(set) },
				hd.commit, mutateOptions(step.Update))
		})
	case step.Remove != nil:
		return h.mutate(ctx, step.Remove, func(hd *held) *optimistic.Mutation[Record] {
			return h.items.Remove(ctx, step.Remove.ID, func(ctx context.Context) error {
				_, err := hd.commit(ctx)
				return err
			}, mutateOptions(step.Remove))
		})
	case step.Event != nil:
		return TraceEvent{}, h.event(ctx, step.Event)
	case step.Release != nil:
		return h.release(ctx, step.Release)
	default:
		return TraceEvent{}, errors.New("empty step")
	}
}

func mutateOptions(m *MutationStep) optimistic.MutateOptions[Record] {
	return optimistic.MutateOptions[Record]{NoRollback: m.NoRollback}
}

func (h *Harness) mutate(ctx context.Context, m *MutationStep, issue func(*held) *optimistic.Mutation[Record]) (TraceEvent, error) {
	hd := &held{outcome: make(chan outcome, 1)}
	hd.mut = issue(hd)
	h.held[m.As] = hd
	if err := h.settle(ctx); err != nil {
		return TraceEvent{}, err
	}
	return h.describe(m.As), nil
}

func (h *Harness) event(ctx context.Context, e *EventStep) error {
	kind, err := change.ParseKind(e.Kind)
	if err != nil {
		return err
	}
	h.seq++
	ev := realtime.Event[Record]{
		Seq:   h.seq,
		Table: "records",
		Kind:  kind,
		ID:    e.ID,
		Value: e.Item,
	}
	if ev.ID == "" {
		ev.ID = recordKey(e.Item)
	}
	if !h.lp.Post(func() { h.merge(ev) }) {
		return loop.ErrStopped
	}
	return h.settle(ctx)
}

func (h *Harness) release(ctx context.Context, r *ReleaseStep) (TraceEvent, error) {
	hd := h.held[r.Mutation]
	if hd == nil {
		return TraceEvent{}, fmt.Errorf("unknown mutation %q", r.Mutation)
	}

	o := outcome{value: r.Value}
	if o.value == nil {
		o.value = hd.echo
	}
	if r.Error != "" {
		kind, err := parseKind(r.Error)
		if err != nil {
			return TraceEvent{}, err
		}
		o = outcome{err: syncerr.New(kind, "commit", "scripted failure")}
	}

	select {
	case hd.outcome <- o:
	default:
		return TraceEvent{}, fmt.Errorf("mutation %q already released", r.Mutation)
	}

	wait, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	select {
	case <-hd.mut.Done():
	case <-wait.Done():
		return TraceEvent{}, fmt.Errorf("mutation %q did not resolve; is it queued behind an unreleased mutation?", r.Mutation)
	}
	if err := h.settle(ctx); err != nil {
		return TraceEvent{}, err
	}
	return h.describe(r.Mutation), nil
}

// settle waits until every task posted so far has run.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	return h.lp.Sync(ctx)
}

func (h *Harness) describe(alias string) TraceEvent {
	hd := h.held[alias]
	ev := TraceEvent{
		Mutation: alias,
		ID:       hd.mut.ID(),
		Status:   hd.mut.Status().String(),
	}
	if kind := h.errorKind(alias); kind != "" {
		ev.Error = string(kind)
	}
	return ev
}

func (h *Harness) errorKind(alias string) syncerr.Kind {
	hd := h.held[alias]
	if hd == nil || hd.mut.Pending() {
		return ""
	}
	_, err := hd.mut.Wait(context.Background())
	return syncerr.Classify(err)
}

func (h *Harness) visible() []Record {
	return append([]Record{}, h.items.Items()...)
}
