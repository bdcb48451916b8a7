package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/optisync/internal/canon"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/metrics"
	"github.com/roach88/optisync/internal/syncerr"
)

// Serialization controls how commits for one key are ordered.
type Serialization int

const (
	// PerKey chains commits for the same key in issue order.
	PerKey Serialization = iota

	// Concurrent starts every commit immediately; the last confirmation to
	// arrive wins.
	Concurrent
)

func (s Serialization) String() string {
	switch s {
	case PerKey:
		return "per_key"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("serialization(%d)", int(s))
	}
}

// ParseSerialization parses the configuration spelling of a mode.
func ParseSerialization(s string) (Serialization, error) {
	switch s {
	case "", "per_key":
		return PerKey, nil
	case "concurrent":
		return Concurrent, nil
	default:
		return PerKey, fmt.Errorf("unknown serialization mode %q", s)
	}
}

// IDGenerator produces mutation envelope identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator produces time-ordered UUIDv7 identifiers.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a Value or Collection.
type Option func(*config)

type config struct {
	name          string
	serialization Serialization
	logger        *slog.Logger
	metrics       *metrics.Metrics
	ids           IDGenerator
}

func newConfig(opts []Option) config {
	cfg := config{
		serialization: PerKey,
		logger:        slog.Default(),
		ids:           UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithName labels log lines from this container.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithSerialization selects the commit ordering mode.
func WithSerialization(s Serialization) Option {
	return func(c *config) { c.serialization = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithIDGenerator replaces the envelope ID source (tests use fixed IDs).
func WithIDGenerator(g IDGenerator) Option {
	return func(c *config) {
		if g != nil {
			c.ids = g
		}
	}
}

// layer is one pending speculation on a slot.
type layer[T any] struct {
	mut  *Mutation[T]
	slot *slot[T]

	// apply folds the speculation over the value beneath it.
	apply func(cur T, present bool) (T, bool)

	// confirm maps the authority's value to the new base.
	confirm func(v T) (T, bool)

	ctx     context.Context
	commit  CommitFunc[T]
	opts    MutateOptions[T]
	started bool

	// masked is set when an authoritative write lands on the slot while
	// this layer's commit is in flight. A masked layer no longer shows, but
	// a confirmation still becomes the base.
	masked bool
}

// slot is the layered state for one key.
type slot[T any] struct {
	key     string
	base    T
	present bool
	layers  []*layer[T]
}

func (s *slot[T]) visible() (T, bool) {
	v, ok := s.base, s.present
	for _, l := range s.layers {
		if !l.masked {
			v, ok = l.apply(v, ok)
		}
	}
	return v, ok
}

// supersede hides every in-flight layer behind a newer authoritative base.
// Queued layers reach the authority after it, so they keep showing on top.
func (s *slot[T]) supersede() {
	for _, l := range s.layers {
		if l.started {
			l.masked = true
		}
	}
}

func (s *slot[T]) detach(l *layer[T]) {
	s.layers = slices.DeleteFunc(s.layers, func(x *layer[T]) bool { return x == l })
}

func (s *slot[T]) inflight() bool {
	return slices.ContainsFunc(s.layers, func(l *layer[T]) bool { return l.started })
}

// engine is the mutation machinery shared by Value and Collection.
// Everything except the pending counter is loop-owned.
type engine[T any] struct {
	lp      *loop.Loop
	cfg     config
	pending atomic.Int64

	// settled is called on the loop when a commit returns.
	settled func(l *layer[T], v T, err error)

	mu       sync.Mutex
	watchers map[uint64]func()
	nextW    uint64
}

func (e *engine[T]) logger() *slog.Logger {
	if e.cfg.name != "" {
		return e.cfg.logger.With("container", e.cfg.name)
	}
	return e.cfg.logger
}

// newLayer builds the envelope and counts it as pending. Safe from any
// goroutine.
func (e *engine[T]) newLayer(ctx context.Context, key string, op Op, commit CommitFunc[T], opts MutateOptions[T]) *layer[T] {
	e.pending.Add(1)
	e.cfg.metrics.MutationStarted(string(op))
	return &layer[T]{
		mut:    newMutation[T](e.cfg.ids.Generate(), key, op),
		ctx:    ctx,
		commit: commit,
		opts:   opts,
	}
}

// post runs fn on the loop, or fails l immediately if the loop is gone.
func (e *engine[T]) post(l *layer[T], fn loop.Task) {
	if e.lp.Post(fn) {
		return
	}
	// The loop is stopped: nothing will run hooks, so only the envelope
	// is resolved.
	e.finish(l, StatusRolledBack, *new(T), syncerr.Wrap(string(l.mut.op), l.mut.key, loop.ErrStopped))
}

// push stacks l onto s and starts its commit if ordering allows.
// Loop goroutine only.
func (e *engine[T]) push(s *slot[T], l *layer[T]) {
	l.slot = s
	canStart := e.cfg.serialization == Concurrent || !s.inflight()
	s.layers = append(s.layers, l)
	l.mut.speculated, _ = s.visible()

	e.logger().Debug("mutation issued",
		"id", l.mut.id,
		"op", l.mut.op,
		"key", s.key,
		"queued", !canStart,
	)
	if canStart {
		e.start(l)
	}
}

// start launches l's commit. The result is posted back to the loop.
func (e *engine[T]) start(l *layer[T]) {
	l.started = true
	go func() {
		v, err := e.runCommit(l)
		if !e.lp.Post(func() { e.settled(l, v, err) }) {
			e.finish(l, StatusRolledBack, *new(T), syncerr.Wrap(string(l.mut.op), l.mut.key, loop.ErrStopped))
		}
	}()
}

func (e *engine[T]) runCommit(l *layer[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("commit panicked: %v", r)
		}
	}()
	return l.commit(l.ctx)
}

// resolve applies a commit outcome to the layer's slot and starts the next
// queued commit for that key. Hooks are not run; see notify. Loop only.
func (e *engine[T]) resolve(l *layer[T], v T, err error) {
	s := l.slot
	s.detach(l)
	log := e.logger().With("id", l.mut.id, "op", l.mut.op, "key", s.key)

	if err == nil {
		s.base, s.present = l.confirm(v)
		if reconciles(l.mut.op) && !canon.Equal(l.mut.speculated, v) {
			// The authority's value wins; the difference is diagnostic only.
			e.cfg.metrics.Conflict(string(l.mut.op))
			log.Debug("confirmation differs from speculation", "kind", syncerr.KindConflict)
		}
		log.Debug("mutation confirmed")
		e.finish(l, StatusConfirmed, v, nil)
	} else {
		serr := syncerr.Wrap(string(l.mut.op), l.mut.key, err)
		status := StatusRolledBack
		if l.opts.NoRollback && !l.masked {
			s.base, s.present = l.apply(s.base, s.present)
			status = StatusFailed
		}
		log.Warn("mutation failed",
			"kind", serr.Kind,
			"status", status,
			"error", err,
		)
		e.finish(l, status, *new(T), serr)
	}

	e.startNext(s)
}

// reconciles reports whether op speculates a full value worth comparing.
// Inserts are excluded: the authority always assigns fields of its own.
func reconciles(op Op) bool {
	return op == OpApply || op == OpUpdate
}

// startNext starts the oldest queued commit once nothing is in flight.
func (e *engine[T]) startNext(s *slot[T]) {
	if e.cfg.serialization == Concurrent || s.inflight() {
		return
	}
	for _, l := range s.layers {
		if !l.started {
			e.start(l)
			return
		}
	}
}

// finish resolves the envelope exactly once.
func (e *engine[T]) finish(l *layer[T], status Status, v T, err *syncerr.Error) {
	if !l.mut.Pending() {
		return
	}
	l.mut.resolve(status, v, err)
	e.pending.Add(-1)

	outcome := metrics.OutcomeConfirmed
	switch status {
	case StatusRolledBack:
		outcome = metrics.OutcomeRolledBack
	case StatusFailed:
		outcome = metrics.OutcomeFailed
	}
	e.cfg.metrics.MutationResolved(string(l.mut.op), outcome)
}

// reject fails l before it touches any state. Loop only.
func (e *engine[T]) reject(l *layer[T], err *syncerr.Error) {
	e.logger().Debug("mutation rejected",
		"id", l.mut.id,
		"op", l.mut.op,
		"key", l.mut.key,
		"kind", err.Kind,
	)
	e.finish(l, StatusRolledBack, *new(T), err)
	e.notify(l)
}

// notify runs the caller's hooks for a resolved layer. Loop only.
func (e *engine[T]) notify(l *layer[T]) {
	switch l.mut.Status() {
	case StatusConfirmed:
		if l.opts.OnSuccess != nil {
			l.opts.OnSuccess(l.mut.value)
		}
	case StatusRolledBack, StatusFailed:
		if l.opts.OnError != nil {
			l.opts.OnError(l.mut.err)
		}
	}
}

func (e *engine[T]) isUpdating() bool {
	return e.pending.Load() > 0
}

// watch registers fn to run on the loop after every publish.
func (e *engine[T]) watch(fn func()) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchers == nil {
		e.watchers = make(map[uint64]func())
	}
	id := e.nextW
	e.nextW++
	e.watchers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.watchers, id)
	}
}

// broadcast calls every watcher in registration order.
func (e *engine[T]) broadcast() {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.watchers))
	for id := range e.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.watchers[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
