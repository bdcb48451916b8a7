// Package realtime applies push-channel changes to local state.
//
// A Reconciler owns the subscriptions for one table. Each subscription has a
// pump goroutine that pulls changes from the source, filters and decodes
// them off the loop, then posts the handler to the loop so every state
// change still has a single writer. Events are stateless: nothing is
// buffered, replayed, or retried.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/metrics"
)

// Event results, used as metric labels.
const (
	resultAccepted = "accepted"
	resultFiltered = "filtered"
	resultInvalid  = "invalid"
)

// Event is a decoded change.
type Event[T any] struct {
	Seq   int64
	Table string
	Kind  change.Kind
	ID    string

	// Value is the decoded payload. For deletes it is the removed entity
	// when the authority sends one, otherwise the zero value.
	Value T
}

// Handler consumes events on the loop goroutine.
type Handler[T any] func(Event[T])

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Reconciler manages the subscriptions for one table.
type Reconciler[T any] struct {
	lp    *loop.Loop
	src   change.Source
	table string
	opts  options

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Reconciler for table.
func New[T any](lp *loop.Loop, src change.Source, table string, opts ...Option) *Reconciler[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("table", table)
	return &Reconciler[T]{
		lp:    lp,
		src:   src,
		table: table,
		opts:  o,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Subscription is one live channel. Release it with Unsubscribe.
type Subscription struct {
	cancel context.CancelFunc
	stream change.Stream
	done   chan struct{}
	err    error
}

// Done is closed when the pump has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the subscription, or nil if it was
// released normally. Valid after Done is closed.
func (s *Subscription) Err() error { return s.err }

// SubscribeOptions scope a subscription.
type SubscribeOptions struct {
	// Kinds limits the change kinds delivered. Empty means all.
	Kinds []change.Kind

	// Filter drops changes it rejects. Nil delivers everything.
	Filter Filter
}

// Subscribe opens a channel on the table and delivers matching events to
// handle on the loop. The subscription ends when ctx is done, when
// Unsubscribe or Close is called, or when the source fails.
func (r *Reconciler[T]) Subscribe(ctx context.Context, handle Handler[T], so SubscribeOptions) (*Subscription, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, errors.New("reconciler closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := r.src.Subscribe(ctx, r.table, so.Kinds...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", r.table, err)
	}

	sub := &Subscription{
		cancel: cancel,
		stream: stream,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		stream.Close()
		return nil, errors.New("reconciler closed")
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	r.opts.logger.Debug("subscribed", "kinds", so.Kinds)
	go r.pump(ctx, sub, so.Filter, handle)
	return sub, nil
}

// Unsubscribe releases sub and waits for its pump to exit. Events already
// posted to the loop still run.
func (r *Reconciler[T]) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.cancel()
	sub.stream.Close()
	<-sub.done

	r.mu.Lock()
	delete(r.subs, sub)
	r.mu.Unlock()
}

// Close releases every subscription. Further Subscribe calls fail.
func (r *Reconciler[T]) Close() {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.Unsubscribe(sub)
	}
}

func (r *Reconciler[T]) pump(ctx context.Context, sub *Subscription, filter Filter, handle Handler[T]) {
	defer close(sub.done)
	defer sub.stream.Close()

	for {
		c, err := sub.stream.Next(ctx)
		if err != nil {
			if errors.Is(err, change.ErrClosed) || ctx.Err() != nil {
				r.opts.logger.Debug("subscription released")
				return
			}
			r.opts.logger.Warn("subscription failed", "error", err)
			sub.err = err
			return
		}

		log := r.opts.logger.With("seq", c.Seq, "kind", c.Kind, "id", c.EntityID)

		if filter != nil {
			ok, err := filter(c)
			if err != nil {
				log.Warn("filter failed; dropping event", "error", err)
				r.opts.metrics.RealtimeEvent(r.table, string(c.Kind), resultInvalid)
				continue
			}
			if !ok {
				r.opts.metrics.RealtimeEvent(r.table, string(c.Kind), resultFiltered)
				continue
			}
		}

		ev, err := decode[T](c)
		if err != nil {
			log.Warn("undecodable event dropped", "error", err)
			r.opts.metrics.RealtimeEvent(r.table, string(c.Kind), resultInvalid)
			continue
		}

		r.opts.metrics.RealtimeEvent(r.table, string(c.Kind), resultAccepted)
		if !r.lp.Post(func() { handle(ev) }) {
			log.Debug("loop stopped; releasing subscription")
			return
		}
	}
}

func decode[T any](c change.Change) (Event[T], error) {
	ev := Event[T]{
		Seq:   c.Seq,
		Table: c.Table,
		Kind:  c.Kind,
		ID:    c.EntityID,
	}
	if len(c.Payload) == 0 || string(c.Payload) == "null" {
		if c.Kind == change.Delete {
			return ev, nil
		}
		return ev, errors.New("missing payload")
	}
	if err := json.Unmarshal(c.Payload, &ev.Value); err != nil {
		return ev, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}
