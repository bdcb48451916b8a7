package board

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/loop"
	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/realtime"
)

// DefaultNotificationFilter keeps the notifications addressed to the
// principal. vars.principal is bound to the principal's ID.
const DefaultNotificationFilter = `payload.recipient_id == vars.principal`

// WithNotificationFilter overrides DefaultNotificationFilter.
func WithNotificationFilter(expression string) Option {
	return func(o *options) {
		if expression != "" {
			o.filter = expression
		}
	}
}

// WatermarkStore persists the last-seen timestamp per principal in
// client-local storage.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, principalID string) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, principalID string, seenAt time.Time) error
}

// Inbox tracks one principal's notifications and unread watermark.
type Inbox struct {
	remote    *Remote
	marks     WatermarkStore
	principal string
	items     *optimistic.Collection[Notification]
	seen      *optimistic.Value[time.Time]
	rt        *realtime.Reconciler[Notification]
	opts      options
}

// OpenInbox reads the persisted watermark, subscribes to the principal's
// notifications and loads the existing ones.
func OpenInbox(ctx context.Context, lp *loop.Loop, remote *Remote, src change.Source, marks WatermarkStore, principalID string, opts ...Option) (*Inbox, error) {
	o := newOptions(opts)

	seenAt, _, err := marks.LoadWatermark(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}

	filter, err := realtime.ExprFilter(o.filter, map[string]any{"principal": principalID})
	if err != nil {
		return nil, err
	}

	in := &Inbox{
		remote:    remote,
		marks:     marks,
		principal: principalID,
		items: optimistic.NewCollection(lp, notificationKey,
			optimistic.WithName(TableNotifications),
			optimistic.WithLogger(o.logger),
			optimistic.WithMetrics(o.metrics),
		),
		seen: optimistic.NewValue(lp, seenAt,
			optimistic.WithName("watermark"),
			optimistic.WithLogger(o.logger),
			optimistic.WithMetrics(o.metrics),
		),
		rt: realtime.New[Notification](lp, src, TableNotifications,
			realtime.WithLogger(o.logger),
			realtime.WithMetrics(o.metrics),
		),
		opts: o,
	}

	if _, err := in.rt.Subscribe(ctx, realtime.Merge(in.items), realtime.SubscribeOptions{
		Kinds:  []change.Kind{change.Insert, change.Delete},
		Filter: filter,
	}); err != nil {
		return nil, err
	}

	existing, err := remote.ListNotifications(ctx, principalID)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	in.items.ReplaceAll(existing)
	return in, nil
}

// Items returns the visible notifications.
func (in *Inbox) Items() []Notification {
	return in.items.Items()
}

// Collection exposes the underlying collection for watching.
func (in *Inbox) Collection() *optimistic.Collection[Notification] {
	return in.items
}

// SeenAt returns the visible watermark.
func (in *Inbox) SeenAt() time.Time {
	return in.seen.Get()
}

// Unread counts notifications created after the watermark.
func (in *Inbox) Unread() int {
	seenAt := in.seen.Get()
	n := 0
	for _, item := range in.items.Items() {
		if item.CreatedAt.After(seenAt) {
			n++
		}
	}
	return n
}

// MarkAllSeen moves the watermark to now. The unread count drops at once;
// it comes back if the watermark cannot be persisted.
func (in *Inbox) MarkAllSeen(ctx context.Context) *optimistic.Mutation[time.Time] {
	now := in.opts.now()
	return in.seen.Apply(ctx,
		func(time.Time) time.Time { return now },
		func(ctx context.Context) (time.Time, error) {
			if err := in.marks.SaveWatermark(ctx, in.principal, now); err != nil {
				return time.Time{}, err
			}
			return now, nil
		},
		optimistic.MutateOptions[time.Time]{},
	)
}

// Close releases the realtime subscription.
func (in *Inbox) Close() {
	in.rt.Close()
}
