package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/optisync/internal/change"
)

// pollBatch caps how many changes one poll reads.
const pollBatch = 256

// Subscribe opens a change stream for table, starting after the current
// head. An empty kinds list subscribes to every kind.
//
// The stream closes when ctx is done or Close is called.
func (s *Store) Subscribe(ctx context.Context, table string, kinds ...change.Kind) (change.Stream, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}

	st := &stream{
		store:  s,
		table:  table,
		kinds:  change.NewKindSet(kinds...),
		cursor: head,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.register(st)
	st.stopCtx = context.AfterFunc(ctx, func() { st.Close() })

	s.logger.Debug("change stream opened", "table", table, "head", head)
	return st, nil
}

// stream tails the change log for one table.
// Next is not safe for concurrent use; one consumer goroutine per stream.
type stream struct {
	store  *Store
	table  string
	kinds  change.KindSet
	cursor int64
	buf    []change.Change

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	stopCtx   func() bool
}

// Next returns the next change in write order.
func (st *stream) Next(ctx context.Context) (change.Change, error) {
	for {
		if len(st.buf) > 0 {
			c := st.buf[0]
			st.buf = st.buf[1:]
			return c, nil
		}

		select {
		case <-st.closed:
			return change.Change{}, change.ErrClosed
		default:
		}

		if err := st.poll(ctx); err != nil {
			return change.Change{}, err
		}
		if len(st.buf) > 0 {
			continue
		}

		timer := time.NewTimer(st.store.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return change.Change{}, ctx.Err()
		case <-st.closed:
			timer.Stop()
			return change.Change{}, change.ErrClosed
		case <-st.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Close releases the stream. Safe to call more than once.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		close(st.closed)
		st.store.unregister(st)
		if st.stopCtx != nil {
			st.stopCtx()
		}
	})
	return nil
}

// poll reads the next batch after the cursor. The cursor advances past
// every row, including kinds this stream does not deliver.
func (st *stream) poll(ctx context.Context) error {
	rows, err := st.store.db.QueryContext(ctx, `
		SELECT seq, tbl, id, kind, body
		FROM changes
		WHERE tbl = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, st.table, st.cursor, pollBatch)
	if err != nil {
		return classify(fmt.Errorf("poll changes: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var c change.Change
		var kind, body string
		if err := rows.Scan(&c.Seq, &c.Table, &c.EntityID, &kind, &body); err != nil {
			return classify(fmt.Errorf("scan change: %w", err))
		}
		st.cursor = c.Seq
		c.Kind = change.Kind(kind)
		if !st.kinds.Has(c.Kind) {
			continue
		}
		c.Payload = json.RawMessage(body)
		st.buf = append(st.buf, c)
	}

	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("iterate changes: %w", err))
	}
	return nil
}
