package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadWatermark returns the last-seen timestamp stored for principalID.
// ok is false when nothing has been stored yet.
func (s *Store) LoadWatermark(ctx context.Context, principalID string) (seenAt time.Time, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `
		SELECT seen_at FROM watermarks WHERE principal_id = ?
	`, principalID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, classify(fmt.Errorf("load watermark: %w", err))
	}

	seenAt, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load watermark: parse %q: %w", raw, err)
	}
	return seenAt, true, nil
}

// SaveWatermark stores seenAt for principalID, replacing any earlier value.
func (s *Store) SaveWatermark(ctx context.Context, principalID string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (principal_id, seen_at)
		VALUES (?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET seen_at = excluded.seen_at
	`, principalID, seenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classify(fmt.Errorf("save watermark: %w", err))
	}
	return nil
}
