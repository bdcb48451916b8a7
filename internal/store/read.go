package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/optisync/internal/syncerr"
)

// Record is one authoritative document.
type Record struct {
	Table      string          `json:"table"`
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	CreatedSeq int64           `json:"created_seq"`
	UpdatedSeq int64           `json:"updated_seq"`
}

// Decode unmarshals the record body into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", r.Table, r.ID, err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Find returns the record for (table, id).
// Returns a NotFound error (wrapping ErrNotFound) when it does not exist.
func (s *Store) Find(ctx context.Context, table, id string) (Record, error) {
	rec, err := findRecord(ctx, s.db, "store.find", table, id)
	if err != nil {
		return Record{}, classify(err)
	}
	return rec, nil
}

// List returns every record in table in creation order.
// Ordered deterministically: ORDER BY created_seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the table has no records.
func (s *Store) List(ctx context.Context, table string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tbl, id, body, created_seq, updated_seq
		FROM records
		WHERE tbl = ?
		ORDER BY created_seq ASC, id COLLATE BINARY ASC
	`, table)
	if err != nil {
		return nil, classify(fmt.Errorf("query records: %w", err))
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var body string
		if err := rows.Scan(&rec.Table, &rec.ID, &body, &rec.CreatedSeq, &rec.UpdatedSeq); err != nil {
			return nil, classify(fmt.Errorf("scan record: %w", err))
		}
		rec.Body = json.RawMessage(body)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate records: %w", err))
	}

	return records, nil
}

// Head returns the seq of the newest change, or 0 for an empty log.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&head); err != nil {
		return 0, classify(fmt.Errorf("read head: %w", err))
	}
	return head, nil
}

func findRecord(ctx context.Context, q queryer, op, table, id string) (Record, error) {
	var rec Record
	var body string
	err := q.QueryRowContext(ctx, `
		SELECT tbl, id, body, created_seq, updated_seq
		FROM records
		WHERE tbl = ? AND id = ?
	`, table, id).Scan(&rec.Table, &rec.ID, &body, &rec.CreatedSeq, &rec.UpdatedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, &syncerr.Error{Kind: syncerr.KindNotFound, Op: op, Key: id, Err: ErrNotFound}
	}
	if err != nil {
		return Record{}, fmt.Errorf("query record: %w", err)
	}
	rec.Body = json.RawMessage(body)
	return rec, nil
}
