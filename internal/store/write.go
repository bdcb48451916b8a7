package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/optisync/internal/change"
	"github.com/roach88/optisync/internal/syncerr"
)

// Insert stores a new record and appends an insert change.
// Returns an Invalid error wrapping ErrDuplicate if (table, id) exists.
func (s *Store) Insert(ctx context.Context, table, id string, body json.RawMessage) (Record, error) {
	if err := validate("store.insert", table, id, body); err != nil {
		return Record{}, err
	}

	var rec Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := recordExists(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if exists {
			return &syncerr.Error{Kind: syncerr.KindInvalid, Op: "store.insert", Key: id, Err: ErrDuplicate}
		}

		seq, err := appendChange(ctx, tx, table, id, change.Insert, body)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (tbl, id, body, created_seq, updated_seq)
			VALUES (?, ?, ?, ?, ?)
		`, table, id, string(body), seq, seq); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}

		rec = Record{Table: table, ID: id, Body: body, CreatedSeq: seq, UpdatedSeq: seq}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.wake()
	return rec, nil
}

// Update replaces an existing record's body and appends an update change.
// Returns a NotFound error if the record does not exist.
func (s *Store) Update(ctx context.Context, table, id string, body json.RawMessage) (Record, error) {
	if err := validate("store.update", table, id, body); err != nil {
		return Record{}, err
	}

	var rec Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findRecord(ctx, tx, "store.update", table, id)
		if err != nil {
			return err
		}

		seq, err := appendChange(ctx, tx, table, id, change.Update, body)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET body = ?, updated_seq = ?
			WHERE tbl = ? AND id = ?
		`, string(body), seq, table, id); err != nil {
			return fmt.Errorf("update record: %w", err)
		}

		rec = Record{Table: table, ID: id, Body: body, CreatedSeq: existing.CreatedSeq, UpdatedSeq: seq}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.wake()
	return rec, nil
}

// Patch rewrites an existing record's body with fn and appends an update
// change. The read, fn and the write share one transaction, so concurrent
// patches of the same record never lose each other's fields.
// An error from fn aborts the transaction without writing anything.
func (s *Store) Patch(ctx context.Context, table, id string, fn func(body json.RawMessage) (json.RawMessage, error)) (Record, error) {
	if table == "" || id == "" {
		return Record{}, syncerr.New(syncerr.KindInvalid, "store.patch", "table and id are required")
	}

	var rec Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findRecord(ctx, tx, "store.patch", table, id)
		if err != nil {
			return err
		}

		body, err := fn(existing.Body)
		if err != nil {
			return err
		}
		if err := validate("store.patch", table, id, body); err != nil {
			return err
		}

		seq, err := appendChange(ctx, tx, table, id, change.Update, body)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET body = ?, updated_seq = ?
			WHERE tbl = ? AND id = ?
		`, string(body), seq, table, id); err != nil {
			return fmt.Errorf("patch record: %w", err)
		}

		rec = Record{Table: table, ID: id, Body: body, CreatedSeq: existing.CreatedSeq, UpdatedSeq: seq}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.wake()
	return rec, nil
}

// Delete removes a record and appends a delete change whose body is the
// deleted document, so subscribers can filter on its fields.
// Returns the deleted record, or a NotFound error.
func (s *Store) Delete(ctx context.Context, table, id string) (Record, error) {
	var rec Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := findRecord(ctx, tx, "store.delete", table, id)
		if err != nil {
			return err
		}

		if _, err := appendChange(ctx, tx, table, id, change.Delete, existing.Body); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}

		rec = existing
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.wake()
	return rec, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// appendChange writes one change row and returns its seq.
func appendChange(ctx context.Context, tx *sql.Tx, table, id string, kind change.Kind, body json.RawMessage) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes (tbl, id, kind, body)
		VALUES (?, ?, ?, ?)
	`, table, id, string(kind), string(body))
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append change: last insert id: %w", err)
	}
	return seq, nil
}

func recordExists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	return true, nil
}

func validate(op, table, id string, body json.RawMessage) error {
	if table == "" || id == "" {
		return syncerr.New(syncerr.KindInvalid, op, "table and id are required")
	}
	if !json.Valid(body) {
		return &syncerr.Error{Kind: syncerr.KindInvalid, Op: op, Key: id, Message: "body is not valid JSON"}
	}
	return nil
}

// classify leaves typed errors alone and tags everything else with a kind,
// so callers see the taxonomy without inspecting driver errors.
func classify(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	return &syncerr.Error{Kind: syncerr.Classify(err), Op: "store", Err: err}
}
