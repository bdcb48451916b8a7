package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - empty database
// 1 - records, changes, watermarks
const currentSchemaVersion = 1

// DefaultPollInterval is how often subscribers look for writes made by
// other processes.
const DefaultPollInterval = 200 * time.Millisecond

var (
	// ErrNotFound is the cause attached to NotFound errors.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is the cause attached to Invalid errors from Insert.
	ErrDuplicate = errors.New("record already exists")
)

// Store is the reference remote authority. Several processes may open the
// same file; WAL lets their readers run during a write.
type Store struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	streams map[*stream]struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often subscribers poll for foreign writes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens the authority at path, creating the file and schema on first
// use. Reopening an existing file only runs pending migrations.
//
// Use ":memory:" for an isolated in-process authority.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:           db,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		streams:      make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes every open stream and the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	open := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		open = append(open, st)
	}
	s.mu.Unlock()

	for _, st := range open {
		st.Close()
	}
	return s.db.Close()
}

// DB exposes the connection. Writes made through it bypass the change log.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas configures the connection for shared multi-process use.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates missing tables, then migrates.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations moves user_version forward to currentSchemaVersion.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Version 1 is the baseline created by schema.sql; later migrations
	// go here, each guarded by `if version < N`.
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma reports a mismatch between a pragma and its expected value.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// wake nudges every in-process subscriber after a committed write.
func (s *Store) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		select {
		case st.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Store) register(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st] = struct{}{}
}

func (s *Store) unregister(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, st)
}
