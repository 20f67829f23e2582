// Package ledger is the authoritative state store for demjobs: jobs,
// their files, outbound notification records, subscription routing, and
// the single-row snapshot version counter.
//
// The ledger is a SQLite database accessed through database/sql with the
// modernc.org/sqlite driver. It is the only shared mutable resource in
// the system; all writes are transactional and serialized through a
// single connection.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Config configures a ledger store.
type Config struct {
	// Path is a local filesystem path to the ledger database, or
	// ":memory:" for an in-memory store (tests).
	Path string
}

// Store wraps the ledger database connection.
//
// Writes are serialized: the connection pool is pinned to one connection
// and multi-statement transactions take mu. Readers share the same
// connection and observe committed state only.
type Store struct {
	db   *sql.DB
	path string

	// mu guards multi-statement write transactions so that a job's
	// status and its files' statuses move as atomic units.
	mu sync.Mutex

	// mutations counts committed writes since Open. The snapshot
	// publisher compares it across cycles to decide whether a new
	// version needs publishing; individual writes do not bump vnum.
	mutations atomic.Uint64
}

// Open opens (and creates if needed) a ledger database and applies the
// current schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	// Keep a single connection: pragmas are per-connection and the
	// write path depends on serialized access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger store: %w", err)
	}

	if err := configureConnection(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: strings.TrimSpace(cfg.Path)}, nil
}

// Path returns the local filesystem path of the database file. Empty for
// in-memory stores.
func (s *Store) Path() string {
	if s.path == ":memory:" {
		return ""
	}
	return s.path
}

// DB exposes the underlying connection for read-only consumers (the
// snapshot publisher's reduced-copy builder).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Mutations returns the number of committed writes since Open.
func (s *Store) Mutations() uint64 {
	return s.mutations.Load()
}

// Close commits nothing further and closes the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the WAL into the main database file so that the
// file on disk is a complete, self-contained copy. Called before every
// snapshot upload.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.path == ":memory:" || s.path == "" {
		return nil
	}
	var busy, logFrames, ckptFrames int
	if err := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &ckptFrames); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// IntegrityCheck reports whether the database passes SQLite's internal
// consistency check.
func (s *Store) IntegrityCheck(ctx context.Context) (bool, error) {
	var resp string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&resp); err != nil {
		return false, fmt.Errorf("integrity check: %w", err)
	}
	return strings.EqualFold(resp, "ok"), nil
}

// CheckHealth satisfies the status server's health-checker contract.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("ledger store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	return nil
}

func configureConnection(ctx context.Context, db *sql.DB, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Cascading delete is a structural guarantee here, not an opt-in:
	// the schema declares ON DELETE CASCADE and this pragma makes the
	// engine honor it on every connection.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	if dsn == ":memory:" {
		return nil
	}

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// withTx runs fn inside a serialized write transaction and counts the
// commit as a mutation.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.mutations.Add(1)
	return nil
}
