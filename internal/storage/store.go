// Package storage is the SQLite-backed content repository: nodes, versioned
// content, properties, advisory locks, transactions with automatic retry and
// node lifecycle policies.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"repofs/internal/util"
)

// ErrQuotaExceeded is returned when a content write would push the store
// past its configured content limit. The driver reports it to clients as
// disk full.
var ErrQuotaExceeded = errors.New("content store quota exceeded")

// Options configures a Store.
type Options struct {
	// BusyTimeout is the SQLite busy_timeout in milliseconds (0 = default).
	BusyTimeout int
	// Retry bounds transaction retries on transient failures.
	Retry util.RetryConfig
	// ArchiveOnDelete moves deleted files out of the tree instead of purging
	// them, keeping their content and versions.
	ArchiveOnDelete bool
	// ContentLimit caps the total bytes of current content (0 = unlimited).
	ContentLimit int64
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is an open repository database.
type Store struct {
	path     string
	db       *sql.DB
	bunDB    *bun.DB
	opts     Options
	policies *Policies

	// commitMu orders write commits with their hooks.
	commitMu sync.Mutex
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout first so journal_mode=WAL waits for the exclusive lock.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout(busyTimeout))); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// Create creates a new store file at path
func Create(path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("store already exists: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	if err := applyPragmas(db, opts.BusyTimeout); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}
	if err := execStatements(db, storeSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := newStore(path, db, opts)
	now := toNanos(s.now())
	if err := execStatements(db, initStore, SchemaVersion, string(RootRef), int64(KindFolder), now, now, now, now); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize root: %w", err)
	}
	return s, nil
}

// Open opens an existing store file
func Open(path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("store not found: %s", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, opts.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db, opts.BusyTimeout); err != nil {
		db.Close()
		return nil, err
	}

	s := newStore(path, db, opts)
	var info SchemaInfoModel
	err = s.bunDB.NewSelect().Model(&info).Where("key = ?", "type").Scan(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if info.Value != "repository" {
		db.Close()
		return nil, fmt.Errorf("not a repository store (type=%s)", info.Value)
	}
	return s, nil
}

// OpenOrCreate opens path, creating the store first if it does not exist.
func OpenOrCreate(path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, opts)
	}
	return Open(path, opts)
}

func newStore(path string, db *sql.DB, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		path:     path,
		db:       db,
		bunDB:    bun.NewDB(db, sqlitedialect.New()),
		opts:     opts,
		policies: newPolicies(),
	}
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := execPragma(s.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[Storage] WAL checkpoint failed: %v", err)
	}
	err := s.db.Close()
	s.db = nil
	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")
	return err
}

// Path returns the store file path
func (s *Store) Path() string {
	return s.path
}

// Policies returns the node lifecycle policy registry.
func (s *Store) Policies() *Policies {
	return s.policies
}

func (s *Store) now() time.Time {
	return s.opts.Now()
}
