// Package store is the local SQLite tier. It carries the concerns the vector
// database does not: the durable event journal, the compressed archive tier,
// and the access tracking that feeds adaptive re-planning.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"mnemos/internal/memerr"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls the local store's location and journal retention.
type Config struct {
	// Path is the SQLite database file. Parent directories are created on
	// open. ":memory:" works for tests.
	Path string

	// EventRetention caps the journal row count; maintenance prunes the
	// oldest rows beyond it.
	EventRetention int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:           "data/mnemos.db",
		EventRetention: 10000,
	}
}

// =============================================================================
// STORE
// =============================================================================

// Store wraps a single-connection SQLite database. All methods are safe for
// concurrent use; writes serialize on the one connection.
type Store struct {
	db        *sql.DB
	log       *zap.Logger
	path      string
	retention int
}

// Open creates or opens the local database and initializes the schema.
func Open(cfg *Config, log *zap.Logger) (*Store, error) {
	const op = "store.Open"

	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultConfig().Path
	}
	retention := cfg.EventRetention
	if retention <= 0 {
		retention = DefaultConfig().EventRetention
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "create data directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "open database %s", path)
	}

	// A single connection avoids SQLITE_BUSY churn between writers and keeps
	// ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// synchronous=NORMAL is safe under WAL: the write-ahead log provides
	// crash recovery while skipping the per-commit fsync.
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma not applied", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{
		db:        db,
		log:       log.Named("store"),
		path:      path,
		retention: retention,
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info("local store ready",
		zap.String("path", path),
		zap.Int("event_retention", retention))
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	s.log.Debug("closing local store")
	return s.db.Close()
}

// =============================================================================
// SCHEMA
// =============================================================================

const journalSchema = `
CREATE TABLE IF NOT EXISTS event_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	memory_id TEXT NOT NULL DEFAULT '',
	memory_type TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_user ON event_journal(user_id, id);
CREATE INDEX IF NOT EXISTS idx_journal_type ON event_journal(event_type, id);
`

const archiveSchema = `
CREATE TABLE IF NOT EXISTS archived_memories (
	memory_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT '',
	importance REAL NOT NULL DEFAULT 0,
	content BLOB NOT NULL,
	content_bytes INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	archived_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_user ON archived_memories(user_id, archived_at);
`

const accessSchema = `
CREATE TABLE IF NOT EXISTS access_stats (
	memory_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	search_hits INTEGER NOT NULL DEFAULT 0,
	first_access DATETIME NOT NULL,
	last_access DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_user ON access_stats(user_id);

CREATE TABLE IF NOT EXISTS search_stats (
	user_id TEXT PRIMARY KEY,
	search_count INTEGER NOT NULL DEFAULT 0,
	last_search DATETIME NOT NULL
);
`

func (s *Store) initialize() error {
	for _, schema := range []string{journalSchema, archiveSchema, accessSchema} {
		if _, err := s.db.Exec(schema); err != nil {
			return memerr.Wrapf(memerr.KindStoreUnavailable, "store.initialize", err, "create schema")
		}
	}
	return nil
}

// =============================================================================
// STATS
// =============================================================================

// Stats returns row counts per tier. Tables that fail to count are omitted.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"event_journal", "archived_memories", "access_stats", "search_stats"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			continue
		}
		stats[table] = n
	}
	return stats, nil
}
