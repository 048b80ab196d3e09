// Package db is the device-local store for fieldsync.
//
// It holds the surveyed features, their observations and the durable queue of
// observation mutations waiting to be delivered to the remote store. The
// database is an embedded SQLite file (ncruces/go-sqlite3) in WAL mode so the
// UI path can read while the dispatcher writes.
//
// Architecture:
//   - Database file: ~/.fieldsync/fieldsync.db by default
//   - Schema: features, observations, observation_mutations tables
//   - Writes run in BEGIN IMMEDIATE transactions, so a read-apply-write on one
//     observation is never interleaved with another writer
//
// Local edits are applied with ApplyAndEnqueue, which updates the observation
// and appends its mutation in a single transaction. Deletions use Enqueue: the
// observation is flagged pending deletion and only purged once the DELETE has
// synced.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/openfield/fieldsync/internal/logging"
)

// MergePolicy decides what happens when a remote observation arrives for a
// row that still has unsynced local mutations.
type MergePolicy string

const (
	// MergeRemoteWins overwrites the local row. Queued mutations are still
	// delivered, so the local edit reappears after the next refresh.
	MergeRemoteWins MergePolicy = "remote-wins"

	// MergeSkipPending keeps the local row until its mutations have synced.
	MergeSkipPending MergePolicy = "skip-pending"
)

// ParseMergePolicy converts a config value into a MergePolicy.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "", MergeRemoteWins:
		return MergeRemoteWins, nil
	case MergeSkipPending:
		return MergeSkipPending, nil
	}
	return "", fmt.Errorf("unknown merge policy %q (want %s or %s)", s, MergeRemoteWins, MergeSkipPending)
}

// Options configures a DB.
type Options struct {
	// MergePolicy applied by MergeObservation. Default: MergeRemoteWins
	MergePolicy MergePolicy

	// Logger for skipped merges and maintenance warnings.
	Logger *zerolog.Logger
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn   *sql.DB
	path   string
	policy MergePolicy
	logger zerolog.Logger
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done and should call InitSchema before
// the first query.
//
// Example:
//
//	store, err := db.Open("~/.fieldsync/fieldsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions is Open with explicit options.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	policy := opts.MergePolicy
	if policy == "" {
		policy = MergeRemoteWins
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)"+
		"&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		path:   path,
		policy: policy,
		logger: logging.Component(opts.Logger, "db"),
	}, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// MergePolicy returns the configured merge policy.
func (db *DB) MergePolicy() MergePolicy {
	return db.policy
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn().Err(err).Msg("failed to checkpoint WAL")
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		survey_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		layer TEXT NOT NULL,  -- JSON Layer with its forms
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		survey_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		layer_id TEXT NOT NULL DEFAULT '',
		form_id TEXT NOT NULL,
		responses TEXT NOT NULL,  -- JSON map of field id to response
		created TEXT NOT NULL,  -- JSON AuditInfo
		last_modified TEXT NOT NULL,  -- JSON AuditInfo
		created_at TEXT NOT NULL,
		pending_deletion INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (feature_id) REFERENCES features(id)
	);

	CREATE TABLE IF NOT EXISTS observation_mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL CHECK (type IN ('CREATE', 'UPDATE', 'DELETE')),
		survey_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		layer_id TEXT NOT NULL DEFAULT '',
		form_id TEXT NOT NULL DEFAULT '',
		observation_id TEXT NOT NULL,
		response_deltas TEXT NOT NULL,  -- JSON array
		client_timestamp TEXT NOT NULL,
		user_id TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at TEXT,
		FOREIGN KEY (observation_id) REFERENCES observations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_features_survey ON features(survey_id);
	CREATE INDEX IF NOT EXISTS idx_observations_feature_form
	    ON observations(feature_id, form_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_mutations_feature ON observation_mutations(feature_id, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_observation ON observation_mutations(observation_id, id);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON observation_mutations(sync_status);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// withTx runs fn in a write transaction and commits if fn returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
