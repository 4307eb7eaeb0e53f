// Package store persists the ledger, emission records, audit snapshots and
// daily roots in SQLite.
//
// It implements ledger.Store and snapshot.Store. The event append is a
// single conditional INSERT, so the chain head check and the write are one
// atomic statement even across processes sharing the database file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound is returned when a looked-up event or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed read or write against the database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		occurred_at     TEXT NOT NULL,
		supplier_id     TEXT NOT NULL DEFAULT '',
		scope           INTEGER NOT NULL,
		activity        TEXT NOT NULL,
		inputs          TEXT NOT NULL DEFAULT '{}',
		factor_id       TEXT NOT NULL DEFAULT '',
		method          TEXT NOT NULL,
		result_kgco2e   TEXT NOT NULL,
		uncertainty_pct TEXT NOT NULL,
		source_doc      TEXT NOT NULL DEFAULT '[]',
		prev_hash       TEXT NOT NULL UNIQUE,
		content_hash    TEXT NOT NULL,
		row_hash        TEXT NOT NULL UNIQUE,
		field_hashes    TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);

	CREATE TABLE IF NOT EXISTS emission_records (
		id                 TEXT PRIMARY KEY,
		date               TEXT,
		supplier_name      TEXT NOT NULL DEFAULT '',
		activity_type      TEXT NOT NULL DEFAULT '',
		scope              INTEGER,
		category           TEXT NOT NULL DEFAULT '',
		methodology        TEXT NOT NULL DEFAULT '',
		emissions_kgco2e   TEXT,
		activity_amount    TEXT,
		activity_unit      TEXT NOT NULL DEFAULT '',
		data_quality_score REAL,
		date_start         TEXT,
		date_end           TEXT,
		created_at         TEXT,
		ai_classified      INTEGER NOT NULL DEFAULT 0,
		needs_human_review INTEGER NOT NULL DEFAULT 0,
		confidence_score   REAL NOT NULL DEFAULT 0,
		record_hash        TEXT NOT NULL DEFAULT '',
		previous_hash      TEXT NOT NULL DEFAULT '',
		salt               TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_records_date ON emission_records(date);

	CREATE TABLE IF NOT EXISTS snapshots (
		submission_id            TEXT PRIMARY KEY,
		submission_type          TEXT NOT NULL,
		period_start             TEXT NOT NULL,
		period_end               TEXT NOT NULL,
		merkle_root_hash         TEXT NOT NULL,
		total_records            INTEGER NOT NULL,
		total_emissions_kgco2e   TEXT NOT NULL,
		scope_1_emissions_kgco2e TEXT NOT NULL,
		scope_2_emissions_kgco2e TEXT NOT NULL,
		scope_3_emissions_kgco2e TEXT NOT NULL,
		average_compliance_score REAL NOT NULL,
		audit_ready_records      INTEGER NOT NULL,
		non_compliant_records    INTEGER NOT NULL,
		compliance_flags         TEXT NOT NULL DEFAULT '[]',
		created_by               TEXT NOT NULL DEFAULT '',
		created_at               TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot_leaves (
		submission_id TEXT NOT NULL REFERENCES snapshots(submission_id),
		position      INTEGER NOT NULL,
		record_id     TEXT NOT NULL,
		leaf_hash     TEXT NOT NULL,
		PRIMARY KEY (submission_id, position)
	);

	CREATE TABLE IF NOT EXISTS daily_roots (
		period_date  TEXT PRIMARY KEY,
		root_hash    TEXT NOT NULL,
		count_events INTEGER NOT NULL,
		created_at   TEXT NOT NULL
	);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// WAL mode lets the CLI read while a server appends.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store %s: %w", path, err)
	}
	// One connection per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	slog.Debug("store opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
