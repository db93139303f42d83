// Package store is the brainstem logbook: an embedded SQLite database
// holding the event log, current state, intent and action records and
// user feedback. Event ordering relies on the rowid sequence, not
// timestamps, so same-millisecond events stay in insert order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/watchkeeper-labs/brainstem/pkg/policy"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite logbook.
type Store struct {
	db    *sql.DB
	clock policy.Clock
}

// Open opens (creating if needed) the logbook database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite writers are exclusive; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, clock: policy.WallClock()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the wall clock, for tests.
func (s *Store) SetClock(c policy.Clock) { s.clock = c }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		timestamp_utc TEXT NOT NULL,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		profile TEXT,
		session_id TEXT,
		correlation_id TEXT,
		mode TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		payload_json TEXT NOT NULL DEFAULT '{}',
		tags_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_type ON event_log(event_type);
	CREATE INDEX IF NOT EXISTS idx_event_log_correlation ON event_log(correlation_id);

	CREATE TABLE IF NOT EXISTS state_current (
		state_key TEXT PRIMARY KEY,
		state_value_json TEXT NOT NULL,
		source TEXT NOT NULL,
		confidence REAL,
		observed_at_utc TEXT NOT NULL,
		updated_at_utc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intent_log (
		request_id TEXT PRIMARY KEY,
		schema_version TEXT NOT NULL,
		timestamp_utc TEXT NOT NULL,
		session_id TEXT,
		mode TEXT NOT NULL,
		domain TEXT NOT NULL,
		urgency TEXT NOT NULL,
		user_text TEXT NOT NULL,
		needs_tools INTEGER NOT NULL DEFAULT 0,
		needs_clarification INTEGER NOT NULL DEFAULT 0,
		clarification_questions_json TEXT NOT NULL DEFAULT '[]',
		retrieval_json TEXT NOT NULL DEFAULT '{}',
		proposed_actions_json TEXT NOT NULL DEFAULT '[]',
		response_text TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		action_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		safety_level TEXT NOT NULL,
		mode_at_execution TEXT,
		reason TEXT,
		parameters_json TEXT NOT NULL DEFAULT '{}',
		output_json TEXT,
		error_code TEXT,
		error_message TEXT,
		started_at_utc TEXT,
		ended_at_utc TEXT,
		UNIQUE(request_id, action_id)
	);

	CREATE TABLE IF NOT EXISTS feedback_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		timestamp_utc TEXT NOT NULL,
		rating INTEGER NOT NULL,
		correction_text TEXT,
		reviewer TEXT,
		session_id TEXT,
		mode TEXT
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
