// Package journal persists build lifecycle events to sqlite so the status
// API can answer "what happened recently" across restarts.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// Event is one journaled record.
type Event struct {
	ID        int64           `json:"id"`
	BuildID   string          `json:"buildId,omitempty"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Store is a sqlite-backed append-only journal.
// Use ":memory:" for an in-process database, or a file path for persistence.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates the journal, initializing the schema if needed.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "open journal database").
			WithContext("path", dbPath).Build()
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "initialize journal schema").Build()
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_build_id ON events(build_id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds one event. payload must be JSON-marshalable.
func (s *Store) Append(ctx context.Context, buildID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "marshal journal payload").Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (build_id, event_type, timestamp, payload) VALUES (?, ?, ?, ?)",
		buildID, eventType, time.Now().UnixMilli(), data,
	)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryStorage, "insert journal event").Build()
	}
	return nil
}

// Recent returns the newest n events, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, build_id, event_type, timestamp, payload FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "query journal events").Build()
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			buildID  sql.NullString
			unixMill int64
		)
		if err := rows.Scan(&e.ID, &buildID, &e.EventType, &unixMill, &e.Payload); err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryStorage, "scan journal event").Build()
		}
		e.BuildID = buildID.String
		e.Timestamp = time.UnixMilli(unixMill)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneBefore deletes events older than cutoff and returns the count removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryStorage, "prune journal events").Build()
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
