// Package audit persists a best-effort trail of authentication and mount
// lifecycle events in a local sqlite database. Recording never fails the
// request path: errors are logged and dropped.
package audit

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EventKind classifies an audit event.
type EventKind string

const (
	KindAuthFailure      EventKind = "auth_failure"
	KindAuthRejected     EventKind = "auth_rejected"
	KindRateLimited      EventKind = "rate_limited"
	KindMountRequested   EventKind = "mount_requested"
	KindSecretDelivered  EventKind = "secret_delivered"
	KindMountFailed      EventKind = "mount_failed"
	KindUnmountRequested EventKind = "unmount_requested"
)

// Event is one audit record.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	ClientIP string    `json:"client_ip"`
	Kind     EventKind `json:"kind"`
	Volume   string    `json:"volume,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Recorder is what the API layer depends on; the nop recorder is used when
// auditing is disabled.
type Recorder interface {
	Record(clientIP string, kind EventKind, volume, detail string)
}

// Store is a sqlite-backed audit log.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (and migrates) the audit database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		client_ip TEXT NOT NULL,
		kind TEXT NOT NULL,
		volume TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Record appends one event. Best-effort: a storage error is logged, never
// returned.
func (s *Store) Record(clientIP string, kind EventKind, volume, detail string) {
	_, err := s.db.Exec(
		`INSERT INTO events (id, ts, client_ip, kind, volume, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), time.Now().Unix(), clientIP, string(kind), volume, detail,
	)
	if err != nil {
		s.log.Warn("Audit record failed", "err", err, "kind", string(kind))
	}
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, ts, client_ip, kind, volume, detail FROM events ORDER BY ts DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.ClientIP, &e.Kind, &e.Volume, &e.Detail); err != nil {
			return nil, err
		}
		e.Time = time.Unix(ts, 0).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NopRecorder discards every event. Used when auditing is disabled.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(string, EventKind, string, string) {}
