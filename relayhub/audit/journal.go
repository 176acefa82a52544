// Package audit keeps a persistent journal of process lifecycle events in sqlite.
package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/relayhub/relayhub/processes"
)

// FileName is the journal database file inside the state directory.
const FileName = "lifecycle.db"

// Entry represents a lifecycle event row in the database
type Entry struct {
	ID        string `db:"id" json:"id"`
	Process   string `db:"process" json:"process"`
	EventType string `db:"event_type" json:"event_type"`
	Status    string `db:"status" json:"status"`
	PID       int    `db:"pid" json:"pid"`
	ExitCode  int    `db:"exit_code" json:"exit_code"`
	Detail    string `db:"detail" json:"detail,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // unix milliseconds
}

// Time returns the entry timestamp.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Journal records supervisor lifecycle events. It implements processes.EventRecorder.
type Journal struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database in dir.
func Open(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, FileName) + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection serializes the monitor goroutines' writes.
	db.SetMaxOpenConns(1)

	j, err := NewJournal(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// NewJournal creates a journal on an open database, creating its table if needed.
func NewJournal(db *sqlx.DB, logger *slog.Logger) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger.With("component", "Journal")}, nil
}

// DBInit initializes the lifecycle events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		process TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_process ON lifecycle_events(process)`)
	return err
}

// Append stores one event.
func (j *Journal) Append(event processes.LifecycleEvent) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	_, err := j.db.Exec(`
		INSERT INTO lifecycle_events (
			id, process, event_type, status, pid, exit_code, detail, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(),
		event.Process,
		string(event.Type),
		event.Status.String(),
		event.PID,
		event.ExitCode,
		event.Detail,
		event.Time.UTC().UnixMilli(),
	)
	return err
}

// Record stores an event, logging instead of returning failures.
func (j *Journal) Record(event processes.LifecycleEvent) {
	if err := j.Append(event); err != nil {
		j.logger.Error("Failed to record lifecycle event", "process", event.Process, "event", event.Type, "error", err)
	}
}

// Recent returns the most recent entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.Select(&entries,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return entries, err
}

// ForProcess returns the most recent entries for one process, newest first.
func (j *Journal) ForProcess(process string, limit int) ([]Entry, error) {
	var entries []Entry
	err := j.db.Select(&entries,
		"SELECT * FROM lifecycle_events WHERE process = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		process, limit)
	return entries, err
}

// Prune deletes entries older than the specified duration
func (j *Journal) Prune(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
