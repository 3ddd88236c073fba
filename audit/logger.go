// Package audit records backend lifecycle transitions in a local sqlite
// database so a container's start/crash history survives for inspection.
// Recording failures never affect backend lifecycle.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LifecycleEvent represents one audit row.
type LifecycleEvent struct {
	ID         string `db:"id"`
	EventType  string `db:"event_type"`
	Timestamp  int64  `db:"timestamp"`
	BackendKey string `db:"backend_key"`
	Port       int    `db:"port"`
	Detail     string `db:"detail"`
}

// Logger writes lifecycle events to a sqlite database.
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a Logger and initializes the schema.
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{db: db}, nil
}

// DBInit initializes the lifecycle events table.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		backend_key TEXT NOT NULL,
		port INTEGER,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_backend_key ON lifecycle_events(backend_key)`)
	return err
}

// Record inserts one lifecycle event. It satisfies the supervisor's Recorder
// interface.
func (l *Logger) Record(event string, key string, port int, detail string) error {
	row := LifecycleEvent{
		ID:         uuid.New().String(),
		EventType:  event,
		Timestamp:  time.Now().UnixMilli(),
		BackendKey: key,
		Port:       port,
		Detail:     detail,
	}
	_, err := l.db.NamedExec(`
	INSERT INTO lifecycle_events (id, event_type, timestamp, backend_key, port, detail)
	VALUES (:id, :event_type, :timestamp, :backend_key, :port, :detail)
	`, row)
	return err
}

// EventsForKey returns all recorded events for a backend key in insertion
// order.
func (l *Logger) EventsForKey(key string) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events, `
	SELECT id, event_type, timestamp, backend_key, port, detail
	FROM lifecycle_events
	WHERE backend_key = ?
	ORDER BY timestamp ASC, rowid ASC
	`, key)
	return events, err
}
