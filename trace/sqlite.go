// sqlite.go - SQLite-Sink fuer Block-Lifecycle-Ereignisse
// Enthaelt: SQLiteSink, NewSQLiteSink, Record, Close, init-Schema
package trace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite-Treiber registrieren
)

// currentSchemaVersion is bumped on schema changes that require
// migration. Old trace databases are recreated, not migrated: a trace
// is diagnostic data, not a system of record.
const currentSchemaVersion = 1

// recordBuffer bounds how many events may sit between the engine
// thread and the writer goroutine before new events are shed.
const recordBuffer = 1024

// SQLiteSink appends block lifecycle events to a WAL-mode SQLite
// database. Writes happen on a dedicated goroutine so Record never
// blocks the engine thread; when the buffer is full the event is
// dropped and counted.
type SQLiteSink struct {
	conn    *sql.DB
	events  chan Event
	done    chan struct{}
	dropped int64
}

// NewSQLiteSink opens (or creates) the trace database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping trace database: %w", err)
	}

	s := &SQLiteSink{
		conn:   conn,
		events: make(chan Event, recordBuffer),
		done:   make(chan struct{}),
	}

	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize trace database: %w", err)
	}

	go s.writeLoop()
	return s, nil
}

// init initialisiert das Datenbankschema
func (s *SQLiteSink) init() error {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version != 0 && version != currentSchemaVersion {
		// Altes Schema: Tabelle verwerfen und neu anlegen
		if _, err := s.conn.Exec("DROP TABLE IF EXISTS events"); err != nil {
			return err
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		block_id INTEGER NOT NULL,
		slot INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	_, err := s.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion))
	return err
}

// Record queues an event for the writer goroutine. Full buffer means
// the event is shed; the manager is never stalled for the trace.
func (s *SQLiteSink) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}

func (s *SQLiteSink) writeLoop() {
	defer close(s.done)
	for ev := range s.events {
		_, err := s.conn.Exec(
			"INSERT INTO events (at, kind, block_id, slot) VALUES (?, ?, ?, ?)",
			ev.Time.UnixMicro(), ev.Kind, ev.BlockID, ev.Slot,
		)
		if err != nil {
			slog.Warn("trace insert failed", "kind", ev.Kind, "error", err)
		}
	}
}

// Close flushes buffered events and closes the database.
func (s *SQLiteSink) Close() error {
	close(s.events)
	<-s.done
	if s.dropped > 0 {
		slog.Warn("trace events dropped", "count", s.dropped)
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}

// Row is one recorded event as read back by Read.
type Row struct {
	At      time.Time
	Kind    string
	BlockID int32
	Slot    int
}

// Read returns up to limit recorded events in insertion order from the
// trace database at dbPath. Used by the CLI's trace viewer; limit <= 0
// means no bound.
func Read(dbPath string, limit int) ([]Row, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	defer conn.Close()

	q := "SELECT at, kind, block_id, slot FROM events ORDER BY id"
	if limit > 0 {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	rows, err := conn.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var at int64
		if err := rows.Scan(&at, &r.Kind, &r.BlockID, &r.Slot); err != nil {
			return nil, err
		}
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
