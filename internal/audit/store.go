// Package audit persists an append-only ledger of deployment steps,
// iteration transitions and export outcomes, backed by SQLite. The ledger
// is the operator's forensic record when a project is quiesced after an
// invariant violation.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chainlearn/dalcore/internal/metrics"
)

// EventType classifies ledger entries.
type EventType string

const (
	DeployStarted    EventType = "deploy.started"
	DeployStep       EventType = "deploy.step"
	DeployCompleted  EventType = "deploy.completed"
	DeployFailed     EventType = "deploy.failed"
	IterationPhase   EventType = "iteration.phase"
	IterationFailed  EventType = "iteration.failed"
	ExportWritten    EventType = "export.written"
	ExportRefused    EventType = "export.refused"
	ProjectQuiesced  EventType = "project.quiesced"
	MembershipChange EventType = "membership.change"
)

// Event is one ledger entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id"`
	Round     int       `json:"round,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Filter narrows ledger queries. Zero values match everything.
type Filter struct {
	ProjectID string
	Type      EventType
	Since     time.Time
	Limit     int
}

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		type       TEXT NOT NULL,
		project_id TEXT NOT NULL,
		round      INTEGER NOT NULL DEFAULT 0,
		actor      TEXT,
		summary    TEXT,
		detail     TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_events(project_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(timestamp)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Record appends one event. ID and timestamp are filled when missing.
// Ledger failures are returned but callers treat them as non-fatal.
func (s *Store) Record(evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	var detail []byte
	if evt.Detail != nil {
		detail, _ = json.Marshal(evt.Detail)
	}

	_, err := s.db.Exec(
		`INSERT INTO audit_events (id, timestamp, type, project_id, round, actor, summary, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.Timestamp.Format(time.RFC3339Nano), string(evt.Type),
		evt.ProjectID, evt.Round, evt.Actor, evt.Summary, string(detail),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	metrics.AuditEventsTotal.Inc()
	return nil
}

// Emit is a convenience for recording an event with minimal args.
func (s *Store) Emit(typ EventType, projectID, summary string) {
	_ = s.Record(Event{Type: typ, ProjectID: projectID, Summary: summary})
}

// EmitRound records an event tied to a specific round.
func (s *Store) EmitRound(typ EventType, projectID string, round int, summary string) {
	_ = s.Record(Event{Type: typ, ProjectID: projectID, Round: round, Summary: summary})
}

// Query returns matching events, newest first.
func (s *Store) Query(f Filter) ([]Event, error) {
	query := `SELECT id, timestamp, type, project_id, round, actor, summary, detail
	          FROM audit_events WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.Format(time.RFC3339Nano))
	}
	query += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var evt Event
		var ts, detail string
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.ProjectID, &evt.Round, &evt.Actor, &evt.Summary, &detail); err != nil {
			return nil, err
		}
		evt.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if detail != "" {
			var d any
			if err := json.Unmarshal([]byte(detail), &d); err == nil {
				evt.Detail = d
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Count returns the total number of ledger entries.
func (s *Store) Count() int {
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n
}
