package runtime

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// SQLDialect selects the DDL and placeholder style for a SQLWAL.
type SQLDialect string

const (
	// DialectSQLite targets modernc.org/sqlite (pure Go, embedded).
	DialectSQLite SQLDialect = "sqlite"
	// DialectPostgres targets lib/pq.
	DialectPostgres SQLDialect = "postgres"
)

// SQLWAL is a SQL-backed WAL: a single append-only events table keyed by
// an auto-assigned sequence, read back as an ordered SELECT. Callers open
// the *sql.DB themselves and pass it in, so this type has no
// driver-specific import of its own beyond database/sql.
type SQLWAL struct {
	mu      sync.Mutex
	db      *sql.DB
	locator string
	dialect SQLDialect
}

const sqlWALTable = "agent_wal_events"

// NewSQLWAL wraps db with the SQLite dialect, creating the backing table
// if absent.
func NewSQLWAL(db *sql.DB, locator string) (*SQLWAL, error) {
	return newSQLWAL(db, locator, DialectSQLite)
}

// NewPostgresWAL wraps db with the Postgres dialect.
func NewPostgresWAL(db *sql.DB, locator string) (*SQLWAL, error) {
	return newSQLWAL(db, locator, DialectPostgres)
}

func newSQLWAL(db *sql.DB, locator string, dialect SQLDialect) (*SQLWAL, error) {
	w := &SQLWAL{db: db, locator: locator, dialect: dialect}

	var schema string
	switch dialect {
	case DialectPostgres:
		schema = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL
		)`, sqlWALTable)
	default:
		schema = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL
		)`, sqlWALTable)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlwal: create table: %w", err)
	}
	return w, nil
}

func (w *SQLWAL) placeholder(n int) string {
	if w.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Append implements WAL.
func (w *SQLWAL) Append(ev AgentEvent) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("sqlwal: marshal event: %w", err)
	}

	var count int
	if err := w.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", sqlWALTable)).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlwal: count rows: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO %s (run_id, event_type, payload) VALUES (%s, %s, %s)",
		sqlWALTable, w.placeholder(1), w.placeholder(2), w.placeholder(3))
	if _, err := w.db.Exec(insert, ev.RunID, string(ev.Type), string(payload)); err != nil {
		return 0, fmt.Errorf("sqlwal: insert: %w", err)
	}
	return count, nil
}

// IterEvents implements WAL.
func (w *SQLWAL) IterEvents(runID string) ([]AgentEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var rows *sql.Rows
	var err error
	if runID == "" {
		rows, err = w.db.Query(fmt.Sprintf("SELECT payload FROM %s ORDER BY seq ASC", sqlWALTable))
	} else {
		rows, err = w.db.Query(
			fmt.Sprintf("SELECT payload FROM %s WHERE run_id = %s ORDER BY seq ASC", sqlWALTable, w.placeholder(1)),
			runID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlwal: query: %w", err)
	}
	defer rows.Close()

	var events []AgentEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlwal: scan: %w", err)
		}
		var ev AgentEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("sqlwal: decode: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Locator implements WAL.
func (w *SQLWAL) Locator() string { return w.locator }
