// Package audit is a best-effort, append-only SQLite sink for
// coordinator conflict resolutions and result aggregations, backed by
// the pure-Go modernc.org/sqlite driver (carried as a direct dependency
// in this codebase but never previously wired to anything). A failure
// here is logged and never surfaces to the caller that triggered the
// audit event, per SPEC_FULL.md §4.7/§4.3.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// Sink writes audit records to a SQLite database.
type Sink struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the audit database at path.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Record appends a single audit entry. kind is a free-form tag
// ("conflict", "aggregate", ...); payload is marshaled to JSON.
func (s *Sink) Record(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO audit_records (kind, payload, created_at) VALUES (?, ?, ?)",
		kind, string(data), time.Now(),
	)
	return err
}

// Func adapts Record into the (kind string, payload interface{})
// callback shape the coordinator expects. Errors are logged,
// never returned — this is a best-effort sink.
func (s *Sink) Func() func(kind string, payload interface{}) {
	return func(kind string, payload interface{}) {
		if err := s.Record(kind, payload); err != nil {
			log.Printf("[AUDIT] Warning: record %q failed: %v", kind, err)
		}
	}
}

// Record describes one stored row, for read-back / reporting tools.
type Record struct {
	ID        int64
	Kind      string
	Payload   string
	CreatedAt time.Time
}

// Recent returns the most recent n audit records, newest first.
func (s *Sink) Recent(n int) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT id, kind, payload, created_at FROM audit_records ORDER BY id DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Kind, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
