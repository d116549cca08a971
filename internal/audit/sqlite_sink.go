package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink is the opt-in durable backend, selected by the host
// when it wants queryable audit history rather than an append-only log;
// a single embedded engine is enough since the audit stream has no need
// for a network database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if necessary) a SQLite database at path and
// ensures the audit_entries table exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite db: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	job_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	requested_verb TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	PRIMARY KEY (job_id, step_index)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(e Entry) error {
	b, err := marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO audit_entries (job_id, step_index, requested_verb, entry_json, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.JobID, e.StepIndex, string(e.RequestedVerb), string(b), e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
