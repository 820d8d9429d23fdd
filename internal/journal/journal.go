// Package journal persists attestation submission history in SQLite.
// Submissions are at-least-once: a run that times out locally leaves a job
// running server-side. The journal lets later runs recognize those orphaned
// submissions and surface them in the summary instead of treating them as
// anomalies. Journal failures never fail the pipeline.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal records submissions keyed by run, tag, and platform.
type Journal struct {
	db *sql.DB
}

// Entry is one recorded submission.
type Entry struct {
	RunID        string
	Tag          string
	PlatformKey  string
	SubmissionID string
	Status       string
	CreatedAt    time.Time
}

// Open initializes the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		platform_key TEXT NOT NULL,
		submission_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_tag ON submissions(tag);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize journal: %w", err)
	}
	return nil
}

// Record stores a new submission in pending state.
func (j *Journal) Record(runID, tag, platformKey, submissionID string) error {
	_, err := j.db.Exec(
		`INSERT INTO submissions (run_id, tag, platform_key, submission_id, status) VALUES (?, ?, ?, ?, 'pending')`,
		runID, tag, platformKey, submissionID)
	return err
}

// MarkTerminal records the submission's final verdict.
func (j *Journal) MarkTerminal(submissionID, status string) error {
	_, err := j.db.Exec(
		`UPDATE submissions SET status = ? WHERE submission_id = ?`,
		status, submissionID)
	return err
}

// Orphans returns submissions for the tag that never reached a terminal
// status in a previous run (local timeout or abort after submit).
func (j *Journal) Orphans(tag, currentRunID string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT run_id, tag, platform_key, submission_id, status, created_at
		 FROM submissions
		 WHERE tag = ? AND status = 'pending' AND run_id != ?
		 ORDER BY created_at`,
		tag, currentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.RunID, &e.Tag, &e.PlatformKey, &e.SubmissionID, &e.Status, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error { return j.db.Close() }
