// Package store persists pipeline run history in SQLite so the status API
// can answer queries without keeping completed runs in memory. The store is
// an index over finished runs, never the source of truth for a live run.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vk/gantry/internal/pipeline"
)

// RunSummary is a row for list queries.
type RunSummary struct {
	RunID      string
	Ref        string
	Source     string
	Success    bool
	JobCount   int
	StartedAt  string
	DurationMS int64
}

// JobRow is one job's terminal record as stored.
type JobRow struct {
	JobID       string
	RunID       string
	Name        string
	Stage       string
	State       string
	Reason      string
	Attempts    int
	Error       string
	ArtifactRef string
	StartedAt   string
	FinishedAt  string
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// Open opens or creates the history database and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			ref TEXT NOT NULL,
			source TEXT NOT NULL,
			success INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			stage TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL,
			artifact_ref TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// SaveResult records a finished run and all of its job results in one
// transaction.
func (s *Store) SaveResult(res *pipeline.Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	success := 0
	if res.Success {
		success = 1
	}
	if _, err := tx.Exec(
		`INSERT INTO runs (run_id, ref, source, success, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Ref, string(res.Source), success,
		res.StartedAt.Format(timeFormat), res.Duration().Milliseconds(),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, job := range res.Jobs {
		if _, err := tx.Exec(
			`INSERT INTO jobs (job_id, run_id, name, stage, state, reason, attempts, error, artifact_ref, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, res.RunID, job.Name, job.Stage, string(job.State), string(job.Reason),
			job.Attempts, job.Error, job.ArtifactRef,
			formatTime(job.StartedAt), formatTime(job.FinishedAt),
		); err != nil {
			return fmt.Errorf("insert job %q: %w", job.Name, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(
		`SELECT r.run_id, r.ref, r.source, r.success, r.started_at, r.duration_ms,
			(SELECT COUNT(*) FROM jobs j WHERE j.run_id = r.run_id)
		 FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var success int
		if err := rows.Scan(&r.RunID, &r.Ref, &r.Source, &success, &r.StartedAt, &r.DurationMS, &r.JobCount); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun returns one run and its job rows, or sql.ErrNoRows.
func (s *Store) GetRun(runID string) (RunSummary, []JobRow, error) {
	var r RunSummary
	var success int
	err := s.db.QueryRow(
		`SELECT run_id, ref, source, success, started_at, duration_ms FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&r.RunID, &r.Ref, &r.Source, &success, &r.StartedAt, &r.DurationMS)
	if err != nil {
		return RunSummary{}, nil, err
	}
	r.Success = success == 1

	rows, err := s.db.Query(
		`SELECT job_id, run_id, name, stage, state, reason, attempts, error, artifact_ref, started_at, finished_at
		 FROM jobs WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return RunSummary{}, nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		var j JobRow
		if err := rows.Scan(&j.JobID, &j.RunID, &j.Name, &j.Stage, &j.State, &j.Reason,
			&j.Attempts, &j.Error, &j.ArtifactRef, &j.StartedAt, &j.FinishedAt); err != nil {
			return RunSummary{}, nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	r.JobCount = len(jobs)
	return r, jobs, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeFormat)
}
