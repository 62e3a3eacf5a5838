// Package jobstore provides SQLite-backed persistence for forecast jobs and
// contending-line-item groups. All writes are idempotent point writes on
// disjoint keys, so concurrent workers never contend on the same row.
package jobstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed forecast job persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJobs inserts (or re-initializes) one INITIALIZED row per job, in a
// single transaction. Called by the scheduler before pool submission.
func (s *Store) CreateJobs(jobs []*domain.ForecastJob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO forecast_jobs (run_id, report_date, line_item_id, forecast_type, status, created_at, total_attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(run_id, report_date, line_item_id, forecast_type) DO UPDATE SET
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = NULL,
			finished_at = NULL,
			total_attempts = 0,
			response = NULL,
			failure_reason = NULL
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, job := range jobs {
		if _, err := stmt.Exec(job.RunID, job.ReportDate, job.LineItemID, string(job.Type),
			string(domain.StatusInitialized), job.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkRunning transitions the given jobs to RUNNING
func (s *Store) MarkRunning(keys []domain.JobKey, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`
			UPDATE forecast_jobs SET status = ?, started_at = ?
			WHERE run_id = ? AND report_date = ? AND line_item_id = ? AND forecast_type = ?
		`, string(domain.StatusRunning), at, k.RunID, k.ReportDate, k.LineItemID, string(k.Type)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Complete records a COMPLETED terminal outcome with the serialized response
func (s *Store) Complete(k domain.JobKey, response []byte, attempts int, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE forecast_jobs
		SET status = ?, finished_at = ?, total_attempts = ?, response = ?, failure_reason = NULL
		WHERE run_id = ? AND report_date = ? AND line_item_id = ? AND forecast_type = ?
	`, string(domain.StatusCompleted), at, attempts, string(response),
		k.RunID, k.ReportDate, k.LineItemID, string(k.Type))
	return err
}

// Fail records a FAILED terminal outcome with the failure reason
func (s *Store) Fail(k domain.JobKey, reason string, attempts int, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE forecast_jobs
		SET status = ?, finished_at = ?, total_attempts = ?, response = NULL, failure_reason = ?
		WHERE run_id = ? AND report_date = ? AND line_item_id = ? AND forecast_type = ?
	`, string(domain.StatusFailed), at, attempts, reason,
		k.RunID, k.ReportDate, k.LineItemID, string(k.Type))
	return err
}

// GetJob retrieves a job by key
func (s *Store) GetJob(k domain.JobKey) (*domain.ForecastJob, error) {
	row := s.db.QueryRow(`
		SELECT run_id, report_date, line_item_id, forecast_type, status,
		       created_at, started_at, finished_at, total_attempts, response, failure_reason
		FROM forecast_jobs
		WHERE run_id = ? AND report_date = ? AND line_item_id = ? AND forecast_type = ?
	`, k.RunID, k.ReportDate, k.LineItemID, string(k.Type))

	return scanJob(row)
}

// Counts holds the aggregate job status counts for one run and phase
type Counts struct {
	Initialized int
	Running     int
	Completed   int
	Failed      int
}

// Pending returns the number of jobs not yet in a terminal state
func (c Counts) Pending() int { return c.Initialized + c.Running }

// Terminal returns the number of jobs in a terminal state
func (c Counts) Terminal() int { return c.Completed + c.Failed }

// StatusCounts returns aggregate counts by status for (run, phase)
func (s *Store) StatusCounts(runID string, ftype domain.ForecastType) (Counts, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM forecast_jobs
		WHERE run_id = ? AND forecast_type = ?
		GROUP BY status
	`, runID, string(ftype))
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch domain.JobStatus(status) {
		case domain.StatusInitialized:
			c.Initialized = n
		case domain.StatusRunning:
			c.Running = n
		case domain.StatusCompleted:
			c.Completed = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// HasJobs reports whether any rows exist for (run, phase)
func (s *Store) HasJobs(runID string, ftype domain.ForecastType) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM forecast_jobs WHERE run_id = ? AND forecast_type = ? LIMIT 1
	`, runID, string(ftype)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompletedLineItems returns the distinct line item ids already COMPLETED
// for the given report date and phase, across all runs.
func (s *Store) CompletedLineItems(reportDate string, ftype domain.ForecastType) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT line_item_id FROM forecast_jobs
		WHERE report_date = ? AND forecast_type = ? AND status = ?
		ORDER BY line_item_id
	`, reportDate, string(ftype), string(domain.StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResponseRow is one completed forecast payload for export
type ResponseRow struct {
	LineItemID int64
	Response   []byte
}

// CompletedResponses returns all COMPLETED responses for (report date, phase),
// ordered by line item id. Rows from every run for that date are included, so
// a rerun after a partial day still exports the earlier runs' forecasts.
func (s *Store) CompletedResponses(reportDate string, ftype domain.ForecastType) ([]ResponseRow, error) {
	rows, err := s.db.Query(`
		SELECT line_item_id, response FROM forecast_jobs
		WHERE report_date = ? AND forecast_type = ? AND status = ?
		ORDER BY line_item_id, run_id
	`, reportDate, string(ftype), string(domain.StatusCompleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResponseRow
	for rows.Next() {
		var r ResponseRow
		var resp sql.NullString
		if err := rows.Scan(&r.LineItemID, &resp); err != nil {
			return nil, err
		}
		if resp.Valid {
			r.Response = []byte(resp.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FailedItem is one FAILED job with its persisted reason.
type FailedItem struct {
	LineItemID int64
	Reason     string
	Attempts   int
}

// FailedItems returns all FAILED jobs for (run, phase), ordered by line item
// id. Used by the status API's run detail view.
func (s *Store) FailedItems(runID string, ftype domain.ForecastType) ([]FailedItem, error) {
	rows, err := s.db.Query(`
		SELECT line_item_id, failure_reason, total_attempts FROM forecast_jobs
		WHERE run_id = ? AND forecast_type = ? AND status = ?
		ORDER BY line_item_id
	`, runID, string(ftype), string(domain.StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedItem
	for rows.Next() {
		var it FailedItem
		var reason sql.NullString
		if err := rows.Scan(&it.LineItemID, &reason, &it.Attempts); err != nil {
			return nil, err
		}
		if reason.Valid {
			it.Reason = reason.String
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// FailNonTerminal marks every INITIALIZED or RUNNING job for (run, phase) as
// FAILED with the given reason. Used by the scheduler's cleanup pass after
// cancellation or polling exhaustion. Returns the number of rows reconciled.
func (s *Store) FailNonTerminal(runID string, ftype domain.ForecastType, reason string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE forecast_jobs
		SET status = ?, finished_at = ?, failure_reason = ?
		WHERE run_id = ? AND forecast_type = ? AND status IN (?, ?)
	`, string(domain.StatusFailed), at, reason, runID, string(ftype),
		string(domain.StatusInitialized), string(domain.StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeBefore deletes job and contending-group rows older than the given
// report date. Returns the number of deleted job rows.
func (s *Store) PurgeBefore(reportDate string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM forecast_jobs WHERE report_date < ?`, reportDate)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM contending_groups WHERE report_date < ?`, reportDate); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func scanJob(row *sql.Row) (*domain.ForecastJob, error) {
	var job domain.ForecastJob
	var ftype, status string
	var startedAt, finishedAt sql.NullTime
	var response, reason sql.NullString

	err := row.Scan(&job.RunID, &job.ReportDate, &job.LineItemID, &ftype, &status,
		&job.CreatedAt, &startedAt, &finishedAt, &job.TotalAttempts, &response, &reason)
	if err != nil {
		return nil, err
	}

	job.Type = domain.ForecastType(ftype)
	job.Status = domain.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	if response.Valid {
		job.Response = []byte(response.String)
	}
	if reason.Valid {
		job.FailureReason = reason.String
	}

	return &job, nil
}
