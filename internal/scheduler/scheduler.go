// Package scheduler fans forecast units onto the worker pool and reports
// when a phase has reached terminal state for every unit.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/backoff"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
	"github.com/sudhira1404/forecast-orchestrator/internal/worker"
	"github.com/sudhira1404/forecast-orchestrator/internal/workerpool"
)

// ProgressFunc receives the aggregate counts observed on each poll.
type ProgressFunc func(runID string, ftype domain.ForecastType, c jobstore.Counts)

// Scheduler submits units to the pool with backpressure and polls the job
// store for phase completion. Submission and completion-waiting are
// decoupled: a submitting caller never blocks on a unit's remote call.
type Scheduler struct {
	store  *jobstore.Store
	pool   *workerpool.Pool
	worker *worker.Worker
	logger *slog.Logger

	submissionBackoff backoff.Config
	pollingBackoff    backoff.Config

	progress ProgressFunc
}

// New creates a scheduler.
func New(store *jobstore.Store, pool *workerpool.Pool, w *worker.Worker, logger *slog.Logger,
	submissionBackoff, pollingBackoff backoff.Config) *Scheduler {
	return &Scheduler{
		store:             store,
		pool:              pool,
		worker:            w,
		logger:            logger,
		submissionBackoff: submissionBackoff,
		pollingBackoff:    pollingBackoff,
	}
}

// SetProgressFunc registers a callback invoked on every completion poll.
func (s *Scheduler) SetProgressFunc(fn ProgressFunc) {
	s.progress = fn
}

// Submit writes an INITIALIZED row per unit member, then hands each unit to
// the pool. A rejected submission is retried under the submission backoff;
// no unit is ever dropped. Fails fast when ctx is cancelled.
func (s *Scheduler) Submit(ctx context.Context, reqs []domain.Request, p worker.Params) error {
	for _, req := range reqs {
		if err := s.createJobs(req, p); err != nil {
			return fmt.Errorf("creating job rows: %w", err)
		}

		req := req
		task := func() {
			if err := s.worker.Run(ctx, req, p); err != nil && ctx.Err() == nil {
				s.logger.Error("worker run failed",
					"run_id", p.RunID, "phase", req.ForecastType(), "error", err)
			}
		}

		if err := s.submitWithRetry(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) createJobs(req domain.Request, p worker.Params) error {
	now := time.Now()
	members := req.Members()
	jobs := make([]*domain.ForecastJob, len(members))
	for i, id := range members {
		jobs[i] = &domain.ForecastJob{
			JobKey: domain.JobKey{
				RunID:      p.RunID,
				ReportDate: p.ReportDate,
				LineItemID: id,
				Type:       req.ForecastType(),
			},
			Status:    domain.StatusInitialized,
			CreatedAt: now,
		}
	}
	return s.store.CreateJobs(jobs)
}

func (s *Scheduler) submitWithRetry(ctx context.Context, task workerpool.Task) error {
	if s.pool.TrySubmit(task) {
		return nil
	}

	pol := backoff.New(s.submissionBackoff)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok := pol.Next()
		if !ok {
			return fmt.Errorf("pool saturated: submission backoff exhausted after %s queue depth %d",
				s.submissionBackoff.MaxElapsed, s.pool.QueueDepth())
		}
		s.logger.Debug("pool saturated, retrying submission", "wait", d, "queue_depth", s.pool.QueueDepth())
		if err := backoff.Sleep(ctx, d); err != nil {
			return err
		}
		if s.pool.TrySubmit(task) {
			return nil
		}
	}
}

// Summary is the result of awaiting a phase.
type Summary struct {
	Counts jobstore.Counts
	// Balanced is true when every expected unit reached a terminal state
	// before the polling backoff gave up.
	Balanced bool
}

// AwaitCompletion polls the job store until initialized+running == 0 and
// completed+failed == expected, sleeping under the polling backoff between
// reads. Failures are reported, not fatal: failed > 0 only logs a warning.
// When the polling backoff stops first, the summary is returned unbalanced
// with a warning.
func (s *Scheduler) AwaitCompletion(ctx context.Context, runID string, ftype domain.ForecastType, expected int) (Summary, error) {
	pol := backoff.New(s.pollingBackoff)

	for {
		c, err := s.store.StatusCounts(runID, ftype)
		if err != nil {
			return Summary{}, fmt.Errorf("reading status counts: %w", err)
		}
		if s.progress != nil {
			s.progress(runID, ftype, c)
		}

		if c.Pending() == 0 && c.Terminal() == expected {
			if c.Failed > 0 {
				s.logger.Warn("phase completed with failures",
					"run_id", runID, "phase", ftype, "completed", c.Completed, "failed", c.Failed)
			}
			return Summary{Counts: c, Balanced: true}, nil
		}

		d, ok := pol.Next()
		if !ok {
			s.logger.Warn("phase did not balance before polling deadline",
				"run_id", runID, "phase", ftype,
				"expected", expected, "terminal", c.Terminal(), "pending", c.Pending())
			return Summary{Counts: c, Balanced: false}, nil
		}
		if err := backoff.Sleep(ctx, d); err != nil {
			return Summary{Counts: c}, err
		}
	}
}

// Reconcile marks every job left non-terminal for (run, phase) as FAILED
// with the given reason. Best-effort cleanup after cancellation or an
// unbalanced await.
func (s *Scheduler) Reconcile(runID string, ftype domain.ForecastType, reason string) (int64, error) {
	n, err := s.store.FailNonTerminal(runID, ftype, reason, time.Now())
	if err != nil {
		return 0, fmt.Errorf("reconciling non-terminal jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("reconciled non-terminal jobs",
			"run_id", runID, "phase", ftype, "count", n, "reason", reason)
	}
	return n, nil
}
