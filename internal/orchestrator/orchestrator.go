// Package orchestrator runs the two-phase forecast pipeline: purge, the
// availability phase, delivery batching, the delivery phase, and export.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/export"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
	"github.com/sudhira1404/forecast-orchestrator/internal/lineitems"
	"github.com/sudhira1404/forecast-orchestrator/internal/notify"
	"github.com/sudhira1404/forecast-orchestrator/internal/scheduler"
	"github.com/sudhira1404/forecast-orchestrator/internal/worker"
)

// Reconciliation reasons written by the cleanup pass. Cancellation stays
// distinguishable from ordinary retry exhaustion in the persisted reason.
const (
	ReasonCancelled       = "cancelled before completion"
	ReasonNoTerminalState = "no terminal state before completion deadline"
)

// Config holds the orchestrator's own knobs.
type Config struct {
	ContendingLineItemBatchSize int
	SampleEnabled               bool
	SampleSize                  int
}

// Orchestrator is the top-level entry point for one forecast run.
type Orchestrator struct {
	cfg      Config
	store    *jobstore.Store
	sched    *scheduler.Scheduler
	items    lineitems.Provider
	exporter *export.Writer
	notifier notify.Notifier
	logger   *slog.Logger

	// rng drives sampling; seeded from the clock unless overridden in tests.
	rng *rand.Rand
}

// New creates an orchestrator.
func New(cfg Config, store *jobstore.Store, sched *scheduler.Scheduler, items lineitems.Provider,
	exporter *export.Writer, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		items:    items,
		exporter: exporter,
		notifier: notifier,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Result reports one finished run.
type Result struct {
	RunID        string
	ReportDate   string
	Availability jobstore.Counts
	Delivery     jobstore.Counts
	Artifacts    export.Paths
}

// Run executes the full pipeline for a report date. Job-level failures are
// logged warnings; only store and input errors fail the run.
func (o *Orchestrator) Run(ctx context.Context, reportDate string) (*Result, error) {
	runID := uuid.New().String()
	log := o.logger.With("run_id", runID, "report_date", reportDate)
	log.Info("starting forecast run")

	// Purge rows older than the current report date.
	purged, err := o.store.PurgeBefore(reportDate)
	if err != nil {
		return nil, fmt.Errorf("purging stale rows: %w", err)
	}
	if purged > 0 {
		log.Info("purged stale job rows", "count", purged)
	}

	todo, forecastable, err := o.availabilityTodo(reportDate)
	if err != nil {
		return nil, err
	}
	log.Info("availability phase starting", "line_items", len(todo))

	params := worker.Params{
		RunID:      runID,
		ReportDate: reportDate,
		Options: forecast.Options{
			ReportDate:                 reportDate,
			IncludeContendingLineItems: true,
		},
		Forecastable: forecastable,
	}

	availSummary, err := o.runPhase(ctx, runID, domain.ForecastAvailability, availabilityRequests(todo), params)
	if err != nil {
		return nil, err
	}
	log.Info("availability phase done",
		"completed", availSummary.Counts.Completed, "failed", availSummary.Counts.Failed)

	// Delivery batching consumes the contending groups written by completed
	// availability workers; it must not start before the phase has settled.
	batches, err := o.buildDeliveryBatches(runID, reportDate)
	if err != nil {
		return nil, fmt.Errorf("building delivery batches: %w", err)
	}
	log.Info("delivery phase starting", "batches", len(batches))

	deliveryParams := params
	deliveryParams.Options.IncludeContendingLineItems = false

	expected := 0
	reqs := make([]domain.Request, len(batches))
	for i, b := range batches {
		reqs[i] = b
		expected += len(b.LineItemIDs)
	}

	deliverySummary, err := o.runPhaseRequests(ctx, runID, domain.ForecastDelivery, reqs, deliveryParams, expected)
	if err != nil {
		return nil, err
	}
	log.Info("delivery phase done",
		"completed", deliverySummary.Counts.Completed, "failed", deliverySummary.Counts.Failed)

	paths, err := o.exporter.WriteRun(ctx, runID, reportDate)
	if err != nil {
		return nil, fmt.Errorf("exporting results: %w", err)
	}

	result := &Result{
		RunID:        runID,
		ReportDate:   reportDate,
		Availability: availSummary.Counts,
		Delivery:     deliverySummary.Counts,
		Artifacts:    paths,
	}

	o.notifyResult(result)
	log.Info("forecast run complete",
		"availability_file", paths.Availability, "delivery_file", paths.Delivery)
	return result, nil
}

// availabilityTodo computes the eligible set minus line items already
// completed for this date, applying sampling when configured.
func (o *Orchestrator) availabilityTodo(reportDate string) ([]int64, map[int64]struct{}, error) {
	eligible, err := o.items.Eligible(reportDate)
	if err != nil {
		return nil, nil, fmt.Errorf("loading eligible line items: %w", err)
	}

	done, err := o.store.CompletedLineItems(reportDate, domain.ForecastAvailability)
	if err != nil {
		return nil, nil, fmt.Errorf("reading completed line items: %w", err)
	}
	doneSet := make(map[int64]struct{}, len(done))
	for _, id := range done {
		doneSet[id] = struct{}{}
	}

	todo := make([]int64, 0, len(eligible))
	for _, id := range eligible {
		if _, ok := doneSet[id]; !ok {
			todo = append(todo, id)
		}
	}

	if o.cfg.SampleEnabled && o.cfg.SampleSize > 0 && o.cfg.SampleSize < len(todo) {
		todo = lineitems.Sample(todo, o.cfg.SampleSize, o.rng)
		o.logger.Info("sampled eligible line items", "size", len(todo))
	}

	forecastable := make(map[int64]struct{}, len(eligible))
	for _, id := range eligible {
		forecastable[id] = struct{}{}
	}
	return todo, forecastable, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, runID string, ftype domain.ForecastType,
	reqs []domain.Request, p worker.Params) (scheduler.Summary, error) {
	expected := 0
	for _, r := range reqs {
		expected += len(r.Members())
	}
	return o.runPhaseRequests(ctx, runID, ftype, reqs, p, expected)
}

func (o *Orchestrator) runPhaseRequests(ctx context.Context, runID string, ftype domain.ForecastType,
	reqs []domain.Request, p worker.Params, expected int) (scheduler.Summary, error) {
	if len(reqs) == 0 {
		return scheduler.Summary{Balanced: true}, nil
	}

	if err := o.sched.Submit(ctx, reqs, p); err != nil {
		// Whatever was submitted keeps running; reconcile the rest.
		if _, rerr := o.sched.Reconcile(runID, ftype, ReasonCancelled); rerr != nil {
			o.logger.Error("cleanup after failed submission", "error", rerr)
		}
		return scheduler.Summary{}, fmt.Errorf("submitting %s units: %w", ftype, err)
	}

	summary, err := o.sched.AwaitCompletion(ctx, runID, ftype, expected)
	if err != nil {
		if _, rerr := o.sched.Reconcile(runID, ftype, ReasonCancelled); rerr != nil {
			o.logger.Error("cleanup after cancelled await", "error", rerr)
		}
		return summary, fmt.Errorf("awaiting %s completion: %w", ftype, err)
	}

	if !summary.Balanced {
		if _, err := o.sched.Reconcile(runID, ftype, ReasonNoTerminalState); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (o *Orchestrator) notifyResult(r *Result) {
	n := notify.Notification{
		Title: fmt.Sprintf("Forecast run %s complete", r.ReportDate),
		Message: fmt.Sprintf("availability %d completed / %d failed; delivery %d completed / %d failed",
			r.Availability.Completed, r.Availability.Failed,
			r.Delivery.Completed, r.Delivery.Failed),
		Type:  notify.NotifySuccess,
		RunID: r.RunID,
	}
	if r.Availability.Failed > 0 || r.Delivery.Failed > 0 {
		n.Type = notify.NotifyWarning
	}
	if err := o.notifier.Send(n); err != nil {
		o.logger.Warn("failed to send run notification", "error", err)
	}
}

func availabilityRequests(ids []int64) []domain.Request {
	reqs := make([]domain.Request, len(ids))
	for i, id := range ids {
		reqs[i] = domain.AvailabilityRequest{LineItemID: id}
	}
	return reqs
}
