// Package worker executes one forecast unit to a terminal job outcome,
// retrying transient remote failures under a hard per-attempt timeout.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/backoff"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
)

// Params carry the per-run context of a worker invocation.
type Params struct {
	RunID      string
	ReportDate string
	Options    forecast.Options
	// Forecastable is the set of line items the orchestrator considers
	// forecastable this run; contending ids are filtered against it before
	// being persisted.
	Forecastable map[int64]struct{}
}

// Worker drives forecast units to terminal outcomes.
type Worker struct {
	store          *jobstore.Store
	client         forecast.Client
	logger         *slog.Logger
	requestTimeout time.Duration
	requestBackoff backoff.Config
}

// New creates a worker.
func New(store *jobstore.Store, client forecast.Client, logger *slog.Logger,
	requestTimeout time.Duration, requestBackoff backoff.Config) *Worker {
	return &Worker{
		store:          store,
		client:         client,
		logger:         logger,
		requestTimeout: requestTimeout,
		requestBackoff: requestBackoff,
	}
}

// callResult is what one remote attempt produced beyond the outcome class.
type callResult struct {
	availability *forecast.Availability
	delivery     *forecast.Delivery
}

// Run attempts to produce exactly one terminal outcome for the unit,
// retrying transient failures with a fresh request backoff policy. On
// context cancellation it returns ctx.Err() and leaves the jobs
// non-terminal; the scheduler's cleanup pass reconciles them.
func (w *Worker) Run(ctx context.Context, req domain.Request, p Params) error {
	members := req.Members()
	if err := w.store.MarkRunning(w.keysFor(p, req.ForecastType(), members), time.Now()); err != nil {
		return fmt.Errorf("marking jobs running: %w", err)
	}

	pol := backoff.New(w.requestBackoff)
	state := retryState{attempt: 1, remaining: members}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, res := w.call(ctx, req.ForecastType(), state.remaining, p)

		// A fired per-attempt deadline and a cancelled run look the same to
		// the call; only the former is a retryable timeout.
		if err := ctx.Err(); err != nil {
			return err
		}

		dec := decide(state, req.ForecastType(), out)

		if dec.removed != nil {
			w.failItem(p, req.ForecastType(), dec.removed.id, dec.removed.reason, state.attempt)
		}

		switch dec.kind {
		case decideCompleted:
			return w.complete(p, req.ForecastType(), dec.next, res)

		case decideFailed:
			return w.failAll(p, req.ForecastType(), dec.next, dec.failReason)

		case decideRetryReduced:
			state = dec.next
			continue

		case decideRetryBackoff:
			d, ok := pol.Next()
			if !ok {
				return w.failAll(p, req.ForecastType(), state, ReasonMaxWaitExceeded)
			}
			w.logger.Debug("retrying forecast",
				"run_id", p.RunID, "attempt", dec.next.attempt, "wait", d, "units", len(state.remaining))
			if err := backoff.Sleep(ctx, d); err != nil {
				return err
			}
			state = dec.next
		}
	}
}

// call submits the blocking remote call and waits up to the request timeout.
// On timeout the in-flight call is abandoned (its context is cancelled, the
// result discarded).
func (w *Worker) call(ctx context.Context, ftype domain.ForecastType, remaining []int64, p Params) (callOutcome, callResult) {
	cctx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	type attempt struct {
		res callResult
		err error
	}
	ch := make(chan attempt, 1)

	go func() {
		var a attempt
		switch ftype {
		case domain.ForecastAvailability:
			a.res.availability, a.err = w.client.AvailabilityForecast(cctx, remaining[0], p.Options)
		default:
			a.res.delivery, a.err = w.client.DeliveryForecast(cctx, remaining, p.Options)
		}
		ch <- a
	}()

	select {
	case <-cctx.Done():
		return callOutcome{timedOut: true}, callResult{}
	case a := <-ch:
		if a.err != nil {
			return callOutcome{err: a.err}, callResult{}
		}
		return callOutcome{ok: true}, a.res
	}
}

// complete records COMPLETED outcomes, plus the contending-group side effect
// for availability forecasts.
func (w *Worker) complete(p Params, ftype domain.ForecastType, state retryState, res callResult) error {
	now := time.Now()

	if ftype == domain.ForecastAvailability {
		av := res.availability
		payload := av.Payload
		if payload == nil {
			payload, _ = json.Marshal(av)
		}
		// Key off the requested id, not the id echoed in the payload; a
		// remote echoing the wrong id must not strand the job RUNNING.
		id := state.remaining[0]
		if err := w.store.Complete(w.key(p, ftype, id), payload, state.attempt, now); err != nil {
			return fmt.Errorf("recording completion: %w", err)
		}

		group := &domain.ContendingGroup{
			RunID:         p.RunID,
			ReportDate:    p.ReportDate,
			LineItemID:    id,
			ContendingIDs: w.filterContenders(id, av.ContendingLineItemIDs, p.Forecastable),
			SavedAt:       now,
		}
		if err := w.store.SaveGroup(group); err != nil {
			return fmt.Errorf("saving contending group: %w", err)
		}
		w.logger.Debug("availability forecast completed",
			"run_id", p.RunID, "line_item_id", id, "contenders", len(group.ContendingIDs))
		return nil
	}

	payload := res.delivery.Payload
	if payload == nil {
		payload, _ = json.Marshal(res.delivery)
	}
	for _, id := range state.remaining {
		if err := w.store.Complete(w.key(p, ftype, id), payload, state.attempt, now); err != nil {
			return fmt.Errorf("recording completion: %w", err)
		}
	}
	w.logger.Debug("delivery forecast completed",
		"run_id", p.RunID, "units", len(state.remaining), "attempts", state.attempt)
	return nil
}

// failAll records FAILED for every line item still in the unit.
func (w *Worker) failAll(p Params, ftype domain.ForecastType, state retryState, reason string) error {
	now := time.Now()
	for _, id := range state.remaining {
		if err := w.store.Fail(w.key(p, ftype, id), reason, state.attempt, now); err != nil {
			return fmt.Errorf("recording failure: %w", err)
		}
	}
	w.logger.Warn("forecast failed",
		"run_id", p.RunID, "phase", ftype, "units", len(state.remaining), "reason", reason)
	return nil
}

// failItem records FAILED for one item dropped from a delivery batch.
func (w *Worker) failItem(p Params, ftype domain.ForecastType, id int64, reason string, attempts int) {
	if err := w.store.Fail(w.key(p, ftype, id), reason, attempts, time.Now()); err != nil {
		w.logger.Error("failed to record per-item failure",
			"run_id", p.RunID, "line_item_id", id, "error", err)
		return
	}
	w.logger.Warn("line item removed from delivery batch",
		"run_id", p.RunID, "line_item_id", id, "reason", reason)
}

func (w *Worker) filterContenders(self int64, ids []int64, forecastable map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if forecastable != nil {
			if _, ok := forecastable[id]; !ok {
				continue
			}
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (w *Worker) key(p Params, ftype domain.ForecastType, id int64) domain.JobKey {
	return domain.JobKey{RunID: p.RunID, ReportDate: p.ReportDate, LineItemID: id, Type: ftype}
}

func (w *Worker) keysFor(p Params, ftype domain.ForecastType, ids []int64) []domain.JobKey {
	keys := make([]domain.JobKey, len(ids))
	for i, id := range ids {
		keys[i] = w.key(p, ftype, id)
	}
	return keys
}
