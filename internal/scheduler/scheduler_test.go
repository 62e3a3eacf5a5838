package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/backoff"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
	"github.com/sudhira1404/forecast-orchestrator/internal/worker"
	"github.com/sudhira1404/forecast-orchestrator/internal/workerpool"
)

type scriptedClient struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (c *scriptedClient) AvailabilityForecast(ctx context.Context, id int64, opts forecast.Options) (*forecast.Availability, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &forecast.Availability{LineItemID: id, Payload: []byte(`{}`)}, nil
}

func (c *scriptedClient) DeliveryForecast(ctx context.Context, ids []int64, opts forecast.Options) (*forecast.Delivery, error) {
	return &forecast.Delivery{LineItemIDs: ids, Payload: []byte(`{}`)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() backoff.Config {
	return backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
}

func newTestScheduler(t *testing.T, pool *workerpool.Pool, client forecast.Client) (*Scheduler, *jobstore.Store) {
	t.Helper()
	store, err := jobstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	w := worker.New(store, client, testLogger(), time.Second, fastBackoff())
	return New(store, pool, w, testLogger(), fastBackoff(), fastBackoff()), store
}

func availabilityReqs(ids ...int64) []domain.Request {
	reqs := make([]domain.Request, len(ids))
	for i, id := range ids {
		reqs[i] = domain.AvailabilityRequest{LineItemID: id}
	}
	return reqs
}

func testParams() worker.Params {
	return worker.Params{
		RunID:      "run-1",
		ReportDate: "2026-08-31",
		Options:    forecast.Options{ReportDate: "2026-08-31"},
	}
}

func TestScheduler_SubmitAndAwait(t *testing.T) {
	pool := workerpool.New(4, 8, 16)
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	client := &scriptedClient{}
	sched, _ := newTestScheduler(t, pool, client)

	ctx := context.Background()
	p := testParams()
	if err := sched.Submit(ctx, availabilityReqs(1, 2, 3, 4, 5), p); err != nil {
		t.Fatal(err)
	}

	summary, err := sched.AwaitCompletion(ctx, "run-1", domain.ForecastAvailability, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Balanced {
		t.Error("summary not balanced")
	}
	if summary.Counts.Completed != 5 {
		t.Errorf("Completed = %d, want 5", summary.Counts.Completed)
	}
	if summary.Counts.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", summary.Counts.Pending())
	}
}

func TestScheduler_BackpressureNeverDropsUnits(t *testing.T) {
	// A tiny pool forces submission retries while slow calls occupy it.
	pool := workerpool.New(1, 2, 1)
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	client := &scriptedClient{delay: 20 * time.Millisecond}
	sched, _ := newTestScheduler(t, pool, client)

	ctx := context.Background()
	p := testParams()
	if err := sched.Submit(ctx, availabilityReqs(1, 2, 3, 4, 5, 6, 7, 8), p); err != nil {
		t.Fatal(err)
	}

	summary, err := sched.AwaitCompletion(ctx, "run-1", domain.ForecastAvailability, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Balanced {
		t.Error("summary not balanced")
	}
	if summary.Counts.Completed != 8 {
		t.Errorf("Completed = %d, want 8: a unit was dropped under backpressure", summary.Counts.Completed)
	}
}

func TestScheduler_ProgressCallback(t *testing.T) {
	pool := workerpool.New(2, 4, 8)
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	client := &scriptedClient{}
	sched, _ := newTestScheduler(t, pool, client)

	var mu sync.Mutex
	var polls int
	sched.SetProgressFunc(func(runID string, ftype domain.ForecastType, c jobstore.Counts) {
		mu.Lock()
		polls++
		mu.Unlock()
	})

	ctx := context.Background()
	if err := sched.Submit(ctx, availabilityReqs(1, 2), testParams()); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.AwaitCompletion(ctx, "run-1", domain.ForecastAvailability, 2); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if polls == 0 {
		t.Error("progress callback never invoked")
	}
}

func TestScheduler_SubmitFailsFastOnCancelledContext(t *testing.T) {
	// Saturate a minimal pool so submission has to wait, then cancel.
	pool := workerpool.New(1, 1, 0)
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	release := make(chan struct{})
	defer close(release)
	pool.TrySubmit(func() { <-release })
	time.Sleep(5 * time.Millisecond)

	client := &scriptedClient{}
	sched, _ := newTestScheduler(t, pool, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sched.Submit(ctx, availabilityReqs(1), testParams())
	if err == nil {
		t.Fatal("Submit() = nil, want error on cancelled context")
	}
}

func TestScheduler_Reconcile(t *testing.T) {
	pool := workerpool.New(1, 1, 1)
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	client := &scriptedClient{}
	sched, store := newTestScheduler(t, pool, client)

	// Rows stuck in INITIALIZED that never reached a worker.
	jobs := []*domain.ForecastJob{
		{
			JobKey: domain.JobKey{
				RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 1, Type: domain.ForecastDelivery,
			},
			Status:    domain.StatusInitialized,
			CreatedAt: time.Now(),
		},
	}
	if err := store.CreateJobs(jobs); err != nil {
		t.Fatal(err)
	}

	n, err := sched.Reconcile("run-1", domain.ForecastDelivery, "cancelled before completion")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}

	job, err := store.GetJob(jobs[0].JobKey)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusFailed {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusFailed)
	}
}
