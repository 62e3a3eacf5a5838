package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/backoff"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
)

// fakeClient scripts forecast responses for worker tests.
type fakeClient struct {
	availability func(ctx context.Context, id int64) (*forecast.Availability, error)
	delivery     func(ctx context.Context, ids []int64) (*forecast.Delivery, error)
}

func (f *fakeClient) AvailabilityForecast(ctx context.Context, id int64, opts forecast.Options) (*forecast.Availability, error) {
	return f.availability(ctx, id)
}

func (f *fakeClient) DeliveryForecast(ctx context.Context, ids []int64, opts forecast.Options) (*forecast.Delivery, error) {
	return f.delivery(ctx, ids)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() backoff.Config {
	return backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedJobs(t *testing.T, store *jobstore.Store, p Params, ftype domain.ForecastType, ids ...int64) {
	t.Helper()
	jobs := make([]*domain.ForecastJob, len(ids))
	for i, id := range ids {
		jobs[i] = &domain.ForecastJob{
			JobKey: domain.JobKey{
				RunID: p.RunID, ReportDate: p.ReportDate, LineItemID: id, Type: ftype,
			},
			Status:    domain.StatusInitialized,
			CreatedAt: time.Now(),
		}
	}
	if err := store.CreateJobs(jobs); err != nil {
		t.Fatal(err)
	}
}

func testParams() Params {
	return Params{
		RunID:      "run-1",
		ReportDate: "2026-08-31",
		Options:    forecast.Options{ReportDate: "2026-08-31", IncludeContendingLineItems: true},
	}
}

func TestWorker_AvailabilitySuccessSavesFilteredGroup(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	p.Forecastable = map[int64]struct{}{101: {}, 102: {}}
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			return &forecast.Availability{
				LineItemID: id,
				// 101 is the item itself, 999 is not forecastable, 102 repeats.
				ContendingLineItemIDs: []int64{101, 102, 999, 102},
				Payload:               []byte(`{"impressions":5000}`),
			}, nil
		},
	}

	w := New(store, client, testLogger(), time.Second, fastBackoff())
	if err := w.Run(context.Background(), domain.AvailabilityRequest{LineItemID: 101}, p); err != nil {
		t.Fatal(err)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusCompleted)
	}
	if job.TotalAttempts != 1 {
		t.Errorf("TotalAttempts = %d, want 1", job.TotalAttempts)
	}
	if string(job.Response) != `{"impressions":5000}` {
		t.Errorf("Response = %q", job.Response)
	}

	group, err := store.GetGroup("run-1", "2026-08-31", 101)
	if err != nil {
		t.Fatal(err)
	}
	if len(group.ContendingIDs) != 1 || group.ContendingIDs[0] != 102 {
		t.Errorf("ContendingIDs = %v, want [102]", group.ContendingIDs)
	}
}

func TestWorker_AvailabilityCompletionKeyedOnRequest(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	// The remote echoes the wrong id; the requested job must still complete.
	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			return &forecast.Availability{
				LineItemID:            0,
				ContendingLineItemIDs: []int64{102},
				Payload:               []byte(`{"impressions":1}`),
			}, nil
		},
	}

	w := New(store, client, testLogger(), time.Second, fastBackoff())
	if err := w.Run(context.Background(), domain.AvailabilityRequest{LineItemID: 101}, p); err != nil {
		t.Fatal(err)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusCompleted)
	}
	if string(job.Response) != `{"impressions":1}` {
		t.Errorf("Response = %q", job.Response)
	}

	group, err := store.GetGroup("run-1", "2026-08-31", 101)
	if err != nil {
		t.Fatal(err)
	}
	if group.LineItemID != 101 {
		t.Errorf("group line item = %d, want requested id 101", group.LineItemID)
	}
}

func TestWorker_TransientErrorRetriedToSuccess(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	calls := 0
	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			calls++
			if calls == 1 {
				return nil, &forecast.RemoteError{Code: forecast.CodeQuotaExceeded, Message: "slow down"}
			}
			return &forecast.Availability{LineItemID: id, Payload: []byte(`{}`)}, nil
		},
	}

	w := New(store, client, testLogger(), time.Second, fastBackoff())
	if err := w.Run(context.Background(), domain.AvailabilityRequest{LineItemID: 101}, p); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusCompleted)
	}
	if job.TotalAttempts != 2 {
		t.Errorf("TotalAttempts = %d, want 2", job.TotalAttempts)
	}
}

func TestWorker_DeliveryBatchShrinksAroundBadItem(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	p.Options.IncludeContendingLineItems = false
	batch := []int64{1, 2, 3, 4, 5}
	seedJobs(t, store, p, domain.ForecastDelivery, batch...)

	client := &fakeClient{
		delivery: func(ctx context.Context, ids []int64) (*forecast.Delivery, error) {
			for _, id := range ids {
				if id == 3 {
					return nil, &forecast.RemoteError{
						Code: forecast.CodeLineItemError, Message: "no inventory", LineItemID: 3,
					}
				}
			}
			return &forecast.Delivery{LineItemIDs: ids, Payload: []byte(`{"ok":true}`)}, nil
		},
	}

	w := New(store, client, testLogger(), time.Second, fastBackoff())
	req := domain.DeliveryRequest{LineItemIDs: batch, BatchID: 1}
	if err := w.Run(context.Background(), req, p); err != nil {
		t.Fatal(err)
	}

	for _, id := range []int64{1, 2, 4, 5} {
		job, err := store.GetJob(domain.JobKey{
			RunID: "run-1", ReportDate: "2026-08-31", LineItemID: id, Type: domain.ForecastDelivery,
		})
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != domain.StatusCompleted {
			t.Errorf("item %d: Status = %q, want %q", id, job.Status, domain.StatusCompleted)
		}
	}

	bad, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 3, Type: domain.ForecastDelivery,
	})
	if err != nil {
		t.Fatal(err)
	}
	if bad.Status != domain.StatusFailed {
		t.Errorf("item 3: Status = %q, want %q", bad.Status, domain.StatusFailed)
	}
	if bad.FailureReason != "no inventory" {
		t.Errorf("item 3: FailureReason = %q, want remote reason", bad.FailureReason)
	}
}

func TestWorker_TimeoutExhaustsBackoff(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	cfg := backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsed:      20 * time.Millisecond,
	}
	w := New(store, client, testLogger(), 10*time.Millisecond, cfg)
	if err := w.Run(context.Background(), domain.AvailabilityRequest{LineItemID: 101}, p); err != nil {
		t.Fatal(err)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusFailed {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusFailed)
	}
	if job.FailureReason != ReasonMaxWaitExceeded {
		t.Errorf("FailureReason = %q, want %q", job.FailureReason, ReasonMaxWaitExceeded)
	}
}

func TestWorker_CancellationLeavesJobsNonTerminal(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			return &forecast.Availability{LineItemID: id, Payload: []byte(`{}`)}, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(store, client, testLogger(), time.Second, fastBackoff())
	err := w.Run(ctx, domain.AvailabilityRequest{LineItemID: 101}, p)
	if err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status.Terminal() {
		t.Errorf("Status = %q, want non-terminal after cancellation", job.Status)
	}
}

func TestWorker_CancellationMidCallNotTreatedAsTimeout(t *testing.T) {
	store := newTestStore(t)
	p := testParams()
	seedJobs(t, store, p, domain.ForecastAvailability, 101)

	client := &fakeClient{
		availability: func(ctx context.Context, id int64) (*forecast.Availability, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	// Backoff already exhausted: a misclassified timeout would persist
	// FAILED "max wait time exceeded" instead of leaving the job RUNNING.
	cfg := backoff.Config{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsed:      time.Nanosecond,
	}
	w := New(store, client, testLogger(), time.Minute, cfg)
	err := w.Run(ctx, domain.AvailabilityRequest{LineItemID: 101}, p)
	if err != context.Canceled {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	job, err := store.GetJob(domain.JobKey{
		RunID: "run-1", ReportDate: "2026-08-31", LineItemID: 101, Type: domain.ForecastAvailability,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusRunning {
		t.Errorf("Status = %q, want %q for the cleanup pass to reconcile", job.Status, domain.StatusRunning)
	}
}
