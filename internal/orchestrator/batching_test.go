package orchestrator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
)

func newBatchingOrchestrator(t *testing.T, batchSize int) (*Orchestrator, *jobstore.Store) {
	t.Helper()
	store, err := jobstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(Config{ContendingLineItemBatchSize: batchSize}, store, nil, nil, nil, nil, logger)
	return o, store
}

func saveGroups(t *testing.T, store *jobstore.Store, savedAt time.Time, groups map[int64][]int64) {
	t.Helper()
	for id, contenders := range groups {
		err := store.SaveGroup(&domain.ContendingGroup{
			RunID:         "run-1",
			ReportDate:    "2026-08-31",
			LineItemID:    id,
			ContendingIDs: contenders,
			SavedAt:       savedAt,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildDeliveryBatches_PlainBatchesOfK(t *testing.T) {
	o, store := newBatchingOrchestrator(t, 3)

	now := time.Now()
	saveGroups(t, store, now, map[int64][]int64{
		1: nil, 2: nil, 3: nil, 4: nil, 5: nil, 6: nil, 7: nil,
	})

	batches, err := o.buildDeliveryBatches("run-1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}

	sizes := make([]int, len(batches))
	total := 0
	for i, b := range batches {
		sizes[i] = len(b.LineItemIDs)
		total += len(b.LineItemIDs)
	}

	if len(batches) != 3 {
		t.Fatalf("batches = %d (%v), want 3", len(batches), sizes)
	}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("sizes = %v, want [3 3 1]", sizes)
	}
	if total != 7 {
		t.Errorf("total members = %d, want 7", total)
	}

	// Batch ids are monotonic starting from 1.
	for i, b := range batches {
		if b.BatchID != int64(i+1) {
			t.Errorf("batch %d id = %d, want %d", i, b.BatchID, i+1)
		}
	}
}

func TestBuildDeliveryBatches_ContendersGroupedWithHead(t *testing.T) {
	o, store := newBatchingOrchestrator(t, 3)

	now := time.Now()
	saveGroups(t, store, now, map[int64][]int64{
		1: {2, 3, 4, 5, 6}, // richest group scans first
		2: nil, 3: nil, 4: nil, 5: nil, 6: nil,
	})

	batches, err := o.buildDeliveryBatches("run-1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) == 0 {
		t.Fatal("no batches built")
	}

	first := batches[0].LineItemIDs
	if first[0] != 1 {
		t.Errorf("first batch head = %d, want 1", first[0])
	}
	// Head plus up to batch-size contenders.
	if len(first) != 4 {
		t.Errorf("first batch size = %d (%v), want 4", len(first), first)
	}

	// Every item lands in exactly one batch.
	seen := make(map[int64]int)
	for _, b := range batches {
		for _, id := range b.LineItemIDs {
			seen[id]++
		}
	}
	for id := int64(1); id <= 6; id++ {
		if seen[id] != 1 {
			t.Errorf("item %d batched %d times, want exactly once", id, seen[id])
		}
	}
}

func TestBuildDeliveryBatches_Idempotent(t *testing.T) {
	o, store := newBatchingOrchestrator(t, 3)

	saveGroups(t, store, time.Now(), map[int64][]int64{1: nil, 2: nil})

	first, err := o.buildDeliveryBatches("run-1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first pass batches = %d, want 1", len(first))
	}

	// A second pass over the fully batched snapshot produces nothing new.
	second, err := o.buildDeliveryBatches("run-1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Errorf("second pass batches = %d, want 0", len(second))
	}
}

func TestBuildDeliveryBatches_IDsSeededFromMax(t *testing.T) {
	o, store := newBatchingOrchestrator(t, 3)

	// A previous batching pass already assigned id 5.
	if err := store.AssignBatch("run-0", "2026-08-31", []int64{99}, 5); err != nil {
		t.Fatal(err)
	}
	saveGroups(t, store, time.Now(), map[int64][]int64{1: nil})

	batches, err := o.buildDeliveryBatches("run-1", "2026-08-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].BatchID != 6 {
		t.Errorf("BatchID = %d, want 6", batches[0].BatchID)
	}
}
