// Package export writes the per-run result artifacts consumed by the
// downstream reporting exporter.
package export

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
)

// Paths holds the two result artifact locations for a run.
type Paths struct {
	Availability string
	Delivery     string
}

// Writer exports completed forecasts as JSONL files, one serialized
// response per COMPLETED job for the report date. The files cover the whole
// date, not a single run: a rerun that skipped already-forecast items still
// ships the earlier runs' responses.
type Writer struct {
	store  *jobstore.Store
	dir    string
	logger *slog.Logger
}

// NewWriter creates a writer targeting dir.
func NewWriter(store *jobstore.Store, dir string, logger *slog.Logger) *Writer {
	return &Writer{store: store, dir: dir, logger: logger}
}

// WriteRun writes both phase artifacts for a run, in parallel. Each file is
// written to a temp name and renamed into place so a partial failure of one
// phase never truncates the other.
func (w *Writer) WriteRun(ctx context.Context, runID, reportDate string) (Paths, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return Paths{}, fmt.Errorf("creating export dir: %w", err)
	}

	paths := Paths{
		Availability: filepath.Join(w.dir, fmt.Sprintf("availability-%s.jsonl", reportDate)),
		Delivery:     filepath.Join(w.dir, fmt.Sprintf("delivery-%s.jsonl", reportDate)),
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.writePhase(runID, reportDate, domain.ForecastAvailability, paths.Availability)
	})
	g.Go(func() error {
		return w.writePhase(runID, reportDate, domain.ForecastDelivery, paths.Delivery)
	})
	if err := g.Wait(); err != nil {
		return Paths{}, err
	}

	return paths, nil
}

func (w *Writer) writePhase(runID, reportDate string, ftype domain.ForecastType, path string) error {
	rows, err := w.store.CompletedResponses(reportDate, ftype)
	if err != nil {
		return fmt.Errorf("reading %s responses: %w", ftype, err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}

	bw := bufio.NewWriter(f)
	for _, r := range rows {
		if len(r.Response) == 0 {
			continue
		}
		if _, err := bw.Write(r.Response); err != nil {
			f.Close()
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}

	w.logger.Info("exported forecasts", "run_id", runID, "phase", ftype, "rows", len(rows), "file", path)
	return nil
}
