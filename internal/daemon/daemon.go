// Package daemon runs the forecaster on a schedule: a cron expression fires
// the daily run, and an inbox watcher triggers a run when a fresh
// eligible-line-items file is dropped in.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RunFunc executes one forecast run for a report date using the given
// eligible-items file.
type RunFunc func(ctx context.Context, reportDate, itemsPath string) error

// Config holds daemon settings.
type Config struct {
	Cron     string
	InboxDir string
	// DefaultItemsPath is used for cron-triggered runs.
	DefaultItemsPath string
}

// Daemon evaluates the cron schedule once per minute and watches the inbox
// for dropped eligibility files. At most one run is in flight at a time.
type Daemon struct {
	cfg    Config
	run    RunFunc
	logger *slog.Logger
	parser cron.Parser

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// New creates a daemon. The cron expression is validated up front.
func New(cfg Config, run RunFunc, logger *slog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:    cfg,
		run:    run,
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
	if _, err := d.parser.Parse(cfg.Cron); err != nil {
		return nil, err
	}
	return d, nil
}

// NextRun returns the next scheduled run time.
func (d *Daemon) NextRun() time.Time {
	sched, err := d.parser.Parse(d.cfg.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// ShouldRun reports whether the schedule has fired since the last run and
// no run is currently in flight.
func (d *Daemon) ShouldRun(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return false
	}

	sched, err := d.parser.Parse(d.cfg.Cron)
	if err != nil {
		return false
	}

	lastRun := d.lastRun
	if lastRun.IsZero() {
		lastRun = now.Add(-24 * time.Hour)
	}

	return now.After(sched.Next(lastRun))
}

// Start runs the scheduler loop and the inbox watcher until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	watcher, err := newInboxWatcher(d.cfg.InboxDir, d.logger, func(path string) {
		d.trigger(ctx, path)
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()
	watcher.Start(ctx)

	d.logger.Info("daemon started", "cron", d.cfg.Cron, "inbox", d.cfg.InboxDir, "next_run", d.NextRun())

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if d.ShouldRun(now) {
				d.trigger(ctx, d.cfg.DefaultItemsPath)
			}
		}
	}
}

// trigger starts a run in the background unless one is already in flight.
func (d *Daemon) trigger(ctx context.Context, itemsPath string) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn("run already in flight, skipping trigger", "items", itemsPath)
		return
	}
	d.running = true
	d.mu.Unlock()

	reportDate := time.Now().Format("2006-01-02")
	d.logger.Info("triggering forecast run", "report_date", reportDate, "items", itemsPath)

	go func() {
		defer func() {
			d.mu.Lock()
			d.running = false
			d.lastRun = time.Now()
			d.mu.Unlock()
		}()

		if err := d.run(ctx, reportDate, itemsPath); err != nil && ctx.Err() == nil {
			d.logger.Error("forecast run failed", "report_date", reportDate, "error", err)
		}
	}()
}
