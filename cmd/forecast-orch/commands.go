package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sudhira1404/forecast-orchestrator/internal/backoff"
	"github.com/sudhira1404/forecast-orchestrator/internal/config"
	"github.com/sudhira1404/forecast-orchestrator/internal/daemon"
	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/export"
	"github.com/sudhira1404/forecast-orchestrator/internal/forecast"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
	"github.com/sudhira1404/forecast-orchestrator/internal/lineitems"
	"github.com/sudhira1404/forecast-orchestrator/internal/notify"
	"github.com/sudhira1404/forecast-orchestrator/internal/orchestrator"
	"github.com/sudhira1404/forecast-orchestrator/internal/scheduler"
	"github.com/sudhira1404/forecast-orchestrator/internal/worker"
	"github.com/sudhira1404/forecast-orchestrator/internal/workerpool"
	"github.com/sudhira1404/forecast-orchestrator/web/api"
)

var (
	runDate   string
	runItems  string
	statusRun string
	purgeDate string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one forecast run",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runDate, "date", "", "report date (YYYY-MM-DD, default today)")
	runCmd.Flags().StringVar(&runItems, "items", "", "eligible line items file (default from config)")
	rootCmd.AddCommand(runCmd)

	// daemon command
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run on the cron schedule and watch the inbox",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(daemonCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts for a run",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&statusRun, "run", "", "run id")
	statusCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(statusCmd)

	// purge command
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs and groups older than a report date",
		RunE:  runPurge,
	}
	purgeCmd.Flags().StringVar(&purgeDate, "before", "", "report date (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(purgeCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// app bundles everything the run and daemon commands need.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *jobstore.Store
	sched  *scheduler.Scheduler
	close  func() error
}

func buildApp(cfg *config.Config) (*app, error) {
	if cfg.Forecast.Endpoint == "" {
		return nil, fmt.Errorf("forecast.endpoint is not configured")
	}

	logger, cleanup := config.SetupLogger(cfg.Logging.File, config.ParseLevel(cfg.Logging.Level))

	store, err := jobstore.New(cfg.Store.Path)
	if err != nil {
		cleanup()
		return nil, err
	}

	client := forecast.NewHTTPClient(cfg.Forecast.Endpoint, cfg.Forecast.APIKey)
	pool := workerpool.New(cfg.Pool.CoreSize, cfg.Pool.MaxSize, cfg.Pool.QueueCapacity)

	w := worker.New(store, client, logger, cfg.Forecast.RequestTimeout(),
		backoff.FromSeconds(cfg.Backoff.Request.InitialIntervalSeconds,
			cfg.Backoff.Request.MaxIntervalSeconds,
			cfg.Backoff.Request.TotalTimeToWaitMinutes))

	sched := scheduler.New(store, pool, w, logger,
		backoff.FromSeconds(cfg.Backoff.Submission.InitialIntervalSeconds,
			cfg.Backoff.Submission.MaxIntervalSeconds,
			cfg.Backoff.Submission.TotalTimeToWaitMinutes),
		backoff.FromSeconds(cfg.Backoff.Polling.InitialIntervalSeconds,
			cfg.Backoff.Polling.MaxIntervalSeconds,
			cfg.Backoff.Polling.TotalTimeToWaitMinutes))

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		sched:  sched,
		close: func() error {
			pool.Close()
			storeErr := store.Close()
			cleanup()
			return storeErr
		},
	}, nil
}

// orchestratorFor builds an orchestrator reading eligible items from the
// given file.
func (a *app) orchestratorFor(itemsPath string) *orchestrator.Orchestrator {
	var notifier notify.Notifier
	if a.cfg.Notifications.SlackWebhook != "" {
		notifier = notify.NewSlackNotifier(a.cfg.Notifications.SlackWebhook)
	}

	exporter := export.NewWriter(a.store, a.cfg.Export.Dir, a.logger)

	return orchestrator.New(orchestrator.Config{
		ContendingLineItemBatchSize: a.cfg.Forecast.ContendingLineItemBatchSize,
		SampleEnabled:               a.cfg.Sample.Enabled,
		SampleSize:                  a.cfg.Sample.Size,
	}, a.store, a.sched, lineitems.NewFileProvider(itemsPath), exporter, notifier, a.logger)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	date := runDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", date)
	}

	items := runItems
	if items == "" {
		items = cfg.LineItems.Path
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := app.orchestratorFor(items).Run(ctx, date)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s completed for %s\n", result.RunID, result.ReportDate)
	printCounts(os.Stdout, result.Availability, result.Delivery)
	if result.Artifacts.Availability != "" {
		fmt.Printf("Artifacts: %s, %s\n", result.Artifacts.Availability, result.Artifacts.Delivery)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Status server with a live progress stream over the websocket
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(app.store, addr)
	app.sched.SetProgressFunc(func(runID string, ftype domain.ForecastType, c jobstore.Counts) {
		server.Publish(api.Event{
			RunID:       runID,
			Phase:       string(ftype),
			Initialized: c.Initialized,
			Running:     c.Running,
			Completed:   c.Completed,
			Failed:      c.Failed,
			Time:        time.Now(),
		})
	})
	go func() {
		if err := server.Start(ctx); err != nil {
			app.logger.Error("status server error", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.Daemon.InboxDir, 0755); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Config{
		Cron:             cfg.Daemon.Cron,
		InboxDir:         cfg.Daemon.InboxDir,
		DefaultItemsPath: cfg.LineItems.Path,
	}, func(ctx context.Context, reportDate, itemsPath string) error {
		_, err := app.orchestratorFor(itemsPath).Run(ctx, reportDate)
		return err
	}, app.logger)
	if err != nil {
		return err
	}

	fmt.Printf("Daemon started, status at http://%s\n", addr)
	err = d.Start(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := jobstore.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	avail, err := store.StatusCounts(statusRun, domain.ForecastAvailability)
	if err != nil {
		return err
	}
	del, err := store.StatusCounts(statusRun, domain.ForecastDelivery)
	if err != nil {
		return err
	}

	printCounts(os.Stdout, avail, del)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	date := purgeDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid --before %q: expected YYYY-MM-DD", date)
	}

	store, err := jobstore.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeBefore(date)
	if err != nil {
		return err
	}

	fmt.Printf("Purged %d jobs older than %s\n", n, date)
	return nil
}

func printCounts(w *os.File, avail, del jobstore.Counts) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tINITIALIZED\tRUNNING\tCOMPLETED\tFAILED")
	fmt.Fprintf(tw, "availability\t%d\t%d\t%d\t%d\n", avail.Initialized, avail.Running, avail.Completed, avail.Failed)
	fmt.Fprintf(tw, "delivery\t%d\t%d\t%d\t%d\n", del.Initialized, del.Running, del.Completed, del.Failed)
	tw.Flush()
}
