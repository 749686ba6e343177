package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/quoteflow/internal/bus"
	"github.com/basket/quoteflow/internal/config"
	"github.com/basket/quoteflow/internal/engine"
	otelPkg "github.com/basket/quoteflow/internal/otel"
	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/shared"
	"github.com/basket/quoteflow/internal/sweeper"
	"github.com/basket/quoteflow/internal/telemetry"
	"github.com/basket/quoteflow/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run workers and the recovery sweeper

SUBCOMMANDS:
  %s enqueue [options]        Submit a task (JSON envelope from -file or stdin)
                              Options: -file <path>, -max-retries <n>
  %s status <quote-id>        Show the state of every task for a quote
  %s events [options]         Query the transition audit log
                              Options: -task <id> | -quote <id> | -since <dur> [-limit <n>]
  %s sweep                    Run one recovery pass and exit
  %s counts                   Print queue-depth counts
  %s doctor [-json]           Run diagnostic checks
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  QUOTEFLOW_HOME                   Data directory (default: ~/.quoteflow)
  QUOTEFLOW_DB_PATH                SQLite database path
  QUOTEFLOW_LOG_LEVEL              debug, info, warn, error
  QUOTEFLOW_WORKER_COUNT           Worker pool size
  QUOTEFLOW_CLAIM_TIMEOUT_SECONDS  Stale-claim threshold
  QUOTEFLOW_MAX_RETRIES            Default retry budget

EXAMPLES:
  Run the daemon:         %s
  Enqueue from a file:    %s enqueue -file task.json
  Enqueue from stdin:     echo '{"quote_id":"Q-1001",...}' | %s enqueue
  Quote status:           %s status Q-1001
  Audit trail of a task:  %s events -task 4f1c...
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "enqueue":
			os.Exit(runEnqueueCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "events":
			os.Exit(runEventsCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "counts":
			os.Exit(runCountsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, stop)
}

func runDaemon(ctx context.Context, stop context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Mirror logs to stdout only when something is watching; a terminal
	// session gets the file-only quiet mode so the prompt stays usable.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd())

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"config_fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	eventBus := bus.New()
	eng := engine.New(store, eventBus, logger, metrics, otelProvider.Tracer, engine.Tuning{
		ClaimTimeout:      cfg.ClaimTimeout(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Policy:            cfg.RetryPolicy(),
	})

	// Startup recovery pass: reclaim anything a dead process left RUNNING.
	startupCtx := shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	report, err := eng.RecoverStale(startupCtx, time.Now().UTC())
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"scanned", report.Scanned, "requeued", report.Requeued,
		"terminal", report.Terminal, "requeued_eligible", report.RequeuedEligible)

	swp, err := sweeper.New(sweeper.Config{
		Engine:   eng,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.SweepInterval(),
		CronExpr: cfg.Sweep.Cron,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	swp.Start(ctx)
	defer swp.Stop()

	registry := worker.NewRegistry()
	for kind, op := range cfg.Operations {
		timeout := time.Duration(op.TimeoutSeconds) * time.Second
		registry.Register(kind, worker.NewWebhookExecutor(op.WebhookURL, timeout))
		logger.Info("operation registered", "operation_kind", kind, "webhook_url", op.WebhookURL)
	}
	if len(cfg.Operations) == 0 {
		logger.Warn("no operations configured; claimed tasks will fail as unroutable")
	}

	pool := worker.New(worker.Config{
		Engine:       eng,
		Registry:     registry,
		Logger:       logger,
		WorkerCount:  cfg.WorkerCount,
		PollInterval: cfg.PollInterval(),
		TaskTimeout:  cfg.TaskTimeout(),
	})
	pool.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "worker_count", cfg.WorkerCount)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; tunables need a restart", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				applyReload(eng, logger)
			}
		}()
	}

	// Transition events at debug level for operators tailing the log.
	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)
	go func() {
		for ev := range sub.Ch() {
			if tev, ok := ev.Payload.(bus.TaskTransitionEvent); ok {
				logger.Debug("task transition", "topic", ev.Topic,
					"task_id", tev.TaskID, "quote_id", tev.QuoteID,
					"from_state", tev.FromState, "to_state", tev.ToState)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop claiming, let in-flight attempts settle, then close the store.
	stop()
	pool.Drain(cfg.DrainTimeout())
	logger.Info("shutdown complete", "active_tasks", pool.ActiveTasks())
}

// applyReload re-reads config.yaml and swaps the engine tunables. Worker and
// sweeper topology changes still need a restart.
func applyReload(eng *engine.Engine, logger *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config reload rejected", "error", err)
		return
	}
	eng.UpdateTuning(engine.Tuning{
		ClaimTimeout:      cfg.ClaimTimeout(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Policy:            cfg.RetryPolicy(),
	})
	logger.Info("config reloaded", "config_fingerprint", cfg.Fingerprint())
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"engine","correlation_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
