// Package sweeper runs the recovery loop: on a fixed cadence it reclaims
// stale claims and requeues retries whose backoff has elapsed. The sweeper
// holds no state of its own; every decision is made inside the store, so any
// number of sweepers may run concurrently.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/quoteflow/internal/engine"
	"github.com/basket/quoteflow/internal/otel"
	"github.com/basket/quoteflow/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Engine  *engine.Engine
	Logger  *slog.Logger
	Metrics *otel.Metrics
	// Interval is the tick cadence; defaults to 30 seconds if zero.
	Interval time.Duration
	// CronExpr, when set, overrides Interval with a 5-field cron schedule.
	CronExpr string
}

// Sweeper periodically drives the engine's stale-claim recovery.
type Sweeper struct {
	engine   *engine.Engine
	logger   *slog.Logger
	metrics  *otel.Metrics
	interval time.Duration
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper with the given config. A malformed cron expression
// is an error: silently falling back to the interval would hide a sweep
// cadence the operator thinks is in effect.
func New(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var schedule cronlib.Schedule
	if cfg.CronExpr != "" {
		parsed, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, err
		}
		schedule = parsed
	}
	return &Sweeper{
		engine:   cfg.Engine,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop in a background goroutine. The first sweep
// runs immediately: a restarting process must reclaim claims orphaned by
// its previous life before workers pick up new work.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	if s.schedule != nil {
		s.logger.Info("sweeper started", "cadence", "cron")
	} else {
		s.logger.Info("sweeper started", "interval", s.interval.String())
	}
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	s.Sweep(ctx)

	if s.schedule != nil {
		for {
			next := s.schedule.Next(time.Now())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				s.Sweep(ctx)
			}
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass. Exported so startup and the CLI can force a
// sweep outside the loop cadence.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())
	start := time.Now()
	report, err := s.engine.RecoverStale(ctx, start)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if s.metrics != nil && s.metrics.SweepDuration != nil {
		s.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	if report.Scanned > 0 || report.RequeuedEligible > 0 {
		s.logger.Info("sweep finished",
			"scanned", report.Scanned,
			"requeued", report.Requeued,
			"terminal", report.Terminal,
			"requeued_eligible", report.RequeuedEligible,
			"duration", time.Since(start).String(),
		)
	}
}
