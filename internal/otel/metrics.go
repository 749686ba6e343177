package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all QuoteFlow metrics instruments.
type Metrics struct {
	TasksEnqueued        metric.Int64Counter
	TasksDeduplicated    metric.Int64Counter
	IdempotencyConflicts metric.Int64Counter
	ClaimsGranted        metric.Int64Counter
	ClaimConflicts       metric.Int64Counter
	TaskDuration         metric.Float64Histogram
	RetriesScheduled     metric.Int64Counter
	TerminalFailures     metric.Int64Counter
	StaleReclaims        metric.Int64Counter
	SweepDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("quoteflow.tasks.enqueued",
		metric.WithDescription("Tasks accepted by enqueue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeduplicated, err = meter.Int64Counter("quoteflow.tasks.deduplicated",
		metric.WithDescription("Enqueue calls absorbed by the idempotency ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotencyConflicts, err = meter.Int64Counter("quoteflow.idempotency.conflicts",
		metric.WithDescription("Enqueue calls rejected for operation key reuse"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsGranted, err = meter.Int64Counter("quoteflow.claims.granted",
		metric.WithDescription("Exclusive claims granted to workers"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("quoteflow.claims.conflicts",
		metric.WithDescription("Claim attempts lost to a concurrent claimant"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("quoteflow.task.duration",
		metric.WithDescription("Claim-to-settlement duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("quoteflow.retries.scheduled",
		metric.WithDescription("Failures that scheduled a retry"),
	)
	if err != nil {
		return nil, err
	}

	m.TerminalFailures, err = meter.Int64Counter("quoteflow.failures.terminal",
		metric.WithDescription("Tasks moved to FAILED_TERMINAL"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleReclaims, err = meter.Int64Counter("quoteflow.claims.reclaimed",
		metric.WithDescription("Stale claims reclaimed by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("quoteflow.sweep.duration",
		metric.WithDescription("Recovery sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
