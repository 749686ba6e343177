// Package engine is the public surface of the execution engine: enqueue,
// claim, complete, fail, and stale-claim recovery over the persistent store.
// Every accepted call commits its state change and audit event atomically;
// the engine layer adds validation, event publication, logging, and metrics.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/quoteflow/internal/bus"
	"github.com/basket/quoteflow/internal/otel"
	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/retry"
	"github.com/basket/quoteflow/internal/shared"
)

// Tuning holds the hot-reloadable engine parameters. Snapshots are swapped
// atomically so in-flight operations always see a consistent set.
type Tuning struct {
	// ClaimTimeout is how long a RUNNING claim may go without settling
	// before the sweeper presumes the worker dead.
	ClaimTimeout time.Duration
	// DefaultMaxRetries applies to enqueues that do not set their own budget.
	DefaultMaxRetries int
	// Policy drives backoff and retry decisions.
	Policy retry.Policy
}

// DefaultTuning returns the stock parameters.
func DefaultTuning() Tuning {
	return Tuning{
		ClaimTimeout:      10 * time.Minute,
		DefaultMaxRetries: 3,
		Policy:            retry.Default(),
	}
}

// Engine coordinates task lifecycle operations against the store.
type Engine struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	tuning atomic.Pointer[Tuning]
}

// New wires an engine. bus, logger, metrics, and tracer may be nil; absent
// collaborators are skipped rather than stubbed.
func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer, tuning Tuning) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if tuning.ClaimTimeout <= 0 {
		tuning.ClaimTimeout = DefaultTuning().ClaimTimeout
	}
	if tuning.DefaultMaxRetries <= 0 {
		tuning.DefaultMaxRetries = DefaultTuning().DefaultMaxRetries
	}
	if tuning.Policy.BaseDelay <= 0 {
		tuning.Policy = retry.Default()
	}
	e := &Engine{
		store:   store,
		bus:     b,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
	e.tuning.Store(&tuning)
	return e
}

// Tuning returns the current parameter snapshot.
func (e *Engine) Tuning() Tuning {
	return *e.tuning.Load()
}

// UpdateTuning swaps in new parameters. Called by the config watcher on
// reload; only claim timeout, retry budget, and backoff change at runtime.
func (e *Engine) UpdateTuning(t Tuning) {
	cur := e.Tuning()
	if t.ClaimTimeout <= 0 {
		t.ClaimTimeout = cur.ClaimTimeout
	}
	if t.DefaultMaxRetries <= 0 {
		t.DefaultMaxRetries = cur.DefaultMaxRetries
	}
	if t.Policy.BaseDelay <= 0 {
		t.Policy = cur.Policy
	}
	e.tuning.Store(&t)
	e.logger.Info("engine tuning updated",
		"claim_timeout", t.ClaimTimeout.String(),
		"default_max_retries", t.DefaultMaxRetries,
		"retry_base_delay", t.Policy.BaseDelay.String(),
	)
}

// Store exposes the underlying store for read-only surfaces (status, audit).
func (e *Engine) Store() *persistence.Store {
	return e.store
}

// EnqueueRequest is one caller-submitted action.
type EnqueueRequest struct {
	QuoteID       string          `json:"quote_id"`
	OperationKind string          `json:"operation_kind"`
	OperationKey  string          `json:"operation_key"`
	Payload       json.RawMessage `json:"payload"`
	// MaxRetries overrides the configured default when positive.
	MaxRetries int `json:"max_retries,omitempty"`
}

// EnqueueResponse reports how the engine absorbed the request.
type EnqueueResponse struct {
	TaskID string `json:"task_id"`
	// Deduplicated is true when the key was already known and no new task
	// was created.
	Deduplicated bool `json:"deduplicated"`
	// AlreadyCompleted is true when the prior task finished; the fingerprint
	// is the recorded proof of that outcome and the side effect must not run
	// again.
	AlreadyCompleted  bool   `json:"already_completed"`
	ResultFingerprint string `json:"result_fingerprint,omitempty"`
}

// TaskHash binds an operation key to the action's content. Re-submitting the
// same logical action yields the same hash; any change to quote, kind, or
// payload makes key reuse detectable.
func TaskHash(quoteID, operationKind string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(quoteID))
	h.Write([]byte{0})
	h.Write([]byte(operationKind))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue registers a new side-effecting action, or returns the prior outcome
// when the operation key has been seen before.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResponse, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.enqueue",
		otel.AttrQuoteID.String(req.QuoteID),
		otel.AttrOperationKind.String(req.OperationKind),
	)
	defer span.End()

	if err := validateEnqueue(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return EnqueueResponse{}, err
	}
	tuning := e.Tuning()
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = tuning.DefaultMaxRetries
	}

	out, err := e.store.EnqueueTask(ctx, persistence.EnqueueParams{
		TaskID:        uuid.NewString(),
		QuoteID:       req.QuoteID,
		OperationKind: req.OperationKind,
		OperationKey:  req.OperationKey,
		TaskHash:      TaskHash(req.QuoteID, req.OperationKind, req.Payload),
		Payload:       string(req.Payload),
		MaxRetries:    maxRetries,
		Now:           time.Now(),
		ActorID:       shared.ActorID(ctx),
		CorrelationID: shared.CorrelationID(ctx),
	})
	if errors.Is(err, persistence.ErrIdempotencyConflict) {
		span.SetStatus(codes.Error, "idempotency conflict")
		e.count(ctx, e.m().IdempotencyConflicts)
		e.logger.Warn("enqueue rejected: operation key reuse",
			"quote_id", req.QuoteID,
			"operation_key", req.OperationKey,
			"correlation_id", shared.CorrelationID(ctx),
		)
		return EnqueueResponse{}, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return EnqueueResponse{}, &StoreError{Op: "enqueue", Err: err}
	}
	span.SetAttributes(otel.AttrTaskID.String(out.TaskID))

	if out.Created {
		e.count(ctx, e.m().TasksEnqueued)
		e.publish(bus.TopicTaskEnqueued, bus.TaskTransitionEvent{
			TaskID:  out.TaskID,
			QuoteID: req.QuoteID,
			ToState: string(persistence.TaskStateQueued),
		})
		e.logger.Info("task enqueued",
			"task_id", out.TaskID,
			"quote_id", req.QuoteID,
			"operation_kind", req.OperationKind,
			"correlation_id", shared.CorrelationID(ctx),
		)
	} else {
		e.count(ctx, e.m().TasksDeduplicated)
		e.logger.Info("enqueue deduplicated",
			"task_id", out.TaskID,
			"quote_id", req.QuoteID,
			"already_completed", out.AlreadyCompleted,
			"correlation_id", shared.CorrelationID(ctx),
		)
	}
	return EnqueueResponse{
		TaskID:            out.TaskID,
		Deduplicated:      !out.Created,
		AlreadyCompleted:  out.AlreadyCompleted,
		ResultFingerprint: out.ResultFingerprint,
	}, nil
}

// Claim grants workerID the oldest eligible task, or nil when the queue has
// nothing claimable right now.
func (e *Engine) Claim(ctx context.Context, workerID string) (*persistence.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id is required", ErrInvalidRequest)
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.claim",
		otel.AttrWorkerID.String(workerID),
	)
	defer span.End()

	task, err := e.store.ClaimNextTask(ctx, workerID, time.Now(), workerID, shared.CorrelationID(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return nil, &StoreError{Op: "claim", Err: err}
	}
	if task == nil {
		return nil, nil
	}
	span.SetAttributes(
		otel.AttrTaskID.String(task.ID),
		otel.AttrQuoteID.String(task.QuoteID),
		otel.AttrRetryCount.Int(task.RetryCount),
	)
	e.count(ctx, e.m().ClaimsGranted)
	e.publish(bus.TopicTaskClaimed, bus.TaskTransitionEvent{
		TaskID:    task.ID,
		QuoteID:   task.QuoteID,
		FromState: string(persistence.TaskStateQueued),
		ToState:   string(persistence.TaskStateRunning),
	})
	e.logger.Debug("task claimed",
		"task_id", task.ID,
		"worker_id", workerID,
		"retry_count", task.RetryCount,
		"correlation_id", shared.CorrelationID(ctx),
	)
	return task, nil
}

// ClaimByID attempts a claim of a specific task at a version the caller has
// observed. Exactly one of several racing claimants wins.
func (e *Engine) ClaimByID(ctx context.Context, taskID, workerID string, expectedVersion int64) (*persistence.Task, persistence.ClaimOutcome, error) {
	if workerID == "" {
		return nil, "", fmt.Errorf("%w: worker id is required", ErrInvalidRequest)
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.claim",
		otel.AttrTaskID.String(taskID),
		otel.AttrWorkerID.String(workerID),
	)
	defer span.End()

	task, outcome, err := e.store.ClaimTask(ctx, taskID, workerID, expectedVersion, time.Now(), workerID, shared.CorrelationID(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return nil, "", &StoreError{Op: "claim", Err: err}
	}
	switch outcome {
	case persistence.ClaimOutcomeGranted:
		e.count(ctx, e.m().ClaimsGranted)
		e.publish(bus.TopicTaskClaimed, bus.TaskTransitionEvent{
			TaskID:    task.ID,
			QuoteID:   task.QuoteID,
			FromState: string(persistence.TaskStateQueued),
			ToState:   string(persistence.TaskStateRunning),
		})
	case persistence.ClaimOutcomeAlreadyClaimed:
		e.count(ctx, e.m().ClaimConflicts)
	}
	return task, outcome, nil
}

// Complete records the side effect's success with its result fingerprint.
func (e *Engine) Complete(ctx context.Context, taskID, workerID, fingerprint string) (persistence.CompleteResult, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.complete",
		otel.AttrTaskID.String(taskID),
		otel.AttrWorkerID.String(workerID),
	)
	defer span.End()

	res, err := e.store.CompleteTask(ctx, taskID, workerID, fingerprint, time.Now(), workerID, shared.CorrelationID(ctx))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return persistence.CompleteResult{}, &StoreError{Op: "complete", Err: err}
	}
	span.SetAttributes(otel.AttrOutcome.String(string(res.Outcome)))
	if res.Outcome == persistence.CompleteOutcomeApplied {
		e.observeTaskDuration(ctx, res.Task)
		e.publish(bus.TopicTaskCompleted, bus.TaskTransitionEvent{
			TaskID:    taskID,
			QuoteID:   res.Task.QuoteID,
			FromState: string(persistence.TaskStateRunning),
			ToState:   string(persistence.TaskStateCompleted),
		})
		e.logger.Info("task completed",
			"task_id", taskID,
			"worker_id", workerID,
			"correlation_id", shared.CorrelationID(ctx),
		)
	}
	return res, nil
}

// Fail records a failed attempt; the retry policy decides whether the task
// gets another run. The error class is derived from cause unless the caller
// classified it already.
func (e *Engine) Fail(ctx context.Context, taskID, workerID string, cause error, class retry.ErrorClass) (persistence.FailResult, error) {
	if class == "" {
		class = retry.Classify(cause)
	}
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.fail",
		otel.AttrTaskID.String(taskID),
		otel.AttrWorkerID.String(workerID),
		otel.AttrErrorClass.String(string(class)),
	)
	defer span.End()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := e.store.FailTask(ctx, persistence.FailParams{
		TaskID:        taskID,
		WorkerID:      workerID,
		Error:         msg,
		Class:         class,
		Policy:        e.Tuning().Policy,
		Now:           time.Now(),
		ActorID:       workerID,
		CorrelationID: shared.CorrelationID(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return persistence.FailResult{}, &StoreError{Op: "fail", Err: err}
	}
	span.SetAttributes(otel.AttrOutcome.String(string(res.Outcome)))
	switch res.Outcome {
	case persistence.FailOutcomeRetryScheduled:
		e.count(ctx, e.m().RetriesScheduled)
		e.publish(bus.TopicTaskRetrying, bus.TaskTransitionEvent{
			TaskID:     taskID,
			QuoteID:    res.Task.QuoteID,
			FromState:  string(persistence.TaskStateRunning),
			ToState:    string(persistence.TaskStateRetryableFailed),
			RetryCount: res.Task.RetryCount,
			ErrorClass: string(class),
		})
		e.logger.Warn("task failed, retry scheduled",
			"task_id", taskID,
			"error_class", string(class),
			"retry_count", res.Task.RetryCount,
			"available_at", res.AvailableAt.Format(time.RFC3339),
			"correlation_id", shared.CorrelationID(ctx),
		)
	case persistence.FailOutcomeTerminal:
		e.observeTaskDuration(ctx, res.Task)
		e.count(ctx, e.m().TerminalFailures)
		e.publish(bus.TopicTaskFailed, bus.TaskTransitionEvent{
			TaskID:     taskID,
			QuoteID:    res.Task.QuoteID,
			FromState:  string(persistence.TaskStateRunning),
			ToState:    string(persistence.TaskStateFailedTerminal),
			RetryCount: res.Task.RetryCount,
			ErrorClass: string(class),
		})
		e.logger.Error("task failed terminally",
			"task_id", taskID,
			"error_class", string(class),
			"retry_count", res.Task.RetryCount,
			"correlation_id", shared.CorrelationID(ctx),
		)
	}
	return res, nil
}

// RecoveryReport summarizes one stale-claim sweep.
type RecoveryReport struct {
	Scanned          int      `json:"scanned"`
	Requeued         int      `json:"requeued"`
	Terminal         int      `json:"terminal"`
	RequeuedEligible int64    `json:"requeued_eligible"`
	ReclaimedTaskIDs []string `json:"reclaimed_task_ids,omitempty"`
}

// RecoverStale reclaims RUNNING tasks whose claim has outlived the configured
// timeout, treating each as a failed attempt (the reclaim consumes a retry),
// then moves any retry whose backoff elapsed back to QUEUED.
func (e *Engine) RecoverStale(ctx context.Context, now time.Time) (RecoveryReport, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.recover_stale")
	defer span.End()

	tuning := e.Tuning()
	cutoff := now.Add(-tuning.ClaimTimeout)
	correlation := shared.CorrelationID(ctx)

	stale, err := e.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return RecoveryReport{}, &StoreError{Op: "recover_stale", Err: err}
	}

	report := RecoveryReport{Scanned: len(stale)}
	for _, task := range stale {
		res, err := e.store.FailTask(ctx, persistence.FailParams{
			TaskID:        task.ID,
			Error:         fmt.Sprintf("claim by %s expired after %s", task.ClaimedBy, tuning.ClaimTimeout),
			Class:         retry.ErrorClassStaleClaim,
			Policy:        tuning.Policy,
			Reason:        persistence.ReasonStaleClaim,
			Now:           now,
			ActorID:       "sweeper",
			CorrelationID: correlation,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store failure")
			return report, &StoreError{Op: "recover_stale", Err: err}
		}
		switch res.Outcome {
		case persistence.FailOutcomeRetryScheduled:
			report.Requeued++
			report.ReclaimedTaskIDs = append(report.ReclaimedTaskIDs, task.ID)
			e.count(ctx, e.m().StaleReclaims)
			e.publish(bus.TopicTaskReclaimed, bus.TaskTransitionEvent{
				TaskID:     task.ID,
				QuoteID:    task.QuoteID,
				FromState:  string(persistence.TaskStateRunning),
				ToState:    string(persistence.TaskStateRetryableFailed),
				RetryCount: res.Task.RetryCount,
				ErrorClass: string(retry.ErrorClassStaleClaim),
			})
			e.logger.Warn("stale claim reclaimed",
				"task_id", task.ID,
				"claimed_by", task.ClaimedBy,
				"retry_count", res.Task.RetryCount,
				"correlation_id", correlation,
			)
		case persistence.FailOutcomeTerminal:
			report.Terminal++
			report.ReclaimedTaskIDs = append(report.ReclaimedTaskIDs, task.ID)
			e.count(ctx, e.m().StaleReclaims)
			e.count(ctx, e.m().TerminalFailures)
			e.publish(bus.TopicTaskFailed, bus.TaskTransitionEvent{
				TaskID:     task.ID,
				QuoteID:    task.QuoteID,
				FromState:  string(persistence.TaskStateRunning),
				ToState:    string(persistence.TaskStateFailedTerminal),
				RetryCount: res.Task.RetryCount,
				ErrorClass: string(retry.ErrorClassStaleClaim),
			})
			e.logger.Error("stale claim exhausted retry budget",
				"task_id", task.ID,
				"claimed_by", task.ClaimedBy,
				"correlation_id", correlation,
			)
		}
	}

	requeued, err := e.store.RequeueEligibleRetries(ctx, now, "sweeper", correlation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return report, &StoreError{Op: "recover_stale", Err: err}
	}
	report.RequeuedEligible = requeued
	return report, nil
}

// QuoteStatus returns the per-quote status projection.
func (e *Engine) QuoteStatus(ctx context.Context, quoteID string) ([]persistence.TaskStatusView, error) {
	if quoteID == "" {
		return nil, fmt.Errorf("%w: quote id is required", ErrInvalidRequest)
	}
	views, err := e.store.ProjectQuoteStatus(ctx, quoteID)
	if err != nil {
		return nil, &StoreError{Op: "status", Err: err}
	}
	return views, nil
}

// Metrics returns the operational counts snapshot.
func (e *Engine) MetricsCounts(ctx context.Context, now time.Time) (persistence.MetricsCounts, error) {
	counts, err := e.store.CountMetrics(ctx, now.Add(-e.Tuning().ClaimTimeout))
	if err != nil {
		return persistence.MetricsCounts{}, &StoreError{Op: "metrics", Err: err}
	}
	return counts, nil
}

func (e *Engine) publish(topic string, ev bus.TaskTransitionEvent) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}

// m returns the metrics set, or an all-nil placeholder when metrics are off.
func (e *Engine) m() *otel.Metrics {
	if e.metrics == nil {
		return &otel.Metrics{}
	}
	return e.metrics
}

func (e *Engine) count(ctx context.Context, counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(ctx, 1)
	}
}

func (e *Engine) observeTaskDuration(ctx context.Context, task *persistence.Task) {
	if e.metrics == nil || e.metrics.TaskDuration == nil || task == nil {
		return
	}
	e.metrics.TaskDuration.Record(ctx, task.UpdatedAt.Sub(task.CreatedAt).Seconds())
}
