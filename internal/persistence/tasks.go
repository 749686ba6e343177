package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/quoteflow/internal/retry"
)

// Sentinel errors surfaced by task operations. Store-level failures are
// returned wrapped; callers fail closed and leave task state unchanged.
var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrIdempotencyConflict means the operation key is already bound to a
	// different task hash. This is key reuse with different intent, not a
	// retry, and no task is created.
	ErrIdempotencyConflict = errors.New("idempotency conflict: operation key bound to a different action")
)

const taskColumns = `id, quote_id, operation_kind, operation_key, payload, state,
	retry_count, max_retries, available_at, claimed_by, claimed_at,
	state_version, last_error, last_error_class, created_at, updated_at`

func scanTask(scan func(dest ...any) error, task *Task) error {
	var (
		claimedBy      sql.NullString
		claimedAt      sql.NullTime
		lastError      sql.NullString
		lastErrorClass sql.NullString
	)
	if err := scan(
		&task.ID,
		&task.QuoteID,
		&task.OperationKind,
		&task.OperationKey,
		&task.Payload,
		&task.State,
		&task.RetryCount,
		&task.MaxRetries,
		&task.AvailableAt,
		&claimedBy,
		&claimedAt,
		&task.StateVersion,
		&lastError,
		&lastErrorClass,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	} else {
		task.ClaimedAt = nil
	}
	task.LastError = lastError.String
	task.LastErrorClass = lastErrorClass.String
	return nil
}

func (s *Store) getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var task Task
	err := scanTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// GetTask returns the task by id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &task, nil
}

// EnqueueParams describes one enqueue call.
type EnqueueParams struct {
	TaskID        string
	QuoteID       string
	OperationKind string
	OperationKey  string
	TaskHash      string
	Payload       string
	MaxRetries    int
	Now           time.Time
	ActorID       string
	CorrelationID string
}

// EnqueueOutcome is the result of EnqueueTask.
type EnqueueOutcome struct {
	TaskID string
	// Created is false when the key was already reserved or completed and
	// the existing task was returned instead.
	Created bool
	// AlreadyCompleted is true when the ledger had a completed record; the
	// fingerprint is the stored proof of that outcome.
	AlreadyCompleted  bool
	ResultFingerprint string
}

// EnqueueTask reserves the idempotency key and persists a new QUEUED task,
// all in one transaction. Duplicate enqueues with the same task hash return
// the existing task id; a hash mismatch returns ErrIdempotencyConflict.
func (s *Store) EnqueueTask(ctx context.Context, p EnqueueParams) (EnqueueOutcome, error) {
	var out EnqueueOutcome
	now := p.Now.UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			existingTaskID      string
			existingHash        string
			existingState       IdempotencyState
			existingFingerprint sql.NullString
		)
		switch err := tx.QueryRowContext(ctx, `
			SELECT task_id, task_hash, state, result_fingerprint
			FROM idempotency_records
			WHERE operation_key = ?;
		`, p.OperationKey).Scan(&existingTaskID, &existingHash, &existingState, &existingFingerprint); {
		case err == nil:
			if existingHash != p.TaskHash {
				return ErrIdempotencyConflict
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE idempotency_records
				SET attempt_count = attempt_count + 1, last_seen_at = ?
				WHERE operation_key = ?;
			`, now, p.OperationKey); err != nil {
				return fmt.Errorf("touch idempotency record: %w", err)
			}
			out = EnqueueOutcome{
				TaskID:            existingTaskID,
				Created:           false,
				AlreadyCompleted:  existingState == IdempotencyCompleted,
				ResultFingerprint: existingFingerprint.String,
			}
			return tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// New key: reserve it and create the task below.
		default:
			return fmt.Errorf("select idempotency record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, quote_id, operation_kind, operation_key, payload, state,
				retry_count, max_retries, available_at, state_version,
				created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?);
		`, p.TaskID, p.QuoteID, p.OperationKind, p.OperationKey, p.Payload,
			TaskStateQueued, p.MaxRetries, now, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_records (
				operation_key, quote_id, task_id, task_hash, state,
				attempt_count, first_seen_at, last_seen_at
			)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?);
		`, p.OperationKey, p.QuoteID, p.TaskID, p.TaskHash,
			IdempotencyReserved, now, now); err != nil {
			return fmt.Errorf("insert idempotency record: %w", err)
		}
		if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
			TaskID:        p.TaskID,
			QuoteID:       p.QuoteID,
			FromState:     "",
			ToState:       TaskStateQueued,
			Reason:        ReasonEnqueue,
			ActorID:       p.ActorID,
			CorrelationID: p.CorrelationID,
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		out = EnqueueOutcome{TaskID: p.TaskID, Created: true}
		return tx.Commit()
	})
	if err != nil {
		return EnqueueOutcome{}, err
	}
	return out, nil
}

// ClaimOutcome classifies the result of a claim attempt.
type ClaimOutcome string

const (
	ClaimOutcomeGranted        ClaimOutcome = "GRANTED"
	ClaimOutcomeAlreadyClaimed ClaimOutcome = "ALREADY_CLAIMED"
	ClaimOutcomeNotEligible    ClaimOutcome = "NOT_ELIGIBLE"
	ClaimOutcomeTerminal       ClaimOutcome = "TERMINAL"
)

// ClaimTask attempts an exclusive, time-bounded claim of the task for
// workerID. expectedVersion is the state_version the caller last observed;
// pass a negative value to re-read inside the transaction. Exactly one of
// two racing claimants for the same version wins; the loser observes
// ALREADY_CLAIMED.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string, expectedVersion int64, now time.Time, actorID, correlationID string) (*Task, ClaimOutcome, error) {
	var (
		outcome ClaimOutcome
		claimed *Task
	)
	now = now.UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State.Terminal() {
			outcome = ClaimOutcomeTerminal
			claimed = task
			return tx.Commit()
		}
		if task.State == TaskStateRunning {
			outcome = ClaimOutcomeAlreadyClaimed
			claimed = task
			return tx.Commit()
		}
		if expectedVersion >= 0 && expectedVersion != task.StateVersion {
			outcome = ClaimOutcomeAlreadyClaimed
			claimed = task
			return tx.Commit()
		}
		if task.AvailableAt.After(now) {
			outcome = ClaimOutcomeNotEligible
			claimed = task
			return tx.Commit()
		}

		granted, err := s.grantClaimTx(ctx, tx, task, workerID, now, actorID, correlationID)
		if err != nil {
			return err
		}
		if granted == nil {
			outcome = ClaimOutcomeAlreadyClaimed
			claimed = task
			return tx.Commit()
		}
		outcome = ClaimOutcomeGranted
		claimed = granted
		return tx.Commit()
	})
	if err != nil {
		return nil, "", err
	}
	return claimed, outcome, nil
}

// ClaimNextTask claims the oldest eligible task (QUEUED, or RETRYABLE_FAILED
// whose backoff has elapsed). Returns nil when nothing is claimable.
func (s *Store) ClaimNextTask(ctx context.Context, workerID string, now time.Time, actorID, correlationID string) (*Task, error) {
	var claimed *Task
	now = now.UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim-next tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		err = scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE state IN (?, ?) AND available_at <= ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, TaskStateQueued, TaskStateRetryableFailed, now).Scan, &task)
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			claimed = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select eligible task: %w", err)
		}

		granted, err := s.grantClaimTx(ctx, tx, &task, workerID, now, actorID, correlationID)
		if err != nil {
			return err
		}
		if granted == nil {
			// Lost the version race inside a single-writer tx: treat as none.
			_ = tx.Rollback()
			claimed = nil
			return nil
		}
		claimed = granted
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// grantClaimTx performs the guarded transition(s) to RUNNING. A task sitting
// in RETRYABLE_FAILED with an elapsed backoff is first re-queued so the audit
// trail stays a valid walk of the transition table, then claimed.
func (s *Store) grantClaimTx(ctx context.Context, tx *sql.Tx, task *Task, workerID string, now time.Time, actorID, correlationID string) (*Task, error) {
	version := task.StateVersion
	state := task.State

	if state == TaskStateRetryableFailed {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, state_version = state_version + 1, updated_at = ?
			WHERE id = ? AND state = ? AND state_version = ?;
		`, TaskStateQueued, now, task.ID, TaskStateRetryableFailed, version)
		if err != nil {
			return nil, fmt.Errorf("requeue before claim: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			if err != nil {
				return nil, fmt.Errorf("requeue rows affected: %w", err)
			}
			return nil, nil
		}
		if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
			TaskID:        task.ID,
			QuoteID:       task.QuoteID,
			FromState:     TaskStateRetryableFailed,
			ToState:       TaskStateQueued,
			Reason:        ReasonRetryEligible,
			ActorID:       actorID,
			CorrelationID: correlationID,
			OccurredAt:    now,
		}); err != nil {
			return nil, err
		}
		version++
		state = TaskStateQueued
	}

	if !canTransition(state, TaskStateRunning) {
		return nil, fmt.Errorf("illegal transition %s -> %s", state, TaskStateRunning)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = ?, claimed_by = ?, claimed_at = ?,
			state_version = state_version + 1, updated_at = ?
		WHERE id = ? AND state = ? AND state_version = ?;
	`, TaskStateRunning, workerID, now, now, task.ID, TaskStateQueued, version)
	if err != nil {
		return nil, fmt.Errorf("claim transition: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err != nil {
			return nil, fmt.Errorf("claim rows affected: %w", err)
		}
		return nil, nil
	}
	if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
		TaskID:        task.ID,
		QuoteID:       task.QuoteID,
		FromState:     TaskStateQueued,
		ToState:       TaskStateRunning,
		Reason:        ReasonClaim,
		ActorID:       actorID,
		CorrelationID: correlationID,
		OccurredAt:    now,
	}); err != nil {
		return nil, err
	}

	granted := *task
	granted.State = TaskStateRunning
	granted.ClaimedBy = workerID
	claimTime := now
	granted.ClaimedAt = &claimTime
	granted.StateVersion = version + 1
	granted.UpdatedAt = now
	return &granted, nil
}

// CompleteOutcome classifies the result of a completion report.
type CompleteOutcome string

const (
	CompleteOutcomeApplied       CompleteOutcome = "APPLIED"
	CompleteOutcomeDuplicate     CompleteOutcome = "DUPLICATE"
	CompleteOutcomeAlreadyFailed CompleteOutcome = "ALREADY_FAILED"
	CompleteOutcomeNotRunning    CompleteOutcome = "NOT_RUNNING"
	CompleteOutcomeNotOwner      CompleteOutcome = "NOT_OWNER"
)

// CompleteResult carries the post-completion view of the task.
type CompleteResult struct {
	Task    *Task
	Outcome CompleteOutcome
	// Fingerprint is the recorded proof of the completed outcome. For a
	// duplicate report it is the previously stored value, unchanged.
	Fingerprint string
}

// CompleteTask records a successful side effect. Valid only from RUNNING by
// the claim owner. A repeat call after completion returns the stored
// fingerprint without touching any state, which makes duplicate completion
// reports harmless.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID, fingerprint string, now time.Time, actorID, correlationID string) (CompleteResult, error) {
	var result CompleteResult
	now = now.UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch {
		case task.State == TaskStateCompleted:
			var stored sql.NullString
			if err := tx.QueryRowContext(ctx, `
				SELECT result_fingerprint FROM idempotency_records WHERE operation_key = ?;
			`, task.OperationKey).Scan(&stored); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("select stored fingerprint: %w", err)
			}
			result = CompleteResult{Task: task, Outcome: CompleteOutcomeDuplicate, Fingerprint: stored.String}
			return tx.Commit()
		case task.State == TaskStateFailedTerminal:
			result = CompleteResult{Task: task, Outcome: CompleteOutcomeAlreadyFailed}
			return tx.Commit()
		case task.State != TaskStateRunning:
			result = CompleteResult{Task: task, Outcome: CompleteOutcomeNotRunning}
			return tx.Commit()
		case task.ClaimedBy != workerID:
			result = CompleteResult{Task: task, Outcome: CompleteOutcomeNotOwner}
			return tx.Commit()
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, claimed_by = NULL, claimed_at = NULL,
				last_error = NULL, last_error_class = NULL,
				state_version = state_version + 1, updated_at = ?
			WHERE id = ? AND state = ? AND state_version = ?;
		`, TaskStateCompleted, now, task.ID, TaskStateRunning, task.StateVersion)
		if err != nil {
			return fmt.Errorf("complete transition: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			if err != nil {
				return fmt.Errorf("complete rows affected: %w", err)
			}
			result = CompleteResult{Task: task, Outcome: CompleteOutcomeNotRunning}
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET state = ?, result_fingerprint = ?, last_seen_at = ?
			WHERE operation_key = ?;
		`, IdempotencyCompleted, fingerprint, now, task.OperationKey); err != nil {
			return fmt.Errorf("complete idempotency record: %w", err)
		}
		if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
			TaskID:        task.ID,
			QuoteID:       task.QuoteID,
			FromState:     TaskStateRunning,
			ToState:       TaskStateCompleted,
			Reason:        ReasonComplete,
			ActorID:       actorID,
			CorrelationID: correlationID,
			OccurredAt:    now,
		}); err != nil {
			return err
		}

		done := *task
		done.State = TaskStateCompleted
		done.ClaimedBy = ""
		done.ClaimedAt = nil
		done.StateVersion = task.StateVersion + 1
		done.UpdatedAt = now
		result = CompleteResult{Task: &done, Outcome: CompleteOutcomeApplied, Fingerprint: fingerprint}
		return tx.Commit()
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return result, nil
}

// FailOutcome classifies the result of a failure report.
type FailOutcome string

const (
	FailOutcomeRetryScheduled  FailOutcome = "RETRY_SCHEDULED"
	FailOutcomeTerminal        FailOutcome = "TERMINAL"
	FailOutcomeAlreadyTerminal FailOutcome = "ALREADY_TERMINAL"
	FailOutcomeNotRunning      FailOutcome = "NOT_RUNNING"
	FailOutcomeNotOwner        FailOutcome = "NOT_OWNER"
)

// FailParams describes one failure report.
type FailParams struct {
	TaskID string
	// WorkerID is the reporting claim owner. Empty skips the ownership
	// check; only the stale-claim reclaim path uses that.
	WorkerID      string
	Error         string
	Class         retry.ErrorClass
	Policy        retry.Policy
	Reason        string
	Now           time.Time
	ActorID       string
	CorrelationID string
}

// FailResult carries the post-failure view of the task.
type FailResult struct {
	Task        *Task
	Outcome     FailOutcome
	AvailableAt time.Time
}

// FailTask records a failed attempt. The retry policy decides between
// RETRYABLE_FAILED with a backoff and FAILED_TERMINAL; terminal failures
// also move the ledger record to FAILED_TERMINAL. Reports against a task
// already in a terminal state are idempotent no-ops.
func (s *Store) FailTask(ctx context.Context, p FailParams) (FailResult, error) {
	var result FailResult
	now := p.Now.UTC()
	reason := p.Reason
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := s.getTaskTx(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		switch {
		case task.State.Terminal():
			result = FailResult{Task: task, Outcome: FailOutcomeAlreadyTerminal}
			return tx.Commit()
		case task.State != TaskStateRunning:
			result = FailResult{Task: task, Outcome: FailOutcomeNotRunning}
			return tx.Commit()
		case p.WorkerID != "" && task.ClaimedBy != p.WorkerID:
			result = FailResult{Task: task, Outcome: FailOutcomeNotOwner}
			return tx.Commit()
		}

		decision := p.Policy.Decide(task.ID, p.Class, task.RetryCount, task.MaxRetries)
		if decision.Retry {
			availableAt := now.Add(decision.Delay)
			if reason == "" {
				reason = ReasonRetryScheduled
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET state = ?, retry_count = ?, available_at = ?,
					claimed_by = NULL, claimed_at = NULL,
					last_error = ?, last_error_class = ?,
					state_version = state_version + 1, updated_at = ?
				WHERE id = ? AND state = ? AND state_version = ?;
			`, TaskStateRetryableFailed, decision.NextRetryCount, availableAt,
				p.Error, string(p.Class), now, task.ID, TaskStateRunning, task.StateVersion)
			if err != nil {
				return fmt.Errorf("retry transition: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil || n != 1 {
				if err != nil {
					return fmt.Errorf("retry rows affected: %w", err)
				}
				result = FailResult{Task: task, Outcome: FailOutcomeNotRunning}
				return tx.Commit()
			}
			if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
				TaskID:        task.ID,
				QuoteID:       task.QuoteID,
				FromState:     TaskStateRunning,
				ToState:       TaskStateRetryableFailed,
				Reason:        reason,
				ErrorClass:    string(p.Class),
				ActorID:       p.ActorID,
				CorrelationID: p.CorrelationID,
				OccurredAt:    now,
			}); err != nil {
				return err
			}
			failed := *task
			failed.State = TaskStateRetryableFailed
			failed.RetryCount = decision.NextRetryCount
			failed.AvailableAt = availableAt
			failed.ClaimedBy = ""
			failed.ClaimedAt = nil
			failed.LastError = p.Error
			failed.LastErrorClass = string(p.Class)
			failed.StateVersion = task.StateVersion + 1
			failed.UpdatedAt = now
			result = FailResult{Task: &failed, Outcome: FailOutcomeRetryScheduled, AvailableAt: availableAt}
			return tx.Commit()
		}

		if reason == "" {
			reason = ReasonTerminalFailure
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, retry_count = ?,
				claimed_by = NULL, claimed_at = NULL,
				last_error = ?, last_error_class = ?,
				state_version = state_version + 1, updated_at = ?
			WHERE id = ? AND state = ? AND state_version = ?;
		`, TaskStateFailedTerminal, decision.NextRetryCount,
			p.Error, string(p.Class), now, task.ID, TaskStateRunning, task.StateVersion)
		if err != nil {
			return fmt.Errorf("terminal transition: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			if err != nil {
				return fmt.Errorf("terminal rows affected: %w", err)
			}
			result = FailResult{Task: task, Outcome: FailOutcomeNotRunning}
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET state = ?, last_seen_at = ?
			WHERE operation_key = ?;
		`, IdempotencyFailedTerminal, now, task.OperationKey); err != nil {
			return fmt.Errorf("terminal idempotency record: %w", err)
		}
		if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
			TaskID:        task.ID,
			QuoteID:       task.QuoteID,
			FromState:     TaskStateRunning,
			ToState:       TaskStateFailedTerminal,
			Reason:        reason,
			ErrorClass:    string(p.Class),
			ActorID:       p.ActorID,
			CorrelationID: p.CorrelationID,
			OccurredAt:    now,
		}); err != nil {
			return err
		}
		failed := *task
		failed.State = TaskStateFailedTerminal
		failed.RetryCount = decision.NextRetryCount
		failed.ClaimedBy = ""
		failed.ClaimedAt = nil
		failed.LastError = p.Error
		failed.LastErrorClass = string(p.Class)
		failed.StateVersion = task.StateVersion + 1
		failed.UpdatedAt = now
		result = FailResult{Task: &failed, Outcome: FailOutcomeTerminal}
		return tx.Commit()
	})
	if err != nil {
		return FailResult{}, err
	}
	return result, nil
}

// ListStaleRunning returns tasks still RUNNING whose claim predates cutoff.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ? AND claimed_at < ?
		ORDER BY claimed_at ASC, id ASC;
	`, TaskStateRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query stale running tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale task rows: %w", err)
	}
	return out, nil
}

// RequeueEligibleRetries moves RETRYABLE_FAILED tasks whose backoff elapsed
// back to QUEUED. Each task is requeued in its own transaction: a commit never
// spans more than one task's rows, and a candidate that changed state since
// the scan loses its version check and is skipped. Safe to run from any
// number of concurrent sweepers.
func (s *Store) RequeueEligibleRetries(ctx context.Context, now time.Time, actorID, correlationID string) (int64, error) {
	now = now.UTC()

	type eligible struct {
		id      string
		quoteID string
		version int64
	}
	var candidates []eligible
	err := retryOnBusy(ctx, 5, func() error {
		candidates = candidates[:0]
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, quote_id, state_version
			FROM tasks
			WHERE state = ? AND available_at <= ?;
		`, TaskStateRetryableFailed, now)
		if err != nil {
			return fmt.Errorf("query eligible retries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e eligible
			if err := rows.Scan(&e.id, &e.quoteID, &e.version); err != nil {
				return fmt.Errorf("scan eligible retry: %w", err)
			}
			candidates = append(candidates, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("eligible retry rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var requeued int64
	for _, c := range candidates {
		var won bool
		err := retryOnBusy(ctx, 5, func() error {
			won = false
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin requeue tx: %w", err)
			}
			defer func() { _ = tx.Rollback() }()

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET state = ?, state_version = state_version + 1, updated_at = ?
				WHERE id = ? AND state = ? AND state_version = ?;
			`, TaskStateQueued, now, c.id, TaskStateRetryableFailed, c.version)
			if err != nil {
				return fmt.Errorf("requeue transition: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("requeue rows affected: %w", err)
			}
			if n != 1 {
				return nil
			}
			if err := s.appendTransitionEventTx(ctx, tx, TransitionEvent{
				TaskID:        c.id,
				QuoteID:       c.quoteID,
				FromState:     TaskStateRetryableFailed,
				ToState:       TaskStateQueued,
				Reason:        ReasonRetryEligible,
				ActorID:       actorID,
				CorrelationID: correlationID,
				OccurredAt:    now,
			}); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			won = true
			return nil
		})
		if err != nil {
			return requeued, err
		}
		if won {
			requeued++
		}
	}
	return requeued, nil
}

// ListTasksByQuote returns all tasks for a quote in creation order.
func (s *Store) ListTasksByQuote(ctx context.Context, quoteID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE quote_id = ?
		ORDER BY created_at ASC, id ASC;
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by quote: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task by quote: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks by quote rows: %w", err)
	}
	return out, nil
}

// TaskStatusView is the caller-facing status projection: enough for a
// progress surface, no audit detail.
type TaskStatusView struct {
	TaskID        string    `json:"task_id"`
	QuoteID       string    `json:"quote_id"`
	OperationKind string    `json:"operation_kind"`
	State         TaskState `json:"state"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProjectQuoteStatus returns the status projection for every task of a quote.
func (s *Store) ProjectQuoteStatus(ctx context.Context, quoteID string) ([]TaskStatusView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, quote_id, operation_kind, state, retry_count, COALESCE(last_error, ''), updated_at
		FROM tasks
		WHERE quote_id = ?
		ORDER BY created_at ASC, id ASC;
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("project quote status: %w", err)
	}
	defer rows.Close()

	var out []TaskStatusView
	for rows.Next() {
		var v TaskStatusView
		if err := rows.Scan(&v.TaskID, &v.QuoteID, &v.OperationKind, &v.State, &v.RetryCount, &v.LastError, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan status view: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status view rows: %w", err)
	}
	return out, nil
}

// MetricsCounts aggregates operational counts for monitoring.
type MetricsCounts struct {
	Queued          int `json:"queued_tasks"`
	Running         int `json:"running_tasks"`
	RetryableFailed int `json:"retryable_failed_tasks"`
	FailedTerminal  int `json:"failed_terminal_tasks"`
	Completed       int `json:"completed_tasks"`
	ExpiredClaims   int `json:"expired_claims"`
}

// CountMetrics returns queue-depth style counts. claimCutoff bounds what
// counts as an expired claim (now minus the configured claim timeout).
func (s *Store) CountMetrics(ctx context.Context, claimCutoff time.Time) (MetricsCounts, error) {
	var m MetricsCounts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'QUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'RETRYABLE_FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'FAILED_TERMINAL' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'COMPLETED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'RUNNING' AND claimed_at < ? THEN 1 ELSE 0 END), 0)
		FROM tasks;
	`, claimCutoff.UTC())
	if err := row.Scan(&m.Queued, &m.Running, &m.RetryableFailed, &m.FailedTerminal, &m.Completed, &m.ExpiredClaims); err != nil {
		return m, fmt.Errorf("count metrics: %w", err)
	}
	return m, nil
}
