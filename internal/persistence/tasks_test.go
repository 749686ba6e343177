package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/retry"
)

func TestEnqueue_DuplicateKeySameHashReturnsExistingTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := enqueueTestTask(t, store, "quote-1", "key-dup", now)

	out, err := store.EnqueueTask(ctx, persistence.EnqueueParams{
		TaskID:        uuid.NewString(),
		QuoteID:       "quote-1",
		OperationKind: "send_quote_email",
		OperationKey:  "key-dup",
		TaskHash:      "hash-key-dup",
		Payload:       `{"to":"buyer@example.com"}`,
		MaxRetries:    3,
		Now:           now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if out.Created {
		t.Fatalf("duplicate enqueue must not create a second task")
	}
	if out.TaskID != first {
		t.Fatalf("expected existing task id %s, got %s", first, out.TaskID)
	}

	rec, err := store.GetIdempotencyRecord(ctx, "key-dup")
	if err != nil {
		t.Fatalf("get idempotency record: %v", err)
	}
	if rec.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2, got %d", rec.AttemptCount)
	}
	if rec.State != persistence.IdempotencyReserved {
		t.Fatalf("expected RESERVED, got %s", rec.State)
	}

	// Only one enqueue event regardless of duplicate submissions.
	events, err := store.ListEventsByTask(ctx, first)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestEnqueue_KeyReuseWithDifferentHashConflicts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueTestTask(t, store, "quote-1", "key-conflict", now)

	_, err := store.EnqueueTask(ctx, persistence.EnqueueParams{
		TaskID:        uuid.NewString(),
		QuoteID:       "quote-1",
		OperationKind: "send_quote_email",
		OperationKey:  "key-conflict",
		TaskHash:      "a-different-hash",
		Payload:       `{"to":"someone-else@example.com"}`,
		MaxRetries:    3,
		Now:           now,
	})
	if !errors.Is(err, persistence.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}

	// The conflicting submission must leave no trace.
	tasks, err := store.ListTasksByQuote(ctx, "quote-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after conflict, got %d", len(tasks))
	}
}

func TestEnqueue_AfterCompletionReturnsStoredFingerprint(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-done", now)
	claimed, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CompleteTask(ctx, claimed.ID, "worker-1", "fp-123", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	out, err := store.EnqueueTask(ctx, persistence.EnqueueParams{
		TaskID:        uuid.NewString(),
		QuoteID:       "quote-1",
		OperationKind: "send_quote_email",
		OperationKey:  "key-done",
		TaskHash:      "hash-key-done",
		Payload:       `{"to":"buyer@example.com"}`,
		MaxRetries:    3,
		Now:           now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
	if out.Created || !out.AlreadyCompleted {
		t.Fatalf("expected already-completed outcome, got %+v", out)
	}
	if out.TaskID != taskID {
		t.Fatalf("expected task id %s, got %s", taskID, out.TaskID)
	}
	if out.ResultFingerprint != "fp-123" {
		t.Fatalf("expected stored fingerprint fp-123, got %q", out.ResultFingerprint)
	}
}

func TestClaim_GrantsOldestEligibleAndBumpsVersion(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldest := enqueueTestTask(t, store, "quote-1", "key-a", now.Add(-2*time.Second))
	enqueueTestTask(t, store, "quote-1", "key-b", now.Add(-time.Second))

	claimed, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1")
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if claimed == nil || claimed.ID != oldest {
		t.Fatalf("expected oldest task %s, got %+v", oldest, claimed)
	}
	if claimed.State != persistence.TaskStateRunning {
		t.Fatalf("expected RUNNING, got %s", claimed.State)
	}
	if claimed.ClaimedBy != "worker-1" || claimed.ClaimedAt == nil {
		t.Fatalf("claim fields not set: %+v", claimed)
	}
	if claimed.StateVersion != 1 {
		t.Fatalf("expected state_version 1 after claim, got %d", claimed.StateVersion)
	}
}

func TestClaim_StaleVersionLosesRace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-race", now)
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}

	winner, outcome, err := store.ClaimTask(ctx, taskID, "worker-1", task.StateVersion, now, "worker-1", "corr-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if outcome != persistence.ClaimOutcomeGranted {
		t.Fatalf("expected GRANTED, got %s", outcome)
	}

	// Second claimant still holds the pre-claim version.
	loser, outcome, err := store.ClaimTask(ctx, taskID, "worker-2", task.StateVersion, now, "worker-2", "corr-2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if outcome != persistence.ClaimOutcomeAlreadyClaimed {
		t.Fatalf("expected ALREADY_CLAIMED, got %s", outcome)
	}
	if loser.ClaimedBy != winner.ClaimedBy {
		t.Fatalf("loser must observe the winner's claim")
	}
}

func TestClaim_BackoffNotElapsedIsNotEligible(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-backoff", now)
	if _, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := store.FailTask(ctx, persistence.FailParams{
		TaskID:   taskID,
		WorkerID: "worker-1",
		Error:    "connection refused",
		Class:    retry.ErrorClassNetwork,
		Policy:   retry.Default(),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if res.Outcome != persistence.FailOutcomeRetryScheduled {
		t.Fatalf("expected RETRY_SCHEDULED, got %s", res.Outcome)
	}

	// Before the backoff elapses nothing is claimable.
	claimed, err := store.ClaimNextTask(ctx, "worker-2", now.Add(time.Second), "worker-2", "corr-2")
	if err != nil {
		t.Fatalf("claim during backoff: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no eligible task during backoff, got %s", claimed.ID)
	}

	// After available_at the task is claimable again.
	claimed, err = store.ClaimNextTask(ctx, "worker-2", res.AvailableAt.Add(time.Second), "worker-2", "corr-2")
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if claimed == nil || claimed.ID != taskID {
		t.Fatalf("expected task %s claimable after backoff, got %+v", taskID, claimed)
	}
}

func TestClaim_FromRetryableFailedWritesTwoEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-walk", now)
	if _, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := store.FailTask(ctx, persistence.FailParams{
		TaskID:   taskID,
		WorkerID: "worker-1",
		Error:    "timeout waiting for smtp",
		Class:    retry.ErrorClassTimeout,
		Policy:   retry.Default(),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, "worker-2", res.AvailableAt.Add(time.Second), "worker-2", "corr-2"); err != nil {
		t.Fatalf("re-claim: %v", err)
	}

	events, err := store.ListEventsByTask(ctx, taskID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantReasons := []string{
		persistence.ReasonEnqueue,
		persistence.ReasonClaim,
		persistence.ReasonRetryScheduled,
		persistence.ReasonRetryEligible,
		persistence.ReasonClaim,
	}
	if len(events) != len(wantReasons) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantReasons), len(events), events)
	}
	for i, want := range wantReasons {
		if events[i].Reason != want {
			t.Fatalf("event %d: expected reason %s, got %s", i, want, events[i].Reason)
		}
	}
	// Every event's from-state must equal the previous event's to-state.
	for i := 1; i < len(events); i++ {
		if events[i].FromState != events[i-1].ToState {
			t.Fatalf("event %d breaks the walk: from %s after to %s", i, events[i].FromState, events[i-1].ToState)
		}
	}
}

func TestComplete_DuplicateReportReturnsStoredFingerprint(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-complete", now)
	if _, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	first, err := store.CompleteTask(ctx, taskID, "worker-1", "fp-original", now, "worker-1", "corr-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Outcome != persistence.CompleteOutcomeApplied {
		t.Fatalf("expected APPLIED, got %s", first.Outcome)
	}

	// A late duplicate with a different fingerprint must not overwrite.
	second, err := store.CompleteTask(ctx, taskID, "worker-1", "fp-late", now.Add(time.Second), "worker-1", "corr-1")
	if err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if second.Outcome != persistence.CompleteOutcomeDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", second.Outcome)
	}
	if second.Fingerprint != "fp-original" {
		t.Fatalf("expected stored fingerprint fp-original, got %q", second.Fingerprint)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.StateVersion != 2 {
		t.Fatalf("duplicate complete must not bump version: got %d", task.StateVersion)
	}
}

func TestComplete_NonOwnerIsRejected(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-owner", now)
	if _, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := store.CompleteTask(ctx, taskID, "worker-2", "fp-x", now, "worker-2", "corr-2")
	if err != nil {
		t.Fatalf("non-owner complete: %v", err)
	}
	if res.Outcome != persistence.CompleteOutcomeNotOwner {
		t.Fatalf("expected NOT_OWNER, got %s", res.Outcome)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State != persistence.TaskStateRunning || task.ClaimedBy != "worker-1" {
		t.Fatalf("non-owner report must not change state: %+v", task)
	}
}

func TestFail_ValidationErrorIsTerminalRegardlessOfBudget(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := enqueueTestTask(t, store, "quote-1", "key-validation", now)
	if _, err := store.ClaimNextTask(ctx, "worker-1", now, "worker-1", "corr-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := store.FailTask(ctx, persistence.FailParams{
		TaskID:   taskID,
		WorkerID: "worker-1",
		Error:    "invalid recipient address",
		Class:    retry.ErrorClassValidation,
		Policy:   retry.Default(),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if res.Outcome != persistence.FailOutcomeTerminal {
		t.Fatalf("expected TERMINAL for validation error, got %s", res.Outcome)
	}

	rec, err := store.GetIdempotencyRecord(ctx, "key-validation")
	if err != nil {
		t.Fatalf("get idempotency record: %v", err)
	}
	if rec.State != persistence.IdempotencyFailedTerminal {
		t.Fatalf("ledger must follow the task to FAILED_TERMINAL, got %s", rec.State)
	}
}

func TestFail_ExhaustedRetryBudgetGoesTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	id := uuid.NewString()
	out, err := store.EnqueueTask(ctx, persistence.EnqueueParams{
		TaskID:        id,
		QuoteID:       "quote-1",
		OperationKind: "reserve_inventory",
		OperationKey:  "key-budget",
		TaskHash:      "hash-budget",
		Payload:       `{"sku":"A1"}`,
		MaxRetries:    2,
		Now:           now,
	})
	if err != nil || !out.Created {
		t.Fatalf("enqueue: %v %+v", err, out)
	}

	at := now
	for attempt := 1; ; attempt++ {
		claimed, err := store.ClaimNextTask(ctx, "worker-1", at.Add(time.Second), "worker-1", "corr")
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if claimed == nil {
			t.Fatalf("attempt %d: expected claimable task", attempt)
		}
		res, err := store.FailTask(ctx, persistence.FailParams{
			TaskID:   id,
			WorkerID: "worker-1",
			Error:    "connection reset",
			Class:    retry.ErrorClassNetwork,
			Policy:   policy,
			Now:      at.Add(2 * time.Second),
		})
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if res.Outcome == persistence.FailOutcomeTerminal {
			// max_retries=2 allows exactly 2 re-runs: the third failure is final.
			if attempt != 3 {
				t.Fatalf("expected terminal on attempt 3, got attempt %d", attempt)
			}
			if res.Task.RetryCount != 3 {
				t.Fatalf("expected retry_count 3 at terminal, got %d", res.Task.RetryCount)
			}
			break
		}
		if res.Outcome != persistence.FailOutcomeRetryScheduled {
			t.Fatalf("attempt %d: unexpected outcome %s", attempt, res.Outcome)
		}
		at = res.AvailableAt
	}

	// Terminal is absorbing: a late fail report is a no-op.
	late, err := store.FailTask(ctx, persistence.FailParams{
		TaskID: id,
		Error:  "late report",
		Class:  retry.ErrorClassNetwork,
		Policy: policy,
		Now:    at.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("late fail: %v", err)
	}
	if late.Outcome != persistence.FailOutcomeAlreadyTerminal {
		t.Fatalf("expected ALREADY_TERMINAL, got %s", late.Outcome)
	}
}

func TestRequeueEligibleRetries_MovesOnlyElapsedBackoffs(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := enqueueTestTask(t, store, "quote-1", "key-ready", now)
	waiting := enqueueTestTask(t, store, "quote-1", "key-waiting", now)

	for i, id := range []string{ready, waiting} {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if _, outcome, err := store.ClaimTask(ctx, id, "worker-1", task.StateVersion, now, "worker-1", "corr"); err != nil || outcome != persistence.ClaimOutcomeGranted {
			t.Fatalf("claim %d: %v (%s)", i, err, outcome)
		}
		policy := retry.Default()
		if id == ready {
			policy = retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
		}
		if _, err := store.FailTask(ctx, persistence.FailParams{
			TaskID:   id,
			WorkerID: "worker-1",
			Error:    "unreachable",
			Class:    retry.ErrorClassNetwork,
			Policy:   policy,
			Now:      now,
		}); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	requeued, err := store.RequeueEligibleRetries(ctx, now.Add(time.Second), "sweeper", "sweep-1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d", requeued)
	}

	readyTask, err := store.GetTask(ctx, ready)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	if readyTask.State != persistence.TaskStateQueued {
		t.Fatalf("expected ready task QUEUED, got %s", readyTask.State)
	}
	waitingTask, err := store.GetTask(ctx, waiting)
	if err != nil {
		t.Fatalf("get waiting: %v", err)
	}
	if waitingTask.State != persistence.TaskStateRetryableFailed {
		t.Fatalf("expected waiting task RETRYABLE_FAILED, got %s", waitingTask.State)
	}
}

func TestRequeueEligibleRetries_ConcurrentSweepersRequeueEachTaskOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	policy := retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	ids := make([]string, 3)
	for i := range ids {
		id := enqueueTestTask(t, store, "quote-1", fmt.Sprintf("key-%d", i), now)
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if _, outcome, err := store.ClaimTask(ctx, id, "worker-1", task.StateVersion, now, "worker-1", "corr"); err != nil || outcome != persistence.ClaimOutcomeGranted {
			t.Fatalf("claim %d: %v (%s)", i, err, outcome)
		}
		if _, err := store.FailTask(ctx, persistence.FailParams{
			TaskID:   id,
			WorkerID: "worker-1",
			Error:    "unreachable",
			Class:    retry.ErrorClassNetwork,
			Policy:   policy,
			Now:      now,
		}); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		ids[i] = id
	}

	// Two sweepers racing over the same candidates: the per-task version
	// check lets exactly one of them win each task.
	var wg sync.WaitGroup
	counts := make([]int64, 2)
	errs := make([]error, 2)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], errs[i] = store.RequeueEligibleRetries(ctx, now.Add(time.Second), fmt.Sprintf("sweeper-%d", i), "sweep-race")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("sweeper %d: %v", i, err)
		}
	}
	if total := counts[0] + counts[1]; total != 3 {
		t.Fatalf("expected 3 requeues across sweepers, got %d (%d + %d)", total, counts[0], counts[1])
	}
	for _, id := range ids {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.State != persistence.TaskStateQueued {
			t.Fatalf("task %s: expected QUEUED, got %s", id, task.State)
		}
		events, err := store.ListEventsByTask(ctx, id)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		eligible := 0
		for _, ev := range events {
			if ev.Reason == persistence.ReasonRetryEligible {
				eligible++
			}
		}
		if eligible != 1 {
			t.Fatalf("task %s: expected exactly one retry_eligible event, got %d", id, eligible)
		}
	}
}

func TestListStaleRunning_FindsOnlyExpiredClaims(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := enqueueTestTask(t, store, "quote-1", "key-stale", now.Add(-time.Hour))
	fresh := enqueueTestTask(t, store, "quote-1", "key-fresh", now)

	if _, err := store.ClaimNextTask(ctx, "worker-dead", now.Add(-30*time.Minute), "worker-dead", "corr"); err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if _, err := store.ClaimNextTask(ctx, "worker-live", now, "worker-live", "corr"); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	tasks, err := store.ListStaleRunning(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != stale {
		t.Fatalf("expected only stale task %s, got %+v", stale, tasks)
	}
	_ = fresh
}

func TestProjectQuoteStatus_OmitsAuditDetail(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueTestTask(t, store, "quote-A", "key-s1", now)
	enqueueTestTask(t, store, "quote-A", "key-s2", now.Add(time.Second))
	enqueueTestTask(t, store, "quote-B", "key-other", now)

	views, err := store.ProjectQuoteStatus(ctx, "quote-A")
	if err != nil {
		t.Fatalf("project status: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views for quote-A, got %d", len(views))
	}
	for _, v := range views {
		if v.QuoteID != "quote-A" {
			t.Fatalf("wrong quote in view: %+v", v)
		}
		if v.State != persistence.TaskStateQueued {
			t.Fatalf("expected QUEUED, got %s", v.State)
		}
	}
}

func TestCountMetrics_CountsStatesAndExpiredClaims(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueTestTask(t, store, "quote-1", "key-m1", now)
	running := enqueueTestTask(t, store, "quote-1", "key-m2", now.Add(-time.Hour))
	if _, err := store.ClaimNextTask(ctx, "worker-1", now.Add(-20*time.Minute), "worker-1", "corr"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	m, err := store.CountMetrics(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("count metrics: %v", err)
	}
	if m.Queued != 1 || m.Running != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.ExpiredClaims != 1 {
		t.Fatalf("expected 1 expired claim, got %d", m.ExpiredClaims)
	}
	_ = running
}
