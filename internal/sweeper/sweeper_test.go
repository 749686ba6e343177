package sweeper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/quoteflow/internal/engine"
	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/retry"
	"github.com/basket/quoteflow/internal/sweeper"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "quoteflow.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return engine.New(store, nil, nil, nil, nil, engine.Tuning{
		// Claims expire almost immediately so the sweep has work to do.
		ClaimTimeout:      time.Millisecond,
		DefaultMaxRetries: 3,
		Policy:            retry.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
}

func TestNew_RejectsMalformedCronExpr(t *testing.T) {
	_, err := sweeper.New(sweeper.Config{CronExpr: "not a cron expr"})
	if err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
}

func TestSweep_ReclaimsOrphanedClaim(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	resp, err := eng.Enqueue(ctx, engine.EnqueueRequest{
		QuoteID:       "quote-1",
		OperationKind: "send_quote_email",
		OperationKey:  "key-orphan",
		Payload:       []byte(`{"to":"buyer@example.com"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := eng.Claim(ctx, "worker-crashed"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sw, err := sweeper.New(sweeper.Config{Engine: eng})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.Sweep(ctx)

	task, err := eng.Store().GetTask(ctx, resp.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State == persistence.TaskStateRunning {
		t.Fatalf("orphaned claim not reclaimed: %+v", task)
	}
	if task.RetryCount != 1 {
		t.Fatalf("reclaim must consume a retry, got retry_count %d", task.RetryCount)
	}
}

func TestStartStop_SweepsOnStartup(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	resp, err := eng.Enqueue(ctx, engine.EnqueueRequest{
		QuoteID:       "quote-1",
		OperationKind: "send_quote_email",
		OperationKey:  "key-startup",
		Payload:       []byte(`{"to":"buyer@example.com"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := eng.Claim(ctx, "worker-crashed"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sw, err := sweeper.New(sweeper.Config{Engine: eng, Interval: time.Hour})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.Start(ctx)
	defer sw.Stop()

	waitFor(t, 2*time.Second, func() bool {
		task, err := eng.Store().GetTask(ctx, resp.TaskID)
		return err == nil && task.State != persistence.TaskStateRunning
	})
}
