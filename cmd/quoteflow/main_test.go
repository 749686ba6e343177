package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// setTestHome points QUOTEFLOW_HOME at a temp dir so each test gets a fresh
// database and default config.
func setTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("QUOTEFLOW_HOME", home)
	t.Setenv("QUOTEFLOW_DB_PATH", "")
	return home
}

func writeEnvelopeFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "task.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	return path
}

const validEnvelope = `{
	"quote_id": "Q-1001",
	"operation_kind": "send_quote_email",
	"operation_key": "Q-1001:send:v1",
	"payload": {"to": "buyer@example.com"}
}`

func TestRunEnqueueCommand_FromFile(t *testing.T) {
	home := setTestHome(t)
	path := writeEnvelopeFile(t, home, validEnvelope)

	code := runEnqueueCommand(context.Background(), []string{"-file", path})
	if code != 0 {
		t.Fatalf("enqueue exit code = %d, want 0", code)
	}
}

func TestRunEnqueueCommand_DuplicateKeyIsAccepted(t *testing.T) {
	home := setTestHome(t)
	path := writeEnvelopeFile(t, home, validEnvelope)

	if code := runEnqueueCommand(context.Background(), []string{"-file", path}); code != 0 {
		t.Fatalf("first enqueue exit code = %d, want 0", code)
	}
	if code := runEnqueueCommand(context.Background(), []string{"-file", path}); code != 0 {
		t.Fatalf("duplicate enqueue exit code = %d, want 0", code)
	}
}

func TestRunEnqueueCommand_ConflictingKeyFails(t *testing.T) {
	home := setTestHome(t)
	first := writeEnvelopeFile(t, home, validEnvelope)
	if code := runEnqueueCommand(context.Background(), []string{"-file", first}); code != 0 {
		t.Fatalf("first enqueue exit code = %d, want 0", code)
	}

	conflicting := filepath.Join(home, "conflict.json")
	body := `{
		"quote_id": "Q-1001",
		"operation_kind": "send_quote_email",
		"operation_key": "Q-1001:send:v1",
		"payload": {"to": "other@example.com"}
	}`
	if err := os.WriteFile(conflicting, []byte(body), 0o644); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
	if code := runEnqueueCommand(context.Background(), []string{"-file", conflicting}); code != 1 {
		t.Fatalf("conflicting enqueue exit code = %d, want 1", code)
	}
}

func TestRunEnqueueCommand_InvalidEnvelope(t *testing.T) {
	home := setTestHome(t)
	path := writeEnvelopeFile(t, home, `{"quote_id": "Q-1001"}`)

	if code := runEnqueueCommand(context.Background(), []string{"-file", path}); code != 2 {
		t.Fatalf("invalid enqueue exit code = %d, want 2", code)
	}
}

func TestRunStatusCommand_Usage(t *testing.T) {
	if code := runStatusCommand(context.Background(), nil); code != 2 {
		t.Fatalf("status with no args exit code = %d, want 2", code)
	}
}

func TestRunStatusCommand_UnknownQuote(t *testing.T) {
	setTestHome(t)
	if code := runStatusCommand(context.Background(), []string{"Q-MISSING"}); code != 1 {
		t.Fatalf("status for unknown quote exit code = %d, want 1", code)
	}
}

func TestRunStatusCommand_AfterEnqueue(t *testing.T) {
	home := setTestHome(t)
	path := writeEnvelopeFile(t, home, validEnvelope)
	if code := runEnqueueCommand(context.Background(), []string{"-file", path}); code != 0 {
		t.Fatalf("enqueue exit code = %d, want 0", code)
	}
	if code := runStatusCommand(context.Background(), []string{"Q-1001"}); code != 0 {
		t.Fatalf("status exit code = %d, want 0", code)
	}
}

func TestRunEventsCommand_RequiresSelector(t *testing.T) {
	setTestHome(t)
	if code := runEventsCommand(context.Background(), nil); code != 2 {
		t.Fatalf("events with no selector exit code = %d, want 2", code)
	}
}

func TestRunEventsCommand_ByQuote(t *testing.T) {
	home := setTestHome(t)
	path := writeEnvelopeFile(t, home, validEnvelope)
	if code := runEnqueueCommand(context.Background(), []string{"-file", path}); code != 0 {
		t.Fatalf("enqueue exit code = %d, want 0", code)
	}
	if code := runEventsCommand(context.Background(), []string{"-quote", "Q-1001"}); code != 0 {
		t.Fatalf("events exit code = %d, want 0", code)
	}
}

func TestRunSweepCommand(t *testing.T) {
	setTestHome(t)
	if code := runSweepCommand(context.Background(), nil); code != 0 {
		t.Fatalf("sweep exit code = %d, want 0", code)
	}
}

func TestRunCountsCommand(t *testing.T) {
	setTestHome(t)
	if code := runCountsCommand(context.Background(), nil); code != 0 {
		t.Fatalf("counts exit code = %d, want 0", code)
	}
}

func TestRunDoctorCommand(t *testing.T) {
	setTestHome(t)
	if code := runDoctorCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("doctor exit code = %d, want 0", code)
	}
}
