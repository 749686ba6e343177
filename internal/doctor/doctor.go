// Package doctor runs operational health checks against a QuoteFlow
// deployment: config sanity, database reachability, queue health, and
// webhook endpoint reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/quoteflow/internal/config"
	"github.com/basket/quoteflow/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkDatabase,
		checkQueueHealth,
		checkOperations,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint()),
	}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Dir", Status: "SKIP", Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Name:    "Home Dir",
			Status:  "FAIL",
			Message: "Home directory is not writable",
			Detail:  err.Error(),
		}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Home Dir", Status: "PASS", Message: cfg.HomeDir}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: "Cannot open database",
			Detail:  err.Error(),
		}
	}
	defer store.Close()
	counts, err := store.CountMetrics(ctx, time.Now().UTC().Add(-cfg.ClaimTimeout()))
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  "FAIL",
			Message: "Schema query failed",
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("%s (%d tasks tracked)", cfg.DBPath, counts.Queued+counts.Running+counts.RetryableFailed+counts.FailedTerminal+counts.Completed),
	}
}

// checkQueueHealth warns when claims have outlived the timeout, which means
// the sweeper is not running or cannot keep up.
func checkQueueHealth(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()
	counts, err := store.CountMetrics(ctx, time.Now().UTC().Add(-cfg.ClaimTimeout()))
	if err != nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Counts unavailable"}
	}
	if counts.ExpiredClaims > 0 {
		return CheckResult{
			Name:    "Queue",
			Status:  "WARN",
			Message: fmt.Sprintf("%d expired claims awaiting recovery", counts.ExpiredClaims),
			Detail:  "Run `quoteflow sweep` or check that the daemon's sweeper is active",
		}
	}
	return CheckResult{
		Name:    "Queue",
		Status:  "PASS",
		Message: fmt.Sprintf("%d queued, %d running, %d awaiting retry", counts.Queued, counts.Running, counts.RetryableFailed),
	}
}

// checkOperations dials each configured webhook host to catch dead endpoints
// before workers burn retry budgets on them.
func checkOperations(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Operations", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Operations) == 0 {
		return CheckResult{
			Name:    "Operations",
			Status:  "WARN",
			Message: "No operations configured",
			Detail:  "Claimed tasks will fail as unroutable until operations are mapped",
		}
	}
	var unreachable []string
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	for kind, op := range cfg.Operations {
		u, err := url.Parse(op.WebhookURL)
		if err != nil || u.Host == "" {
			unreachable = append(unreachable, fmt.Sprintf("%s: bad url %q", kind, op.WebhookURL))
			continue
		}
		host := u.Host
		if u.Port() == "" {
			if u.Scheme == "https" {
				host = net.JoinHostPort(u.Hostname(), "443")
			} else {
				host = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			unreachable = append(unreachable, fmt.Sprintf("%s: %v", kind, err))
			continue
		}
		conn.Close()
	}
	if len(unreachable) > 0 {
		return CheckResult{
			Name:    "Operations",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d endpoints unreachable", len(unreachable), len(cfg.Operations)),
			Detail:  fmt.Sprintf("%v", unreachable),
		}
	}
	return CheckResult{
		Name:    "Operations",
		Status:  "PASS",
		Message: fmt.Sprintf("%d endpoints reachable", len(cfg.Operations)),
	}
}
