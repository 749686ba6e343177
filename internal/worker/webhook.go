package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/quoteflow/internal/persistence"
	"github.com/basket/quoteflow/internal/retry"
)

// WebhookExecutor delivers a task's payload to an HTTP endpoint. It is the
// stock executor for deployments whose side effects live behind internal
// services: the response hash doubles as the result fingerprint.
type WebhookExecutor struct {
	url    string
	client *http.Client
}

// NewWebhookExecutor builds an executor posting to url. timeout bounds the
// whole request; zero means 30 seconds.
func NewWebhookExecutor(url string, timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookExecutor) Execute(ctx context.Context, task persistence.Task) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader([]byte(task.Payload)))
	if err != nil {
		return "", retry.WithClass(retry.ErrorClassValidation, fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers can deduplicate on the key if a retry races a slow first delivery.
	req.Header.Set("X-Operation-Key", task.OperationKey)
	req.Header.Set("X-Task-Id", task.ID)
	req.Header.Set("X-Quote-Id", task.QuoteID)
	req.Header.Set("X-Attempt", fmt.Sprintf("%d", task.RetryCount+1))

	resp, err := w.client.Do(req)
	if err != nil {
		if strings.Contains(err.Error(), "Client.Timeout") {
			return "", retry.WithClass(retry.ErrorClassTimeout, err)
		}
		return "", retry.WithClass(retry.ErrorClassNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retry.WithClass(retry.ErrorClassNetwork, fmt.Errorf("read webhook response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		sum := sha256.Sum256(body)
		return fmt.Sprintf("webhook:%d:%s", resp.StatusCode, hex.EncodeToString(sum[:8])), nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", retry.WithClass(retry.ErrorClassValidation,
			fmt.Errorf("webhook rejected payload: %s: %s", resp.Status, truncate(body, 256)))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return "", retry.WithClass(retry.ErrorClassTimeout,
			fmt.Errorf("webhook timed out upstream: %s", resp.Status))
	default:
		return "", retry.WithClass(retry.ErrorClassNetwork,
			fmt.Errorf("webhook returned %s: %s", resp.Status, truncate(body, 256)))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
