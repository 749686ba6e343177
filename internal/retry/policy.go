// Package retry decides whether a failed attempt is retried and when the
// task becomes eligible again. It is pure: no clock reads, no store access.
package retry

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// ErrorClass categorizes executor failures for retry decisions.
type ErrorClass string

const (
	// ErrorClassNetwork indicates a connectivity failure reaching the
	// external collaborator. Transient.
	ErrorClassNetwork ErrorClass = "NETWORK_ERROR"

	// ErrorClassTimeout indicates the side effect did not report in time.
	// Transient.
	ErrorClassTimeout ErrorClass = "TIMEOUT_ERROR"

	// ErrorClassValidation indicates a malformed payload. Always terminal:
	// the payload never changes across retries, so retrying cannot succeed.
	ErrorClassValidation ErrorClass = "VALIDATION_ERROR"

	// ErrorClassStaleClaim marks a sweeper-forced reclaim of a presumed-dead
	// worker. Transient.
	ErrorClassStaleClaim ErrorClass = "STALE_CLAIM"

	// ErrorClassUnknown is the default for unrecognized errors. Treated as
	// transient so an unclassified blip does not burn a task permanently.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Transient reports whether the class is eligible for retry at all.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassValidation:
		return false
	default:
		return true
	}
}

// Classify maps an executor error to an ErrorClass by inspecting the message
// for known patterns. Workers that know their failure mode should pass the
// class explicitly; this is the fallback.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") {
		return ErrorClassNetwork
	}

	if strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "invalid payload") ||
		strings.Contains(msg, "schema violation") ||
		strings.Contains(msg, "unmarshal") {
		return ErrorClassValidation
	}

	return ErrorClassUnknown
}

// Policy holds the backoff tunables. The zero value is not usable; construct
// via Default or from config.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// Default returns the stock policy: 5s base, doubling, capped at 10 minutes.
func Default() Policy {
	return Policy{
		BaseDelay:  5 * time.Second,
		MaxDelay:   10 * time.Minute,
		Multiplier: 2.0,
	}
}

// Decision is the outcome of consulting the policy for one failure.
type Decision struct {
	// Retry is true when the task goes to RETRYABLE_FAILED rather than
	// FAILED_TERMINAL.
	Retry bool
	// Delay is the backoff before the task is claimable again. Zero when
	// Retry is false.
	Delay time.Duration
	// NextRetryCount is the retry_count the task carries after this failure.
	NextRetryCount int
}

// Decide applies the retry rules: a failure is retried iff the error class is
// transient and retry_count has not reached max_retries. retryCount is the
// count recorded before this failure.
func (p Policy) Decide(taskID string, class ErrorClass, retryCount, maxRetries int) Decision {
	next := retryCount + 1
	if !class.Transient() || retryCount >= maxRetries {
		return Decision{Retry: false, NextRetryCount: next}
	}
	return Decision{
		Retry:          true,
		Delay:          p.Backoff(taskID, next),
		NextRetryCount: next,
	}
}

// Backoff computes base*multiplier^(attempt-1) with deterministic jitter
// derived from the task id, so concurrent sweepers converge on the same
// available_at and thundering-herd reclaims spread out. The result never
// drops below the un-jittered bound for the attempt.
func (p Policy) Backoff(taskID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		base *= mult
		if base >= float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
			break
		}
	}
	delay := time.Duration(base)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitterMax := delay / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	jitterHash := hashString(taskID + ":" + strconv.Itoa(attempt))
	jitterSource, _ := strconv.ParseUint(jitterHash[:min(len(jitterHash), 8)], 16, 64)
	jitter := time.Duration(int64(jitterSource % uint64(jitterMax)))

	total := delay + jitter
	if total > p.MaxDelay+jitterMax {
		total = p.MaxDelay + jitterMax
	}
	return total
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}
