package index

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// FailureClass buckets a failed backend attempt by how the pipeline should
// react to it.
type FailureClass int

const (
	// FailureRetryable covers timeouts, 5xx responses and transport errors:
	// retried on a short backoff curve.
	FailureRetryable FailureClass = iota
	// FailureRateLimited is a 429: always retried, with full exponential
	// backoff and jitter.
	FailureRateLimited
	// FailurePermanent covers 400/401/403/404: never retried.
	FailurePermanent
	// FailureStorageExhausted is a 507: fatal, surfaced immediately. The
	// remediation is capacity, not retry.
	FailureStorageExhausted
)

// ClassifyStatus maps an HTTP status code from the backend to a FailureClass.
func ClassifyStatus(status int) FailureClass {
	switch status {
	case http.StatusTooManyRequests:
		return FailureRateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return FailurePermanent
	case http.StatusInsufficientStorage:
		return FailureStorageExhausted
	default:
		return FailureRetryable
	}
}

// Retryable reports whether an attempt with this failure class may be tried
// again.
func (c FailureClass) Retryable() bool {
	return c == FailureRetryable || c == FailureRateLimited
}

// BackoffPolicy is a pure backoff schedule: attempt number in, delay out.
// Jitter is injectable so tests run without real randomness or sleeps.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter returns a factor in [0.5, 1.0) applied to rate-limit delays.
	// Nil means a shared math/rand source.
	Jitter func() float64
}

// DefaultBackoffPolicy mirrors the indexing defaults: 5 attempts, 1s base,
// 60s ceiling.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Delay returns how long to back off before retrying the given zero-based
// attempt. Rate-limit failures follow a jittered power-of-two curve capped at
// MaxDelay; other retryable failures follow a shorter 1.5x curve.
func (p BackoffPolicy) Delay(class FailureClass, attempt int) time.Duration {
	base := float64(p.BaseDelay)
	switch class {
	case FailureRateLimited:
		d := base * math.Pow(2, float64(attempt))
		if max := float64(p.MaxDelay); d > max {
			d = max
		}
		jitter := p.Jitter
		if jitter == nil {
			jitter = defaultJitter
		}
		return time.Duration(d * (0.5 + 0.5*jitter()))
	default:
		return time.Duration(base * math.Pow(1.5, float64(attempt)))
	}
}

func defaultJitter() float64 {
	return rand.Float64()
}

// SleepContext blocks for d or until ctx is done, returning the context error
// in the latter case so cancellation mid-retry is surfaced, not swallowed.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
