package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avennor/ensemble/pkg/schema"
)

// IsRetryableError classifies whether a step failure should be retried.
// Retryable by default: invocation failures, network errors, timeouts.
// Non-retryable: role resolution failures, validation errors, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step-level deadline exceeded is retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the instance is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// EnsembleError checks its own code.
	var ee *schema.EnsembleError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy limits attempts.
	return true
}

// ComputeBackoff calculates the delay before the next attempt. Supports
// none, constant, linear, and exponential backoff with an optional
// max_delay cap. attempt is zero-based: 0 means the delay before the
// second attempt.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early with the
// context error if the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
