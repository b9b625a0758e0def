package providers

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig bounds transient-failure retries on provider calls.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries twice with short exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 15 * time.Second}
}

// httpError marks a provider HTTP failure with its status code.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func (e *httpError) retryable() bool {
	return e.status == 429 || e.status >= 500
}

// retryDo runs fn, retrying retryable HTTP failures with backoff.
func retryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		he, ok := err.(*httpError)
		if !ok || !he.retryable() || attempt >= cfg.MaxRetries {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
