// Package providers holds one adapter per LLM family, each implementing
// llmprovider.LLMProvider over its own SDK.
package providers

import (
	"context"

	"github.com/haasonsaas/agentrun/internal/backoff"
)

// BaseProvider carries the retry policy shared by every adapter. Adapters
// embed it and call Retry around their SDK call rather than hand-rolling
// backoff loops.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.BackoffPolicy
}

// NewBaseProvider builds a BaseProvider with sensible retry defaults: 3
// attempts against backoff.DefaultPolicy().
func NewBaseProvider(name string) BaseProvider {
	return BaseProvider{
		name:       name,
		maxRetries: 3,
		policy:     backoff.DefaultPolicy(),
	}
}

// Name returns the adapter's provider identifier.
func (b BaseProvider) Name() string { return b.name }

// Retry runs op, retrying while isRetryable(err) is true, up to maxRetries
// attempts, sleeping according to policy between attempts. It stops early
// if ctx is cancelled.
func (b BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < b.maxRetries {
			if err := backoff.SleepWithBackoff(ctx, b.policy, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
