// Package util provides shared utility functions for repofs.
package util

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"repofs/internal/common"
)

// RetryConfig bounds how often a repository transaction is retried on a
// transient failure.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultTransactionRetry mirrors the settings.yaml defaults.
func DefaultTransactionRetry() RetryConfig {
	return RetryConfig{
		Attempts: 5,
		Delay:    20 * time.Millisecond,
		MaxDelay: 500 * time.Millisecond,
	}
}

// TransactionRetryOptions returns retry options for a repository unit of
// work. Only transient failures are retried; everything else stops the loop
// on the first attempt.
func TransactionRetryOptions(ctx context.Context, cfg RetryConfig) []retry.Option {
	if cfg.Attempts == 0 {
		cfg = DefaultTransactionRetry()
	}
	return []retry.Option{
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DatabaseRetryOptions returns retry options for one-off statements outside
// a transaction (schema setup, checkpoints).
// Uses linear backoff (100ms, 200ms, 300ms) suitable for transient lock errors.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// Common retry predicates

// IsTransient reports whether err is worth another attempt: an explicit
// optimistic conflict or SQLite lock contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrConflict) {
		return true
	}
	return IsDatabaseLocked(err)
}

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
