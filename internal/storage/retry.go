package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/canonica-labs/dbtester/internal/errors"
)

// RetryConfig configures how often opening the store is attempted.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including first try).
	// Default: 5
	MaxAttempts int

	// InitialDelay is the initial delay between attempts.
	// Default: 200ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	// Default: 5s
	MaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the startup retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// RetryResult reports every attempt made. Retries are never silent.
type RetryResult struct {
	Attempts  int
	LastError error
	Errors    []error
	Success   bool
}

// String provides a human-readable summary of the retry result.
func (r RetryResult) String() string {
	if r.Success {
		if r.Attempts == 1 {
			return "succeeded on first attempt"
		}
		return fmt.Sprintf("succeeded after %d attempts", r.Attempts)
	}
	return fmt.Sprintf("failed after %d attempts: %v", r.Attempts, r.LastError)
}

// IsRetryable reports whether err means the store may come up later.
// Configuration and validation errors are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var unavailable *errors.ErrDatabaseUnavailable
	return stderrors.As(err, &unavailable)
}

// ExecuteWithRetry calls fn until it succeeds, fails with an error that is
// not retryable, or runs out of attempts.
func ExecuteWithRetry(ctx context.Context, config RetryConfig, fn func() error) RetryResult {
	config = config.withDefaults()
	result := RetryResult{Errors: make([]error, 0, config.MaxAttempts)}
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.Errors = append(result.Errors, ctx.Err())
			return result
		}

		err := fn()
		if err == nil {
			result.Success = true
			result.LastError = nil
			return result
		}
		result.LastError = err
		result.Errors = append(result.Errors, err)

		if !IsRetryable(err) {
			return result
		}

		// Don't sleep after last attempt
		if attempt < config.MaxAttempts {
			select {
			case <-ctx.Done():
				result.LastError = ctx.Err()
				result.Errors = append(result.Errors, ctx.Err())
				return result
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.BackoffMultiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}
		}
	}
	return result
}

// OpenWithRetry opens the store, retrying while it is unreachable. The
// gateway uses it so it can start alongside its database.
func OpenWithRetry(ctx context.Context, cfg PostgresConfig, retry RetryConfig) (*sql.DB, RetryResult, error) {
	var db *sql.DB
	result := ExecuteWithRetry(ctx, retry, func() error {
		var err error
		db, err = Open(ctx, cfg)
		return err
	})
	if !result.Success {
		return nil, result, result.LastError
	}
	return db, result, nil
}
