package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted wraps the last error once every attempt of [Retry] has
// failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig bounds a [Retry] loop.
type RetryConfig struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean 1.
	Attempts int

	// Backoff is the delay before the first retry. It doubles after every
	// attempt up to MaxBackoff. Zero retries immediately.
	Backoff time.Duration

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration

	// Retryable reports whether err warrants another attempt. When nil every
	// error is retried.
	Retryable func(error) bool

	// OnRetry, when set, is called before each retry with the 1-based number
	// of the attempt that failed.
	OnRetry func(attempt int, err error)
}

// Retry calls fn until it succeeds, returns a non-retryable error, ctx is
// done, or the attempt budget is spent. Non-retryable errors are returned
// unchanged; an exhausted budget returns an error matching both
// [ErrRetriesExhausted] and the last failure.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	attempts := max(cfg.Attempts, 1)
	delay := cfg.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), err)
			case <-timer.C:
			}
			delay *= 2
			if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
				delay = cfg.MaxBackoff
			}
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, err)
		}
	}
}
