// Package retry provides the single backoff combinator used by the ledger and
// signer clients. Callers decide what is retryable via a predicate; network
// errors and 5xx responses are, 4xx and logical failures are not.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy matches the bounds used for all external HTTP calls.
var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     8 * time.Second,
}

// Do runs fn up to policy.MaxAttempts times, sleeping with exponential backoff
// between attempts. A non-retryable error surfaces immediately. The context is
// honored both inside fn and while sleeping.
func Do(ctx context.Context, policy Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error, retryable func(error) bool) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	backoff := policy.InitialInterval

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) {
			return lastErr
		}

		if attempt == policy.MaxAttempts {
			break
		}

		if logger != nil {
			logger.WarnContext(ctx, "retrying after transient failure",
				"op", op,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > policy.MaxInterval {
			backoff = policy.MaxInterval
		}
	}

	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}
