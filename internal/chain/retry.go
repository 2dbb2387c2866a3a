package chain

import (
	"context"
	"time"

	"vaultBridge/internal/vaulterr"
)

// Retry runs fn until it succeeds, maxRetries is exhausted or the error is
// not retryable. The delay doubles after each attempt. Only reads go through
// Retry; transactions are never resent blindly.
func Retry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !vaulterr.Retryable(err) {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
