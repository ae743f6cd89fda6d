// Package resilience provides the retry helper used by pipeline stages and
// a circuit breaker guarding the transcription server.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry runs fn up to attempts times. After a failed attempt it sleeps
// 2^attempt seconds (1s, 2s, 4s, ...) before trying again, honouring ctx
// cancellation during the sleep. The last error is returned once the budget
// is exhausted.
//
// An attempts value below 1 is treated as a single attempt.
func Retry(ctx context.Context, name string, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		slog.Warn("operation failed, retrying",
			"operation", name,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)
}
