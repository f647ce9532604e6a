// Package retry implements the retry policy shared by the bucket and hub
// clients: up to four attempts, the per-attempt timeout doubling each time a
// transient error is seen, with no sleep between attempts.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxAttempts is the attempt ceiling mandated for both the bucket and
// hub clients.
const DefaultMaxAttempts = 4

// IsTransient classifies an error as retryable. Callers supply this since
// "transient" means something different over a bucket socket than over a
// hub socket (though today both clients use the same net.Error-based check).
type IsTransient func(err error) bool

// Call invokes fn up to maxAttempts times. Each attempt is handed a
// per-attempt timeout that doubles after every transient failure (base,
// 2*base, 4*base, ...), mirroring the original client's connection-timeout
// growth rather than a sleep-based backoff: the next attempt is made
// immediately, just with more patience. A non-transient error, or success,
// returns immediately without further attempts. ctx cancellation aborts
// between attempts.
func Call[T any](ctx context.Context, logger *slog.Logger, maxAttempts int, base time.Duration, transient IsTransient, name string, fn func(timeout time.Duration) (T, error)) (T, error) {
	var zero T
	var lastErr error
	timeout := base
	for i := 0; i < maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		result, err := fn(timeout)
		if err == nil || !transient(err) {
			return result, err
		}
		lastErr = err
		if logger != nil {
			logger.Warn("retry: transient failure", "op", name, "attempt", i+1, "max_attempts", maxAttempts, "timeout", timeout, "error", err)
		}
		timeout *= 2
	}
	return zero, lastErr
}
