package outbox

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/attendflow/pkg/schema"
)

// IsRetryable classifies a delivery failure. Network errors, timeouts and
// structured errors with a retryable code are retried; rejections,
// cancellation and configuration errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *schema.Error
	if errors.As(err, &se) {
		return se.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	permanent := []string{
		"invalid recipient",
		"unsubscribed",
		"blocked",
		"permission denied",
	}
	for _, p := range permanent {
		if strings.Contains(msg, p) {
			return false
		}
	}
	// Unknown failures are retried; MaxAttempts bounds them.
	return true
}

// Backoff computes the delay before the next delivery attempt:
// base * 2^(attempts-1), capped at max. attempts is the count after the
// failure being recorded, so the first failure waits base.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
