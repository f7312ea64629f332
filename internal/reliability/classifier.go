package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// HTTPStatusError is returned when the chat backend answers with a non-2xx status.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat backend http status %d", e.Code)
	}
	return fmt.Sprintf("chat backend http status %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether a failed connection attempt may be retried.
// Cancellation is never retried; status errors follow IsRetryableHTTPStatus;
// everything else (dial failures, resets, truncated bodies) is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.Code)
	}
	return true
}

// RetryPolicy is a bounded fixed-delay retry schedule.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Next returns the delay before retry number attempt (1-based) and whether
// that retry is allowed.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt <= 0 || attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay, true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
