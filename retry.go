package atlas

import (
	"errors"
	"math/rand"
	"time"
)

// Provider stream retry policy. Exhaustion is fatal for the turn.
const (
	// defaultMaxAttempts is the ceiling on provider stream attempts per turn.
	defaultMaxAttempts = 5
	// defaultRetryBase is the backoff before the second attempt.
	defaultRetryBase = time.Second
	// maxRetryDelay caps the exponential backoff.
	maxRetryDelay = 60 * time.Second
)

// IsTransient reports whether err is a retryable provider error: an HTTP
// 429, 500, 502, 503, or 529 response.
func IsTransient(err error) bool {
	var e *ErrHTTP
	if !errors.As(err, &e) {
		return false
	}
	switch e.Status {
	case 429, 500, 502, 503, 529:
		return true
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i (0-indexed), using
// exponential backoff with jitter as a floor and the server's Retry-After
// value (if present) as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		backoff = ra
	}
	if backoff > maxRetryDelay {
		backoff = maxRetryDelay
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	if exp <= 0 || exp > maxRetryDelay {
		exp = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
