package exportapi

import (
	"fmt"
	"time"
)

// AuthError signals rejected credentials. It is fatal for the whole cycle:
// no backoff can fix an invalid token, and every entity shares it.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("export api rejected credentials (status %d)", e.StatusCode)
}

// RateLimitError signals a 429 response. RetryAfter carries the
// server-supplied wait hint when one was present.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("export api rate limited, retry after %s", e.RetryAfter)
	}
	return "export api rate limited"
}

// TransientError wraps a 5xx response or a network failure that is worth
// retrying with backoff.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export api transient failure: %v", e.Err)
	}
	return fmt.Sprintf("export api transient failure (status %d)", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError terminates the current entity's cycle after the
// configured retry bound; the cycle continues with remaining entities.
type RetryExhaustedError struct {
	Entity   string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Entity, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// RequestError is a non-retryable API failure outside the auth and transient
// classes (unexpected 4xx, malformed payload). Fatal for the entity.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("export api request failed (status %d): %s", e.StatusCode, e.Detail)
}
