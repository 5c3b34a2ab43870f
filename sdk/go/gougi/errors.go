// Package gougi provides a Go client for the Gougi consensus API.
package gougi

import (
	"errors"
	"fmt"
)

// Error represents an error from the Gougi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Limit      int // daily limit, set when Code is "quota_exceeded"
}

func (e *Error) Error() string {
	return fmt.Sprintf("gougi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsQuotaExceeded returns true if the caller's daily query quota is
// exhausted.
func IsQuotaExceeded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == "quota_exceeded"
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests),
// whether from burst rate limiting or quota exhaustion.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsQueueFull returns true if the server's worker queue rejected the
// submission (503). Retry after a backoff.
func IsQueueFull(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 503
	}
	return false
}
