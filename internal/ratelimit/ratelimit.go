// Package ratelimit bounds short-horizon request bursts per caller.
//
// The quota tracker enforces the daily plan ceiling; this package covers
// the seconds scale: a token bucket per (route class, caller) pair, so a
// caller hammering submissions cannot starve query lookups or token
// issuance for everyone else.
package ratelimit

import "context"

// Class names a group of routes sharing one burst policy. Buckets are
// keyed by class and caller together, so exhausting the submit allowance
// leaves reads untouched.
type Class string

const (
	// ClassSubmit covers query submission, the expensive path: every
	// admitted request triggers a provider fan-out.
	ClassSubmit Class = "submit"

	// ClassQuery covers reads: query lookup and usage.
	ClassQuery Class = "query"

	// ClassAuth covers token issuance. Keyed by client IP since the
	// caller is not authenticated yet.
	ClassAuth Class = "auth"
)

// Limiter decides whether a caller may perform one more request of a
// given class. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of the caller's burst allowance for class.
	// Returning an error signals a limiter malfunction; callers treat
	// errors as fail-open (permit the request) rather than blocking
	// traffic.
	Allow(ctx context.Context, class Class, callerID string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, Class, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
