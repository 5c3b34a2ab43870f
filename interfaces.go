package gougi

import "context"

// Provider is a custom reasoning provider registered via WithProvider.
// It joins the configured panel and participates in every fan-out that
// selects it by name.
//
// Unlike the built-in adapters, a Provider may return an error: the
// engine converts errors (and out-of-range confidences) into the failure
// sentinel, so a misbehaving provider lowers consensus confidence but
// never fails a query.
type Provider interface {
	// Name returns the stable provider identifier. It must not collide
	// with the built-in names ("openai", "anthropic", "ollama").
	Name() string

	// Answer asks the provider the given question. It must honor ctx
	// cancellation.
	Answer(ctx context.Context, question string) (Answer, error)
}

// EventHook receives async notifications when a query reaches its
// terminal state. Multiple hooks may be registered via multiple
// WithEventHook calls.
//
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but never affect the query outcome.
type EventHook interface {
	OnQueryCompleted(ctx context.Context, ev LifecycleEvent) error
	OnQueryFailed(ctx context.Context, ev LifecycleEvent) error
}
