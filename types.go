package gougi

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus is the lifecycle state of a submitted query.
// Transitions are one-directional: processing → completed or failed.
type QueryStatus string

const (
	QueryStatusProcessing QueryStatus = "processing"
	QueryStatusCompleted  QueryStatus = "completed"
	QueryStatusFailed     QueryStatus = "failed"
)

// Query is the public representation of a deliberated question.
// It is a curated view of the internal query model for use in extension
// interfaces. No internal package imports, so they are safe to use from outside
// the module.
type Query struct {
	ID          uuid.UUID
	CallerID    string
	Question    string
	Status      QueryStatus
	Providers   []string
	Rounds      int
	Results     []ProviderResult
	Consensus   *Consensus
	FailReason  *string
	CreatedAt   time.Time
	CompletedAt *time.Time
	ElapsedMs   int64
}

// ProviderResult is one provider's answer. Confidence 0.0 marks a failed
// provider call; such results are excluded from consensus averaging but
// kept for audit.
type ProviderResult struct {
	Provider   string
	Response   string
	Confidence float64
	Reasoning  []string
	LatencyMs  int64
}

// Consensus is the aggregated verdict over the provider results.
type Consensus struct {
	Summary     string
	Confidence  float64
	Convergence []string
	Divergence  []string
}

// EventKind distinguishes terminal lifecycle events.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// LifecycleEvent is the single terminal notification emitted per query.
type LifecycleEvent struct {
	QueryID   uuid.UUID
	Kind      EventKind
	Consensus *Consensus
	Reason    string
}

// Answer is a custom provider's successful response to a question.
type Answer struct {
	Response   string
	Confidence float64 // (0, 1]; out-of-range values are replaced.
	Reasoning  []string
}
