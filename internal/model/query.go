// Package model defines the core domain types for Gougi.
//
// Types correspond directly to database tables and event payloads.
// Strong typing (UUIDs, time.Time, enums) is preferred over interface{}.
package model

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus represents the lifecycle state of a submitted query.
// Transitions are one-directional: processing → completed or failed.
type QueryStatus string

const (
	QueryStatusProcessing QueryStatus = "processing"
	QueryStatusCompleted  QueryStatus = "completed"
	QueryStatusFailed     QueryStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s QueryStatus) Terminal() bool {
	return s == QueryStatusCompleted || s == QueryStatusFailed
}

// Query is a question submitted for multi-provider deliberation.
// Consensus is non-nil iff Status == completed.
type Query struct {
	ID          uuid.UUID        `json:"id"`
	CallerID    string           `json:"caller_id"`
	Question    string           `json:"question"`
	Status      QueryStatus      `json:"status"`
	Providers   []string         `json:"providers"`
	Rounds      int              `json:"rounds"`
	Results     []ProviderResult `json:"results,omitempty"`
	Consensus   *Consensus       `json:"consensus,omitempty"`
	FailReason  *string          `json:"fail_reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ElapsedMs   int64            `json:"elapsed_ms"`
}

// ProviderResult is one provider's answer to a question.
//
// Confidence 0.0 is the reserved sentinel for a failed provider call:
// such results carry an error-indicating response and a reasoning tag
// naming the failure class, are excluded from consensus averaging, and
// are still persisted for audit.
type ProviderResult struct {
	Provider   string   `json:"provider"`
	Response   string   `json:"response"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
	LatencyMs  int64    `json:"latency_ms"`
}

// Failed reports whether this result is a sentinel failure.
func (r ProviderResult) Failed() bool { return r.Confidence == 0 }

// Consensus is the aggregated verdict over all provider results.
// Confidence is the exact arithmetic mean of the valid (non-sentinel)
// provider confidences, or 0.0 when no valid result exists.
type Consensus struct {
	Summary     string   `json:"summary"`
	Confidence  float64  `json:"confidence"`
	Convergence []string `json:"convergence_points"`
	Divergence  []string `json:"divergence_points"`
}

// UsageCounter is one caller's submission count for a UTC calendar day.
// Exactly one row exists per (caller, day).
type UsageCounter struct {
	CallerID string `json:"caller_id"`
	Day      string `json:"day"` // YYYY-MM-DD, UTC
	Count    int    `json:"count"`
}

// EventKind distinguishes terminal lifecycle events.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// LifecycleEvent is the single terminal notification published per query.
type LifecycleEvent struct {
	QueryID   uuid.UUID  `json:"query_id"`
	Kind      EventKind  `json:"kind"`
	Consensus *Consensus `json:"consensus,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
