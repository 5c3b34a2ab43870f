package gougi

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus is the lifecycle state of a submitted query.
type QueryStatus string

const (
	QueryStatusProcessing QueryStatus = "processing"
	QueryStatusCompleted  QueryStatus = "completed"
	QueryStatusFailed     QueryStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s QueryStatus) Terminal() bool {
	return s == QueryStatusCompleted || s == QueryStatusFailed
}

// Query mirrors the server's query record for API consumers.
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

// ProviderResult is one provider's answer. Confidence 0.0 marks a failed
// provider call; such results are excluded from the consensus average.
type ProviderResult struct {
	Provider   string   `json:"provider"`
	Response   string   `json:"response"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
	LatencyMs  int64    `json:"latency_ms"`
}

// Failed reports whether this result is a sentinel failure.
func (r ProviderResult) Failed() bool { return r.Confidence == 0 }

// Consensus is the aggregated verdict over the provider results.
type Consensus struct {
	Summary     string   `json:"summary"`
	Confidence  float64  `json:"confidence"`
	Convergence []string `json:"convergence_points"`
	Divergence  []string `json:"divergence_points"`
}

// SubmitRequest is the body of POST /v1/queries.
type SubmitRequest struct {
	Question  string   `json:"question"`
	Providers []string `json:"providers,omitempty"` // default: all configured
	Rounds    int      `json:"rounds,omitempty"`    // default: 1
}

// SubmitAck is the synchronous acknowledgement for a submission.
type SubmitAck struct {
	QueryID          uuid.UUID `json:"query_id"`
	Status           string    `json:"status"`
	EstimatedSeconds int       `json:"estimated_seconds"`
	RemainingQuota   int       `json:"remaining_quota"` // -1 = unlimited
}

// Usage reports the caller's quota consumption for the current UTC day.
type Usage struct {
	CallerID  string `json:"caller_id"`
	Day       string `json:"day"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`     // 0 = unlimited
	Remaining int    `json:"remaining"` // -1 = unlimited
}

// Health is the server's health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// LifecycleEvent is the terminal event carried on the SSE stream.
type LifecycleEvent struct {
	QueryID   uuid.UUID  `json:"query_id"`
	Kind      string     `json:"kind"` // "completed" or "failed"
	Consensus *Consensus `json:"consensus,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}
