package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Question length bounds, in runes.
const (
	MinQuestionLen = 10
	MaxQuestionLen = 1000
)

// MaxRounds caps the accepted debate round count. Rounds beyond the first
// are executed as repeated independent fan-outs feeding one aggregation.
const MaxRounds = 5

// SubmitRequest is the body of POST /v1/queries.
type SubmitRequest struct {
	Question  string   `json:"question"`
	Providers []string `json:"providers,omitempty"` // default: all configured
	Rounds    int      `json:"rounds,omitempty"`    // default: 1
}

// Validate checks field bounds and normalizes defaults in place.
func (r *SubmitRequest) Validate() error {
	n := utf8.RuneCountInString(r.Question)
	if n < MinQuestionLen {
		return fmt.Errorf("model: question too short (%d runes, minimum %d)", n, MinQuestionLen)
	}
	if n > MaxQuestionLen {
		return fmt.Errorf("model: question too long (%d runes, maximum %d)", n, MaxQuestionLen)
	}
	if r.Rounds == 0 {
		r.Rounds = 1
	}
	if r.Rounds < 1 {
		return fmt.Errorf("model: rounds must be >= 1, got %d", r.Rounds)
	}
	if r.Rounds > MaxRounds {
		return fmt.Errorf("model: rounds must be <= %d, got %d", MaxRounds, r.Rounds)
	}
	seen := make(map[string]bool, len(r.Providers))
	for _, p := range r.Providers {
		if p == "" {
			return fmt.Errorf("model: empty provider name")
		}
		if seen[p] {
			return fmt.Errorf("model: duplicate provider %q", p)
		}
		seen[p] = true
	}
	return nil
}

// SubmitResponse is the synchronous acknowledgement for a submission.
type SubmitResponse struct {
	QueryID          string `json:"query_id"`
	Status           string `json:"status"`
	EstimatedSeconds int    `json:"estimated_seconds"`
	RemainingQuota   int    `json:"remaining_quota"` // -1 = unlimited
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	CallerID string `json:"caller_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse carries a freshly issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Plan      string    `json:"plan"`
}

// UsageResponse reports a caller's quota consumption for the current day.
type UsageResponse struct {
	CallerID  string `json:"caller_id"`
	Day       string `json:"day"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`     // 0 = unlimited
	Remaining int    `json:"remaining"` // -1 = unlimited
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// Error codes used in API error responses.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeForbidden     = "forbidden"
	ErrCodeNotFound      = "not_found"
	ErrCodeQuotaExceeded = "quota_exceeded"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Limit   int    `json:"limit,omitempty"` // set for quota_exceeded
}

// ResponseMeta is attached to every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}
