package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
)

// Caller identifies who a request is accounted to.
type Caller struct {
	ID   string // empty skips limiting: no identity to key a bucket on
	Plan string
}

// CallerFunc extracts the caller from a request.
type CallerFunc func(r *http.Request) Caller

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// exemptPlan bypasses burst limits. The daily quota still applies.
const exemptPlan = "enterprise"

// Middleware enforces the burst limit for one route class. Requests with
// no identifiable caller and callers on the exempt plan pass through.
// A limiter error fails open.
func Middleware(limiter Limiter, class Class, callerFn CallerFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			caller := callerFn(r)
			if caller.ID == "" || caller.Plan == exemptPlan {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), class, caller.ID)
			if err != nil {
				// Limiter malfunction: permit the request rather than
				// blocking traffic.
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("Retry-After", "1")
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPCaller keys unauthenticated requests by client IP.
// Uses RemoteAddr only. X-Forwarded-For is not trusted because the server
// may not be behind a reverse proxy that sanitizes the header, and any
// client can set an arbitrary value to bypass rate limiting.
// If deployed behind a trusted proxy, configure the proxy to set RemoteAddr
// (e.g., nginx realip module).
func IPCaller(r *http.Request) Caller {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return Caller{ID: addr}
}
