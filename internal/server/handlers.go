package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gougi-ai/gougi/internal/auth"
	"github.com/gougi-ai/gougi/internal/engine"
	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/quota"
	"github.com/gougi-ai/gougi/internal/store"
)

// estimatedSeconds is the rough completion estimate returned on submit.
// Fan-outs are bounded by the provider timeout, so this is a ceiling hint,
// not a promise.
const estimatedSeconds = 30

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	tracker             *quota.Tracker
	keyring             *auth.Keyring
	jwtMgr              *auth.JWTManager
	store               store.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              *engine.Engine
	Tracker             *quota.Tracker
	Keyring             *auth.Keyring
	JWTMgr              *auth.JWTManager
	Store               store.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		tracker:             d.Tracker,
		keyring:             d.Keyring,
		jwtMgr:              d.JWTMgr,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	plan, ok := h.keyring.Verify(req.CallerID, req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(req.CallerID, plan)
	if err != nil {
		h.logger.Error("issue token", "caller_id", req.CallerID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: exp,
		Plan:      plan,
	})
}

// HandleSubmitQuery handles POST /v1/queries.
func (h *Handlers) HandleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	q, remaining, err := h.engine.Submit(r.Context(), claims.CallerID, claims.Plan, &req)
	switch {
	case err == nil:
	case errors.Is(err, quota.ErrExceeded):
		writeErrorDetail(w, r, http.StatusTooManyRequests, model.ErrorDetail{
			Code:    model.ErrCodeQuotaExceeded,
			Message: "daily query quota exceeded, resets at midnight UTC",
			Limit:   h.tracker.Limit(claims.Plan),
		})
		return
	case errors.Is(err, engine.ErrQueueFull):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "server busy, try again shortly")
		return
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, err.Error())
		return
	default:
		h.logger.Error("submit query", "caller_id", claims.CallerID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not submit query")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.SubmitResponse{
		QueryID:          q.ID.String(),
		Status:           string(q.Status),
		EstimatedSeconds: estimatedSeconds,
		RemainingQuota:   remaining,
	})
}

// HandleGetQuery handles GET /v1/queries/{id}.
func (h *Handlers) HandleGetQuery(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	q, ok := h.lookupQuery(w, r, claims.CallerID)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, q)
}

// HandleUsage handles GET /v1/usage.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	usage, err := h.tracker.Usage(r.Context(), claims.CallerID)
	if err != nil {
		h.logger.Error("get usage", "caller_id", claims.CallerID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not read usage")
		return
	}

	limit := h.tracker.Limit(claims.Plan)
	remaining := -1
	if limit > 0 {
		remaining = limit - usage.Count
		if remaining < 0 {
			remaining = 0
		}
	}

	writeJSON(w, r, http.StatusOK, model.UsageResponse{
		CallerID:  usage.CallerID,
		Day:       usage.Day,
		Count:     usage.Count,
		Limit:     limit,
		Remaining: remaining,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// lookupQuery parses the path ID and loads the caller's query. Queries
// belonging to other callers read as not found rather than forbidden.
func (h *Handlers) lookupQuery(w http.ResponseWriter, r *http.Request, callerID string) (model.Query, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid query id")
		return model.Query{}, false
	}

	q, err := h.engine.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "query not found")
			return model.Query{}, false
		}
		h.logger.Error("get query", "query_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "could not read query")
		return model.Query{}, false
	}
	if q.CallerID != callerID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "query not found")
		return model.Query{}, false
	}
	return q, true
}
