package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
)

// HandleQueryEvents handles GET /v1/queries/{id}/events (SSE).
//
// The stream carries exactly one terminal event and then ends. A query
// that is already terminal gets its event synthesized from stored state,
// since terminal events are never replayed by the broker.
func (h *Handlers) HandleQueryEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "no claims in context")
		return
	}

	q, ok := h.lookupQuery(w, r, claims.CallerID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}

	// Subscribe before the terminal check so an event landing between the
	// two cannot be missed.
	ch, cancel := h.engine.Subscribe(q.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	if ev, done := terminalEvent(q); done {
		h.writeEvent(w, flusher, ev)
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				// Closed without an event: the terminal event fired between
				// our store read and the subscription. Re-read stored state.
				latest, err := h.engine.Get(ctx, q.ID)
				if err != nil {
					return
				}
				if tev, done := terminalEvent(latest); done {
					h.writeEvent(w, flusher, tev)
				}
				return
			}
			h.writeEvent(w, flusher, ev)
			return
		}
	}
}

// terminalEvent synthesizes a lifecycle event from a stored terminal query.
func terminalEvent(q model.Query) (model.LifecycleEvent, bool) {
	switch q.Status {
	case model.QueryStatusCompleted:
		return model.LifecycleEvent{QueryID: q.ID, Kind: model.EventCompleted, Consensus: q.Consensus}, true
	case model.QueryStatusFailed:
		reason := ""
		if q.FailReason != nil {
			reason = *q.FailReason
		}
		return model.LifecycleEvent{QueryID: q.ID, Kind: model.EventFailed, Reason: reason}, true
	default:
		return model.LifecycleEvent{}, false
	}
}

// writeEvent writes one SSE-framed lifecycle event.
func (h *Handlers) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev model.LifecycleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode sse event", "query_id", ev.QueryID, "error", err)
		return
	}
	if _, err := w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}
