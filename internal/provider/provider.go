// Package provider implements adapters for external reasoning services.
//
// Every adapter converts its own failures (network, timeout, non-2xx,
// malformed payload) into a sentinel ProviderResult with confidence 0.0
// and a reasoning tag naming the failure class. No error ever crosses the
// adapter boundary: failures flow through the same data shape as successes
// so the orchestrator's gather step never has to special-case them.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
)

// Failure class tags attached to sentinel results.
const (
	TagTimeout   = "error:timeout"
	TagNetwork   = "error:network"
	TagStatus    = "error:status"
	TagMalformed = "error:malformed"
)

// defaultConfidence is used when a provider's payload carries no usable
// self-reported confidence. Fixed, never randomized.
const defaultConfidence = 0.7

// failedResponse is the generic error-indicating response text carried by
// sentinel results. The upstream error detail goes to logs, not to callers.
const failedResponse = "provider call failed"

// Adapter is the uniform call contract to one external reasoning service.
// Implementations must be safe for concurrent use and must honor ctx
// cancellation; Answer never panics and never returns a partial result.
type Adapter interface {
	// Name returns the stable provider identifier (e.g. "openai").
	Name() string

	// Answer asks the provider the given question. It always returns a
	// ProviderResult: on any failure the result is the sentinel form
	// (confidence 0.0, error-indicating response, failure-class tag).
	Answer(ctx context.Context, question string) model.ProviderResult
}

// ProviderError wraps an upstream failure with its classification tag.
// It stays internal to this package; adapters absorb it into sentinel
// results before returning.
type ProviderError struct {
	Provider string
	Tag      string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Tag, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classify maps a transport-level error to a failure tag.
func classify(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return TagTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TagTimeout
	}
	return TagNetwork
}

// sentinel builds the failure-shaped result for a provider.
func sentinel(name, tag string, latency time.Duration) model.ProviderResult {
	return model.ProviderResult{
		Provider:   name,
		Response:   failedResponse,
		Confidence: 0,
		Reasoning:  []string{tag},
		LatencyMs:  latency.Milliseconds(),
	}
}

// answerPayload is the structured output adapters request from providers.
// Providers that ignore the instruction still work: the raw text becomes
// the response with defaultConfidence.
type answerPayload struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

const answerInstruction = `Answer the question below. Respond with a single JSON object of the form
{"answer": "...", "confidence": 0.0-1.0, "reasoning": ["...", "..."]}
where confidence is your own estimate of how certain you are.`

// parseAnswer extracts the structured payload from a model completion.
// Falls back to treating the whole text as the answer when no valid JSON
// object is present. Out-of-range confidences are clamped into (0, 1];
// a reported 0 is bumped to the default so it cannot collide with the
// failure sentinel.
func parseAnswer(text string) (answer string, confidence float64, reasoning []string) {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		var p answerPayload
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &p); err == nil && p.Answer != "" {
			c := p.Confidence
			if c <= 0 || c > 1 {
				c = defaultConfidence
			}
			return p.Answer, c, p.Reasoning
		}
	}
	return trimmed, defaultConfidence, nil
}

// Registry holds the configured adapters in a stable order.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry builds a registry from the given adapters, preserving order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			continue
		}
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Names returns all registered provider identifiers in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select resolves the requested provider names to adapters, preserving
// registration order. Empty input selects every registered adapter.
// Unknown names are reported as an error listing the known set.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	if len(names) == 0 {
		out := make([]Adapter, 0, len(r.order))
		for _, n := range r.order {
			out = append(out, r.adapters[n])
		}
		return out, nil
	}

	requested := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.adapters[n]; !ok {
			known := r.Names()
			sort.Strings(known)
			return nil, fmt.Errorf("provider: unknown provider %q (known: %s)", n, strings.Join(known, ", "))
		}
		requested[n] = true
	}

	out := make([]Adapter, 0, len(requested))
	for _, n := range r.order {
		if requested[n] {
			out = append(out, r.adapters[n])
		}
	}
	return out, nil
}

// newHTTPClient builds the shared client shape used by all adapters.
// The timeout here is a transport-level backstop; the real per-call bound
// comes from the context each Answer call derives.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout + 5*time.Second}
}
