// Package consensus reduces a set of provider results into one verdict.
//
// Sentinel failure results (confidence 0.0) are excluded from every
// aggregate; when nothing valid remains the engine returns the explicit
// degenerate consensus rather than an error.
package consensus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gougi-ai/gougi/internal/model"
)

// FailedSummary is the summary text of the degenerate consensus.
const FailedSummary = "aggregation failed: no usable provider response"

// Differ extracts convergence and divergence statements from valid
// results. The built-in LexicalDiffer compares shared vocabulary; smarter
// semantic strategies can be plugged in without touching the engine.
type Differ interface {
	Diff(valid []model.ProviderResult) (convergence, divergence []string)
}

// Engine computes consensus verdicts.
type Engine struct {
	differ Differ
}

// New creates an Engine. A nil differ falls back to LexicalDiffer.
func New(differ Differ) *Engine {
	if differ == nil {
		differ = LexicalDiffer{}
	}
	return &Engine{differ: differ}
}

// Summarize derives the consensus from the full result set.
//
// Aggregate confidence is the exact arithmetic mean of the valid
// confidences. The summary leads with the highest-confidence valid
// response (ties broken by position) and states how many providers
// contributed. Deterministic for a given input.
func (e *Engine) Summarize(results []model.ProviderResult) model.Consensus {
	valid := make([]model.ProviderResult, 0, len(results))
	for _, r := range results {
		if !r.Failed() {
			valid = append(valid, r)
		}
	}

	if len(valid) == 0 {
		return model.Consensus{
			Summary:     FailedSummary,
			Confidence:  0,
			Convergence: []string{},
			Divergence:  []string{},
		}
	}

	var sum float64
	lead := 0
	for i, r := range valid {
		sum += r.Confidence
		if r.Confidence > valid[lead].Confidence {
			lead = i
		}
	}

	convergence, divergence := e.differ.Diff(valid)
	return model.Consensus{
		Summary: fmt.Sprintf("%s (consensus of %d of %d providers)",
			valid[lead].Response, len(valid), len(results)),
		Confidence:  sum / float64(len(valid)),
		Convergence: convergence,
		Divergence:  divergence,
	}
}

// LexicalDiffer derives convergence/divergence from shared vocabulary.
// Words appearing in every valid response become convergence statements;
// responses dominated by words no other provider used become divergence
// statements. Crude, but deterministic and provider-count agnostic.
type LexicalDiffer struct{}

// minWordLen filters glue words out of the comparison.
const minWordLen = 4

// Diff implements Differ.
func (LexicalDiffer) Diff(valid []model.ProviderResult) (convergence, divergence []string) {
	convergence = []string{}
	divergence = []string{}
	if len(valid) == 0 {
		return convergence, divergence
	}

	sets := make([]map[string]bool, len(valid))
	for i, r := range valid {
		sets[i] = wordSet(r.Response)
	}

	if len(valid) == 1 {
		convergence = append(convergence, fmt.Sprintf("single valid response from %s", valid[0].Provider))
		return convergence, divergence
	}

	// Shared terms: present in every response.
	var shared []string
	for w := range sets[0] {
		in := true
		for _, s := range sets[1:] {
			if !s[w] {
				in = false
				break
			}
		}
		if in {
			shared = append(shared, w)
		}
	}
	sort.Strings(shared)
	if len(shared) > 0 {
		const maxShown = 8
		if len(shared) > maxShown {
			shared = shared[:maxShown]
		}
		convergence = append(convergence, fmt.Sprintf("all %d providers mention: %s",
			len(valid), strings.Join(shared, ", ")))
	} else {
		convergence = append(convergence, fmt.Sprintf("%d providers produced answers with no common key terms", len(valid)))
	}

	// Unique terms per provider: a response mostly made of words nobody
	// else used signals disagreement.
	for i, r := range valid {
		unique := 0
		for w := range sets[i] {
			solo := true
			for j, s := range sets {
				if j != i && s[w] {
					solo = false
					break
				}
			}
			if solo {
				unique++
			}
		}
		if len(sets[i]) > 0 && unique*2 > len(sets[i]) {
			divergence = append(divergence, fmt.Sprintf("%s diverges: %d/%d of its key terms are unique",
				r.Provider, unique, len(sets[i])))
		}
	}
	if len(divergence) == 0 {
		divergence = append(divergence, "no provider diverges substantially")
	}
	return convergence, divergence
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) >= minWordLen {
			set[w] = true
		}
	}
	return set
}
