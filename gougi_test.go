package gougi

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/model"
)

type stubProvider struct {
	name   string
	answer Answer
	err    error
}

func (s stubProvider) Name() string { return s.name }

func (s stubProvider) Answer(ctx context.Context, question string) (Answer, error) {
	return s.answer, s.err
}

func TestProviderAdapterPassesThroughSuccess(t *testing.T) {
	a := &providerAdapter{p: stubProvider{
		name:   "inhouse",
		answer: Answer{Response: "ship it", Confidence: 0.9, Reasoning: []string{"load tested"}},
	}}

	res := a.Answer(context.Background(), "roll out?")
	assert.Equal(t, "inhouse", res.Provider)
	assert.Equal(t, "ship it", res.Response)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.Equal(t, []string{"load tested"}, res.Reasoning)
}

func TestProviderAdapterConvertsErrorToSentinel(t *testing.T) {
	a := &providerAdapter{p: stubProvider{
		name: "inhouse",
		err:  errors.New("connection refused"),
	}}

	res := a.Answer(context.Background(), "roll out?")
	assert.True(t, res.Failed())
	assert.Equal(t, []string{"error:external"}, res.Reasoning)
	assert.Equal(t, "provider call failed", res.Response)
}

func TestProviderAdapterRejectsOutOfRangeConfidence(t *testing.T) {
	for _, confidence := range []float64{0, -0.5, 1.5} {
		a := &providerAdapter{p: stubProvider{
			name:   "inhouse",
			answer: Answer{Response: "sure", Confidence: confidence},
		}}
		res := a.Answer(context.Background(), "roll out?")
		assert.True(t, res.Failed(), "confidence %v should yield a sentinel", confidence)
	}
}

func TestToPublicQuery(t *testing.T) {
	id := uuid.New()
	done := time.Now().UTC()
	q := model.Query{
		ID:        id,
		CallerID:  "alice",
		Question:  "migrate the session store?",
		Status:    model.QueryStatusCompleted,
		Providers: []string{"openai", "anthropic"},
		Rounds:    1,
		Results: []model.ProviderResult{
			{Provider: "openai", Response: "yes", Confidence: 0.9},
			{Provider: "anthropic", Response: "provider call failed", Confidence: 0, Reasoning: []string{"error:timeout"}},
		},
		Consensus:   &model.Consensus{Summary: "yes", Confidence: 0.9},
		CompletedAt: &done,
		ElapsedMs:   1234,
	}

	pub := toPublicQuery(q)
	assert.Equal(t, id, pub.ID)
	assert.Equal(t, QueryStatusCompleted, pub.Status)
	require.Len(t, pub.Results, 2)
	assert.Equal(t, float64(0), pub.Results[1].Confidence)
	require.NotNil(t, pub.Consensus)
	assert.InDelta(t, 0.9, pub.Consensus.Confidence, 1e-9)
	assert.Equal(t, int64(1234), pub.ElapsedMs)
}

func TestToPublicEvent(t *testing.T) {
	id := uuid.New()

	completed := toPublicEvent(model.LifecycleEvent{
		QueryID:   id,
		Kind:      model.EventCompleted,
		Consensus: &model.Consensus{Summary: "go", Confidence: 0.8},
	})
	assert.Equal(t, EventCompleted, completed.Kind)
	require.NotNil(t, completed.Consensus)
	assert.Equal(t, "go", completed.Consensus.Summary)

	failed := toPublicEvent(model.LifecycleEvent{
		QueryID: id,
		Kind:    model.EventFailed,
		Reason:  "worker queue full",
	})
	assert.Equal(t, EventFailed, failed.Kind)
	assert.Nil(t, failed.Consensus)
	assert.Equal(t, "worker queue full", failed.Reason)
}
