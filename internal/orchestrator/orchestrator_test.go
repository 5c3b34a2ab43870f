package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/provider"
	"github.com/gougi-ai/gougi/internal/testutil"
)

// fakeAdapter answers after an optional delay, or fails with a sentinel.
type fakeAdapter struct {
	name       string
	confidence float64
	delay      time.Duration
	fail       bool
	calls      atomic.Int64
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Answer(ctx context.Context, _ string) model.ProviderResult {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.ProviderResult{
				Provider:  f.name,
				Response:  "provider call failed",
				Reasoning: []string{provider.TagTimeout},
			}
		}
	}
	if f.fail {
		return model.ProviderResult{
			Provider:  f.name,
			Response:  "provider call failed",
			Reasoning: []string{provider.TagNetwork},
		}
	}
	return model.ProviderResult{Provider: f.name, Response: "answer from " + f.name, Confidence: f.confidence}
}

func TestRun_OneResultPerProvider(t *testing.T) {
	adapters := []provider.Adapter{
		&fakeAdapter{name: "a", confidence: 0.8},
		&fakeAdapter{name: "b", confidence: 0.9},
		&fakeAdapter{name: "c", confidence: 0.7},
	}
	o := New(0, testutil.TestLogger())

	res, err := o.Run(context.Background(), "any question here?", adapters, 1)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "a", res.Results[0].Provider)
	assert.Equal(t, "b", res.Results[1].Provider)
	assert.Equal(t, "c", res.Results[2].Provider)
}

func TestRun_AllProvidersFailStillReturnsFullSet(t *testing.T) {
	adapters := []provider.Adapter{
		&fakeAdapter{name: "a", fail: true},
		&fakeAdapter{name: "b", fail: true},
	}
	o := New(0, testutil.TestLogger())

	res, err := o.Run(context.Background(), "any question here?", adapters, 1)
	require.NoError(t, err, "individual provider failures must not fail the orchestration")
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.True(t, r.Failed())
	}
}

func TestRun_EmptyProviderSetIsFatal(t *testing.T) {
	o := New(0, testutil.TestLogger())
	_, err := o.Run(context.Background(), "any question here?", nil, 1)
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestRun_SlowProviderDoesNotBlockOthers(t *testing.T) {
	slow := &fakeAdapter{name: "slow", confidence: 0.5, delay: 150 * time.Millisecond}
	fast := &fakeAdapter{name: "fast", confidence: 0.9}
	o := New(0, testutil.TestLogger())

	start := time.Now()
	res, err := o.Run(context.Background(), "any question here?", []provider.Adapter{slow, fast}, 1)
	require.NoError(t, err)

	// Barrier semantics: total wall clock tracks the slowest provider,
	// not the sum of both.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Failed())
	assert.False(t, res.Results[1].Failed())
}

func TestRun_CallsGenuinelyOverlap(t *testing.T) {
	const n = 8
	adapters := make([]provider.Adapter, n)
	for i := range adapters {
		adapters[i] = &fakeAdapter{name: string(rune('a' + i)), confidence: 0.5, delay: 100 * time.Millisecond}
	}
	o := New(0, testutil.TestLogger())

	start := time.Now()
	_, err := o.Run(context.Background(), "any question here?", adapters, 1)
	require.NoError(t, err)

	// Serialized execution would take n*100ms; overlap keeps it near 100ms.
	assert.Less(t, time.Since(start), time.Duration(n)*100*time.Millisecond/2)
}

func TestRun_GatherTimeoutKeepsArrivedResults(t *testing.T) {
	fast := &fakeAdapter{name: "fast", confidence: 0.9}
	stuck := &fakeAdapter{name: "stuck", confidence: 0.5, delay: 5 * time.Second}
	o := New(100*time.Millisecond, testutil.TestLogger())

	res, err := o.Run(context.Background(), "any question here?", []provider.Adapter{fast, stuck}, 1)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Failed(), "fast result should be kept")
	assert.True(t, res.Results[1].Failed(), "stuck provider should yield a timeout sentinel")
	assert.Contains(t, res.Results[1].Reasoning, provider.TagTimeout)
}

func TestRun_MultiRoundRepeatsFanOut(t *testing.T) {
	a := &fakeAdapter{name: "a", confidence: 0.8}
	b := &fakeAdapter{name: "b", confidence: 0.6}
	o := New(0, testutil.TestLogger())

	res, err := o.Run(context.Background(), "any question here?", []provider.Adapter{a, b}, 3)
	require.NoError(t, err)
	assert.Len(t, res.Results, 6)
	assert.EqualValues(t, 3, a.calls.Load())
	assert.EqualValues(t, 3, b.calls.Load())
}

func TestRun_CancelledContextBeforeDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := New(0, testutil.TestLogger())
	_, err := o.Run(ctx, "any question here?", []provider.Adapter{&fakeAdapter{name: "a"}}, 1)
	assert.Error(t, err)
}
