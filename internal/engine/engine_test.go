package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/consensus"
	"github.com/gougi-ai/gougi/internal/litestore"
	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/notify"
	"github.com/gougi-ai/gougi/internal/orchestrator"
	"github.com/gougi-ai/gougi/internal/provider"
	"github.com/gougi-ai/gougi/internal/quota"
	"github.com/gougi-ai/gougi/internal/store"
	"github.com/gougi-ai/gougi/internal/testutil"
)

type stubAdapter struct {
	name       string
	confidence float64
	fail       bool
	delay      time.Duration
}

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) Answer(ctx context.Context, question string) model.ProviderResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	if s.fail {
		return model.ProviderResult{
			Provider:   s.name,
			Response:   "provider call failed",
			Confidence: 0,
			Reasoning:  []string{"error:network"},
		}
	}
	return model.ProviderResult{
		Provider:   s.name,
		Response:   s.name + " says use approach A",
		Confidence: s.confidence,
		Reasoning:  []string{"considered alternatives"},
	}
}

func newTestEngine(t *testing.T, cfg Config, plans map[string]quota.Plan, adapters ...provider.Adapter) *Engine {
	t.Helper()
	logger := testutil.TestLogger()

	db, err := litestore.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	e := New(
		db,
		provider.NewRegistry(adapters...),
		orchestrator.New(5*time.Second, logger),
		consensus.New(nil),
		quota.New(db, plans, logger),
		notify.NewBroker(logger),
		nil,
		cfg,
		logger,
	)
	return e
}

func waitTerminal(t *testing.T, e *Engine, q model.Query) model.Query {
	t.Helper()
	var got model.Query
	require.Eventually(t, func() bool {
		var err error
		got, err = e.Get(context.Background(), q.ID)
		return err == nil && got.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitCompletesWithConsensus(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 2, QueueDepth: 8}, nil,
		stubAdapter{name: "openai", confidence: 0.9},
		stubAdapter{name: "anthropic", confidence: 0.7},
	)
	e.Start(context.Background())
	defer func() { _ = e.Drain(context.Background()) }()

	q, remaining, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "should we shard the users table now?"})
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusProcessing, q.Status)
	assert.Equal(t, []string{"openai", "anthropic"}, q.Providers)
	assert.Equal(t, 9, remaining)

	got := waitTerminal(t, e, q)
	assert.Equal(t, model.QueryStatusCompleted, got.Status)
	require.NotNil(t, got.Consensus)
	assert.InDelta(t, 0.8, got.Consensus.Confidence, 1e-9)
	assert.Len(t, got.Results, 2)
	require.NotNil(t, got.CompletedAt)
}

func TestAllProvidersFailedStillCompletes(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, nil,
		stubAdapter{name: "openai", fail: true},
		stubAdapter{name: "anthropic", fail: true},
	)
	e.Start(context.Background())
	defer func() { _ = e.Drain(context.Background()) }()

	q, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "is this service worth keeping alive?"})
	require.NoError(t, err)

	got := waitTerminal(t, e, q)
	assert.Equal(t, model.QueryStatusCompleted, got.Status)
	require.NotNil(t, got.Consensus)
	assert.Equal(t, 0.0, got.Consensus.Confidence)
	assert.Equal(t, consensus.FailedSummary, got.Consensus.Summary)
	assert.Len(t, got.Results, 2)
}

func TestSubmitQuotaExceeded(t *testing.T) {
	plans := map[string]quota.Plan{"free": {Name: "Free", DailyLimit: 1}}
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, plans,
		stubAdapter{name: "openai", confidence: 0.9},
	)
	e.Start(context.Background())
	defer func() { _ = e.Drain(context.Background()) }()

	req := &model.SubmitRequest{Question: "does the quota gate actually hold?"}
	_, remaining, err := e.Submit(context.Background(), "caller-1", "free", req)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, _, err = e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "does the quota gate actually hold?"})
	assert.ErrorIs(t, err, quota.ErrExceeded)
}

func TestSubmitRejectsUnknownProvider(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, nil,
		stubAdapter{name: "openai", confidence: 0.9},
	)

	_, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{
			Question:  "what does an unknown provider produce?",
			Providers: []string{"no-such-provider"},
		})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmitRejectsShortQuestion(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, nil,
		stubAdapter{name: "openai", confidence: 0.9},
	)

	_, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "short"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// createFailStore rejects every insert while delegating the rest of the
// store contract.
type createFailStore struct {
	store.Store
}

func (createFailStore) CreateQuery(context.Context, model.Query) error {
	return errors.New("insert rejected")
}

func TestCreateFailureReleasesQuota(t *testing.T) {
	logger := testutil.TestLogger()
	db, err := litestore.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	plans := map[string]quota.Plan{"free": {Name: "Free", DailyLimit: 1}}
	tracker := quota.New(db, plans, logger)
	e := New(
		createFailStore{Store: db},
		provider.NewRegistry(stubAdapter{name: "openai", confidence: 0.9}),
		orchestrator.New(5*time.Second, logger),
		consensus.New(nil),
		tracker,
		notify.NewBroker(logger),
		nil,
		Config{Workers: 1, QueueDepth: 4},
		logger,
	)

	_, _, err = e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "does a failed insert still cost quota?"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, quota.ErrExceeded)

	// The admitted unit was given back.
	usage, err := tracker.Usage(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}

func TestSubscriberReceivesTerminalEvent(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, nil,
		stubAdapter{name: "openai", confidence: 0.9, delay: 200 * time.Millisecond},
	)
	e.Start(context.Background())
	defer func() { _ = e.Drain(context.Background()) }()

	q, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "will the subscriber hear about this?"})
	require.NoError(t, err)

	ch, cancel := e.Subscribe(q.ID)
	defer cancel()

	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, q.ID, ev.QueryID)
		assert.Equal(t, model.EventCompleted, ev.Kind)
		require.NotNil(t, ev.Consensus)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
	}
}

func TestQueueFullFailsQuery(t *testing.T) {
	// Workers never started, so the queue cannot drain.
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 1}, nil,
		stubAdapter{name: "openai", confidence: 0.9},
	)

	q1, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "first one should be accepted fine"})
	require.NoError(t, err)

	_, _, err = e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "second one should bounce off the queue"})
	assert.ErrorIs(t, err, ErrQueueFull)

	// The accepted query is still queued and untouched.
	got, err := e.Get(context.Background(), q1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusProcessing, got.Status)
}

func TestDrainWaitsForInflight(t *testing.T) {
	e := newTestEngine(t, Config{Workers: 1, QueueDepth: 4}, nil,
		stubAdapter{name: "openai", confidence: 0.9, delay: 150 * time.Millisecond},
	)
	e.Start(context.Background())

	q, _, err := e.Submit(context.Background(), "caller-1", "free",
		&model.SubmitRequest{Question: "drain must wait for me to finish"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Drain(ctx))

	got, err := e.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}
