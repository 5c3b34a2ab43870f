package litestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/store"
	"github.com/gougi-ai/gougi/internal/testutil"
)

func newTestStore(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func newQuery(callerID string) model.Query {
	return model.Query{
		ID:        uuid.New(),
		CallerID:  callerID,
		Question:  "what is the best approach to caching here?",
		Status:    model.QueryStatusProcessing,
		Providers: []string{"openai", "anthropic"},
		Rounds:    1,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetQuery(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	q := newQuery("caller-1")
	require.NoError(t, db.CreateQuery(ctx, q))

	got, err := db.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, q.CallerID, got.CallerID)
	assert.Equal(t, q.Question, got.Question)
	assert.Equal(t, model.QueryStatusProcessing, got.Status)
	assert.Equal(t, q.Providers, got.Providers)
	assert.Equal(t, 1, got.Rounds)
	assert.Nil(t, got.Consensus)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.Results)
}

func TestGetQueryNotFound(t *testing.T) {
	db := newTestStore(t)

	_, err := db.GetQuery(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeQuery(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	q := newQuery("caller-1")
	require.NoError(t, db.CreateQuery(ctx, q))

	results := []model.ProviderResult{
		{Provider: "openai", Response: "use a read-through cache", Confidence: 0.9, Reasoning: []string{"hot path"}, LatencyMs: 120},
		{Provider: "anthropic", Response: "provider call failed", Confidence: 0, LatencyMs: 30000},
	}
	consensus := model.Consensus{
		Summary:     "use a read-through cache (consensus of 1 of 2 providers)",
		Confidence:  0.9,
		Convergence: []string{"cache"},
		Divergence:  []string{},
	}
	require.NoError(t, db.FinalizeQuery(ctx, q.ID, results, consensus, 350*time.Millisecond))

	got, err := db.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusCompleted, got.Status)
	require.NotNil(t, got.Consensus)
	assert.Equal(t, consensus.Summary, got.Consensus.Summary)
	assert.Equal(t, consensus.Confidence, got.Consensus.Confidence)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(350), got.ElapsedMs)

	// Failed results are persisted alongside valid ones, in order.
	require.Len(t, got.Results, 2)
	assert.Equal(t, "openai", got.Results[0].Provider)
	assert.Equal(t, "anthropic", got.Results[1].Provider)
	assert.True(t, got.Results[1].Failed())
}

func TestFinalizeIsMonotonic(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	q := newQuery("caller-1")
	require.NoError(t, db.CreateQuery(ctx, q))
	require.NoError(t, db.FinalizeQuery(ctx, q.ID, nil, model.Consensus{Summary: "first"}, time.Second))

	// A second terminal transition must not rewrite the query.
	err := db.FinalizeQuery(ctx, q.ID, nil, model.Consensus{Summary: "second"}, time.Second)
	assert.ErrorIs(t, err, store.ErrTerminal)

	err = db.FailQuery(ctx, q.ID, "late failure")
	assert.ErrorIs(t, err, store.ErrTerminal)

	got, err := db.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Consensus.Summary)
	assert.Nil(t, got.FailReason)
}

func TestFailQuery(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	q := newQuery("caller-1")
	require.NoError(t, db.CreateQuery(ctx, q))
	require.NoError(t, db.FailQuery(ctx, q.ID, "all providers failed"))

	got, err := db.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusFailed, got.Status)
	require.NotNil(t, got.FailReason)
	assert.Equal(t, "all providers failed", *got.FailReason)

	err = db.FinalizeQuery(ctx, q.ID, nil, model.Consensus{}, 0)
	assert.ErrorIs(t, err, store.ErrTerminal)
}

func TestFinalizeNotFound(t *testing.T) {
	db := newTestStore(t)

	err := db.FinalizeQuery(context.Background(), uuid.New(), nil, model.Consensus{}, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmitUsageLimit(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	day := store.Day(time.Now())

	for i := 1; i <= 3; i++ {
		count, admitted, err := db.AdmitUsage(ctx, "caller-1", day, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}

	count, admitted, err := db.AdmitUsage(ctx, "caller-1", day, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count)

	// Other callers and other days have independent counters.
	_, admitted, err = db.AdmitUsage(ctx, "caller-2", day, 3)
	require.NoError(t, err)
	assert.True(t, admitted)

	_, admitted, err = db.AdmitUsage(ctx, "caller-1", "2026-01-01", 3)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestAdmitUsageUnlimited(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		count, admitted, err := db.AdmitUsage(ctx, "caller-1", "2026-06-01", 0)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}
}

func TestReleaseUsageRestoresSlot(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	day := store.Day(time.Now())

	_, admitted, err := db.AdmitUsage(ctx, "caller-1", day, 1)
	require.NoError(t, err)
	require.True(t, admitted)
	_, admitted, err = db.AdmitUsage(ctx, "caller-1", day, 1)
	require.NoError(t, err)
	require.False(t, admitted)

	require.NoError(t, db.ReleaseUsage(ctx, "caller-1", day))

	count, admitted, err := db.AdmitUsage(ctx, "caller-1", day, 1)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, count)
}

func TestReleaseUsageNeverBelowZero(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	day := store.Day(time.Now())

	// Missing row: no-op.
	require.NoError(t, db.ReleaseUsage(ctx, "caller-1", day))

	_, _, err := db.AdmitUsage(ctx, "caller-1", day, 0)
	require.NoError(t, err)
	require.NoError(t, db.ReleaseUsage(ctx, "caller-1", day))
	require.NoError(t, db.ReleaseUsage(ctx, "caller-1", day))

	usage, err := db.GetUsage(ctx, "caller-1", day)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}

func TestAdmitUsageConcurrent(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	const limit = 10
	const attempts = 40

	var wg sync.WaitGroup
	admittedCh := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, admitted, err := db.AdmitUsage(ctx, "caller-1", "2026-06-02", limit)
			if err != nil {
				t.Error(err)
				return
			}
			admittedCh <- admitted
		}()
	}
	wg.Wait()
	close(admittedCh)

	admitted := 0
	for ok := range admittedCh {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted, "exactly limit admits must succeed")

	usage, err := db.GetUsage(ctx, "caller-1", "2026-06-02")
	require.NoError(t, err)
	assert.Equal(t, limit, usage.Count)
}

func TestGetUsageMissingRow(t *testing.T) {
	db := newTestStore(t)

	usage, err := db.GetUsage(context.Background(), "nobody", "2026-06-03")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
	assert.Equal(t, "nobody", usage.CallerID)
}
