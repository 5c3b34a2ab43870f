package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/storage"
	"github.com/gougi-ai/gougi/internal/store"
	"github.com/gougi-ai/gougi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newQuery(callerID string) model.Query {
	return model.Query{
		ID:        uuid.New(),
		CallerID:  callerID,
		Question:  "should we switch the queue to NATS?",
		Status:    model.QueryStatusProcessing,
		Providers: []string{"openai", "anthropic"},
		Rounds:    1,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetQuery(t *testing.T) {
	ctx := context.Background()

	q := newQuery("alice")
	require.NoError(t, testDB.CreateQuery(ctx, q))

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, "alice", got.CallerID)
	assert.Equal(t, model.QueryStatusProcessing, got.Status)
	assert.Equal(t, []string{"openai", "anthropic"}, got.Providers)
	assert.Nil(t, got.Consensus)
	assert.Empty(t, got.Results)
}

func TestGetQueryNotFound(t *testing.T) {
	_, err := testDB.GetQuery(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinalizeQueryPersistsResultsInOrder(t *testing.T) {
	ctx := context.Background()

	q := newQuery("alice")
	require.NoError(t, testDB.CreateQuery(ctx, q))

	results := []model.ProviderResult{
		{Provider: "openai", Response: "yes", Confidence: 0.9, Reasoning: []string{"benchmarks"}, LatencyMs: 420},
		{Provider: "anthropic", Response: "provider call failed", Confidence: 0, Reasoning: []string{"error:timeout"}, LatencyMs: 30000},
	}
	cons := model.Consensus{Summary: "yes", Confidence: 0.9, Convergence: []string{"throughput"}}
	require.NoError(t, testDB.FinalizeQuery(ctx, q.ID, results, cons, 31*time.Second))

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusCompleted, got.Status)
	require.NotNil(t, got.Consensus)
	assert.InDelta(t, 0.9, got.Consensus.Confidence, 1e-9)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "openai", got.Results[0].Provider)
	assert.Equal(t, "anthropic", got.Results[1].Provider)
	assert.True(t, got.Results[1].Failed())
	assert.Equal(t, []string{"error:timeout"}, got.Results[1].Reasoning)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(31000), got.ElapsedMs)
}

func TestFinalizeIsMonotonic(t *testing.T) {
	ctx := context.Background()

	q := newQuery("alice")
	require.NoError(t, testDB.CreateQuery(ctx, q))
	require.NoError(t, testDB.FinalizeQuery(ctx, q.ID, nil, model.Consensus{Summary: "done"}, time.Second))

	err := testDB.FinalizeQuery(ctx, q.ID, nil, model.Consensus{Summary: "again"}, time.Second)
	assert.ErrorIs(t, err, store.ErrTerminal)

	err = testDB.FailQuery(ctx, q.ID, "too late")
	assert.ErrorIs(t, err, store.ErrTerminal)

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusCompleted, got.Status)
	assert.Nil(t, got.FailReason)
}

func TestFailQuery(t *testing.T) {
	ctx := context.Background()

	q := newQuery("alice")
	require.NoError(t, testDB.CreateQuery(ctx, q))
	require.NoError(t, testDB.FailQuery(ctx, q.ID, "worker queue full"))

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryStatusFailed, got.Status)
	require.NotNil(t, got.FailReason)
	assert.Equal(t, "worker queue full", *got.FailReason)
}

func TestFinalizeMissingQuery(t *testing.T) {
	err := testDB.FinalizeQuery(context.Background(), uuid.New(), nil, model.Consensus{}, time.Second)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdmitUsageEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	callerID := "limited-" + uuid.NewString()
	day := store.Day(time.Now())

	for i := 1; i <= 3; i++ {
		count, admitted, err := testDB.AdmitUsage(ctx, callerID, day, 3)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, i, count)
	}

	count, admitted, err := testDB.AdmitUsage(ctx, callerID, day, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 3, count)
}

func TestAdmitUsageUnlimited(t *testing.T) {
	ctx := context.Background()
	callerID := "unlimited-" + uuid.NewString()
	day := store.Day(time.Now())

	for i := 1; i <= 20; i++ {
		_, admitted, err := testDB.AdmitUsage(ctx, callerID, day, 0)
		require.NoError(t, err)
		require.True(t, admitted)
	}
}

func TestReleaseUsageRestoresSlot(t *testing.T) {
	ctx := context.Background()
	callerID := "released-" + uuid.NewString()
	day := store.Day(time.Now())

	_, admitted, err := testDB.AdmitUsage(ctx, callerID, day, 1)
	require.NoError(t, err)
	require.True(t, admitted)
	_, admitted, err = testDB.AdmitUsage(ctx, callerID, day, 1)
	require.NoError(t, err)
	require.False(t, admitted)

	require.NoError(t, testDB.ReleaseUsage(ctx, callerID, day))

	count, admitted, err := testDB.AdmitUsage(ctx, callerID, day, 1)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, 1, count)
}

func TestReleaseUsageNeverBelowZero(t *testing.T) {
	ctx := context.Background()
	callerID := "zero-" + uuid.NewString()
	day := store.Day(time.Now())

	// Missing row: no-op.
	require.NoError(t, testDB.ReleaseUsage(ctx, callerID, day))

	_, _, err := testDB.AdmitUsage(ctx, callerID, day, 0)
	require.NoError(t, err)
	require.NoError(t, testDB.ReleaseUsage(ctx, callerID, day))
	require.NoError(t, testDB.ReleaseUsage(ctx, callerID, day))

	usage, err := testDB.GetUsage(ctx, callerID, day)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}

// TestAdmitUsageConcurrent verifies that concurrent submissions never
// overshoot the daily limit: exactly limit admissions out of many attempts.
func TestAdmitUsageConcurrent(t *testing.T) {
	ctx := context.Background()
	callerID := "concurrent-" + uuid.NewString()
	day := store.Day(time.Now())
	const limit = 10
	const attempts = 40

	var wg sync.WaitGroup
	admissions := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, admitted, err := testDB.AdmitUsage(ctx, callerID, day, limit)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			admissions <- admitted
		}()
	}
	wg.Wait()
	close(admissions)

	granted := 0
	for admitted := range admissions {
		if admitted {
			granted++
		}
	}
	assert.Equal(t, limit, granted)

	usage, err := testDB.GetUsage(ctx, callerID, day)
	require.NoError(t, err)
	assert.Equal(t, limit, usage.Count)
}

func TestGetUsageMissingRow(t *testing.T) {
	usage, err := testDB.GetUsage(context.Background(), "nobody-"+uuid.NewString(), store.Day(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Count)
}

// TestNotifyRoundtrip publishes a lifecycle event over LISTEN/NOTIFY and
// reads it back on the dedicated notify connection.
func TestNotifyRoundtrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelQueries))

	ev := model.LifecycleEvent{
		QueryID:   uuid.New(),
		Kind:      model.EventCompleted,
		Consensus: &model.Consensus{Summary: "agreed", Confidence: 0.8},
	}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, testDB.Notify(ctx, storage.ChannelQueries, string(payload)))

	channel, got, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelQueries, channel)

	var decoded model.LifecycleEvent
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, ev.QueryID, decoded.QueryID)
	assert.Equal(t, model.EventCompleted, decoded.Kind)
	require.NotNil(t, decoded.Consensus)
	assert.InDelta(t, 0.8, decoded.Consensus.Confidence, 1e-9)
}
