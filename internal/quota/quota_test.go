package quota

import (
	"context"
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

// memStore implements just enough of store.Store for quota tests.
type memStore struct {
	mu       sync.Mutex
	counters map[string]int
}

func newMemStore() *memStore {
	return &memStore{counters: make(map[string]int)}
}

func (m *memStore) AdmitUsage(ctx context.Context, callerID, day string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := callerID + "/" + day
	if limit > 0 && m.counters[key] >= limit {
		return m.counters[key], false, nil
	}
	m.counters[key]++
	return m.counters[key], true, nil
}

func (m *memStore) ReleaseUsage(ctx context.Context, callerID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := callerID + "/" + day
	if m.counters[key] > 0 {
		m.counters[key]--
	}
	return nil
}

func (m *memStore) GetUsage(ctx context.Context, callerID, day string) (model.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.UsageCounter{CallerID: callerID, Day: day, Count: m.counters[callerID+"/"+day]}, nil
}

func (m *memStore) CreateQuery(context.Context, model.Query) error { return nil }
func (m *memStore) GetQuery(context.Context, uuid.UUID) (model.Query, error) {
	return model.Query{}, store.ErrNotFound
}
func (m *memStore) FinalizeQuery(context.Context, uuid.UUID, []model.ProviderResult, model.Consensus, time.Duration) error {
	return nil
}
func (m *memStore) FailQuery(context.Context, uuid.UUID, string) error { return nil }
func (m *memStore) Ping(context.Context) error                         { return nil }
func (m *memStore) Close(context.Context) error                        { return nil }

func TestAdmitUpToLimit(t *testing.T) {
	tr := New(newMemStore(), map[string]Plan{"free": {Name: "Free", DailyLimit: 3}}, testutil.TestLogger())

	for i := 1; i <= 3; i++ {
		count, err := tr.Admit(context.Background(), "caller-1", "free")
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := tr.Admit(context.Background(), "caller-1", "free")
	assert.ErrorIs(t, err, ErrExceeded)
	assert.Equal(t, 3, count)
}

func TestAdmitUnlimitedPlan(t *testing.T) {
	tr := New(newMemStore(), nil, testutil.TestLogger())

	for i := 0; i < 50; i++ {
		_, err := tr.Admit(context.Background(), "caller-1", "enterprise")
		require.NoError(t, err)
	}
}

func TestUnknownPlanFallsBackToFree(t *testing.T) {
	tr := New(newMemStore(), nil, testutil.TestLogger())

	assert.Equal(t, DefaultPlans["free"], tr.Plan("no-such-plan"))
	assert.Equal(t, 10, tr.Limit("no-such-plan"))
}

func TestDayBoundaryResetsCounter(t *testing.T) {
	tr := New(newMemStore(), map[string]Plan{"free": {Name: "Free", DailyLimit: 1}}, testutil.TestLogger())

	day1 := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	tr.now = func() time.Time { return day1 }
	_, err := tr.Admit(context.Background(), "caller-1", "free")
	require.NoError(t, err)
	_, err = tr.Admit(context.Background(), "caller-1", "free")
	assert.ErrorIs(t, err, ErrExceeded)

	// One minute later it is a new UTC day.
	tr.now = func() time.Time { return day1.Add(time.Minute) }
	_, err = tr.Admit(context.Background(), "caller-1", "free")
	require.NoError(t, err)
}

func TestReleaseRestoresAdmittedUnit(t *testing.T) {
	tr := New(newMemStore(), map[string]Plan{"free": {Name: "Free", DailyLimit: 1}}, testutil.TestLogger())

	_, err := tr.Admit(context.Background(), "caller-1", "free")
	require.NoError(t, err)
	_, err = tr.Admit(context.Background(), "caller-1", "free")
	assert.ErrorIs(t, err, ErrExceeded)

	require.NoError(t, tr.Release(context.Background(), "caller-1"))

	count, err := tr.Admit(context.Background(), "caller-1", "free")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUsage(t *testing.T) {
	tr := New(newMemStore(), nil, testutil.TestLogger())

	_, err := tr.Admit(context.Background(), "caller-1", "free")
	require.NoError(t, err)

	usage, err := tr.Usage(context.Background(), "caller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Count)
}
