package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	fail     bool
	calls    int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]Session)}
}

func (m *memStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("db down")
	}
	m.sessions[s.SessionID] = clone(s)
	return nil
}

func (m *memStore) AppendLatency(_ context.Context, id string, seq int, lm LatencyMeasurement, agg Aggregates, late int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("db down")
	}
	s := m.sessions[id]
	s.LatencyLogs = append(s.LatencyLogs, lm)
	s.AverageLatencyMs, s.MaxLatencyMs, s.MinLatencyMs = agg.AverageLatencyMs, agg.MaxLatencyMs, agg.MinLatencyMs
	s.LateWrites = late
	m.sessions[id] = s
	return nil
}

func (m *memStore) AppendNetwork(_ context.Context, id string, seq int, n NetworkSample, late int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("db down")
	}
	s := m.sessions[id]
	s.NetworkLogs = append(s.NetworkLogs, n)
	s.LateWrites = late
	m.sessions[id] = s
	return nil
}

func (m *memStore) EndSession(_ context.Context, id string, endedAt time.Time, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("db down")
	}
	s := m.sessions[id]
	s.EndedAt = &endedAt
	s.ResumptionHandle = handle
	m.sessions[id] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

func (m *memStore) Close() error { return nil }

func TestRecordLatencyScenario(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")
	require.NotEmpty(t, s.SessionID)
	assert.Zero(t, s.AverageLatencyMs)
	assert.Empty(t, s.LatencyLogs)

	res, err := r.RecordLatency(ctx, s.SessionID, 1000, 1450)
	require.NoError(t, err)
	assert.Equal(t, int64(450), res.LatencyMs)

	res, err = r.RecordLatency(ctx, s.SessionID, 1600, 2150)
	require.NoError(t, err)
	assert.Equal(t, int64(550), res.LatencyMs)

	got, err := r.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, got.LatencyLogs, 2)
	assert.Equal(t, int64(450), got.LatencyLogs[0].LatencyMs)
	assert.Equal(t, int64(550), got.LatencyLogs[1].LatencyMs)
	assert.Equal(t, int64(500), got.AverageLatencyMs)
	assert.Equal(t, int64(550), got.MaxLatencyMs)
	assert.Equal(t, int64(450), got.MinLatencyMs)
}

func TestAggregatesMatchLogAfterEveryInsert(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		userEnd := rng.Int63n(1_000_000)
		_, err := r.RecordLatency(ctx, s.SessionID, userEnd, userEnd+rng.Int63n(5000))
		require.NoError(t, err)

		got, err := r.GetSession(ctx, s.SessionID)
		require.NoError(t, err)
		var sum, maxV, minV int64
		for j, m := range got.LatencyLogs {
			sum += m.LatencyMs
			if j == 0 || m.LatencyMs > maxV {
				maxV = m.LatencyMs
			}
			if j == 0 || m.LatencyMs < minV {
				minV = m.LatencyMs
			}
		}
		require.Equal(t, sum/int64(len(got.LatencyLogs)), got.AverageLatencyMs)
		require.Equal(t, maxV, got.MaxLatencyMs)
		require.Equal(t, minV, got.MinLatencyMs)
	}
}

func TestNegativeLatencyStoredAsIs(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")

	res, err := r.RecordLatency(ctx, s.SessionID, 2000, 1900)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), res.LatencyMs)
	_, err = r.RecordLatency(ctx, s.SessionID, 0, 300)
	require.NoError(t, err)

	got, _ := r.GetSession(ctx, s.SessionID)
	assert.Equal(t, int64(100), got.AverageLatencyMs)
	assert.Equal(t, int64(-100), got.MinLatencyMs)
	assert.Equal(t, int64(300), got.MaxLatencyMs)
}

func TestUnknownSession(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()

	_, err := r.RecordLatency(ctx, "missing", 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.RecordNetworkSample(ctx, "missing", 10, "good")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.EndSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.SetResumptionHandle("missing", "h"), ErrNotFound)
}

func TestEndSessionIsIdempotentAndFlagsLateWrites(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")

	var ends int
	r.SetEndHook(func(Session) { ends++ })

	first, err := r.EndSession(ctx, s.SessionID)
	require.NoError(t, err)
	require.NotNil(t, first.EndedAt)
	second, err := r.EndSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)
	assert.Equal(t, 1, ends)

	res, err := r.RecordLatency(ctx, s.SessionID, 10, 60)
	require.NoError(t, err)
	assert.True(t, res.LateWrite)
	late, err := r.RecordNetworkSample(ctx, s.SessionID, 12.5, "good")
	require.NoError(t, err)
	assert.True(t, late)

	got, _ := r.GetSession(ctx, s.SessionID)
	assert.Equal(t, 2, got.LateWrites)
	assert.Len(t, got.LatencyLogs, 1)
	assert.Len(t, got.NetworkLogs, 1)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestNetworkSamplesAppendOnly(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")

	_, err := r.RecordNetworkSample(ctx, s.SessionID, 42.5, "excellent")
	require.NoError(t, err)
	_, err = r.RecordNetworkSample(ctx, s.SessionID, 3.1, "poor")
	require.NoError(t, err)

	got, _ := r.GetSession(ctx, s.SessionID)
	require.Len(t, got.NetworkLogs, 2)
	assert.Equal(t, "poor", got.NetworkLogs[1].Quality)
	assert.Zero(t, got.AverageLatencyMs)
}

func TestGetSessionReturnsCopy(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")
	_, _ = r.RecordLatency(ctx, s.SessionID, 0, 10)

	got, _ := r.GetSession(ctx, s.SessionID)
	got.LatencyLogs[0].LatencyMs = 9999

	again, _ := r.GetSession(ctx, s.SessionID)
	assert.Equal(t, int64(10), again.LatencyLogs[0].LatencyMs)
}

func TestJanitorEvictsEndedAndFallsBackToStore(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store, time.Minute, nil, nil)
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ended := r.CreateSession(ctx, "default")
	live := r.CreateSession(ctx, "default")
	require.NoError(t, r.SetResumptionHandle(ended.SessionID, "abc"))
	_, _ = r.RecordLatency(ctx, ended.SessionID, 100, 400)
	_, err := r.EndSession(ctx, ended.SessionID)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.evictEnded())

	got, err := r.GetSession(ctx, ended.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.ResumptionHandle)
	assert.Equal(t, int64(300), got.AverageLatencyMs)
	require.NotNil(t, got.EndedAt)

	_, err = r.GetSession(ctx, live.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestStoreFailureDoesNotFailRecorder(t *testing.T) {
	store := newMemStore()
	store.fail = true
	r := NewRecorder(store, time.Hour, nil, nil)
	ctx := context.Background()

	s := r.CreateSession(ctx, "default")
	_, err := r.RecordLatency(ctx, s.SessionID, 1, 5)
	require.NoError(t, err)
	_, err = r.EndSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestConcurrentWritesKeepAggregatesConsistent(t *testing.T) {
	r := NewRecorder(nil, time.Hour, nil, nil)
	ctx := context.Background()
	s := r.CreateSession(ctx, "default")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = r.RecordLatency(ctx, s.SessionID, 0, int64(i*25+j))
				_, _ = r.RecordNetworkSample(ctx, s.SessionID, 1, "ok")
			}
		}(i)
	}
	wg.Wait()

	got, _ := r.GetSession(ctx, s.SessionID)
	require.Len(t, got.LatencyLogs, 500)
	require.Len(t, got.NetworkLogs, 500)
	assert.Equal(t, int64(249), got.AverageLatencyMs)
	assert.Equal(t, int64(499), got.MaxLatencyMs)
	assert.Equal(t, int64(0), got.MinLatencyMs)
}
