package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/interviewrelay/internal/observability"
)

// Recorder is the in-memory authority for telemetry sessions. Every mutation
// is written through to the Store; store failures are logged, never returned.
type Recorder struct {
	mu        sync.RWMutex
	sessions  map[string]*record
	store     Store
	logger    *slog.Logger
	metrics   *observability.Metrics
	retention time.Duration
	now       func() time.Time
	onEnd     func(Session)
}

type record struct {
	mu sync.Mutex
	s  Session
}

func NewRecorder(store Store, retention time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Recorder {
	if store == nil {
		store = NopStore{}
	}
	if retention <= 0 {
		retention = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sessions:  make(map[string]*record),
		store:     store,
		logger:    logger,
		metrics:   metrics,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEndHook registers a callback run after a session ends for the first time.
func (r *Recorder) SetEndHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = hook
}

func (r *Recorder) CreateSession(ctx context.Context, configToken string) Session {
	s := Session{
		SessionID:   uuid.NewString(),
		ConfigToken: configToken,
		StartedAt:   r.now(),
		LatencyLogs: []LatencyMeasurement{},
		NetworkLogs: []NetworkSample{},
	}

	r.mu.Lock()
	r.sessions[s.SessionID] = &record{s: s}
	r.mu.Unlock()

	if err := r.store.CreateSession(ctx, s); err != nil {
		r.storeFailed("create", s.SessionID, err)
	}
	r.event("created")
	return clone(s)
}

// RecordLatency appends aiStartTime-userEndTime to the session log and
// recomputes the aggregates over the whole log.
func (r *Recorder) RecordLatency(ctx context.Context, sessionID string, userEndTime, aiStartTime int64) (LatencyResult, error) {
	rec, err := r.lookup(sessionID)
	if err != nil {
		return LatencyResult{}, err
	}

	m := LatencyMeasurement{
		Timestamp:   r.now(),
		UserEndTime: userEndTime,
		AIStartTime: aiStartTime,
		LatencyMs:   aiStartTime - userEndTime,
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	late := rec.s.Ended()
	if late {
		rec.s.LateWrites++
	}
	rec.s.LatencyLogs = append(rec.s.LatencyLogs, m)
	agg := computeAggregates(rec.s.LatencyLogs)
	rec.s.AverageLatencyMs = agg.AverageLatencyMs
	rec.s.MaxLatencyMs = agg.MaxLatencyMs
	rec.s.MinLatencyMs = agg.MinLatencyMs

	if err := r.store.AppendLatency(ctx, sessionID, len(rec.s.LatencyLogs), m, agg, rec.s.LateWrites); err != nil {
		r.storeFailed("append_latency", sessionID, err)
	}

	r.event("latency_logged")
	if late {
		r.event("late_write")
	}
	if r.metrics != nil {
		r.metrics.ObserveInterviewLatency(m.LatencyMs)
	}
	return LatencyResult{SessionID: sessionID, LatencyMs: m.LatencyMs, LateWrite: late}, nil
}

// RecordNetworkSample appends a sample. No aggregate is kept for network data.
func (r *Recorder) RecordNetworkSample(ctx context.Context, sessionID string, speedMbps float64, quality string) (late bool, err error) {
	rec, err := r.lookup(sessionID)
	if err != nil {
		return false, err
	}
	n := NetworkSample{Timestamp: r.now(), SpeedMbps: speedMbps, Quality: quality}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	late = rec.s.Ended()
	if late {
		rec.s.LateWrites++
	}
	rec.s.NetworkLogs = append(rec.s.NetworkLogs, n)
	if err := r.store.AppendNetwork(ctx, sessionID, len(rec.s.NetworkLogs), n, rec.s.LateWrites); err != nil {
		r.storeFailed("append_network", sessionID, err)
	}

	r.event("network_logged")
	if late {
		r.event("late_write")
	}
	return late, nil
}

// SetResumptionHandle stores the latest resumable handle for a session. Only
// the relay's upstream reader calls it.
func (r *Recorder) SetResumptionHandle(sessionID, handle string) error {
	rec, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.s.ResumptionHandle = handle
	rec.mu.Unlock()
	return nil
}

// EndSession stamps endedAt once; later calls return the record unchanged.
func (r *Recorder) EndSession(ctx context.Context, sessionID string) (Session, error) {
	rec, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}

	rec.mu.Lock()
	if rec.s.Ended() {
		out := clone(rec.s)
		rec.mu.Unlock()
		return out, nil
	}
	endedAt := r.now()
	rec.s.EndedAt = &endedAt
	if err := r.store.EndSession(ctx, sessionID, endedAt, rec.s.ResumptionHandle); err != nil {
		r.storeFailed("end", sessionID, err)
	}
	out := clone(rec.s)
	rec.mu.Unlock()

	r.event("ended")
	r.mu.RLock()
	hook := r.onEnd
	r.mu.RUnlock()
	if hook != nil {
		hook(out)
	}
	return out, nil
}

// GetSession returns the in-memory record, falling back to the store for
// sessions already evicted by the janitor.
func (r *Recorder) GetSession(ctx context.Context, sessionID string) (Session, error) {
	r.mu.RLock()
	rec, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return clone(rec.s), nil
	}
	return r.store.GetSession(ctx, sessionID)
}

// ActiveCount reports sessions that have not ended.
func (r *Recorder) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, rec := range r.sessions {
		rec.mu.Lock()
		if !rec.s.Ended() {
			count++
		}
		rec.mu.Unlock()
	}
	return count
}

// StartJanitor evicts ended sessions from memory once they are older than the
// retention window.
func (r *Recorder) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictEnded()
			}
		}
	}()
}

func (r *Recorder) evictEnded() int {
	cutoff := r.now().Add(-r.retention)
	evicted := 0

	r.mu.Lock()
	for id, rec := range r.sessions {
		rec.mu.Lock()
		stale := rec.s.EndedAt != nil && rec.s.EndedAt.Before(cutoff)
		rec.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			evicted++
		}
	}
	r.mu.Unlock()

	if evicted > 0 {
		r.logger.Debug("evicted ended sessions", "count", evicted)
	}
	return evicted
}

func (r *Recorder) lookup(sessionID string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (r *Recorder) event(name string) {
	if r.metrics == nil {
		return
	}
	r.metrics.SessionEvents.WithLabelValues(name).Inc()
}

func (r *Recorder) storeFailed(op, sessionID string, err error) {
	r.logger.Warn("telemetry store write failed", "op", op, "session_id", sessionID, "error", err)
	r.event("store_error")
}

// computeAggregates derives average (mean truncated toward zero), max and min
// from the whole log.
func computeAggregates(logs []LatencyMeasurement) Aggregates {
	if len(logs) == 0 {
		return Aggregates{}
	}
	sum := int64(0)
	maxV := logs[0].LatencyMs
	minV := logs[0].LatencyMs
	for _, m := range logs {
		sum += m.LatencyMs
		if m.LatencyMs > maxV {
			maxV = m.LatencyMs
		}
		if m.LatencyMs < minV {
			minV = m.LatencyMs
		}
	}
	return Aggregates{
		AverageLatencyMs: sum / int64(len(logs)),
		MaxLatencyMs:     maxV,
		MinLatencyMs:     minV,
	}
}

func clone(s Session) Session {
	c := s
	c.LatencyLogs = append([]LatencyMeasurement(nil), s.LatencyLogs...)
	c.NetworkLogs = append([]NetworkSample(nil), s.NetworkLogs...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if c.LatencyLogs == nil {
		c.LatencyLogs = []LatencyMeasurement{}
	}
	if c.NetworkLogs == nil {
		c.NetworkLogs = []NetworkSample{}
	}
	return c
}
