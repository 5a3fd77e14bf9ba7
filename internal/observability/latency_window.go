package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	StageInterviewLatency = "interview_latency"
	StageConfigEcho       = "accept_to_config_echo"
	StageUpstreamDial     = "upstream_dial"
)

// relayStages is the fixed set of timed stages, in connection order. The
// target is the p95 budget the relay is expected to hold.
var relayStages = [...]struct {
	name      string
	targetP95 float64
}{
	{StageUpstreamDial, 800},
	{StageConfigEcho, 50},
	{StageInterviewLatency, 1200},
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Total       int     `json:"total"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms"`
	OverTarget  bool    `json:"over_target"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// series counts every observation and keeps the newest ones in a ring. A
// series without a ring is a plain event counter.
type series struct {
	ring  []float64
	total int
	last  float64
}

func (s *series) add(v float64) {
	if len(s.ring) > 0 {
		s.ring[s.total%len(s.ring)] = v
	}
	s.last = v
	s.total++
}

// sorted returns the retained samples in ascending order.
func (s *series) sorted() []float64 {
	out := slices.Clone(s.ring[:min(s.total, len(s.ring))])
	slices.Sort(out)
	return out
}

type latencyWindow struct {
	mu     sync.Mutex
	size   int
	stages [len(relayStages)]series
	events map[string]*series
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.clear()
	return w
}

func (w *latencyWindow) clear() {
	for i := range w.stages {
		w.stages[i] = series{ring: make([]float64, w.size)}
	}
	w.events = make(map[string]*series)
}

// Observe records a sample for one of the relay stages. Unknown stages and
// negative values are dropped.
func (w *latencyWindow) Observe(stage string, ms float64) {
	if ms < 0 {
		return
	}
	for i, spec := range relayStages {
		if spec.name == stage {
			w.mu.Lock()
			w.stages[i].add(ms)
			w.mu.Unlock()
			return
		}
	}
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ev, ok := w.events[name]
	if !ok {
		ev = &series{}
		w.events[name] = ev
	}
	ev.add(1)
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(relayStages)),
	}
	for i, spec := range relayStages {
		s := &w.stages[i]
		if s.total == 0 {
			continue
		}
		samples := s.sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		p95 := nearestRank(samples, 0.95)
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       spec.name,
			Samples:     len(samples),
			Total:       s.total,
			LastMS:      roundMS(s.last),
			AvgMS:       roundMS(sum / float64(len(samples))),
			P50MS:       roundMS(nearestRank(samples, 0.50)),
			P95MS:       roundMS(p95),
			P99MS:       roundMS(nearestRank(samples, 0.99)),
			TargetP95MS: spec.targetP95,
			OverTarget:  p95 > spec.targetP95,
		})
	}

	for name, ev := range w.events {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: ev.total})
	}
	slices.SortFunc(snap.Indicators, func(a, b Indicator) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

// nearestRank picks the sample at rank ceil(q*n) from an ascending slice.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(n)))
	return sorted[min(max(rank, 1), n)-1]
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
