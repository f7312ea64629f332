package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

type StreamStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// StreamIndicator counts streams that ended in a given way, plus
// reconnects.
type StreamIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StreamStageSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	WindowSize  int                `json:"window_size"`
	Stages      []StreamStageStats `json:"stages"`
	Indicators  []StreamIndicator  `json:"indicators,omitempty"`
}

const indicatorReconnect = "reconnect"

// latencies holds the most recent samples of one lifecycle stage, oldest
// first.
type latencies struct {
	stage    string
	targetMS float64
	samples  []float64
}

func (l *latencies) add(ms float64, limit int) {
	if len(l.samples) == limit {
		copy(l.samples, l.samples[1:])
		l.samples = l.samples[:limit-1]
	}
	l.samples = append(l.samples, ms)
}

func (l *latencies) stats() (StreamStageStats, bool) {
	n := len(l.samples)
	if n == 0 {
		return StreamStageStats{}, false
	}
	sorted := append([]float64(nil), l.samples...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return StreamStageStats{
		Stage:       l.stage,
		Samples:     n,
		LastMS:      round2(l.samples[n-1]),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       nearestRank(sorted, 50),
		P95MS:       nearestRank(sorted, 95),
		P99MS:       nearestRank(sorted, 99),
		TargetP95MS: l.targetMS,
	}, true
}

// streamWindow tracks recent stream latencies per lifecycle stage and counts
// how streams ended since start.
type streamWindow struct {
	mu    sync.Mutex
	limit int

	connected  latencies
	firstChunk latencies
	total      latencies

	endings    map[string]int
	reconnects int
}

func newStreamWindow(limit int) *streamWindow {
	if limit <= 0 {
		limit = 256
	}
	return &streamWindow{
		limit:      limit,
		connected:  latencies{stage: StageStartToConnected, targetMS: 800},
		firstChunk: latencies{stage: StageStartToFirstChunk, targetMS: 3000},
		total:      latencies{stage: StageStreamTotal},
		endings:    make(map[string]int),
	}
}

func (w *streamWindow) record(l *latencies, d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	l.add(float64(d.Milliseconds()), w.limit)
	w.mu.Unlock()
}

func (w *streamWindow) connectedAfter(d time.Duration)  { w.record(&w.connected, d) }
func (w *streamWindow) firstChunkAfter(d time.Duration) { w.record(&w.firstChunk, d) }

// finished records the total duration of a stream. Outcomes other than
// "completed" are also counted.
func (w *streamWindow) finished(outcome string, d time.Duration) {
	w.record(&w.total, d)
	if outcome == "" || outcome == "completed" {
		return
	}
	w.mu.Lock()
	w.endings[outcome]++
	w.mu.Unlock()
}

func (w *streamWindow) reconnected() {
	w.mu.Lock()
	w.reconnects++
	w.mu.Unlock()
}

func (w *streamWindow) snapshot(now time.Time) StreamStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StreamStageSnapshot{
		GeneratedAt: now.UTC(),
		WindowSize:  w.limit,
		Stages:      []StreamStageStats{},
	}
	for _, l := range []*latencies{&w.connected, &w.firstChunk, &w.total} {
		if st, ok := l.stats(); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}

	counts := make(map[string]int, len(w.endings)+1)
	for name, n := range w.endings {
		counts[name] = n
	}
	if w.reconnects > 0 {
		counts[indicatorReconnect] = w.reconnects
	}
	for name, n := range counts {
		snap.Indicators = append(snap.Indicators, StreamIndicator{Name: name, Count: n})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool {
		return snap.Indicators[i].Name < snap.Indicators[j].Name
	})
	return snap
}

// nearestRank returns the pct-th percentile of sorted.
func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return round2(sorted[rank-1])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
