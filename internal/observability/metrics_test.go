package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStreamWindowSnapshot(t *testing.T) {
	w := newStreamWindow(8)
	w.firstChunkAfter(500 * time.Millisecond)
	w.firstChunkAfter(700 * time.Millisecond)
	w.firstChunkAfter(900 * time.Millisecond)
	w.connectedAfter(-time.Millisecond)
	w.finished("timeout", 0)
	w.finished("timeout", 0)
	w.finished("completed", 0)
	w.reconnected()

	snap := w.snapshot(time.Unix(100, 0))
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageStartToFirstChunk {
		t.Fatalf("Stages[0] = %q, want %q", s.Stage, StageStartToFirstChunk)
	}
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 || s.P95MS != 900 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.TargetP95MS != 3000 {
		t.Fatalf("TargetP95MS = %.2f, want 3000", s.TargetP95MS)
	}
	if snap.Stages[1].Stage != StageStreamTotal || snap.Stages[1].Samples != 3 {
		t.Fatalf("Stages[1] = %+v, want three stream totals", snap.Stages[1])
	}
	want := []StreamIndicator{{Name: "reconnect", Count: 1}, {Name: "timeout", Count: 2}}
	if len(snap.Indicators) != len(want) || snap.Indicators[0] != want[0] || snap.Indicators[1] != want[1] {
		t.Fatalf("Indicators = %+v, want %+v", snap.Indicators, want)
	}
}

func TestStreamWindowKeepsLatestSamples(t *testing.T) {
	w := newStreamWindow(2)
	w.finished("completed", 10*time.Millisecond)
	w.finished("completed", 20*time.Millisecond)
	w.finished("completed", 30*time.Millisecond)

	s := w.snapshot(time.Now()).Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 || s.LastMS != 30 || s.P50MS != 20 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestMetricsRecordStreamLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "test_obs")

	m.StreamStarted()
	m.ObserveConnected(40 * time.Millisecond)
	m.ObserveFirstChunk(250 * time.Millisecond)
	m.ObserveReconnect()
	m.ObserveEvent("CHUNK")
	m.StreamFinished("completed", "actor", time.Second)
	m.StreamStarted()
	m.StreamFinished("timeout", "direct", 2*time.Second)
	m.ObserveSweep("expired", 3)
	m.ObserveSweep("expired", 0)

	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Fatalf("ActiveStreams = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StreamOutcomes.WithLabelValues("completed", "actor")); got != 1 {
		t.Fatalf("completed outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 1 {
		t.Fatalf("Reconnects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SweptSessions.WithLabelValues("expired")); got != 3 {
		t.Fatalf("SweptSessions = %v, want 3", got)
	}

	snap := m.SnapshotStreamStages()
	if len(snap.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(snap.Stages))
	}
	names := map[string]int{}
	for _, ind := range snap.Indicators {
		names[ind.Name] = ind.Count
	}
	if names["reconnect"] != 1 || names["timeout"] != 1 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}

	rec := httptest.NewRecorder()
	MetricsHandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_obs_stream_outcomes_total") {
		t.Fatalf("metrics output missing stream_outcomes_total")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.ObserveEvent("DONE")
	m.StreamFinished("error", "actor", time.Second)
	m.ObserveLedgerError("append")
	if snap := m.SnapshotStreamStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot has stages: %+v", snap.Stages)
	}
}
