package monitor

import (
	"testing"
	"time"
)

func TestHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(10)
	for _, v := range []float64{5, 1, 9, 3, 7} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 5 {
		t.Fatalf("count = %d", s.Count)
	}
	if s.Min != 1 || s.Max != 9 {
		t.Errorf("min/max = %v/%v", s.Min, s.Max)
	}
	if s.Avg != 5 {
		t.Errorf("avg = %v", s.Avg)
	}
	if s.P50 != 5 {
		t.Errorf("p50 = %v", s.P50)
	}
}

func TestHistogramSlidesWindow(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{100, 1, 2, 3} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Max != 3 {
		t.Errorf("stats = %+v, oldest sample should have been evicted", s)
	}
}

func TestHistogramCachesUntilNextRecord(t *testing.T) {
	h := NewLatencyHistogram(10)
	h.Record(4)
	first := h.Stats()
	second := h.Stats()
	if first != second {
		t.Errorf("cached stats differ: %+v vs %+v", first, second)
	}
	h.Record(8)
	third := h.Stats()
	if third.Count != 2 || third.Avg != 6 {
		t.Errorf("stats after new sample = %+v", third)
	}
}

func TestSnapshotCarriesCounters(t *testing.T) {
	m := New()
	m.IncrementSignals()
	m.IncrementExecuted()
	m.IncrementExecuted()
	m.IncrementAPIErrors()
	m.SetPoolState(3, 2, 7)
	m.OrderLatency.RecordDuration(20 * time.Millisecond)

	snap := m.GetSnapshot()
	if snap.SignalsReceived != 1 || snap.OrdersExecuted != 2 || snap.APIErrors != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.PooledClients != 3 || snap.ActiveStreams != 2 || snap.DroppedEvents != 7 {
		t.Errorf("gauges = %+v", snap)
	}
	if snap.OrderLatency.Count != 1 {
		t.Errorf("order latency = %+v", snap.OrderLatency)
	}
	if snap.GoroutineCount <= 0 {
		t.Error("goroutine count missing")
	}
}

func TestHeartbeat(t *testing.T) {
	m := New()
	if at, _ := m.Heartbeat(); !at.IsZero() {
		t.Error("heartbeat should start unset")
	}
	m.RecordHeartbeat("parser v2 alive")
	at, note := m.Heartbeat()
	if at.IsZero() || note != "parser v2 alive" {
		t.Errorf("heartbeat = %v %q", at, note)
	}
}
