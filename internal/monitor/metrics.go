// Package monitor tracks relay health: request and execution counters plus
// latency histograms, exposed as a JSON snapshot on the metrics endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is the process-wide counter set.
type Metrics struct {
	// Latency histograms
	APILatency       *LatencyHistogram
	BroadcastLatency *LatencyHistogram
	OrderLatency     *LatencyHistogram

	signalsReceived uint64
	ordersExecuted  uint64
	ordersRejected  uint64
	ordersFailed    uint64
	streamEvents    uint64
	apiRequests     uint64
	apiErrors       uint64

	mu            sync.RWMutex
	pooledClients int
	activeStreams int
	droppedEvents int64
	lastHeartbeat time.Time
	heartbeatNote string
}

// New creates an empty metrics set.
func New() *Metrics {
	return &Metrics{
		APILatency:       NewLatencyHistogram(1000),
		BroadcastLatency: NewLatencyHistogram(200),
		OrderLatency:     NewLatencyHistogram(1000),
	}
}

func (m *Metrics) IncrementSignals()      { atomic.AddUint64(&m.signalsReceived, 1) }
func (m *Metrics) IncrementExecuted()     { atomic.AddUint64(&m.ordersExecuted, 1) }
func (m *Metrics) IncrementRejected()     { atomic.AddUint64(&m.ordersRejected, 1) }
func (m *Metrics) IncrementFailed()       { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *Metrics) IncrementStreamEvents() { atomic.AddUint64(&m.streamEvents, 1) }
func (m *Metrics) IncrementAPI()          { atomic.AddUint64(&m.apiRequests, 1) }
func (m *Metrics) IncrementAPIErrors()    { atomic.AddUint64(&m.apiErrors, 1) }

// AddOutcomes folds one broadcast summary into the order counters.
func (m *Metrics) AddOutcomes(executed, rejected, failed int) {
	if executed > 0 {
		atomic.AddUint64(&m.ordersExecuted, uint64(executed))
	}
	if rejected > 0 {
		atomic.AddUint64(&m.ordersRejected, uint64(rejected))
	}
	if failed > 0 {
		atomic.AddUint64(&m.ordersFailed, uint64(failed))
	}
}

// SetPoolState records the periodically sampled pool and stream gauges.
func (m *Metrics) SetPoolState(pooledClients, activeStreams int, droppedEvents int64) {
	m.mu.Lock()
	m.pooledClients = pooledClients
	m.activeStreams = activeStreams
	m.droppedEvents = droppedEvents
	m.mu.Unlock()
}

// RecordHeartbeat stores the last upstream parser heartbeat.
func (m *Metrics) RecordHeartbeat(note string) {
	m.mu.Lock()
	m.lastHeartbeat = time.Now()
	m.heartbeatNote = note
	m.mu.Unlock()
}

// Heartbeat returns the last heartbeat time and note.
func (m *Metrics) Heartbeat() (time.Time, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeartbeat, m.heartbeatNote
}

// Snapshot is the point-in-time view served on the metrics endpoint.
type Snapshot struct {
	APILatency       LatencyStats `json:"api_latency"`
	BroadcastLatency LatencyStats `json:"broadcast_latency"`
	OrderLatency     LatencyStats `json:"order_latency"`
	SignalsReceived  uint64       `json:"signals_received"`
	OrdersExecuted   uint64       `json:"orders_executed"`
	OrdersRejected   uint64       `json:"orders_rejected"`
	OrdersFailed     uint64       `json:"orders_failed"`
	StreamEvents     uint64       `json:"stream_events"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	PooledClients    int          `json:"pooled_clients"`
	ActiveStreams    int          `json:"active_streams"`
	DroppedEvents    int64        `json:"dropped_events"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot assembles the current snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	pooled := m.pooledClients
	streams := m.activeStreams
	dropped := m.droppedEvents
	m.mu.RUnlock()

	return Snapshot{
		APILatency:       m.APILatency.Stats(),
		BroadcastLatency: m.BroadcastLatency.Stats(),
		OrderLatency:     m.OrderLatency.Stats(),
		SignalsReceived:  atomic.LoadUint64(&m.signalsReceived),
		OrdersExecuted:   atomic.LoadUint64(&m.ordersExecuted),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		StreamEvents:     atomic.LoadUint64(&m.streamEvents),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		PooledClients:    pooled,
		ActiveStreams:    streams,
		DroppedEvents:    dropped,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// LatencyHistogram keeps a sliding window of samples; stats are computed
// lazily and cached until the next record.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window of the given size.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

// Record adds one sample in milliseconds.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
	h.mu.Unlock()
}

// RecordDuration records a duration as milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats is the computed summary of one histogram window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats computes (or returns the cached) window summary.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cached.Count > 0 {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}
