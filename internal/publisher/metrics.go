package publisher

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"gonum.org/v1/gonum/stat"
)

// metricsWindow is the sliding window size for latency and rate samples.
const metricsWindow = 100

// Metrics tracks publisher counters and the sliding-window serialization
// latencies.
type Metrics struct {
	mu sync.Mutex

	published    uint64
	failed       uint64
	droppedQueue uint64

	latenciesMs []float64   // last metricsWindow serialization latencies
	publishedAt []time.Time // last metricsWindow publish instants

	baselineRSS uint64
	proc        *process.Process
	startedAt   time.Time
}

// NewMetrics captures the process RSS baseline for the memory-overhead
// gate.
func NewMetrics() *Metrics {
	m := &Metrics{startedAt: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
		if mem, err := proc.MemoryInfo(); err == nil {
			m.baselineRSS = mem.RSS
		}
	}
	return m
}

// RecordPublish records one successful publish and its serialization
// latency.
func (m *Metrics) RecordPublish(serialization time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published++
	m.latenciesMs = appendWindowed(m.latenciesMs, float64(serialization.Nanoseconds())/1e6)
	m.publishedAt = appendWindowedTime(m.publishedAt, time.Now())
}

// RecordFailure records a publish that could not be delivered.
func (m *Metrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// RecordQueueDrop records a message dropped at a saturated subscriber
// queue.
func (m *Metrics) RecordQueueDrop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.droppedQueue++
}

func appendWindowed(window []float64, v float64) []float64 {
	window = append(window, v)
	if len(window) > metricsWindow {
		window = window[len(window)-metricsWindow:]
	}
	return window
}

func appendWindowedTime(window []time.Time, v time.Time) []time.Time {
	window = append(window, v)
	if len(window) > metricsWindow {
		window = window[len(window)-metricsWindow:]
	}
	return window
}

// Report is the publisher metrics snapshot exposed over the API.
type Report struct {
	Published        uint64  `json:"published"`
	Failed           uint64  `json:"failed"`
	DroppedQueue     uint64  `json:"dropped_queue"`
	P50Ms            float64 `json:"p50_serialization_ms"`
	P95Ms            float64 `json:"p95_serialization_ms"`
	P99Ms            float64 `json:"p99_serialization_ms"`
	RatePerSecond    float64 `json:"rate_per_second"`
	SuccessRate      float64 `json:"success_rate"`
	MemoryOverheadMB float64 `json:"memory_overhead_mb"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// Snapshot computes the current report. Percentiles come from the sliding
// window; the rate is the effective rate across the window's instants.
func (m *Metrics) Snapshot() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{
		Published:     m.published,
		Failed:        m.failed,
		DroppedQueue:  m.droppedQueue,
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}

	if n := len(m.latenciesMs); n > 0 {
		sorted := append([]float64(nil), m.latenciesMs...)
		sort.Float64s(sorted)
		report.P50Ms = stat.Quantile(0.50, stat.Empirical, sorted, nil)
		report.P95Ms = stat.Quantile(0.95, stat.Empirical, sorted, nil)
		report.P99Ms = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	}

	if n := len(m.publishedAt); n >= 2 {
		span := m.publishedAt[n-1].Sub(m.publishedAt[0]).Seconds()
		if span > 0 {
			report.RatePerSecond = float64(n-1) / span
		}
	}

	if total := m.published + m.failed; total > 0 {
		report.SuccessRate = float64(m.published) / float64(total) * 100
	}

	if m.proc != nil {
		if mem, err := m.proc.MemoryInfo(); err == nil && mem.RSS > m.baselineRSS {
			report.MemoryOverheadMB = float64(mem.RSS-m.baselineRSS) / (1 << 20)
		}
	}
	return report
}
