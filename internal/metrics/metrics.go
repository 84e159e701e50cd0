package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects counters and latencies for the replication core: acknowledgment waits, consistency waits,
// network restore progress and feeder load. Every value is kept in-process (for reports and tests) and mirrored
// into Prometheus collectors registered on the supplied registerer.
type Metrics struct {
	mu sync.RWMutex

	// Time from commit issue to the last required acknowledgment
	ackWaits []time.Duration
	// Time spent blocked in the consistency gate
	consistencyWaits []time.Duration

	acksReceived         atomic.Uint64
	ackTimeouts          atomic.Uint64
	consistencyWaitCount atomic.Uint64
	consistencyWaitNanos atomic.Int64
	consistencyTimeouts  atomic.Uint64

	restoreRounds    atomic.Uint64
	restoreDropped   atomic.Uint64
	restoreRejected  atomic.Uint64
	restoreBytes     atomic.Int64
	restoreSuccesses atomic.Uint64
	restoreFailures  atomic.Uint64

	feederLoad atomic.Int64

	startTime time.Time

	prom promCollectors
}

type promCollectors struct {
	ackWait           prometheus.Histogram
	ackTimeouts       prometheus.Counter
	consistencyWait   *prometheus.HistogramVec
	consistencyFailed *prometheus.CounterVec
	restoreRounds     prometheus.Counter
	restoreCandidates *prometheus.CounterVec
	restoreBytes      prometheus.Counter
	restoreResults    *prometheus.CounterVec
	feederLoad        prometheus.Gauge
}

// NewMetrics creates a new metrics collector. Prometheus collectors are registered on reg; a private registry
// is used when reg is nil so several collectors can coexist in one process (tests, multi-node demos).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ackWaits:         make([]time.Duration, 0, 1024),
		consistencyWaits: make([]time.Duration, 0, 1024),
		startTime:        time.Now(),
		prom: promCollectors{
			ackWait: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "repcore_ack_wait_seconds",
				Help:    "Time from commit issue until the required replica acknowledgments arrived.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			}),
			ackTimeouts: f.NewCounter(prometheus.CounterOpts{
				Name: "repcore_ack_timeouts_total",
				Help: "Commits that failed with insufficient acknowledgments.",
			}),
			consistencyWait: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "repcore_consistency_wait_seconds",
				Help:    "Time spent waiting for a consistency requirement to hold.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			}, []string{"kind"}),
			consistencyFailed: f.NewCounterVec(prometheus.CounterOpts{
				Name: "repcore_consistency_failures_total",
				Help: "Consistency waits that failed.",
			}, []string{"kind", "reason"}),
			restoreRounds: f.NewCounter(prometheus.CounterOpts{
				Name: "repcore_restore_rounds_total",
				Help: "Network restore selection rounds.",
			}),
			restoreCandidates: f.NewCounterVec(prometheus.CounterOpts{
				Name: "repcore_restore_candidate_outcomes_total",
				Help: "Network restore candidate attempts by outcome.",
			}, []string{"outcome"}),
			restoreBytes: f.NewCounter(prometheus.CounterOpts{
				Name: "repcore_restore_bytes_total",
				Help: "Bytes copied by network restore.",
			}),
			restoreResults: f.NewCounterVec(prometheus.CounterOpts{
				Name: "repcore_restore_results_total",
				Help: "Completed network restore operations by result.",
			}, []string{"result"}),
			feederLoad: f.NewGauge(prometheus.GaugeOpts{
				Name: "repcore_feeder_load",
				Help: "Active feeder sessions served by this node.",
			}),
		},
	}
}

// RecordAckReceived counts a single replica acknowledgment.
func (m *Metrics) RecordAckReceived() {
	m.acksReceived.Add(1)
}

// RecordAckWait records how long a commit waited for its acknowledgments.
func (m *Metrics) RecordAckWait(d time.Duration) {
	m.mu.Lock()
	m.ackWaits = append(m.ackWaits, d)
	m.mu.Unlock()
	m.prom.ackWait.Observe(d.Seconds())
}

// RecordAckTimeout counts a commit that did not get enough acknowledgments.
func (m *Metrics) RecordAckTimeout() {
	m.ackTimeouts.Add(1)
	m.prom.ackTimeouts.Inc()
}

// RecordConsistencyWait records a successful wait in the consistency gate.
func (m *Metrics) RecordConsistencyWait(kind string, d time.Duration) {
	m.consistencyWaitCount.Add(1)
	m.consistencyWaitNanos.Add(int64(d))
	m.mu.Lock()
	m.consistencyWaits = append(m.consistencyWaits, d)
	m.mu.Unlock()
	m.prom.consistencyWait.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordConsistencyFailure counts a failed wait in the consistency gate.
func (m *Metrics) RecordConsistencyFailure(kind, reason string) {
	m.consistencyTimeouts.Add(1)
	m.prom.consistencyFailed.WithLabelValues(kind, reason).Inc()
}

// RecordRestoreRound counts a network restore selection round.
func (m *Metrics) RecordRestoreRound() {
	m.restoreRounds.Add(1)
	m.prom.restoreRounds.Inc()
}

// RecordRestoreCandidate counts the outcome of a single candidate attempt.
func (m *Metrics) RecordRestoreCandidate(outcome string) {
	switch outcome {
	case "rejected":
		m.restoreRejected.Add(1)
	case "unreachable", "incompatible":
		m.restoreDropped.Add(1)
	}
	m.prom.restoreCandidates.WithLabelValues(outcome).Inc()
}

// RecordRestoreResult records a finished restore and the bytes it copied.
func (m *Metrics) RecordRestoreResult(ok bool, bytes int64) {
	if ok {
		m.restoreSuccesses.Add(1)
		m.restoreBytes.Add(bytes)
		m.prom.restoreBytes.Add(float64(bytes))
		m.prom.restoreResults.WithLabelValues("success").Inc()
		return
	}
	m.restoreFailures.Add(1)
	m.prom.restoreResults.WithLabelValues("failure").Inc()
}

// SetFeederLoad records the number of active feeder sessions on this node.
func (m *Metrics) SetFeederLoad(n int) {
	m.feederLoad.Store(int64(n))
	m.prom.feederLoad.Set(float64(n))
}

// ConsistencyWaitTotals returns the number of successful consistency waits and the cumulative time spent in them.
func (m *Metrics) ConsistencyWaitTotals() (uint64, time.Duration) {
	return m.consistencyWaitCount.Load(), time.Duration(m.consistencyWaitNanos.Load())
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// AckWaitStats computes percentile statistics for acknowledgment waits.
func (m *Metrics) AckWaitStats() LatencyStats {
	m.mu.RLock()
	durations := make([]time.Duration, len(m.ackWaits))
	copy(durations, m.ackWaits)
	m.mu.RUnlock()
	return computeStats(durations)
}

// ConsistencyWaitStats computes percentile statistics for consistency waits.
func (m *Metrics) ConsistencyWaitStats() LatencyStats {
	m.mu.RLock()
	durations := make([]time.Duration, len(m.consistencyWaits))
	copy(durations, m.consistencyWaits)
	m.mu.RUnlock()
	return computeStats(durations)
}

func computeStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	ms := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms[i] = float64(d.Microseconds()) / 1000.0
		sum += ms[i]
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point-in-time summary of the collected metrics.
type Report struct {
	Node      string    `json:"node"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	AcksReceived uint64       `json:"acks_received"`
	AckTimeouts  uint64       `json:"ack_timeouts"`
	AckWait      LatencyStats `json:"ack_wait"`

	ConsistencyWaits    uint64       `json:"consistency_waits"`
	ConsistencyWaitMs   float64      `json:"consistency_wait_total_ms"`
	ConsistencyFailures uint64       `json:"consistency_failures"`
	ConsistencyWait     LatencyStats `json:"consistency_wait"`

	RestoreRounds    uint64 `json:"restore_rounds"`
	RestoreRejected  uint64 `json:"restore_rejected"`
	RestoreDropped   uint64 `json:"restore_dropped"`
	RestoreSuccesses uint64 `json:"restore_successes"`
	RestoreFailures  uint64 `json:"restore_failures"`
	RestoreBytes     int64  `json:"restore_bytes"`

	FeederLoad int64 `json:"feeder_load"`
}

// GetReport generates a report of everything collected so far.
func (m *Metrics) GetReport(node string) Report {
	count, total := m.ConsistencyWaitTotals()
	return Report{
		Node:                node,
		StartTime:           m.startTime,
		EndTime:             time.Now(),
		AcksReceived:        m.acksReceived.Load(),
		AckTimeouts:         m.ackTimeouts.Load(),
		AckWait:             m.AckWaitStats(),
		ConsistencyWaits:    count,
		ConsistencyWaitMs:   float64(total.Microseconds()) / 1000.0,
		ConsistencyFailures: m.consistencyTimeouts.Load(),
		ConsistencyWait:     m.ConsistencyWaitStats(),
		RestoreRounds:       m.restoreRounds.Load(),
		RestoreRejected:     m.restoreRejected.Load(),
		RestoreDropped:      m.restoreDropped.Load(),
		RestoreSuccesses:    m.restoreSuccesses.Load(),
		RestoreFailures:     m.restoreFailures.Load(),
		RestoreBytes:        m.restoreBytes.Load(),
		FeederLoad:          m.feederLoad.Load(),
	}
}

// PrintReport prints the report in a human-readable format
func (r *Report) PrintReport() {
	fmt.Printf("Replication metrics for %s (%s - %s)\n", r.Node,
		r.StartTime.Format("2006-01-02 15:04:05"), r.EndTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Acks received: %d, ack timeouts: %d, ack wait p50/p99: %.3f/%.3f ms\n",
		r.AcksReceived, r.AckTimeouts, r.AckWait.P50, r.AckWait.P99)
	fmt.Printf("  Consistency waits: %d (%.3f ms total), failures: %d\n",
		r.ConsistencyWaits, r.ConsistencyWaitMs, r.ConsistencyFailures)
	fmt.Printf("  Restore rounds: %d, rejected: %d, dropped: %d, ok: %d, failed: %d, bytes: %d\n",
		r.RestoreRounds, r.RestoreRejected, r.RestoreDropped, r.RestoreSuccesses, r.RestoreFailures, r.RestoreBytes)
	fmt.Printf("  Feeder load: %d\n", r.FeederLoad)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
