package asyncio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks submission, completion, and cancellation statistics for one
// Runtime instance.
type Metrics struct {
	Submissions   atomic.Uint64
	Completions   atomic.Uint64
	Cancellations atomic.Uint64
	Errors        atomic.Uint64

	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records that an operation entered the completion queue.
func (m *Metrics) RecordSubmit() {
	m.Submissions.Add(1)
}

// RecordComplete records a successful completion with its end-to-end latency
// and, for data operations, the byte count transferred.
func (m *Metrics) RecordComplete(kind OpKind, bytes uint64, latency time.Duration) {
	m.Completions.Add(1)
	switch kind {
	case OpRead, OpRecv:
		m.BytesRead.Add(bytes)
	case OpWrite, OpSend:
		m.BytesWritten.Add(bytes)
	}
	m.recordLatency(uint64(latency.Nanoseconds()))
}

// RecordFailure records a failed completion.
func (m *Metrics) RecordFailure(latency time.Duration) {
	m.Errors.Add(1)
	m.recordLatency(uint64(latency.Nanoseconds()))
}

// RecordCancel records a cancelled completion.
func (m *Metrics) RecordCancel(latency time.Duration) {
	m.Cancellations.Add(1)
	m.recordLatency(uint64(latency.Nanoseconds()))
}

// RecordQueueDepth records the current number of live entries in the
// completion queue.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped, fixing uptime for the final snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics plus derived statistics.
type MetricsSnapshot struct {
	Submissions   uint64
	Completions   uint64
	Cancellations uint64
	Errors        uint64

	BytesRead    uint64
	BytesWritten uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	IOPS       float64
	Bandwidth  float64
	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot computes a MetricsSnapshot, including histogram-derived percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Submissions:   m.Submissions.Load(),
		Completions:   m.Completions.Load(),
		Cancellations: m.Cancellations.Load(),
		Errors:        m.Errors.Load(),
		BytesRead:     m.BytesRead.Load(),
		BytesWritten:  m.BytesWritten.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.Completions + snap.Cancellations + snap.Errors
	snap.TotalBytes = snap.BytesRead + snap.BytesWritten

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.TotalOps) / uptimeSeconds
		snap.Bandwidth = float64(snap.TotalBytes) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter; useful between test cases.
func (m *Metrics) Reset() {
	m.Submissions.Store(0)
	m.Completions.Store(0)
	m.Cancellations.Store(0)
	m.Errors.Store(0)
	m.BytesRead.Store(0)
	m.BytesWritten.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection by the poll loop; the
// completion actor takes no Observer.
type Observer interface {
	ObserveSubmit()
	ObserveComplete(kind OpKind, bytes uint64, latency time.Duration)
	ObserveFailure(latency time.Duration)
	ObserveCancel(latency time.Duration)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit()                                         {}
func (NoOpObserver) ObserveComplete(OpKind, uint64, time.Duration)          {}
func (NoOpObserver) ObserveFailure(time.Duration)                          {}
func (NoOpObserver) ObserveCancel(time.Duration)                           {}
func (NoOpObserver) ObserveQueueDepth(uint32)                              {}

// MetricsObserver is an Observer backed by a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit() { o.metrics.RecordSubmit() }

func (o *MetricsObserver) ObserveComplete(kind OpKind, bytes uint64, latency time.Duration) {
	o.metrics.RecordComplete(kind, bytes, latency)
}

func (o *MetricsObserver) ObserveFailure(latency time.Duration) { o.metrics.RecordFailure(latency) }
func (o *MetricsObserver) ObserveCancel(latency time.Duration)  { o.metrics.RecordCancel(latency) }
func (o *MetricsObserver) ObserveQueueDepth(depth uint32)       { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
