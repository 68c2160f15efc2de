package dmsnapd

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

// Metrics tracks performance and operational statistics for a running
// dmsnapd server.
type Metrics struct {
	// Request counters, one per message class handled by the dispatcher.
	OriginWriteOps   atomic.Uint64 // QUERY_WRITE against the origin
	SnapshotWriteOps atomic.Uint64 // QUERY_WRITE against a snapshot
	SnapshotReadOps  atomic.Uint64 // QUERY_SNAPSHOT_READ
	CopyoutOps       atomic.Uint64 // copy-out operations queued by make_unique

	// Byte counters
	OriginWriteBytes   atomic.Uint64
	SnapshotWriteBytes atomic.Uint64
	SnapshotReadBytes  atomic.Uint64
	CopyoutBytes       atomic.Uint64

	// Error counters
	OriginWriteErrors   atomic.Uint64
	SnapshotWriteErrors atomic.Uint64
	SnapshotReadErrors  atomic.Uint64
	CopyoutErrors       atomic.Uint64

	// Snaplock contention statistics
	LockWaitTotal atomic.Uint64 // Cumulative count of requests queued behind a held chunk lock
	LockWaitCount atomic.Uint64 // Number of lock-wait events observed
	MaxLockQueue  atomic.Uint32 // Maximum observed wait-list depth for any one chunk

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative operation latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Server lifecycle
	StartTime atomic.Int64 // Server start timestamp (UnixNano)
	StopTime  atomic.Int64 // Server stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordOriginWrite records a write to the origin volume that was
// intercepted by the exception store.
func (m *Metrics) RecordOriginWrite(bytes uint64, latencyNs uint64, success bool) {
	m.OriginWriteOps.Add(1)
	if success {
		m.OriginWriteBytes.Add(bytes)
	} else {
		m.OriginWriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSnapshotWrite records a write against a live snapshot.
func (m *Metrics) RecordSnapshotWrite(bytes uint64, latencyNs uint64, success bool) {
	m.SnapshotWriteOps.Add(1)
	if success {
		m.SnapshotWriteBytes.Add(bytes)
	} else {
		m.SnapshotWriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSnapshotRead records a QUERY_SNAPSHOT_READ lookup.
func (m *Metrics) RecordSnapshotRead(bytes uint64, latencyNs uint64, success bool) {
	m.SnapshotReadOps.Add(1)
	if success {
		m.SnapshotReadBytes.Add(bytes)
	} else {
		m.SnapshotReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCopyout records a copy-out of an origin chunk into the snapshot
// store, triggered by make_unique.
func (m *Metrics) RecordCopyout(bytes uint64, latencyNs uint64, success bool) {
	m.CopyoutOps.Add(1)
	if success {
		m.CopyoutBytes.Add(bytes)
	} else {
		m.CopyoutErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordLockWait records how many requests were already queued on a chunk's
// wait list when a new request joined it.
func (m *Metrics) RecordLockWait(queueDepth uint32) {
	m.LockWaitTotal.Add(uint64(queueDepth))
	m.LockWaitCount.Add(1)

	for {
		current := m.MaxLockQueue.Load()
		if queueDepth <= current {
			break
		}
		if m.MaxLockQueue.CompareAndSwap(current, queueDepth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the server as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	// Request counts
	OriginWriteOps   uint64
	SnapshotWriteOps uint64
	SnapshotReadOps  uint64
	CopyoutOps       uint64

	// Bytes transferred
	OriginWriteBytes   uint64
	SnapshotWriteBytes uint64
	SnapshotReadBytes  uint64
	CopyoutBytes       uint64

	// Error counts
	OriginWriteErrors   uint64
	SnapshotWriteErrors uint64
	SnapshotReadErrors  uint64
	CopyoutErrors       uint64

	// Lock contention
	AvgLockWait  float64
	MaxLockQueue uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	OriginWriteIOPS   float64 // Operations per second
	SnapshotWriteIOPS float64
	TotalOps          uint64
	TotalBytes        uint64
	ErrorRate         float64 // Percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		OriginWriteOps:      m.OriginWriteOps.Load(),
		SnapshotWriteOps:    m.SnapshotWriteOps.Load(),
		SnapshotReadOps:     m.SnapshotReadOps.Load(),
		CopyoutOps:          m.CopyoutOps.Load(),
		OriginWriteBytes:    m.OriginWriteBytes.Load(),
		SnapshotWriteBytes:  m.SnapshotWriteBytes.Load(),
		SnapshotReadBytes:   m.SnapshotReadBytes.Load(),
		CopyoutBytes:        m.CopyoutBytes.Load(),
		OriginWriteErrors:   m.OriginWriteErrors.Load(),
		SnapshotWriteErrors: m.SnapshotWriteErrors.Load(),
		SnapshotReadErrors:  m.SnapshotReadErrors.Load(),
		CopyoutErrors:       m.CopyoutErrors.Load(),
		MaxLockQueue:        m.MaxLockQueue.Load(),
	}

	// Calculate derived statistics
	snap.TotalOps = snap.OriginWriteOps + snap.SnapshotWriteOps + snap.SnapshotReadOps + snap.CopyoutOps
	snap.TotalBytes = snap.OriginWriteBytes + snap.SnapshotWriteBytes + snap.SnapshotReadBytes + snap.CopyoutBytes

	// Calculate average lock wait depth
	lockWaitTotal := m.LockWaitTotal.Load()
	lockWaitCount := m.LockWaitCount.Load()
	if lockWaitCount > 0 {
		snap.AvgLockWait = float64(lockWaitTotal) / float64(lockWaitCount)
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime
	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	// Calculate rates (operations per second)
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.OriginWriteIOPS = float64(snap.OriginWriteOps) / uptimeSeconds
		snap.SnapshotWriteIOPS = float64(snap.SnapshotWriteOps) / uptimeSeconds
	}

	// Calculate error rate
	totalErrors := snap.OriginWriteErrors + snap.SnapshotWriteErrors + snap.SnapshotReadErrors + snap.CopyoutErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
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

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.OriginWriteOps.Store(0)
	m.SnapshotWriteOps.Store(0)
	m.SnapshotReadOps.Store(0)
	m.CopyoutOps.Store(0)
	m.OriginWriteBytes.Store(0)
	m.SnapshotWriteBytes.Store(0)
	m.SnapshotReadBytes.Store(0)
	m.CopyoutBytes.Store(0)
	m.OriginWriteErrors.Store(0)
	m.SnapshotWriteErrors.Store(0)
	m.SnapshotReadErrors.Store(0)
	m.CopyoutErrors.Store(0)
	m.LockWaitTotal.Store(0)
	m.LockWaitCount.Store(0)
	m.MaxLockQueue.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer is a pluggable sink for the per-operation events that Metrics
// records. The dispatcher in internal/server does not call an Observer.
type Observer interface {
	// ObserveOriginWrite is called for each origin-volume write.
	ObserveOriginWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveSnapshotWrite is called for each write against a snapshot.
	ObserveSnapshotWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveSnapshotRead is called for each QUERY_SNAPSHOT_READ.
	ObserveSnapshotRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveCopyout is called for each copy-out triggered by make_unique.
	ObserveCopyout(bytes uint64, latencyNs uint64, success bool)

	// ObserveLockWait is called whenever a request joins a chunk's wait list.
	ObserveLockWait(queueDepth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveOriginWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveSnapshotWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveSnapshotRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveCopyout(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveLockWait(uint32)                    {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveOriginWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordOriginWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSnapshotWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSnapshotWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveSnapshotRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSnapshotRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCopyout(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCopyout(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveLockWait(queueDepth uint32) {
	o.metrics.RecordLockWait(queueDepth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
