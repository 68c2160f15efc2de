package dmsnapd

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	// Record some operations
	m.RecordOriginWrite(1024, 1000000, true)   // 1KB origin write, 1ms latency, success
	m.RecordSnapshotWrite(2048, 2000000, true) // 2KB snapshot write, 2ms latency, success
	m.RecordOriginWrite(512, 500000, false)    // 512B origin write, 0.5ms latency, error

	snap = m.Snapshot()

	// Check operation counts
	if snap.OriginWriteOps != 2 {
		t.Errorf("Expected 2 origin write ops, got %d", snap.OriginWriteOps)
	}
	if snap.SnapshotWriteOps != 1 {
		t.Errorf("Expected 1 snapshot write op, got %d", snap.SnapshotWriteOps)
	}

	// Check byte counts (only successful operations)
	if snap.OriginWriteBytes != 1024 {
		t.Errorf("Expected 1024 origin write bytes, got %d", snap.OriginWriteBytes)
	}
	if snap.SnapshotWriteBytes != 2048 {
		t.Errorf("Expected 2048 snapshot write bytes, got %d", snap.SnapshotWriteBytes)
	}

	// Check error counts
	if snap.OriginWriteErrors != 1 {
		t.Errorf("Expected 1 origin write error, got %d", snap.OriginWriteErrors)
	}
	if snap.SnapshotWriteErrors != 0 {
		t.Errorf("Expected 0 snapshot write errors, got %d", snap.SnapshotWriteErrors)
	}

	// Check error rate
	expectedErrorRate := float64(1) / float64(3) * 100.0 // 1 error out of 3 ops
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsLockWait(t *testing.T) {
	m := NewMetrics()

	// Record lock wait-list depths observed when joining a chunk's wait list
	m.RecordLockWait(10)
	m.RecordLockWait(20)
	m.RecordLockWait(15)

	snap := m.Snapshot()

	// Check max lock wait depth
	if snap.MaxLockQueue != 20 {
		t.Errorf("Expected max lock queue 20, got %d", snap.MaxLockQueue)
	}

	// Check average lock wait depth
	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgLockWait < expectedAvg-0.1 || snap.AvgLockWait > expectedAvg+0.1 {
		t.Errorf("Expected avg lock wait %.1f, got %.1f", expectedAvg, snap.AvgLockWait)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	// Record operations with known latencies
	m.RecordOriginWrite(1024, 1000000, true)   // 1ms
	m.RecordSnapshotWrite(1024, 2000000, true) // 2ms

	snap := m.Snapshot()

	// Check average latency
	expectedAvgNs := uint64(1500000) // 1.5ms in nanoseconds
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	// Sleep briefly to generate uptime
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	// Check that uptime is reasonable (should be at least 10ms)
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	// Stop metrics and check stopped uptime
	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	// Uptime should not have increased significantly after stop
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	// Record some operations
	m.RecordOriginWrite(1024, 1000000, true)
	m.RecordSnapshotWrite(2048, 2000000, true)
	m.RecordLockWait(10)

	// Verify operations were recorded
	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	// Reset metrics
	m.Reset()

	// Verify reset worked
	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.MaxLockQueue != 0 {
		t.Errorf("Expected 0 max lock queue after reset, got %d", snap.MaxLockQueue)
	}
}

func TestObserver(t *testing.T) {
	// Test NoOpObserver doesn't panic
	observer := &NoOpObserver{}
	observer.ObserveOriginWrite(1024, 1000000, true)
	observer.ObserveSnapshotWrite(1024, 1000000, true)
	observer.ObserveSnapshotRead(1024, 1000000, true)
	observer.ObserveCopyout(1024, 1000000, true)
	observer.ObserveLockWait(10)

	// Test MetricsObserver forwards to metrics
	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveOriginWrite(1024, 1000000, true)
	metricsObserver.ObserveSnapshotWrite(2048, 2000000, true)

	snap := m.Snapshot()
	if snap.OriginWriteOps != 1 {
		t.Errorf("Expected 1 origin write op from observer, got %d", snap.OriginWriteOps)
	}
	if snap.SnapshotWriteOps != 1 {
		t.Errorf("Expected 1 snapshot write op from observer, got %d", snap.SnapshotWriteOps)
	}
	if snap.OriginWriteBytes != 1024 {
		t.Errorf("Expected 1024 origin write bytes from observer, got %d", snap.OriginWriteBytes)
	}
	if snap.SnapshotWriteBytes != 2048 {
		t.Errorf("Expected 2048 snapshot write bytes from observer, got %d", snap.SnapshotWriteBytes)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	// Simulate a known time period
	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	// Record operations
	m.RecordOriginWrite(1024, 1000000, true)
	m.RecordSnapshotWrite(2048, 2000000, true)

	// Simulate 1 second has passed
	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	// Check IOPS rates (should be 1 origin write/sec, 1 snapshot write/sec)
	if snap.OriginWriteIOPS < 0.9 || snap.OriginWriteIOPS > 1.1 {
		t.Errorf("Expected OriginWriteIOPS ~1.0, got %.2f", snap.OriginWriteIOPS)
	}
	if snap.SnapshotWriteIOPS < 0.9 || snap.SnapshotWriteIOPS > 1.1 {
		t.Errorf("Expected SnapshotWriteIOPS ~1.0, got %.2f", snap.SnapshotWriteIOPS)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// Record operations with various latencies
	// 50 ops at 500us (the 50th percentile falls in the 100us-1ms bucket)
	// 49 ops at 5ms (the 99th percentile falls among these)
	// 1 op at 50ms (the slowest, above the 99th percentile)
	for i := 0; i < 50; i++ {
		m.RecordOriginWrite(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordSnapshotWrite(1024, 5_000_000, true) // 5ms
	}
	m.RecordSnapshotWrite(1024, 50_000_000, true) // 50ms (the 100th op, beyond the P99)

	snap := m.Snapshot()

	// Total should be 100 ops
	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	// P50 should be in the 100us-1ms range (the 50th percentile)
	// With cumulative buckets, the 50 ops at 500us are first counted in bucket[3] (1ms)
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	// P99 should be in the 5ms-100ms range: the 99th op is a 5ms op,
	// first counted in bucket[4] (10ms)
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	// Verify histogram buckets are populated
	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	// Each op is counted in every bucket at or above its latency, so the
	// buckets cannot all be empty
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
