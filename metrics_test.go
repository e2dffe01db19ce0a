package asyncio

import (
	"testing"
	"time"
)

func TestNewMetricsSetsStartTime(t *testing.T) {
	m := NewMetrics()
	if m.StartTime.Load() == 0 {
		t.Error("expected StartTime to be set")
	}
}

func TestRecordSubmitAndComplete(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit()
	m.RecordSubmit()
	m.RecordComplete(OpRead, 4096, 5*time.Millisecond)

	if m.Submissions.Load() != 2 {
		t.Errorf("Submissions = %d, want 2", m.Submissions.Load())
	}
	if m.Completions.Load() != 1 {
		t.Errorf("Completions = %d, want 1", m.Completions.Load())
	}
	if m.BytesRead.Load() != 4096 {
		t.Errorf("BytesRead = %d, want 4096", m.BytesRead.Load())
	}
}

func TestRecordCompleteTracksWriteBytesSeparately(t *testing.T) {
	m := NewMetrics()
	m.RecordComplete(OpWrite, 1024, time.Millisecond)
	m.RecordComplete(OpSend, 512, time.Millisecond)

	if m.BytesWritten.Load() != 1536 {
		t.Errorf("BytesWritten = %d, want 1536", m.BytesWritten.Load())
	}
	if m.BytesRead.Load() != 0 {
		t.Errorf("BytesRead = %d, want 0", m.BytesRead.Load())
	}
}

func TestRecordFailureAndCancel(t *testing.T) {
	m := NewMetrics()
	m.RecordFailure(time.Millisecond)
	m.RecordCancel(time.Millisecond)

	if m.Errors.Load() != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors.Load())
	}
	if m.Cancellations.Load() != 1 {
		t.Errorf("Cancellations = %d, want 1", m.Cancellations.Load())
	}
}

func TestRecordQueueDepthTracksMax(t *testing.T) {
	m := NewMetrics()
	m.RecordQueueDepth(3)
	m.RecordQueueDepth(9)
	m.RecordQueueDepth(5)

	if m.MaxQueueDepth.Load() != 9 {
		t.Errorf("MaxQueueDepth = %d, want 9", m.MaxQueueDepth.Load())
	}
}

func TestSnapshotDerivedStats(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit()
	m.RecordComplete(OpRead, 1000, time.Millisecond)
	m.RecordFailure(time.Millisecond)
	m.Stop()

	snap := m.Snapshot()

	if snap.Submissions != 1 {
		t.Errorf("Submissions = %d, want 1", snap.Submissions)
	}
	if snap.TotalOps != 2 {
		t.Errorf("TotalOps = %d, want 2", snap.TotalOps)
	}
	if snap.TotalBytes != 1000 {
		t.Errorf("TotalBytes = %d, want 1000", snap.TotalBytes)
	}
	if snap.ErrorRate != 50.0 {
		t.Errorf("ErrorRate = %v, want 50.0", snap.ErrorRate)
	}
	if snap.UptimeNs == 0 {
		t.Error("expected non-zero UptimeNs after Stop")
	}
}

func TestSnapshotPercentilesWithNoOps(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()

	if snap.LatencyP50Ns != 0 || snap.LatencyP99Ns != 0 {
		t.Error("expected zero percentiles when no operations recorded")
	}
}

func TestCalculatePercentileMonotonic(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 100; i++ {
		m.RecordComplete(OpRead, 1, time.Microsecond)
	}
	snap := m.Snapshot()

	if snap.LatencyP50Ns > snap.LatencyP99Ns {
		t.Errorf("p50 (%d) should not exceed p99 (%d)", snap.LatencyP50Ns, snap.LatencyP99Ns)
	}
	if snap.LatencyP99Ns > snap.LatencyP999Ns {
		t.Errorf("p99 (%d) should not exceed p999 (%d)", snap.LatencyP99Ns, snap.LatencyP999Ns)
	}
}

func TestReset(t *testing.T) {
	m := NewMetrics()
	m.RecordSubmit()
	m.RecordComplete(OpRead, 100, time.Millisecond)
	m.Reset()

	if m.Submissions.Load() != 0 || m.Completions.Load() != 0 || m.BytesRead.Load() != 0 {
		t.Error("expected all counters to be zero after Reset")
	}
}

func TestMetricsObserverDelegatesToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveSubmit()
	o.ObserveComplete(OpRead, 64, time.Millisecond)
	o.ObserveFailure(time.Millisecond)
	o.ObserveCancel(time.Millisecond)
	o.ObserveQueueDepth(2)

	if m.Submissions.Load() != 1 {
		t.Errorf("Submissions = %d, want 1", m.Submissions.Load())
	}
	if m.Completions.Load() != 1 {
		t.Errorf("Completions = %d, want 1", m.Completions.Load())
	}
	if m.Errors.Load() != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors.Load())
	}
	if m.Cancellations.Load() != 1 {
		t.Errorf("Cancellations = %d, want 1", m.Cancellations.Load())
	}
	if m.QueueDepthCount.Load() != 1 {
		t.Errorf("QueueDepthCount = %d, want 1", m.QueueDepthCount.Load())
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var o NoOpObserver
	o.ObserveSubmit()
	o.ObserveComplete(OpRead, 10, time.Millisecond)
	o.ObserveFailure(time.Millisecond)
	o.ObserveCancel(time.Millisecond)
	o.ObserveQueueDepth(1)
}
