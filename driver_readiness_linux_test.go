//go:build linux

package asyncio

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestReadinessDriverReadWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	d, err := newReadinessDriver(DefaultDriverConfig())
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	defer d.Close()

	buf, err := NewAlignedBuffer(16, 1)
	if err != nil {
		t.Fatalf("NewAlignedBuffer: %v", err)
	}

	readOp := Operation{ID: 1, Kind: OpRead, Descriptor: Descriptor(fds[0]), Buffer: buf}
	if err := d.Submit(readOp); err != nil {
		t.Fatalf("Submit read: %v", err)
	}
	if _, err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("hello")); err != nil {
		t.Fatalf("write to peer: %v", err)
	}

	events := make([]Event, 0, 4)
	deadline := time.Now().Add(2 * time.Second)
	var got []Event
	for len(got) == 0 && time.Now().Before(deadline) {
		n, err := d.Poll(200, events[:0])
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if n > 0 {
			got = events[:n]
		}
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].ID != 1 || got[0].Outcome != OutcomeSuccess {
		t.Fatalf("event = %+v, want success for op 1", got[0])
	}
	if got[0].Success.Bytes != 5 {
		t.Fatalf("bytes = %d, want 5", got[0].Success.Bytes)
	}
	if string(buf.Bytes()[:5]) != "hello" {
		t.Fatalf("buffer content = %q, want %q", buf.Bytes()[:5], "hello")
	}
}

func TestReadinessDriverNopCompletesWithoutEpoll(t *testing.T) {
	d, err := newReadinessDriver(DefaultDriverConfig())
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	defer d.Close()

	if err := d.Submit(Operation{ID: 7, Kind: OpNop, Descriptor: InvalidDescriptor}); err != nil {
		t.Fatalf("Submit nop: %v", err)
	}
	if _, err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events := make([]Event, 0, 4)
	n, err := d.Poll(0, events[:0])
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}
}

func TestReadinessDriverWakeup(t *testing.T) {
	d, err := newReadinessDriver(DefaultDriverConfig())
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	defer d.Close()

	w, err := d.CreateWakeup()
	if err != nil {
		t.Fatalf("CreateWakeup: %v", err)
	}
	defer w.Close()

	done := make(chan struct{})
	go func() {
		events := make([]Event, 0, 4)
		d.Poll(5000, events[:0])
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := w.Wake(); err != nil {
		t.Fatalf("Wake: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after Wake")
	}
}

func TestReadinessDriverCancelPendingRead(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	d, err := newReadinessDriver(DefaultDriverConfig())
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	defer d.Close()

	buf, err := NewAlignedBuffer(16, 1)
	if err != nil {
		t.Fatalf("NewAlignedBuffer: %v", err)
	}

	// Never written to, so the read would block forever without a cancel.
	readOp := Operation{ID: 42, Kind: OpRead, Descriptor: Descriptor(fds[0]), Buffer: buf}
	if err := d.Submit(readOp); err != nil {
		t.Fatalf("Submit read: %v", err)
	}
	if _, err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := d.Submit(Operation{Kind: OpCancel, Offset: int64(readOp.ID)}); err != nil {
		t.Fatalf("Submit cancel: %v", err)
	}

	events := make([]Event, 0, 4)
	n, err := d.Poll(2000, events[:0])
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("Poll() = %d, want 1", n)
	}
	got := events[:n][0]
	if got.ID != readOp.ID || got.Outcome != OutcomeCancellation {
		t.Fatalf("event = %+v, want cancellation for op %d", got, readOp.ID)
	}

	// Writing now must not produce a second, stale completion for the
	// already-cancelled operation.
	if _, err := unix.Write(fds[1], []byte("late")); err != nil {
		t.Fatalf("write to peer: %v", err)
	}
	n, err = d.Poll(200, events[:0])
	if err != nil {
		t.Fatalf("Poll after write: %v", err)
	}
	if n != 0 {
		t.Fatalf("Poll() after cancel+write = %d, want 0 (no waiter left on fd)", n)
	}
}

func TestReadinessDriverCapabilitiesMatchSingleShotModel(t *testing.T) {
	d, err := newReadinessDriver(DriverConfig{SubmissionEntries: 256, CompletionEntries: 256})
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	defer d.Close()

	caps := d.Capabilities()
	if caps.MaxSubmissions != 1 {
		t.Errorf("MaxSubmissions = %d, want 1", caps.MaxSubmissions)
	}
	if caps.BatchedSubmission {
		t.Error("BatchedSubmission = true, want false")
	}
	if caps.RegisteredBuffers {
		t.Error("RegisteredBuffers = true, want false")
	}
	if caps.Multishot {
		t.Error("Multishot = true, want false")
	}
}

func TestReadinessDriverSubmitAfterClose(t *testing.T) {
	d, err := newReadinessDriver(DefaultDriverConfig())
	if err != nil {
		t.Fatalf("newReadinessDriver: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Submit(Operation{ID: 1, Kind: OpNop}); err != ErrQueueClosed {
		t.Fatalf("Submit after Close = %v, want ErrQueueClosed", err)
	}
}
