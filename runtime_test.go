package asyncio

import (
	"context"
	"testing"
	"time"
)

func newTestRuntime(t *testing.T) (*Runtime, *FakeDriver) {
	t.Helper()
	driver := NewFakeDriver(Capabilities{MaxSubmissions: 16, MaxCompletions: 16})
	rt, err := newRuntimeWithDriver(context.Background(), driver, RuntimeParams{
		ExecutorPoolSize:    2,
		EventBridgeCapacity: 8,
	}, nil)
	if err != nil {
		t.Fatalf("newRuntimeWithDriver: %v", err)
	}
	return rt, driver
}

func TestRuntimeOpenChannelRoundTrip(t *testing.T) {
	rt, driver := newTestRuntime(t)
	defer Shutdown(context.Background(), rt)

	if !rt.IsRunning() {
		t.Fatal("runtime should report running immediately after creation")
	}

	ch := rt.OpenChannel(Descriptor(7))
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Write(context.Background(), mustBuffer(t), 0)
		errCh <- err
	}()

	var id OperationID
	deadline := time.Now().Add(2 * time.Second)
	for id == 0 && time.Now().Before(deadline) {
		if flushed := driver.Flushed(); len(flushed) > 0 {
			id = flushed[0].ID
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if id == 0 {
		t.Fatal("write never reached the driver")
	}

	rt.completions.resume(Event{ID: id, Kind: OpWrite, Outcome: OutcomeSuccess, Success: SuccessValue{Bytes: 8}})

	if err := <-errCh; err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
}

func TestRuntimeShutdownStopsPollLoop(t *testing.T) {
	rt, driver := newTestRuntime(t)

	if err := Shutdown(context.Background(), rt); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rt.IsRunning() {
		t.Fatal("runtime should report stopped after Shutdown")
	}
	if !driver.IsClosed() {
		t.Fatal("driver was not closed on Shutdown")
	}
}

func TestShutdownRejectsNilRuntime(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != ErrInvalidParameters {
		t.Fatalf("Shutdown(nil) = %v, want ErrInvalidParameters", err)
	}
}

func mustBuffer(t *testing.T) *AlignedBuffer {
	t.Helper()
	buf, err := NewAlignedBuffer(16, 1)
	if err != nil {
		t.Fatalf("NewAlignedBuffer: %v", err)
	}
	return buf
}
