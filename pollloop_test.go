package asyncio

import (
	"context"
	"testing"
	"time"
)

func TestPollLoopSubmitsQueuedOperations(t *testing.T) {
	driver := NewFakeDriver(Capabilities{MaxSubmissions: 8, MaxCompletions: 8})
	submitQ := NewSubmissionQueue()
	events := NewEventBridge(4)
	wake := NewWakeupChannel()

	loop, err := NewPollLoop(driver, submitQ, events, wake, NoOpObserver{})
	if err != nil {
		t.Fatalf("NewPollLoop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	submitQ.Push(Operation{ID: 1, Kind: OpNop})
	loop.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for len(driver.Flushed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	flushed := driver.Flushed()
	if len(flushed) != 1 || flushed[0].ID != 1 {
		t.Fatalf("Flushed() = %+v, want one op with ID 1", flushed)
	}
	if driver.CallCounts()["submit"] == 0 {
		t.Fatalf("expected at least one Submit call")
	}

	cancel()
	select {
	case <-loop.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	if !driver.IsClosed() {
		t.Fatal("driver was not closed on shutdown")
	}
}

func TestPollLoopPushesFailedSubmitAsEvent(t *testing.T) {
	driver := NewFakeDriver(Capabilities{})
	driver.SetSubmitErr(ErrQueueClosed)
	submitQ := NewSubmissionQueue()
	events := NewEventBridge(4)
	wake := NewWakeupChannel()

	loop, err := NewPollLoop(driver, submitQ, events, wake, NoOpObserver{})
	if err != nil {
		t.Fatalf("NewPollLoop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	submitQ.Push(Operation{ID: 42, Kind: OpRead})
	loop.Wake()

	batch, ok := events.Next(ctx.Done())
	if !ok {
		t.Fatal("expected an event batch for the failed submit")
	}
	if len(batch) != 1 || batch[0].ID != 42 || batch[0].Outcome != OutcomeFailure {
		t.Fatalf("batch = %+v, want one failure event for ID 42", batch)
	}
}
