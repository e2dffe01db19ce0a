package asyncio

import (
	"context"
	"testing"
	"time"
)

// drivePollLoop wires a FakeDriver-backed PollLoop to a CompletionQueue the
// way runtime.go eventually does, returning the queue and a cancel func.
func drivePollLoop(t *testing.T) (*CompletionQueue, *FakeDriver, func()) {
	t.Helper()
	driver := NewFakeDriver(Capabilities{MaxSubmissions: 16, MaxCompletions: 16})
	submitQ := NewSubmissionQueue()
	events := NewEventBridge(8)
	wakeCh := NewWakeupChannel()

	loop, err := NewPollLoop(driver, submitQ, events, wakeCh, NoOpObserver{})
	if err != nil {
		t.Fatalf("NewPollLoop: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	completions := NewCompletionQueue(submitQ, events, loop.Wake)
	return completions, driver, cancel
}

func TestCompletionQueueSubmitResumesOnEvent(t *testing.T) {
	completions, driver, cancel := drivePollLoop(t)
	defer cancel()

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := completions.Submit(context.Background(), Operation{Kind: OpNop, Descriptor: 3})
		resultCh <- res
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
		t.Fatal("operation never reached the driver")
	}

	completions.resume(Event{ID: id, Kind: OpNop, Outcome: OutcomeSuccess, Success: SuccessValue{Completed: true}})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after resume")
	}
	res := <-resultCh
	if !res.Success.Completed {
		t.Fatalf("result = %+v, want Completed", res)
	}
}

func TestCompletionQueueContextCancellation(t *testing.T) {
	completions, driver, cancel := drivePollLoop(t)
	defer cancel()

	ctx, cancelOp := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := completions.Submit(ctx, Operation{Kind: OpRead, Descriptor: 5})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(driver.Flushed()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancelOp()

	var id OperationID
	deadline = time.Now().Add(2 * time.Second)
	for id == 0 && time.Now().Before(deadline) {
		flushed := driver.Flushed()
		for _, op := range flushed {
			if op.Kind == OpCancel {
				id = OperationID(op.Offset)
			}
		}
		if id == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if id == 0 {
		t.Fatal("cancel operation never reached the driver")
	}

	completions.resume(Event{ID: id, Outcome: OutcomeCancellation, Err: ErrCancellation})

	select {
	case err := <-errCh:
		if err != ErrCancellation {
			t.Fatalf("Submit returned %v, want ErrCancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}
}

func TestCompletionQueueShutdownCancelsInFlight(t *testing.T) {
	completions, _, cancel := drivePollLoop(t)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := completions.Submit(context.Background(), Operation{Kind: OpRead, Descriptor: 9})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	completions.Shutdown()

	select {
	case err := <-errCh:
		if err != ErrShutdownInProgress {
			t.Fatalf("Submit returned %v, want ErrShutdownInProgress", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Shutdown")
	}
}
