package asyncio

import (
	"context"
	"testing"
	"time"
)

func TestChannelReadWriteRoundTrip(t *testing.T) {
	completions, driver, cancel := drivePollLoop(t)
	defer cancel()

	ch := NewChannel(completions, Descriptor(11))
	buf, err := NewAlignedBuffer(16, 1)
	if err != nil {
		t.Fatalf("NewAlignedBuffer: %v", err)
	}

	resultCh := make(chan int64, 1)
	errCh := make(chan error, 1)
	go func() {
		n, err := ch.Read(context.Background(), buf, 0)
		resultCh <- n
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
		t.Fatal("read never reached the driver")
	}

	completions.resume(Event{ID: id, Kind: OpRead, Outcome: OutcomeSuccess, Success: SuccessValue{Bytes: 4}})

	if err := <-errCh; err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if n := <-resultCh; n != 4 {
		t.Fatalf("Read() = %d, want 4", n)
	}
}

func TestChannelCloseSurfacesFailure(t *testing.T) {
	completions, driver, cancel := drivePollLoop(t)
	defer cancel()

	ch := NewChannel(completions, Descriptor(22))
	errCh := make(chan error, 1)
	go func() {
		errCh <- ch.Close(context.Background())
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
		t.Fatal("close never reached the driver")
	}

	wantErr := NewError("Close", CodeKernel, "bad file descriptor")
	completions.resume(Event{ID: id, Kind: OpClose, Outcome: OutcomeFailure, Err: wantErr})

	if err := <-errCh; err != wantErr {
		t.Fatalf("Close() = %v, want %v", err, wantErr)
	}
}
