package asyncio

import (
	"context"
	"runtime"
	"time"

	"github.com/nyx-io/asyncio/internal/rlog"
)

// pollLoopIdleMs bounds how long a single Driver.Poll call blocks when
// nothing has asked to be woken. It exists only as a safety net against a
// missed wakeup write racing the Poll syscall; under normal operation every
// Wake call is paired with a DriverWakeup write that returns Poll immediately,
// the same self-pipe idiom a ring's own eventfd gives for free rather than an
// ad hoc timeout.
const pollLoopIdleMs = 250

// PollLoop pins a single OS thread to one Driver and runs the
// drain-submit-flush-poll-push cycle: operations queued on a SubmissionQueue
// are handed to the backend, the backend is flushed, Poll blocks for
// completions, and completed batches are pushed onto an EventBridge for a
// completion actor to consume. Grounded on RTradeLtd-gaio's watcher.go loop()
// (LockOSThread, coalescing wakeup, non-blocking push of finished batches).
type PollLoop struct {
	driver     Driver
	submitQ    *SubmissionQueue
	events     *EventBridge
	wake       *WakeupChannel
	driverWake DriverWakeup
	observer   Observer
	logger     *rlog.Logger

	stopped chan struct{}
}

// NewPollLoop wires driver to the given queues. observer may be
// NoOpObserver{} when metrics aren't needed.
func NewPollLoop(driver Driver, submitQ *SubmissionQueue, events *EventBridge, wake *WakeupChannel, observer Observer) (*PollLoop, error) {
	driverWake, err := driver.CreateWakeup()
	if err != nil {
		return nil, WrapError("NewPollLoop", err)
	}
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &PollLoop{
		driver:     driver,
		submitQ:    submitQ,
		events:     events,
		wake:       wake,
		driverWake: driverWake,
		observer:   observer,
		logger:     rlog.Default(),
		stopped:    make(chan struct{}),
	}, nil
}

// Wake interrupts a blocked Poll so the loop re-checks its submission queue
// and context promptly instead of waiting out pollLoopIdleMs. Safe to call
// from any goroutine.
func (l *PollLoop) Wake() {
	l.wake.Wake()
	if err := l.driverWake.Wake(); err != nil {
		l.logger.Warn("poll loop wake failed", "error", err)
	}
}

// Run pins the calling goroutine to its OS thread and drives the loop until
// ctx is cancelled. It returns once the driver and wakeup handle have been
// closed. Callers should run it via `go` on a fresh goroutine: LockOSThread
// permanently taints the goroutine it's called from.
func (l *PollLoop) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.stopped)
	defer l.driverWake.Close()
	defer l.driver.Close()

	var opsBuf []Operation
	var eventsBuf []Event
	if c := l.driver.Capabilities(); c.MaxSubmissions > 0 {
		opsBuf = make([]Operation, 0, c.MaxSubmissions)
		eventsBuf = make([]Event, 0, c.MaxCompletions)
	} else {
		opsBuf = make([]Operation, 0, 64)
		eventsBuf = make([]Event, 0, 128)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		opsBuf = l.submitQ.Drain(opsBuf[:0])
		if len(opsBuf) > 0 {
			l.observer.ObserveQueueDepth(uint32(len(opsBuf)))
			for _, op := range opsBuf {
				if err := l.driver.Submit(op); err != nil {
					l.logger.Error("submit failed", "op_id", op.ID, "kind", op.Kind, "error", err)
					l.events.Push([]Event{{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: WrapError("Submit", err)}})
					l.observer.ObserveFailure(0)
				}
			}
			if _, err := l.driver.Flush(); err != nil {
				l.logger.Error("flush failed", "error", err)
			}
		}

		eventsBuf = eventsBuf[:0]
		n, err := l.driver.Poll(pollLoopIdleMs, eventsBuf)
		if err != nil {
			l.logger.Error("poll failed", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		batch := eventsBuf[:n]
		start := time.Now()
		for !l.events.Push(batch) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if time.Since(start) > time.Second {
				l.logger.Warn("event bridge backpressure, dropping batch push attempt", "batch_size", n)
				start = time.Now()
			}
		}
		for _, ev := range batch {
			recordObservation(l.observer, ev)
		}
	}
}

// Stopped reports a channel that closes once Run has released the driver and
// returned, for callers that want to block on full shutdown.
func (l *PollLoop) Stopped() <-chan struct{} {
	return l.stopped
}

func recordObservation(o Observer, ev Event) {
	switch ev.Outcome {
	case OutcomeSuccess:
		o.ObserveComplete(ev.Kind, uint64(ev.Success.Bytes), 0)
	case OutcomeCancellation:
		o.ObserveCancel(0)
	default:
		o.ObserveFailure(0)
	}
}
