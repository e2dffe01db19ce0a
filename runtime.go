package asyncio

import (
	"context"

	"github.com/nyx-io/asyncio/internal/rlog"
)

// RuntimeState is a small string enum a caller can log or branch on without
// reaching into internals.
type RuntimeState string

const (
	RuntimeStateCreated RuntimeState = "created"
	RuntimeStateRunning RuntimeState = "running"
	RuntimeStateStopped RuntimeState = "stopped"
)

// Runtime bundles one Driver, its poll loop, the completion actor, a thread
// executor pool, and metrics into the single object CreateAndServe hands
// back.
type Runtime struct {
	driver      Driver
	submitQ     *SubmissionQueue
	events      *EventBridge
	wake        *WakeupChannel
	loop        *PollLoop
	completions *CompletionQueue
	executors   *ThreadExecutorPool
	metrics     *Metrics
	observer    Observer

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// CreateAndServe constructs a Runtime per params, starts its poll loop and
// executor pool, and returns it ready to open Channels. This is the main
// entry point.
func CreateAndServe(ctx context.Context, params RuntimeParams, options *Options) (*Runtime, error) {
	driver, err := NewDriver(params.DriverKind, params.Driver)
	if err != nil {
		return nil, WrapError("CreateAndServe", err)
	}
	rt, err := newRuntimeWithDriver(ctx, driver, params, options)
	if err != nil {
		driver.Close()
		return nil, err
	}
	return rt, nil
}

// newRuntimeWithDriver wires an already-constructed Driver into a Runtime;
// factored out of CreateAndServe so tests can substitute a FakeDriver
// without going through NewDriver's platform dispatch.
func newRuntimeWithDriver(ctx context.Context, driver Driver, params RuntimeParams, options *Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	submitQ := NewSubmissionQueue()
	events := NewEventBridge(params.EventBridgeCapacity)
	wake := NewWakeupChannel()

	loop, err := NewPollLoop(driver, submitQ, events, wake, observer)
	if err != nil {
		driver.Close()
		return nil, WrapError("CreateAndServe", err)
	}

	runtimeCtx, cancel := context.WithCancel(ctx)
	go loop.Run(runtimeCtx)

	completions := NewCompletionQueue(submitQ, events, loop.Wake)
	executors := NewThreadExecutorPool(params.ExecutorPoolSize, params.ExecutorQueueDepth)

	rlog.Default().Info("runtime started", "driver", params.DriverKind)

	return &Runtime{
		driver:      driver,
		submitQ:     submitQ,
		events:      events,
		wake:        wake,
		loop:        loop,
		completions: completions,
		executors:   executors,
		metrics:     metrics,
		observer:    observer,
		ctx:         runtimeCtx,
		cancel:      cancel,
		started:     true,
	}, nil
}

// OpenChannel wraps descriptor in a Channel backed by this Runtime's
// completion actor. The caller retains ownership of descriptor's lifecycle
// outside of Channel.Close.
func (r *Runtime) OpenChannel(descriptor Descriptor) *Channel {
	return NewChannel(r.completions, descriptor)
}

// Executors returns the Runtime's thread executor pool, for callers that
// need to run blocking work (a synchronous DNS lookup, a backend that has no
// async primitive) off the poll thread.
func (r *Runtime) Executors() *ThreadExecutorPool {
	return r.executors
}

// State reports whether the Runtime is still accepting work.
func (r *Runtime) State() RuntimeState {
	if r == nil || !r.started {
		return RuntimeStateStopped
	}
	select {
	case <-r.ctx.Done():
		return RuntimeStateStopped
	default:
		return RuntimeStateRunning
	}
}

// IsRunning reports whether State() == RuntimeStateRunning.
func (r *Runtime) IsRunning() bool {
	return r.State() == RuntimeStateRunning
}

// Metrics returns the Runtime's own Metrics instance. It reflects live
// counters only when options.Observer was left nil at CreateAndServe time
// (a caller-supplied Observer owns its own counters instead).
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of Metrics().
func (r *Runtime) MetricsSnapshot() MetricsSnapshot {
	if r == nil || r.metrics == nil {
		return MetricsSnapshot{}
	}
	return r.metrics.Snapshot()
}

// Shutdown cancels every in-flight operation, stops the poll loop and
// executor pool, and releases the driver's own resources. Idempotent.
func Shutdown(ctx context.Context, r *Runtime) error {
	if r == nil {
		return ErrInvalidParameters
	}
	if !r.started {
		return nil
	}

	r.completions.Shutdown()
	r.cancel()

	select {
	case <-r.loop.Stopped():
	case <-ctx.Done():
		return ctx.Err()
	}

	r.executors.Close()
	r.metrics.Stop()
	r.started = false
	return nil
}
