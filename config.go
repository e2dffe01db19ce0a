package asyncio

import (
	"context"
	"runtime"
)

// RuntimeParams configures a Runtime at construction time: one struct naming
// every tunable, with DefaultRuntimeParams filling in sensible defaults.
type RuntimeParams struct {
	// DriverKind selects the backend; DriverAuto (the default) picks the best
	// one available for the current OS.
	DriverKind DriverKind
	// Driver configures the chosen backend's ring/port/descriptor-table sizes.
	Driver DriverConfig

	// ExecutorPoolSize is how many OS-thread executors the Runtime's pool
	// holds. The runtime itself submits no work to them; they serve callers
	// that want their own blocking work off the poll thread, via
	// Runtime.Executors(). Defaults to runtime.NumCPU().
	ExecutorPoolSize int
	// ExecutorQueueDepth bounds how many pending jobs each pool executor will
	// buffer before Submit blocks.
	ExecutorQueueDepth int

	// EventBridgeCapacity bounds how many in-flight event batches the poll
	// loop may have pushed before it starts retrying Push.
	EventBridgeCapacity int
}

// DefaultRuntimeParams returns defaults sized for a moderate concurrent load:
// one function, backend-agnostic fields filled with sensible constants.
func DefaultRuntimeParams() RuntimeParams {
	return RuntimeParams{
		DriverKind:          DriverAuto,
		Driver:              DefaultDriverConfig(),
		ExecutorPoolSize:    runtime.NumCPU(),
		ExecutorQueueDepth:  64,
		EventBridgeCapacity: 64,
	}
}

// Options carries the ambient collaborators a Runtime accepts at creation:
// context and observer, each defaulted if left zero.
type Options struct {
	// Context governs the poll loop's lifetime: cancelling it stops the loop
	// and closes the driver. Unlike Shutdown, it does not resume in-flight
	// operations or close the executor pool. Defaults to context.Background().
	Context context.Context
	// Observer receives metrics events; defaults to a Metrics-backed observer
	// the Runtime owns and exposes via Runtime.MetricsSnapshot.
	Observer Observer
}
