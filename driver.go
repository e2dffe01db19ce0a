package asyncio

import (
	"fmt"

	"github.com/nyx-io/asyncio/internal/rlog"
)

// DriverKind selects which backend NewDriver constructs.
type DriverKind uint8

const (
	// DriverAuto picks io_uring on Linux, IOCP on Windows, and the readiness
	// adapter everywhere else (and as the Linux fallback when io_uring setup
	// fails, e.g. an old kernel).
	DriverAuto DriverKind = iota
	DriverIOURing
	DriverIOCP
	DriverReadiness
)

func (k DriverKind) String() string {
	switch k {
	case DriverAuto:
		return "auto"
	case DriverIOURing:
		return "io_uring"
	case DriverIOCP:
		return "iocp"
	case DriverReadiness:
		return "readiness"
	default:
		return "unknown"
	}
}

// DriverConfig configures a backend at construction time. Fields a given
// backend doesn't use are ignored rather than rejected, so one config value
// can be shared across backends without per-backend branching at the
// call site.
type DriverConfig struct {
	// SubmissionEntries sizes the backend's own submission ring/array (SQ
	// depth for io_uring, IOCP's table hint). The readiness adapter ignores
	// it: it always advertises MaxSubmissions=1, since epoll/kqueue give it
	// no batched-submission primitive to size a buffer from.
	SubmissionEntries uint32
	// CompletionEntries sizes the backend's completion ring; zero means let
	// the backend derive a default (typically 2x SubmissionEntries).
	CompletionEntries uint32
	// Flags carries backend-specific setup flags (e.g. IORING_SETUP_*
	// bitmask for io_uring). Unused by IOCP/readiness.
	Flags uint32
}

// DefaultDriverConfig returns a config sized for a moderate concurrent load.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		SubmissionEntries: 256,
		CompletionEntries: 512,
	}
}

// Driver is the witness every backend (io_uring, IOCP, readiness-based
// epoll/kqueue) must satisfy: completion-based async I/O and readiness-based
// I/O are unified behind these six operations so the poll loop (L) never
// needs to know which one it's driving.
//
// Submit enqueues op for later flushing; it must not block on the kernel.
// Flush pushes everything enqueued since the last Flush to the kernel/OS and
// reports how many operations were accepted. Poll blocks (up to deadlineMs
// milliseconds, or indefinitely if deadlineMs < 0) waiting for completions
// and appends them to events, returning the count appended; callers pass a
// zero-length, sufficiently-capacious slice (events[:0] of a reused buffer)
// so the appends land in the caller's backing array without reallocating.
// Close releases
// the backend's own resources (ring fd, IOCP handle, epoll fd); it does not
// touch descriptors the caller submitted operations against. CreateWakeup
// returns a backend-specific mechanism for interrupting a blocked Poll call
// from another goroutine.
type Driver interface {
	Submit(op Operation) error
	Flush() (int, error)
	Poll(deadlineMs int, events []Event) (int, error)
	Close() error
	CreateWakeup() (DriverWakeup, error)
	Capabilities() Capabilities
}

// DriverWakeup is the backend-specific handle returned by CreateWakeup: an
// eventfd write for io_uring and the epoll adapter, an EVFILT_USER trigger for
// the kqueue adapter, PostQueuedCompletionStatus for IOCP.
type DriverWakeup interface {
	Wake() error
	Close() error
}

// NewDriver constructs the backend named by kind. DriverAuto resolves to a
// platform default and, on Linux, falls back to the readiness adapter if
// io_uring setup fails (old kernel, seccomp filter, container restriction).
func NewDriver(kind DriverKind, cfg DriverConfig) (Driver, error) {
	logger := rlog.Default()
	logger.Debug("constructing driver", "kind", kind, "submission_entries", cfg.SubmissionEntries)

	if cfg.SubmissionEntries == 0 {
		cfg.SubmissionEntries = DefaultDriverConfig().SubmissionEntries
	}
	if cfg.CompletionEntries == 0 {
		cfg.CompletionEntries = cfg.SubmissionEntries * 2
	}

	d, err := newPlatformDriver(kind, cfg)
	if err != nil {
		logger.Error("driver construction failed", "kind", kind, "error", err)
		return nil, WrapError("NewDriver", err)
	}
	logger.Debug("driver constructed", "kind", kind, "capabilities", fmt.Sprintf("%+v", d.Capabilities()))
	return d, nil
}
