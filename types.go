package asyncio

import "fmt"

// Descriptor is an opaque platform handle: a raw fd on POSIX, a HANDLE value
// reinterpreted as int64 on Windows. The engine borrows it; whoever opened it
// still owns it.
type Descriptor int64

// InvalidDescriptor is the sentinel used wherever a Descriptor field doesn't apply.
const InvalidDescriptor Descriptor = -1

// OperationID uniquely identifies one submission within a Runtime instance.
// Zero is reserved as a sentinel and is never assigned.
type OperationID uint64

// HandleID identifies one entry in a handle pool. Scope is a pool-wide nonce
// that rejects IDs minted by a different (possibly destroyed) pool.
type HandleID struct {
	Raw   uint64
	Scope uint64
}

func (h HandleID) String() string {
	return fmt.Sprintf("handle(%d/%d)", h.Raw, h.Scope)
}

// OpKind enumerates the operation kinds a Driver may be asked to perform.
type OpKind uint8

const (
	OpNop OpKind = iota
	OpRead
	OpWrite
	OpAccept
	OpConnect
	OpSend
	OpRecv
	OpFsync
	OpClose
	OpCancel
	OpWakeup
)

func (k OpKind) String() string {
	switch k {
	case OpNop:
		return "nop"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAccept:
		return "accept"
	case OpConnect:
		return "connect"
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpFsync:
		return "fsync"
	case OpClose:
		return "close"
	case OpCancel:
		return "cancel"
	case OpWakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// OffsetUnspecified marks Operation.Offset as not meaningful for this kind.
const OffsetUnspecified int64 = -1

// Operation is a move-only, single-use submission record. It must be
// submitted at most once. Go has no linear types, and nothing checks this at
// runtime: Submit neither inspects nor marks the Operation or its buffer
// (AlignedBuffer's taken-bit guards only Release).
type Operation struct {
	ID         OperationID
	Kind       OpKind
	Descriptor Descriptor
	Buffer     *AlignedBuffer // optional owned payload; absent for non-data ops
	Offset     int64          // negative/sentinel = unspecified; overloaded as cancel target-ID
	Addr       Address        // target address for Connect; zero value otherwise
}

// Address models a pre-resolved connect/accept peer target. This runtime
// only carries the address through; it never resolves one itself.
type Address struct {
	Network string
	Value   string
}

func (a Address) String() string {
	if a.Network == "" {
		return a.Value
	}
	return a.Network + ":" + a.Value
}

// Flags annotates an Event the way IORING_CQE_F_* flags annotate a CQE.
type Flags struct {
	More         bool
	BufferSelect bool
	ShortCount   bool
}

// OutcomeKind is the three-valued result of a backend operation.
type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeCancellation
)

// SuccessValue carries the kind-specific payload of a successful completion.
type SuccessValue struct {
	Bytes     int64      // bytes(n) for read/write/send/recv
	Accepted  Descriptor // accepted(descriptor) for accept
	PeerAddr  Address    // peer address for accept; no built-in backend sets it
	Connected bool       // connected for connect
	Completed bool       // completed for fsync/close/nop
}

// Event is the unit the poll loop pushes into the event bridge and the
// completion actor drains.
type Event struct {
	ID      OperationID
	Kind    OpKind
	Outcome OutcomeKind
	Success SuccessValue
	Err     error // non-nil iff Outcome == OutcomeFailure
	Flags   Flags
}

// Result is what Submit returns to the caller on success.
type Result struct {
	ID      OperationID
	Kind    OpKind
	Success SuccessValue
	Flags   Flags
	Buffer  *AlignedBuffer // returned ownership, nil for non-data ops
}

// Capabilities describes what a Driver backend supports; the poll loop uses
// it to size buffers and submit paths use it to validate kinds up front.
type Capabilities struct {
	MaxSubmissions    int
	MaxCompletions    int
	SupportedKinds    []OpKind
	BatchedSubmission bool
	RegisteredBuffers bool
	Multishot         bool
}

// Supports reports whether kind is in SupportedKinds.
func (c Capabilities) Supports(kind OpKind) bool {
	for _, k := range c.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}
