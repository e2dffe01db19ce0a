//go:build linux

package asyncio

import (
	"sync"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// iouringDriver batches submissions into the ring's SQ and turns CQEs back
// into Events via giouring, which owns the SQ-array/CQ-array mmap mechanics
// directly.
// wakeUserData is the reserved UserData value tagging the ring's own
// self-read-on-eventfd wakeup SQE; real operations are keyed by OperationID,
// which is never zero, so this value never collides with one.
const wakeUserData = 0

// cancelUserData tags the ring's own ASYNC_CANCEL SQEs. Its own completion
// carries no useful information (the cancellation itself surfaces as an
// ECANCELED CQE for the target's own user_data, handled in toEvent), and
// real OperationIDs never reach the all-ones value, so it never collides.
const cancelUserData = ^uint64(0)

type iouringDriver struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	caps    Capabilities
	byID    map[OperationID]Operation // in-flight ops awaiting their CQE, keyed for buffer hand-back
	pending int                       // SQEs prepared since the last Flush
	closed  bool

	wakeFd  int
	wakeBuf []byte
}

func newIOURingDriver(cfg DriverConfig) (Driver, error) {
	ring, err := giouring.CreateRing(cfg.SubmissionEntries)
	if err != nil {
		return nil, WrapError("newIOURingDriver", err)
	}
	return &iouringDriver{
		ring: ring,
		byID: make(map[OperationID]Operation),
		caps: Capabilities{
			MaxSubmissions:    int(cfg.SubmissionEntries),
			MaxCompletions:    int(cfg.CompletionEntries),
			SupportedKinds:    []OpKind{OpRead, OpWrite, OpAccept, OpConnect, OpSend, OpRecv, OpFsync, OpClose, OpNop, OpCancel},
			BatchedSubmission: true,
			Multishot:         true,
		},
	}, nil
}

func (d *iouringDriver) Submit(op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrQueueClosed
	}

	sqe := d.ring.GetSQE()
	if sqe == nil {
		return NewError("Submit", CodeQueueFull, "submission queue full")
	}

	switch op.Kind {
	case OpRead:
		sqe.PrepRead(int(op.Descriptor), op.Buffer.Bytes(), uint64(op.Offset))
	case OpWrite:
		sqe.PrepWrite(int(op.Descriptor), op.Buffer.Bytes(), uint64(op.Offset))
	case OpRecv:
		sqe.PrepRecv(int(op.Descriptor), op.Buffer.Bytes(), 0)
	case OpSend:
		sqe.PrepSend(int(op.Descriptor), op.Buffer.Bytes(), 0)
	case OpAccept:
		sqe.PrepAccept(int(op.Descriptor), 0, 0, 0)
	case OpConnect:
		sqe.PrepConnect(int(op.Descriptor), nil)
	case OpFsync:
		sqe.PrepFsync(int(op.Descriptor), 0)
	case OpClose:
		sqe.PrepClose(int(op.Descriptor))
	case OpNop:
		sqe.PrepNop()
	case OpCancel:
		// Asks the kernel to cancel whatever SQE carries the target
		// user_data (IORING_OP_ASYNC_CANCEL); the target's own pending SQE,
		// if still in flight, completes with -ECANCELED through the normal
		// CQE path (see toEvent), not through this SQE's own completion.
		sqe.PrepCancel64(uint64(op.Offset), 0)
		sqe.UserData = cancelUserData
		d.pending++
		return nil
	default:
		return NewError("Submit", CodeUnsupportedKind, op.Kind.String())
	}
	sqe.UserData = uint64(op.ID)

	d.byID[op.ID] = op
	d.pending++
	return nil
}

func (d *iouringDriver) Flush() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrQueueClosed
	}
	if d.pending == 0 {
		return 0, nil
	}
	n, err := d.ring.Submit()
	if err != nil {
		return 0, WrapError("Flush", err)
	}
	d.pending = 0
	return int(n), nil
}

// Poll waits for at least one CQE (up to deadlineMs) and drains every CQE
// currently available, converting each into an Event and dropping the
// Operation recorded for it at Submit time.
func (d *iouringDriver) Poll(deadlineMs int, events []Event) (int, error) {
	var cqe *giouring.CompletionQueueEvent
	var err error
	if deadlineMs < 0 {
		cqe, err = d.ring.WaitCQE()
	} else {
		ts := unix.NsecToTimespec(int64(deadlineMs) * 1_000_000)
		cqe, err = d.ring.WaitCQETimeout(&ts)
	}
	if err != nil {
		if err == unix.ETIME || err == unix.EINTR {
			return 0, nil
		}
		return 0, WrapError("Poll", err)
	}

	produced := 0
	for cqe != nil {
		switch cqe.UserData {
		case wakeUserData:
			d.ring.CQESeen(cqe)
			d.rearmWake()
		case cancelUserData:
			// The cancel request's own completion carries no Event; the
			// target's ECANCELED CQE (if it arrives) is handled below.
			d.ring.CQESeen(cqe)
		default:
			events = append(events, d.toEvent(cqe))
			d.ring.CQESeen(cqe)
			produced++
		}
		cqe, err = d.ring.PeekCQE()
		if err != nil {
			break
		}
	}
	return produced, nil
}

// rearmWake re-submits the ring's self-read on the wakeup eventfd: io_uring
// reads are one-shot, so every wakeup CQE must be immediately followed by a
// fresh PrepRead or a second Wake call would have nothing to complete.
func (d *iouringDriver) rearmWake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wakeFd == 0 || d.closed {
		return
	}
	sqe := d.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PrepRead(d.wakeFd, d.wakeBuf, 0)
	sqe.UserData = wakeUserData
	d.ring.Submit()
}

func (d *iouringDriver) toEvent(cqe *giouring.CompletionQueueEvent) Event {
	d.mu.Lock()
	id := OperationID(cqe.UserData)
	op, ok := d.byID[id]
	delete(d.byID, id)
	d.mu.Unlock()
	if !ok {
		return Event{ID: id, Outcome: OutcomeFailure, Err: NewError("Poll", CodeInvalidSubmission, "completion for unknown operation")}
	}

	if cqe.Res < 0 {
		errno := unix.Errno(-cqe.Res)
		if errno == unix.ECANCELED {
			return Event{ID: id, Kind: op.Kind, Outcome: OutcomeCancellation, Err: ErrCancellation}
		}
		return Event{ID: id, Kind: op.Kind, Outcome: OutcomeFailure, Err: NewErrorWithErrno(op.Kind.String(), mapErrnoToCode(errno), errno)}
	}

	switch op.Kind {
	case OpAccept:
		return Event{ID: id, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Accepted: Descriptor(cqe.Res)}}
	case OpConnect:
		return Event{ID: id, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Connected: true}}
	case OpFsync, OpClose, OpNop:
		return Event{ID: id, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Completed: true}}
	default:
		return Event{ID: id, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Bytes: int64(cqe.Res)}}
	}
}

func (d *iouringDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.ring.QueueExit()
	return nil
}

// iouringWakeup interrupts a blocked WaitCQE by writing to an eventfd that
// is itself kept permanently submitted as a read operation on the ring (see
// rearmWake), the same "wake via a completable op" idiom used for the
// readiness adapters' eventfd but routed through the ring instead of a
// second poll primitive.
type iouringWakeup struct {
	fd int
}

func (d *iouringDriver) CreateWakeup() (DriverWakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, WrapError("CreateWakeup", err)
	}

	d.mu.Lock()
	d.wakeFd = fd
	d.wakeBuf = make([]byte, 8)
	sqe := d.ring.GetSQE()
	if sqe == nil {
		d.mu.Unlock()
		unix.Close(fd)
		return nil, NewError("CreateWakeup", CodeQueueFull, "no SQE available to arm wakeup")
	}
	sqe.PrepRead(fd, d.wakeBuf, 0)
	sqe.UserData = wakeUserData
	_, err = d.ring.Submit()
	d.mu.Unlock()
	if err != nil {
		unix.Close(fd)
		return nil, WrapError("CreateWakeup", err)
	}

	return &iouringWakeup{fd: fd}, nil
}

func (w *iouringWakeup) Wake() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(w.fd, buf)
	return err
}

func (w *iouringWakeup) Close() error {
	return unix.Close(w.fd)
}

func (d *iouringDriver) Capabilities() Capabilities {
	return d.caps
}

var _ Driver = (*iouringDriver)(nil)
