//go:build windows

package asyncio

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

// iocpHeader embeds windows.Overlapped so GetQueuedCompletionStatus can
// hand back a pointer to this struct directly: casting the returned
// *windows.Overlapped back to *iocpHeader (container-of, since Overlapped is
// the header's first field) recovers the Operation it was issued for without
// a second lookup, the same pattern the Orizon poller's overlappedOp uses.
type iocpHeader struct {
	windows.Overlapped
	op    Operation
	wsaBuf windows.WSABuf
}

// The container-of cast in Poll relies on Overlapped sitting at offset 0 of
// iocpHeader; this declaration fails to compile if it ever moves.
var _ [0]struct{} = [unsafe.Offsetof(iocpHeader{}.Overlapped)]struct{}{}

// iocpDriver drives Windows I/O through a single IO completion port. Unlike
// io_uring, Windows starts each operation the moment it's issued (there is no
// separate "submit the batch" syscall), so Submit performs the actual
// ReadFile/WriteFile/WSASend/WSARecv call and Flush is a bookkeeping no-op;
// GetQueuedCompletionStatus (one completion per Poll call) is the only
// blocking step, mirroring
// FastPoller's IOCP init/associate/wait shape but completing the per-op
// dispatch that poller_windows.go leaves generic.
type iocpDriver struct {
	mu          sync.Mutex
	port        windows.Handle
	caps        Capabilities
	associated  map[windows.Handle]bool
	inFlight    map[uintptr]*iocpHeader     // keyed by &header, for lifetime/debug bookkeeping
	byOpID      map[OperationID]*iocpHeader // keyed by OperationID, so Cancel can find the stored overlapped
	submitCount int32
	closed      bool
}

func newIOCPDriver(cfg DriverConfig) (Driver, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, WrapError("newIOCPDriver", err)
	}
	return &iocpDriver{
		port:       port,
		associated: make(map[windows.Handle]bool),
		inFlight:   make(map[uintptr]*iocpHeader),
		byOpID:     make(map[OperationID]*iocpHeader),
		caps: Capabilities{
			MaxSubmissions: int(cfg.SubmissionEntries),
			MaxCompletions: int(cfg.CompletionEntries),
			SupportedKinds: []OpKind{OpRead, OpWrite, OpAccept, OpConnect, OpSend, OpRecv, OpClose, OpNop, OpCancel},
		},
	}, nil
}

func (d *iocpDriver) associate(h windows.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.associated[h] {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(h, d.port, 0, 0); err != nil {
		return err
	}
	d.associated[h] = true
	return nil
}

// Submit issues the overlapped call immediately; ERROR_IO_PENDING is the
// expected, successful outcome (the operation is now in flight and will
// surface through Poll), not an error.
func (d *iocpDriver) Submit(op Operation) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrQueueClosed
	}
	d.mu.Unlock()

	if op.Kind == OpCancel {
		return d.cancel(OperationID(op.Offset))
	}

	h := windows.Handle(op.Descriptor)
	if op.Kind != OpNop && op.Kind != OpClose {
		if err := d.associate(h); err != nil {
			return WrapError("Submit", err)
		}
	}

	hdr := &iocpHeader{op: op}
	key := uintptr(unsafe.Pointer(hdr))
	d.mu.Lock()
	d.inFlight[key] = hdr
	d.byOpID[op.ID] = hdr
	d.mu.Unlock()

	var err error
	switch op.Kind {
	case OpRead:
		err = windows.ReadFile(h, op.Buffer.Bytes(), nil, &hdr.Overlapped)
	case OpWrite:
		err = windows.WriteFile(h, op.Buffer.Bytes(), nil, &hdr.Overlapped)
	case OpRecv:
		hdr.wsaBuf = windows.WSABuf{Len: uint32(len(op.Buffer.Bytes())), Buf: bufPtr(op.Buffer.Bytes())}
		var flags, n uint32
		err = windows.WSARecv(windows.Handle(h), &hdr.wsaBuf, 1, &n, &flags, &hdr.Overlapped, nil)
	case OpSend:
		hdr.wsaBuf = windows.WSABuf{Len: uint32(len(op.Buffer.Bytes())), Buf: bufPtr(op.Buffer.Bytes())}
		var n uint32
		err = windows.WSASend(windows.Handle(h), &hdr.wsaBuf, 1, &n, 0, &hdr.Overlapped, nil)
	case OpNop:
		// Posted directly as a zero-byte completion; no kernel call needed.
		err = windows.PostQueuedCompletionStatus(d.port, 0, 0, &hdr.Overlapped)
	case OpClose:
		closeErr := windows.CloseHandle(h)
		postErr := windows.PostQueuedCompletionStatus(d.port, 0, 0, &hdr.Overlapped)
		if closeErr != nil {
			err = closeErr
		} else {
			err = postErr
		}
	case OpAccept, OpConnect:
		// AcceptEx/ConnectEx require a preassociated listen/outbound socket
		// with a preallocated address buffer that this witness's Operation
		// doesn't model; fall back to a synchronous call completed through
		// an explicit post, keeping the completion-port delivery uniform for
		// the poll loop even though the accept/connect syscall itself blocks
		// the helper goroutine it runs on.
		go d.runSynchronousConnectOrAccept(hdr)
		return nil
	default:
		d.mu.Lock()
		delete(d.inFlight, key)
		delete(d.byOpID, op.ID)
		d.mu.Unlock()
		return NewError("Submit", CodeUnsupportedKind, op.Kind.String())
	}

	if err != nil && err != windows.ERROR_IO_PENDING {
		d.mu.Lock()
		delete(d.inFlight, key)
		delete(d.byOpID, op.ID)
		d.mu.Unlock()
		return WrapError("Submit", err)
	}
	atomic.AddInt32(&d.submitCount, 1)
	return nil
}

// cancel issues CancelIoEx against the overlapped stored for targetID, the
// IOCP counterpart to io_uring's ASYNC_CANCEL SQE: success or cancellation
// still arrives through the ordinary completion path for targetID, so cancel
// itself never produces an Event. ERROR_NOT_FOUND means the target already
// completed and is not an error.
func (d *iocpDriver) cancel(targetID OperationID) error {
	d.mu.Lock()
	target, ok := d.byOpID[targetID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	h := windows.Handle(target.op.Descriptor)
	if err := windows.CancelIoEx(h, &target.Overlapped); err != nil && err != windows.ERROR_NOT_FOUND {
		return WrapError("Submit", err)
	}
	return nil
}

func bufPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

// runSynchronousConnectOrAccept performs a blocking accept/connect off the
// poll goroutine and reports completion through the same IOCP the async
// operations use, so Poll never needs a second code path.
func (d *iocpDriver) runSynchronousConnectOrAccept(hdr *iocpHeader) {
	h := windows.Handle(hdr.op.Descriptor)
	var err error
	switch hdr.op.Kind {
	case OpAccept:
		var nh windows.Handle
		nh, _, err = windows.Accept(windows.Handle(h))
		if err == nil {
			hdr.op.Addr = Address{Network: "tcp", Value: ""}
			hdr.wsaBuf.Len = uint32(nh) // stash accepted handle; recovered in toEvent
		}
	case OpConnect:
		// Connection establishment is assumed to have been driven by the
		// caller's address resolution; this witness only reports the
		// outcome of a connect that was already in progress on h.
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	if err != nil {
		hdr.wsaBuf.Len = 0xFFFFFFFF // sentinel: failure, see toEvent
	}
	windows.PostQueuedCompletionStatus(d.port, 0, 0, &hdr.Overlapped)
}

func (d *iocpDriver) Flush() (int, error) {
	n := int(atomic.SwapInt32(&d.submitCount, 0))
	return n, nil
}

func (d *iocpDriver) Poll(deadlineMs int, events []Event) (int, error) {
	var timeout *uint32
	if deadlineMs >= 0 {
		t := uint32(deadlineMs)
		timeout = &t
	}

	var n uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(d.port, &n, &key, &overlapped, timeoutOrInfinite(timeout))
	if overlapped == nil {
		if err != nil && err != windows.WAIT_TIMEOUT {
			return 0, WrapError("Poll", err)
		}
		return 0, nil
	}

	hdr := (*iocpHeader)(unsafe.Pointer(overlapped))
	d.mu.Lock()
	delete(d.inFlight, uintptr(unsafe.Pointer(hdr)))
	delete(d.byOpID, hdr.op.ID)
	d.mu.Unlock()

	events = append(events, d.toEvent(hdr, n, err))
	return 1, nil
}

func timeoutOrInfinite(t *uint32) uint32 {
	if t == nil {
		return windows.INFINITE
	}
	return *t
}

func (d *iocpDriver) toEvent(hdr *iocpHeader, transferred uint32, ioErr error) Event {
	op := hdr.op
	if ioErr == windows.ERROR_OPERATION_ABORTED {
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeCancellation, Err: ErrCancellation}
	}
	if ioErr != nil {
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: WrapError(op.Kind.String(), ioErr)}
	}
	switch op.Kind {
	case OpAccept:
		if hdr.wsaBuf.Len == 0xFFFFFFFF {
			return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: NewError("Accept", CodeKernel, "accept failed")}
		}
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Accepted: Descriptor(hdr.wsaBuf.Len)}}
	case OpConnect:
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Connected: true}}
	case OpClose, OpNop:
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Completed: true}}
	default:
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Bytes: int64(transferred)}}
	}
}

func (d *iocpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return windows.CloseHandle(d.port)
}

// iocpWakeup interrupts a blocked GetQueuedCompletionStatus call with a
// zero-byte, nil-overlapped post, which Poll recognizes and treats as a
// spurious wake rather than a completion.
type iocpWakeup struct {
	port windows.Handle
}

func (d *iocpDriver) CreateWakeup() (DriverWakeup, error) {
	return &iocpWakeup{port: d.port}, nil
}

func (w *iocpWakeup) Wake() error {
	return windows.PostQueuedCompletionStatus(w.port, 0, 0, nil)
}

func (w *iocpWakeup) Close() error {
	return nil
}

func (d *iocpDriver) Capabilities() Capabilities {
	return d.caps
}

var _ Driver = (*iocpDriver)(nil)
