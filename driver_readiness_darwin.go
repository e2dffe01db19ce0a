//go:build darwin

package asyncio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// readinessEntry is the queue of operations waiting on one descriptor's
// readiness for one direction (read-class vs write-class kinds).
type readinessEntry struct {
	readOps  []Operation
	writeOps []Operation
	armed    uint32 // bitmask of readinessRead/readinessWrite currently registered with kqueue
}

const (
	readinessRead  uint32 = 1 << 0
	readinessWrite uint32 = 1 << 1
)

// readinessDriver adapts kqueue's pure readiness notifications into the
// completion-shaped Driver witness, mirroring FastPoller's kevent arm/dispatch
// cycle but performing the syscall itself instead of invoking a callback.
type readinessDriver struct {
	mu        sync.Mutex
	kq        int
	caps      Capabilities
	entries   map[Descriptor]*readinessEntry
	dirty     map[Descriptor]struct{}
	byID      map[OperationID]Descriptor // pending operation's descriptor, for Cancel lookup
	cancelled []Event                    // cancellation Events synthesized by Submit(OpCancel), drained by the next Poll
	closed    bool
}

func newReadinessDriver(cfg DriverConfig) (Driver, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, WrapError("newReadinessDriver", err)
	}
	unix.CloseOnExec(kq)
	return &readinessDriver{
		kq:      kq,
		entries: make(map[Descriptor]*readinessEntry),
		dirty:   make(map[Descriptor]struct{}),
		byID:    make(map[OperationID]Descriptor),
		caps: Capabilities{
			MaxSubmissions:    1,
			MaxCompletions:    int(cfg.CompletionEntries),
			SupportedKinds:    []OpKind{OpRead, OpWrite, OpAccept, OpConnect, OpSend, OpRecv, OpClose, OpNop, OpCancel},
			BatchedSubmission: false,
			RegisteredBuffers: false,
			Multishot:         false,
		},
	}, nil
}

func (d *readinessDriver) entryFor(fd Descriptor) *readinessEntry {
	e, ok := d.entries[fd]
	if !ok {
		e = &readinessEntry{}
		d.entries[fd] = e
	}
	return e
}

func (d *readinessDriver) Submit(op Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrQueueClosed
	}
	if !d.caps.Supports(op.Kind) {
		return NewError("Submit", CodeUnsupportedKind, op.Kind.String())
	}
	if op.Kind == OpCancel {
		d.cancelLocked(OperationID(op.Offset))
		return nil
	}
	e := d.entryFor(op.Descriptor)
	switch {
	case op.Kind == OpNop:
		e.readOps = append(e.readOps, op)
	case op.Kind == OpConnect, !isReadClass(op.Kind):
		e.writeOps = append(e.writeOps, op)
	default:
		e.readOps = append(e.readOps, op)
	}
	d.byID[op.ID] = op.Descriptor
	d.dirty[op.Descriptor] = struct{}{}
	return nil
}

// cancelLocked finds the pending operation targetID, removes it from its
// descriptor's read/write queue, and synthesizes a cancellation Event for the
// next Poll to drain. A target that is not found (already dispatched or
// unknown) is silently a no-op: whichever of completion or cancellation
// reaches the actor first wins.
func (d *readinessDriver) cancelLocked(targetID OperationID) {
	fd, ok := d.byID[targetID]
	if !ok {
		return
	}
	delete(d.byID, targetID)
	e, ok := d.entries[fd]
	if !ok {
		return
	}
	var found Operation
	var hit bool
	e.readOps, found, hit = removeOp(e.readOps, targetID)
	if !hit {
		e.writeOps, found, hit = removeOp(e.writeOps, targetID)
	}
	if !hit {
		return
	}
	d.cancelled = append(d.cancelled, Event{ID: targetID, Kind: found.Kind, Outcome: OutcomeCancellation, Err: ErrCancellation})
	d.dirty[fd] = struct{}{}
	if len(e.readOps) == 0 && len(e.writeOps) == 0 {
		delete(d.entries, fd)
	}
}

// removeOp returns ops with the operation matching id removed, along with
// that operation and whether it was found.
func removeOp(ops []Operation, id OperationID) ([]Operation, Operation, bool) {
	for i, op := range ops {
		if op.ID == id {
			return append(ops[:i:i], ops[i+1:]...), op, true
		}
	}
	return ops, Operation{}, false
}

func isReadClass(kind OpKind) bool {
	switch kind {
	case OpRead, OpRecv, OpAccept:
		return true
	default:
		return false
	}
}

func wantedReadinessMask(e *readinessEntry) uint32 {
	var mask uint32
	for _, op := range e.readOps {
		if op.Kind != OpNop {
			mask |= readinessRead
			break
		}
	}
	if len(e.writeOps) > 0 {
		mask |= readinessWrite
	}
	return mask
}

func (d *readinessDriver) Flush() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrQueueClosed
	}
	n := 0
	var changes []unix.Kevent_t
	for fd := range d.dirty {
		e := d.entries[fd]
		want := wantedReadinessMask(e)
		added := want &^ e.armed
		removed := e.armed &^ want
		if added&readinessRead != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
		}
		if added&readinessWrite != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
		}
		if removed&readinessRead != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
		}
		if removed&readinessWrite != 0 {
			changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
		}
		e.armed = want
		n++
		delete(d.dirty, fd)
	}
	if len(changes) > 0 {
		if _, err := unix.Kevent(d.kq, changes, nil, nil); err != nil {
			return n, WrapError("Flush", err)
		}
	}
	return n, nil
}

func (d *readinessDriver) Poll(deadlineMs int, events []Event) (int, error) {
	d.mu.Lock()
	if len(d.cancelled) > 0 {
		cancelled := d.cancelled
		d.cancelled = nil
		d.mu.Unlock()
		events = append(events, cancelled...)
		return len(cancelled), nil
	}
	nopCount := 0
	for fd, e := range d.entries {
		if wantedReadinessMask(e) != 0 {
			continue
		}
		for _, op := range e.readOps {
			if op.Kind == OpNop {
				delete(d.byID, op.ID)
				events = append(events, Event{ID: op.ID, Kind: OpNop, Outcome: OutcomeSuccess, Success: SuccessValue{Completed: true}})
				nopCount++
			}
		}
		e.readOps = nil
		if len(e.writeOps) == 0 {
			delete(d.entries, fd)
		}
	}
	d.mu.Unlock()
	if nopCount > 0 {
		return nopCount, nil
	}

	var ts *unix.Timespec
	if deadlineMs >= 0 {
		ts = &unix.Timespec{Sec: int64(deadlineMs / 1000), Nsec: int64((deadlineMs % 1000) * 1_000_000)}
	}
	buf := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(d.kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, WrapError("Poll", err)
	}

	produced := 0
	for i := 0; i < n; i++ {
		fd := Descriptor(buf[i].Ident)
		isRead := buf[i].Filter == unix.EVFILT_READ
		produced += d.serviceReady(fd, isRead, &events)
	}
	return produced, nil
}

func (d *readinessDriver) serviceReady(fd Descriptor, isRead bool, events *[]Event) int {
	d.mu.Lock()
	e, ok := d.entries[fd]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	var ops []Operation
	if isRead {
		ops, e.readOps = e.readOps, nil
	} else {
		ops, e.writeOps = e.writeOps, nil
	}
	for _, op := range ops {
		delete(d.byID, op.ID)
	}
	d.dirty[fd] = struct{}{}
	if len(e.readOps) == 0 && len(e.writeOps) == 0 {
		delete(d.entries, fd)
	}
	d.mu.Unlock()

	for _, op := range ops {
		*events = append(*events, d.performOp(op))
	}
	return len(ops)
}

func (d *readinessDriver) performOp(op Operation) Event {
	fd := int(op.Descriptor)
	switch op.Kind {
	case OpRead:
		n, err := unix.Read(fd, op.Buffer.Bytes())
		return makeIOEvent(op, int64(n), err)
	case OpRecv:
		n, _, err := unix.Recvfrom(fd, op.Buffer.Bytes(), 0)
		return makeIOEvent(op, int64(n), err)
	case OpWrite:
		n, err := unix.Write(fd, op.Buffer.Bytes())
		return makeIOEvent(op, int64(n), err)
	case OpSend:
		err := unix.Send(fd, op.Buffer.Bytes(), 0)
		n := 0
		if err == nil {
			n = len(op.Buffer.Bytes())
		}
		return makeIOEvent(op, int64(n), err)
	case OpAccept:
		nfd, _, err := unix.Accept(fd)
		if err != nil {
			return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: WrapError("Accept", err)}
		}
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Accepted: Descriptor(nfd)}}
	case OpConnect:
		errno, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if errno != 0 {
			return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: NewErrorWithErrno("Connect", CodeKernel, unix.Errno(errno))}
		}
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Connected: true}}
	case OpClose:
		if err := unix.Close(fd); err != nil {
			return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: WrapError("Close", err)}
		}
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Completed: true}}
	default:
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: NewError("Poll", CodeUnsupportedKind, op.Kind.String())}
	}
}

func makeIOEvent(op Operation, n int64, err error) Event {
	if err != nil {
		return Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeFailure, Err: WrapError(op.Kind.String(), err)}
	}
	ev := Event{ID: op.ID, Kind: op.Kind, Outcome: OutcomeSuccess, Success: SuccessValue{Bytes: n}}
	if op.Buffer != nil && n < int64(op.Buffer.Len()) {
		ev.Flags.ShortCount = true
	}
	return ev
}

func (d *readinessDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.kq)
}

type readinessWakeup struct {
	kq int
}

func (d *readinessDriver) CreateWakeup() (DriverWakeup, error) {
	// EVFILT_USER delivers a software-triggered event without a backing fd,
	// the same effect the eventfd-based wakeup channel achieves on Linux;
	// kqueue gives it natively.
	kev := unix.Kevent_t{Ident: 1, Filter: unix.EVFILT_USER, Flags: unix.EV_ADD | unix.EV_CLEAR}
	if _, err := unix.Kevent(d.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return nil, WrapError("CreateWakeup", err)
	}
	return &readinessWakeup{kq: d.kq}, nil
}

func (w *readinessWakeup) Wake() error {
	kev := unix.Kevent_t{Ident: 1, Filter: unix.EVFILT_USER, Fflags: unix.NOTE_TRIGGER}
	_, err := unix.Kevent(w.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

func (w *readinessWakeup) Close() error {
	return nil
}

func (d *readinessDriver) Capabilities() Capabilities {
	return d.caps
}

var _ Driver = (*readinessDriver)(nil)
