//go:build linux

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
	armed    uint32 // epoll event mask currently registered, 0 if not yet added
}

// readinessDriver adapts a pure readiness notifier (epoll) into the
// completion-shaped Driver witness: Submit queues an operation against its
// descriptor's interest, Flush arms/rearms epoll for any newly-interesting
// descriptor, and Poll performs the actual read/write/accept/connect
// syscall once epoll reports readiness, synthesizing a completion Event from
// its result — the same "notify, then do the I/O yourself" model
// FastPoller's callback dispatch uses, generalized from invoking a callback
// to producing a completion record.
type readinessDriver struct {
	mu        sync.Mutex
	epfd      int
	caps      Capabilities
	entries   map[Descriptor]*readinessEntry
	dirty     map[Descriptor]struct{}    // descriptors whose interest changed since the last Flush
	byID      map[OperationID]Descriptor // pending operation's descriptor, for Cancel lookup
	cancelled []Event                    // cancellation Events synthesized by Submit(OpCancel), drained by the next Poll
	wakeFd    int                        // eventfd registered by CreateWakeup, 0 if none yet
	closed    bool
}

func newReadinessDriver(cfg DriverConfig) (Driver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, WrapError("newReadinessDriver", err)
	}
	return &readinessDriver{
		epfd:    epfd,
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

func isReadClass(kind OpKind) bool {
	switch kind {
	case OpRead, OpRecv, OpAccept:
		return true
	default:
		return false
	}
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
	if op.Kind == OpNop {
		// Nop completes immediately on the next Poll without touching epoll.
		e := d.entryFor(op.Descriptor)
		e.readOps = append(e.readOps, op)
		d.byID[op.ID] = op.Descriptor
		d.dirty[op.Descriptor] = struct{}{}
		return nil
	}
	if op.Kind == OpConnect {
		// A connect becomes writable when it completes, same as POSIX non-blocking connect semantics.
		e := d.entryFor(op.Descriptor)
		e.writeOps = append(e.writeOps, op)
		d.byID[op.ID] = op.Descriptor
		d.dirty[op.Descriptor] = struct{}{}
		return nil
	}
	e := d.entryFor(op.Descriptor)
	if isReadClass(op.Kind) {
		e.readOps = append(e.readOps, op)
	} else {
		e.writeOps = append(e.writeOps, op)
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

func (d *readinessDriver) entryFor(fd Descriptor) *readinessEntry {
	e, ok := d.entries[fd]
	if !ok {
		e = &readinessEntry{}
		d.entries[fd] = e
	}
	return e
}

func wantedMask(e *readinessEntry) uint32 {
	var mask uint32
	for _, op := range e.readOps {
		if op.Kind != OpNop {
			mask |= unix.EPOLLIN
			break
		}
	}
	if len(e.writeOps) > 0 {
		mask |= unix.EPOLLOUT
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
	for fd := range d.dirty {
		e := d.entries[fd]
		want := wantedMask(e)
		switch {
		case want == 0:
			// Nothing left to arm; Nop entries drain purely in Poll's local list.
			if e.armed != 0 {
				unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
				e.armed = 0
			}
		case e.armed == 0:
			ev := &unix.EpollEvent{Events: want, Fd: int32(fd)}
			if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, int(fd), ev); err != nil {
				return n, WrapError("Flush", err)
			}
			e.armed = want
		case e.armed != want:
			ev := &unix.EpollEvent{Events: want, Fd: int32(fd)}
			if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, int(fd), ev); err != nil {
				return n, WrapError("Flush", err)
			}
			e.armed = want
		}
		n++
		delete(d.dirty, fd)
	}
	return n, nil
}

// Poll waits up to deadlineMs for readiness, performs the queued syscalls for
// each ready descriptor, and appends one synthesized Event per completed
// operation (nop operations complete without ever touching epoll).
func (d *readinessDriver) Poll(deadlineMs int, events []Event) (int, error) {
	d.mu.Lock()
	if len(d.cancelled) > 0 {
		cancelled := d.cancelled
		d.cancelled = nil
		d.mu.Unlock()
		events = append(events, cancelled...)
		return len(cancelled), nil
	}
	// Drain pure-nop entries (no read/write interest queued, so never armed)
	// without waiting on epoll at all.
	nopCount := 0
	for fd, e := range d.entries {
		if wantedMask(e) != 0 {
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

	buf := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(d.epfd, buf, deadlineMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, WrapError("Poll", err)
	}

	produced := 0
	for i := 0; i < n; i++ {
		fd := Descriptor(buf[i].Fd)
		d.mu.Lock()
		isWake := d.wakeFd != 0 && int(fd) == d.wakeFd
		d.mu.Unlock()
		if isWake {
			// eventfd is level-triggered: drain it so it doesn't keep
			// reporting ready on every subsequent EpollWait.
			drainBuf := make([]byte, 8)
			unix.Read(int(fd), drainBuf)
			continue
		}
		produced += d.serviceReady(fd, buf[i].Events, &events)
	}
	return produced, nil
}

func (d *readinessDriver) serviceReady(fd Descriptor, mask uint32, events *[]Event) int {
	d.mu.Lock()
	e, ok := d.entries[fd]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	var readOps, writeOps []Operation
	if mask&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		readOps, e.readOps = e.readOps, nil
	}
	if mask&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		writeOps, e.writeOps = e.writeOps, nil
	}
	for _, op := range readOps {
		delete(d.byID, op.ID)
	}
	for _, op := range writeOps {
		delete(d.byID, op.ID)
	}
	d.dirty[fd] = struct{}{}
	if len(e.readOps) == 0 && len(e.writeOps) == 0 {
		delete(d.entries, fd)
	}
	d.mu.Unlock()

	count := 0
	for _, op := range readOps {
		*events = append(*events, d.performOp(op))
		count++
	}
	for _, op := range writeOps {
		*events = append(*events, d.performOp(op))
		count++
	}
	return count
}

// performOp runs the actual syscall now that epoll has reported the
// descriptor ready, turning the blocking result into one Event.
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
		err := unix.Close(fd)
		if err != nil {
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
	return unix.Close(d.epfd)
}

// readinessWakeup interrupts a blocked EpollWait via an eventfd registered
// with EPOLLIN interest, the standard way to break a blocking readiness wait
// from another goroutine.
type readinessWakeup struct {
	fd int
}

func (d *readinessDriver) CreateWakeup() (DriverWakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, WrapError("CreateWakeup", err)
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		unix.Close(fd)
		return nil, WrapError("CreateWakeup", err)
	}
	d.mu.Lock()
	d.wakeFd = fd
	d.mu.Unlock()
	return &readinessWakeup{fd: fd}, nil
}

func (w *readinessWakeup) Wake() error {
	buf := make([]byte, 8)
	buf[0] = 1
	_, err := unix.Write(w.fd, buf)
	return err
}

func (w *readinessWakeup) Close() error {
	return unix.Close(w.fd)
}

func (d *readinessDriver) Capabilities() Capabilities {
	return d.caps
}

var _ Driver = (*readinessDriver)(nil)
