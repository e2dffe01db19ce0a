package asyncio

// entryState is the lifecycle of one pooled resource: open, checked out by
// exactly one Transaction at a time, or on its way to destruction.
type entryState uint8

const (
	entryOpen entryState = iota
	entryCheckedOut
	entryDestroying
	entryDestroyed
)

const defaultWaiterCapacity = 64

// poolEntry holds one resource plus the FIFO of goroutines waiting for
// exclusive access to it. The waiter queue is self-synchronizing (its own
// mutex), so a waiter arms its ticket on its own goroutine; registering and
// releasing still go through the pool's owning goroutine.
type poolEntry[T any] struct {
	resource T
	state    entryState
	waiters  *BoundedWaiterQueue
}

// HandlePool is an actor-isolated map of HandleID to pooled resource. In Go,
// actor isolation means: a single goroutine owns entries/nextID/closed and
// drains a command channel; every exported method is a thin wrapper that
// sends a command and blocks on a private reply channel.
type HandlePool[T any] struct {
	scope uint64
	cmds  chan poolCmd
}

type poolCmd interface{ apply(state any) }

// NewHandlePool starts the owning goroutine and returns a ready pool. scope
// is a caller-supplied nonce (e.g. a process-wide counter) that distinguishes
// this pool's HandleIDs from any other pool's.
func NewHandlePool[T any](scope uint64) *HandlePool[T] {
	p := &HandlePool[T]{
		scope: scope,
		cmds:  make(chan poolCmd, 16),
	}
	go p.run()
	return p
}

type poolActorState[T any] struct {
	entries         map[uint64]*poolEntry[T]
	nextID          uint64
	closed          bool
	activeCheckouts int
	shutdownWaiters []chan struct{}
}

// run drains commands for the pool's lifetime. The owning goroutine is not
// joined on Shutdown: once every entry has been drained and every in-flight
// Transaction has released, it sits idle waiting for a pool that is no
// longer reachable to be garbage collected.
func (p *HandlePool[T]) run() {
	st := &poolActorState[T]{entries: make(map[uint64]*poolEntry[T])}
	for cmd := range p.cmds {
		cmd.apply(st)
	}
}

// quiesceIfDrained notifies any pending Shutdown callers once every
// outstanding checkout has released.
func quiesceIfDrained[T any](st *poolActorState[T]) {
	if st.closed && st.activeCheckouts == 0 {
		for _, ch := range st.shutdownWaiters {
			close(ch)
		}
		st.shutdownWaiters = nil
	}
}

type registerCmd[T any] struct {
	resource T
	reply    chan registerReply
}
type registerReply struct {
	id  HandleID
	err error
}

func (c *registerCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	if st.closed {
		c.reply <- registerReply{err: ErrShutdownInProgress}
		return
	}
	st.nextID++
	id := st.nextID
	st.entries[id] = &poolEntry[T]{
		resource: c.resource,
		state:    entryOpen,
		waiters:  NewBoundedWaiterQueue(defaultWaiterCapacity),
	}
	c.reply <- registerReply{id: HandleID{Raw: id}}
}

// Register adds resource to the pool and returns its HandleID.
func (p *HandlePool[T]) Register(resource T) (HandleID, error) {
	reply := make(chan registerReply, 1)
	p.cmds <- &registerCmd[T]{resource: resource, reply: reply}
	r := <-reply
	if r.err != nil {
		return HandleID{}, r.err
	}
	r.id.Scope = p.scope
	return r.id, nil
}

type acquireCmd[T any] struct {
	id    HandleID
	scope uint64
	reply chan acquireReply[T]
}
type acquireReply[T any] struct {
	granted bool
	entry   *poolEntry[T]
	ticket  Ticket
	err     error
}

func (c *acquireCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	if st.closed {
		c.reply <- acquireReply[T]{err: ErrShutdownInProgress}
		return
	}
	if c.id.Scope != c.scope {
		c.reply <- acquireReply[T]{err: ErrScopeMismatch}
		return
	}
	entry, ok := st.entries[c.id.Raw]
	if !ok || entry.state == entryDestroyed || entry.state == entryDestroying {
		c.reply <- acquireReply[T]{err: ErrInvalidID}
		return
	}
	if entry.state == entryOpen {
		entry.state = entryCheckedOut
		st.activeCheckouts++
		c.reply <- acquireReply[T]{granted: true, entry: entry}
		return
	}
	ticket, err := entry.waiters.Register(OperationID(c.id.Raw))
	if err != nil {
		c.reply <- acquireReply[T]{err: err}
		return
	}
	c.reply <- acquireReply[T]{entry: entry, ticket: ticket}
}

type releaseCmd[T any] struct {
	id HandleID
}

func (c *releaseCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	entry, ok := st.entries[c.id.Raw]
	if !ok {
		st.activeCheckouts--
		quiesceIfDrained(st)
		return
	}
	if _, ch, ok := entry.waiters.Dequeue(); ok {
		// Hand the lock directly to the next FIFO waiter; the entry stays
		// checkedOut and activeCheckouts unchanged (one checkout ends, the
		// next begins in the same step).
		ch <- Outcome{}
		return
	}
	if entry.waiters.GrantNextPending() {
		// A ticket was reserved by a concurrent acquireCmd but hasn't been
		// armed yet (its caller's Arm call hasn't run), so it isn't in order
		// and Dequeue couldn't see it. Keep the entry checked out rather than
		// reopening it: the pending ticket's Arm call will find itself
		// already granted and proceed without waiting.
		return
	}
	if entry.state == entryCheckedOut {
		entry.state = entryOpen
	}
	st.activeCheckouts--
	quiesceIfDrained(st)
}

// Transaction acquires exclusive access to id, invokes body with a pointer to
// the resource, then releases via defer — even if body panics or returns an
// error, so the handle is always returned to the pool.
//
// Only the entries map, ID allocation, and each entry's lifecycle state are
// actor-confined; once a caller is granted exclusive access, body runs
// directly against the entry's resource on the caller's own goroutine, since
// the per-handle waiter queue already guarantees no other caller holds it
// concurrently. This keeps one slow body from blocking unrelated handles'
// Register/Destroy/Transaction traffic through the actor.
func (p *HandlePool[T]) Transaction(id HandleID, body func(*T) error) error {
	reply := make(chan acquireReply[T], 1)
	p.cmds <- &acquireCmd[T]{id: id, scope: p.scope, reply: reply}
	r := <-reply
	if r.err != nil {
		return r.err
	}

	if !r.granted {
		ch := make(chan Outcome, 1)
		outcome, resolved := r.entry.waiters.Arm(r.ticket, ch)
		if !resolved {
			outcome = <-ch
		}
		if outcome.Err != nil {
			return outcome.Err
		}
	}

	defer func() {
		p.cmds <- &releaseCmd[T]{id: id}
	}()

	return body(&r.entry.resource)
}

type destroyCmd[T any] struct {
	id HandleID
}

func (c *destroyCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	entry, ok := st.entries[c.id.Raw]
	if !ok {
		return
	}
	entry.state = entryDestroying
	for _, ch := range entry.waiters.CloseAndDrain(ErrInvalidID) {
		ch <- Outcome{Err: ErrInvalidID}
	}
	entry.state = entryDestroyed
	delete(st.entries, c.id.Raw)
}

// Destroy marks id for destruction and wakes every waiter with ErrInvalidID.
// Idempotent: destroying an already-destroyed or unknown ID is a no-op.
func (p *HandlePool[T]) Destroy(id HandleID) {
	if id.Scope != p.scope {
		return
	}
	p.cmds <- &destroyCmd[T]{id: id}
}

type isOpenCmd[T any] struct {
	id    HandleID
	scope uint64
	reply chan bool
}

func (c *isOpenCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	if c.id.Scope != c.scope {
		c.reply <- false
		return
	}
	entry, ok := st.entries[c.id.Raw]
	c.reply <- ok && entry.state == entryOpen
}

// IsOpen reports whether id currently exists and is not checked out.
func (p *HandlePool[T]) IsOpen(id HandleID) bool {
	reply := make(chan bool, 1)
	p.cmds <- &isOpenCmd[T]{id: id, scope: p.scope, reply: reply}
	return <-reply
}

type isValidCmd[T any] struct {
	id    HandleID
	scope uint64
	reply chan bool
}

func (c *isValidCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	if c.id.Scope != c.scope {
		c.reply <- false
		return
	}
	entry, ok := st.entries[c.id.Raw]
	c.reply <- ok && entry.state != entryDestroyed
}

// IsValid reports whether id refers to a live (not yet destroyed) entry,
// regardless of checkout state. Wrong scope always reports false.
func (p *HandlePool[T]) IsValid(id HandleID) bool {
	reply := make(chan bool, 1)
	p.cmds <- &isValidCmd[T]{id: id, scope: p.scope, reply: reply}
	return <-reply
}

type shutdownCmd[T any] struct {
	reply chan struct{}
}

func (c *shutdownCmd[T]) apply(state any) {
	st := state.(*poolActorState[T])
	if st.closed {
		st.shutdownWaiters = append(st.shutdownWaiters, c.reply)
		quiesceIfDrained(st)
		return
	}
	st.closed = true
	for _, entry := range st.entries {
		for _, ch := range entry.waiters.CloseAndDrain(ErrShutdownInProgress) {
			ch <- Outcome{Err: ErrShutdownInProgress}
		}
	}
	st.shutdownWaiters = append(st.shutdownWaiters, c.reply)
	quiesceIfDrained(st)
}

// Shutdown closes every entry and wakes every queued waiter with
// ErrShutdownInProgress, then blocks until every Transaction that was
// already checked out has released. Idempotent and safe to call from
// multiple goroutines.
func (p *HandlePool[T]) Shutdown() {
	reply := make(chan struct{})
	p.cmds <- &shutdownCmd[T]{reply: reply}
	<-reply
}
