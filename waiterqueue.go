package asyncio

import "sync"

// Ticket is a reservation issued by BoundedWaiterQueue.Register and bound to
// a continuation by Arm.
type Ticket struct {
	slot int
	gen  uint64
}

type ticketSlot struct {
	inUse     bool
	cancelled bool
	armed     bool
	granted   bool // a release found this ticket still unarmed and handed it the lock directly
	gen       uint64
	id        OperationID
	ch        chan Outcome
	reason    error // outcome to resume with if cancelled before Arm ran
}

// BoundedWaiterQueue is the fixed-capacity FIFO of registered/armed waiters,
// generalized from a fixed 1:1 per-resource slot array into a ticket/slot
// free-list so freed slots are reused; Cancel finds its target by a linear
// scan over the slots.
//
// Register and Arm run on different goroutines with an actor round-trip in
// between (the pool actor replies to Register before the caller's goroutine
// calls Arm), so a release can land in that window. pending tracks tickets
// that are reserved but not yet armed so a release finds them even though
// they aren't in order yet; GrantNextPending hands such a ticket the lock
// directly instead of reopening the entry underneath it.
type BoundedWaiterQueue struct {
	mu      sync.Mutex
	slots   []ticketSlot
	free    []int // indices of unused slots
	order   []int // FIFO order of slot indices currently armed
	pending []int // FIFO order of slot indices registered but not yet armed
	closed  bool
}

// NewBoundedWaiterQueue builds a queue with the given fixed capacity.
func NewBoundedWaiterQueue(capacity int) *BoundedWaiterQueue {
	q := &BoundedWaiterQueue{
		slots: make([]ticketSlot, capacity),
		free:  make([]int, capacity),
	}
	for i := 0; i < capacity; i++ {
		q.free[i] = capacity - 1 - i
	}
	return q
}

// Register reserves a ticket-cell holding only an ID. Returns ErrWaitersFull
// if the queue is at capacity, ErrQueueClosed after CloseAndDrain.
func (q *BoundedWaiterQueue) Register(id OperationID) (Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Ticket{}, ErrQueueClosed
	}
	if len(q.free) == 0 {
		return Ticket{}, ErrWaitersFull
	}

	idx := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	slot := &q.slots[idx]
	slot.gen++
	slot.inUse = true
	slot.cancelled = false
	slot.armed = false
	slot.granted = false
	slot.id = id
	slot.ch = nil
	slot.reason = nil
	q.pending = append(q.pending, idx)

	return Ticket{slot: idx, gen: slot.gen}, nil
}

// Arm binds the continuation channel to ticket. resolved is true when the
// caller must not wait on ch at all: either the ticket was cancelled before
// Arm ran (outcome.Err carries the resume reason), or a release already
// handed this ticket the lock directly via GrantNextPending (outcome.Err is
// nil, the caller proceeds as if granted synchronously). resolved is false
// only when the ticket is now queued in FIFO order awaiting Dequeue/Cancel.
func (q *BoundedWaiterQueue) Arm(t Ticket, ch chan Outcome) (outcome Outcome, resolved bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := &q.slots[t.slot]
	if !slot.inUse || slot.gen != t.gen {
		return Outcome{Err: ErrInvalidID}, true // ticket no longer valid: treat as cancelled
	}
	q.removePendingLocked(t.slot)
	if slot.cancelled {
		reason := slot.reason
		q.releaseSlotLockedIdx(t.slot)
		return Outcome{Err: reason}, true
	}
	if slot.granted {
		q.releaseSlotLockedIdx(t.slot)
		return Outcome{}, true
	}

	slot.ch = ch
	slot.armed = true
	q.order = append(q.order, t.slot)
	return Outcome{}, false
}

// GrantNextPending hands the oldest registered-but-not-yet-armed ticket the
// lock directly, closing the window between a release finding no armed
// waiter in order and a concurrent Register/Arm racing it: without this, the
// reserved ticket would become invisible to Dequeue (it isn't in order yet)
// and the entry would reopen underneath it, stranding the eventual Arm call
// forever. Returns false if there is no such ticket.
func (q *BoundedWaiterQueue) GrantNextPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) > 0 {
		idx := q.pending[0]
		q.pending = q.pending[1:]
		slot := &q.slots[idx]
		if !slot.inUse || slot.armed || slot.cancelled {
			continue
		}
		slot.granted = true
		return true
	}
	return false
}

func (q *BoundedWaiterQueue) removePendingLocked(idx int) {
	for i, v := range q.pending {
		if v == idx {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Abandon frees a ticket's slot without ever arming it (a synchronous early
// return before Arm ran).
func (q *BoundedWaiterQueue) Abandon(t Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseSlotLocked(t)
}

// Cancel marks the waiter registered under id as cancelled, found by a
// linear scan over the slots. An unarmed slot is freed when its holder's Arm
// (or Abandon) runs; an armed one is returned as ch and left
// armed-but-cancelled for Dequeue to skip and then free. reason is
// recorded so a ticket holder whose Arm call races the cancel sees why it
// was cancelled instead of a generic error.
func (q *BoundedWaiterQueue) Cancel(id OperationID, reason error) (ch chan Outcome, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		s := &q.slots[i]
		if s.inUse && s.id == id && !s.cancelled {
			s.cancelled = true
			s.reason = reason
			if s.armed {
				return s.ch, true
			}
			return nil, true
		}
	}
	return nil, false
}

// Dequeue pops the next FIFO-ordered armed waiter, skipping any that were
// cancelled before being dequeued (their slot is freed here).
func (q *BoundedWaiterQueue) Dequeue() (id OperationID, ch chan Outcome, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		idx := q.order[0]
		q.order = q.order[1:]
		slot := &q.slots[idx]
		if !slot.inUse || !slot.armed {
			continue
		}
		id, ch = slot.id, slot.ch
		cancelled := slot.cancelled
		q.releaseSlotLockedIdx(idx)
		if cancelled {
			continue
		}
		return id, ch, true
	}
	return 0, nil, false
}

// CloseAndDrain marks the queue closed (further Register calls fail) and
// returns every still-armed waiter's channel for the caller to resume with a
// shutdown outcome. Slots that were registered but never armed are not
// freed here: they are marked cancelled with reason so a concurrent Arm
// call racing this shutdown observes it and resumes immediately instead of
// waiting forever on a queue that will never Dequeue it.
func (q *BoundedWaiterQueue) CloseAndDrain(reason error) []chan Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	var chans []chan Outcome
	for _, idx := range q.order {
		slot := &q.slots[idx]
		if slot.inUse && slot.armed && !slot.cancelled {
			chans = append(chans, slot.ch)
		}
		q.releaseSlotLockedIdx(idx)
	}
	q.order = nil

	for i := range q.slots {
		slot := &q.slots[i]
		if slot.inUse && !slot.armed {
			slot.cancelled = true
			slot.reason = reason
		}
	}
	return chans
}

// Len reports the number of slots currently in use (for capacity tests).
func (q *BoundedWaiterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots) - len(q.free)
}

func (q *BoundedWaiterQueue) releaseSlotLocked(t Ticket) {
	slot := &q.slots[t.slot]
	if !slot.inUse || slot.gen != t.gen {
		return
	}
	q.releaseSlotLockedIdx(t.slot)
}

func (q *BoundedWaiterQueue) releaseSlotLockedIdx(idx int) {
	slot := &q.slots[idx]
	if !slot.inUse {
		return
	}
	q.removePendingLocked(idx)
	slot.inUse = false
	slot.armed = false
	slot.cancelled = false
	slot.granted = false
	slot.ch = nil
	slot.reason = nil
	q.free = append(q.free, idx)
}
