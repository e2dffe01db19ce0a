package asyncio

import "sync"

// SubmissionQueue is an MPSC buffer: many actor calls push operation
// records, one poll thread drains them all at once per iteration. A
// mutex-guarded slice is sufficient given submission amortizes across a
// whole batch.
type SubmissionQueue struct {
	mu      sync.Mutex
	pending []Operation
}

// NewSubmissionQueue returns an empty queue.
func NewSubmissionQueue() *SubmissionQueue {
	return &SubmissionQueue{}
}

// Push enqueues op for the poll loop to submit.
func (q *SubmissionQueue) Push(op Operation) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()
}

// Drain appends every pending operation into buf and clears the queue,
// returning the extended slice.
func (q *SubmissionQueue) Drain(buf []Operation) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return buf
	}
	buf = append(buf, q.pending...)
	q.pending = q.pending[:0]
	return buf
}

// Len reports the number of operations currently queued.
func (q *SubmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// EventBridge is an SPSC channel of event batches: one producer (the poll
// thread) pushes batches, one consumer (the completion actor) awaits them.
// Grounded directly on gaio's chEventNotify/loop()
// pairing: Push is a non-blocking best-effort send (a full bridge means the
// actor is behind; the poll loop retries the push rather than blocking on a
// channel send) and Next suspends the caller until a batch arrives or the
// bridge is shut down.
type EventBridge struct {
	ch     chan []Event
	closed chan struct{}
	once   sync.Once
}

// NewEventBridge returns a bridge with the given channel capacity (batches
// in flight, not events).
func NewEventBridge(capacity int) *EventBridge {
	return &EventBridge{
		ch:     make(chan []Event, capacity),
		closed: make(chan struct{}),
	}
}

// Push attempts to hand batch to the consumer without blocking the poll
// thread. It returns false when the bridge is full or shut down; the poll
// loop then retries the same batch until the push succeeds or its context
// is cancelled.
func (b *EventBridge) Push(batch []Event) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.ch <- batch:
		return true
	default:
		return false
	}
}

// Next blocks until a batch arrives or the bridge is shut down, or ctxDone
// fires (the caller's cancellation channel, typically context.Context.Done()).
func (b *EventBridge) Next(ctxDone <-chan struct{}) (batch []Event, ok bool) {
	select {
	case batch, ok = <-b.ch:
		return batch, ok
	case <-b.closed:
		return nil, false
	case <-ctxDone:
		return nil, false
	}
}

// Shutdown closes the bridge; any blocked Next call wakes with ok=false.
// Idempotent.
func (b *EventBridge) Shutdown() {
	b.once.Do(func() { close(b.closed) })
}

// WakeupChannel interrupts a blocked poll. Wake is idempotent and
// thread-safe: multiple concurrent calls coalesce into at least one wakeup
// per poll cycle, grounded directly on gaio's notifyPending non-blocking
// buffered-send-of-size-1 idiom.
type WakeupChannel struct {
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWakeupChannel returns a ready wakeup channel.
func NewWakeupChannel() *WakeupChannel {
	return &WakeupChannel{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Wake signals the poll thread to return from its blocking wait at the next
// opportunity. Safe to call from any goroutine, any number of times.
func (w *WakeupChannel) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel Wake signals. PollLoop.Run does not select on it:
// the poll thread is woken through the driver's own DriverWakeup.
func (w *WakeupChannel) C() <-chan struct{} {
	return w.ch
}

// Close marks the wakeup channel closed; further Wake calls are harmless
// no-ops once the poll thread has stopped selecting on C().
func (w *WakeupChannel) Close() {
	w.once.Do(func() { close(w.done) })
}

// Done reports the channel closed by Close, for a poll loop that wants to
// distinguish "woken to check shutdown" from "woken to check new work".
func (w *WakeupChannel) Done() <-chan struct{} {
	return w.done
}
