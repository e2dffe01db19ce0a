package asyncio

import "context"

// CompletionQueue is the single-owner-goroutine actor that turns a
// fire-and-forget Operation into a blocking call: Submit allocates an
// OperationID, registers a WaiterCell for it, pushes the operation onto the
// poll loop's SubmissionQueue, and blocks the caller until a matching Event
// arrives off the EventBridge. A single owning goroutine holds the waiters
// map so every registration, resume, and cancel is race-free without an
// explicit lock, the same single-owner-fd actor shape used for lifecycle
// state elsewhere in this package, generalized from one fd's lifecycle to a
// map of in-flight operations since this actor's state churns on every
// submission rather than once per open.
type CompletionQueue struct {
	cmds    chan completionCmd
	submitQ *SubmissionQueue
	wake    func()
	done    chan struct{}
}

type completionActorState struct {
	waiters map[OperationID]*WaiterCell
	nextID  uint64
	closed  bool
}

type completionCmd interface{ apply(*completionActorState) }

// NewCompletionQueue starts the actor and its event-draining goroutine. wake
// is called (typically PollLoop.Wake) after every Submit/Cancel push so the
// poll loop doesn't wait out its idle timeout to notice new work.
func NewCompletionQueue(submitQ *SubmissionQueue, events *EventBridge, wake func()) *CompletionQueue {
	q := &CompletionQueue{
		cmds:    make(chan completionCmd, 64),
		submitQ: submitQ,
		wake:    wake,
		done:    make(chan struct{}),
	}
	go q.runActor()
	go q.runDrain(events)
	return q
}

func (q *CompletionQueue) runActor() {
	st := &completionActorState{waiters: make(map[OperationID]*WaiterCell)}
	for cmd := range q.cmds {
		cmd.apply(st)
	}
}

// runDrain pulls completed batches off events and resumes the matching
// waiter for each one; it exits once events is shut down.
func (q *CompletionQueue) runDrain(events *EventBridge) {
	defer close(q.done)
	for {
		batch, ok := events.Next(nil)
		if !ok {
			return
		}
		for _, ev := range batch {
			q.resume(ev)
		}
	}
}

type submitCmd struct {
	op    Operation
	reply chan submitReply
}
type submitReply struct {
	id   OperationID
	cell *WaiterCell
	err  error
}

func (c *submitCmd) apply(st *completionActorState) {
	if st.closed {
		c.reply <- submitReply{err: ErrShutdownInProgress}
		return
	}
	st.nextID++
	id := OperationID(st.nextID)
	cell := NewWaiterCell()
	st.waiters[id] = cell
	c.reply <- submitReply{id: id, cell: cell}
}

// Submit blocks until op completes (or is cancelled, or the queue shuts
// down), returning the backend's Result. op.ID is overwritten with the
// allocated OperationID before it reaches the poll loop.
func (q *CompletionQueue) Submit(ctx context.Context, op Operation) (Result, error) {
	reply := make(chan submitReply, 1)
	q.cmds <- &submitCmd{op: op, reply: reply}
	r := <-reply
	if r.err != nil {
		return Result{}, r.err
	}

	op.ID = r.id
	ch := make(chan Outcome, 1)
	r.cell.Arm(ch)

	q.submitQ.Push(op)
	if q.wake != nil {
		q.wake()
	}

	select {
	case outcome := <-ch:
		if outcome.Err == nil {
			outcome.Result.Buffer = op.Buffer
		}
		return outcome.Result, outcome.Err
	case <-ctx.Done():
		q.Cancel(r.id)
		outcome := <-ch
		if outcome.Err != nil {
			return Result{}, outcome.Err
		}
		outcome.Result.Buffer = op.Buffer
		return outcome.Result, nil
	}
}

type cancelCmd struct {
	id OperationID
}

func (c *cancelCmd) apply(st *completionActorState) {
	cell, ok := st.waiters[c.id]
	if !ok {
		return
	}
	cell.Cancel()
}

// Cancel marks id's waiter cancelled and asks the backend to cancel the
// underlying operation; it does not itself resume the waiter — only a
// completion or cancellation Event arriving through Drain does that, per
// WaiterCell's contract that only TakeForResume's caller ever sends on the
// result channel.
func (q *CompletionQueue) Cancel(id OperationID) {
	q.cmds <- &cancelCmd{id: id}
	q.submitQ.Push(Operation{ID: 0, Kind: OpCancel, Offset: int64(id)})
	if q.wake != nil {
		q.wake()
	}
}

type resumeCmd struct {
	ev Event
}

func (c *resumeCmd) apply(st *completionActorState) {
	cell, ok := st.waiters[c.ev.ID]
	if !ok {
		return
	}
	delete(st.waiters, c.ev.ID)
	ch, wasCancelled, ok := cell.TakeForResume()
	if !ok {
		return
	}
	outcome := Outcome{Err: c.ev.Err}
	if wasCancelled || c.ev.Outcome == OutcomeCancellation {
		outcome.Err = ErrCancellation
	} else if c.ev.Outcome == OutcomeSuccess {
		outcome.Result = Result{ID: c.ev.ID, Kind: c.ev.Kind, Success: c.ev.Success, Flags: c.ev.Flags}
	}
	ch <- outcome
}

func (q *CompletionQueue) resume(ev Event) {
	q.cmds <- &resumeCmd{ev: ev}
}

type shutdownCompletionCmd struct {
	reply chan struct{}
}

func (c *shutdownCompletionCmd) apply(st *completionActorState) {
	st.closed = true
	for id, cell := range st.waiters {
		cell.Cancel()
		if ch, _, ok := cell.TakeForResume(); ok {
			ch <- Outcome{Err: ErrShutdownInProgress}
		}
		delete(st.waiters, id)
	}
	close(c.reply)
}

// Shutdown cancels every in-flight operation with ErrShutdownInProgress and
// stops accepting new submissions. It does not close the underlying
// SubmissionQueue or EventBridge; the poll loop (L) owns those.
func (q *CompletionQueue) Shutdown() {
	reply := make(chan struct{})
	q.cmds <- &shutdownCompletionCmd{reply: reply}
	<-reply
}
