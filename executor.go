package asyncio

import (
	"runtime"
	"sync/atomic"

	"github.com/nyx-io/asyncio/internal/rlog"
)

// ThreadExecutor pins a single goroutine to its own OS thread and runs
// submitted jobs on it one at a time, recovering from panics so one bad job
// never kills the thread. Grounded on worker[R].execute's panic-recovering
// dispatch, adapted from a typed task/result pairing to a plain closure since
// the jobs callers submit through Runtime.Executors() don't need a typed
// result channel. The runtime itself submits no jobs.
type ThreadExecutor struct {
	jobs chan func()
	done chan struct{}
}

// NewThreadExecutor starts the executor's thread and returns it ready to
// accept jobs.
func NewThreadExecutor(queueDepth int) *ThreadExecutor {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	e := &ThreadExecutor{
		jobs: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *ThreadExecutor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.done)
	for job := range e.jobs {
		e.executeSafely(job)
	}
}

func (e *ThreadExecutor) executeSafely(job func()) {
	defer func() {
		if r := recover(); r != nil {
			rlog.Default().Error("executor job panicked", "panic", r)
		}
	}()
	job()
}

// Submit enqueues job to run on this executor's thread. It blocks if the
// executor's queue is full.
func (e *ThreadExecutor) Submit(job func()) {
	e.jobs <- job
}

// Close stops accepting jobs and blocks until the thread has drained
// everything already queued and exited.
func (e *ThreadExecutor) Close() {
	close(e.jobs)
	<-e.done
}

// ThreadExecutorPool round-robins jobs across a fixed number of
// ThreadExecutors, one OS thread each. Grounded on pool/fixed.go's
// fixed-capacity allocation strategy, adapted from pooling reusable buffer
// objects (Get/Put) to pooling permanently running thread executors
// (allocate all of them up front, round-robin submission, no Put/return
// step since nothing is ever handed back).
type ThreadExecutorPool struct {
	executors []*ThreadExecutor
	next      atomic.Uint64
}

// NewThreadExecutorPool starts size executors.
func NewThreadExecutorPool(size int, queueDepth int) *ThreadExecutorPool {
	if size <= 0 {
		size = 1
	}
	p := &ThreadExecutorPool{executors: make([]*ThreadExecutor, size)}
	for i := range p.executors {
		p.executors[i] = NewThreadExecutor(queueDepth)
	}
	return p
}

// Submit hands job to the next executor in round-robin order.
func (p *ThreadExecutorPool) Submit(job func()) {
	idx := p.next.Add(1) % uint64(len(p.executors))
	p.executors[idx].Submit(job)
}

// Size reports how many executors the pool holds.
func (p *ThreadExecutorPool) Size() int {
	return len(p.executors)
}

// Close closes every executor in the pool, blocking until all have drained.
func (p *ThreadExecutorPool) Close() {
	for _, e := range p.executors {
		e.Close()
	}
}
