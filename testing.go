package asyncio

import "sync"

// FakeDriver is an in-memory Driver used by component tests that need a
// backend without a real kernel ring, IOCP port, or epoll fd underneath.
// Submitted operations accumulate in pending until Flush moves them to
// flushed for the test to inspect and resolve by hand; call counts are
// tracked for assertions.
type FakeDriver struct {
	mu         sync.Mutex
	caps       Capabilities
	pending    []Operation
	flushed    []Operation
	closed     bool
	submitErr  error
	flushErr   error
	pollErr    error
	submitCalls int
	flushCalls  int
	pollCalls   int
}

// NewFakeDriver returns a ready FakeDriver advertising caps.
func NewFakeDriver(caps Capabilities) *FakeDriver {
	return &FakeDriver{caps: caps}
}

// SetSubmitErr makes every subsequent Submit call fail with err.
func (f *FakeDriver) SetSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// SetFlushErr makes every subsequent Flush call fail with err.
func (f *FakeDriver) SetFlushErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushErr = err
}

// SetPollErr makes every subsequent Poll call fail with err.
func (f *FakeDriver) SetPollErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

func (f *FakeDriver) Submit(op Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return f.submitErr
	}
	if f.closed {
		return ErrQueueClosed
	}
	f.pending = append(f.pending, op)
	return nil
}

func (f *FakeDriver) Flush() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	if f.flushErr != nil {
		return 0, f.flushErr
	}
	n := len(f.pending)
	f.flushed = append(f.flushed, f.pending...)
	f.pending = f.pending[:0]
	return n, nil
}

// Poll always reports zero completions; tests drive completions explicitly
// through Flushed/TakeFlushed rather than synthesizing events here, since
// what counts as "done" is backend-specific and tests assert on it directly.
func (f *FakeDriver) Poll(deadlineMs int, events []Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if f.pollErr != nil {
		return 0, f.pollErr
	}
	return 0, nil
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakeDriver) CreateWakeup() (DriverWakeup, error) {
	return &fakeWakeup{}, nil
}

func (f *FakeDriver) Capabilities() Capabilities {
	return f.caps
}

// Flushed returns a copy of every operation handed to Flush so far.
func (f *FakeDriver) Flushed() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Operation, len(f.flushed))
	copy(out, f.flushed)
	return out
}

// CallCounts reports how many times each Driver method has been invoked.
func (f *FakeDriver) CallCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]int{
		"submit": f.submitCalls,
		"flush":  f.flushCalls,
		"poll":   f.pollCalls,
	}
}

// IsClosed reports whether Close has been called.
func (f *FakeDriver) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeWakeup struct {
	mu     sync.Mutex
	closed bool
	woken  int
}

func (w *fakeWakeup) Wake() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.woken++
	return nil
}

func (w *fakeWakeup) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

var _ Driver = (*FakeDriver)(nil)
