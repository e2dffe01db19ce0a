package asyncio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestThreadExecutorRunsJobsInOrder(t *testing.T) {
	e := NewThreadExecutor(0)
	defer e.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		e.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want 0,1,2", order)
		}
	}
}

func TestThreadExecutorRecoversFromPanic(t *testing.T) {
	e := NewThreadExecutor(0)
	defer e.Close()

	e.Submit(func() { panic("boom") })

	var ran atomic.Bool
	done := make(chan struct{})
	e.Submit(func() {
		ran.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not survive a panicking job")
	}
	if !ran.Load() {
		t.Fatal("job after panic never ran")
	}
}

func TestThreadExecutorPoolRunsAllSubmittedJobs(t *testing.T) {
	p := NewThreadExecutorPool(4, 0)
	defer p.Close()

	if p.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", p.Size())
	}

	var wg sync.WaitGroup
	var count atomic.Int64
	wg.Add(20)
	for i := 0; i < 20; i++ {
		p.Submit(func() {
			count.Add(1)
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all jobs completed")
	}
	if count.Load() != 20 {
		t.Fatalf("count = %d, want 20", count.Load())
	}
}
