package internal

import (
	"sync"
	"testing"
	"time"
)

func TestWorkerPoolConcurrent(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	// N=2 so both sleeps overlap
	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		wp.Queue(func() {
			time.Sleep(500 * time.Millisecond)
			wg.Done()
		})
	}
	wg.Wait()
	if took := time.Since(start); took > 900*time.Millisecond {
		t.Fatalf("took %v for queued work, it should have run concurrently", took)
	}
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		wp.Queue(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wp.Stop()
	if len(got) != 50 {
		t.Fatalf("got %d results want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("position %d ran item %d", i, v)
		}
	}
}

func TestWorkerPoolDoesWorkPriorToStart(t *testing.T) {
	wp := NewWorkerPool(2)
	ch := make(chan int, 2)
	wp.Queue(func() { ch <- 1 })
	wp.Queue(func() { ch <- 2 })

	time.Sleep(100 * time.Millisecond)
	if len(ch) > 0 {
		t.Fatalf("queued work was done before Start()")
	}
	wp.Start()
	defer wp.Stop()

	sum := 0
	for sum != 3 {
		select {
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for work to be done")
		case val := <-ch:
			sum += val
		}
	}
}

func TestWorkerPoolStopWaits(t *testing.T) {
	wp := NewWorkerPool(1)
	wp.Start()
	done := false
	wp.Queue(func() {
		time.Sleep(100 * time.Millisecond)
		done = true
	})
	wp.Stop()
	if !done {
		t.Fatalf("Stop returned before queued work finished")
	}
}
