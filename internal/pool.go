package internal

import "sync"

// WorkerPool runs queued funcs on N goroutines. With N=1 work runs in the order it
// was queued.
type WorkerPool struct {
	N  int
	ch chan func()
	wg sync.WaitGroup
}

// NewWorkerPool makes a pool of n workers. Up to n funcs may wait in the queue, after
// which Queue blocks until a worker frees up.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N:  n,
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	wp.wg.Add(wp.N)
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the pool and wait for queued work to finish. Only call this once, after Start,
// and never concurrently with Queue.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
	wp.wg.Wait()
}

// Queue some work on the pool. Blocks if the queue is full.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for fn := range wp.ch {
		fn()
	}
}
