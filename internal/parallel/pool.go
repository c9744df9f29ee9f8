// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Run after Close.
var ErrPoolClosed = errors.New("parallel: pool closed")

// ErrTooManyTasks is returned by Run when more parallel tasks are requested
// than the pool has workers.
var ErrTooManyTasks = errors.New("parallel: more tasks than workers")

// WorkerPool is a fixed set of goroutines used to record command lists in
// parallel.
//
// Each worker owns one wake queue and sleeps on it until a dispatch hands it
// work. Run gives task t to worker t, so per-worker output slots are never
// shared, and blocks until every task has finished.
//
// Thread safety: WorkerPool is safe for concurrent use, but concurrent Run
// calls interleave on the same workers; the pass graph dispatches one pass
// at a time.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// wake holds one queue per worker.
	wake []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The pool starts immediately and workers begin waiting for work.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	p := &WorkerPool{
		workers: workers,
		wake:    make([]chan func(), workers),
		done:    make(chan struct{}),
	}
	for i := range workers {
		p.wake[i] = make(chan func(), 4)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	queue := p.wake[id]
	for {
		select {
		case <-p.done:
			p.drain(queue)
			return
		case work := <-queue:
			if work != nil {
				work()
			}
		}
	}
}

// drain executes work still queued when the pool closes so no dispatcher is
// left waiting on its join.
func (p *WorkerPool) drain(queue chan func()) {
	for {
		select {
		case work := <-queue:
			if work != nil {
				work()
			}
		default:
			return
		}
	}
}

// Run executes fn(t) for t in [0, n) with task t on worker t and waits for
// all of them. Errors and panics from tasks are joined and returned after
// every task has completed.
func (p *WorkerPool) Run(n int, fn func(t int) error) error {
	if n <= 0 {
		return nil
	}
	if n > p.workers {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTasks, n, p.workers)
	}
	if !p.running.Load() {
		return ErrPoolClosed
	}

	errs := make([]error, n)
	var join sync.WaitGroup
	join.Add(n)
	for t := range n {
		task := func() {
			defer join.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[t] = fmt.Errorf("parallel: task %d panicked: %v", t, r)
				}
			}()
			errs[t] = fn(t)
		}
		select {
		case p.wake[t] <- task:
		case <-p.done:
			join.Done()
			errs[t] = ErrPoolClosed
		}
	}
	join.Wait()
	return errors.Join(errs...)
}

// ExecuteAll distributes work across workers and waits for all to complete.
// Items are assigned round-robin. If the pool is closed, this is a no-op.
func (p *WorkerPool) ExecuteAll(work []func()) {
	if len(work) == 0 || !p.running.Load() {
		return
	}

	var completionWG sync.WaitGroup
	completionWG.Add(len(work))

	for i, fn := range work {
		wrapped := func() {
			defer completionWG.Done()
			fn()
		}
		select {
		case p.wake[i%p.workers] <- wrapped:
		case <-p.done:
			completionWG.Done()
		}
	}

	completionWG.Wait()
}

// Close gracefully shuts down the pool.
// It stops accepting new work, runs queued work to completion, and stops
// all workers. Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}
