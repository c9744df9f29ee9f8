// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// WorkerPool Creation Tests
// =============================================================================

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateZeroWorkers(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if pool.Workers() != expected {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), expected)
	}
}

// =============================================================================
// Run Tests
// =============================================================================

func TestWorkerPool_RunEveryTaskOnce(t *testing.T) {
	pool := NewWorkerPool(6)
	defer pool.Close()

	var hits [6]atomic.Int32
	err := pool.Run(6, func(task int) error {
		hits[task].Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := range hits {
		if got := hits[i].Load(); got != 1 {
			t.Errorf("task %d ran %d times, want 1", i, got)
		}
	}
}

func TestWorkerPool_RunJoinsBeforeReturning(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var done atomic.Int32
	err := pool.Run(4, func(task int) error {
		time.Sleep(time.Duration(task) * time.Millisecond)
		done.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done.Load() != 4 {
		t.Errorf("Run returned with %d/4 tasks finished", done.Load())
	}
}

func TestWorkerPool_RunSubset(t *testing.T) {
	pool := NewWorkerPool(8)
	defer pool.Close()

	var count atomic.Int32
	if err := pool.Run(3, func(int) error { count.Add(1); return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count.Load() != 3 {
		t.Errorf("count = %d, want 3", count.Load())
	}
	if err := pool.Run(0, func(int) error { t.Error("must not run"); return nil }); err != nil {
		t.Errorf("Run(0) = %v", err)
	}
}

func TestWorkerPool_RunTooManyTasks(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	err := pool.Run(3, func(int) error { return nil })
	if !errors.Is(err, ErrTooManyTasks) {
		t.Errorf("err = %v, want ErrTooManyTasks", err)
	}
}

func TestWorkerPool_RunCollectsErrorsAndPanics(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	boom := errors.New("boom")
	var finished atomic.Int32
	err := pool.Run(4, func(task int) error {
		defer finished.Add(1)
		switch task {
		case 1:
			return boom
		case 2:
			panic("worker blew up")
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if finished.Load() != 4 {
		t.Errorf("finished = %d, want 4 (join must not deadlock)", finished.Load())
	}

	// The pool keeps working after a panicking task.
	if err := pool.Run(4, func(int) error { return nil }); err != nil {
		t.Errorf("Run after panic: %v", err)
	}
}

func TestWorkerPool_RunAfterClose(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()

	err := pool.Run(2, func(int) error { return nil })
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

// =============================================================================
// ExecuteAll Tests
// =============================================================================

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	var counter atomic.Int64
	numTasks := 100

	work := make([]func(), numTasks)
	for i := range work {
		work[i] = func() {
			counter.Add(1)
		}
	}

	pool.ExecuteAll(work)

	if counter.Load() != int64(numTasks) {
		t.Errorf("counter = %d, want %d", counter.Load(), numTasks)
	}
}

func TestWorkerPool_ExecuteAll_Empty(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	pool.ExecuteAll(nil)
	pool.ExecuteAll([]func(){})
}

// =============================================================================
// Close Tests
// =============================================================================

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("Pool should not be running after Close")
	}
}

func TestWorkerPool_NoGoroutineLeak(t *testing.T) {
	before := runtime.NumGoroutine()

	for range 10 {
		pool := NewWorkerPool(4)
		_ = pool.Run(4, func(int) error { return nil })
		pool.Close()
	}

	time.Sleep(10 * time.Millisecond)
	after := runtime.NumGoroutine()
	if after > before+2 {
		t.Errorf("goroutines before=%d after=%d, possible leak", before, after)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkWorkerPool_Run(b *testing.B) {
	pool := NewWorkerPool(runtime.GOMAXPROCS(0))
	defer pool.Close()

	n := pool.Workers()
	b.ResetTimer()
	for range b.N {
		_ = pool.Run(n, func(int) error { return nil })
	}
}
