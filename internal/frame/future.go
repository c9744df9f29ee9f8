// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"context"
	"fmt"
	"time"
)

// Status is the outcome of a submitted frame.
type Status uint8

const (
	// Completed means the frame was recorded, submitted and presented.
	Completed Status = iota
	// NeedsReset means the device or surface was lost or outdated. The
	// frame was dropped or presented incompletely and the orchestrator must
	// rebuild the frame resources before the next frame.
	NeedsReset
	// Failed means recording or submission failed; Err says why.
	Failed
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case NeedsReset:
		return "needs-reset"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", s)
}

// Result reports one frame.
type Result struct {
	Frame      uint64
	Slot       int
	Status     Status
	Submission uint64
	// CPU is the time the render goroutine spent on the frame, fence wait
	// included.
	CPU time.Duration
	Err error
}

// Future is the pending result of SubmitFrame.
type Future struct {
	done chan struct{}
	res  Result
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(r Result) {
	f.res = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the frame finished or ctx is done. A canceled wait
// does not cancel the frame.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	if r, ok := f.Result(); ok {
		return r, nil
	}
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result and whether it is available yet.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}
