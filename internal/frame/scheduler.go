// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package frame drives one pass graph execution per frame from a dedicated
// render goroutine over a ring of frame-in-flight slots.
//
// The caller submits a frame and waits on the returned Future; the render
// goroutine waits until the slot's previous submission completed, resets the
// slot's encoder, acquires the surface texture, records, submits and
// presents. CPU/GPU overlap comes only from the slot ring.
package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Errors returned by the scheduler.
var (
	ErrClosed       = errors.New("frame: scheduler closed")
	ErrFenceTimeout = errors.New("frame: timed out waiting for slot submission")
	ErrConfig       = errors.New("frame: device, queue and recorder are required")
)

// Work is the input of one frame recording.
type Work struct {
	Frame   uint64
	Slot    *Slot
	Encoder hal.CommandEncoder

	// Backbuffer is the acquired surface texture; both are nil when the
	// scheduler renders headless.
	Backbuffer     hal.Texture
	BackbufferView hal.TextureView
}

// Recorder records a frame into w.Encoder. It runs on the render goroutine.
type Recorder interface {
	RecordFrame(ctx context.Context, w *Work) error
}

// Discarder is implemented by recorders that keep state derived from what
// they recorded. DiscardFrame is called on the render goroutine when a frame
// recorded without error never reaches the queue.
type Discarder interface {
	DiscardFrame(w *Work)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, w *Work) error

// RecordFrame implements Recorder.
func (f RecorderFunc) RecordFrame(ctx context.Context, w *Work) error { return f(ctx, w) }

// Config configures a Scheduler.
type Config struct {
	Device hal.Device
	Queue  hal.Queue
	// Surface is presented to after every frame. Nil renders headless.
	Surface hal.Surface
	// SurfaceFormat is the format of the backbuffer views.
	SurfaceFormat gputypes.TextureFormat

	Recorder Recorder
	// FrameLayout is the bind group layout of each slot's frame group.
	FrameLayout hal.BindGroupLayout

	// Frames is the number of frames in flight. Defaults to 2.
	Frames int
	// FenceTimeout bounds the wait for a slot's previous submission. Zero
	// waits forever.
	FenceTimeout time.Duration
}

// Stats counts scheduler activity.
type Stats struct {
	Frames     uint64
	Completed  uint64
	Resets     uint64
	Failed     uint64
	FenceWaits uint64
}

type request struct {
	fut *Future
	fn  func() error
}

// Scheduler owns the frame slots and the render goroutine.
type Scheduler struct {
	device  hal.Device
	queue   hal.Queue
	surface hal.Surface
	format  gputypes.TextureFormat
	rec     Recorder
	timeout time.Duration

	slots []*Slot
	frame uint64 // next frame, render goroutine only

	requests chan request
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeOnce  sync.Once
	closed     atomic.Bool
	needsReset atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New creates the slots and starts the render goroutine.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Device == nil || cfg.Queue == nil || cfg.Recorder == nil {
		return nil, ErrConfig
	}
	if cfg.Frames <= 0 {
		cfg.Frames = 2
	}
	if cfg.SurfaceFormat == gputypes.TextureFormatUndefined {
		cfg.SurfaceFormat = gputypes.TextureFormatBGRA8Unorm
	}
	s := &Scheduler{
		device:   cfg.Device,
		queue:    cfg.Queue,
		surface:  cfg.Surface,
		format:   cfg.SurfaceFormat,
		rec:      cfg.Recorder,
		timeout:  cfg.FenceTimeout,
		slots:    make([]*Slot, cfg.Frames),
		requests: make(chan request),
	}
	for i := range s.slots {
		slot, err := newSlot(cfg.Device, cfg.FrameLayout, i)
		if err != nil {
			for _, created := range s.slots[:i] {
				created.destroy(cfg.Device)
			}
			return nil, err
		}
		s.slots[i] = slot
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.loop()
	slogger().Info("frame: scheduler started", "frames_in_flight", cfg.Frames, "headless", cfg.Surface == nil)
	return s, nil
}

// Frames returns the number of frame slots.
func (s *Scheduler) Frames() int { return len(s.slots) }

// Slot returns slot i. Callers may touch a slot only while no frame is in
// flight on the render goroutine, or from the Recorder.
func (s *Scheduler) Slot(i int) *Slot { return s.slots[i] }

// NeedsReset reports whether a device or surface loss was observed. The
// flag stays set until ClearReset.
func (s *Scheduler) NeedsReset() bool { return s.needsReset.Load() }

// ClearReset clears the reset flag after the orchestrator rebuilt the frame
// resources.
func (s *Scheduler) ClearReset() { s.needsReset.Store(false) }

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SubmitFrame wakes the render goroutine to record the next frame. While
// the reset flag is set, frames resolve immediately with NeedsReset.
func (s *Scheduler) SubmitFrame() *Future {
	fut := newFuture()
	if s.closed.Load() {
		fut.resolve(Result{Status: Failed, Err: ErrClosed})
		return fut
	}
	select {
	case s.requests <- request{fut: fut}:
	case <-s.ctx.Done():
		fut.resolve(Result{Status: Failed, Err: ErrClosed})
	}
	return fut
}

// Do runs fn on the render goroutine between frames, after the GPU went
// idle. It is the only safe place to replace resources frames reference.
func (s *Scheduler) Do(fn func() error) error {
	fut := newFuture()
	req := request{fut: fut, fn: func() error {
		if err := s.idle(); err != nil {
			return err
		}
		return fn()
	}}
	select {
	case s.requests <- req:
	case <-s.ctx.Done():
		return ErrClosed
	}
	<-fut.done
	return fut.res.Err
}

// WaitIdle blocks until the GPU finished every submitted frame.
func (s *Scheduler) WaitIdle() error {
	return s.Do(func() error { return nil })
}

// Close waits for the GPU, destroys the slots and stops the render
// goroutine. It is safe to call more than once.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Do(func() error {
			s.closed.Store(true)
			return nil
		})
		s.cancel()
		s.wg.Wait()
		for _, slot := range s.slots {
			slot.destroy(s.device)
		}
		slogger().Info("frame: scheduler closed", "frames", s.Stats().Frames)
	})
	return err
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			if req.fn != nil {
				req.fut.resolve(Result{Err: req.fn()})
				continue
			}
			req.fut.resolve(s.runFrame())
		}
	}
}

// idle waits for the device and releases what the slots' last frames used.
func (s *Scheduler) idle() error {
	if err := s.device.WaitIdle(); err != nil {
		if errors.Is(err, hal.ErrDeviceLost) {
			s.needsReset.Store(true)
		}
		return fmt.Errorf("frame: wait idle: %w", err)
	}
	for _, slot := range s.slots {
		slot.release(s.device)
	}
	return nil
}

// waitSlot blocks until the slot's previous submission has completed.
func (s *Scheduler) waitSlot(slot *Slot) error {
	if slot.Submission == 0 || s.queue.PollCompleted() >= slot.Submission {
		return nil
	}
	s.mu.Lock()
	s.stats.FenceWaits++
	s.mu.Unlock()
	start := time.Now()
	backoff := 20 * time.Microsecond
	for s.queue.PollCompleted() < slot.Submission {
		if s.timeout > 0 && time.Since(start) >= s.timeout {
			return fmt.Errorf("%w: slot %d submission %d", ErrFenceTimeout, slot.Index, slot.Submission)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, time.Millisecond)
	}
	return nil
}

func (s *Scheduler) discard(w *Work) {
	if d, ok := s.rec.(Discarder); ok {
		d.DiscardFrame(w)
	}
}

func isResetError(err error) bool {
	return errors.Is(err, hal.ErrDeviceLost) ||
		errors.Is(err, hal.ErrSurfaceLost) ||
		errors.Is(err, hal.ErrSurfaceOutdated)
}

func (s *Scheduler) runFrame() Result {
	start := time.Now()
	frame := s.frame
	slot := s.slots[SlotOf(frame, len(s.slots))]
	res := Result{Frame: frame, Slot: slot.Index}
	finish := func(st Status, err error) Result {
		res.Status, res.Err, res.CPU = st, err, time.Since(start)
		s.mu.Lock()
		switch st {
		case Completed:
			s.stats.Completed++
		case NeedsReset:
			s.stats.Resets++
		case Failed:
			s.stats.Failed++
		}
		s.mu.Unlock()
		switch {
		case st == NeedsReset:
			slogger().Warn("frame: reset required", "frame", frame, "err", err)
		case err != nil:
			slogger().Error("frame: failed", "frame", frame, "err", err)
		}
		return res
	}

	if s.needsReset.Load() {
		return finish(NeedsReset, nil)
	}
	if err := s.waitSlot(slot); err != nil {
		return finish(Failed, err)
	}
	slot.release(s.device)
	if err := slot.Encoder.BeginEncoding(fmt.Sprintf("frame_%d", frame)); err != nil {
		return finish(Failed, fmt.Errorf("frame: begin encoding: %w", err))
	}

	w := &Work{Frame: frame, Slot: slot, Encoder: slot.Encoder}
	var acquired *hal.AcquiredSurfaceTexture
	if s.surface != nil {
		var err error
		acquired, err = s.surface.AcquireTexture(nil)
		if err != nil {
			slot.Encoder.DiscardEncoding()
			if isResetError(err) {
				s.needsReset.Store(true)
				return finish(NeedsReset, fmt.Errorf("frame: acquire: %w", err))
			}
			return finish(Failed, fmt.Errorf("frame: acquire: %w", err))
		}
		view, err := s.device.CreateTextureView(acquired.Texture, &hal.TextureViewDescriptor{
			Label:     "backbuffer",
			Format:    s.format,
			Dimension: gputypes.TextureViewDimension2D,
			Aspect:    gputypes.TextureAspectAll,
		})
		if err != nil {
			slot.Encoder.DiscardEncoding()
			s.surface.DiscardTexture(acquired.Texture)
			return finish(Failed, fmt.Errorf("frame: backbuffer view: %w", err))
		}
		w.Backbuffer, w.BackbufferView = acquired.Texture, view
		slot.backbufferView = view
	}

	if err := s.rec.RecordFrame(s.ctx, w); err != nil {
		slot.Encoder.DiscardEncoding()
		if acquired != nil {
			s.surface.DiscardTexture(acquired.Texture)
		}
		if isResetError(err) {
			s.needsReset.Store(true)
			return finish(NeedsReset, err)
		}
		return finish(Failed, fmt.Errorf("frame: record: %w", err))
	}

	cmd, err := slot.Encoder.EndEncoding()
	if err != nil {
		s.discard(w)
		if acquired != nil {
			s.surface.DiscardTexture(acquired.Texture)
		}
		return finish(Failed, fmt.Errorf("frame: end encoding: %w", err))
	}
	idx, err := s.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		s.device.FreeCommandBuffer(cmd)
		s.discard(w)
		if acquired != nil {
			s.surface.DiscardTexture(acquired.Texture)
		}
		if isResetError(err) {
			s.needsReset.Store(true)
			return finish(NeedsReset, fmt.Errorf("frame: submit: %w", err))
		}
		return finish(Failed, fmt.Errorf("frame: submit: %w", err))
	}
	slot.cmd, slot.Submission, slot.Frame = cmd, idx, frame
	res.Submission = idx
	s.frame++
	s.mu.Lock()
	s.stats.Frames++
	s.mu.Unlock()

	if acquired != nil {
		if err := s.queue.Present(s.surface, acquired.Texture, nil); err != nil {
			if isResetError(err) {
				s.needsReset.Store(true)
				return finish(NeedsReset, fmt.Errorf("frame: present: %w", err))
			}
			return finish(Failed, fmt.Errorf("frame: present: %w", err))
		}
		if acquired.Suboptimal {
			slogger().Debug("frame: surface suboptimal, reset requested", "frame", frame)
			s.needsReset.Store(true)
		}
	}
	return finish(Completed, nil)
}
