// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/accel"
	"github.com/gogpu/unheard/internal/barrier"
	"github.com/gogpu/unheard/internal/frame"
	"github.com/gogpu/unheard/internal/parallel"
	"github.com/gogpu/unheard/internal/passgraph"
	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

// FrameStatus is the outcome of one frame.
type FrameStatus = frame.Status

// Frame outcomes.
const (
	FrameCompleted  = frame.Completed
	FrameNeedsReset = frame.NeedsReset
	FrameFailed     = frame.Failed
)

// PassStats reports the passes of one recorded frame.
type PassStats = passgraph.Stats

// FrameStats reports the last frame rendered by RenderFrame.
type FrameStats struct {
	Frame  uint64
	Slot   int
	Status FrameStatus
	// CPU is the render goroutine time, fence wait included.
	CPU time.Duration
	// Wall is the time RenderFrame spent, material transitions and BLAS
	// submission included.
	Wall time.Duration
	// Uploaded is the number of object records refreshed in the slot.
	Uploaded int
	// Missing is the number of view entries skipped for a missing mesh or
	// material.
	Missing int
	Passes  PassStats
}

// Engine renders a scene through a fixed deferred pass graph with several
// frames in flight.
//
// Scene edits and RenderFrame are serialized by the engine; edits made while
// a frame is recorded take effect in the next frame. Editor operations that
// replace GPU objects wait for the GPU to go idle first.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	device  hal.Device
	queue   hal.Queue
	surface hal.Surface

	store    *scene.Store
	pool     *parallel.WorkerPool
	compiler *shader.Compiler
	registry *shader.Registry
	tracker  *barrier.Tracker
	accel    *accel.Manager
	graph    *passgraph.Graph
	sched    *frame.Scheduler

	view         scene.View
	lastViewProj mgl32.Mat4
	pendingBLAS  []*scene.Mesh
	delayedRT    bool

	// abandoned is a frame whose wait was canceled; it is settled before
	// the engine touches shared state again.
	abandoned *frame.Future

	// recording is written on the render goroutine during a frame and read
	// after the frame's future resolved.
	recording struct {
		uploaded int
		missing  int
		passes   PassStats
	}

	last   FrameStats
	closed bool
}

// New creates an engine on device and queue. surface may be nil to render
// headless; otherwise it is configured to the engine resolution.
func New(device hal.Device, queue hal.Queue, surface hal.Surface, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newEngine(cfg, device, queue, surface)
}

// NewFromProvider creates an engine on the device of a gpucontext provider.
// The provider must expose its HAL objects through HalDevice() any and
// HalQueue() any. The provider's surface format is the default backbuffer
// format.
func NewFromProvider(provider gpucontext.DeviceProvider, surface hal.Surface, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, ErrNoDevice
	}
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", ErrNoDevice)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrNoDevice)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrNoDevice)
	}

	cfg := DefaultConfig()
	if f := provider.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
		cfg.SurfaceFormat = f
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	info := provider.AdapterInfo()
	Logger().Info("unheard: using provider adapter", "name", info.Name, "type", info.Type.String())
	return newEngine(cfg, device, queue, surface)
}

func newEngine(cfg Config, device hal.Device, queue hal.Queue, surface hal.Surface) (*Engine, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		device:  device,
		queue:   queue,
		surface: surface,
		store:   scene.NewStore(cfg.FramesInFlight),
		pool:    parallel.NewWorkerPool(cfg.Workers),
		tracker: barrier.NewTracker(cfg.Validation),
	}
	e.compiler = shader.NewCompiler(device, cfg.ShaderCacheDir)
	if cfg.compile != nil {
		e.compiler.SetCompileFunc(cfg.compile)
	}

	var err error
	e.registry, err = shader.New(shader.Config{
		Device:    device,
		Queue:     queue,
		Materials: e.store,
		Compiler:  e.compiler,
		Targets:   passgraph.VariantTargets(),
	})
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("unheard: create shader registry: %w", err)
	}
	if cfg.RayTracing {
		e.accel = accel.New(accel.Config{Device: device, Queue: queue, Pool: e.pool, Frames: cfg.FramesInFlight})
	}
	if e.graph, err = passgraph.New(e.graphConfig()); err != nil {
		e.destroy()
		return nil, fmt.Errorf("unheard: create pass graph: %w", err)
	}
	if err := e.configureSurface(); err != nil {
		e.destroy()
		return nil, err
	}
	e.sched, err = frame.New(frame.Config{
		Device:        device,
		Queue:         queue,
		Surface:       surface,
		SurfaceFormat: cfg.SurfaceFormat,
		Recorder:      frameRecorder{e},
		FrameLayout:   e.registry.FrameLayout(),
		Frames:        cfg.FramesInFlight,
		FenceTimeout:  cfg.FenceTimeout,
	})
	if err != nil {
		e.destroy()
		return nil, fmt.Errorf("unheard: create frame scheduler: %w", err)
	}

	aspect := float32(cfg.Width) / float32(cfg.Height)
	e.view.Camera = scene.DefaultCamera(aspect)
	e.lastViewProj = e.view.Camera.ViewProj()

	Logger().Info("unheard: engine created",
		"frames_in_flight", cfg.FramesInFlight,
		"workers", cfg.Workers,
		"strategy", e.graph.Strategy().Name(),
		"ray_tracing", cfg.RayTracing,
		"width", cfg.Width, "height", cfg.Height,
		"headless", surface == nil)
	return e, nil
}

func (e *Engine) graphConfig() passgraph.Config {
	return passgraph.Config{
		Device:           e.device,
		Queue:            e.queue,
		Registry:         e.registry,
		Compiler:         e.compiler,
		Tracker:          e.tracker,
		Pool:             e.pool,
		Accel:            e.accel,
		Frames:           e.cfg.FramesInFlight,
		Width:            e.cfg.Width,
		Height:           e.cfg.Height,
		SurfaceFormat:    e.cfg.SurfaceFormat,
		MeshShaders:      e.cfg.MeshShaders,
		OcclusionCulling: e.cfg.OcclusionCulling,
		Threads:          e.cfg.ParallelSubmitters,
	}
}

func (e *Engine) configureSurface() error {
	if e.surface == nil {
		return nil
	}
	err := e.surface.Configure(e.device, &hal.SurfaceConfiguration{
		Width:       e.cfg.Width,
		Height:      e.cfg.Height,
		Format:      e.cfg.SurfaceFormat,
		Usage:       gputypes.TextureUsageRenderAttachment,
		PresentMode: gputypes.PresentModeFifo,
		AlphaMode:   gputypes.CompositeAlphaModeOpaque,
	})
	if err != nil {
		return fmt.Errorf("unheard: configure surface: %w", err)
	}
	return nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Passes returns the pass order resolved at creation.
func (e *Engine) Passes() []passgraph.PassID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Passes()
}

// Profiler returns the per-pass CPU timings of the last recorded frame.
func (e *Engine) Profiler() *passgraph.Profiler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Profiler()
}

// LastFrame returns the statistics of the last RenderFrame call.
func (e *Engine) LastFrame() FrameStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// RenderFrame renders one frame and waits for it to be submitted and
// presented.
//
// A device or surface loss observed by an earlier frame is handled first:
// the GPU is idled and the pass graph, surface configuration and object
// constants are rebuilt. A frame that observes a loss itself returns nil
// with LastFrame().Status == FrameNeedsReset.
//
// If ctx is canceled while waiting, the frame keeps running and is settled
// by the next engine call.
func (e *Engine) RenderFrame(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	start := time.Now()
	e.settleLocked()

	if e.sched.NeedsReset() {
		if err := e.resetLocked(); err != nil {
			return err
		}
	}
	if e.delayedRT {
		e.accel.RequestRebuild()
		e.delayedRT = false
	}
	if err := e.applyMaterialsLocked(ctx); err != nil {
		return err
	}
	if err := e.buildBLASLocked(ctx); err != nil {
		return err
	}

	fut := e.sched.SubmitFrame()
	res, err := fut.Wait(ctx)
	if err != nil {
		e.abandoned = fut
		return err
	}
	e.finishLocked(res, time.Since(start))

	switch res.Status {
	case frame.NeedsReset:
		Logger().Info("unheard: frame needs reset", "frame", res.Frame, "err", res.Err)
	case frame.Failed:
		Logger().Error("unheard: frame failed", "frame", res.Frame, "err", res.Err)
		return fmt.Errorf("%w: frame %d: %w", ErrFrameFailed, res.Frame, res.Err)
	}
	return nil
}

func (e *Engine) finishLocked(res frame.Result, wall time.Duration) {
	e.last = FrameStats{
		Frame:    res.Frame,
		Slot:     res.Slot,
		Status:   res.Status,
		CPU:      res.CPU,
		Wall:     wall,
		Uploaded: e.recording.uploaded,
		Missing:  e.recording.missing,
		Passes:   e.recording.passes,
	}
	e.recording.uploaded, e.recording.missing = 0, 0
	e.recording.passes = PassStats{}
	if res.Status == frame.Completed {
		e.store.EndFrame()
		e.lastViewProj = e.view.Camera.ViewProj()
		e.view.Camera.PrevViewProj = e.lastViewProj
	}
}

// settleLocked waits for a frame whose RenderFrame wait was canceled.
func (e *Engine) settleLocked() {
	if e.abandoned == nil {
		return
	}
	<-e.abandoned.Done()
	res, _ := e.abandoned.Result()
	e.abandoned = nil
	e.finishLocked(res, 0)
}

// resetLocked rebuilds everything that depends on the surface or on device
// state the loss invalidated.
func (e *Engine) resetLocked() error {
	err := e.sched.Do(func() error {
		e.graph.Destroy()
		e.tracker.Reset()
		g, err := passgraph.New(e.graphConfig())
		if err != nil {
			return fmt.Errorf("unheard: recreate pass graph: %w", err)
		}
		e.graph = g
		if e.surface != nil {
			e.surface.Unconfigure(e.device)
			return e.configureSurface()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unheard: reset: %w", err)
	}
	e.store.MarkAllDirty()
	if e.accel != nil {
		e.accel.RequestRebuild()
	}
	e.sched.ClearReset()
	Logger().Info("unheard: frame resources reset", "frame", e.sched.Stats().Frames)
	return nil
}

// applyMaterialsLocked runs the pending compile transitions of every
// material under one GPU idle.
func (e *Engine) applyMaterialsLocked(ctx context.Context) error {
	var dirty []scene.Handle[scene.Material]
	e.store.EachMaterial(func(h scene.Handle[scene.Material], m *scene.Material) {
		if m.Flag != scene.UpToDate {
			dirty = append(dirty, h)
		}
	})
	if len(dirty) == 0 {
		return nil
	}
	if err := e.sched.WaitIdle(); err != nil {
		return fmt.Errorf("unheard: apply materials: %w", err)
	}
	for _, h := range dirty {
		if err := e.registry.Apply(ctx, idled{}, h); err != nil {
			return fmt.Errorf("unheard: apply materials: %w", err)
		}
	}
	return nil
}

// idled is the Idler of transitions applied after the engine already
// waited for the GPU and holds the frame lock.
type idled struct{}

func (idled) WaitIdle() error { return nil }

func (e *Engine) buildBLASLocked(ctx context.Context) error {
	if e.accel == nil {
		return nil
	}
	e.accel.Collect()
	if len(e.pendingBLAS) == 0 {
		return nil
	}
	if _, err := e.accel.BuildBLAS(ctx, e.pendingBLAS); err != nil {
		return fmt.Errorf("unheard: build BLAS: %w", err)
	}
	e.pendingBLAS = e.pendingBLAS[:0]
	return nil
}

// frameRecorder records engine frames on the render goroutine.
type frameRecorder struct{ e *Engine }

func (r frameRecorder) RecordFrame(ctx context.Context, w *frame.Work) error {
	return r.e.recordFrame(ctx, w)
}

// DiscardFrame undoes the layout changes of a frame that never reached the
// queue.
func (r frameRecorder) DiscardFrame(w *frame.Work) { r.e.graph.Discard(w.Frame) }

// recordFrame runs on the render goroutine while RenderFrame waits.
func (e *Engine) recordFrame(ctx context.Context, w *frame.Work) error {
	slot := w.Slot
	if err := slot.EnsureObjects(e.device, e.registry.FrameLayout(), e.store.ObjectCapacity()); err != nil {
		return err
	}
	uploaded := e.store.DrainDirty(func(r *scene.Renderer) {
		slot.PutObject(r.BufferDataIndex, r.World, r.PrevWorld)
	})
	if err := slot.Flush(e.queue); err != nil {
		return err
	}
	if err := slot.WriteCamera(e.queue, e.view.Camera, e.cfg.Width, e.cfg.Height); err != nil {
		return err
	}

	opaque, missOpaque := e.store.Resolve(e.view.Opaque)
	translucent, missTranslucent := e.store.Resolve(e.view.Translucent)
	missing := missOpaque + missTranslucent
	if missing > 0 {
		Logger().Warn("unheard: skipped renderers with missing mesh or material", "frame", w.Frame, "count", missing)
	}

	stats, err := e.graph.Record(ctx, &passgraph.Frame{
		Index:          w.Frame,
		Slot:           slot.Index,
		Encoder:        w.Encoder,
		FrameGroup:     slot.Group,
		Backbuffer:     w.Backbuffer,
		BackbufferView: w.BackbufferView,
		Camera:         e.view.Camera,
		Lights:         e.view.Lights,
		Opaque:         opaque,
		Translucent:    translucent,
	})
	e.recording.uploaded = uploaded
	e.recording.missing = missing
	e.recording.passes = stats
	return err
}

// Close waits for the GPU and releases every resource. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.settleLocked()
	var err error
	if e.sched != nil {
		err = e.sched.Close()
		e.sched = nil
	}
	e.destroy()
	Logger().Info("unheard: engine closed")
	return err
}

// destroy releases the GPU objects in reverse creation order. The GPU must
// be idle.
func (e *Engine) destroy() {
	if e.sched != nil {
		if err := e.sched.Close(); err != nil && !errors.Is(err, frame.ErrClosed) {
			Logger().Warn("unheard: close scheduler", "err", err)
		}
		e.sched = nil
	}
	if e.surface != nil {
		e.surface.Unconfigure(e.device)
	}
	if e.graph != nil {
		e.graph.Destroy()
		e.graph = nil
	}
	if e.accel != nil {
		e.accel.Destroy()
	}
	if e.registry != nil {
		e.registry.Destroy()
		e.registry = nil
	}
	e.store.EachMesh(func(_ scene.Handle[scene.Mesh], m *scene.Mesh) {
		destroyMeshBuffers(e.device, m)
	})
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}
