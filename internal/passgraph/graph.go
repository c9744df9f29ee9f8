// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package passgraph records one frame of the deferred renderer: a fixed,
// ordered list of passes over a set of render targets owned by the graph.
//
// The pass set is decided once at creation. Passes in the ray-tracing set
// exist only when an acceleration structure manager is configured, and the
// passes that trace against the top-level structure are skipped for frames
// whose structure is empty. Each pass declares the layouts its targets must
// be in; the graph transitions them through the barrier tracker before the
// pass and records their exit layouts after it.
//
// A frame without a backbuffer view is headless: PresentBlit is skipped and
// reported as not run, so the frame's last pass is PostProcess.
package passgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/accel"
	"github.com/gogpu/unheard/internal/barrier"
	"github.com/gogpu/unheard/internal/parallel"
	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

// Errors returned by Graph.
var (
	ErrDestroyed = errors.New("passgraph: graph destroyed")
	ErrBadSlot   = errors.New("passgraph: frame slot out of range")
	ErrNoEncoder = errors.New("passgraph: frame has no command encoder")
	ErrConfig    = errors.New("passgraph: device, queue and registry are required")
)

// DebugViews names the selectable debug views. Index 0 is the final image.
var DebugViews = [...]string{
	"final", "albedo", "normal", "surface", "depth", "motion", "shadow", "reflection", "indirect",
}

// HUD size in texels.
const (
	HUDWidth  = 256
	HUDHeight = 32
)

// Config configures a Graph.
type Config struct {
	Device   hal.Device
	Queue    hal.Queue
	Registry *shader.Registry
	Compiler *shader.Compiler

	// Tracker emits the target transitions. Nil creates a non-validating
	// tracker.
	Tracker *barrier.Tracker
	// Pool records classic-path command lists in parallel. Nil records on
	// the calling goroutine.
	Pool *parallel.WorkerPool
	// Accel enables the ray-tracing pass set. Nil disables it.
	Accel *accel.Manager

	Frames        int
	Width, Height uint32
	SurfaceFormat gputypes.TextureFormat

	// MeshShaders selects the mesh-shader draw strategy.
	MeshShaders bool
	// OcclusionCulling enables the ray-traced occlusion test. It requires
	// Accel.
	OcclusionCulling bool
	// Threads is the number of classic-path recording workers.
	Threads int

	SkyZenith  mgl32.Vec3
	SkyHorizon mgl32.Vec3
}

// Frame is the input of one Record call.
type Frame struct {
	Index   uint64
	Slot    int
	Encoder hal.CommandEncoder

	// FrameGroup is bind group 0 of the slot: the camera uniform and the
	// object constants, written by the caller.
	FrameGroup hal.BindGroup

	// Backbuffer is the acquired surface texture. A nil view skips the
	// present blit.
	Backbuffer     hal.Texture
	BackbufferView hal.TextureView

	Camera scene.Camera
	Lights []scene.Light

	// Opaque is sorted front-to-back, Translucent back-to-front.
	Opaque      []scene.DrawItem
	Translucent []scene.DrawItem
}

// PassRecord reports one pass of a frame.
type PassRecord struct {
	ID    PassID
	Ran   bool
	Draws DrawStats
}

// Stats reports one recorded frame.
type Stats struct {
	Frame         uint64
	Passes        []PassRecord
	RayTraced     bool
	Occluded      bool
	TLASInstances int
	Barriers      int
	Draws         DrawStats
}

// Ran reports whether pass p was recorded.
func (s *Stats) Ran(p PassID) bool {
	for _, r := range s.Passes {
		if r.ID == p {
			return r.Ran
		}
	}
	return false
}

// Graph records frames.
type Graph struct {
	mu sync.Mutex

	device   hal.Device
	queue    hal.Queue
	registry *shader.Registry
	tracker  *barrier.Tracker
	accel    *accel.Manager
	strategy DrawStrategy
	batched  bool
	profiler *Profiler

	order     []PassID
	occlusion bool
	sky       [2]mgl32.Vec3

	fixed   *fixedPipelines
	targets *Targets
	layouts [targetCount]barrier.Layout
	// entry holds the layouts at the start of the last recorded frame until
	// that frame is submitted or discarded.
	entry      [targetCount]barrier.Layout
	entryFrame uint64
	entrySet   bool

	hud      hal.Texture
	hudView  hal.TextureView
	hudDirty atomic.Bool

	inputs    [3]hal.BindGroup // light, post, blit
	inputsGen uint64

	slots []slotResources

	debugView atomic.Uint32
	last      Stats
	destroyed bool
}

// New creates the graph, its targets and its fixed pipelines.
func New(cfg Config) (*Graph, error) {
	if cfg.Device == nil || cfg.Queue == nil || cfg.Registry == nil {
		return nil, ErrConfig
	}
	if cfg.Compiler == nil {
		cfg.Compiler = shader.NewCompiler(cfg.Device, "")
	}
	if cfg.Tracker == nil {
		cfg.Tracker = barrier.NewTracker(false)
	}
	if cfg.SurfaceFormat == gputypes.TextureFormatUndefined {
		cfg.SurfaceFormat = gputypes.TextureFormatBGRA8Unorm
	}
	if cfg.SkyZenith == (mgl32.Vec3{}) && cfg.SkyHorizon == (mgl32.Vec3{}) {
		cfg.SkyZenith = mgl32.Vec3{0.18, 0.32, 0.62}
		cfg.SkyHorizon = mgl32.Vec3{0.70, 0.78, 0.86}
	}
	rayTracing := cfg.Accel != nil
	occlusion := rayTracing && cfg.OcclusionCulling
	if cfg.OcclusionCulling && !rayTracing {
		slogger().Info("passgraph: occlusion culling needs ray tracing, disabled")
	}

	g := &Graph{
		device:    cfg.Device,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		tracker:   cfg.Tracker,
		accel:     cfg.Accel,
		profiler:  NewProfiler(),
		order:     Order(rayTracing, occlusion),
		occlusion: occlusion,
		sky:       [2]mgl32.Vec3{cfg.SkyZenith, cfg.SkyHorizon},
		slots:     make([]slotResources, max(cfg.Frames, 1)),
	}
	if cfg.MeshShaders {
		g.strategy = NewMeshShaderPath(cfg.Registry)
		g.batched = true
	} else {
		g.strategy = NewClassicPath(cfg.Registry, cfg.Pool, cfg.Threads, len(g.slots))
	}

	var err error
	if g.targets, err = NewTargets(cfg.Device, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	g.fixed, err = newFixedPipelines(cfg.Device, cfg.Compiler, cfg.Registry.FrameLayout(), cfg.SurfaceFormat, rayTracing, occlusion)
	if err != nil {
		g.targets.Destroy()
		return nil, err
	}
	if err := g.createHUD(); err != nil {
		g.Destroy()
		return nil, err
	}
	for i := range g.slots {
		if err := g.createSlot(i); err != nil {
			g.Destroy()
			return nil, err
		}
	}
	g.hudDirty.Store(true)

	slogger().Info("passgraph: created",
		"strategy", g.strategy.Name(),
		"ray_tracing", rayTracing,
		"occlusion", occlusion,
		"validate_layouts", cfg.Tracker.Validating(),
		"passes", len(g.order),
		"width", cfg.Width, "height", cfg.Height)
	return g, nil
}

// VariantTargets returns the attachment formats of every material pass
// kind, for shader.Config.Targets.
func VariantTargets() map[shader.PassKind]shader.Target {
	return map[shader.PassKind]shader.Target{
		shader.PassDepth: {
			Depth:        DepthFormat,
			DepthWrite:   true,
			DepthCompare: gputypes.CompareFunctionLess,
		},
		shader.PassBase: {
			Colors:        []gputypes.TextureFormat{AlbedoFormat, NormalFormat, SurfaceFormat},
			Depth:         DepthFormat,
			DepthCompare:  gputypes.CompareFunctionLessEqual,
			FragmentEntry: "fs_gbuffer",
		},
		shader.PassTranslucent: {
			Colors:        []gputypes.TextureFormat{HDRFormat},
			Depth:         DepthFormat,
			DepthCompare:  gputypes.CompareFunctionLessEqual,
			FragmentEntry: "fs_forward",
		},
		shader.PassMotion: {
			Colors:        []gputypes.TextureFormat{MotionFormat},
			Depth:         DepthFormat,
			DepthCompare:  gputypes.CompareFunctionLessEqual,
			FragmentEntry: "fs_motion",
		},
	}
}

// Passes returns the pass order of the graph.
func (g *Graph) Passes() []PassID { return append([]PassID(nil), g.order...) }

// Strategy returns the draw strategy chosen at creation.
func (g *Graph) Strategy() DrawStrategy { return g.strategy }

// Profiler returns the per-pass CPU timings of the last frame.
func (g *Graph) Profiler() *Profiler { return g.profiler }

// Targets returns the render targets.
func (g *Graph) Targets() *Targets { return g.targets }

// LastStats returns the stats of the last recorded frame.
func (g *Graph) LastStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// SetDebugViewIndex selects the image the post pass shows. Indices past the
// last view wrap to the final image. It returns the selected view name.
func (g *Graph) SetDebugViewIndex(i int) string {
	if i < 0 || i >= len(DebugViews) {
		i = 0
	}
	if g.debugView.Swap(uint32(i)) != uint32(i) { //nolint:gosec // bounded above
		g.hudDirty.Store(true)
	}
	return DebugViews[i]
}

// DebugViewIndex returns the selected debug view.
func (g *Graph) DebugViewIndex() int { return int(g.debugView.Load()) }

// Resize recreates the targets. The caller must have idled the GPU.
func (g *Graph) Resize(width, height uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	for id := range targetCount {
		g.tracker.Forget(g.targets.Image(id))
		g.layouts[id] = barrier.Undefined
	}
	g.entrySet = false
	if err := g.targets.Resize(width, height); err != nil {
		return err
	}
	slogger().Debug("passgraph: resized", "width", width, "height", height)
	return nil
}

// Record records every pass of f into f.Encoder. The slot's previous frame
// must have completed on the GPU.
//
// On error the target layouts are restored to what they were before the
// frame, since the caller discards the encoder. A frame that recorded
// cleanly but never reached the queue is undone with Discard.
func (g *Graph) Record(ctx context.Context, f *Frame) (Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return Stats{}, ErrDestroyed
	}
	if f.Slot < 0 || f.Slot >= len(g.slots) {
		return Stats{}, fmt.Errorf("%w: %d", ErrBadSlot, f.Slot)
	}
	if f.Encoder == nil {
		return Stats{}, ErrNoEncoder
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	rec := &recorder{
		g:     g,
		f:     f,
		slot:  &g.slots[f.Slot],
		stats: Stats{Frame: f.Index, Passes: make([]PassRecord, 0, len(g.order))},
	}
	g.tracker.ResetStats()
	g.profiler.Reset()
	g.entry, g.entryFrame, g.entrySet = g.layouts, f.Index, true

	st, err := g.record(ctx, rec)
	if err != nil {
		g.rollbackLocked()
		if rec.backbufferSet {
			g.tracker.Forget(rec.backbuffer)
		}
		return st, err
	}
	st.Barriers = g.tracker.Stats().Barriers
	g.profiler.SetCount("barriers", st.Barriers)
	g.profiler.SetCount("draws", st.Draws.Draws)
	g.profiler.SetCount("tlas_instances", st.TLASInstances)
	g.last = st
	return st, nil
}

// Discard undoes the layout changes of frame index, recorded without error
// but never submitted. Frames other than the last recorded one are ignored.
func (g *Graph) Discard(index uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed || !g.entrySet || g.entryFrame != index {
		return
	}
	slogger().Debug("passgraph: frame discarded, layouts restored", "frame", index)
	g.rollbackLocked()
}

// rollbackLocked returns every target to its layout at the start of the
// last recorded frame, in the graph and in the tracker.
func (g *Graph) rollbackLocked() {
	for id := range targetCount {
		if g.layouts[id] == g.entry[id] {
			continue
		}
		img := g.targets.Image(id)
		g.tracker.Forget(img)
		if g.entry[id] != barrier.Undefined {
			g.tracker.Declare(img, g.entry[id], barrier.Whole)
		}
		g.layouts[id] = g.entry[id]
	}
	g.entrySet = false
}

func (g *Graph) record(ctx context.Context, rec *recorder) (Stats, error) {
	f := rec.f

	if err := g.writeDrawTables(rec.slot, f); err != nil {
		return rec.stats, err
	}
	if err := g.updateHUD(); err != nil {
		// The HUD is cosmetic; keep rendering with the stale label.
		slogger().Warn("passgraph: hud update failed", "err", err)
	}

	passes := g.order
	if len(passes) > 0 && passes[0] == PassBuildTLAS {
		g.profiler.BeginScope(PassBuildTLAS.String())
		err := rec.buildTLAS()
		g.profiler.EndScope(PassBuildTLAS.String())
		if err != nil {
			return rec.stats, err
		}
		passes = passes[1:]
	}
	if err := g.writeLighting(rec); err != nil {
		return rec.stats, err
	}
	rec.prepareArgs()

	for _, id := range passes {
		if err := ctx.Err(); err != nil {
			return rec.stats, err
		}
		d := &descriptors[id]
		if (d.NeedsInstances && !rec.rtActive) || (id == PassPresentBlit && f.BackbufferView == nil) {
			rec.stats.Passes = append(rec.stats.Passes, PassRecord{ID: id})
			continue
		}
		if err := rec.run(d); err != nil {
			return rec.stats, fmt.Errorf("%s: %w", id, err)
		}
	}
	if err := g.uploadBatches(rec.slot); err != nil {
		return rec.stats, err
	}
	return rec.stats, nil
}

// Destroy releases every GPU object the graph owns. It is safe to call more
// than once.
func (g *Graph) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return
	}
	g.destroyed = true
	for i := range g.slots {
		g.destroySlot(&g.slots[i])
	}
	g.destroyInputs()
	if g.hudView != nil {
		g.device.DestroyTextureView(g.hudView)
		g.hudView = nil
	}
	if g.hud != nil {
		g.device.DestroyTexture(g.hud)
		g.hud = nil
	}
	if g.fixed != nil {
		g.fixed.destroy()
	}
	if g.targets != nil {
		for id := range targetCount {
			g.tracker.Forget(g.targets.Image(id))
		}
		g.targets.Destroy()
	}
}
