// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/unheard/internal/passgraph"
)

// createNoopDevice opens the noop backend, the same way the internal
// packages do in their tests.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

// fakeSPIRV stands in for naga so engine tests do not depend on the WGSL
// front end.
func fakeSPIRV(string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0}, nil
}

// testSurface fails the next acquires with queued errors and counts
// configurations.
type testSurface struct {
	noop.Surface

	mu       sync.Mutex
	failures []error

	configures   atomic.Int32
	unconfigures atomic.Int32
	last         atomic.Pointer[hal.SurfaceConfiguration]
}

func (s *testSurface) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *testSurface) Configure(d hal.Device, cfg *hal.SurfaceConfiguration) error {
	s.configures.Add(1)
	c := *cfg
	s.last.Store(&c)
	return s.Surface.Configure(d, cfg)
}

func (s *testSurface) Unconfigure(d hal.Device) {
	s.unconfigures.Add(1)
	s.Surface.Unconfigure(d)
}

func (s *testSurface) AcquireTexture(f hal.Fence) (*hal.AcquiredSurfaceTexture, error) {
	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	return s.Surface.AcquireTexture(f)
}

func cubeMesh() *Mesh {
	v := func(x, y, z float32) Vertex { return Vertex{Position: mgl32.Vec3{x, y, z}} }
	verts := []Vertex{
		v(-1, -1, -1), v(1, -1, -1), v(1, 1, -1), v(-1, 1, -1),
		v(-1, -1, 1), v(1, -1, 1), v(1, 1, 1), v(-1, 1, 1),
	}
	idx := []uint32{
		0, 1, 2, 0, 2, 3, 4, 6, 5, 4, 7, 6,
		0, 4, 5, 0, 5, 1, 3, 2, 6, 3, 6, 7,
		0, 3, 7, 0, 7, 4, 1, 5, 6, 1, 6, 2,
	}
	return NewMesh("cube", verts, idx)
}

type testScene struct {
	e         *Engine
	surface   *testSurface
	mesh      MeshHandle
	mat       MaterialHandle
	renderers []RendererHandle
}

// newTestEngine creates an engine with n cubes in view on a small headless
// or surface-backed target.
func newTestEngine(t *testing.T, n int, withSurface bool, opts ...Option) *testScene {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)

	ts := &testScene{}
	var surface hal.Surface
	if withSurface {
		ts.surface = &testSurface{}
		surface = ts.surface
	}
	opts = append([]Option{
		WithResolution(64, 36),
		WithWorkers(4),
		WithParallelSubmitters(2),
		WithShaderCompiler(fakeSPIRV),
	}, opts...)
	e, err := New(device, queue, surface, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ts.e = e

	ts.mesh, err = e.AddMesh(cubeMesh())
	require.NoError(t, err)
	ts.mat, err = e.AddMaterial(NewMaterial("stone", ShaderSource{}))
	require.NoError(t, err)
	for i := range n {
		tr := IdentityTransform()
		tr.Position = mgl32.Vec3{float32(i) * 3, 0, -5}
		h, err := e.AddRenderer(ts.mesh, ts.mat, tr)
		require.NoError(t, err)
		ts.renderers = append(ts.renderers, h)
	}
	e.SetView(View{Opaque: ts.renderers, Camera: DefaultCamera(16.0 / 9.0)})
	return ts
}

func passDraws(st PassStats, id passgraph.PassID) int {
	for _, p := range st.Passes {
		if p.ID == id {
			return p.Draws.Draws
		}
	}
	return 0
}

func (ts *testScene) render(t *testing.T, frames int) {
	t.Helper()
	for range frames {
		require.NoError(t, ts.e.RenderFrame(context.Background()))
	}
}

// =============================================================================
// Creation
// =============================================================================

func TestNew_RequiresDevice(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoDevice)

	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()
	_, err = New(device, queue, nil, WithFramesInFlight(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_ConfiguresSurface(t *testing.T) {
	ts := newTestEngine(t, 0, true)
	assert.Equal(t, int32(1), ts.surface.configures.Load())
	cfg := ts.surface.last.Load()
	require.NotNil(t, cfg)
	assert.Equal(t, uint32(64), cfg.Width)
	assert.Equal(t, uint32(36), cfg.Height)
	assert.Equal(t, gputypes.TextureFormatBGRA8Unorm, cfg.Format)
	assert.Equal(t, gputypes.PresentModeFifo, cfg.PresentMode)
}

func TestNew_PassOrderFollowsCapabilities(t *testing.T) {
	raster := newTestEngine(t, 0, false)
	assert.Equal(t, passgraph.Order(false, false), raster.e.Passes())
	assert.Equal(t, "classic", raster.e.graph.Strategy().Name())

	rt := newTestEngine(t, 0, false, WithRayTracing(true), WithOcclusionCulling(true), WithMeshShaders(true))
	assert.Equal(t, passgraph.Order(true, true), rt.e.Passes())
	assert.NotEqual(t, "classic", rt.e.graph.Strategy().Name())
}

type halProviderStub struct {
	device hal.Device
	queue  hal.Queue
	format gputypes.TextureFormat
}

func (p *halProviderStub) Device() gpucontext.Device             { return p.device }
func (p *halProviderStub) Queue() gpucontext.Queue               { return p.queue }
func (p *halProviderStub) SurfaceFormat() gputypes.TextureFormat { return p.format }
func (p *halProviderStub) Adapter() gpucontext.Adapter           { return nil }
func (p *halProviderStub) AdapterInfo() gpucontext.AdapterInfo   { return gpucontext.AdapterInfo{Name: "noop"} }
func (p *halProviderStub) HalDevice() any                        { return p.device }
func (p *halProviderStub) HalQueue() any                         { return p.queue }

// plainProvider implements DeviceProvider without exposing HAL objects.
type plainProvider struct{ halProviderStub }

func (plainProvider) HalDevice() {}

func TestNewFromProvider(t *testing.T) {
	device, queue, cleanup := createNoopDevice(t)
	defer cleanup()

	_, err := NewFromProvider(nil, nil)
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = NewFromProvider(&plainProvider{}, nil)
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = NewFromProvider(&halProviderStub{queue: queue}, nil)
	assert.ErrorIs(t, err, ErrNoDevice, "nil HAL device")

	p := &halProviderStub{device: device, queue: queue, format: gputypes.TextureFormatRGBA8Unorm}
	e, err := NewFromProvider(p, nil, WithResolution(32, 32), WithShaderCompiler(fakeSPIRV))
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, gputypes.TextureFormatRGBA8Unorm, e.Config().SurfaceFormat, "provider format is the default")

	e2, err := NewFromProvider(p, nil, WithResolution(32, 32), WithShaderCompiler(fakeSPIRV),
		WithSurfaceFormat(gputypes.TextureFormatBGRA8Unorm))
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, gputypes.TextureFormatBGRA8Unorm, e2.Config().SurfaceFormat, "options override the provider")
}

// =============================================================================
// Frames
// =============================================================================

func TestEngine_FramesRotateSlots(t *testing.T) {
	ts := newTestEngine(t, 3, true, WithFramesInFlight(3))
	for i := range 7 {
		require.NoError(t, ts.e.RenderFrame(context.Background()))
		last := ts.e.LastFrame()
		assert.Equal(t, uint64(i), last.Frame)
		assert.Equal(t, i%3, last.Slot)
		assert.Equal(t, FrameCompleted, last.Status)
		assert.Equal(t, 3, passDraws(last.Passes, passgraph.PassDepth), "frame %d", i)
		assert.Equal(t, 3, passDraws(last.Passes, passgraph.PassBase), "frame %d", i)
		assert.Zero(t, passDraws(last.Passes, passgraph.PassMotion), "nothing moved on frame %d", i)
	}
}

func TestEngine_ObjectConstantsReachEverySlot(t *testing.T) {
	ts := newTestEngine(t, 4, false)
	uploads := make([]int, 0, 4)
	for range 4 {
		ts.render(t, 1)
		uploads = append(uploads, ts.e.LastFrame().Uploaded)
	}
	assert.Equal(t, []int{4, 4, 0, 0}, uploads, "a new renderer is uploaded once per slot")

	require.NoError(t, ts.e.SetTransform(ts.renderers[1], IdentityTransform()))
	ts.render(t, 1)
	assert.Equal(t, 1, ts.e.LastFrame().Uploaded)
	assert.Equal(t, 1, passDraws(ts.e.LastFrame().Passes, passgraph.PassMotion),
		"only the moved renderer reaches the motion pass")
	ts.render(t, 2)
	assert.Zero(t, ts.e.LastFrame().Uploaded)
}

func TestEngine_PrevViewProjTracksLastFrame(t *testing.T) {
	ts := newTestEngine(t, 1, false)
	ts.render(t, 1)
	first := ts.e.View().Camera

	moved := first
	moved.View = mgl32.LookAtV(mgl32.Vec3{1, 0, 5}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	moved.PrevViewProj = mgl32.Mat4{}
	ts.e.SetView(View{Opaque: ts.renderers, Camera: moved})
	assert.Equal(t, first.ViewProj(), ts.e.View().Camera.PrevViewProj)

	ts.render(t, 1)
	assert.Equal(t, moved.ViewProj(), ts.e.View().Camera.PrevViewProj)
}

func TestEngine_MissingRenderersAreSkipped(t *testing.T) {
	ts := newTestEngine(t, 3, false)
	require.NoError(t, ts.e.RemoveRenderer(ts.renderers[0]))
	ts.render(t, 1)
	last := ts.e.LastFrame()
	assert.Equal(t, FrameCompleted, last.Status)
	assert.Equal(t, 1, last.Missing)
	assert.Equal(t, 2, ts.e.RendererCount())

	assert.ErrorIs(t, ts.e.RemoveRenderer(ts.renderers[0]), ErrUnknownRenderer)
}

func TestEngine_AcquireOutdatedResetsNextFrame(t *testing.T) {
	ts := newTestEngine(t, 2, true)
	ts.render(t, 2)

	ts.surface.failNext(hal.ErrSurfaceOutdated)
	require.NoError(t, ts.e.RenderFrame(context.Background()))
	assert.Equal(t, FrameNeedsReset, ts.e.LastFrame().Status)
	assert.True(t, ts.e.sched.NeedsReset())
	oldGraph := ts.e.graph

	require.NoError(t, ts.e.RenderFrame(context.Background()))
	last := ts.e.LastFrame()
	assert.Equal(t, FrameCompleted, last.Status)
	assert.Equal(t, uint64(2), last.Frame, "the dropped frame is recorded again")
	assert.Equal(t, 2, last.Uploaded, "every constant is re-uploaded after a reset")
	assert.NotSame(t, oldGraph, ts.e.graph, "the pass graph is rebuilt")
	assert.False(t, ts.e.sched.NeedsReset())
	assert.Equal(t, int32(2), ts.surface.configures.Load())
	assert.Equal(t, int32(1), ts.surface.unconfigures.Load())
}

func TestEngine_AcquireFailureFailsFrame(t *testing.T) {
	ts := newTestEngine(t, 1, true)
	boom := errors.New("boom")
	ts.surface.failNext(boom)
	err := ts.e.RenderFrame(context.Background())
	require.ErrorIs(t, err, ErrFrameFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, FrameFailed, ts.e.LastFrame().Status)

	ts.render(t, 1)
	assert.Equal(t, uint64(0), ts.e.LastFrame().Frame, "a failed frame does not advance the counter")
}

func TestEngine_CanceledContextStopsBeforeSubmit(t *testing.T) {
	ts := newTestEngine(t, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ts.e.RenderFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled, "the pending material transition observes the context")
	assert.Zero(t, ts.e.sched.Stats().Frames)

	ts.render(t, 1)
	assert.Equal(t, FrameCompleted, ts.e.LastFrame().Status)
}

func TestEngine_MaterialsAppliedAtFrameBoundary(t *testing.T) {
	ts := newTestEngine(t, 2, false)
	ts.render(t, 1)
	m, ok := ts.e.Material(ts.mat)
	require.True(t, ok)
	assert.Equal(t, UpToDate, m.Flag)
	before := ts.e.registry.Stats().Transitions

	require.NoError(t, ts.e.MarkMaterialDirty(ts.mat, StateChangedOnly))
	require.NoError(t, ts.e.MarkMaterialDirty(ts.mat, BindOnly))
	assert.Equal(t, StateChangedOnly, m.Flag, "the stronger edit wins")

	ts.render(t, 1)
	assert.Equal(t, UpToDate, m.Flag)
	assert.Equal(t, before+1, ts.e.registry.Stats().Transitions)

	ts.render(t, 1)
	assert.Equal(t, before+1, ts.e.registry.Stats().Transitions, "UpToDate is a fixed point")
}

// =============================================================================
// Meshes and acceleration structures
// =============================================================================

func TestEngine_AddMeshUploadsGeometry(t *testing.T) {
	ts := newTestEngine(t, 0, false)
	m, ok := ts.e.Mesh(ts.mesh)
	require.True(t, ok)
	assert.NotNil(t, m.VertexBuffer)
	assert.NotNil(t, m.IndexBuffer)

	_, err := ts.e.AddMesh(NewMesh("empty", nil, nil))
	assert.ErrorIs(t, err, ErrEmptyMesh)
	_, err = ts.e.AddMesh(nil)
	assert.ErrorIs(t, err, ErrEmptyMesh)
}

func TestEngine_RemoveMesh(t *testing.T) {
	ts := newTestEngine(t, 1, false)
	ts.render(t, 1)
	assert.ErrorIs(t, ts.e.RemoveMesh(ts.mesh), ErrMeshInUse)

	m, _ := ts.e.Mesh(ts.mesh)
	require.NoError(t, ts.e.RemoveRenderer(ts.renderers[0]))
	require.NoError(t, ts.e.RemoveMesh(ts.mesh))
	assert.Nil(t, m.VertexBuffer)
	assert.Nil(t, m.IndexBuffer)
	assert.ErrorIs(t, ts.e.RemoveMesh(ts.mesh), ErrUnknownMesh)
}

func TestEngine_RemoveMaterial(t *testing.T) {
	ts := newTestEngine(t, 1, false)
	ts.render(t, 1)
	require.Positive(t, ts.e.registry.Stats().Variants)
	assert.ErrorIs(t, ts.e.RemoveMaterial(ts.mat), ErrMaterialInUse)

	require.NoError(t, ts.e.RemoveRenderer(ts.renderers[0]))
	require.NoError(t, ts.e.RemoveMaterial(ts.mat))
	assert.Zero(t, ts.e.registry.Stats().Variants, "variants of the material are destroyed")
	_, ok := ts.e.Material(ts.mat)
	assert.False(t, ok)
	assert.ErrorIs(t, ts.e.RemoveMaterial(ts.mat), ErrUnknownMaterial)
}

func TestEngine_RayTracingBuildsBLASBeforeFrame(t *testing.T) {
	ts := newTestEngine(t, 3, false, WithRayTracing(true))
	assert.Len(t, ts.e.pendingBLAS, 1)

	ts.render(t, 1)
	assert.Empty(t, ts.e.pendingBLAS)
	m, _ := ts.e.Mesh(ts.mesh)
	assert.True(t, ts.e.accel.Ready(m.ID))
	assert.Equal(t, 1, ts.e.accel.Stats().BLASBuilt)

	ts.render(t, 1)
	last := ts.e.LastFrame()
	assert.True(t, last.Passes.RayTraced)
	assert.Equal(t, 3, last.Passes.TLASInstances)

	ts.render(t, 2)
	assert.Equal(t, 1, ts.e.accel.Stats().BLASBuilt, "a BLAS is built once per unique mesh")
	assert.Zero(t, ts.e.accel.Stats().ScratchLive, "scratch is released after construction")
}

func TestEngine_RemoveMeshDropsPendingBLAS(t *testing.T) {
	ts := newTestEngine(t, 0, false, WithRayTracing(true))
	require.NoError(t, ts.e.RemoveMesh(ts.mesh))
	assert.Empty(t, ts.e.pendingBLAS)
	ts.render(t, 1)
	assert.Zero(t, ts.e.accel.Stats().BLASBuilt)
}

// =============================================================================
// Close
// =============================================================================

func TestEngine_Close(t *testing.T) {
	ts := newTestEngine(t, 1, true)
	ts.render(t, 1)
	require.NoError(t, ts.e.Close())
	require.NoError(t, ts.e.Close(), "Close is idempotent")

	ctx := context.Background()
	assert.ErrorIs(t, ts.e.RenderFrame(ctx), ErrClosed)
	_, err := ts.e.AddMesh(cubeMesh())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ts.e.AddMaterial(NewMaterial("late", ShaderSource{}))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ts.e.AddRenderer(ts.mesh, ts.mat, IdentityTransform())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ts.e.SetTransform(ts.renderers[0], IdentityTransform()), ErrClosed)
	assert.ErrorIs(t, ts.e.RefreshMaterialShaders(ctx, ts.mat, false, false), ErrClosed)
	_, err = ts.e.UpdateDescriptors()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ts.e.Resize(10, 10), ErrClosed)
	_, err = ts.e.SetDebugViewIndex(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int32(1), ts.surface.unconfigures.Load(), "the surface is unconfigured once")
}
