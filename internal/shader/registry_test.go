// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/unheard/internal/scene"
)

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

// fakeSPIRV stands in for naga so registry tests do not depend on the WGSL
// front end.
func fakeSPIRV(string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0}, nil
}

// fakeView is a texture view with a distinct native handle.
type fakeView struct{ id uintptr }

func (*fakeView) Destroy()                 {}
func (v *fakeView) NativeHandle() uintptr { return v.id }

type idler struct {
	calls int
	err   error
}

func (i *idler) WaitIdle() error {
	i.calls++
	return i.err
}

func testTargets() map[PassKind]Target {
	return map[PassKind]Target{
		PassDepth: {Depth: gputypes.TextureFormatDepth32Float, DepthWrite: true, DepthCompare: gputypes.CompareFunctionLess},
		PassBase: {
			Colors:        []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRGBA8Unorm},
			Depth:         gputypes.TextureFormatDepth32Float,
			DepthCompare:  gputypes.CompareFunctionLessEqual,
			FragmentEntry: "fs_gbuffer",
		},
		PassTranslucent: {
			Colors:        []gputypes.TextureFormat{gputypes.TextureFormatRGBA16Float},
			Depth:         gputypes.TextureFormatDepth32Float,
			DepthCompare:  gputypes.CompareFunctionLessEqual,
			FragmentEntry: "fs_forward",
		},
	}
}

type fixture struct {
	store    *scene.Store
	reg      *Registry
	compiler *Compiler
	mat      scene.Handle[scene.Material]
	renderer scene.Handle[scene.Renderer]
}

func newFixture(t *testing.T, cacheDir string) *fixture {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)

	store := scene.NewStore(2)
	compiler := NewCompiler(device, cacheDir)
	compiler.SetCompileFunc(fakeSPIRV)
	reg, err := New(Config{
		Device:    device,
		Queue:     queue,
		Materials: store,
		Compiler:  compiler,
		Targets:   testTargets(),
	})
	require.NoError(t, err)
	t.Cleanup(reg.Destroy)

	mesh := store.AddMesh(scene.NewMesh("tri", []scene.Vertex{{}, {}, {}}, []uint32{0, 1, 2}))
	mat := store.AddMaterial(scene.NewMaterial("stone", scene.ShaderSource{}))
	rh, err := store.AddRenderer(mesh, mat, scene.IdentityTransform())
	require.NoError(t, err)
	return &fixture{store: store, reg: reg, compiler: compiler, mat: mat, renderer: rh}
}

func (f *fixture) material(t *testing.T) *scene.Material {
	t.Helper()
	m, ok := f.store.Material(f.mat)
	require.True(t, ok)
	return m
}

func (f *fixture) ownerIndex(t *testing.T) int {
	t.Helper()
	r, ok := f.store.Renderer(f.renderer)
	require.True(t, ok)
	return r.BufferDataIndex
}

// =============================================================================
// Variant lifecycle
// =============================================================================

func TestRegistry_EnsureCreatesOnceAndReuses(t *testing.T) {
	f := newFixture(t, "")
	owner := RendererOwner(f.ownerIndex(t))

	h1, err := f.reg.Ensure(owner, PassBase, f.mat)
	require.NoError(t, err)
	h2, err := f.reg.Ensure(owner, PassBase, f.mat)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	v, ok := f.reg.Lookup(h1)
	require.True(t, ok)
	assert.Equal(t, PassBase, v.Kind)
	assert.Equal(t, owner, v.Owner)
	assert.NotNil(t, v.Pipeline)
	assert.NotNil(t, v.BindGroup)

	st := f.reg.Stats()
	assert.Equal(t, 1, st.Variants)
	assert.Equal(t, 1, st.PipelineBuilds)
	assert.Equal(t, 1, f.compiler.Stats().Compiles)

	// A second pass kind shares the compiled module.
	_, err = f.reg.Ensure(owner, PassDepth, f.mat)
	require.NoError(t, err)
	assert.Equal(t, 1, f.compiler.Stats().Compiles)
	assert.Equal(t, 2, f.reg.Stats().Variants)
}

func TestRegistry_EnsureUnknownPassAndMaterial(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.reg.Ensure(RendererOwner(0), PassMotion, f.mat)
	assert.ErrorIs(t, err, ErrUnknownPass)

	_, err = f.reg.Ensure(RendererOwner(0), PassBase, scene.Handle[scene.Material]{})
	assert.ErrorIs(t, err, ErrUnknownMaterial)
}

func TestRegistry_EnsureReplacesOnMaterialChange(t *testing.T) {
	f := newFixture(t, "")
	other := f.store.AddMaterial(scene.NewMaterial("metal", scene.ShaderSource{}))
	owner := RendererOwner(f.ownerIndex(t))

	h1, err := f.reg.Ensure(owner, PassBase, f.mat)
	require.NoError(t, err)
	h2, err := f.reg.Ensure(owner, PassBase, other)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	_, ok := f.reg.Lookup(h1)
	assert.False(t, ok, "replaced variant must be gone")
	assert.Equal(t, 1, f.reg.Stats().Variants, "one compiled result per (owner, pass)")
}

func TestRegistry_Release(t *testing.T) {
	f := newFixture(t, "")
	owner := RendererOwner(f.ownerIndex(t))
	for _, k := range []PassKind{PassDepth, PassBase} {
		_, err := f.reg.Ensure(owner, k, f.mat)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, f.reg.Release(owner))
	assert.Equal(t, 0, f.reg.Release(owner))
	assert.Equal(t, 0, f.reg.Stats().Variants)
}

// =============================================================================
// Descriptors
// =============================================================================

func TestRegistry_UpdateDescriptorsIdempotent(t *testing.T) {
	f := newFixture(t, "")
	m := f.material(t)
	m.Textures = []scene.Texture{{Name: "albedo", View: &fakeView{id: 10}}}

	h, err := f.reg.Ensure(RendererOwner(f.ownerIndex(t)), PassBase, f.mat)
	require.NoError(t, err)
	v, _ := f.reg.Lookup(h)
	key := v.BindingKey()

	n, err := f.reg.UpdateDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.reg.UpdateDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, key, v.BindingKey())

	// Texture swap.
	m.Textures[0].View = &fakeView{id: 11}
	n, err = f.reg.UpdateDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEqual(t, key, v.BindingKey())

	builds := f.reg.Stats().BindGroupBuilds
	n, err = f.reg.UpdateDescriptors()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, builds, f.reg.Stats().BindGroupBuilds)
}

func TestRegistry_MissingTextureBindsNull(t *testing.T) {
	f := newFixture(t, "")
	f.material(t).Textures = []scene.Texture{{Name: "albedo"}}

	_, err := f.reg.Ensure(RendererOwner(f.ownerIndex(t)), PassBase, f.mat)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Stats().NullBindings)
	require.NotNil(t, f.reg.Null())
	assert.NotNil(t, f.reg.Null().View)
}

// =============================================================================
// Compile-flag state machine
// =============================================================================

func TestRegistry_ApplyReachesUpToDateFromEveryFlag(t *testing.T) {
	flags := []scene.CompileFlag{
		scene.UpToDate,
		scene.BindOnly,
		scene.StateChangedOnly,
		scene.FullCompileTemporary,
		scene.FullCompileResave,
		scene.RendererMaterialChanged,
	}
	for _, flag := range flags {
		t.Run(flag.String(), func(t *testing.T) {
			f := newFixture(t, t.TempDir())
			_, err := f.reg.Ensure(RendererOwner(f.ownerIndex(t)), PassBase, f.mat)
			require.NoError(t, err)

			m := f.material(t)
			m.Flag = flag
			require.NoError(t, f.reg.Apply(context.Background(), &idler{}, f.mat))
			assert.Equal(t, scene.UpToDate, m.Flag)

			// Fixed point: no further work without edits.
			before := f.reg.Stats()
			compiles := f.compiler.Stats().Compiles
			id := &idler{}
			require.NoError(t, f.reg.Apply(context.Background(), id, f.mat))
			assert.Equal(t, scene.UpToDate, m.Flag)
			assert.Equal(t, before, f.reg.Stats())
			assert.Equal(t, compiles, f.compiler.Stats().Compiles)
			assert.Zero(t, id.calls, "an UpToDate apply must not idle the GPU")
		})
	}
}

func TestRegistry_FlagScopes(t *testing.T) {
	f := newFixture(t, "")
	owner := RendererOwner(f.ownerIndex(t))
	_, err := f.reg.Ensure(owner, PassBase, f.mat)
	require.NoError(t, err)
	ctx := context.Background()
	m := f.material(t)
	m.Flag = scene.UpToDate

	snap := func() (Stats, int) { return f.reg.Stats(), f.compiler.Stats().Compiles }

	s0, c0 := snap()
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.BindOnly))
	require.NoError(t, f.reg.Apply(ctx, &idler{}, f.mat))
	s1, c1 := snap()
	assert.Equal(t, s0.PipelineBuilds, s1.PipelineBuilds, "BindOnly must not touch pipelines")
	assert.Equal(t, s0.BindGroupBuilds+1, s1.BindGroupBuilds)
	assert.Equal(t, c0, c1)

	require.NoError(t, f.reg.MarkDirty(f.mat, scene.StateChangedOnly))
	require.NoError(t, f.reg.Apply(ctx, &idler{}, f.mat))
	s2, c2 := snap()
	assert.Equal(t, s1.PipelineBuilds+1, s2.PipelineBuilds)
	assert.Equal(t, s1.BindGroupBuilds, s2.BindGroupBuilds)
	assert.Equal(t, c1, c2, "StateChangedOnly must not recompile")

	require.NoError(t, f.reg.MarkDirty(f.mat, scene.FullCompileTemporary))
	require.NoError(t, f.reg.Apply(ctx, &idler{}, f.mat))
	s3, c3 := snap()
	assert.Equal(t, s2.PipelineBuilds+1, s3.PipelineBuilds)
	assert.Equal(t, s2.BindGroupBuilds+1, s3.BindGroupBuilds)
	assert.Equal(t, c2+1, c3)
}

func TestRegistry_MarkDirtyCoalesces(t *testing.T) {
	f := newFixture(t, "")
	m := f.material(t)
	m.Flag = scene.UpToDate

	require.NoError(t, f.reg.MarkDirty(f.mat, scene.BindOnly))
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.FullCompileTemporary))
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.StateChangedOnly))
	assert.Equal(t, scene.FullCompileTemporary, m.Flag)

	assert.ErrorIs(t, f.reg.MarkDirty(scene.Handle[scene.Material]{}, scene.BindOnly), ErrUnknownMaterial)
}

func TestRegistry_StateChangeKeepsCoalescedRebind(t *testing.T) {
	f := newFixture(t, "")
	m := f.material(t)
	m.Textures = []scene.Texture{{Name: "albedo", View: &fakeView{id: 10}}}
	h, err := f.reg.Ensure(RendererOwner(f.ownerIndex(t)), PassBase, f.mat)
	require.NoError(t, err)
	m.Flag = scene.UpToDate
	v, _ := f.reg.Lookup(h)
	stale := v.BindingKey()

	// Texture swap, then a cull-mode edit before the frame boundary.
	m.Textures[0].View = &fakeView{id: 11}
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.BindOnly))
	m.CullMode = gputypes.CullModeFront
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.StateChangedOnly))
	require.NoError(t, f.reg.Apply(context.Background(), &idler{}, f.mat))

	assert.Equal(t, scene.UpToDate, m.Flag)
	assert.NotEqual(t, stale, v.BindingKey(), "the swapped texture is bound")
	n, err := f.reg.UpdateDescriptors()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left stale after the apply")
}

func TestRegistry_UnknownMaterialMatchesSceneError(t *testing.T) {
	f := newFixture(t, "")
	missing := scene.Handle[scene.Material]{}
	assert.ErrorIs(t, f.reg.MarkDirty(missing, scene.BindOnly), scene.ErrUnknownMaterial)
	assert.ErrorIs(t, f.reg.Apply(context.Background(), &idler{}, missing), scene.ErrUnknownMaterial)
}

// blockingIdler parks WaitIdle until released.
type blockingIdler struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingIdler) WaitIdle() error {
	close(b.entered)
	<-b.release
	return nil
}

func TestRegistry_OneTransitionInFlight(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.reg.Ensure(RendererOwner(f.ownerIndex(t)), PassBase, f.mat)
	require.NoError(t, err)
	m := f.material(t)
	m.Flag = scene.BindOnly

	b := &blockingIdler{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() { done <- f.reg.Apply(context.Background(), b, f.mat) }()

	select {
	case <-b.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first apply never reached WaitIdle")
	}

	err = f.reg.Apply(context.Background(), &idler{}, f.mat)
	assert.ErrorIs(t, err, ErrTransitionInFlight)

	// An edit during the transition is queued, not lost.
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.StateChangedOnly))

	close(b.release)
	require.NoError(t, <-done)

	got, ok := f.store.Material(f.mat)
	require.True(t, ok)
	assert.Equal(t, scene.StateChangedOnly, got.Flag)

	require.NoError(t, f.reg.Apply(context.Background(), &idler{}, f.mat))
	assert.Equal(t, scene.UpToDate, got.Flag)
}

func TestRegistry_ApplyIdleFailureKeepsFlag(t *testing.T) {
	f := newFixture(t, "")
	m := f.material(t)
	m.Flag = scene.StateChangedOnly

	boom := errors.New("device lost")
	err := f.reg.Apply(context.Background(), &idler{err: boom}, f.mat)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, scene.StateChangedOnly, m.Flag)
}

func TestRegistry_ApplyCanceledContext(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := &idler{}
	assert.ErrorIs(t, f.reg.Apply(ctx, id, f.mat), context.Canceled)
	assert.Zero(t, id.calls)
}

func TestRegistry_RendererMaterialChanged(t *testing.T) {
	f := newFixture(t, "")
	oldIndex := f.ownerIndex(t)
	oldOwner := RendererOwner(oldIndex)
	_, err := f.reg.Ensure(oldOwner, PassBase, f.mat)
	require.NoError(t, err)

	m := f.material(t)
	m.Group = scene.GroupTranslucent
	m.Flag = scene.UpToDate
	require.NoError(t, f.reg.MarkDirty(f.mat, scene.RendererMaterialChanged))
	require.NoError(t, f.reg.Apply(context.Background(), &idler{}, f.mat))

	newIndex := f.ownerIndex(t)
	assert.NotEqual(t, oldIndex, newIndex)
	assert.Equal(t, 0, f.reg.Release(oldOwner), "old index variants are released")

	_, err = f.reg.Ensure(RendererOwner(newIndex), PassTranslucent, f.mat)
	require.NoError(t, err)
	assert.Equal(t, scene.UpToDate, m.Flag)
}

func TestRegistry_ReleaseMaterialAndDestroy(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.reg.Ensure(MaterialOwner(0), PassBase, f.mat)
	require.NoError(t, err)
	f.reg.ReleaseMaterial(f.mat)
	assert.Equal(t, 0, f.reg.Stats().Variants)

	f.reg.Destroy()
	f.reg.Destroy()
	_, err = f.reg.Ensure(MaterialOwner(0), PassBase, f.mat)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOwnerAndPassNames(t *testing.T) {
	assert.Equal(t, "renderer#3", RendererOwner(3).String())
	assert.Equal(t, "material#1", MaterialOwner(1).String())
	assert.Equal(t, "translucent", PassTranslucent.String())
	assert.Equal(t, "PassKind(?)", PassKind(42).String())
}
