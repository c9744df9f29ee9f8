// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shader owns the compiled pipeline state and descriptor bindings of
// every material.
//
// Variants live in an arena and are addressed by stable handles. A variant is
// keyed by an Owner (a renderer buffer-data index on the classic path, a
// material buffer-data index on the mesh-shader path) and a PassKind. Edits
// record a CompileFlag against the material; Apply drives the flag back to
// UpToDate while the GPU is idle.
package shader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/scene"
)

// Errors returned by Registry.
var (
	ErrTransitionInFlight = errors.New("shader: compile transition already in flight")
	ErrUnknownMaterial    = scene.ErrUnknownMaterial
	ErrUnknownPass        = errors.New("shader: pass kind has no target")
	ErrClosed             = errors.New("shader: registry destroyed")
)

// CompileFlag is the per-material edit state.
type CompileFlag = scene.CompileFlag

// PassKind selects the pipeline flavor of a variant.
type PassKind uint8

const (
	PassDepth PassKind = iota
	PassBase
	PassMotion
	PassTranslucent
	PassOcclusion

	passKindCount
)

var passKindNames = [...]string{
	PassDepth:       "depth",
	PassBase:        "base",
	PassMotion:      "motion",
	PassTranslucent: "translucent",
	PassOcclusion:   "occlusion",
}

func (k PassKind) String() string {
	if k < passKindCount {
		return passKindNames[k]
	}
	return "PassKind(?)"
}

// OwnerKind distinguishes per-renderer from per-material ownership.
type OwnerKind uint8

const (
	OwnerRenderer OwnerKind = iota
	OwnerMaterial
)

// Owner identifies who a variant belongs to.
type Owner struct {
	Kind  OwnerKind
	Index int
}

// RendererOwner returns the owner key of a renderer on the classic path.
func RendererOwner(bufferDataIndex int) Owner {
	return Owner{Kind: OwnerRenderer, Index: bufferDataIndex}
}

// MaterialOwner returns the owner key of a material group on the
// mesh-shader path.
func MaterialOwner(bufferDataIndex int) Owner {
	return Owner{Kind: OwnerMaterial, Index: bufferDataIndex}
}

func (o Owner) String() string {
	if o.Kind == OwnerMaterial {
		return fmt.Sprintf("material#%d", o.Index)
	}
	return fmt.Sprintf("renderer#%d", o.Index)
}

// Target describes the attachments a pass kind renders into.
type Target struct {
	Colors        []gputypes.TextureFormat
	Depth         gputypes.TextureFormat
	DepthWrite    bool
	DepthCompare  gputypes.CompareFunction
	FragmentEntry string // empty for vertex-only pipelines
}

// Materials is the material collection the registry reads and reassigns.
// *scene.Store implements it.
type Materials interface {
	Material(h scene.Handle[scene.Material]) (*scene.Material, bool)
	ReassignGroup(h scene.Handle[scene.Material], g scene.Group) ([]scene.Reassignment, error)
}

// Idler blocks until the GPU has finished all submitted work.
type Idler interface {
	WaitIdle() error
}

// Handle addresses a variant in the registry arena.
type Handle = scene.Handle[Variant]

// Variant is one compiled result for an (owner, pass) pair.
type Variant struct {
	Owner     Owner
	Kind      PassKind
	Material  scene.Handle[scene.Material]
	Pipeline  hal.RenderPipeline
	BindGroup hal.BindGroup

	bindingKey uint64
}

// BindingKey identifies the descriptor contents the bind group was built
// from.
func (v *Variant) BindingKey() uint64 { return v.bindingKey }

type variantKey struct {
	owner Owner
	kind  PassKind
}

// program is the compiled module and parameter block shared by every
// variant of one material.
type program struct {
	module hal.ShaderModule
	params hal.Buffer
}

// Stats counts registry work since creation.
type Stats struct {
	Variants        int
	PipelineBuilds  int
	BindGroupBuilds int
	Transitions     int
	NullBindings    int
}

// Config configures a Registry.
type Config struct {
	Device    hal.Device
	Queue     hal.Queue
	Materials Materials
	Compiler  *Compiler
	Targets   map[PassKind]Target
}

// Vertex layout shared by every material module: position, normal, uv.
const vertexStride = 32

// ParamsSize is the byte size of the per-material parameter block.
const ParamsSize = 32

// Registry is the shader variant registry.
type Registry struct {
	mu sync.RWMutex

	device    hal.Device
	queue     hal.Queue
	materials Materials
	compiler  *Compiler
	targets   map[PassKind]Target

	frameLayout    hal.BindGroupLayout
	materialLayout hal.BindGroupLayout
	pipelineLayout hal.PipelineLayout
	sampler        hal.Sampler
	null           *NullTexture

	variants scene.Arena[Variant]
	byKey    map[variantKey]Handle
	programs map[scene.Handle[scene.Material]]*program

	inFlight map[scene.Handle[scene.Material]]bool
	pending  map[scene.Handle[scene.Material]]CompileFlag

	stats     Stats
	destroyed bool
}

// New creates the registry and its shared layouts, sampler and null
// texture.
func New(cfg Config) (*Registry, error) {
	if cfg.Compiler == nil {
		cfg.Compiler = NewCompiler(cfg.Device, "")
	}
	r := &Registry{
		device:    cfg.Device,
		queue:     cfg.Queue,
		materials: cfg.Materials,
		compiler:  cfg.Compiler,
		targets:   cfg.Targets,
		byKey:     make(map[variantKey]Handle),
		programs:  make(map[scene.Handle[scene.Material]]*program),
		inFlight:  make(map[scene.Handle[scene.Material]]bool),
		pending:   make(map[scene.Handle[scene.Material]]CompileFlag),
	}
	if err := r.createShared(); err != nil {
		r.Destroy()
		return nil, err
	}
	return r, nil
}

func (r *Registry) createShared() error {
	var err error
	r.frameLayout, err = r.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "frame_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment | gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageVertex | gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create frame layout: %w", err)
	}

	r.materialLayout, err = r.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "material_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform, MinBindingSize: ParamsSize},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment,
				Sampler:    &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create material layout: %w", err)
	}

	r.pipelineLayout, err = r.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "material_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{r.frameLayout, r.materialLayout},
	})
	if err != nil {
		return fmt.Errorf("create material pipeline layout: %w", err)
	}

	r.sampler, err = r.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        "material_sampler",
		AddressModeU: gputypes.AddressModeRepeat,
		AddressModeV: gputypes.AddressModeRepeat,
		AddressModeW: gputypes.AddressModeRepeat,
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
		LodMaxClamp:  32,
	})
	if err != nil {
		return fmt.Errorf("create material sampler: %w", err)
	}

	r.null, err = NewNullTexture(r.device, r.queue)
	return err
}

// FrameLayout returns the layout of bind group 0 (camera uniform and object
// storage buffer) shared by every material pipeline.
func (r *Registry) FrameLayout() hal.BindGroupLayout { return r.frameLayout }

// PipelineLayout returns the layout every material pipeline uses.
func (r *Registry) PipelineLayout() hal.PipelineLayout { return r.pipelineLayout }

// Null returns the fallback texture.
func (r *Registry) Null() *NullTexture { return r.null }

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.Variants = r.variants.Len()
	return s
}

// MarkDirty records an edit against a material. Edits coalesce: the
// stronger flag wins. While a transition for the material is in flight the
// edit is queued and becomes the material's flag when the transition ends.
func (r *Registry) MarkDirty(h scene.Handle[scene.Material], flag CompileFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.materials.Material(h)
	if !ok {
		return ErrUnknownMaterial
	}
	if r.inFlight[h] {
		if flag > r.pending[h] {
			r.pending[h] = flag
		}
		return nil
	}
	if flag > m.Flag {
		m.Flag = flag
	}
	return nil
}

// Apply executes the material's pending compile flag and leaves it
// UpToDate. The GPU is idled through idle before any object is replaced.
// Applying an UpToDate material does nothing.
func (r *Registry) Apply(ctx context.Context, idle Idler, h scene.Handle[scene.Material]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrClosed
	}
	m, ok := r.materials.Material(h)
	if !ok {
		r.mu.Unlock()
		return ErrUnknownMaterial
	}
	if r.inFlight[h] {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransitionInFlight, m.Name)
	}
	flag := m.Flag
	if flag == scene.UpToDate {
		r.mu.Unlock()
		return nil
	}
	r.inFlight[h] = true
	r.mu.Unlock()

	err := idle.WaitIdle()

	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		delete(r.inFlight, h)
		m.Flag = r.pending[h]
		delete(r.pending, h)
	}()
	if err != nil {
		// The edit stays recorded for the next attempt.
		r.pending[h] = max(r.pending[h], flag)
		return fmt.Errorf("shader: wait idle: %w", err)
	}
	if err := r.applyLocked(h, m, flag); err != nil {
		r.pending[h] = max(r.pending[h], flag)
		return fmt.Errorf("shader: apply %s to %s: %w", flag, m.Name, err)
	}
	r.stats.Transitions++
	slogger().Debug("shader: transition applied", "material", m.Name, "flag", flag.String())
	return nil
}

func (r *Registry) applyLocked(h scene.Handle[scene.Material], m *scene.Material, flag CompileFlag) error {
	switch flag {
	case scene.BindOnly:
		return r.rebindLocked(h, m, true)
	case scene.StateChangedOnly:
		// A coalesced BindOnly edit may be pending under this flag.
		if err := r.rebuildPipelinesLocked(h, m); err != nil {
			return err
		}
		return r.rebindLocked(h, m, false)
	case scene.FullCompileTemporary, scene.FullCompileResave:
		return r.recompileLocked(h, m, flag == scene.FullCompileResave)
	case scene.RendererMaterialChanged:
		moved, err := r.materials.ReassignGroup(h, m.Group)
		if err != nil {
			return err
		}
		for _, mv := range moved {
			r.releaseLocked(RendererOwner(mv.OldIndex))
		}
		slogger().Debug("shader: renderers reassigned", "material", m.Name, "group", m.Group.String(), "count", len(moved))
		return r.recompileLocked(h, m, false)
	}
	return nil
}

// Ensure returns the variant of owner for pass kind, creating it when
// missing. A variant whose material changed is replaced.
func (r *Registry) Ensure(owner Owner, kind PassKind, h scene.Handle[scene.Material]) (Handle, error) {
	key := variantKey{owner: owner, kind: kind}

	r.mu.RLock()
	if vh, ok := r.byKey[key]; ok {
		if v, ok := r.variants.Get(vh); ok && v.Material == h {
			r.mu.RUnlock()
			return vh, nil
		}
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return Handle{}, ErrClosed
	}
	if vh, ok := r.byKey[key]; ok {
		if v, ok := r.variants.Get(vh); ok && v.Material == h {
			return vh, nil
		}
		r.destroyVariantLocked(vh)
	}
	if _, ok := r.targets[kind]; !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownPass, kind)
	}
	m, ok := r.materials.Material(h)
	if !ok {
		return Handle{}, ErrUnknownMaterial
	}
	prog, err := r.programLocked(h, m)
	if err != nil {
		return Handle{}, err
	}
	v := &Variant{Owner: owner, Kind: kind, Material: h}
	if err := r.buildPipelineLocked(v, m, prog); err != nil {
		return Handle{}, err
	}
	if err := r.buildBindGroupLocked(v, m, prog); err != nil {
		r.device.DestroyRenderPipeline(v.Pipeline)
		return Handle{}, err
	}
	vh := r.variants.Insert(v)
	r.byKey[key] = vh
	return vh, nil
}

// Lookup returns the variant addressed by h.
func (r *Registry) Lookup(h Handle) (*Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.variants.Get(h)
}

// Release destroys every variant of owner and returns how many there were.
func (r *Registry) Release(owner Owner) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(owner)
}

func (r *Registry) releaseLocked(owner Owner) int {
	n := 0
	for k := range passKindCount {
		key := variantKey{owner: owner, kind: k}
		if vh, ok := r.byKey[key]; ok {
			r.destroyVariantLocked(vh)
			n++
		}
	}
	return n
}

// ReleaseMaterial destroys every variant built from the material and its
// compiled module.
func (r *Registry) ReleaseMaterial(h scene.Handle[scene.Material]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants.Each(func(vh Handle, v *Variant) bool {
		if v.Material == h {
			r.destroyVariantLocked(vh)
		}
		return true
	})
	if p, ok := r.programs[h]; ok {
		r.destroyProgram(p)
		delete(r.programs, h)
	}
	delete(r.pending, h)
}

// UpdateDescriptors rebuilds the bind groups whose material bindings changed
// since they were built and returns how many were rebuilt. A second call
// without intervening edits rebuilds nothing.
func (r *Registry) UpdateDescriptors() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rebuilt := 0
	var errs []error
	r.variants.Each(func(_ Handle, v *Variant) bool {
		m, ok := r.materials.Material(v.Material)
		if !ok {
			return true
		}
		if r.bindingKeyOf(m) == v.bindingKey {
			return true
		}
		prog, err := r.programLocked(v.Material, m)
		if err == nil {
			err = r.rebindVariantLocked(v, m, prog)
		}
		if err != nil {
			errs = append(errs, err)
			return true
		}
		rebuilt++
		return true
	})
	return rebuilt, errors.Join(errs...)
}

// Destroy releases every variant, module and shared object.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.variants.Each(func(vh Handle, _ *Variant) bool {
		r.destroyVariantLocked(vh)
		return true
	})
	for h, p := range r.programs {
		r.destroyProgram(p)
		delete(r.programs, h)
	}
	if r.null != nil {
		r.null.Destroy(r.device)
	}
	if r.sampler != nil {
		r.device.DestroySampler(r.sampler)
	}
	if r.pipelineLayout != nil {
		r.device.DestroyPipelineLayout(r.pipelineLayout)
	}
	if r.materialLayout != nil {
		r.device.DestroyBindGroupLayout(r.materialLayout)
	}
	if r.frameLayout != nil {
		r.device.DestroyBindGroupLayout(r.frameLayout)
	}
}

// --- internals (r.mu held) ---

func (r *Registry) programLocked(h scene.Handle[scene.Material], m *scene.Material) (*program, error) {
	if p, ok := r.programs[h]; ok {
		return p, nil
	}
	p, err := r.compileProgram(m, false)
	if err != nil {
		return nil, err
	}
	r.programs[h] = p
	return p, nil
}

func (r *Registry) compileProgram(m *scene.Material, resave bool) (*program, error) {
	src := m.Source
	if src.WGSL == "" {
		src = DefaultSource()
	}
	module, err := r.compiler.Compile(m.Name, m.ID.String(), src, resave)
	if err != nil {
		return nil, err
	}
	params, err := r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: m.Name + "_params",
		Size:  ParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		r.device.DestroyShaderModule(module)
		return nil, fmt.Errorf("create params buffer: %w", err)
	}
	return &program{module: module, params: params}, nil
}

func (r *Registry) destroyProgram(p *program) {
	if p.params != nil {
		r.device.DestroyBuffer(p.params)
	}
	if p.module != nil {
		r.device.DestroyShaderModule(p.module)
	}
}

func (r *Registry) recompileLocked(h scene.Handle[scene.Material], m *scene.Material, resave bool) error {
	p, err := r.compileProgram(m, resave)
	if err != nil {
		return err
	}
	if old, ok := r.programs[h]; ok {
		r.destroyProgram(old)
	}
	r.programs[h] = p
	var errs []error
	r.variants.Each(func(_ Handle, v *Variant) bool {
		if v.Material != h {
			return true
		}
		if err := r.buildPipelineLocked(v, m, p); err != nil {
			errs = append(errs, err)
			return true
		}
		if err := r.rebindVariantLocked(v, m, p); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func (r *Registry) rebuildPipelinesLocked(h scene.Handle[scene.Material], m *scene.Material) error {
	p, err := r.programLocked(h, m)
	if err != nil {
		return err
	}
	var errs []error
	r.variants.Each(func(_ Handle, v *Variant) bool {
		if v.Material == h {
			if err := r.buildPipelineLocked(v, m, p); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	return errors.Join(errs...)
}

func (r *Registry) rebindLocked(h scene.Handle[scene.Material], m *scene.Material, force bool) error {
	p, err := r.programLocked(h, m)
	if err != nil {
		return err
	}
	var errs []error
	r.variants.Each(func(_ Handle, v *Variant) bool {
		if v.Material != h || (!force && r.bindingKeyOf(m) == v.bindingKey) {
			return true
		}
		if err := r.rebindVariantLocked(v, m, p); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func (r *Registry) rebindVariantLocked(v *Variant, m *scene.Material, p *program) error {
	old := v.BindGroup
	if err := r.buildBindGroupLocked(v, m, p); err != nil {
		return err
	}
	if old != nil {
		r.device.DestroyBindGroup(old)
	}
	return nil
}

func (r *Registry) buildPipelineLocked(v *Variant, m *scene.Material, p *program) error {
	target := r.targets[v.Kind]
	desc := &hal.RenderPipelineDescriptor{
		Label:  fmt.Sprintf("%s_%s_%s", m.Name, v.Kind, v.Owner),
		Layout: r.pipelineLayout,
		Vertex: hal.VertexState{
			Module:     p.module,
			EntryPoint: "vs_main",
			Buffers:    vertexLayout(),
		},
		Primitive: gputypes.PrimitiveState{
			Topology:  gputypes.PrimitiveTopologyTriangleList,
			FrontFace: gputypes.FrontFaceCCW,
			CullMode:  m.CullMode,
		},
		Multisample: gputypes.DefaultMultisampleState(),
	}
	if target.Depth != gputypes.TextureFormatUndefined {
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            target.Depth,
			DepthWriteEnabled: target.DepthWrite,
			DepthCompare:      target.DepthCompare,
			StencilFront:      hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways},
			StencilBack:       hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways},
		}
	}
	if target.FragmentEntry != "" {
		colors := make([]gputypes.ColorTargetState, len(target.Colors))
		for i, f := range target.Colors {
			colors[i] = gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
			if m.Blend && v.Kind == PassTranslucent {
				blend := gputypes.BlendStateAlpha()
				colors[i].Blend = &blend
			}
		}
		desc.Fragment = &hal.FragmentState{
			Module:     p.module,
			EntryPoint: target.FragmentEntry,
			Targets:    colors,
		}
	}

	pipeline, err := r.device.CreateRenderPipeline(desc)
	if err != nil {
		return fmt.Errorf("create %s pipeline: %w", v.Kind, err)
	}
	if v.Pipeline != nil {
		r.device.DestroyRenderPipeline(v.Pipeline)
	}
	v.Pipeline = pipeline
	r.stats.PipelineBuilds++
	return nil
}

func (r *Registry) buildBindGroupLocked(v *Variant, m *scene.Material, p *program) error {
	view := r.albedoView(m)
	group, err := r.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("%s_%s_bind", m.Name, v.Kind),
		Layout: r.materialLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: p.params.NativeHandle(), Size: ParamsSize}},
			{Binding: 1, Resource: gputypes.SamplerBinding{Sampler: r.sampler.NativeHandle()}},
			{Binding: 2, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}},
		},
	})
	if err != nil {
		return fmt.Errorf("create %s bind group: %w", v.Kind, err)
	}
	if err := r.queue.WriteBuffer(p.params, 0, encodeParams(m)); err != nil {
		r.device.DestroyBindGroup(group)
		return fmt.Errorf("write params: %w", err)
	}
	v.BindGroup = group
	v.bindingKey = r.bindingKeyOf(m)
	r.stats.BindGroupBuilds++
	return nil
}

// albedoView returns the material's first texture, or the null texture when
// it is missing.
func (r *Registry) albedoView(m *scene.Material) hal.TextureView {
	if len(m.Textures) > 0 && m.Textures[0].View != nil {
		return m.Textures[0].View
	}
	if len(m.Textures) > 0 {
		slogger().Warn("shader: missing texture, binding null texture",
			"material", m.Name, "texture", m.Textures[0].Name)
	}
	r.stats.NullBindings++
	return r.null.View
}

// bindingKeyOf hashes everything a material bind group is built from.
func (r *Registry) bindingKeyOf(m *scene.Material) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	for _, t := range m.Textures {
		_, _ = h.Write([]byte(t.Name))
		if t.View == nil {
			put(math.MaxUint64)
		} else {
			put(uint64(t.View.NativeHandle()))
		}
	}
	put(uint64(len(m.Textures)))
	for _, f := range m.Tint {
		put(uint64(math.Float32bits(f)))
	}
	put(uint64(m.HitGroup))
	return h.Sum64()
}

func encodeParams(m *scene.Material) []byte {
	b := make([]byte, ParamsSize)
	for i, f := range m.Tint {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(b[16:], m.HitGroup)
	var flags uint32
	if m.Group == scene.GroupTranslucent {
		flags |= 1
	}
	binary.LittleEndian.PutUint32(b[20:], flags)
	return b
}

func (r *Registry) destroyVariantLocked(vh Handle) {
	v, ok := r.variants.Get(vh)
	if !ok {
		return
	}
	if v.BindGroup != nil {
		r.device.DestroyBindGroup(v.BindGroup)
	}
	if v.Pipeline != nil {
		r.device.DestroyRenderPipeline(v.Pipeline)
	}
	delete(r.byKey, variantKey{owner: v.Owner, kind: v.Kind})
	r.variants.Remove(vh)
}

func vertexLayout() []gputypes.VertexBufferLayout {
	return []gputypes.VertexBufferLayout{{
		ArrayStride: vertexStride,
		StepMode:    gputypes.VertexStepModeVertex,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
			{Format: gputypes.VertexFormatFloat32x3, Offset: 12, ShaderLocation: 1},
			{Format: gputypes.VertexFormatFloat32x2, Offset: 24, ShaderLocation: 2},
		},
	}, {
		// Instance table: one object index per drawn instance.
		ArrayStride: 4,
		StepMode:    gputypes.VertexStepModeInstance,
		Attributes: []gputypes.VertexAttribute{
			{Format: gputypes.VertexFormatUint32, Offset: 0, ShaderLocation: 3},
		},
	}}
}
