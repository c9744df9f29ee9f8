// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	_ "embed"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

//go:embed shaders/fullscreen.wgsl
var fullscreenWGSL string

//go:embed shaders/tlas.wgsl
var tlasWGSL string

//go:embed shaders/raytrace.wgsl
var raytraceWGSL string

//go:embed shaders/occlusion.wgsl
var occlusionWGSL string

// Byte sizes of the fixed uniform and storage records.
const (
	LightingSize   = 128
	LightSize      = 48
	DrawBoundsSize = 32

	minLights = 16
)

// inputs binding slots of the fullscreen passes.
const (
	inAlbedo = iota
	inNormal
	inSurface
	inDepth
	inShadow
	inReflection
	inIndirect
	inScene
	inMotion
	inHUD

	inputCount
)

// fixedPipelines owns everything the non-material passes need.
type fixedPipelines struct {
	device hal.Device

	lightingLayout  hal.BindGroupLayout
	inputsLayout    hal.BindGroupLayout
	rtLayout        hal.BindGroupLayout
	occlusionLayout hal.BindGroupLayout

	fullscreenPipelineLayout hal.PipelineLayout
	rtPipelineLayout         hal.PipelineLayout
	occlusionPipelineLayout  hal.PipelineLayout

	fullscreenModule hal.ShaderModule
	raytraceModule   hal.ShaderModule
	occlusionModule  hal.ShaderModule

	light hal.RenderPipeline
	sky   hal.RenderPipeline
	post  hal.RenderPipeline
	blit  hal.RenderPipeline

	shadow     hal.ComputePipeline
	reflection hal.ComputePipeline
	indirect   hal.ComputePipeline
	occlusion  hal.ComputePipeline
}

func textureEntry(binding uint32, sample gputypes.TextureSampleType, vis gputypes.ShaderStages) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: vis,
		Texture: &gputypes.TextureBindingLayout{
			SampleType:    sample,
			ViewDimension: gputypes.TextureViewDimension2D,
		},
	}
}

func storageEntry(binding uint32, kind gputypes.BufferBindingType) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: kind},
	}
}

func newFixedPipelines(device hal.Device, compiler *shader.Compiler, frameLayout hal.BindGroupLayout, surfaceFormat gputypes.TextureFormat, rayTracing, occlusion bool) (*fixedPipelines, error) {
	f := &fixedPipelines{device: device}
	if err := f.createLayouts(frameLayout); err != nil {
		f.destroy()
		return nil, err
	}
	if err := f.createFullscreen(compiler, surfaceFormat); err != nil {
		f.destroy()
		return nil, err
	}
	if rayTracing {
		if err := f.createRayTracing(compiler, occlusion); err != nil {
			f.destroy()
			return nil, err
		}
	}
	return f, nil
}

func (f *fixedPipelines) createLayouts(frameLayout hal.BindGroupLayout) error {
	var err error
	f.lightingLayout, err = f.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "lighting_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment | gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform, MinBindingSize: LightingSize},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageFragment | gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create lighting layout: %w", err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, inputCount)
	for i := range entries {
		sample := gputypes.TextureSampleTypeUnfilterableFloat
		if i == inDepth {
			sample = gputypes.TextureSampleTypeDepth
		}
		entries[i] = textureEntry(uint32(i), sample, gputypes.ShaderStageFragment) //nolint:gosec // small constant
	}
	f.inputsLayout, err = f.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "fullscreen_inputs_layout",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create inputs layout: %w", err)
	}

	f.rtLayout, err = f.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "raytrace_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			storageEntry(0, gputypes.BufferBindingTypeReadOnlyStorage),
			textureEntry(1, gputypes.TextureSampleTypeDepth, gputypes.ShaderStageCompute),
			textureEntry(2, gputypes.TextureSampleTypeUnfilterableFloat, gputypes.ShaderStageCompute),
			textureEntry(3, gputypes.TextureSampleTypeUnfilterableFloat, gputypes.ShaderStageCompute),
			{
				Binding:    4,
				Visibility: gputypes.ShaderStageCompute,
				StorageTexture: &gputypes.StorageTextureBindingLayout{
					Access:        gputypes.StorageTextureAccessWriteOnly,
					Format:        HDRFormat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create raytrace layout: %w", err)
	}

	f.occlusionLayout, err = f.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "occlusion_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			storageEntry(0, gputypes.BufferBindingTypeReadOnlyStorage),
			storageEntry(1, gputypes.BufferBindingTypeStorage),
			storageEntry(2, gputypes.BufferBindingTypeReadOnlyStorage),
		},
	})
	if err != nil {
		return fmt.Errorf("create occlusion layout: %w", err)
	}

	layouts := []struct {
		dst   *hal.PipelineLayout
		label string
		group hal.BindGroupLayout
	}{
		{&f.fullscreenPipelineLayout, "fullscreen_pipeline_layout", f.inputsLayout},
		{&f.rtPipelineLayout, "raytrace_pipeline_layout", f.rtLayout},
		{&f.occlusionPipelineLayout, "occlusion_pipeline_layout", f.occlusionLayout},
	}
	for _, l := range layouts {
		*l.dst, err = f.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            l.label,
			BindGroupLayouts: []hal.BindGroupLayout{frameLayout, f.lightingLayout, l.group},
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", l.label, err)
		}
	}
	return nil
}

func (f *fixedPipelines) createFullscreen(compiler *shader.Compiler, surfaceFormat gputypes.TextureFormat) error {
	var err error
	f.fullscreenModule, err = compiler.Compile("fullscreen", "passgraph_fullscreen", scene.ShaderSource{WGSL: fullscreenWGSL}, false)
	if err != nil {
		return fmt.Errorf("compile fullscreen shaders: %w", err)
	}
	specs := []struct {
		dst    *hal.RenderPipeline
		entry  string
		format gputypes.TextureFormat
		depth  bool
	}{
		{&f.light, "fs_light", HDRFormat, false},
		{&f.sky, "fs_sky", HDRFormat, true},
		{&f.post, "fs_post", PostFormat, false},
		{&f.blit, "fs_blit", surfaceFormat, false},
	}
	for _, s := range specs {
		desc := &hal.RenderPipelineDescriptor{
			Label:  s.entry,
			Layout: f.fullscreenPipelineLayout,
			Vertex: hal.VertexState{Module: f.fullscreenModule, EntryPoint: "vs_fullscreen"},
			Primitive: gputypes.PrimitiveState{
				Topology:  gputypes.PrimitiveTopologyTriangleList,
				FrontFace: gputypes.FrontFaceCCW,
				CullMode:  gputypes.CullModeNone,
			},
			Multisample: gputypes.DefaultMultisampleState(),
			Fragment: &hal.FragmentState{
				Module:     f.fullscreenModule,
				EntryPoint: s.entry,
				Targets:    []gputypes.ColorTargetState{{Format: s.format, WriteMask: gputypes.ColorWriteMaskAll}},
			},
		}
		if s.depth {
			// The sky covers only pixels no geometry wrote.
			desc.DepthStencil = &hal.DepthStencilState{
				Format:       DepthFormat,
				DepthCompare: gputypes.CompareFunctionLessEqual,
				StencilFront: hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways},
				StencilBack:  hal.StencilFaceState{Compare: gputypes.CompareFunctionAlways},
			}
		}
		if *s.dst, err = f.device.CreateRenderPipeline(desc); err != nil {
			return fmt.Errorf("create %s pipeline: %w", s.entry, err)
		}
	}
	return nil
}

func (f *fixedPipelines) createRayTracing(compiler *shader.Compiler, occlusion bool) error {
	var err error
	f.raytraceModule, err = compiler.Compile("raytrace", "passgraph_raytrace", scene.ShaderSource{WGSL: tlasWGSL + raytraceWGSL}, false)
	if err != nil {
		return fmt.Errorf("compile raytrace shaders: %w", err)
	}
	specs := []struct {
		dst   *hal.ComputePipeline
		entry string
	}{
		{&f.shadow, "cs_shadow"},
		{&f.reflection, "cs_reflection"},
		{&f.indirect, "cs_indirect"},
	}
	for _, s := range specs {
		*s.dst, err = f.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   s.entry,
			Layout:  f.rtPipelineLayout,
			Compute: hal.ComputeState{Module: f.raytraceModule, EntryPoint: s.entry},
		})
		if err != nil {
			return fmt.Errorf("create %s pipeline: %w", s.entry, err)
		}
	}
	if !occlusion {
		return nil
	}

	f.occlusionModule, err = compiler.Compile("occlusion", "passgraph_occlusion", scene.ShaderSource{WGSL: tlasWGSL + occlusionWGSL}, false)
	if err != nil {
		return fmt.Errorf("compile occlusion shader: %w", err)
	}
	f.occlusion, err = f.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "cs_occlusion",
		Layout:  f.occlusionPipelineLayout,
		Compute: hal.ComputeState{Module: f.occlusionModule, EntryPoint: "cs_occlusion"},
	})
	if err != nil {
		return fmt.Errorf("create occlusion pipeline: %w", err)
	}
	return nil
}

func (f *fixedPipelines) destroy() {
	d := f.device
	for _, p := range []hal.RenderPipeline{f.light, f.sky, f.post, f.blit} {
		if p != nil {
			d.DestroyRenderPipeline(p)
		}
	}
	for _, p := range []hal.ComputePipeline{f.shadow, f.reflection, f.indirect, f.occlusion} {
		if p != nil {
			d.DestroyComputePipeline(p)
		}
	}
	for _, m := range []hal.ShaderModule{f.fullscreenModule, f.raytraceModule, f.occlusionModule} {
		if m != nil {
			d.DestroyShaderModule(m)
		}
	}
	for _, l := range []hal.PipelineLayout{f.fullscreenPipelineLayout, f.rtPipelineLayout, f.occlusionPipelineLayout} {
		if l != nil {
			d.DestroyPipelineLayout(l)
		}
	}
	for _, l := range []hal.BindGroupLayout{f.lightingLayout, f.inputsLayout, f.rtLayout, f.occlusionLayout} {
		if l != nil {
			d.DestroyBindGroupLayout(l)
		}
	}
	*f = fixedPipelines{device: d}
}

// textureBinding builds a bind group entry for a texture view.
func textureBinding(binding uint32, view hal.TextureView) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{Binding: binding, Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()}}
}

// bufferBinding builds a bind group entry covering size bytes of buf.
func bufferBinding(binding uint32, buf hal.Buffer, size uint64) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{Binding: binding, Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Size: size}}
}
