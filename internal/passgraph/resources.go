// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/overlay"
	"github.com/gogpu/unheard/internal/scene"
)

const minDrawCapacity = 64

// batchFactor sizes the batch tables against the draw table. The geometry
// passes draw each opaque renderer at most three times and each translucent
// one once, so three regions per draw always suffice.
const batchFactor = 3

// groupKey identifies the resources a cached bind group was built from.
type groupKey struct {
	tlas       hal.Buffer
	args       hal.Buffer
	generation uint64
}

// slotResources are the per-frame-slot buffers and bind groups. A slot is
// only touched after its previous frame completed.
type slotResources struct {
	lighting      hal.Buffer
	lights        hal.Buffer
	lightsCap     int
	lightingGroup hal.BindGroup

	args     hal.Buffer
	bounds   hal.Buffer
	drawCap  int
	argsUsed bool

	// instances holds the object index of every draw record, followed by
	// the instances of the batched records in batchArgs.
	instances hal.Buffer
	batchArgs hal.Buffer
	batches   Batches

	rt     [3]hal.BindGroup
	rtKey  [3]groupKey
	occ    hal.BindGroup
	occKey groupKey
}

func (g *Graph) createSlot(i int) error {
	s := &g.slots[i]
	var err error
	s.lighting, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("lighting_%d", i),
		Size:  LightingSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create lighting buffer: %w", err)
	}
	return g.growLights(i, minLights)
}

// growLights replaces the light buffer of slot i with one holding n lights
// and rebuilds the slot's lighting group.
func (g *Graph) growLights(i, n int) error {
	s := &g.slots[i]
	if s.lightingGroup != nil {
		g.device.DestroyBindGroup(s.lightingGroup)
		s.lightingGroup = nil
	}
	if s.lights != nil {
		g.device.DestroyBuffer(s.lights)
		s.lights = nil
	}
	buf, err := g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("lights_%d", i),
		Size:  uint64(n * LightSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create light buffer: %w", err)
	}
	s.lights, s.lightsCap = buf, n
	s.lightingGroup, err = g.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("lighting_group_%d", i),
		Layout: g.fixed.lightingLayout,
		Entries: []gputypes.BindGroupEntry{
			bufferBinding(0, s.lighting, LightingSize),
			bufferBinding(1, s.lights, uint64(n*LightSize)), //nolint:gosec // positive
		},
	})
	if err != nil {
		return fmt.Errorf("create lighting group: %w", err)
	}
	return nil
}

func (g *Graph) destroySlot(s *slotResources) {
	for k := range s.rt {
		if s.rt[k] != nil {
			g.device.DestroyBindGroup(s.rt[k])
		}
	}
	if s.occ != nil {
		g.device.DestroyBindGroup(s.occ)
	}
	if s.lightingGroup != nil {
		g.device.DestroyBindGroup(s.lightingGroup)
	}
	for _, b := range []hal.Buffer{s.lighting, s.lights, s.args, s.bounds, s.instances, s.batchArgs} {
		if b != nil {
			g.device.DestroyBuffer(b)
		}
	}
	*s = slotResources{}
}

// writeDrawTables uploads one indirect argument record, one instance entry
// and one world-space bound per draw: opaque draws first, then translucent
// ones. Record i draws instance i, whose entry holds the object index; the
// bound carries the object index in its min.w bits.
func (g *Graph) writeDrawTables(s *slotResources, f *Frame) error {
	total := len(f.Opaque) + len(f.Translucent)
	s.argsUsed = total > 0
	s.batches.reset(nil, 0, 0, 0)
	if total == 0 {
		return nil
	}
	if total > s.drawCap {
		capacity := max(s.drawCap, minDrawCapacity)
		for capacity < total {
			capacity *= 2
		}
		if err := g.growDrawTables(s, f.Slot, capacity); err != nil {
			return err
		}
	}
	s.batches.reset(s.batchArgs, uint32(total), batchFactor*s.drawCap, batchFactor*s.drawCap) //nolint:gosec // bounded by draw table

	args := make([]byte, total*DrawArgsSize)
	instances := make([]byte, total*InstanceSize)
	bounds := make([]byte, total*DrawBoundsSize)
	put := func(i int, it *scene.DrawItem) {
		object := uint32(it.BufferDataIndex) //nolint:gosec // object indices are small
		a := args[i*DrawArgsSize:]
		if it.Mesh != nil {
			binary.LittleEndian.PutUint32(a[0:], it.Mesh.IndexCount())
		}
		binary.LittleEndian.PutUint32(a[4:], 1)
		binary.LittleEndian.PutUint32(a[16:], uint32(i)) //nolint:gosec // bounded by draw table
		binary.LittleEndian.PutUint32(instances[i*InstanceSize:], object)

		out := bounds[i*DrawBoundsSize:]
		binary.LittleEndian.PutUint32(out[12:], object)
		if it.Mesh == nil {
			return
		}
		b := it.Mesh.Bounds.Transform(it.World)
		for k := range 3 {
			binary.LittleEndian.PutUint32(out[k*4:], math.Float32bits(b.Min[k]))
			binary.LittleEndian.PutUint32(out[16+k*4:], math.Float32bits(b.Max[k]))
		}
	}
	for i := range f.Opaque {
		put(i, &f.Opaque[i])
	}
	for j := range f.Translucent {
		put(len(f.Opaque)+j, &f.Translucent[j])
	}
	if err := g.queue.WriteBuffer(s.args, 0, args); err != nil {
		return fmt.Errorf("write draw args: %w", err)
	}
	if err := g.queue.WriteBuffer(s.instances, 0, instances); err != nil {
		return fmt.Errorf("write instance table: %w", err)
	}
	if err := g.queue.WriteBuffer(s.bounds, 0, bounds); err != nil {
		return fmt.Errorf("write draw bounds: %w", err)
	}
	return nil
}

// uploadBatches writes the records and instances staged by the draw
// strategy. Queue writes land before the frame's command buffer runs.
func (g *Graph) uploadBatches(s *slotResources) error {
	b := &s.batches
	if b.Len() == 0 {
		return nil
	}
	inst := make([]byte, len(b.instances)*InstanceSize)
	for i, o := range b.instances {
		binary.LittleEndian.PutUint32(inst[i*InstanceSize:], o)
	}
	if err := g.queue.WriteBuffer(s.instances, uint64(b.base)*InstanceSize, inst); err != nil {
		return fmt.Errorf("write batch instances: %w", err)
	}
	if err := g.queue.WriteBuffer(s.batchArgs, 0, b.records); err != nil {
		return fmt.Errorf("write batch args: %w", err)
	}
	return nil
}

func (g *Graph) growDrawTables(s *slotResources, slot, capacity int) error {
	for _, b := range []hal.Buffer{s.args, s.bounds, s.instances, s.batchArgs} {
		if b != nil {
			g.device.DestroyBuffer(b)
		}
	}
	s.args, s.bounds, s.instances, s.batchArgs, s.drawCap = nil, nil, nil, nil, 0
	var err error
	s.args, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("draw_args_%d", slot),
		Size:  uint64(capacity * DrawArgsSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageIndirect | gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create draw args: %w", err)
	}
	s.bounds, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("draw_bounds_%d", slot),
		Size:  uint64(capacity * DrawBoundsSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create draw bounds: %w", err)
	}
	s.instances, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("draw_instances_%d", slot),
		Size:  uint64((1 + batchFactor) * capacity * InstanceSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create instance table: %w", err)
	}
	s.batchArgs, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("batch_args_%d", slot),
		Size:  uint64(batchFactor * capacity * DrawArgsSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageIndirect | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create batch args: %w", err)
	}
	s.drawCap = capacity
	return nil
}

// writeLighting uploads the lighting block and the light list of the slot.
func (g *Graph) writeLighting(r *recorder) error {
	f, s := r.f, r.slot
	if len(f.Lights) > s.lightsCap {
		capacity := s.lightsCap
		for capacity < len(f.Lights) {
			capacity *= 2
		}
		if err := g.growLights(f.Slot, capacity); err != nil {
			return err
		}
	}
	if len(f.Lights) > 0 {
		if err := g.queue.WriteBuffer(s.lights, 0, encodeLights(f.Lights)); err != nil {
			return fmt.Errorf("write lights: %w", err)
		}
	}

	debug := g.debugView.Load()
	var hudW, hudH uint32
	if debug != 0 {
		hudW, hudH = HUDWidth, HUDHeight
	}
	block := lightingBlock{
		invViewProj: f.Camera.ViewProj().Inv(),
		zenith:      g.sky[0],
		horizon:     g.sky[1],
		lights:      uint32(len(f.Lights)), //nolint:gosec // bounded by buffer size
		debugView:   debug,
		instances:   uint32(r.stats.TLASInstances), //nolint:gosec // bounded by TLAS capacity
		draws:       uint32(len(f.Opaque)),         //nolint:gosec // bounded by draw table
		hudWidth:    hudW,
		hudHeight:   hudH,
	}
	if r.rtActive {
		block.rayTraced = 1
	}
	if err := g.queue.WriteBuffer(s.lighting, 0, block.encode()); err != nil {
		return fmt.Errorf("write lighting: %w", err)
	}
	return nil
}

type lightingBlock struct {
	invViewProj     [16]float32
	zenith, horizon [3]float32

	lights, rayTraced, debugView, instances, draws uint32
	hudWidth, hudHeight                            uint32
}

func (b *lightingBlock) encode() []byte {
	out := make([]byte, LightingSize)
	le := binary.LittleEndian
	for i, v := range b.invViewProj {
		le.PutUint32(out[i*4:], math.Float32bits(v))
	}
	for i := range 3 {
		le.PutUint32(out[64+i*4:], math.Float32bits(b.zenith[i]))
		le.PutUint32(out[80+i*4:], math.Float32bits(b.horizon[i]))
	}
	le.PutUint32(out[76:], math.Float32bits(1))
	le.PutUint32(out[92:], math.Float32bits(1))
	for i, v := range []uint32{b.lights, b.rayTraced, b.debugView, b.instances, b.draws, b.hudWidth, b.hudHeight} {
		le.PutUint32(out[96+i*4:], v)
	}
	return out
}

func encodeLights(lights []scene.Light) []byte {
	out := make([]byte, len(lights)*LightSize)
	le := binary.LittleEndian
	for i, l := range lights {
		rec := out[i*LightSize:]
		words := [12]float32{
			l.Position[0], l.Position[1], l.Position[2], float32(l.Kind),
			l.Direction[0], l.Direction[1], l.Direction[2], l.Range,
			l.Color[0], l.Color[1], l.Color[2], l.Intensity,
		}
		for k, w := range words {
			le.PutUint32(rec[k*4:], math.Float32bits(w))
		}
	}
	return out
}

func (g *Graph) createHUD() error {
	tex, err := g.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "hud",
		Size:          hal.Extent3D{Width: HUDWidth, Height: HUDHeight, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create hud texture: %w", err)
	}
	view, err := g.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           "hud_view",
		Format:          gputypes.TextureFormatRGBA8Unorm,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		g.device.DestroyTexture(tex)
		return fmt.Errorf("create hud view: %w", err)
	}
	g.hud, g.hudView = tex, view
	return nil
}

// updateHUD redraws the debug view label when the selection changed.
func (g *Graph) updateHUD() error {
	if !g.hudDirty.Load() {
		return nil
	}
	name := DebugViews[g.debugView.Load()]
	img, err := overlay.Label("view: "+name, HUDWidth, HUDHeight)
	if err != nil {
		return err
	}
	err = g.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: g.hud, Aspect: gputypes.TextureAspectAll},
		img.Pix,
		&hal.ImageDataLayout{BytesPerRow: uint32(img.Stride), RowsPerImage: HUDHeight}, //nolint:gosec // fixed size
		&hal.Extent3D{Width: HUDWidth, Height: HUDHeight, DepthOrArrayLayers: 1},
	)
	if err != nil {
		return fmt.Errorf("upload hud: %w", err)
	}
	g.hudDirty.Store(false)
	return nil
}

// inputsGroups returns the fullscreen input groups of the light, post and
// blit passes, rebuilding them after a resize.
func (g *Graph) inputsGroups() ([3]hal.BindGroup, error) {
	gen := g.targets.Generation()
	if g.inputs[0] != nil && g.inputsGen == gen {
		return g.inputs, nil
	}
	g.destroyInputs()

	null := g.registry.Null().View
	t := g.targets
	all := [inputCount]hal.TextureView{
		inAlbedo:     t.View(TargetAlbedo),
		inNormal:     t.View(TargetNormal),
		inSurface:    t.View(TargetSurface),
		inDepth:      t.View(TargetDepth),
		inShadow:     t.View(TargetShadow),
		inReflection: t.View(TargetReflection),
		inIndirect:   t.View(TargetIndirect),
		inScene:      t.View(TargetSceneColor),
		inMotion:     t.View(TargetMotion),
		inHUD:        g.hudView,
	}
	light := all
	// The light and sky passes render into scene color.
	light[inReflection], light[inIndirect], light[inScene], light[inMotion] = null, null, null, null
	blit := [inputCount]hal.TextureView{}
	for i := range blit {
		blit[i] = null
	}
	blit[inDepth] = all[inDepth]
	blit[inScene] = t.View(TargetPost)

	sets := [3]struct {
		label string
		views [inputCount]hal.TextureView
	}{{"light_inputs", light}, {"post_inputs", all}, {"blit_inputs", blit}}
	for i, set := range sets {
		entries := make([]gputypes.BindGroupEntry, inputCount)
		for b, v := range set.views {
			entries[b] = textureBinding(uint32(b), v) //nolint:gosec // small constant
		}
		group, err := g.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   set.label,
			Layout:  g.fixed.inputsLayout,
			Entries: entries,
		})
		if err != nil {
			g.destroyInputs()
			return g.inputs, fmt.Errorf("create %s: %w", set.label, err)
		}
		g.inputs[i] = group
	}
	g.inputsGen = gen
	return g.inputs, nil
}

func (g *Graph) destroyInputs() {
	for i, group := range g.inputs {
		if group != nil {
			g.device.DestroyBindGroup(group)
			g.inputs[i] = nil
		}
	}
}

// rtOutputs are the storage targets of the ray-traced screen passes.
var rtOutputs = [3]TargetID{TargetShadow, TargetReflection, TargetIndirect}

// rtGroup returns the bind group of ray pass k for the slot's current TLAS.
func (g *Graph) rtGroup(s *slotResources, slot, k int) (hal.BindGroup, error) {
	tlas := g.accel.TLAS(slot)
	if tlas == nil {
		return nil, fmt.Errorf("no TLAS for slot %d", slot)
	}
	key := groupKey{tlas: tlas.Buffer, generation: g.targets.Generation()}
	if s.rt[k] != nil && s.rtKey[k] == key {
		return s.rt[k], nil
	}
	if s.rt[k] != nil {
		g.device.DestroyBindGroup(s.rt[k])
		s.rt[k] = nil
	}
	t := g.targets
	group, err := g.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("%s_group_%d", rtOutputs[k], slot),
		Layout: g.fixed.rtLayout,
		Entries: []gputypes.BindGroupEntry{
			bufferBinding(0, tlas.Buffer, 0),
			textureBinding(1, t.View(TargetDepth)),
			textureBinding(2, t.View(TargetNormal)),
			textureBinding(3, t.View(TargetSurface)),
			textureBinding(4, t.View(rtOutputs[k])),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s group: %w", rtOutputs[k], err)
	}
	s.rt[k], s.rtKey[k] = group, key
	return group, nil
}

// occlusionGroup returns the bind group of the occlusion test.
func (g *Graph) occlusionGroup(s *slotResources, slot int) (hal.BindGroup, error) {
	tlas := g.accel.TLAS(slot)
	if tlas == nil {
		return nil, fmt.Errorf("no TLAS for slot %d", slot)
	}
	key := groupKey{tlas: tlas.Buffer, args: s.args}
	if s.occ != nil && s.occKey == key {
		return s.occ, nil
	}
	if s.occ != nil {
		g.device.DestroyBindGroup(s.occ)
		s.occ = nil
	}
	group, err := g.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("occlusion_group_%d", slot),
		Layout: g.fixed.occlusionLayout,
		Entries: []gputypes.BindGroupEntry{
			bufferBinding(0, tlas.Buffer, 0),
			bufferBinding(1, s.args, 0),
			bufferBinding(2, s.bounds, 0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create occlusion group: %w", err)
	}
	s.occ, s.occKey = group, key
	return group, nil
}
