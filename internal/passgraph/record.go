// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"errors"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/accel"
	"github.com/gogpu/unheard/internal/barrier"
	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

// recorder holds the state of one Record call.
type recorder struct {
	g     *Graph
	f     *Frame
	slot  *slotResources
	stats Stats

	rtActive bool
	occluded bool

	backbuffer       barrier.Image
	backbufferLayout barrier.Layout
	backbufferSet    bool
}

// buildTLAS refreshes the slot's TLAS from every drawn renderer whose BLAS
// is ready. An empty or unavailable TLAS leaves the ray passes inactive.
func (r *recorder) buildTLAS() error {
	g, f := r.g, r.f
	instances := make([]accel.Instance, 0, len(f.Opaque)+len(f.Translucent))
	pending := 0
	add := func(items []scene.DrawItem) {
		for i := range items {
			it := &items[i]
			if it.Mesh == nil || it.Material == nil {
				continue
			}
			if !g.accel.Ready(it.Mesh.ID) {
				pending++
				continue
			}
			instances = append(instances, accel.Instance{
				Mesh:      it.Mesh,
				Transform: it.World,
				ID:        uint32(it.BufferDataIndex), //nolint:gosec // object indices are small
				HitGroup:  it.Material.HitGroup,
				Mask:      0xFF,
			})
		}
	}
	add(f.Opaque)
	add(f.Translucent)
	if pending > 0 {
		slogger().Debug("passgraph: instances wait for BLAS builds", "pending", pending, "frame", f.Index)
	}

	err := g.accel.UpdateTLAS(f.Encoder, f.Slot, instances)
	switch {
	case errors.Is(err, accel.ErrBLASPending), errors.Is(err, accel.ErrUnknownBLAS):
		slogger().Debug("passgraph: TLAS unavailable, ray passes skipped", "err", err)
		r.stats.Passes = append(r.stats.Passes, PassRecord{ID: PassBuildTLAS})
		return nil
	case err != nil:
		return err
	}
	r.stats.TLASInstances = g.accel.InstanceCount(f.Slot)
	r.rtActive = r.stats.TLASInstances > 0
	r.stats.RayTraced = r.rtActive
	r.stats.Passes = append(r.stats.Passes, PassRecord{ID: PassBuildTLAS, Ran: true})
	return nil
}

// prepareArgs moves the draw table out of its upload state, to storage when
// the occlusion test will rewrite it and to indirect otherwise.
func (r *recorder) prepareArgs() {
	if !r.slot.argsUsed {
		return
	}
	next := gputypes.BufferUsageIndirect
	if r.occlusionWillRun() {
		next = gputypes.BufferUsageStorage
	}
	barriers := []hal.BufferBarrier{{
		Buffer: r.slot.args,
		Usage:  hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageCopyDst, NewUsage: next},
	}}
	if r.g.batched {
		barriers = append(barriers, hal.BufferBarrier{
			Buffer: r.slot.batchArgs,
			Usage:  hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageCopyDst, NewUsage: gputypes.BufferUsageIndirect},
		})
	}
	r.f.Encoder.TransitionBuffers(barriers)
}

func (r *recorder) occlusionWillRun() bool {
	return r.g.occlusion && r.rtActive && len(r.f.Opaque) > 0
}

func (r *recorder) image(t TargetID) (barrier.Image, barrier.Layout) {
	if t == TargetBackbuffer {
		if !r.backbufferSet {
			r.backbuffer = barrier.NewImage(r.f.Backbuffer, TargetBackbuffer.String(), gputypes.TextureAspectAll, 1, 1)
			r.backbufferLayout = barrier.Undefined
			r.backbufferSet = true
		}
		return r.backbuffer, r.backbufferLayout
	}
	return r.g.targets.Image(t), r.g.layouts[t]
}

func (r *recorder) setLayout(t TargetID, l barrier.Layout) {
	if t == TargetBackbuffer {
		r.backbufferLayout = l
		return
	}
	r.g.layouts[t] = l
}

// transition moves every listed attachment into its entry (or exit)
// layout, batching targets that share the same old and new layout.
func (r *recorder) transition(atts []Attachment, exit bool) error {
	type batch struct {
		from, to barrier.Layout
		targets  []TargetID
		images   []barrier.Image
	}
	var batches []batch
	for _, a := range atts {
		want := a.Entry
		if exit {
			want = a.Exit
		}
		img, cur := r.image(a.Target)
		if cur == want {
			continue
		}
		found := false
		for i := range batches {
			if batches[i].from == cur && batches[i].to == want {
				batches[i].images = append(batches[i].images, img)
				batches[i].targets = append(batches[i].targets, a.Target)
				found = true
				break
			}
		}
		if !found {
			batches = append(batches, batch{from: cur, to: want, targets: []TargetID{a.Target}, images: []barrier.Image{img}})
		}
	}
	for _, b := range batches {
		if err := r.g.tracker.TransitionBatch(r.f.Encoder, b.images, b.from, b.to, barrier.Whole); err != nil {
			return err
		}
		for _, t := range b.targets {
			r.setLayout(t, b.to)
		}
	}
	return nil
}

// run records one pass between its entry and exit transitions.
func (r *recorder) run(d *Descriptor) error {
	name := d.ID.String()
	r.g.profiler.BeginScope(name)
	defer r.g.profiler.EndScope(name)

	if err := r.transition(d.Attachments, false); err != nil {
		return err
	}
	ds, err := r.execute(d.ID)
	if err != nil {
		return err
	}
	if err := r.transition(d.Attachments, true); err != nil {
		return err
	}
	if d.ID == PassPresentBlit {
		r.g.tracker.Forget(r.backbuffer)
	}
	r.stats.Passes = append(r.stats.Passes, PassRecord{ID: d.ID, Ran: true, Draws: ds})
	r.stats.Draws.Draws += ds.Draws
	r.stats.Draws.Instances += ds.Instances
	r.stats.Draws.Predicated += ds.Predicated
	r.stats.Draws.Skipped += ds.Skipped
	r.stats.Draws.Elided += ds.Elided
	r.stats.Draws.Threads = max(r.stats.Draws.Threads, ds.Threads)
	r.g.profiler.SetCount(name, ds.Draws)
	return nil
}

func (r *recorder) execute(id PassID) (DrawStats, error) {
	t := r.g.targets
	nOpaque := len(r.f.Opaque)
	switch id {
	case PassRayOcclusion:
		return DrawStats{}, r.occlusionTest()

	case PassDepth:
		return r.geometry(shader.PassDepth, r.f.Opaque, 0, r.occluded, &hal.RenderPassDescriptor{
			Label: id.String(),
			DepthStencilAttachment: &hal.RenderPassDepthStencilAttachment{
				View:            t.View(TargetDepth),
				DepthLoadOp:     gputypes.LoadOpClear,
				DepthStoreOp:    gputypes.StoreOpStore,
				DepthClearValue: 1,
			},
		})

	case PassBase:
		return r.geometry(shader.PassBase, r.f.Opaque, 0, r.occluded, &hal.RenderPassDescriptor{
			Label: id.String(),
			ColorAttachments: []hal.RenderPassColorAttachment{
				clearColor(t.View(TargetAlbedo), gputypes.Color{}),
				clearColor(t.View(TargetNormal), gputypes.Color{}),
				clearColor(t.View(TargetSurface), gputypes.Color{}),
			},
			DepthStencilAttachment: readOnlyDepth(t.View(TargetDepth)),
		})

	case PassRayShadow:
		return DrawStats{}, r.trace(id.String(), r.g.fixed.shadow, 0)
	case PassRayReflection:
		return DrawStats{}, r.trace(id.String(), r.g.fixed.reflection, 1)
	case PassRayIndirect:
		return DrawStats{}, r.trace(id.String(), r.g.fixed.indirect, 2)

	case PassLight:
		return DrawStats{}, r.fullscreen(id.String(), r.g.fixed.light, 0, clearColor(t.View(TargetSceneColor), gputypes.Color{A: 1}), nil)

	case PassSky:
		return DrawStats{}, r.fullscreen(id.String(), r.g.fixed.sky, 0, loadColor(t.View(TargetSceneColor)), readOnlyDepth(t.View(TargetDepth)))

	case PassTranslucent:
		return r.geometry(shader.PassTranslucent, r.f.Translucent, nOpaque, false, &hal.RenderPassDescriptor{
			Label:                  id.String(),
			ColorAttachments:       []hal.RenderPassColorAttachment{loadColor(t.View(TargetSceneColor))},
			DepthStencilAttachment: readOnlyDepth(t.View(TargetDepth)),
		})

	case PassMotion:
		return r.motion(&hal.RenderPassDescriptor{
			Label:                  id.String(),
			ColorAttachments:       []hal.RenderPassColorAttachment{clearColor(t.View(TargetMotion), gputypes.Color{})},
			DepthStencilAttachment: readOnlyDepth(t.View(TargetDepth)),
		})

	case PassPost:
		return DrawStats{}, r.fullscreen(id.String(), r.g.fixed.post, 1, clearColor(t.View(TargetPost), gputypes.Color{A: 1}), nil)

	case PassPresentBlit:
		return DrawStats{}, r.fullscreen(id.String(), r.g.fixed.blit, 2, clearColor(r.f.BackbufferView, gputypes.Color{A: 1}), nil)
	}
	return DrawStats{}, nil
}

func clearColor(view hal.TextureView, c gputypes.Color) hal.RenderPassColorAttachment {
	return hal.RenderPassColorAttachment{View: view, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore, ClearValue: c}
}

func loadColor(view hal.TextureView) hal.RenderPassColorAttachment {
	return hal.RenderPassColorAttachment{View: view, LoadOp: gputypes.LoadOpLoad, StoreOp: gputypes.StoreOpStore}
}

func readOnlyDepth(view hal.TextureView) *hal.RenderPassDepthStencilAttachment {
	return &hal.RenderPassDepthStencilAttachment{View: view, DepthReadOnly: true, StencilReadOnly: true}
}

// geometry records a material pass through the draw strategy. Items are
// assigned consecutive draw-table records starting at argBase; record i
// draws instance i of the instance table.
func (r *recorder) geometry(kind shader.PassKind, items []scene.DrawItem, argBase int, predicated bool, desc *hal.RenderPassDescriptor) (DrawStats, error) {
	slots := make([]uint32, len(items))
	for i := range slots {
		slots[i] = uint32(argBase + i) //nolint:gosec // bounded by draw table
	}
	return r.draw(kind, items, slots, predicated, desc)
}

// motion draws only the opaque renderers whose transform changed since the
// previous frame; the rest keep a zero motion vector from the clear.
func (r *recorder) motion(desc *hal.RenderPassDescriptor) (DrawStats, error) {
	items := make([]scene.DrawItem, 0, len(r.f.Opaque))
	slots := make([]uint32, 0, len(r.f.Opaque))
	for i := range r.f.Opaque {
		if r.f.Opaque[i].MotionDirty {
			items = append(items, r.f.Opaque[i])
			slots = append(slots, uint32(i)) //nolint:gosec // bounded by draw table
		}
	}
	return r.draw(shader.PassMotion, items, slots, r.occluded, desc)
}

func (r *recorder) draw(kind shader.PassKind, items []scene.DrawItem, slots []uint32, predicated bool, desc *hal.RenderPassDescriptor) (DrawStats, error) {
	req := &DrawRequest{
		Kind:       kind,
		Slot:       r.f.Slot,
		Items:      items,
		FrameGroup: r.f.FrameGroup,
		ArgSlots:   slots,
		Predicated: predicated,
	}
	pass := r.f.Encoder.BeginRenderPass(desc)
	if r.slot.argsUsed {
		req.Args = r.slot.args
		if r.g.batched {
			req.Batches = &r.slot.batches
		}
		pass.SetVertexBuffer(InstanceBinding, r.slot.instances, 0)
	}
	ds, err := r.g.strategy.Record(pass, req)
	pass.End()
	return ds, err
}

// fullscreen draws one screen-covering triangle with the given pipeline and
// input group (0 light, 1 post, 2 blit).
func (r *recorder) fullscreen(label string, pipeline hal.RenderPipeline, inputs int, color hal.RenderPassColorAttachment, depth *hal.RenderPassDepthStencilAttachment) error {
	groups, err := r.g.inputsGroups()
	if err != nil {
		return err
	}
	pass := r.f.Encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:                  label,
		ColorAttachments:       []hal.RenderPassColorAttachment{color},
		DepthStencilAttachment: depth,
	})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, r.f.FrameGroup, nil)
	pass.SetBindGroup(1, r.slot.lightingGroup, nil)
	pass.SetBindGroup(2, groups[inputs], nil)
	pass.Draw(3, 1, 0, 0)
	pass.End()
	return nil
}

// trace dispatches ray pass k over the whole render resolution.
func (r *recorder) trace(label string, pipeline hal.ComputePipeline, k int) error {
	group, err := r.g.rtGroup(r.slot, r.f.Slot, k)
	if err != nil {
		return err
	}
	w, h := r.g.targets.Size()
	pass := r.f.Encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, r.f.FrameGroup, nil)
	pass.SetBindGroup(1, r.slot.lightingGroup, nil)
	pass.SetBindGroup(2, group, nil)
	pass.Dispatch((w+7)/8, (h+7)/8, 1)
	pass.End()
	return nil
}

// occlusionTest rewrites the instance counts of the opaque draw records.
// Draws of the geometry passes that follow are predicated on them.
func (r *recorder) occlusionTest() error {
	n := len(r.f.Opaque)
	if n == 0 || !r.slot.argsUsed {
		return nil
	}
	group, err := r.g.occlusionGroup(r.slot, r.f.Slot)
	if err != nil {
		return err
	}
	enc := r.f.Encoder
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: PassRayOcclusion.String()})
	pass.SetPipeline(r.g.fixed.occlusion)
	pass.SetBindGroup(0, r.f.FrameGroup, nil)
	pass.SetBindGroup(1, r.slot.lightingGroup, nil)
	pass.SetBindGroup(2, group, nil)
	pass.Dispatch(uint32((n+63)/64), 1, 1) //nolint:gosec // bounded by draw table
	pass.End()
	enc.TransitionBuffers([]hal.BufferBarrier{{
		Buffer: r.slot.args,
		Usage:  hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageStorage, NewUsage: gputypes.BufferUsageIndirect},
	}})
	r.occluded = true
	r.stats.Occluded = true
	return nil
}
