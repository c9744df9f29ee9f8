// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/cmdlist"
	"github.com/gogpu/unheard/internal/parallel"
	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

// DrawArgsSize is the byte size of one indexed indirect argument record:
// index count, instance count, first index, base vertex, first instance.
const DrawArgsSize = 20

// InstanceSize is the byte size of one instance table entry: the object
// index of the drawn renderer, read by the material shaders as an
// instance-rate vertex attribute.
const InstanceSize = 4

// InstanceBinding is the vertex buffer slot of the instance table.
const InstanceBinding = 1

// ErrBatchOverflow is returned when a frame stages more batched draws than
// its slot's tables hold.
var ErrBatchOverflow = errors.New("passgraph: batch table full")

// DrawRequest is the geometry of one pass.
type DrawRequest struct {
	Kind  shader.PassKind
	Slot  int
	Items []scene.DrawItem

	// FrameGroup is bind group 0 of the slot: camera and object constants.
	FrameGroup hal.BindGroup

	// Args holds one indirect argument record per draw; ArgSlots[i] is the
	// record index of Items[i].
	Args     hal.Buffer
	ArgSlots []uint32
	// Predicated draws source their instance count from Args, which the
	// occlusion test may have zeroed.
	Predicated bool

	// Batches, when set, takes instanced records covering several draws.
	Batches *Batches
}

// Batches stages the instanced indirect records of one frame. Each record
// draws a run of renderers sharing a mesh and a variant; its instances are
// consecutive entries of the instance table. The graph uploads both tables
// before the frame is submitted.
type Batches struct {
	// Args is the buffer the staged records are uploaded to.
	Args hal.Buffer

	base      uint32
	instances []uint32
	records   []byte
	maxInst   int
	maxRecs   int
}

// reset empties the staging area. Instance entries start at base; the
// table holds maxInst more entries and args holds maxRecs records.
func (b *Batches) reset(args hal.Buffer, base uint32, maxInst, maxRecs int) {
	b.Args = args
	b.base = base
	b.instances = b.instances[:0]
	b.records = b.records[:0]
	b.maxInst, b.maxRecs = maxInst, maxRecs
}

// Add stages one record drawing indexCount indices once per object index
// and returns the record's byte offset in Args.
func (b *Batches) Add(indexCount uint32, objects []uint32) (uint64, error) {
	if len(b.instances)+len(objects) > b.maxInst || len(b.records)/DrawArgsSize >= b.maxRecs {
		return 0, fmt.Errorf("%w: %d instances", ErrBatchOverflow, len(b.instances)+len(objects))
	}
	first := b.base + uint32(len(b.instances)) //nolint:gosec // bounded by maxInst
	b.instances = append(b.instances, objects...)

	offset := uint64(len(b.records))
	var rec [DrawArgsSize]byte
	binary.LittleEndian.PutUint32(rec[0:], indexCount)
	binary.LittleEndian.PutUint32(rec[4:], uint32(len(objects))) //nolint:gosec // bounded by maxInst
	binary.LittleEndian.PutUint32(rec[16:], first)
	b.records = append(b.records, rec[:]...)
	return offset, nil
}

// Len returns the number of staged records.
func (b *Batches) Len() int { return len(b.records) / DrawArgsSize }

// DrawStats counts what a strategy recorded.
type DrawStats struct {
	Draws      int
	// Instances counts renderers drawn; a batched record draws several.
	Instances  int
	Predicated int
	Skipped    int
	Elided     int
	Threads    int
}

func (s *DrawStats) add(o cmdlist.Stats) {
	s.Draws += o.Draws
	s.Instances += o.Draws
	s.Predicated += o.PredicatedDraw
	s.Elided += o.Elided
}

// DrawStrategy records the draws of a geometry pass. The strategy is chosen
// once at graph creation; passes never branch on capabilities.
type DrawStrategy interface {
	Name() string
	Record(pass hal.RenderPassEncoder, req *DrawRequest) (DrawStats, error)
}

// resolved is a draw item with its variant looked up.
type resolved struct {
	item    *scene.DrawItem
	variant *shader.Variant
	arg     uint32
}

// resolveVariants creates or fetches the variant of every item. Items whose
// material vanished are content errors: they are logged and skipped.
func resolveVariants(reg *shader.Registry, req *DrawRequest, owner func(*scene.DrawItem) shader.Owner) ([]resolved, int, error) {
	out := make([]resolved, 0, len(req.Items))
	skipped := 0
	for i := range req.Items {
		item := &req.Items[i]
		if item.Mesh == nil || item.Mesh.VertexBuffer == nil || item.Mesh.IndexBuffer == nil {
			skipped++
			continue
		}
		vh, err := reg.Ensure(owner(item), req.Kind, item.MaterialHandle)
		if errors.Is(err, shader.ErrUnknownMaterial) {
			slogger().Warn("passgraph: draw skipped, material missing",
				"renderer", item.BufferDataIndex, "pass", req.Kind.String())
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("%s variant for renderer %d: %w", req.Kind, item.BufferDataIndex, err)
		}
		v, ok := reg.Lookup(vh)
		if !ok {
			skipped++
			continue
		}
		r := resolved{item: item, variant: v}
		if i < len(req.ArgSlots) {
			r.arg = req.ArgSlots[i]
		}
		out = append(out, r)
	}
	return out, skipped, nil
}

// =============================================================================
// ClassicPath
// =============================================================================

// ClassicPath partitions the draw list across the worker pool. Each worker
// records a secondary command list for its range; the lists are replayed
// into the pass in worker order, so the global draw order is preserved.
type ClassicPath struct {
	registry *shader.Registry
	pool     *parallel.WorkerPool
	threads  int
	sets     map[shader.PassKind]*cmdlist.Set
}

// NewClassicPath creates the strategy with threads recording workers and one
// command list per (worker, frame slot, pass kind).
func NewClassicPath(reg *shader.Registry, pool *parallel.WorkerPool, threads, frames int) *ClassicPath {
	threads = max(threads, 1)
	if pool != nil {
		threads = min(threads, pool.Workers())
	}
	kinds := []shader.PassKind{shader.PassDepth, shader.PassBase, shader.PassTranslucent, shader.PassMotion}
	sets := make(map[shader.PassKind]*cmdlist.Set, len(kinds))
	for _, k := range kinds {
		sets[k] = cmdlist.NewSet(k.String(), threads, frames)
	}
	return &ClassicPath{registry: reg, pool: pool, threads: threads, sets: sets}
}

// Name implements DrawStrategy.
func (c *ClassicPath) Name() string { return "classic" }

// Threads returns the number of recording workers.
func (c *ClassicPath) Threads() int { return c.threads }

// Record implements DrawStrategy.
func (c *ClassicPath) Record(pass hal.RenderPassEncoder, req *DrawRequest) (DrawStats, error) {
	set, ok := c.sets[req.Kind]
	if !ok {
		return DrawStats{}, fmt.Errorf("%w: %s", shader.ErrUnknownPass, req.Kind)
	}
	items, skipped, err := resolveVariants(c.registry, req, func(it *scene.DrawItem) shader.Owner {
		return shader.RendererOwner(it.BufferDataIndex)
	})
	stats := DrawStats{Skipped: skipped, Threads: set.Threads()}
	if err != nil {
		return stats, err
	}

	threads := set.Threads()
	record := func(t int) error {
		start, end := parallel.Partition(len(items), threads, t)
		list := set.At(t, req.Slot)
		list.Begin()
		list.SetBindGroup(0, req.FrameGroup, nil)
		for _, r := range items[start:end] {
			list.SetPipeline(r.variant.Pipeline)
			list.SetBindGroup(1, r.variant.BindGroup, nil)
			list.SetGeometry(r.item.Mesh.VertexBuffer, r.item.Mesh.IndexBuffer)
			if req.Predicated && req.Args != nil {
				list.DrawPredicated(req.Args, uint64(r.arg)*DrawArgsSize)
				continue
			}
			list.DrawIndexed(r.item.Mesh.IndexCount(), r.arg)
		}
		return list.End()
	}

	if c.pool != nil && c.pool.IsRunning() {
		err = c.pool.Run(threads, record)
	} else {
		for t := range threads {
			if err = record(t); err != nil {
				break
			}
		}
	}
	if err != nil {
		return stats, fmt.Errorf("record %s lists: %w", req.Kind, err)
	}
	if err := set.Replay(req.Slot, pass); err != nil {
		return stats, err
	}
	stats.add(set.Stats(req.Slot))
	return stats, nil
}

// groupByBatch stably reorders items so draws sharing a variant are
// adjacent, in order of each variant's first appearance, and within a
// variant draws sharing a mesh are adjacent too. Translucent lists keep
// their back-to-front order instead.
func groupByBatch(items []resolved) {
	type pair struct {
		variant *shader.Variant
		mesh    *scene.Mesh
	}
	firstVariant := make(map[*shader.Variant]int, len(items))
	firstPair := make(map[pair]int, len(items))
	for i, r := range items {
		if _, ok := firstVariant[r.variant]; !ok {
			firstVariant[r.variant] = i
		}
		if _, ok := firstPair[pair{r.variant, r.item.Mesh}]; !ok {
			firstPair[pair{r.variant, r.item.Mesh}] = i
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		vi, vj := firstVariant[items[i].variant], firstVariant[items[j].variant]
		if vi != vj {
			return vi < vj
		}
		return firstPair[pair{items[i].variant, items[i].item.Mesh}] < firstPair[pair{items[j].variant, items[j].item.Mesh}]
	})
}

// =============================================================================
// MeshShaderPath
// =============================================================================

// MeshShaderPath draws on the recording thread with one pipeline and
// material bind per material group. Every draw is sourced from an indirect
// record. Unpredicated runs of renderers sharing a mesh collapse into one
// instanced record; predicated draws keep the per-renderer record whose
// instance count the occlusion test wrote.
type MeshShaderPath struct {
	registry *shader.Registry
}

// NewMeshShaderPath creates the strategy.
func NewMeshShaderPath(reg *shader.Registry) *MeshShaderPath {
	return &MeshShaderPath{registry: reg}
}

// Name implements DrawStrategy.
func (m *MeshShaderPath) Name() string { return "mesh" }

// Record implements DrawStrategy.
func (m *MeshShaderPath) Record(pass hal.RenderPassEncoder, req *DrawRequest) (DrawStats, error) {
	items, skipped, err := resolveVariants(m.registry, req, func(it *scene.DrawItem) shader.Owner {
		return shader.MaterialOwner(it.Material.BufferDataIndex)
	})
	stats := DrawStats{Skipped: skipped, Threads: 1}
	if err != nil {
		return stats, err
	}
	if req.Args == nil && len(items) > 0 {
		return stats, errors.New("passgraph: mesh path requires a draw table")
	}
	if req.Kind != shader.PassTranslucent {
		groupByBatch(items)
	}
	batched := !req.Predicated && req.Batches != nil

	pass.SetBindGroup(0, req.FrameGroup, nil)
	var (
		variant *shader.Variant
		vertex  hal.Buffer
		index   hal.Buffer
		objects []uint32
	)
	for start := 0; start < len(items); {
		r := items[start]
		end := start + 1
		if batched {
			for end < len(items) && items[end].variant == r.variant && items[end].item.Mesh == r.item.Mesh {
				end++
			}
		}
		if r.variant != variant {
			variant = r.variant
			pass.SetPipeline(variant.Pipeline)
			pass.SetBindGroup(1, variant.BindGroup, nil)
		}
		if r.item.Mesh.VertexBuffer != vertex {
			vertex = r.item.Mesh.VertexBuffer
			pass.SetVertexBuffer(0, vertex, 0)
		}
		if r.item.Mesh.IndexBuffer != index {
			index = r.item.Mesh.IndexBuffer
			pass.SetIndexBuffer(index, gputypes.IndexFormatUint32, 0)
		}
		if batched {
			objects = objects[:0]
			for _, o := range items[start:end] {
				objects = append(objects, uint32(o.item.BufferDataIndex)) //nolint:gosec // object indices are small
			}
			offset, err := req.Batches.Add(r.item.Mesh.IndexCount(), objects)
			if err != nil {
				return stats, err
			}
			pass.DrawIndexedIndirect(req.Batches.Args, offset)
		} else {
			pass.DrawIndexedIndirect(req.Args, uint64(r.arg)*DrawArgsSize)
		}
		stats.Draws++
		stats.Instances += end - start
		if req.Predicated {
			stats.Predicated++
		}
		start = end
	}
	return stats, nil
}
