// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package accel

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/unheard/internal/scene"
)

// NodeSize is the encoded size of a Node. It matches the WGSL layout
//
//	struct BVHNode {
//	    aabb_min: vec4<f32>,
//	    aabb_max: vec4<f32>,
//	    left: i32,
//	    right: i32,
//	    leaf_first: i32,
//	    leaf_count: i32,
//	    pad: vec2<i32>,
//	}
const NodeSize = 64

// Node is one BVH node. Interior nodes have LeafCount 0 and two children;
// leaves address LeafCount entries of the primitive order starting at
// LeafFirst.
type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.LeafCount > 0 }

// BVH is a built hierarchy plus the primitive order its leaves index into.
type BVH struct {
	Nodes []Node
	Order []uint32
}

type buildItem struct {
	bounds   scene.AABB
	centroid mgl32.Vec3
	index    uint32
}

// Build constructs a median-split BVH over bounds. Leaves hold at most
// maxLeaf primitives. An empty input yields a single empty leaf.
func Build(bounds []scene.AABB, maxLeaf int) BVH {
	maxLeaf = max(maxLeaf, 1)
	if len(bounds) == 0 {
		return BVH{Nodes: []Node{{Left: -1, Right: -1}}}
	}
	items := make([]buildItem, len(bounds))
	for i, b := range bounds {
		items[i] = buildItem{bounds: b, centroid: b.Center(), index: uint32(i)} //nolint:gosec // primitive count fits uint32
	}
	out := BVH{
		Nodes: make([]Node, 0, 2*len(bounds)/maxLeaf+1),
		Order: make([]uint32, 0, len(bounds)),
	}
	out.build(items, maxLeaf)
	return out
}

func (b *BVH) build(items []buildItem, maxLeaf int) int32 {
	idx := int32(len(b.Nodes)) //nolint:gosec // node count fits int32
	b.Nodes = append(b.Nodes, Node{Left: -1, Right: -1, LeafFirst: -1})

	box := scene.EmptyAABB()
	for i := range items {
		box = box.Union(items[i].bounds)
	}
	b.Nodes[idx].Min = box.Min
	b.Nodes[idx].Max = box.Max

	if len(items) <= maxLeaf {
		b.Nodes[idx].LeafFirst = int32(len(b.Order)) //nolint:gosec // order length fits int32
		b.Nodes[idx].LeafCount = int32(len(items))   //nolint:gosec // leaf size is small
		for i := range items {
			b.Order = append(b.Order, items[i].index)
		}
		return idx
	}

	extent := box.Max.Sub(box.Min)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].centroid[axis] < items[j].centroid[axis]
	})

	mid := len(items) / 2
	left := b.build(items[:mid], maxLeaf)
	right := b.build(items[mid:], maxLeaf)
	b.Nodes[idx].Left = left
	b.Nodes[idx].Right = right
	return idx
}

// Bounds returns the root bounds.
func (b *BVH) Bounds() scene.AABB {
	if len(b.Nodes) == 0 {
		return scene.EmptyAABB()
	}
	return scene.AABB{Min: b.Nodes[0].Min, Max: b.Nodes[0].Max}
}

// EncodedSize returns the byte size of Encode's output.
func (b *BVH) EncodedSize() int {
	return len(b.Nodes)*NodeSize + len(b.Order)*4
}

// Encode packs the nodes followed by the primitive order, little endian.
func (b *BVH) Encode() []byte {
	buf := make([]byte, b.EncodedSize())
	for i := range b.Nodes {
		putNode(buf[i*NodeSize:], &b.Nodes[i])
	}
	off := len(b.Nodes) * NodeSize
	for i, p := range b.Order {
		binary.LittleEndian.PutUint32(buf[off+i*4:], p)
	}
	return buf
}

func putNode(buf []byte, n *Node) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))      //nolint:gosec // -1 encodes as 0xFFFFFFFF
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))     //nolint:gosec // -1 encodes as 0xFFFFFFFF
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst)) //nolint:gosec // -1 encodes as 0xFFFFFFFF
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount)) //nolint:gosec // non-negative
}
