// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"
)

// VertexStride is the byte size of one packed Vertex:
// position (3 x f32) + normal (3 x f32) + uv (2 x f32).
const VertexStride = 32

// Vertex is the classic-path vertex layout.
type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	UV       mgl32.Vec2
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

// EmptyAABB returns an inverted box that any Extend call replaces.
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

// Extend grows b to contain p.
func (b AABB) Extend(p mgl32.Vec3) AABB {
	for i := 0; i < 3; i++ {
		b.Min[i] = min(b.Min[i], p[i])
		b.Max[i] = max(b.Max[i], p[i])
	}
	return b
}

// Union returns the box containing both b and o.
func (b AABB) Union(o AABB) AABB {
	return b.Extend(o.Min).Extend(o.Max)
}

// Center returns the box centroid.
func (b AABB) Center() mgl32.Vec3 { return b.Min.Add(b.Max).Mul(0.5) }

// Transform returns the world-space box enclosing b under m.
func (b AABB) Transform(m mgl32.Mat4) AABB {
	out := EmptyAABB()
	for i := 0; i < 8; i++ {
		c := mgl32.Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			c[0] = b.Max[0]
		}
		if i&2 != 0 {
			c[1] = b.Max[1]
		}
		if i&4 != 0 {
			c[2] = b.Max[2]
		}
		out = out.Extend(m.Mul4x1(c.Vec4(1)).Vec3())
	}
	return out
}

// Mesh is an immutable triangle list shared by every renderer that
// references it. GPU buffers are created by the engine on registration.
type Mesh struct {
	ID       uuid.UUID
	Name     string
	Vertices []Vertex
	Indices  []uint32
	Bounds   AABB

	VertexBuffer hal.Buffer
	IndexBuffer  hal.Buffer
}

// NewMesh builds a mesh record and computes its bounds.
func NewMesh(name string, vertices []Vertex, indices []uint32) *Mesh {
	b := EmptyAABB()
	for _, v := range vertices {
		b = b.Extend(v.Position)
	}
	if len(vertices) == 0 {
		b = AABB{}
	}
	return &Mesh{
		ID:       uuid.New(),
		Name:     name,
		Vertices: vertices,
		Indices:  indices,
		Bounds:   b,
	}
}

// IndexCount returns the number of indices drawn for the mesh.
func (m *Mesh) IndexCount() uint32 { return uint32(len(m.Indices)) } //nolint:gosec // index count fits uint32

// TriangleCount returns the number of triangles in the mesh.
func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// TriangleBounds returns the bounds of triangle t.
func (m *Mesh) TriangleBounds(t int) AABB {
	b := EmptyAABB()
	for k := 0; k < 3; k++ {
		b = b.Extend(m.Vertices[m.Indices[t*3+k]].Position)
	}
	return b
}

// VertexBytes packs the vertices little-endian in VertexStride records.
func (m *Mesh) VertexBytes() []byte {
	buf := make([]byte, len(m.Vertices)*VertexStride)
	for i, v := range m.Vertices {
		o := buf[i*VertexStride:]
		putVec(o[0:], v.Position[:])
		putVec(o[12:], v.Normal[:])
		putVec(o[24:], v.UV[:])
	}
	return buf
}

// IndexBytes packs the indices as little-endian uint32.
func (m *Mesh) IndexBytes() []byte {
	buf := make([]byte, len(m.Indices)*4)
	for i, idx := range m.Indices {
		binary.LittleEndian.PutUint32(buf[i*4:], idx)
	}
	return buf
}

func putVec(dst []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}
