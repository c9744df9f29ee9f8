// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package accel

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/unheard/internal/scene"
)

func boxAt(x float32) scene.AABB {
	return scene.AABB{Min: mgl32.Vec3{x, 0, 0}, Max: mgl32.Vec3{x + 1, 1, 1}}
}

func contains(outer, inner scene.AABB) bool {
	for i := range 3 {
		if inner.Min[i] < outer.Min[i] || inner.Max[i] > outer.Max[i] {
			return false
		}
	}
	return true
}

func TestBuild_EveryPrimitiveInExactlyOneLeaf(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		maxLeaf int
	}{
		{"single", 1, 4},
		{"one leaf", 4, 4},
		{"split", 37, 4},
		{"leaf of one", 16, 1},
		{"zero leaf size clamps", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bounds := make([]scene.AABB, tt.count)
			for i := range bounds {
				// Shuffle positions so the split has to sort.
				bounds[i] = boxAt(float32((i * 7) % tt.count))
			}
			bvh := Build(bounds, tt.maxLeaf)
			require.Len(t, bvh.Order, tt.count)

			seen := make(map[uint32]int)
			var walk func(n int32, parent scene.AABB)
			walk = func(n int32, parent scene.AABB) {
				node := &bvh.Nodes[n]
				box := scene.AABB{Min: node.Min, Max: node.Max}
				assert.True(t, contains(parent, box), "child escapes parent")
				if node.IsLeaf() {
					assert.LessOrEqual(t, int(node.LeafCount), max(tt.maxLeaf, 1))
					for _, p := range bvh.Order[node.LeafFirst : node.LeafFirst+node.LeafCount] {
						seen[p]++
						assert.True(t, contains(box, bounds[p]), "leaf misses primitive %d", p)
					}
					return
				}
				walk(node.Left, box)
				walk(node.Right, box)
			}
			walk(0, bvh.Bounds())

			assert.Len(t, seen, tt.count)
			for p, n := range seen {
				assert.Equal(t, 1, n, "primitive %d", p)
			}
		})
	}
}

func TestBuild_Empty(t *testing.T) {
	bvh := Build(nil, 4)
	require.Len(t, bvh.Nodes, 1)
	assert.False(t, bvh.Nodes[0].IsLeaf())
	assert.Empty(t, bvh.Order)
	assert.Equal(t, NodeSize, len(bvh.Encode()))
}

func TestEncode_Layout(t *testing.T) {
	bvh := Build([]scene.AABB{boxAt(0), boxAt(4)}, 1)
	buf := bvh.Encode()
	require.Len(t, buf, bvh.EncodedSize())
	require.Len(t, bvh.Nodes, 3)

	root := buf[:NodeSize]
	assert.Equal(t, float32(0), float32frombits(root[0:4]))
	assert.Equal(t, float32(5), float32frombits(root[16:20]))
	assert.Equal(t, uint32(1), le32(root[32:36]))
	assert.Equal(t, uint32(2), le32(root[36:40]))
	assert.Equal(t, ^uint32(0), le32(root[40:44]), "interior nodes have no leaf range")

	leaf := buf[NodeSize : 2*NodeSize]
	assert.Equal(t, ^uint32(0), le32(leaf[32:36]))
	assert.Equal(t, uint32(1), le32(leaf[44:48]))

	order := buf[3*NodeSize:]
	assert.Equal(t, uint32(0), le32(order[0:4]))
	assert.Equal(t, uint32(1), le32(order[4:8]))
}
