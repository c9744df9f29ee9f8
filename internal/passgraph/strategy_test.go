// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

func TestGroupByBatch_StableFirstAppearance(t *testing.T) {
	a, b, c := &shader.Variant{}, &shader.Variant{}, &shader.Variant{}
	m1, m2 := &scene.DrawItem{Mesh: &scene.Mesh{}}, &scene.DrawItem{Mesh: &scene.Mesh{}}
	items := []resolved{
		{variant: b, item: m1, arg: 0},
		{variant: a, item: m1, arg: 1},
		{variant: b, item: m2, arg: 2},
		{variant: c, item: m1, arg: 3},
		{variant: a, item: m1, arg: 4},
		{variant: b, item: m1, arg: 5},
	}
	groupByBatch(items)

	args := make([]uint32, len(items))
	for i, r := range items {
		args[i] = r.arg
	}
	assert.Equal(t, []uint32{0, 5, 2, 1, 4, 3}, args, "variant b keeps its mesh runs adjacent")
}

func TestBatches_AddStagesInstancedRecords(t *testing.T) {
	var b Batches
	b.reset(nil, 10, 4, 2)

	off, err := b.Add(36, []uint32{7, 9, 11})
	require.NoError(t, err)
	assert.Zero(t, off)
	off, err = b.Add(6, []uint32{3})
	require.NoError(t, err)
	assert.Equal(t, uint64(DrawArgsSize), off)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []uint32{7, 9, 11, 3}, b.instances)

	rec := b.records[DrawArgsSize:]
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(rec[0:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(rec[4:]))
	assert.Equal(t, uint32(13), binary.LittleEndian.Uint32(rec[16:]), "first instance follows the earlier batch")

	_, err = b.Add(36, []uint32{1})
	assert.ErrorIs(t, err, ErrBatchOverflow)

	b.reset(nil, 0, 4, 2)
	assert.Zero(t, b.Len())
}

func TestClassicPath_SequentialWithoutPool(t *testing.T) {
	f := newFixture(t, options{})
	path := NewClassicPath(f.reg, nil, 4, 2)
	assert.Equal(t, 4, path.Threads())

	items := f.items(t, 9)
	slots := make([]uint32, len(items))
	for i := range slots {
		slots[i] = uint32(20 + i) //nolint:gosec // test sizes
	}
	pass := &recPass{}
	st, err := path.Record(pass, &DrawRequest{Kind: shader.PassBase, Slot: 1, Items: items, ArgSlots: slots})
	require.NoError(t, err)

	assert.Equal(t, 9, st.Draws)
	assert.Equal(t, 9, st.Instances)
	assert.Equal(t, 4, st.Threads)
	assert.Equal(t, slots, pass.indexed, "draws keep their order and instance entries")
}

func TestClassicPath_UnknownPassKind(t *testing.T) {
	f := newFixture(t, options{})
	path := NewClassicPath(f.reg, nil, 1, 1)
	_, err := path.Record(&recPass{}, &DrawRequest{Kind: shader.PassOcclusion})
	assert.ErrorIs(t, err, shader.ErrUnknownPass)
}

func TestClassicPath_SkipsMeshWithoutBuffers(t *testing.T) {
	f := newFixture(t, options{})
	mesh := f.store.AddMesh(cubeMesh())
	h, err := f.store.AddRenderer(mesh, f.mat, scene.IdentityTransform())
	require.NoError(t, err)
	items, _ := f.store.Resolve([]scene.Handle[scene.Renderer]{h})

	path := NewClassicPath(f.reg, nil, 1, 1)
	st, err := path.Record(&recPass{}, &DrawRequest{Kind: shader.PassBase, Items: items})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, st.Draws)
}

func TestMeshShaderPath_RequiresDrawTable(t *testing.T) {
	f := newFixture(t, options{})
	path := NewMeshShaderPath(f.reg)
	_, err := path.Record(&recPass{}, &DrawRequest{Kind: shader.PassBase, Items: f.items(t, 1)})
	assert.Error(t, err)
}
