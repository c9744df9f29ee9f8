// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdlist

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource gives every object a distinct identity; noop resources are
// zero-sized and may share an address.
type fakeResource struct{ id int }

func (*fakeResource) Destroy()              {}
func (r *fakeResource) NativeHandle() uintptr { return uintptr(r.id) }

type fakeBuffer struct{ fakeResource }

type fakePipeline struct{ fakeResource }

// passLog records replayed commands by name.
type passLog struct{ cmds []string }

func (p *passLog) SetPipeline(hal.RenderPipeline)                 { p.cmds = append(p.cmds, "pipeline") }
func (p *passLog) SetBindGroup(uint32, hal.BindGroup, []uint32)   { p.cmds = append(p.cmds, "group") }
func (p *passLog) SetVertexBuffer(uint32, hal.Buffer, uint64)     { p.cmds = append(p.cmds, "vb") }
func (p *passLog) SetIndexBuffer(hal.Buffer, gputypes.IndexFormat, uint64) {
	p.cmds = append(p.cmds, "ib")
}
func (p *passLog) Draw(uint32, uint32, uint32, uint32) { p.cmds = append(p.cmds, "draw") }
func (p *passLog) DrawIndexed(uint32, uint32, uint32, int32, uint32) {
	p.cmds = append(p.cmds, "drawIndexed")
}
func (p *passLog) DrawIndexedIndirect(hal.Buffer, uint64) { p.cmds = append(p.cmds, "drawIndirect") }

func TestList_Lifecycle(t *testing.T) {
	l := NewList("base")
	assert.Equal(t, StatusIdle, l.Status())
	require.ErrorIs(t, l.End(), ErrNotRecording)
	require.ErrorIs(t, l.Replay(&passLog{}), ErrNotExecutable)

	l.Begin()
	assert.Equal(t, StatusRecording, l.Status())
	require.ErrorIs(t, l.Replay(&passLog{}), ErrNotExecutable)
	require.NoError(t, l.End())
	assert.Equal(t, StatusExecutable, l.Status())

	// An empty list replays as nothing.
	log := &passLog{}
	require.NoError(t, l.Replay(log))
	assert.Empty(t, log.cmds)
}

func TestList_ElidesRedundantBinds(t *testing.T) {
	pipeA := &fakePipeline{fakeResource{1}}
	pipeB := &fakePipeline{fakeResource{2}}
	vb := &fakeBuffer{fakeResource{3}}
	ib := &fakeBuffer{fakeResource{4}}

	l := NewList("depth")
	l.Begin()
	for i := 0; i < 3; i++ {
		l.SetPipeline(pipeA)
		l.SetGeometry(vb, ib)
		l.SetBindGroup(1, nil, nil)
		l.DrawIndexed(6, uint32(i))
	}
	l.SetPipeline(pipeB)
	l.SetGeometry(vb, ib)
	l.DrawIndexed(6, 3)
	require.NoError(t, l.End())

	st := l.Stats()
	assert.Equal(t, 4, st.Draws)
	assert.Equal(t, 2, st.PipelineBinds)
	assert.Equal(t, 2, st.BufferBinds)
	assert.Equal(t, 2+3*2, st.Elided)

	log := &passLog{}
	require.NoError(t, l.Replay(log))
	assert.Equal(t, []string{
		"pipeline", "vb", "ib", "group", "drawIndexed",
		"group", "drawIndexed",
		"group", "drawIndexed",
		"pipeline", "drawIndexed",
	}, log.cmds)
}

func TestList_BeginResetsBindingState(t *testing.T) {
	pipe := &fakePipeline{fakeResource{1}}
	l := NewList("base")
	l.Begin()
	l.SetPipeline(pipe)
	require.NoError(t, l.End())

	l.Begin()
	l.SetPipeline(pipe)
	assert.Equal(t, 1, l.Stats().PipelineBinds, "a new recording must rebind")
	assert.Equal(t, 1, l.Len())
}

func TestList_Predicated(t *testing.T) {
	args := &fakeBuffer{fakeResource{9}}
	l := NewList("base")
	l.Begin()
	l.DrawPredicated(args, 40)
	require.NoError(t, l.End())
	assert.Equal(t, 1, l.Stats().PredicatedDraw)

	log := &passLog{}
	require.NoError(t, l.Replay(log))
	assert.Equal(t, []string{"drawIndirect"}, log.cmds)
}

func TestSet_IndexingAndOrder(t *testing.T) {
	const threads, frames = 3, 2
	s := NewSet("base", threads, frames)
	assert.Equal(t, 1*frames+1, SlotIndex(1, 1, frames))

	seen := map[*List]bool{}
	for th := range threads {
		for f := range frames {
			l := s.At(th, f)
			assert.False(t, seen[l], "lists must be distinct")
			seen[l] = true
		}
	}

	// Record one draw on thread 2 only; the others stay empty but valid.
	for th := range threads {
		l := s.At(th, 1)
		l.Begin()
		if th == 2 {
			l.Draw(3, 1)
		}
		require.NoError(t, l.End())
	}
	log := &passLog{}
	require.NoError(t, s.Replay(1, log))
	assert.Equal(t, []string{"draw"}, log.cmds)
	assert.Equal(t, 1, s.Stats(1).Draws)

	// Frame slot 0 was never recorded.
	assert.ErrorIs(t, s.Replay(0, log), ErrNotExecutable)
}
