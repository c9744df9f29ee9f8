// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cmdlist records secondary command lists.
//
// A List is filled by exactly one worker goroutine and later replayed into
// the primary render pass on the render thread. Lists are grouped in a Set
// that holds one list per (worker, frame slot) pair so a worker never
// touches a list that an in-flight frame may still be replaying.
package cmdlist

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Errors returned by List.
var (
	ErrNotRecording  = errors.New("cmdlist: list is not recording")
	ErrNotExecutable = errors.New("cmdlist: list has not been ended")
)

// Status is the lifecycle state of a List.
type Status uint8

const (
	// StatusIdle lists have never been begun.
	StatusIdle Status = iota
	// StatusRecording lists accept commands.
	StatusRecording
	// StatusExecutable lists have been ended and can be replayed.
	StatusExecutable
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusExecutable:
		return "executable"
	default:
		return "idle"
	}
}

// PassEncoder is the subset of hal.RenderPassEncoder a list replays into.
type PassEncoder interface {
	SetPipeline(pipeline hal.RenderPipeline)
	SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32)
	SetVertexBuffer(slot uint32, buffer hal.Buffer, offset uint64)
	SetIndexBuffer(buffer hal.Buffer, format gputypes.IndexFormat, offset uint64)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	DrawIndexedIndirect(buffer hal.Buffer, offset uint64)
}

var _ PassEncoder = hal.RenderPassEncoder(nil)

type opKind uint8

const (
	opSetPipeline opKind = iota
	opSetBindGroup
	opSetVertexBuffer
	opSetIndexBuffer
	opDraw
	opDrawIndexed
	opDrawIndexedIndirect
)

type op struct {
	kind     opKind
	pipeline hal.RenderPipeline
	group    hal.BindGroup
	buffer   hal.Buffer
	format   gputypes.IndexFormat
	offsets  []uint32
	offset   uint64
	slot     uint32
	count    uint32
	first    uint32
	base     int32
}

// Stats counts the commands recorded into a list.
type Stats struct {
	Draws          int
	PredicatedDraw int
	PipelineBinds  int
	BufferBinds    int
	BindGroupBinds int
	// Elided counts pipeline and buffer binds skipped because the same
	// object was already bound on this list.
	Elided int
}

// List is a recorded secondary command list.
type List struct {
	label  string
	status Status
	ops    []op
	stats  Stats

	pipeline hal.RenderPipeline
	vertex   hal.Buffer
	index    hal.Buffer
}

// NewList creates an idle list.
func NewList(label string) *List {
	return &List{label: label}
}

// Label returns the list's debug name.
func (l *List) Label() string { return l.label }

// Status returns the lifecycle state.
func (l *List) Status() Status { return l.status }

// Stats returns the counters of the current recording.
func (l *List) Stats() Stats { return l.stats }

// Len returns the number of recorded commands.
func (l *List) Len() int { return len(l.ops) }

// Begin resets the list and starts recording.
func (l *List) Begin() {
	l.ops = l.ops[:0]
	l.stats = Stats{}
	l.pipeline, l.vertex, l.index = nil, nil, nil
	l.status = StatusRecording
}

// End finishes recording. An empty list is valid.
func (l *List) End() error {
	if l.status != StatusRecording {
		return fmt.Errorf("%w: %s is %s", ErrNotRecording, l.label, l.status)
	}
	l.status = StatusExecutable
	return nil
}

// SetPipeline binds p unless it is already bound on this list.
func (l *List) SetPipeline(p hal.RenderPipeline) {
	if l.pipeline != nil && l.pipeline == p {
		l.stats.Elided++
		return
	}
	l.pipeline = p
	l.ops = append(l.ops, op{kind: opSetPipeline, pipeline: p})
	l.stats.PipelineBinds++
}

// SetBindGroup binds g at index. Bind groups are never elided because the
// per-draw group changes with every draw.
func (l *List) SetBindGroup(index uint32, g hal.BindGroup, offsets []uint32) {
	l.ops = append(l.ops, op{kind: opSetBindGroup, slot: index, group: g, offsets: offsets})
	l.stats.BindGroupBinds++
}

// SetGeometry binds the vertex buffer at slot 0 and the index buffer,
// skipping either one that is unchanged.
func (l *List) SetGeometry(vertex, index hal.Buffer) {
	if l.vertex != nil && l.vertex == vertex {
		l.stats.Elided++
	} else {
		l.vertex = vertex
		l.ops = append(l.ops, op{kind: opSetVertexBuffer, buffer: vertex})
		l.stats.BufferBinds++
	}
	if l.index != nil && l.index == index {
		l.stats.Elided++
	} else {
		l.index = index
		l.ops = append(l.ops, op{kind: opSetIndexBuffer, buffer: index, format: gputypes.IndexFormatUint32})
		l.stats.BufferBinds++
	}
}

// Draw records a non-indexed draw.
func (l *List) Draw(vertexCount, instanceCount uint32) {
	l.ops = append(l.ops, op{kind: opDraw, count: vertexCount, first: instanceCount})
	l.stats.Draws++
}

// DrawIndexed records an indexed draw of one instance.
func (l *List) DrawIndexed(indexCount, firstInstance uint32) {
	l.ops = append(l.ops, op{kind: opDrawIndexed, count: indexCount, first: firstInstance})
	l.stats.Draws++
}

// DrawPredicated records an indexed draw whose arguments live in args at
// offset. The occlusion pass zeroes the instance count of hidden draws, so
// the draw takes effect only when its visibility test passed.
func (l *List) DrawPredicated(args hal.Buffer, offset uint64) {
	l.ops = append(l.ops, op{kind: opDrawIndexedIndirect, buffer: args, offset: offset})
	l.stats.Draws++
	l.stats.PredicatedDraw++
}

// Replay issues the recorded commands into pass.
func (l *List) Replay(pass PassEncoder) error {
	if l.status != StatusExecutable {
		return fmt.Errorf("%w: %s is %s", ErrNotExecutable, l.label, l.status)
	}
	for i := range l.ops {
		o := &l.ops[i]
		switch o.kind {
		case opSetPipeline:
			pass.SetPipeline(o.pipeline)
		case opSetBindGroup:
			pass.SetBindGroup(o.slot, o.group, o.offsets)
		case opSetVertexBuffer:
			pass.SetVertexBuffer(0, o.buffer, 0)
		case opSetIndexBuffer:
			pass.SetIndexBuffer(o.buffer, o.format, 0)
		case opDraw:
			pass.Draw(o.count, o.first, 0, 0)
		case opDrawIndexed:
			pass.DrawIndexed(o.count, 1, 0, 0, o.first)
		case opDrawIndexedIndirect:
			pass.DrawIndexedIndirect(o.buffer, o.offset)
		}
	}
	return nil
}
