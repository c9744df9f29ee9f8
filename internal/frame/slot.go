// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package frame

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/scene"
)

const (
	// CameraSize is the byte size of the per-frame camera block:
	// view_proj, prev_view_proj, position and viewport.
	CameraSize = 160

	// ObjectSize is the byte size of one object record: world and
	// prev_world matrices.
	ObjectSize = 128

	minObjectCapacity = 64
)

// SlotOf returns the frame slot that records frame.
func SlotOf(frame uint64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(frame % uint64(n)) //nolint:gosec // n is positive and small
}

// Slot is one of the rotating frame-in-flight resource sets. A slot's
// encoder and buffers are touched only while recording a frame that maps to
// it, after the slot's previous submission has completed.
type Slot struct {
	Index int

	// Encoder records the slot's frames. It is reset only after Submission
	// has completed.
	Encoder hal.CommandEncoder
	// Submission is the queue submission index of the slot's last frame.
	Submission uint64
	// Frame is the last frame recorded into the slot.
	Frame uint64

	// Camera is the per-frame constant block, Objects the structured buffer
	// of object records addressed by buffer-data-index.
	Camera  hal.Buffer
	Objects hal.Buffer
	// Group binds Camera and Objects as bind group 0.
	Group hal.BindGroup

	// staging mirrors Objects on the CPU; dirtyLo and dirtyHi bound the
	// records changed since the last flush.
	staging          []byte
	dirtyLo, dirtyHi int

	cmd            hal.CommandBuffer
	backbufferView hal.TextureView
}

// ObjectCapacity returns the number of object records the slot holds.
func (s *Slot) ObjectCapacity() int { return len(s.staging) / ObjectSize }

func newSlot(device hal.Device, layout hal.BindGroupLayout, index int) (*Slot, error) {
	s := &Slot{Index: index, dirtyLo: -1}
	enc, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: fmt.Sprintf("frame_slot%d", index)})
	if err != nil {
		return nil, fmt.Errorf("create slot %d encoder: %w", index, err)
	}
	s.Encoder = enc
	s.Camera, err = device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("camera_slot%d", index),
		Size:  CameraSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		s.destroy(device)
		return nil, fmt.Errorf("create slot %d camera buffer: %w", index, err)
	}
	if err := s.growObjects(device, layout, minObjectCapacity); err != nil {
		s.destroy(device)
		return nil, err
	}
	return s, nil
}

// EnsureObjects grows the object buffer to hold at least n records. Records
// already written are carried over from the staging mirror on the next
// Flush.
func (s *Slot) EnsureObjects(device hal.Device, layout hal.BindGroupLayout, n int) error {
	if n <= s.ObjectCapacity() {
		return nil
	}
	capacity := max(s.ObjectCapacity(), minObjectCapacity)
	for capacity < n {
		capacity *= 2
	}
	return s.growObjects(device, layout, capacity)
}

func (s *Slot) growObjects(device hal.Device, layout hal.BindGroupLayout, capacity int) error {
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("objects_slot%d", s.Index),
		Size:  uint64(capacity * ObjectSize), //nolint:gosec // positive
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create slot %d object buffer: %w", s.Index, err)
	}
	group, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("frame_group_slot%d", s.Index),
		Layout: layout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: s.Camera.NativeHandle(), Size: CameraSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle()}},
		},
	})
	if err != nil {
		device.DestroyBuffer(buf)
		return fmt.Errorf("create slot %d frame group: %w", s.Index, err)
	}

	old := s.staging
	if s.Group != nil {
		device.DestroyBindGroup(s.Group)
	}
	if s.Objects != nil {
		device.DestroyBuffer(s.Objects)
	}
	s.Objects, s.Group = buf, group
	s.staging = make([]byte, capacity*ObjectSize)
	copy(s.staging, old)
	if len(old) > 0 {
		s.markDirty(0, len(old)/ObjectSize)
	}
	slogger().Debug("frame: object buffer grown", "slot", s.Index, "capacity", capacity)
	return nil
}

func (s *Slot) markDirty(lo, hi int) {
	if s.dirtyLo < 0 || lo < s.dirtyLo {
		s.dirtyLo = lo
	}
	s.dirtyHi = max(s.dirtyHi, hi)
}

// PutObject writes the record at index into the staging mirror. The index
// must be below ObjectCapacity.
func (s *Slot) PutObject(index int, world, prevWorld mgl32.Mat4) {
	rec := s.staging[index*ObjectSize : (index+1)*ObjectSize]
	putMat(rec[0:], world)
	putMat(rec[64:], prevWorld)
	s.markDirty(index, index+1)
}

// Object returns the world matrices staged at index.
func (s *Slot) Object(index int) (world, prevWorld mgl32.Mat4) {
	rec := s.staging[index*ObjectSize:]
	return getMat(rec[0:]), getMat(rec[64:])
}

// Flush uploads the staged records changed since the last flush.
func (s *Slot) Flush(queue hal.Queue) error {
	if s.dirtyLo < 0 {
		return nil
	}
	lo, hi := s.dirtyLo*ObjectSize, s.dirtyHi*ObjectSize
	if err := queue.WriteBuffer(s.Objects, uint64(lo), s.staging[lo:hi]); err != nil { //nolint:gosec // non-negative
		return fmt.Errorf("upload slot %d objects: %w", s.Index, err)
	}
	s.dirtyLo, s.dirtyHi = -1, 0
	return nil
}

// WriteCamera uploads the camera block of the frame.
func (s *Slot) WriteCamera(queue hal.Queue, cam scene.Camera, width, height uint32) error {
	var buf [CameraSize]byte
	putMat(buf[0:], cam.ViewProj())
	putMat(buf[64:], cam.PrevViewProj)
	putVec(buf[128:], cam.Position[0], cam.Position[1], cam.Position[2], 1)
	w, h := float32(width), float32(height)
	var invW, invH float32
	if w > 0 && h > 0 {
		invW, invH = 1/w, 1/h
	}
	putVec(buf[144:], w, h, invW, invH)
	if err := queue.WriteBuffer(s.Camera, 0, buf[:]); err != nil {
		return fmt.Errorf("upload slot %d camera: %w", s.Index, err)
	}
	return nil
}

// release frees what the slot's last frame used. The submission must have
// completed.
func (s *Slot) release(device hal.Device) {
	if s.cmd != nil {
		s.Encoder.ResetAll([]hal.CommandBuffer{s.cmd})
		device.FreeCommandBuffer(s.cmd)
		s.cmd = nil
	}
	if s.backbufferView != nil {
		device.DestroyTextureView(s.backbufferView)
		s.backbufferView = nil
	}
}

func (s *Slot) destroy(device hal.Device) {
	if s.Encoder != nil {
		s.release(device)
		s.Encoder.Destroy()
		s.Encoder = nil
	}
	if s.Group != nil {
		device.DestroyBindGroup(s.Group)
		s.Group = nil
	}
	if s.Objects != nil {
		device.DestroyBuffer(s.Objects)
		s.Objects = nil
	}
	if s.Camera != nil {
		device.DestroyBuffer(s.Camera)
		s.Camera = nil
	}
	s.staging = nil
}

func putMat(dst []byte, m mgl32.Mat4) {
	for i, v := range m {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func getMat(src []byte) mgl32.Mat4 {
	var m mgl32.Mat4
	for i := range m {
		m[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return m
}

func putVec(dst []byte, x, y, z, w float32) {
	for i, v := range [4]float32{x, y, z, w} {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}
