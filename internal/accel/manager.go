// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package accel manages the ray tracing acceleration structures: one
// bottom-level structure (BLAS) per unique mesh and one top-level structure
// (TLAS) per frame slot.
//
// Structures are GPU buffers holding a BVH built on the CPU. BLAS builds are
// parallelized on the worker pool and uploaded in a command buffer of their
// own; a TLAS may only reference a BLAS whose build submission has completed.
// Every structure is given a stable device address at creation.
package accel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"

	"github.com/gogpu/unheard/internal/parallel"
	"github.com/gogpu/unheard/internal/scene"
)

// Errors returned by Manager.
var (
	ErrBLASPending = errors.New("accel: BLAS build has not completed")
	ErrUnknownBLAS = errors.New("accel: no BLAS for mesh")
	ErrBadSlot     = errors.New("accel: frame slot out of range")
	ErrDestroyed   = errors.New("accel: manager destroyed")
)

const (
	// InstanceSize is the encoded size of one TLAS instance record:
	// a row-major 3x4 transform, the instance id, hit group and mask packed
	// in one word, and the BLAS device address.
	InstanceSize = 64

	// TriangleSize is the encoded size of one BLAS triangle (3 x vec4).
	TriangleSize = 48

	blasLeafSize    = 4
	minTLASCapacity = 16
	addressAlign    = 256
	baseAddress     = 0x10000
)

// Encoder is the subset of hal.CommandEncoder used to record uploads.
type Encoder interface {
	CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy)
}

// BLAS is the bottom-level structure of one mesh.
type BLAS struct {
	Mesh       uuid.UUID
	Buffer     hal.Buffer
	Address    uint64
	Size       uint64
	Nodes      int
	Triangles  int
	Submission uint64
}

// Instance is one renderer placed in a TLAS.
type Instance struct {
	Mesh      *scene.Mesh
	Transform mgl32.Mat4
	ID        uint32 // buffer-data index
	HitGroup  uint32
	Mask      uint8
}

// TLAS is the top-level structure of one frame slot.
type TLAS struct {
	Buffer   hal.Buffer
	Address  uint64
	Capacity int
	Count    int
	Bounds   scene.AABB
	Builds   int
	Updates  int

	scratch hal.Buffer
}

// Stats counts manager work.
type Stats struct {
	BLASBuilt       int
	BLASSubmissions int
	TLASBuilds      int
	TLASUpdates     int
	ScratchLive     int
}

type pendingScratch struct {
	buffer     hal.Buffer
	cmd        hal.CommandBuffer
	enc        hal.CommandEncoder
	submission uint64
}

// Config configures a Manager.
type Config struct {
	Device hal.Device
	Queue  hal.Queue
	Pool   *parallel.WorkerPool
	Frames int
}

// Manager owns every acceleration structure.
type Manager struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	pool   *parallel.WorkerPool

	blas    map[uuid.UUID]*BLAS
	tlas    []*TLAS
	rebuild []bool
	scratch []pendingScratch

	nextAddress uint64
	stats       Stats
	destroyed   bool
}

// New creates a manager with one TLAS slot per frame in flight.
func New(cfg Config) *Manager {
	frames := max(cfg.Frames, 1)
	return &Manager{
		device:      cfg.Device,
		queue:       cfg.Queue,
		pool:        cfg.Pool,
		blas:        make(map[uuid.UUID]*BLAS),
		tlas:        make([]*TLAS, frames),
		rebuild:     make([]bool, frames),
		nextAddress: baseAddress,
	}
}

func (m *Manager) allocAddress(size uint64) uint64 {
	addr := m.nextAddress
	m.nextAddress += (size + addressAlign - 1) / addressAlign * addressAlign
	return addr
}

type blasBuild struct {
	mesh *scene.Mesh
	data []byte
	bvh  BVH
}

// BuildBLAS builds the structures of meshes that have none yet. The CPU
// builds run in parallel on the worker pool; the uploads share one command
// buffer and one submission, whose index is returned (0 when nothing was
// built).
func (m *Manager) BuildBLAS(ctx context.Context, meshes []*scene.Mesh) (uint64, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0, ErrDestroyed
	}
	var todo []*blasBuild
	seen := make(map[uuid.UUID]bool, len(meshes))
	for _, mesh := range meshes {
		if mesh == nil || seen[mesh.ID] || mesh.TriangleCount() == 0 {
			continue
		}
		seen[mesh.ID] = true
		if _, ok := m.blas[mesh.ID]; !ok {
			todo = append(todo, &blasBuild{mesh: mesh})
		}
	}
	m.mu.Unlock()
	if len(todo) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	work := make([]func(), len(todo))
	for i, b := range todo {
		work[i] = func() { b.build() }
	}
	if m.pool != nil && m.pool.IsRunning() {
		m.pool.ExecuteAll(work)
	} else {
		for _, w := range work {
			w()
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadBLAS(todo)
}

func (b *blasBuild) build() {
	mesh := b.mesh
	tris := mesh.TriangleCount()
	bounds := make([]scene.AABB, tris)
	for t := range tris {
		bounds[t] = mesh.TriangleBounds(t)
	}
	b.bvh = Build(bounds, blasLeafSize)

	head := b.bvh.EncodedSize()
	b.data = make([]byte, head+tris*TriangleSize)
	copy(b.data, b.bvh.Encode())
	off := head
	for _, t := range b.bvh.Order {
		for k := range 3 {
			p := mesh.Vertices[mesh.Indices[int(t)*3+k]].Position
			binary.LittleEndian.PutUint32(b.data[off:], math.Float32bits(p.X()))
			binary.LittleEndian.PutUint32(b.data[off+4:], math.Float32bits(p.Y()))
			binary.LittleEndian.PutUint32(b.data[off+8:], math.Float32bits(p.Z()))
			binary.LittleEndian.PutUint32(b.data[off+12:], math.Float32bits(1))
			off += 16
		}
	}
}

func (m *Manager) uploadBLAS(todo []*blasBuild) (uint64, error) {
	enc, err := m.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "blas_build"})
	if err != nil {
		return 0, fmt.Errorf("accel: create encoder: %w", err)
	}
	if err := enc.BeginEncoding("blas_build"); err != nil {
		enc.Destroy()
		return 0, fmt.Errorf("accel: begin encoding: %w", err)
	}

	built := make([]*BLAS, 0, len(todo))
	scratch := make([]hal.Buffer, 0, len(todo))
	fail := func(err error) (uint64, error) {
		enc.DiscardEncoding()
		enc.Destroy()
		for _, b := range built {
			m.device.DestroyBuffer(b.Buffer)
		}
		for _, s := range scratch {
			m.device.DestroyBuffer(s)
		}
		return 0, err
	}

	for _, b := range todo {
		size := uint64(len(b.data))
		buf, err := m.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "blas_" + b.mesh.Name,
			Size:  size,
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fail(fmt.Errorf("accel: create BLAS buffer: %w", err))
		}
		built = append(built, &BLAS{
			Mesh:      b.mesh.ID,
			Buffer:    buf,
			Size:      size,
			Nodes:     len(b.bvh.Nodes),
			Triangles: len(b.bvh.Order),
		})
		s, err := m.writeScratch("blas_scratch_"+b.mesh.Name, b.data)
		if err != nil {
			return fail(err)
		}
		scratch = append(scratch, s)
		enc.CopyBufferToBuffer(s, buf, []hal.BufferCopy{{Size: size}})
	}

	cmd, err := enc.EndEncoding()
	if err != nil {
		return fail(fmt.Errorf("accel: end encoding: %w", err))
	}
	idx, err := m.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		m.device.FreeCommandBuffer(cmd)
		enc.Destroy()
		for _, b := range built {
			m.device.DestroyBuffer(b.Buffer)
		}
		for _, s := range scratch {
			m.device.DestroyBuffer(s)
		}
		return 0, fmt.Errorf("accel: submit BLAS build: %w", err)
	}

	for i, b := range built {
		b.Submission = idx
		b.Address = m.allocAddress(b.Size)
		m.blas[b.Mesh] = b
		m.scratch = append(m.scratch, pendingScratch{buffer: scratch[i], submission: idx})
	}
	last := &m.scratch[len(m.scratch)-1]
	last.cmd, last.enc = cmd, enc
	m.stats.BLASBuilt += len(built)
	m.stats.BLASSubmissions++
	slogger().Debug("accel: BLAS batch submitted", "count", len(built), "submission", idx)
	return idx, nil
}

func (m *Manager) writeScratch(label string, data []byte) (hal.Buffer, error) {
	s, err := m.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("accel: create scratch: %w", err)
	}
	if err := m.queue.WriteBuffer(s, 0, data); err != nil {
		m.device.DestroyBuffer(s)
		return nil, fmt.Errorf("accel: fill scratch: %w", err)
	}
	return s, nil
}

// Collect releases the scratch memory of BLAS builds whose submission has
// completed and returns how many buffers were freed.
func (m *Manager) Collect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	done := m.queue.PollCompleted()
	kept := m.scratch[:0]
	freed := 0
	for _, s := range m.scratch {
		if s.submission > done {
			kept = append(kept, s)
			continue
		}
		m.releaseScratch(s)
		freed++
	}
	m.scratch = kept
	return freed
}

func (m *Manager) releaseScratch(s pendingScratch) {
	m.device.DestroyBuffer(s.buffer)
	if s.cmd != nil {
		m.device.FreeCommandBuffer(s.cmd)
	}
	if s.enc != nil {
		s.enc.Destroy()
	}
}

// Ready reports whether the BLAS of mesh exists and its build completed.
func (m *Manager) Ready(mesh uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blas[mesh]
	return ok && b.Submission <= m.queue.PollCompleted()
}

// Address returns the device address of the BLAS of mesh.
func (m *Manager) Address(mesh uuid.UUID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blas[mesh]
	if !ok {
		return 0, false
	}
	return b.Address, true
}

// RemoveBLAS destroys the BLAS of mesh. The caller must have idled the GPU.
func (m *Manager) RemoveBLAS(mesh uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blas[mesh]; ok {
		m.device.DestroyBuffer(b.Buffer)
		delete(m.blas, mesh)
	}
}

// RequestRebuild forces every slot's next UpdateTLAS to rebuild instead of
// updating in place.
func (m *Manager) RequestRebuild() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rebuild {
		m.rebuild[i] = true
	}
}

// UpdateTLAS refreshes the TLAS of slot from instances. It must be called
// while recording the slot, after the slot's previous frame completed.
// The structure is updated in place when it has room and no rebuild was
// requested, keeping its address; otherwise it is rebuilt into a new buffer
// through a scratch copy recorded on enc.
func (m *Manager) UpdateTLAS(enc Encoder, slot int, instances []Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if slot < 0 || slot >= len(m.tlas) {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	done := m.queue.PollCompleted()
	records := make([]byte, len(instances)*InstanceSize)
	bounds := make([]scene.AABB, len(instances))
	for i := range instances {
		in := &instances[i]
		if in.Mesh == nil {
			return fmt.Errorf("%w: instance %d has no mesh", ErrUnknownBLAS, in.ID)
		}
		b, ok := m.blas[in.Mesh.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBLAS, in.Mesh.Name)
		}
		if b.Submission > done {
			return fmt.Errorf("%w: %s (submission %d, completed %d)", ErrBLASPending, in.Mesh.Name, b.Submission, done)
		}
		putInstance(records[i*InstanceSize:], in, b.Address)
		bounds[i] = in.Mesh.Bounds.Transform(in.Transform)
	}
	bvh := Build(bounds, 1)
	data := append(records, bvh.Encode()...)

	t := m.tlas[slot]
	// The slot's previous frame has completed, so last frame's scratch is
	// no longer referenced.
	if t != nil && t.scratch != nil {
		m.device.DestroyBuffer(t.scratch)
		t.scratch = nil
	}

	if t != nil && !m.rebuild[slot] && len(instances) <= t.Capacity {
		if err := m.queue.WriteBuffer(t.Buffer, 0, data); err != nil {
			return fmt.Errorf("accel: update TLAS: %w", err)
		}
		t.Count = len(instances)
		t.Bounds = bvh.Bounds()
		t.Updates++
		m.stats.TLASUpdates++
		return nil
	}
	return m.rebuildTLAS(enc, slot, instances, data, bvh)
}

func tlasSize(capacity int) uint64 {
	// Instance records, at most 2n-1 nodes and n order entries.
	return uint64(capacity*InstanceSize + (2*capacity-1)*NodeSize + capacity*4) //nolint:gosec // capacity is positive
}

func (m *Manager) rebuildTLAS(enc Encoder, slot int, instances []Instance, data []byte, bvh BVH) error {
	old := m.tlas[slot]
	capacity := max(len(instances), minTLASCapacity)
	if old != nil {
		capacity = max(capacity, old.Capacity)
		for capacity < len(instances) {
			capacity *= 2
		}
	}
	size := tlasSize(capacity)
	buf, err := m.device.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("tlas_slot%d", slot),
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("accel: create TLAS buffer: %w", err)
	}
	scratch, err := m.writeScratch(fmt.Sprintf("tlas_scratch_slot%d", slot), data)
	if err != nil {
		m.device.DestroyBuffer(buf)
		return err
	}
	enc.CopyBufferToBuffer(scratch, buf, []hal.BufferCopy{{Size: uint64(len(data))}})

	t := &TLAS{
		Buffer:   buf,
		Address:  m.allocAddress(size),
		Capacity: capacity,
		Count:    len(instances),
		Bounds:   bvh.Bounds(),
		scratch:  scratch,
	}
	if old != nil {
		t.Builds = old.Builds
		t.Updates = old.Updates
		m.device.DestroyBuffer(old.Buffer)
	}
	t.Builds++
	m.tlas[slot] = t
	m.rebuild[slot] = false
	m.stats.TLASBuilds++
	slogger().Debug("accel: TLAS rebuilt", "slot", slot, "instances", len(instances), "capacity", capacity)
	return nil
}

func putInstance(buf []byte, in *Instance, blasAddress uint64) {
	// Row-major 3x4: rows of the upper three rows of the column-major mat4.
	for row := range 3 {
		for col := range 4 {
			binary.LittleEndian.PutUint32(buf[(row*4+col)*4:], math.Float32bits(in.Transform.At(row, col)))
		}
	}
	binary.LittleEndian.PutUint32(buf[48:], in.ID)
	binary.LittleEndian.PutUint32(buf[52:], uint32(in.Mask)<<24|in.HitGroup&0x00FFFFFF)
	binary.LittleEndian.PutUint64(buf[56:], blasAddress)
}

// InstanceCount returns the number of instances in the TLAS of slot. The
// ray-traced passes are skipped when it is zero.
func (m *Manager) InstanceCount(slot int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.tlas) || m.tlas[slot] == nil {
		return 0
	}
	return m.tlas[slot].Count
}

// TLASAddress returns the device address of the TLAS of slot.
func (m *Manager) TLASAddress(slot int) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.tlas) || m.tlas[slot] == nil {
		return 0, false
	}
	return m.tlas[slot].Address, true
}

// TLAS returns the structure of slot, or nil before its first build.
func (m *Manager) TLAS(slot int) *TLAS {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot < 0 || slot >= len(m.tlas) {
		return nil
	}
	return m.tlas[slot]
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ScratchLive = len(m.scratch)
	for _, t := range m.tlas {
		if t != nil && t.scratch != nil {
			s.ScratchLive++
		}
	}
	return s
}

// Destroy releases every structure and scratch buffer. The caller must have
// idled the GPU.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	for _, s := range m.scratch {
		m.releaseScratch(s)
	}
	m.scratch = nil
	for id, b := range m.blas {
		m.device.DestroyBuffer(b.Buffer)
		delete(m.blas, id)
	}
	for i, t := range m.tlas {
		if t == nil {
			continue
		}
		if t.scratch != nil {
			m.device.DestroyBuffer(t.scratch)
		}
		m.device.DestroyBuffer(t.Buffer)
		m.tlas[i] = nil
	}
}
