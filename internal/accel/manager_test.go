// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package accel

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/unheard/internal/parallel"
	"github.com/gogpu/unheard/internal/scene"
)

func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

// laggingQueue reports completion no further than limit, simulating a GPU
// that has not caught up with submitted work.
type laggingQueue struct {
	hal.Queue
	limit atomic.Uint64
}

func (q *laggingQueue) PollCompleted() uint64 {
	return min(q.Queue.PollCompleted(), q.limit.Load())
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func float32frombits(b []byte) float32 { return math.Float32frombits(le32(b)) }

type copyRecorder struct{ copies int }

func (c *copyRecorder) CopyBufferToBuffer(_, _ hal.Buffer, _ []hal.BufferCopy) { c.copies++ }

func cube(name string) *scene.Mesh {
	v := func(x, y, z float32) scene.Vertex { return scene.Vertex{Position: mgl32.Vec3{x, y, z}} }
	verts := []scene.Vertex{
		v(-1, -1, -1), v(1, -1, -1), v(1, 1, -1), v(-1, 1, -1),
		v(-1, -1, 1), v(1, -1, 1), v(1, 1, 1), v(-1, 1, 1),
	}
	idx := []uint32{
		0, 1, 2, 0, 2, 3, 4, 6, 5, 4, 7, 6,
		0, 4, 5, 0, 5, 1, 3, 2, 6, 3, 6, 7,
		0, 3, 7, 0, 7, 4, 1, 5, 6, 1, 6, 2,
	}
	return scene.NewMesh(name, verts, idx)
}

func newManager(t *testing.T, frames int) (*Manager, *laggingQueue) {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	q := &laggingQueue{Queue: queue}
	q.limit.Store(^uint64(0))
	pool := parallel.NewWorkerPool(4)
	t.Cleanup(pool.Close)
	m := New(Config{Device: device, Queue: q, Pool: pool, Frames: frames})
	t.Cleanup(m.Destroy)
	return m, q
}

func instancesOf(mesh *scene.Mesh, n int) []Instance {
	out := make([]Instance, n)
	for i := range out {
		out[i] = Instance{
			Mesh:      mesh,
			Transform: mgl32.Translate3D(float32(i)*3, 0, 0),
			ID:        uint32(i), //nolint:gosec // test sizes are small
			Mask:      0xFF,
		}
	}
	return out
}

// =============================================================================
// BLAS
// =============================================================================

func TestBuildBLAS_OncePerUniqueMesh(t *testing.T) {
	m, _ := newManager(t, 2)
	a, b := cube("a"), cube("b")

	idx, err := m.BuildBLAS(context.Background(), []*scene.Mesh{a, b, a, nil})
	require.NoError(t, err)
	assert.NotZero(t, idx)
	st := m.Stats()
	assert.Equal(t, 2, st.BLASBuilt)
	assert.Equal(t, 1, st.BLASSubmissions, "one submission per batch")

	addrA, ok := m.Address(a.ID)
	require.True(t, ok)
	addrB, ok := m.Address(b.ID)
	require.True(t, ok)
	assert.NotEqual(t, addrA, addrB)

	idx, err = m.BuildBLAS(context.Background(), []*scene.Mesh{a, b})
	require.NoError(t, err)
	assert.Zero(t, idx, "built meshes are skipped")
	again, _ := m.Address(a.ID)
	assert.Equal(t, addrA, again)
}

func TestBuildBLAS_CanceledContext(t *testing.T) {
	m, _ := newManager(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.BuildBLAS(ctx, []*scene.Mesh{cube("a")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, m.Stats().BLASBuilt)
}

func TestBLASScratchReleasedAfterCompletion(t *testing.T) {
	m, q := newManager(t, 1)
	q.limit.Store(0)

	mesh := cube("a")
	idx, err := m.BuildBLAS(context.Background(), []*scene.Mesh{mesh})
	require.NoError(t, err)
	assert.False(t, m.Ready(mesh.ID))
	assert.Equal(t, 0, m.Collect(), "scratch must survive until the build completes")
	assert.Equal(t, 1, m.Stats().ScratchLive)

	q.limit.Store(idx)
	assert.True(t, m.Ready(mesh.ID))
	assert.Equal(t, 1, m.Collect())
	assert.Equal(t, 0, m.Stats().ScratchLive)
}

// =============================================================================
// TLAS
// =============================================================================

func TestUpdateTLAS_RefusesPendingBLAS(t *testing.T) {
	m, q := newManager(t, 2)
	q.limit.Store(0)
	mesh := cube("a")
	idx, err := m.BuildBLAS(context.Background(), []*scene.Mesh{mesh})
	require.NoError(t, err)

	enc := &copyRecorder{}
	err = m.UpdateTLAS(enc, 0, instancesOf(mesh, 3))
	assert.ErrorIs(t, err, ErrBLASPending)
	assert.Zero(t, enc.copies, "nothing may be recorded against a pending BLAS")
	assert.Zero(t, m.InstanceCount(0))

	q.limit.Store(idx)
	require.NoError(t, m.UpdateTLAS(enc, 0, instancesOf(mesh, 3)))
	assert.Equal(t, 3, m.InstanceCount(0))
}

func TestUpdateTLAS_UnknownMeshAndSlot(t *testing.T) {
	m, _ := newManager(t, 2)
	enc := &copyRecorder{}
	assert.ErrorIs(t, m.UpdateTLAS(enc, 0, instancesOf(cube("x"), 1)), ErrUnknownBLAS)
	assert.ErrorIs(t, m.UpdateTLAS(enc, 2, nil), ErrBadSlot)
	assert.ErrorIs(t, m.UpdateTLAS(enc, -1, nil), ErrBadSlot)
}

func TestUpdateTLAS_AddressesStableAcrossUpdates(t *testing.T) {
	m, _ := newManager(t, 2)
	mesh := cube("a")
	_, err := m.BuildBLAS(context.Background(), []*scene.Mesh{mesh})
	require.NoError(t, err)
	blasAddr, _ := m.Address(mesh.ID)

	enc := &copyRecorder{}
	require.NoError(t, m.UpdateTLAS(enc, 1, instancesOf(mesh, 4)))
	tlasAddr, ok := m.TLASAddress(1)
	require.True(t, ok)
	assert.Equal(t, 1, enc.copies, "first construction goes through scratch")

	const k = 8
	for i := range k {
		require.NoError(t, m.UpdateTLAS(enc, 1, instancesOf(mesh, 1+i%4)))
		got, _ := m.TLASAddress(1)
		assert.Equal(t, tlasAddr, got, "update %d moved the TLAS", i)
		gotBLAS, _ := m.Address(mesh.ID)
		assert.Equal(t, blasAddr, gotBLAS)
	}
	tl := m.TLAS(1)
	assert.Equal(t, 1, tl.Builds)
	assert.Equal(t, k, tl.Updates)
	assert.Equal(t, 1, enc.copies, "in-place updates record no copies")

	// The other slot is independent.
	_, ok = m.TLASAddress(0)
	assert.False(t, ok)
}

func TestUpdateTLAS_RebuildOnRequestAndGrowth(t *testing.T) {
	m, _ := newManager(t, 1)
	mesh := cube("a")
	_, err := m.BuildBLAS(context.Background(), []*scene.Mesh{mesh})
	require.NoError(t, err)
	require.Equal(t, 1, m.Collect())
	enc := &copyRecorder{}

	require.NoError(t, m.UpdateTLAS(enc, 0, instancesOf(mesh, 2)))
	first, _ := m.TLASAddress(0)
	assert.Equal(t, 1, m.Stats().ScratchLive)

	m.RequestRebuild()
	require.NoError(t, m.UpdateTLAS(enc, 0, instancesOf(mesh, 2)))
	second, _ := m.TLASAddress(0)
	assert.NotEqual(t, first, second)

	// The next update releases the rebuild's scratch and stays in place.
	require.NoError(t, m.UpdateTLAS(enc, 0, instancesOf(mesh, 2)))
	third, _ := m.TLASAddress(0)
	assert.Equal(t, second, third)
	assert.Equal(t, 0, m.Stats().ScratchLive)

	capacity := m.TLAS(0).Capacity
	require.NoError(t, m.UpdateTLAS(enc, 0, instancesOf(mesh, capacity+1)))
	grown, _ := m.TLASAddress(0)
	assert.NotEqual(t, third, grown)
	assert.GreaterOrEqual(t, m.TLAS(0).Capacity, capacity+1)
	assert.Equal(t, 3, m.Stats().TLASBuilds)
}

func TestUpdateTLAS_ZeroInstances(t *testing.T) {
	m, _ := newManager(t, 1)
	require.NoError(t, m.UpdateTLAS(&copyRecorder{}, 0, nil))
	assert.Zero(t, m.InstanceCount(0))
}

func TestManager_DestroyRejectsWork(t *testing.T) {
	m, _ := newManager(t, 1)
	m.Destroy()
	_, err := m.BuildBLAS(context.Background(), []*scene.Mesh{cube("a")})
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, m.UpdateTLAS(&copyRecorder{}, 0, nil), ErrDestroyed)
}

func TestPutInstanceLayout(t *testing.T) {
	buf := make([]byte, InstanceSize)
	in := &Instance{Transform: mgl32.Translate3D(5, 6, 7), ID: 9, HitGroup: 3, Mask: 0x0F}
	putInstance(buf, in, 0xDEADBEEF00)

	// Row 0, column 3 holds the x translation.
	assert.Equal(t, float32(5), float32frombits(buf[12:16]))
	assert.Equal(t, float32(7), float32frombits(buf[44:48]))
	assert.Equal(t, uint32(9), le32(buf[48:52]))
	assert.Equal(t, uint32(0x0F000003), le32(buf[52:56]))
	assert.Equal(t, uint64(0xDEADBEEF00), uint64(le32(buf[56:60]))|uint64(le32(buf[60:64]))<<32)
}
