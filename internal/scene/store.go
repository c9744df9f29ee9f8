// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Errors returned by Store.
var (
	ErrUnknownMesh     = errors.New("scene: unknown mesh")
	ErrUnknownMaterial = errors.New("scene: unknown material")
	ErrUnknownRenderer = errors.New("scene: unknown renderer")
	ErrMeshInUse       = errors.New("scene: mesh still referenced")
	ErrMaterialInUse   = errors.New("scene: material still referenced")
)

// Store owns every mesh, material and renderer record.
//
// Mutations happen on the main thread between frames; the render thread
// reads through Resolve while the main thread is blocked on the frame
// handshake. The mutex makes the remaining overlap (editor calls racing a
// frame) safe.
type Store struct {
	mu sync.RWMutex

	framesInFlight int

	meshes    Arena[Mesh]
	materials Arena[Material]
	renderers Arena[Renderer]

	objectIndices   indexAllocator
	materialIndices indexAllocator
}

// NewStore creates an empty store. framesInFlight sets how many frame slots
// a transform change must be uploaded to.
func NewStore(framesInFlight int) *Store {
	if framesInFlight < 1 {
		framesInFlight = 1
	}
	return &Store{framesInFlight: framesInFlight}
}

// AddMesh registers a mesh.
func (s *Store) AddMesh(m *Mesh) Handle[Mesh] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meshes.Insert(m)
}

// Mesh returns the mesh addressed by h.
func (s *Store) Mesh(h Handle[Mesh]) (*Mesh, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meshes.Get(h)
}

// EachMesh calls fn for every registered mesh.
func (s *Store) EachMesh(fn func(Handle[Mesh], *Mesh)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.meshes.Each(func(h Handle[Mesh], m *Mesh) bool {
		fn(h, m)
		return true
	})
}

// RemoveMesh unregisters a mesh that no renderer references.
func (s *Store) RemoveMesh(h Handle[Mesh]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inUse := false
	s.renderers.Each(func(_ Handle[Renderer], r *Renderer) bool {
		inUse = r.Mesh == h
		return !inUse
	})
	if inUse {
		return ErrMeshInUse
	}
	if !s.meshes.Remove(h) {
		return ErrUnknownMesh
	}
	return nil
}

// AddMaterial registers a material and assigns its buffer-data index.
func (s *Store) AddMaterial(m *Material) Handle[Material] {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.BufferDataIndex = s.materialIndices.alloc()
	return s.materials.Insert(m)
}

// Material returns the material addressed by h.
func (s *Store) Material(h Handle[Material]) (*Material, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.materials.Get(h)
}

// RemoveMaterial unregisters a material that no renderer references and
// frees its buffer-data index.
func (s *Store) RemoveMaterial(h Handle[Material]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.materials.Get(h)
	if !ok {
		return ErrUnknownMaterial
	}
	if len(s.renderersOfLocked(h)) > 0 {
		return ErrMaterialInUse
	}
	s.materials.Remove(h)
	s.materialIndices.release(m.BufferDataIndex)
	return nil
}

// EachMaterial calls fn for every registered material.
func (s *Store) EachMaterial(fn func(Handle[Material], *Material)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.materials.Each(func(h Handle[Material], m *Material) bool {
		fn(h, m)
		return true
	})
}

// AddRenderer creates a renderer instance with a fresh buffer-data index.
func (s *Store) AddRenderer(mesh Handle[Mesh], mat Handle[Material], t Transform) (Handle[Renderer], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meshes.Get(mesh); !ok {
		return Handle[Renderer]{}, ErrUnknownMesh
	}
	if _, ok := s.materials.Get(mat); !ok {
		return Handle[Renderer]{}, ErrUnknownMaterial
	}
	world := t.ObjectToWorld()
	r := &Renderer{
		Mesh:            mesh,
		Material:        mat,
		Transform:       t,
		World:           world,
		PrevWorld:       world,
		BufferDataIndex: s.objectIndices.alloc(),
		renderDirty:     s.framesInFlight,
	}
	return s.renderers.Insert(r), nil
}

// Renderer returns the renderer addressed by h.
func (s *Store) Renderer(h Handle[Renderer]) (*Renderer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderers.Get(h)
}

// RemoveRenderer destroys a renderer and frees its buffer-data index.
func (s *Store) RemoveRenderer(h Handle[Renderer]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renderers.Get(h)
	if !ok {
		return ErrUnknownRenderer
	}
	s.renderers.Remove(h)
	s.objectIndices.release(r.BufferDataIndex)
	return nil
}

// RendererCount returns the number of live renderers.
func (s *Store) RendererCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderers.Len()
}

// ObjectCapacity returns one past the largest buffer-data index in use so
// far; per-object buffers must hold at least this many records.
func (s *Store) ObjectCapacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objectIndices.highWater()
}

// SetTransform moves a renderer. The new constants are uploaded to every
// frame slot and the renderer is drawn into the motion pass this frame.
func (s *Store) SetTransform(h Handle[Renderer], t Transform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renderers.Get(h)
	if !ok {
		return ErrUnknownRenderer
	}
	r.Transform = t
	r.World = t.ObjectToWorld()
	r.renderDirty = s.framesInFlight
	r.MotionDirty = true
	return nil
}

// RenderersOf returns the renderers currently using mat. The relation is
// computed from the renderer collection on every call.
func (s *Store) RenderersOf(mat Handle[Material]) []Handle[Renderer] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renderersOfLocked(mat)
}

func (s *Store) renderersOfLocked(mat Handle[Material]) []Handle[Renderer] {
	var out []Handle[Renderer]
	s.renderers.Each(func(h Handle[Renderer], r *Renderer) bool {
		if r.Material == mat {
			out = append(out, h)
		}
		return true
	})
	return out
}

// Reassignment records a renderer that moved to a new buffer-data index.
type Reassignment struct {
	Renderer Handle[Renderer]
	OldIndex int
	NewIndex int
}

// ReassignGroup moves mat into group g. Every renderer using mat receives a
// fresh buffer-data index that differs from its old one.
func (s *Store) ReassignGroup(mat Handle[Material], g Group) ([]Reassignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.materials.Get(mat)
	if !ok {
		return nil, ErrUnknownMaterial
	}
	m.Group = g

	users := s.renderersOfLocked(mat)
	moved := make([]Reassignment, 0, len(users))
	released := make([]int, 0, len(users))
	for _, h := range users {
		r, _ := s.renderers.Get(h)
		old := r.BufferDataIndex
		r.BufferDataIndex = s.objectIndices.alloc()
		r.renderDirty = s.framesInFlight
		released = append(released, old)
		moved = append(moved, Reassignment{Renderer: h, OldIndex: old, NewIndex: r.BufferDataIndex})
	}
	for _, idx := range released {
		s.objectIndices.release(idx)
	}
	return moved, nil
}

// DrainDirty calls fn for every renderer whose constants are stale in the
// slot being recorded, and counts that slot as refreshed.
func (s *Store) DrainDirty(fn func(*Renderer)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.renderers.Each(func(_ Handle[Renderer], r *Renderer) bool {
		if r.renderDirty > 0 {
			fn(r)
			r.renderDirty--
			n++
		}
		return true
	})
	return n
}

// MarkAllDirty forces every renderer to be re-uploaded to all slots, used
// after frame resources are recreated.
func (s *Store) MarkAllDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderers.Each(func(_ Handle[Renderer], r *Renderer) bool {
		r.renderDirty = s.framesInFlight
		return true
	})
}

// EndFrame rolls current transforms into the previous-frame history.
func (s *Store) EndFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderers.Each(func(_ Handle[Renderer], r *Renderer) bool {
		r.PrevWorld = r.World
		r.MotionDirty = false
		return true
	})
}

// DrawItem is a renderer resolved against its mesh and material for one
// frame of recording.
type DrawItem struct {
	Renderer        Handle[Renderer]
	BufferDataIndex int
	Mesh            *Mesh
	Material        *Material
	MaterialHandle  Handle[Material]
	World           mgl32.Mat4
	MotionDirty     bool
}

// Resolve turns a sorted renderer list into draw items, preserving order.
// Renderers whose mesh or material is gone are skipped and counted in
// missing; they are content errors the caller logs.
func (s *Store) Resolve(list []Handle[Renderer]) (items []DrawItem, missing int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items = make([]DrawItem, 0, len(list))
	for _, h := range list {
		r, ok := s.renderers.Get(h)
		if !ok {
			missing++
			continue
		}
		mesh, okMesh := s.meshes.Get(r.Mesh)
		mat, okMat := s.materials.Get(r.Material)
		if !okMesh || !okMat {
			missing++
			continue
		}
		items = append(items, DrawItem{
			Renderer:        h,
			BufferDataIndex: r.BufferDataIndex,
			Mesh:            mesh,
			Material:        mat,
			MaterialHandle:  r.Material,
			World:           r.World,
			MotionDirty:     r.MotionDirty,
		})
	}
	return items, missing
}

// String summarizes the store for logs.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("scene.Store{meshes: %d, materials: %d, renderers: %d}",
		s.meshes.Len(), s.materials.Len(), s.renderers.Len())
}
