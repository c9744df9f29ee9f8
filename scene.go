// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/scene"
	"github.com/gogpu/unheard/internal/shader"
)

// Scene types.
type (
	Vertex       = scene.Vertex
	Mesh         = scene.Mesh
	Material     = scene.Material
	ShaderSource = scene.ShaderSource
	Texture      = scene.Texture
	Transform    = scene.Transform
	Camera       = scene.Camera
	Light        = scene.Light
	LightKind    = scene.LightKind
	View         = scene.View
	CompileFlag  = scene.CompileFlag
	Group        = scene.Group

	MeshHandle     = scene.Handle[scene.Mesh]
	MaterialHandle = scene.Handle[scene.Material]
	RendererHandle = scene.Handle[scene.Renderer]
)

// Material groups.
const (
	GroupOpaque      = scene.GroupOpaque
	GroupTranslucent = scene.GroupTranslucent
)

// Light models.
const (
	LightDirectional = scene.LightDirectional
	LightPoint       = scene.LightPoint
	LightSpot        = scene.LightSpot
)

// NewMesh builds a mesh and computes its bounds.
func NewMesh(name string, vertices []Vertex, indices []uint32) *Mesh {
	return scene.NewMesh(name, vertices, indices)
}

// NewMaterial returns an opaque material compiled from src. An empty WGSL
// source uses the built-in lit material.
func NewMaterial(name string, src ShaderSource) *Material {
	return scene.NewMaterial(name, src)
}

// DefaultCamera looks down -Z from (0, 0, 5) with a 60 degree perspective.
func DefaultCamera(aspect float32) Camera { return scene.DefaultCamera(aspect) }

// IdentityTransform returns the transform that leaves a mesh in place.
func IdentityTransform() Transform { return scene.IdentityTransform() }

// AddMesh uploads the mesh geometry and registers it. With ray tracing
// enabled its BLAS is built before the next frame.
func (e *Engine) AddMesh(m *Mesh) (MeshHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return MeshHandle{}, ErrClosed
	}
	if m == nil || m.TriangleCount() == 0 {
		return MeshHandle{}, ErrEmptyMesh
	}
	if err := e.uploadMesh(m); err != nil {
		return MeshHandle{}, err
	}
	h := e.store.AddMesh(m)
	if e.accel != nil {
		e.pendingBLAS = append(e.pendingBLAS, m)
	}
	Logger().Debug("unheard: mesh added", "name", m.Name, "triangles", m.TriangleCount())
	return h, nil
}

func (e *Engine) uploadMesh(m *Mesh) error {
	vertices, indices := m.VertexBytes(), m.IndexBytes()
	vb, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: m.Name + "_vertices",
		Size:  uint64(len(vertices)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("unheard: create vertex buffer of %s: %w", m.Name, err)
	}
	ib, err := e.device.CreateBuffer(&hal.BufferDescriptor{
		Label: m.Name + "_indices",
		Size:  uint64(len(indices)),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		e.device.DestroyBuffer(vb)
		return fmt.Errorf("unheard: create index buffer of %s: %w", m.Name, err)
	}
	if err := e.queue.WriteBuffer(vb, 0, vertices); err != nil {
		e.device.DestroyBuffer(vb)
		e.device.DestroyBuffer(ib)
		return fmt.Errorf("unheard: upload vertices of %s: %w", m.Name, err)
	}
	if err := e.queue.WriteBuffer(ib, 0, indices); err != nil {
		e.device.DestroyBuffer(vb)
		e.device.DestroyBuffer(ib)
		return fmt.Errorf("unheard: upload indices of %s: %w", m.Name, err)
	}
	m.VertexBuffer, m.IndexBuffer = vb, ib
	return nil
}

func destroyMeshBuffers(device hal.Device, m *Mesh) {
	if m.VertexBuffer != nil {
		device.DestroyBuffer(m.VertexBuffer)
		m.VertexBuffer = nil
	}
	if m.IndexBuffer != nil {
		device.DestroyBuffer(m.IndexBuffer)
		m.IndexBuffer = nil
	}
}

// Mesh returns the mesh addressed by h.
func (e *Engine) Mesh(h MeshHandle) (*Mesh, bool) {
	return e.store.Mesh(h)
}

// RemoveMesh unregisters a mesh no renderer references and frees its
// buffers and BLAS once the GPU is idle.
func (e *Engine) RemoveMesh(h MeshHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.settleLocked()
	m, ok := e.store.Mesh(h)
	if !ok {
		return ErrUnknownMesh
	}
	if err := e.store.RemoveMesh(h); err != nil {
		return err
	}
	for i, p := range e.pendingBLAS {
		if p == m {
			e.pendingBLAS = append(e.pendingBLAS[:i], e.pendingBLAS[i+1:]...)
			break
		}
	}
	return e.sched.Do(func() error {
		destroyMeshBuffers(e.device, m)
		if e.accel != nil {
			e.accel.RemoveBLAS(m.ID)
		}
		return nil
	})
}

// AddMaterial registers a material. Its shaders are compiled before the
// next frame.
func (e *Engine) AddMaterial(m *Material) (MaterialHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return MaterialHandle{}, ErrClosed
	}
	if m == nil {
		return MaterialHandle{}, ErrUnknownMaterial
	}
	return e.store.AddMaterial(m), nil
}

// Material returns the material addressed by h. Edits to it take effect
// after MarkMaterialDirty or RefreshMaterialShaders.
func (e *Engine) Material(h MaterialHandle) (*Material, bool) {
	return e.store.Material(h)
}

// RemoveMaterial unregisters a material no renderer uses and destroys its
// shader variants once the GPU is idle.
func (e *Engine) RemoveMaterial(h MaterialHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.settleLocked()
	if err := e.store.RemoveMaterial(h); err != nil {
		return err
	}
	return e.sched.Do(func() error {
		e.registry.ReleaseMaterial(h)
		return nil
	})
}

// AddRenderer places mesh with material at t.
func (e *Engine) AddRenderer(mesh MeshHandle, mat MaterialHandle, t Transform) (RendererHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RendererHandle{}, ErrClosed
	}
	return e.store.AddRenderer(mesh, mat, t)
}

// RemoveRenderer removes a renderer and releases its shader variants once
// the GPU is idle. Views still listing it skip it.
func (e *Engine) RemoveRenderer(h RendererHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.settleLocked()
	r, ok := e.store.Renderer(h)
	if !ok {
		return ErrUnknownRenderer
	}
	owner := shader.RendererOwner(r.BufferDataIndex)
	if err := e.store.RemoveRenderer(h); err != nil {
		return err
	}
	return e.sched.Do(func() error {
		e.registry.Release(owner)
		return nil
	})
}

// RendererCount returns the number of live renderers.
func (e *Engine) RendererCount() int {
	return e.store.RendererCount()
}

// SetTransform moves a renderer. It is drawn into the motion pass of the
// next frame and its constants reach every frame slot.
func (e *Engine) SetTransform(h RendererHandle, t Transform) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.store.SetTransform(h, t)
}

// SetView sets the culled and sorted input of the next frames. A zero
// Camera.PrevViewProj is replaced with the last frame's view projection.
func (e *Engine) SetView(v View) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleLocked()
	if v.Camera.PrevViewProj == (mgl32.Mat4{}) {
		v.Camera.PrevViewProj = e.lastViewProj
	}
	e.view = v
}

// View returns the current frame input.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}
