// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import "github.com/go-gl/mathgl/mgl32"

// Transform is a TRS transform.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

// IdentityTransform returns the identity TRS.
func IdentityTransform() Transform {
	return Transform{
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

// ObjectToWorld returns T * R * S.
func (t Transform) ObjectToWorld() mgl32.Mat4 {
	translate := mgl32.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
	scale := mgl32.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())
	return translate.Mul4(t.Rotation.Mat4()).Mul4(scale)
}

// WorldToObject returns inv(S) * inv(R) * inv(T).
func (t Transform) WorldToObject() mgl32.Mat4 {
	invScale := mgl32.Scale3D(1/t.Scale.X(), 1/t.Scale.Y(), 1/t.Scale.Z())
	invTranslate := mgl32.Translate3D(-t.Position.X(), -t.Position.Y(), -t.Position.Z())
	return invScale.Mul4(t.Rotation.Conjugate().Mat4()).Mul4(invTranslate)
}

// Renderer is one mesh instance drawn with one material.
type Renderer struct {
	Mesh      Handle[Mesh]
	Material  Handle[Material]
	Transform Transform

	// World is the current object-to-world matrix; PrevWorld is last frame's.
	World     mgl32.Mat4
	PrevWorld mgl32.Mat4

	// BufferDataIndex addresses the renderer's record in the per-frame object
	// constant buffers. It changes only on removal or group reassignment.
	BufferDataIndex int

	// renderDirty counts the frame slots that still hold stale constants.
	renderDirty int
	// MotionDirty is set for the frame in which the transform changed.
	MotionDirty bool
}

// RenderDirty reports whether some frame slot still needs fresh constants.
func (r *Renderer) RenderDirty() bool { return r.renderDirty > 0 }
