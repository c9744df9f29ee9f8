// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import "github.com/go-gl/mathgl/mgl32"

// Camera holds the matrices for one frame.
type Camera struct {
	Position     mgl32.Vec3
	View         mgl32.Mat4
	Proj         mgl32.Mat4
	PrevViewProj mgl32.Mat4
}

// ViewProj returns Proj * View.
func (c Camera) ViewProj() mgl32.Mat4 { return c.Proj.Mul4(c.View) }

// DefaultCamera looks down -Z from (0, 0, 5) with a 60 degree perspective.
func DefaultCamera(aspect float32) Camera {
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 5}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	proj := mgl32.Perspective(mgl32.DegToRad(60), aspect, 0.1, 1000)
	return Camera{
		Position:     mgl32.Vec3{0, 0, 5},
		View:         view,
		Proj:         proj,
		PrevViewProj: proj.Mul4(view),
	}
}

// LightKind selects the light model.
type LightKind uint8

const (
	LightDirectional LightKind = iota
	LightPoint
	LightSpot
)

// Light is one entry of the light list.
type Light struct {
	Kind      LightKind
	Position  mgl32.Vec3
	Direction mgl32.Vec3
	Color     mgl32.Vec3
	Intensity float32
	Range     float32
}

// View is the culled, sorted frame input produced by the culling
// collaborator. Opaque is sorted front-to-back and Translucent back-to-front;
// the pass graph draws both in the given order.
type View struct {
	Opaque      []Handle[Renderer]
	Translucent []Handle[Renderer]
	Camera      Camera
	Lights      []Light
}
