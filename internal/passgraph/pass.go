// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import "github.com/gogpu/unheard/internal/barrier"

// PassID identifies a pass. The numeric order is the execution order.
type PassID uint8

const (
	PassBuildTLAS PassID = iota
	PassRayOcclusion
	PassDepth
	PassBase
	PassRayShadow
	PassLight
	PassSky
	PassTranslucent
	PassMotion
	PassRayReflection
	PassRayIndirect
	PassPost
	PassPresentBlit

	passCount
)

var passNames = [passCount]string{
	PassBuildTLAS:     "BuildTLAS",
	PassRayOcclusion:  "RayOcclusionTest",
	PassDepth:         "DepthPrepass",
	PassBase:          "BasePass",
	PassRayShadow:     "RayShadow",
	PassLight:         "LightPass",
	PassSky:           "SkyPass",
	PassTranslucent:   "TranslucentPass",
	PassMotion:        "MotionPass",
	PassRayReflection: "RayReflection",
	PassRayIndirect:   "RayIndirectLight",
	PassPost:          "PostProcess",
	PassPresentBlit:   "PresentBlit",
}

// String returns the pass name.
func (p PassID) String() string {
	if p < passCount {
		return passNames[p]
	}
	return "Pass(?)"
}

// Attachment declares the layout a target must be in while a pass runs and
// the layout the pass leaves it in.
type Attachment struct {
	Target TargetID
	Entry  barrier.Layout
	Exit   barrier.Layout
}

// Descriptor is the static description of one pass.
type Descriptor struct {
	ID          PassID
	Attachments []Attachment

	// RayTracing marks members of the ray-tracing set. They exist only when
	// the graph was created with an acceleration structure manager.
	RayTracing bool
	// NeedsInstances marks passes skipped when the TLAS of the frame is
	// empty.
	NeedsInstances bool
	// Occlusion marks the predicate pass, present only with occlusion
	// culling enabled.
	Occlusion bool
}

func at(t TargetID, l barrier.Layout) Attachment { return Attachment{Target: t, Entry: l, Exit: l} }

var descriptors = [passCount]Descriptor{
	PassBuildTLAS: {ID: PassBuildTLAS, RayTracing: true},
	PassRayOcclusion: {
		ID: PassRayOcclusion, RayTracing: true, NeedsInstances: true, Occlusion: true,
	},
	PassDepth: {ID: PassDepth, Attachments: []Attachment{
		at(TargetDepth, barrier.DepthTarget),
	}},
	PassBase: {ID: PassBase, Attachments: []Attachment{
		at(TargetAlbedo, barrier.ColorTarget),
		at(TargetNormal, barrier.ColorTarget),
		at(TargetSurface, barrier.ColorTarget),
		at(TargetDepth, barrier.DepthRead),
	}},
	PassRayShadow: {ID: PassRayShadow, RayTracing: true, NeedsInstances: true, Attachments: []Attachment{
		at(TargetDepth, barrier.ShaderRead),
		at(TargetNormal, barrier.ShaderRead),
		at(TargetSurface, barrier.ShaderRead),
		at(TargetShadow, barrier.StorageWrite),
	}},
	PassLight: {ID: PassLight, Attachments: []Attachment{
		at(TargetAlbedo, barrier.ShaderRead),
		at(TargetNormal, barrier.ShaderRead),
		at(TargetSurface, barrier.ShaderRead),
		at(TargetDepth, barrier.ShaderRead),
		at(TargetShadow, barrier.ShaderRead),
		at(TargetSceneColor, barrier.ColorTarget),
	}},
	PassSky: {ID: PassSky, Attachments: []Attachment{
		at(TargetSceneColor, barrier.ColorTarget),
		at(TargetDepth, barrier.DepthRead),
	}},
	PassTranslucent: {ID: PassTranslucent, Attachments: []Attachment{
		at(TargetSceneColor, barrier.ColorTarget),
		at(TargetDepth, barrier.DepthRead),
	}},
	PassMotion: {ID: PassMotion, Attachments: []Attachment{
		at(TargetMotion, barrier.ColorTarget),
		at(TargetDepth, barrier.DepthRead),
	}},
	PassRayReflection: {ID: PassRayReflection, RayTracing: true, NeedsInstances: true, Attachments: []Attachment{
		at(TargetDepth, barrier.ShaderRead),
		at(TargetNormal, barrier.ShaderRead),
		at(TargetSurface, barrier.ShaderRead),
		at(TargetReflection, barrier.StorageWrite),
	}},
	PassRayIndirect: {ID: PassRayIndirect, RayTracing: true, NeedsInstances: true, Attachments: []Attachment{
		at(TargetDepth, barrier.ShaderRead),
		at(TargetNormal, barrier.ShaderRead),
		at(TargetSurface, barrier.ShaderRead),
		at(TargetIndirect, barrier.StorageWrite),
	}},
	PassPost: {ID: PassPost, Attachments: []Attachment{
		at(TargetAlbedo, barrier.ShaderRead),
		at(TargetNormal, barrier.ShaderRead),
		at(TargetSurface, barrier.ShaderRead),
		at(TargetDepth, barrier.ShaderRead),
		at(TargetShadow, barrier.ShaderRead),
		at(TargetSceneColor, barrier.ShaderRead),
		at(TargetMotion, barrier.ShaderRead),
		at(TargetReflection, barrier.ShaderRead),
		at(TargetIndirect, barrier.ShaderRead),
		at(TargetPost, barrier.ColorTarget),
	}},
	PassPresentBlit: {ID: PassPresentBlit, Attachments: []Attachment{
		at(TargetPost, barrier.ShaderRead),
		{Target: TargetBackbuffer, Entry: barrier.ColorTarget, Exit: barrier.Present},
	}},
}

// Order returns the passes a graph with the given capabilities executes, in
// order. Passes needing TLAS instances are still listed; the graph skips
// them per frame.
func Order(rayTracing, occlusion bool) []PassID {
	out := make([]PassID, 0, passCount)
	for p := range passCount {
		d := &descriptors[p]
		if d.RayTracing && !rayTracing {
			continue
		}
		if d.Occlusion && !occlusion {
			continue
		}
		out = append(out, p)
	}
	return out
}
