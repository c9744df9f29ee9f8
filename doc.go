// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package unheard is a frame-pipelined deferred rendering core on top of
// the gogpu HAL.
//
// # Overview
//
// An Engine renders a culled, sorted scene view through a fixed pass graph:
// optional ray-traced acceleration structure and occlusion passes, a depth
// prepass, a G-buffer base pass, lighting, sky, translucent and motion
// vector passes, optional ray-traced shadow, reflection and indirect light,
// post-processing and the present blit. Several frames are in flight; a
// frame slot's command buffer and constants are reused only after its
// previous submission completed.
//
// # Quick Start
//
//	e, err := unheard.New(device, queue, surface,
//	    unheard.WithFramesInFlight(2),
//	    unheard.WithRayTracing(true),
//	)
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	mesh, _ := e.AddMesh(unheard.NewMesh("cube", vertices, indices))
//	mat, _ := e.AddMaterial(unheard.NewMaterial("stone", unheard.ShaderSource{}))
//	r, _ := e.AddRenderer(mesh, mat, unheard.IdentityTransform())
//
//	e.SetView(unheard.View{Opaque: []unheard.RendererHandle{r}, Camera: camera})
//	for running {
//	    if err := e.RenderFrame(ctx); err != nil {
//	        return err
//	    }
//	}
//
// # Draw Paths
//
// Draw submission is chosen once at creation. The classic path records one
// secondary command list per worker for each pass, in parallel on a fixed
// worker pool, and replays them in order. The mesh-shader path draws each
// material group with one indirect call from a bindless draw table.
//
// # Editing
//
// Material edits are recorded with MarkMaterialDirty and applied at the
// next frame boundary, or immediately with RefreshMaterialShaders. Every
// operation that replaces GPU objects (shader refresh, descriptor update,
// resize, debug view selection) waits for the GPU to go idle first.
//
// # Device Loss
//
// A lost device or an outdated surface makes the frame resolve with
// FrameNeedsReset. The next RenderFrame idles the GPU and rebuilds the pass
// graph, the surface configuration and every object constant before
// rendering.
//
// # Logging
//
// The engine logs through log/slog and is silent by default; see SetLogger.
package unheard
