// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command unheardbench renders a grid of cubes on the noop backend and
// prints the average CPU time of every pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/unheard"
)

func main() {
	var (
		frames     = flag.Int("frames", 240, "frames to render")
		renderers  = flag.Int("renderers", 1024, "cubes in the scene")
		moving     = flag.Int("moving", 64, "cubes moved every frame")
		inFlight   = flag.Int("frames-in-flight", 2, "frame slots")
		workers    = flag.Int("workers", 0, "worker pool size (0 = NumCPU)")
		submitters = flag.Int("submitters", 0, "workers recording one pass (0 = default)")
		rayTracing = flag.Bool("rt", false, "enable the ray-traced passes")
		occlusion  = flag.Bool("occlusion", false, "enable ray-traced occlusion culling")
		mesh       = flag.Bool("mesh-shaders", false, "use the mesh-shader draw path")
		validate   = flag.Bool("validate", false, "validate resource layouts")
		stubWGSL   = flag.Bool("stub-wgsl", false, "skip the naga front end")
		verbose    = flag.Bool("v", false, "debug logging to stderr")
	)
	flag.Parse()

	if *verbose {
		unheard.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	device, queue, cleanup, err := openNoop()
	if err != nil {
		log.Fatalf("open noop device: %v", err)
	}
	defer cleanup()

	opts := []unheard.Option{
		unheard.WithFramesInFlight(*inFlight),
		unheard.WithRayTracing(*rayTracing),
		unheard.WithOcclusionCulling(*occlusion),
		unheard.WithMeshShaders(*mesh),
		unheard.WithValidation(*validate),
	}
	if *workers > 0 {
		opts = append(opts, unheard.WithWorkers(*workers))
	}
	if *submitters > 0 {
		opts = append(opts, unheard.WithParallelSubmitters(*submitters))
	}
	if *stubWGSL {
		opts = append(opts, unheard.WithShaderCompiler(stubSPIRV))
	}
	e, err := unheard.New(device, queue, &noop.Surface{}, opts...)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}
	defer e.Close()

	handles, err := populate(e, *renderers)
	if err != nil {
		log.Fatalf("populate scene: %v", err)
	}
	cfg := e.Config()
	camera := unheard.DefaultCamera(float32(cfg.Width) / float32(cfg.Height))
	e.SetView(unheard.View{
		Opaque: handles,
		Camera: camera,
		Lights: []unheard.Light{{
			Kind:      unheard.LightDirectional,
			Direction: mgl32.Vec3{-0.3, -1, -0.2}.Normalize(),
			Color:     mgl32.Vec3{1, 0.96, 0.9},
			Intensity: 3,
		}},
	})

	ctx := context.Background()
	totals := make(map[string]time.Duration)
	var order []string
	var cpu time.Duration
	start := time.Now()
	for f := range *frames {
		for i := range min(*moving, len(handles)) {
			idx := (f*(*moving) + i) % len(handles)
			if err := e.SetTransform(handles[idx], gridTransform(idx, float32(f)*0.05)); err != nil {
				log.Fatalf("move renderer: %v", err)
			}
		}
		if err := e.RenderFrame(ctx); err != nil {
			log.Fatalf("frame %d: %v", f, err)
		}
		cpu += e.LastFrame().CPU
		p := e.Profiler()
		for _, name := range p.Scopes() {
			d, _ := p.Scope(name)
			if _, seen := totals[name]; !seen {
				order = append(order, name)
			}
			totals[name] += d
		}
	}
	wall := time.Since(start)

	last := e.LastFrame()
	n := time.Duration(max(*frames, 1))
	fmt.Printf("unheard bench: %d frames, %d renderers, passes %v\n",
		*frames, len(handles), e.Passes())
	fmt.Printf("  wall %v/frame, render goroutine %v/frame\n", wall/n, cpu/n)
	fmt.Printf("  last frame: draws %d (%d instances), barriers %d, tlas instances %d\n",
		last.Passes.Draws.Draws, last.Passes.Draws.Instances, last.Passes.Barriers, last.Passes.TLASInstances)
	fmt.Println("Average pass timings (CPU):")
	for _, name := range order {
		fmt.Printf("  %-18s %8.3f ms\n", name, float64((totals[name]/n).Microseconds())/1000)
	}
}

func openNoop() (hal.Device, hal.Queue, func(), error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, err
	}
	return open.Device, open.Queue, func() {
		open.Device.Destroy()
		instance.Destroy()
	}, nil
}

func populate(e *unheard.Engine, n int) ([]unheard.RendererHandle, error) {
	cube, err := e.AddMesh(cubeMesh())
	if err != nil {
		return nil, err
	}
	mats := make([]unheard.MaterialHandle, 4)
	for i := range mats {
		m := unheard.NewMaterial(fmt.Sprintf("material%d", i), unheard.ShaderSource{})
		m.Tint = mgl32.Vec4{0.4 + 0.15*float32(i), 0.6, 0.8 - 0.15*float32(i), 1}
		if mats[i], err = e.AddMaterial(m); err != nil {
			return nil, err
		}
	}
	handles := make([]unheard.RendererHandle, 0, n)
	for i := range n {
		h, err := e.AddRenderer(cube, mats[i%len(mats)], gridTransform(i, 0))
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// gridTransform places cube i on a 32-wide grid in front of the camera,
// bobbing with phase.
func gridTransform(i int, phase float32) unheard.Transform {
	t := unheard.IdentityTransform()
	x, z := float32(i%32), float32(i/32)
	t.Position = mgl32.Vec3{(x - 16) * 2.5, float32(math.Sin(float64(phase + x*0.3))), -10 - z*2.5}
	t.Scale = mgl32.Vec3{0.5, 0.5, 0.5}
	return t
}

func cubeMesh() *unheard.Mesh {
	v := func(x, y, z float32) unheard.Vertex {
		p := mgl32.Vec3{x, y, z}
		return unheard.Vertex{Position: p, Normal: p.Normalize()}
	}
	verts := []unheard.Vertex{
		v(-1, -1, -1), v(1, -1, -1), v(1, 1, -1), v(-1, 1, -1),
		v(-1, -1, 1), v(1, -1, 1), v(1, 1, 1), v(-1, 1, 1),
	}
	idx := []uint32{
		0, 1, 2, 0, 2, 3, 4, 6, 5, 4, 7, 6,
		0, 4, 5, 0, 5, 1, 3, 2, 6, 3, 6, 7,
		0, 3, 7, 0, 7, 4, 1, 5, 6, 1, 6, 2,
	}
	return unheard.NewMesh("cube", verts, idx)
}

// stubSPIRV returns a SPIR-V header; the noop backend never runs modules.
func stubSPIRV(string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07, 0, 0, 1, 0}, nil
}
