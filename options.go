// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/unheard/internal/shader"
)

// Config holds the engine settings. Capability flags are read once by New;
// changing them afterwards has no effect.
type Config struct {
	// FramesInFlight is the number of frame slots. Default 2.
	FramesInFlight int

	// Workers is the size of the worker pool shared by command list
	// recording and BLAS builds. Default runtime.NumCPU().
	Workers int

	// ParallelSubmitters is the number of workers recording command lists
	// for one pass. Default min(4, Workers).
	ParallelSubmitters int

	// RayTracing enables the acceleration structure manager and the
	// ray-traced passes.
	RayTracing bool

	// MeshShaders selects the per-material-group indirect draw path instead
	// of per-renderer command lists.
	MeshShaders bool

	// OcclusionCulling runs the ray-traced occlusion test before the opaque
	// passes. It requires RayTracing.
	OcclusionCulling bool

	// Validation makes the resource state tracker verify declared layouts.
	Validation bool

	// ShaderCacheDir receives compiled artifacts of materials saved with
	// FullCompileResave. Empty disables the cache.
	ShaderCacheDir string

	// FenceTimeout bounds the wait for a frame slot to become free. Zero
	// waits forever.
	FenceTimeout time.Duration

	// Width and Height size the render targets. Default 1280x720.
	Width, Height uint32

	// SurfaceFormat is the backbuffer format. Default BGRA8Unorm, or the
	// provider's format when created with NewFromProvider.
	SurfaceFormat gputypes.TextureFormat

	// compile replaces the naga WGSL front end.
	compile shader.CompileFunc
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	return Config{
		FramesInFlight:     2,
		Workers:            workers,
		ParallelSubmitters: min(4, workers),
		Width:              1280,
		Height:             720,
		SurfaceFormat:      gputypes.TextureFormatBGRA8Unorm,
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.FramesInFlight < 1:
		return fmt.Errorf("%w: frames in flight %d", ErrInvalidConfig, c.FramesInFlight)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers %d", ErrInvalidConfig, c.Workers)
	case c.ParallelSubmitters < 1 || c.ParallelSubmitters > c.Workers:
		return fmt.Errorf("%w: %d parallel submitters for %d workers", ErrInvalidConfig, c.ParallelSubmitters, c.Workers)
	case c.Width == 0 || c.Height == 0:
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.FenceTimeout < 0:
		return fmt.Errorf("%w: negative fence timeout", ErrInvalidConfig)
	}
	return nil
}

// Option configures the engine during creation.
//
// Example:
//
//	e, err := unheard.New(device, queue, surface,
//	    unheard.WithFramesInFlight(3),
//	    unheard.WithRayTracing(true),
//	)
type Option func(*Config)

// WithFramesInFlight sets the number of frame slots.
func WithFramesInFlight(n int) Option {
	return func(c *Config) {
		c.FramesInFlight = n
	}
}

// WithWorkers sets the worker pool size. The parallel submitter count is
// clamped to it.
func WithWorkers(n int) Option {
	return func(c *Config) {
		c.Workers = n
		c.ParallelSubmitters = min(c.ParallelSubmitters, n)
	}
}

// WithParallelSubmitters sets how many workers record one pass.
func WithParallelSubmitters(n int) Option {
	return func(c *Config) {
		c.ParallelSubmitters = n
	}
}

// WithRayTracing enables or disables the ray-traced passes.
func WithRayTracing(enabled bool) Option {
	return func(c *Config) {
		c.RayTracing = enabled
	}
}

// WithMeshShaders selects the mesh-shader draw path.
func WithMeshShaders(enabled bool) Option {
	return func(c *Config) {
		c.MeshShaders = enabled
	}
}

// WithOcclusionCulling enables the ray-traced occlusion test.
func WithOcclusionCulling(enabled bool) Option {
	return func(c *Config) {
		c.OcclusionCulling = enabled
	}
}

// WithValidation enables layout validation in the resource state tracker.
func WithValidation(enabled bool) Option {
	return func(c *Config) {
		c.Validation = enabled
	}
}

// WithShaderCacheDir sets the directory for saved shader artifacts.
func WithShaderCacheDir(dir string) Option {
	return func(c *Config) {
		c.ShaderCacheDir = dir
	}
}

// WithFenceTimeout bounds the wait for a free frame slot.
func WithFenceTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.FenceTimeout = d
	}
}

// WithResolution sets the render target size.
func WithResolution(width, height uint32) Option {
	return func(c *Config) {
		c.Width, c.Height = width, height
	}
}

// WithSurfaceFormat sets the backbuffer format.
func WithSurfaceFormat(f gputypes.TextureFormat) Option {
	return func(c *Config) {
		c.SurfaceFormat = f
	}
}

// ShaderCompileFunc turns WGSL source into SPIR-V bytes.
type ShaderCompileFunc = shader.CompileFunc

// WithShaderCompiler replaces the naga WGSL front end, for tools that run
// on backends which never execute the modules. Nil restores naga.
func WithShaderCompiler(fn ShaderCompileFunc) Option {
	return func(c *Config) {
		c.compile = fn
	}
}
