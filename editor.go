// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"context"
	"fmt"

	"github.com/gogpu/unheard/internal/passgraph"
	"github.com/gogpu/unheard/internal/scene"
)

// Compile flags, weakest first. A material edit records the flag that
// covers it; the strongest pending flag is applied at the next frame
// boundary.
const (
	UpToDate                = scene.UpToDate
	BindOnly                = scene.BindOnly
	StateChangedOnly        = scene.StateChangedOnly
	FullCompileTemporary    = scene.FullCompileTemporary
	FullCompileResave       = scene.FullCompileResave
	RendererMaterialChanged = scene.RendererMaterialChanged
)

// DebugViews names the views selectable with SetDebugViewIndex. Index 0 is
// the final image.
var DebugViews = passgraph.DebugViews

// MarkMaterialDirty records an edit of mat. The transition runs before the
// next frame is recorded.
func (e *Engine) MarkMaterialDirty(mat MaterialHandle, flag CompileFlag) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.registry.MarkDirty(mat, flag)
}

// RefreshMaterialShaders recompiles the shaders of mat now, after the GPU
// went idle.
//
// With reassignGroup the renderers of mat move to the material's current
// Group and receive fresh buffer-data indices. With ray tracing enabled the
// hit groups are rebuilt too: immediately, or at the next frame boundary
// when delayRTCompile is set, so several refreshes share one rebuild.
func (e *Engine) RefreshMaterialShaders(ctx context.Context, mat MaterialHandle, reassignGroup, delayRTCompile bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.settleLocked()

	flag := FullCompileTemporary
	if reassignGroup {
		flag = RendererMaterialChanged
	}
	if err := e.registry.MarkDirty(mat, flag); err != nil {
		return err
	}
	if err := e.registry.Apply(ctx, e.sched, mat); err != nil {
		return fmt.Errorf("unheard: refresh material shaders: %w", err)
	}
	if e.accel != nil {
		if delayRTCompile {
			e.delayedRT = true
		} else {
			e.accel.RequestRebuild()
		}
	}
	return nil
}

// SaveMaterialShaders recompiles mat and writes its artifacts to the shader
// cache directory.
func (e *Engine) SaveMaterialShaders(ctx context.Context, mat MaterialHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.settleLocked()
	if err := e.registry.MarkDirty(mat, FullCompileResave); err != nil {
		return err
	}
	if err := e.registry.Apply(ctx, e.sched, mat); err != nil {
		return fmt.Errorf("unheard: save material shaders: %w", err)
	}
	return nil
}

// UpdateDescriptors rebinds every variant whose bound resources changed,
// after the GPU went idle. It returns the number of rebuilt bind groups;
// a second call without intervening edits returns 0.
func (e *Engine) UpdateDescriptors() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	e.settleLocked()
	var n int
	err := e.sched.Do(func() error {
		var err error
		n, err = e.registry.UpdateDescriptors()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("unheard: update descriptors: %w", err)
	}
	return n, nil
}

// Resize recreates the render targets and reconfigures the surface, after
// the GPU went idle.
func (e *Engine) Resize(width, height uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidConfig, width, height)
	}
	e.settleLocked()
	if width == e.cfg.Width && height == e.cfg.Height {
		return nil
	}
	err := e.sched.Do(func() error {
		if err := e.graph.Resize(width, height); err != nil {
			return err
		}
		e.cfg.Width, e.cfg.Height = width, height
		if e.surface != nil {
			e.surface.Unconfigure(e.device)
			return e.configureSurface()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unheard: resize: %w", err)
	}
	Logger().Info("unheard: resized", "width", width, "height", height)
	return nil
}

// SetDebugViewIndex selects the target PostProcess shows, after the GPU
// went idle. Out-of-range indices select the final image. It returns the
// view name.
func (e *Engine) SetDebugViewIndex(idx int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	e.settleLocked()
	if err := e.sched.WaitIdle(); err != nil {
		return "", fmt.Errorf("unheard: set debug view: %w", err)
	}
	return e.graph.SetDebugViewIndex(idx), nil
}

// DebugViewIndex returns the selected debug view.
func (e *Engine) DebugViewIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.DebugViewIndex()
}
