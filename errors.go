// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"errors"

	"github.com/gogpu/unheard/internal/scene"
)

// Errors returned by the engine.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("unheard: engine closed")

	// ErrInvalidConfig is returned by New when the configuration cannot be
	// satisfied.
	ErrInvalidConfig = errors.New("unheard: invalid config")

	// ErrNoDevice is returned when the device, queue or provider is nil, or
	// the provider does not expose HAL objects.
	ErrNoDevice = errors.New("unheard: no device")

	// ErrFrameFailed wraps the error of a frame that was not submitted.
	ErrFrameFailed = errors.New("unheard: frame failed")

	// ErrEmptyMesh is returned by AddMesh for a mesh without triangles.
	ErrEmptyMesh = errors.New("unheard: mesh has no triangles")

	// Stale or foreign handles.
	ErrUnknownMesh     = scene.ErrUnknownMesh
	ErrUnknownMaterial = scene.ErrUnknownMaterial
	ErrUnknownRenderer = scene.ErrUnknownRenderer

	// ErrMeshInUse is returned by RemoveMesh while renderers reference the
	// mesh.
	ErrMeshInUse = scene.ErrMeshInUse

	// ErrMaterialInUse is returned by RemoveMaterial while renderers use
	// the material.
	ErrMaterialInUse = scene.ErrMaterialInUse
)
