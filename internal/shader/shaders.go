// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	_ "embed"

	"github.com/gogpu/unheard/internal/scene"
)

//go:embed shaders/material.wgsl
var defaultMaterialSource string

// DefaultSource returns the built-in surface material module. Materials with
// an empty WGSL source compile from it.
func DefaultSource() scene.ShaderSource {
	return scene.ShaderSource{WGSL: defaultMaterialSource}
}
