// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package barrier

import "github.com/gogpu/gputypes"

// Layout is the state a texture subresource is in between two uses.
type Layout int

// Texture layouts.
const (
	// Undefined discards previous contents. Valid only as a source layout.
	Undefined Layout = iota
	// Common is usable by any operation, at a performance cost.
	Common
	// ColorTarget is a color render attachment.
	ColorTarget
	// DepthTarget is a writable depth/stencil attachment.
	DepthTarget
	// DepthRead is a read-only depth attachment that shaders may also sample.
	DepthRead
	// ShaderRead is sampled by graphics or compute shaders.
	ShaderRead
	// StorageWrite is read-write storage in compute shaders.
	StorageWrite
	// CopySrc is the source of a copy or blit.
	CopySrc
	// CopyDst is the destination of a copy or upload.
	CopyDst
	// Present is handed to the presentation engine.
	Present

	layoutCount
)

var layoutNames = [layoutCount]string{
	Undefined:    "Undefined",
	Common:       "Common",
	ColorTarget:  "ColorTarget",
	DepthTarget:  "DepthTarget",
	DepthRead:    "DepthRead",
	ShaderRead:   "ShaderRead",
	StorageWrite: "StorageWrite",
	CopySrc:      "CopySrc",
	CopyDst:      "CopyDst",
	Present:      "Present",
}

// String returns the layout name.
func (l Layout) String() string {
	if l >= 0 && l < layoutCount {
		return layoutNames[l]
	}
	return "Layout(?)"
}

// Sync is a mask of pipeline stages that a barrier waits on or blocks.
type Sync int

// Synchronization scopes.
const (
	SVertexInput Sync = 1 << iota
	SVertexShading
	SFragmentShading
	SDSOutput
	SColorOutput
	SComputeShading
	SCopy

	SNone     Sync = 0
	SGraphics      = SVertexInput | SVertexShading | SFragmentShading | SDSOutput | SColorOutput
	SAll           = SGraphics | SComputeShading | SCopy
)

// Access is a mask of memory accesses made visible or available by a barrier.
type Access int

// Memory access scopes.
const (
	AColorRead Access = 1 << iota
	AColorWrite
	ADSRead
	ADSWrite
	AShaderRead
	AShaderWrite
	ACopyRead
	ACopyWrite

	ANone     Access = 0
	AAnyRead         = AColorRead | ADSRead | AShaderRead | ACopyRead
	AAnyWrite        = AColorWrite | ADSWrite | AShaderWrite | ACopyWrite
)

// State is the fixed (stage, access, usage) triple that a layout implies.
type State struct {
	Sync   Sync
	Access Access
	Usage  gputypes.TextureUsage
}

var layoutStates = [layoutCount]State{
	Undefined:    {SNone, ANone, gputypes.TextureUsageNone},
	Common:       {SAll, AAnyRead | AAnyWrite, gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding},
	ColorTarget:  {SColorOutput, AColorRead | AColorWrite, gputypes.TextureUsageRenderAttachment},
	DepthTarget:  {SDSOutput, ADSRead | ADSWrite, gputypes.TextureUsageRenderAttachment},
	DepthRead:    {SDSOutput | SFragmentShading | SComputeShading, ADSRead | AShaderRead, gputypes.TextureUsageTextureBinding},
	ShaderRead:   {SFragmentShading | SComputeShading, AShaderRead, gputypes.TextureUsageTextureBinding},
	StorageWrite: {SComputeShading, AShaderRead | AShaderWrite, gputypes.TextureUsageStorageBinding},
	CopySrc:      {SCopy, ACopyRead, gputypes.TextureUsageCopySrc},
	CopyDst:      {SCopy, ACopyWrite, gputypes.TextureUsageCopyDst},
	Present:      {SNone, ANone, gputypes.TextureUsageNone},
}

// StateOf returns the table entry for l.
func StateOf(l Layout) State {
	if l < 0 || l >= layoutCount {
		return State{}
	}
	return layoutStates[l]
}
