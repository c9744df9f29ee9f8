// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"
)

// Group selects which sorted draw list a material's renderers belong to.
type Group uint8

const (
	// GroupOpaque renderers are drawn front-to-back into the G-buffer.
	GroupOpaque Group = iota
	// GroupTranslucent renderers are drawn back-to-front after lighting.
	GroupTranslucent
)

// String returns the group name.
func (g Group) String() string {
	if g == GroupTranslucent {
		return "translucent"
	}
	return "opaque"
}

// CompileFlag is the pending shader work recorded against a material by an
// edit. The shader registry drives it back to UpToDate.
type CompileFlag uint8

const (
	// UpToDate means every variant of the material matches its state.
	UpToDate CompileFlag = iota
	// BindOnly re-binds descriptor sets only (texture swap).
	BindOnly
	// StateChangedOnly recreates pipeline state without recompiling shaders.
	StateChangedOnly
	// FullCompileTemporary recompiles shaders and rebuilds everything.
	FullCompileTemporary
	// FullCompileResave is FullCompileTemporary plus persisting the artifact.
	FullCompileResave
	// RendererMaterialChanged moves renderers between opaque and translucent.
	RendererMaterialChanged
)

var compileFlagNames = [...]string{
	UpToDate:                "UpToDate",
	BindOnly:                "BindOnly",
	StateChangedOnly:        "StateChangedOnly",
	FullCompileTemporary:    "FullCompileTemporary",
	FullCompileResave:       "FullCompileResave",
	RendererMaterialChanged: "RendererMaterialChanged",
}

// String returns the flag name.
func (f CompileFlag) String() string {
	if int(f) < len(compileFlagNames) {
		return compileFlagNames[f]
	}
	return "CompileFlag(?)"
}

// Covers reports whether applying f also performs all the work of o.
// The work sets nest: BindOnly < StateChangedOnly < FullCompileTemporary
// < FullCompileResave < RendererMaterialChanged.
func (f CompileFlag) Covers(o CompileFlag) bool { return f >= o }

// ShaderSource is the WGSL module a material compiles from. Path, when set,
// is the on-disk origin whose modification time stamps cached artifacts.
type ShaderSource struct {
	WGSL string
	Path string
}

// Texture is a named material texture binding. A nil View is a content
// error and is replaced with the null texture at bind time.
type Texture struct {
	Name string
	View hal.TextureView
}

// Material is the editable surface description shared by renderers.
type Material struct {
	ID              uuid.UUID
	Name            string
	Group           Group
	Flag            CompileFlag
	BufferDataIndex int

	Source   ShaderSource
	Textures []Texture
	CullMode gputypes.CullMode
	Blend    bool
	Tint     mgl32.Vec4
	HitGroup uint32
}

// NewMaterial returns an opaque material that still needs its first compile.
func NewMaterial(name string, src ShaderSource) *Material {
	return &Material{
		ID:       uuid.New(),
		Name:     name,
		Group:    GroupOpaque,
		Flag:     FullCompileTemporary,
		Source:   src,
		CullMode: gputypes.CullModeBack,
		Tint:     mgl32.Vec4{1, 1, 1, 1},
	}
}
