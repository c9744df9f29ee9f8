// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/barrier"
)

// TargetID identifies a render target.
type TargetID uint8

const (
	TargetAlbedo TargetID = iota
	TargetNormal
	TargetSurface
	TargetMotion
	TargetDepth
	TargetSceneColor
	TargetShadow
	TargetReflection
	TargetIndirect
	TargetPost

	// TargetBackbuffer is the acquired surface texture of the frame. It is
	// not owned by Targets.
	TargetBackbuffer

	targetCount = TargetBackbuffer
)

var targetNames = [...]string{
	TargetAlbedo:     "albedo",
	TargetNormal:     "normal",
	TargetSurface:    "surface",
	TargetMotion:     "motion",
	TargetDepth:      "depth",
	TargetSceneColor: "scene_color",
	TargetShadow:     "ray_shadow",
	TargetReflection: "ray_reflection",
	TargetIndirect:   "ray_indirect",
	TargetPost:       "post",
	TargetBackbuffer: "backbuffer",
}

// String returns the target name.
func (t TargetID) String() string {
	if int(t) < len(targetNames) {
		return targetNames[t]
	}
	return "Target(?)"
}

// Formats of the offscreen targets.
const (
	AlbedoFormat  = gputypes.TextureFormatRGBA8Unorm
	NormalFormat  = gputypes.TextureFormatRGBA16Float
	SurfaceFormat = gputypes.TextureFormatRGBA32Float
	MotionFormat  = gputypes.TextureFormatRG16Float
	DepthFormat   = gputypes.TextureFormatDepth32Float
	HDRFormat     = gputypes.TextureFormatRGBA16Float
	PostFormat    = gputypes.TextureFormatRGBA8Unorm
)

type targetSpec struct {
	format gputypes.TextureFormat
	usage  gputypes.TextureUsage
	aspect gputypes.TextureAspect
}

const sampledTarget = gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding

var targetSpecs = [targetCount]targetSpec{
	TargetAlbedo:     {AlbedoFormat, sampledTarget, gputypes.TextureAspectAll},
	TargetNormal:     {NormalFormat, sampledTarget, gputypes.TextureAspectAll},
	TargetSurface:    {SurfaceFormat, sampledTarget, gputypes.TextureAspectAll},
	TargetMotion:     {MotionFormat, sampledTarget, gputypes.TextureAspectAll},
	TargetDepth:      {DepthFormat, sampledTarget, gputypes.TextureAspectDepthOnly},
	TargetSceneColor: {HDRFormat, sampledTarget, gputypes.TextureAspectAll},
	TargetShadow:     {HDRFormat, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding, gputypes.TextureAspectAll},
	TargetReflection: {HDRFormat, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding, gputypes.TextureAspectAll},
	TargetIndirect:   {HDRFormat, gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding, gputypes.TextureAspectAll},
	TargetPost:       {PostFormat, sampledTarget, gputypes.TextureAspectAll},
}

// ErrZeroSize is returned when targets are sized to an empty area.
var ErrZeroSize = errors.New("passgraph: render targets need a non-zero size")

// Targets owns the G-buffer and intermediate textures, all sized to the
// render resolution.
type Targets struct {
	device hal.Device

	width, height uint32

	textures [targetCount]hal.Texture
	views    [targetCount]hal.TextureView
	images   [targetCount]barrier.Image

	// generation increments on every recreation so dependent bind groups
	// can tell they are stale.
	generation uint64
}

// NewTargets creates every target at width x height.
func NewTargets(device hal.Device, width, height uint32) (*Targets, error) {
	t := &Targets{device: device}
	if err := t.Resize(width, height); err != nil {
		return nil, err
	}
	return t, nil
}

// Resize recreates the targets at the new size. The caller must have idled
// the GPU. On error the previous targets are gone and Resize may be retried.
func (t *Targets) Resize(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: %dx%d", ErrZeroSize, width, height)
	}
	t.Destroy()
	t.width, t.height = width, height
	for id := range targetCount {
		if err := t.create(id); err != nil {
			t.Destroy()
			return err
		}
	}
	t.generation++
	return nil
}

func (t *Targets) create(id TargetID) error {
	spec := targetSpecs[id]
	tex, err := t.device.CreateTexture(&hal.TextureDescriptor{
		Label:         id.String(),
		Size:          hal.Extent3D{Width: t.width, Height: t.height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        spec.format,
		Usage:         spec.usage,
	})
	if err != nil {
		return fmt.Errorf("create %s target: %w", id, err)
	}
	view, err := t.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           id.String() + "_view",
		Format:          spec.format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          spec.aspect,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		t.device.DestroyTexture(tex)
		return fmt.Errorf("create %s view: %w", id, err)
	}
	t.textures[id] = tex
	t.views[id] = view
	t.images[id] = barrier.NewImage(tex, id.String(), spec.aspect, 1, 1)
	return nil
}

// Size returns the current resolution.
func (t *Targets) Size() (width, height uint32) { return t.width, t.height }

// Generation returns a counter that changes whenever the targets are
// recreated.
func (t *Targets) Generation() uint64 { return t.generation }

// View returns the view of target id.
func (t *Targets) View(id TargetID) hal.TextureView {
	if id >= targetCount {
		return nil
	}
	return t.views[id]
}

// Image returns the tracked image of target id.
func (t *Targets) Image(id TargetID) barrier.Image {
	if id >= targetCount {
		return barrier.Image{}
	}
	return t.images[id]
}

// Format returns the texture format of target id.
func (t *Targets) Format(id TargetID) gputypes.TextureFormat {
	if id >= targetCount {
		return gputypes.TextureFormatUndefined
	}
	return targetSpecs[id].format
}

// Destroy releases every target. It is safe to call more than once.
func (t *Targets) Destroy() {
	for id := range targetCount {
		if t.views[id] != nil {
			t.device.DestroyTextureView(t.views[id])
			t.views[id] = nil
		}
		if t.textures[id] != nil {
			t.device.DestroyTexture(t.textures[id])
			t.textures[id] = nil
		}
		t.images[id] = barrier.Image{}
	}
}
