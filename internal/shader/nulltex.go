// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"fmt"
	"image"
	"image/color"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	xdraw "golang.org/x/image/draw"
)

// NullTextureSize is the edge length of the fallback texture.
const NullTextureSize = 4

// NullTexture is the magenta/black checkerboard bound in place of a missing
// material texture.
type NullTexture struct {
	Texture hal.Texture
	View    hal.TextureView
}

// nullImage builds the checkerboard by scaling a 2x2 pattern up to
// NullTextureSize with nearest-neighbor sampling.
func nullImage() *image.RGBA {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	magenta := color.RGBA{R: 255, B: 255, A: 255}
	black := color.RGBA{A: 255}
	src.SetRGBA(0, 0, magenta)
	src.SetRGBA(1, 1, magenta)
	src.SetRGBA(1, 0, black)
	src.SetRGBA(0, 1, black)

	dst := image.NewRGBA(image.Rect(0, 0, NullTextureSize, NullTextureSize))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// NewNullTexture creates and uploads the fallback texture.
func NewNullTexture(device hal.Device, queue hal.Queue) (*NullTexture, error) {
	img := nullImage()
	tex, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         "null_texture",
		Size:          hal.Extent3D{Width: NullTextureSize, Height: NullTextureSize, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create null texture: %w", err)
	}
	err = queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: tex, Aspect: gputypes.TextureAspectAll},
		img.Pix,
		&hal.ImageDataLayout{BytesPerRow: uint32(img.Stride), RowsPerImage: NullTextureSize}, //nolint:gosec // 16 bytes
		&hal.Extent3D{Width: NullTextureSize, Height: NullTextureSize, DepthOrArrayLayers: 1},
	)
	if err != nil {
		device.DestroyTexture(tex)
		return nil, fmt.Errorf("upload null texture: %w", err)
	}
	view, err := device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:         "null_texture_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		device.DestroyTexture(tex)
		return nil, fmt.Errorf("create null texture view: %w", err)
	}
	return &NullTexture{Texture: tex, View: view}, nil
}

// Destroy releases the texture and its view.
func (n *NullTexture) Destroy(device hal.Device) {
	if n == nil {
		return
	}
	if n.View != nil {
		device.DestroyTextureView(n.View)
		n.View = nil
	}
	if n.Texture != nil {
		device.DestroyTexture(n.Texture)
		n.Texture = nil
	}
}
