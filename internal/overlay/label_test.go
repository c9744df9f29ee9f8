// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package overlay

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasInk(img *image.RGBA) bool {
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] > Background.R+64 {
			return true
		}
	}
	return false
}

func TestLabel_DrawsText(t *testing.T) {
	img, err := Label("view: albedo", 256, 32)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 32), img.Bounds())
	assert.True(t, hasInk(img), "label has no glyph pixels")
}

func TestLabel_EmptyTextIsBackground(t *testing.T) {
	img, err := Label("", 16, 8)
	require.NoError(t, err)
	assert.False(t, hasInk(img))
	assert.Equal(t, Background.A, img.RGBAAt(3, 3).A)
}

func TestLabel_ScalesLongText(t *testing.T) {
	img, err := Label("a very long debug label that cannot fit", 40, 10)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 10), img.Bounds())
	assert.True(t, hasInk(img))
}

func TestLabel_RightToLeftRun(t *testing.T) {
	img, err := Label("view: שלום", 128, 32)
	require.NoError(t, err)
	assert.True(t, hasInk(img))
}

func TestLabel_EmptyArea(t *testing.T) {
	_, err := Label("x", 0, 10)
	assert.ErrorIs(t, err, ErrEmptyArea)
}
