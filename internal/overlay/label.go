// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package overlay rasterizes the small text labels composited over the
// final image, such as the name of the active debug view.
//
// Text is shaped with go-text/typesetting, split into bidi runs with
// golang.org/x/text and drawn with the Go Regular face from
// golang.org/x/image.
package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/go-text/typesetting/di"
	gtfont "github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/language"
	"github.com/go-text/typesetting/shaping"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/unicode/bidi"
)

// Size is the text size in pixels.
const Size = 14

const padding = 4

// ErrEmptyArea is returned for a zero or negative label size.
var ErrEmptyArea = errors.New("overlay: label area is empty")

// Background is the fill behind the text.
var Background = color.RGBA{A: 160}

type fonts struct {
	shapeFont *gtfont.Font
	drawFont  *opentype.Font
}

var (
	loadOnce sync.Once
	loaded   fonts
	loadErr  error

	shaperPool = sync.Pool{New: func() any { return &shaping.HarfbuzzShaper{} }}
)

func load() (fonts, error) {
	loadOnce.Do(func() {
		face, err := gtfont.ParseTTF(bytes.NewReader(goregular.TTF))
		if err != nil {
			loadErr = fmt.Errorf("overlay: parse font for shaping: %w", err)
			return
		}
		otf, err := opentype.Parse(goregular.TTF)
		if err != nil {
			loadErr = fmt.Errorf("overlay: parse font for drawing: %w", err)
			return
		}
		loaded = fonts{shapeFont: face.Font, drawFont: otf}
	})
	return loaded, loadErr
}

// placed is one shaped glyph: the rune it draws and its pen x.
type placed struct {
	r rune
	x fixed.Int26_6
}

// layout shapes text run by run in visual order and returns the glyphs
// with their pen positions and the total advance.
func layout(f fonts, text string) ([]placed, fixed.Int26_6) {
	var p bidi.Paragraph
	if _, err := p.SetString(text, bidi.DefaultDirection(bidi.LeftToRight)); err != nil {
		return nil, 0
	}
	ordering, err := p.Order()
	if err != nil {
		return nil, 0
	}

	face := gtfont.NewFace(f.shapeFont)
	shaper := shaperPool.Get().(*shaping.HarfbuzzShaper)
	defer shaperPool.Put(shaper)

	var (
		out []placed
		pen fixed.Int26_6
	)
	for i := range ordering.NumRuns() {
		run := ordering.Run(i)
		runes := []rune(run.String())
		if len(runes) == 0 {
			continue
		}
		dir := di.DirectionLTR
		if run.Direction() == bidi.RightToLeft {
			dir = di.DirectionRTL
		}
		shaped := shaper.Shape(shaping.Input{
			Text:      runes,
			RunStart:  0,
			RunEnd:    len(runes),
			Direction: dir,
			Face:      face,
			Size:      fixed.I(Size),
			Script:    language.LookupScript(runes[0]),
			Language:  language.NewLanguage("en"),
		})
		for _, g := range shaped.Glyphs {
			if g.ClusterIndex >= 0 && g.ClusterIndex < len(runes) {
				out = append(out, placed{r: runes[g.ClusterIndex], x: pen + g.XOffset})
			}
			pen += g.Advance
		}
	}
	return out, pen
}

// Label renders text onto a width x height RGBA image over Background.
// Text wider than the label is scaled down to fit.
func Label(text string, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyArea, width, height)
	}
	f, err := load()
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)
	if text == "" {
		return dst, nil
	}

	glyphs, advance := layout(f, text)
	face, err := opentype.NewFace(f.drawFont, &opentype.FaceOptions{
		Size:    Size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: create face: %w", err)
	}
	defer func() { _ = face.Close() }()

	metrics := face.Metrics()
	lineHeight := (metrics.Ascent + metrics.Descent).Ceil()
	lineWidth := advance.Ceil()
	line := image.NewRGBA(image.Rect(0, 0, lineWidth+2*padding, lineHeight+2*padding))
	d := &font.Drawer{Dst: line, Src: image.White, Face: face}
	baseline := fixed.I(padding) + metrics.Ascent
	for _, g := range glyphs {
		d.Dot = fixed.Point26_6{X: fixed.I(padding) + g.x, Y: baseline}
		d.DrawString(string(g.r))
	}

	target := line.Bounds()
	if target.Dx() > width || target.Dy() > height {
		scale := min(float64(width)/float64(target.Dx()), float64(height)/float64(target.Dy()))
		target = image.Rect(0, 0, max(int(float64(target.Dx())*scale), 1), max(int(float64(target.Dy())*scale), 1))
		xdraw.ApproxBiLinear.Scale(dst, target, line, line.Bounds(), xdraw.Over, nil)
		return dst, nil
	}
	draw.Draw(dst, target, line, image.Point{}, draw.Over)
	return dst, nil
}
