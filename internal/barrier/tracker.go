// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package barrier emits texture layout transitions.
//
// Callers declare both the old and the new layout of every transition. By
// default the tracker trusts the declared old layout: correctness rests on
// pass ordering. With validation enabled it remembers the layout of every
// subresource it has transitioned and rejects transitions whose declared old
// layout disagrees.
package barrier

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrLayoutMismatch is returned in validation mode when a transition's
// declared old layout is not the subresource's current layout.
var ErrLayoutMismatch = errors.New("barrier: old layout does not match current layout")

// ErrEmptyRange is returned when a transition addresses no subresource.
var ErrEmptyRange = errors.New("barrier: empty subresource range")

// Encoder is the part of hal.CommandEncoder the tracker records into.
type Encoder interface {
	TransitionTextures(barriers []hal.TextureBarrier)
}

// Image is a tracked texture. Images are identified by an ID assigned in
// NewImage, not by the texture interface value.
type Image struct {
	id uint64

	Texture   hal.Texture
	Label     string
	Aspect    gputypes.TextureAspect
	MipLevels uint32
	Layers    uint32
}

var nextImageID atomic.Uint64

// NewImage wraps tex for tracking.
func NewImage(tex hal.Texture, label string, aspect gputypes.TextureAspect, mips, layers uint32) Image {
	return Image{
		id:        nextImageID.Add(1),
		Texture:   tex,
		Label:     label,
		Aspect:    aspect,
		MipLevels: mips,
		Layers:    layers,
	}
}

// ID returns the tracking identity of the image.
func (img Image) ID() uint64 { return img.id }

// Range selects mips and array layers. Zero counts mean "all remaining".
type Range struct {
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// Whole selects every subresource.
var Whole = Range{}

func (r Range) resolve(img Image) Range {
	mips := max(img.MipLevels, 1)
	layers := max(img.Layers, 1)
	if r.MipCount == 0 && r.BaseMip < mips {
		r.MipCount = mips - r.BaseMip
	}
	if r.LayerCount == 0 && r.BaseLayer < layers {
		r.LayerCount = layers - r.BaseLayer
	}
	return r
}

// Record is one emitted transition.
type Record struct {
	Image Image
	Old   Layout
	New   Layout
	Range Range
}

func (rec Record) barrier() hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: rec.Image.Texture,
		Range: hal.TextureRange{
			Aspect:          rec.Image.Aspect,
			BaseMipLevel:    rec.Range.BaseMip,
			MipLevelCount:   rec.Range.MipCount,
			BaseArrayLayer:  rec.Range.BaseLayer,
			ArrayLayerCount: rec.Range.LayerCount,
		},
		Usage: hal.TextureUsageTransition{
			OldUsage: StateOf(rec.Old).Usage,
			NewUsage: StateOf(rec.New).Usage,
		},
	}
}

// Stats counts emitted work.
type Stats struct {
	// Barriers is the number of texture barriers emitted.
	Barriers int
	// Calls is the number of TransitionTextures calls made.
	Calls int
}

type subresource struct {
	image uint64
	mip   uint32
	layer uint32
}

// Tracker emits barriers and, in validation mode, tracks current layouts.
// Tracker is safe for concurrent use.
type Tracker struct {
	validate bool

	mu      sync.Mutex
	current map[subresource]Layout
	stats   Stats
}

// NewTracker creates a tracker. validate enables old-layout verification.
func NewTracker(validate bool) *Tracker {
	return &Tracker{
		validate: validate,
		current:  make(map[subresource]Layout),
	}
}

// Validating reports whether the tracker verifies old layouts.
func (t *Tracker) Validating() bool { return t.validate }

// Transition emits a single barrier moving rng of img from one layout to another.
func (t *Tracker) Transition(enc Encoder, img Image, from, to Layout, rng Range) error {
	rng = rng.resolve(img)
	if rng.MipCount == 0 || rng.LayerCount == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyRange, img.Label)
	}
	rec := Record{Image: img, Old: from, New: to, Range: rng}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(rec); err != nil {
		return err
	}
	enc.TransitionTextures([]hal.TextureBarrier{rec.barrier()})
	t.commit(rec)
	t.stats.Barriers++
	t.stats.Calls++
	return nil
}

// TransitionBatch moves rng of every image from one layout to another in one call.
// Either every image is transitioned or, on a validation error, none is.
func (t *Tracker) TransitionBatch(enc Encoder, images []Image, from, to Layout, rng Range) error {
	if len(images) == 0 {
		return nil
	}
	recs := make([]Record, len(images))
	for i, img := range images {
		r := rng.resolve(img)
		if r.MipCount == 0 || r.LayerCount == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyRange, img.Label)
		}
		recs[i] = Record{Image: img, Old: from, New: to, Range: r}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range recs {
		if err := t.check(rec); err != nil {
			return err
		}
	}
	barriers := make([]hal.TextureBarrier, len(recs))
	for i, rec := range recs {
		barriers[i] = rec.barrier()
		t.commit(rec)
	}
	enc.TransitionTextures(barriers)
	t.stats.Barriers += len(barriers)
	t.stats.Calls++
	return nil
}

// Declare records that rng of img is already in layout l without emitting
// a barrier, e.g. for a freshly acquired swapchain image.
func (t *Tracker) Declare(img Image, l Layout, rng Range) {
	if !t.validate {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commit(Record{Image: img, New: l, Range: rng.resolve(img)})
}

// Current returns the tracked layout of one subresource. ok is false when
// the tracker is not validating or has never seen the subresource.
func (t *Tracker) Current(img Image, mip, layer uint32) (l Layout, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok = t.current[subresource{img.id, mip, layer}]
	return l, ok
}

// Forget drops the tracked state of a destroyed image.
func (t *Tracker) Forget(img Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.current {
		if k.image == img.id {
			delete(t.current, k)
		}
	}
}

// Reset drops all tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.current)
}

// Stats returns the counters accumulated since the last ResetStats.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ResetStats zeroes the counters.
func (t *Tracker) ResetStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = Stats{}
}

// check must be called with t.mu held.
func (t *Tracker) check(rec Record) error {
	if !t.validate || rec.Old == Undefined {
		return nil
	}
	for m := rec.Range.BaseMip; m < rec.Range.BaseMip+rec.Range.MipCount; m++ {
		for l := rec.Range.BaseLayer; l < rec.Range.BaseLayer+rec.Range.LayerCount; l++ {
			cur, ok := t.current[subresource{rec.Image.id, m, l}]
			if !ok {
				cur = Undefined
			}
			if cur != rec.Old {
				return fmt.Errorf("%w: %s mip %d layer %d is %s, declared %s",
					ErrLayoutMismatch, rec.Image.Label, m, l, cur, rec.Old)
			}
		}
	}
	return nil
}

// commit must be called with t.mu held.
func (t *Tracker) commit(rec Record) {
	if !t.validate {
		return
	}
	for m := rec.Range.BaseMip; m < rec.Range.BaseMip+rec.Range.MipCount; m++ {
		for l := rec.Range.BaseLayer; l < rec.Range.BaseLayer+rec.Range.LayerCount; l++ {
			t.current[subresource{rec.Image.id, m, l}] = rec.New
		}
	}
}
