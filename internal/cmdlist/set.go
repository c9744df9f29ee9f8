// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cmdlist

import "fmt"

// Set holds threads * frames lists. The list recorded by thread t for frame
// slot f lives at index t*frames + f.
type Set struct {
	threads int
	frames  int
	lists   []*List
}

// NewSet allocates the lists of one pass.
func NewSet(label string, threads, frames int) *Set {
	threads = max(threads, 1)
	frames = max(frames, 1)
	s := &Set{threads: threads, frames: frames, lists: make([]*List, threads*frames)}
	for t := range threads {
		for f := range frames {
			s.lists[SlotIndex(t, f, frames)] = NewList(fmt.Sprintf("%s/t%d/f%d", label, t, f))
		}
	}
	return s
}

// SlotIndex returns the list index of thread t in frame slot f.
func SlotIndex(t, f, frames int) int { return t*frames + f }

// Threads returns the number of recording threads.
func (s *Set) Threads() int { return s.threads }

// Frames returns the number of frame slots.
func (s *Set) Frames() int { return s.frames }

// At returns the list of thread t for frame slot f.
func (s *Set) At(t, f int) *List { return s.lists[SlotIndex(t, f, s.frames)] }

// Replay replays the lists of frame slot f in thread order, the fixed order
// of secondary buffers within a pass.
func (s *Set) Replay(f int, pass PassEncoder) error {
	for t := range s.threads {
		if err := s.At(t, f).Replay(pass); err != nil {
			return err
		}
	}
	return nil
}

// Stats sums the stats of the lists of frame slot f.
func (s *Set) Stats(f int) Stats {
	var sum Stats
	for t := range s.threads {
		st := s.At(t, f).Stats()
		sum.Draws += st.Draws
		sum.PredicatedDraw += st.PredicatedDraw
		sum.PipelineBinds += st.PipelineBinds
		sum.BufferBinds += st.BufferBinds
		sum.BindGroupBinds += st.BindGroupBinds
		sum.Elided += st.Elided
	}
	return sum
}
