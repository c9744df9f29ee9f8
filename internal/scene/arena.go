// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package scene holds the CPU-side records the renderer consumes: meshes,
// materials and renderer instances stored in generation-checked arenas, and
// the per-frame view produced by the culling collaborator.
package scene

// Handle addresses a slot in an Arena. A handle stays valid until its slot
// is removed; a stale handle never aliases a newer occupant because the
// generation is bumped on every removal.
type Handle[T any] struct {
	index uint32
	gen   uint32
}

// Index returns the slot index of the handle.
func (h Handle[T]) Index() uint32 { return h.index }

// IsZero reports whether h is the zero handle, which never addresses a slot.
func (h Handle[T]) IsZero() bool { return h.gen == 0 }

type arenaSlot[T any] struct {
	value *T
	gen   uint32
	live  bool
}

// Arena owns values of type T and hands out stable handles to them.
// Arena is not safe for concurrent use; Store serializes access.
type Arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	live  int
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v *T) Handle[T] {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots)) //nolint:gosec // arena size bounded by memory
		a.slots = append(a.slots, arenaSlot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	s.value = v
	s.live = true
	a.live++
	return Handle[T]{index: idx, gen: s.gen}
}

// Get returns the value addressed by h.
func (a *Arena[T]) Get(h Handle[T]) (*T, bool) {
	if !a.valid(h) {
		return nil, false
	}
	return a.slots[h.index].value, true
}

// Remove deletes the value addressed by h. It reports false for stale handles.
func (a *Arena[T]) Remove(h Handle[T]) bool {
	if !a.valid(h) {
		return false
	}
	s := &a.slots[h.index]
	s.value = nil
	s.live = false
	a.free = append(a.free, h.index)
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.live }

// Each calls fn for every live value in slot order until fn returns false.
func (a *Arena[T]) Each(fn func(Handle[T], *T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.live {
			continue
		}
		if !fn(Handle[T]{index: uint32(i), gen: s.gen}, s.value) { //nolint:gosec // slot index fits uint32
			return
		}
	}
}

func (a *Arena[T]) valid(h Handle[T]) bool {
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	return s.live && s.gen == h.gen
}

// indexAllocator hands out the stable buffer-data indices. Freed indices are
// reused lowest first so the per-object buffers stay dense.
type indexAllocator struct {
	next int
	free []int
}

func (ia *indexAllocator) alloc() int {
	if n := len(ia.free); n > 0 {
		best := 0
		for i := 1; i < n; i++ {
			if ia.free[i] < ia.free[best] {
				best = i
			}
		}
		idx := ia.free[best]
		ia.free[best] = ia.free[n-1]
		ia.free = ia.free[:n-1]
		return idx
	}
	idx := ia.next
	ia.next++
	return idx
}

func (ia *indexAllocator) release(idx int) {
	ia.free = append(ia.free, idx)
}

// highWater returns one past the largest index ever handed out.
func (ia *indexAllocator) highWater() int { return ia.next }
