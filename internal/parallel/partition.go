// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

// Partition returns the half-open range [start, end) of a draw list of
// length n assigned to thread t of w.
//
// Every thread receives ceil(n/w) items except that the last thread absorbs
// the tail and threads past the end receive an empty range. The ranges of
// t = 0..w-1 cover [0, n) exactly once.
func Partition(n, w, t int) (start, end int) {
	if n <= 0 || w <= 0 || t < 0 || t >= w {
		return 0, 0
	}
	chunk := (n + w - 1) / w
	start = min(chunk*t, n)
	if t == w-1 {
		return start, n
	}
	return start, min(start+chunk, n)
}
