// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package parallel

import "testing"

func TestPartition_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		n, w    int
		nonZero int
	}{
		{"A: 4 renderers 4 workers", 4, 4, 4},
		{"B: 4 renderers 6 workers", 4, 6, 4},
		{"C: 0 renderers 4 workers", 0, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			for task := range tt.w {
				s, e := Partition(tt.n, tt.w, task)
				switch e - s {
				case 0:
				case 1:
					got++
				default:
					t.Errorf("task %d got %d items, want 0 or 1", task, e-s)
				}
			}
			if got != tt.nonZero {
				t.Errorf("%d tasks got one item, want %d", got, tt.nonZero)
			}
		})
	}
}

func TestPartition_CoversExactly(t *testing.T) {
	for n := 0; n <= 64; n++ {
		for w := 1; w <= 17; w++ {
			seen := make([]int, n)
			next := 0
			for task := range w {
				s, e := Partition(n, w, task)
				if s < 0 || e > n || s > e {
					t.Fatalf("n=%d w=%d task=%d: bad range [%d,%d)", n, w, task, s, e)
				}
				if s != e && s != next {
					t.Fatalf("n=%d w=%d task=%d: gap or overlap at %d (want %d)", n, w, task, s, next)
				}
				for i := s; i < e; i++ {
					seen[i]++
				}
				if e > next {
					next = e
				}
			}
			for i, c := range seen {
				if c != 1 {
					t.Fatalf("n=%d w=%d: item %d covered %d times", n, w, i, c)
				}
			}
		}
	}
}

func TestPartition_OutOfRangeTask(t *testing.T) {
	if s, e := Partition(10, 4, 4); s != 0 || e != 0 {
		t.Errorf("Partition(10,4,4) = [%d,%d), want empty", s, e)
	}
	if s, e := Partition(10, 0, 0); s != 0 || e != 0 {
		t.Errorf("Partition(10,0,0) = [%d,%d), want empty", s, e)
	}
}
