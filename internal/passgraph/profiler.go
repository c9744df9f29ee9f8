// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package passgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profiler records CPU timings of named scopes, usually one per pass, and
// free-form counters.
type Profiler struct {
	mu     sync.Mutex
	scopes map[string]time.Duration
	starts map[string]time.Time
	counts map[string]int
	order  []string
	now    func() time.Time
}

// NewProfiler returns an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{
		scopes: make(map[string]time.Duration),
		starts: make(map[string]time.Time),
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// BeginScope starts timing name.
func (p *Profiler) BeginScope(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts[name] = p.now()
	if _, ok := p.scopes[name]; !ok {
		p.order = append(p.order, name)
		p.scopes[name] = 0
	}
}

// EndScope stops timing name and keeps the elapsed time.
func (p *Profiler) EndScope(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if start, ok := p.starts[name]; ok {
		p.scopes[name] = p.now().Sub(start)
		delete(p.starts, name)
	}
}

// SetCount records a counter value.
func (p *Profiler) SetCount(name string, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[name] = count
}

// Scope returns the last timing of name.
func (p *Profiler) Scope(name string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.scopes[name]
	return d, ok
}

// Count returns a counter value.
func (p *Profiler) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[name]
}

// Scopes returns the scope names in first-seen order.
func (p *Profiler) Scopes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Reset zeroes the timings and keeps the scope order.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.scopes {
		p.scopes[k] = 0
	}
}

// String formats timings in scope order and counters sorted by name.
func (p *Profiler) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.order {
		ms := float64(p.scopes[name].Microseconds()) / 1000.0
		fmt.Fprintf(&sb, "  %-18s: %.2f ms\n", name, ms)
	}
	if len(p.counts) > 0 {
		sb.WriteString("\nStats:\n")
		keys := make([]string, 0, len(p.counts))
		for k := range p.counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %-18s: %d\n", k, p.counts[k])
		}
	}
	return sb.String()
}
