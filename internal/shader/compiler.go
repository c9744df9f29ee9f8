// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/unheard/internal/scene"
)

// ErrEmptySource is returned when a material has no WGSL to compile.
var ErrEmptySource = errors.New("shader: empty source")

// CompileFunc turns WGSL into SPIR-V bytes.
type CompileFunc func(wgsl string) ([]byte, error)

// CompilerStats counts compiler activity.
type CompilerStats struct {
	Compiles  int
	CacheHits int
	Resaves   int
}

// Compiler compiles material WGSL to SPIR-V with naga and creates shader
// modules. When a cache directory is set, resaved artifacts are written as
// <dir>/<key>.spv next to a <key>.stamp file holding the source stamp, and
// later compiles of an unchanged source load the artifact instead.
type Compiler struct {
	device   hal.Device
	cacheDir string
	compile  CompileFunc

	mu    sync.Mutex
	stats CompilerStats
}

// NewCompiler creates a compiler for device. cacheDir may be empty.
func NewCompiler(device hal.Device, cacheDir string) *Compiler {
	return &Compiler{device: device, cacheDir: cacheDir, compile: naga.Compile}
}

// SetCompileFunc replaces the WGSL front end. Used by tests and tools that
// precompile modules.
func (c *Compiler) SetCompileFunc(fn CompileFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = naga.Compile
	}
	c.compile = fn
}

// Stats returns a snapshot of the compiler counters.
func (c *Compiler) Stats() CompilerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// CacheDir returns the artifact directory, or "" when caching is off.
func (c *Compiler) CacheDir() string { return c.cacheDir }

// Compile creates a shader module for src. key names the artifact; resave
// persists the compiled SPIR-V with the source stamp.
func (c *Compiler) Compile(label, key string, src scene.ShaderSource, resave bool) (hal.ShaderModule, error) {
	if src.WGSL == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, label)
	}
	stamp := sourceStamp(src)

	words, hit := c.loadArtifact(key, stamp)
	if !hit {
		c.mu.Lock()
		compile := c.compile
		c.mu.Unlock()

		spirv, err := compile(src.WGSL)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", label, err)
		}
		words = toWords(spirv)

		c.mu.Lock()
		c.stats.Compiles++
		c.mu.Unlock()

		if resave {
			if err := c.saveArtifact(key, stamp, spirv); err != nil {
				// A failed resave leaves the module usable.
				slogger().Warn("shader: resave artifact failed", "key", key, "err", err)
			}
		}
	}

	module, err := c.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module %s: %w", label, err)
	}
	return module, nil
}

// sourceStamp identifies the version of src. Sources loaded from disk are
// stamped with the file modification time, inline sources with a content
// hash.
func sourceStamp(src scene.ShaderSource) string {
	if src.Path != "" {
		if fi, err := os.Stat(src.Path); err == nil {
			return "mtime:" + strconv.FormatInt(fi.ModTime().UnixNano(), 10)
		}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(src.WGSL))
	return "fnv:" + strconv.FormatUint(h.Sum64(), 16)
}

func (c *Compiler) artifactPaths(key string) (spv, stamp string) {
	base := filepath.Join(c.cacheDir, key)
	return base + ".spv", base + ".stamp"
}

func (c *Compiler) loadArtifact(key, stamp string) ([]uint32, bool) {
	if c.cacheDir == "" || key == "" {
		return nil, false
	}
	spvPath, stampPath := c.artifactPaths(key)
	stored, err := os.ReadFile(stampPath)
	if err != nil || string(stored) != stamp {
		return nil, false
	}
	data, err := os.ReadFile(spvPath)
	if err != nil || len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}
	c.mu.Lock()
	c.stats.CacheHits++
	c.mu.Unlock()
	slogger().Debug("shader: artifact cache hit", "key", key)
	return toWords(data), true
}

func (c *Compiler) saveArtifact(key, stamp string, spirv []byte) error {
	if c.cacheDir == "" || key == "" {
		return nil
	}
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}
	spvPath, stampPath := c.artifactPaths(key)
	if err := os.WriteFile(spvPath, spirv, 0o644); err != nil { //nolint:gosec // artifacts are not secret
		return err
	}
	if err := os.WriteFile(stampPath, []byte(stamp), 0o644); err != nil { //nolint:gosec // artifacts are not secret
		return err
	}
	c.mu.Lock()
	c.stats.Resaves++
	c.mu.Unlock()
	return nil
}

// toWords converts little-endian SPIR-V bytes to 32-bit words.
func toWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}
