// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package unheard

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/unheard/internal/accel"
	"github.com/gogpu/unheard/internal/frame"
	"github.com/gogpu/unheard/internal/passgraph"
	"github.com/gogpu/unheard/internal/shader"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for the engine and all its internal
// packages. By default the engine produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used:
//   - [slog.LevelDebug]: per-frame diagnostics (pipeline rebuilds, TLAS updates, worker partitions)
//   - [slog.LevelInfo]: lifecycle events (engine created, reset performed, resize)
//   - [slog.LevelWarn]: content errors (missing mesh or material, null texture bound)
//   - [slog.LevelError]: failed frames
//
// Example:
//
//	unheard.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	frame.SetLogger(l)
	passgraph.SetLogger(l)
	shader.SetLogger(l)
	accel.SetLogger(l)
}

// Logger returns the current logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
