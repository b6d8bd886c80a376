//go:build !cgo
// +build !cgo

// Package onnxrt backs the depth and warp capabilities with ONNX Runtime
// sessions. This is a stub file for non-CGO builds where ONNX Runtime is
// not available.
package onnxrt

import (
	"errors"

	"github.com/stevecastle/stereopipe/pixel"
	"github.com/stevecastle/stereopipe/stereo"
)

// ErrCGORequired is returned when inference is attempted without CGO support.
var ErrCGORequired = errors.New("onnxrt requires CGO support; rebuild with CGO_ENABLED=1")

// Options configures the runtime and a session's tensor names.
type Options struct {
	SharedLibraryPath string
	InputName         string
	OutputName        string
}

// DefaultOptions returns default Options.
func DefaultOptions() Options {
	return Options{InputName: "input", OutputName: "output"}
}

// DepthSession runs a monocular depth model.
type DepthSession struct{}

// NewDepthSession returns an error indicating CGO is required.
func NewDepthSession(modelPath string, opts Options) (*DepthSession, error) {
	return nil, ErrCGORequired
}

// Close is a no-op in non-CGO builds.
func (d *DepthSession) Close() error { return nil }

// Infer returns an error indicating CGO is required.
func (d *DepthSession) Infer(batch []*pixel.Image) ([]*pixel.Plane, error) {
	return nil, ErrCGORequired
}

// WarpSession runs a learned row-flow warp model over 8-channel tiles.
type WarpSession struct{}

// NewWarpSession returns an error indicating CGO is required.
func NewWarpSession(modelPath string, opts Options) (*WarpSession, error) {
	return nil, ErrCGORequired
}

// Close is a no-op in non-CGO builds.
func (w *WarpSession) Close() error { return nil }

// Infer returns an error indicating CGO is required.
func (w *WarpSession) Infer(batch []*stereo.TileInput) ([]*pixel.Image, error) {
	return nil, ErrCGORequired
}
