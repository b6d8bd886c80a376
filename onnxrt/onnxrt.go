//go:build cgo
// +build cgo

// Package onnxrt backs the depth and warp capabilities with ONNX Runtime
// sessions. Build with CGO_ENABLED=1 and point SharedLibraryPath (or the
// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable) at the runtime
// shared library.
package onnxrt

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/stevecastle/stereopipe/pixel"
	"github.com/stevecastle/stereopipe/stereo"
)

// Options configures the runtime and a session's tensor names.
type Options struct {
	// Path to the onnxruntime shared library (.dll/.so/.dylib). If empty, the
	// environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH will be respected.
	SharedLibraryPath string

	// Input and output tensor names in the model graph.
	InputName  string
	OutputName string
}

// DefaultOptions returns the tensor names most exported models use.
func DefaultOptions() Options {
	return Options{
		InputName:  "input",
		OutputName: "output",
	}
}

var (
	envMu   sync.Mutex
	envRefs int
)

// acquireEnv initializes the shared ONNX Runtime environment on first use.
func acquireEnv(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("onnxrt: initialize environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnv() {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		ort.DestroyEnvironment()
	}
}

// session wraps a dynamic session whose batch and spatial dimensions change
// call to call.
type session struct {
	inner *ort.DynamicAdvancedSession
	opts  Options
}

func newSession(modelPath string, opts Options) (*session, error) {
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("onnxrt: input and output names must be provided")
	}
	if err := acquireEnv(opts.SharedLibraryPath); err != nil {
		return nil, err
	}
	inner, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		nil,
	)
	if err != nil {
		releaseEnv()
		return nil, fmt.Errorf("onnxrt: open %s: %w", modelPath, err)
	}
	return &session{inner: inner, opts: opts}, nil
}

func (s *session) close() error {
	err := s.inner.Destroy()
	releaseEnv()
	return err
}

// run feeds one float32 tensor through the session and returns the output
// data together with its trailing spatial shape.
func (s *session) run(shape []int64, data []float32) ([]float32, []int64, error) {
	in, err := ort.NewTensor(ort.NewShape(shape...), data)
	if err != nil {
		return nil, nil, fmt.Errorf("onnxrt: input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.inner.Run([]ort.Value{in}, outputs); err != nil {
		return nil, nil, fmt.Errorf("onnxrt: run: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, nil, errors.New("onnxrt: model output is not a float32 tensor")
	}
	defer out.Destroy()

	outShape := out.GetShape()
	data = append([]float32(nil), out.GetData()...)
	return data, outShape, nil
}

// DepthSession runs a monocular depth model. It satisfies depth.Inferencer.
type DepthSession struct {
	s *session
}

// NewDepthSession opens the depth model at modelPath.
func NewDepthSession(modelPath string, opts Options) (*DepthSession, error) {
	s, err := newSession(modelPath, opts)
	if err != nil {
		return nil, err
	}
	return &DepthSession{s: s}, nil
}

// Close releases the session and its share of the runtime environment.
func (d *DepthSession) Close() error { return d.s.close() }

// Infer runs the model on a batch of equally sized frames, NCHW float32 in,
// one depth plane per frame out. Models emitting [N,H,W] and [N,1,H,W] are
// both handled.
func (d *DepthSession) Infer(batch []*pixel.Image) ([]*pixel.Plane, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	w, h := batch[0].W, batch[0].H
	n := w * h
	data := make([]float32, 0, len(batch)*3*n)
	for i, m := range batch {
		if m.W != w || m.H != h {
			return nil, fmt.Errorf("onnxrt: frame %d is %dx%d, batch is %dx%d", i, m.W, m.H, w, h)
		}
		data = append(data, m.Pix...)
	}

	out, shape, err := d.s.run([]int64{int64(len(batch)), 3, int64(h), int64(w)}, data)
	if err != nil {
		return nil, err
	}
	ow, oh, err := planeShape(shape, len(batch))
	if err != nil {
		return nil, err
	}

	planes := make([]*pixel.Plane, len(batch))
	stride := ow * oh
	if len(out) < len(batch)*stride {
		return nil, fmt.Errorf("onnxrt: output has %d values, need %d", len(out), len(batch)*stride)
	}
	for i := range planes {
		p := pixel.NewPlane(ow, oh)
		copy(p.Pix, out[i*stride:(i+1)*stride])
		planes[i] = p
	}
	return planes, nil
}

// planeShape extracts H and W from [N,H,W] or [N,1,H,W] output shapes.
func planeShape(shape []int64, batch int) (w, h int, err error) {
	switch {
	case len(shape) == 3 && shape[0] == int64(batch):
		return int(shape[2]), int(shape[1]), nil
	case len(shape) == 4 && shape[0] == int64(batch) && shape[1] == 1:
		return int(shape[3]), int(shape[2]), nil
	}
	return 0, 0, fmt.Errorf("onnxrt: unexpected depth output shape %v for batch %d", shape, batch)
}

// WarpSession runs a learned row-flow warp model over 8-channel tiles. It
// satisfies stereo.TileInferencer.
type WarpSession struct {
	s *session
}

// NewWarpSession opens the warp model at modelPath.
func NewWarpSession(modelPath string, opts Options) (*WarpSession, error) {
	s, err := newSession(modelPath, opts)
	if err != nil {
		return nil, err
	}
	return &WarpSession{s: s}, nil
}

// Close releases the session and its share of the runtime environment.
func (w *WarpSession) Close() error { return w.s.close() }

// Infer runs the model on a batch of equally sized tiles and returns one
// RGB tile per input.
func (w *WarpSession) Infer(batch []*stereo.TileInput) ([]*pixel.Image, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	tw, th := batch[0].W, batch[0].H
	n := tw * th
	data := make([]float32, 0, len(batch)*8*n)
	for i, t := range batch {
		if t.W != tw || t.H != th {
			return nil, fmt.Errorf("onnxrt: tile %d is %dx%d, batch is %dx%d", i, t.W, t.H, tw, th)
		}
		data = append(data, t.Pix...)
	}

	out, shape, err := w.s.run([]int64{int64(len(batch)), 8, int64(th), int64(tw)}, data)
	if err != nil {
		return nil, err
	}
	if len(shape) != 4 || shape[0] != int64(len(batch)) || shape[1] != 3 {
		return nil, fmt.Errorf("onnxrt: unexpected warp output shape %v for batch %d", shape, len(batch))
	}
	ow, oh := int(shape[3]), int(shape[2])
	stride := 3 * ow * oh
	if len(out) < len(batch)*stride {
		return nil, fmt.Errorf("onnxrt: output has %d values, need %d", len(out), len(batch)*stride)
	}

	tiles := make([]*pixel.Image, len(batch))
	for i := range tiles {
		img := pixel.NewImage(ow, oh)
		copy(img.Pix, out[i*stride:(i+1)*stride])
		tiles[i] = img
	}
	return tiles, nil
}
