// Package synth turns mono frames into stereo side-by-side frames: depth
// estimation, per-eye warping, optional VR180 projection, and the batching
// and file drivers around them.
package synth

import (
	"errors"
	"fmt"

	"github.com/stevecastle/stereopipe/depth"
	"github.com/stevecastle/stereopipe/pixel"
	"github.com/stevecastle/stereopipe/stereo"
)

// BackgroundRemover is an optional capability that masks out the frame
// background before depth estimation. A nil remover disables the step.
type BackgroundRemover interface {
	Remove(frame *pixel.Image) (*pixel.Image, error)
}

// Synthesizer converts one mono frame into a stereo side-by-side frame.
type Synthesizer struct {
	Depth  *depth.Estimator
	Warper stereo.Warper

	// VR180 projects each eye onto the equirectangular half-sphere grid
	// before composition.
	VR180 bool
	// PadFraction grows each eye by this fraction per axis with zero
	// padding before projection.
	PadFraction float64

	// MaxWidth and MaxHeight bound each eye's size; zero leaves the axis
	// unconstrained. KeepAspect shares the scale factor between axes.
	MaxWidth, MaxHeight int
	KeepAspect          bool

	// Preprocess, when set, runs on each frame before anything else.
	// Rotation and cropping hook in here.
	Preprocess func(*pixel.Image) *pixel.Image

	Background BackgroundRemover
}

// Process converts a single frame.
func (s *Synthesizer) Process(frame *pixel.Image) (*pixel.Image, error) {
	out, err := s.ProcessBatch([]*pixel.Image{frame})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ProcessBatch converts a batch of equally sized frames. Depth for the
// whole batch runs in one estimator call; warping and composition are per
// frame. Outputs are ordered like the inputs.
func (s *Synthesizer) ProcessBatch(frames []*pixel.Image) ([]*pixel.Image, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	if s.Depth == nil || s.Warper == nil {
		return nil, errors.New("synth: synthesizer needs a depth estimator and a warper")
	}

	prepared := make([]*pixel.Image, len(frames))
	for i, f := range frames {
		p, err := s.prepare(f)
		if err != nil {
			return nil, err
		}
		if i > 0 && (p.W != prepared[0].W || p.H != prepared[0].H) {
			return nil, fmt.Errorf("synth: frame %d is %dx%d, batch is %dx%d",
				i, p.W, p.H, prepared[0].W, prepared[0].H)
		}
		prepared[i] = p
	}

	depths, err := s.Depth.EstimateBatch(prepared)
	if err != nil {
		return nil, err
	}

	out := make([]*pixel.Image, len(prepared))
	for i, f := range prepared {
		sbs, err := s.compose(f, depths[i])
		if err != nil {
			return nil, err
		}
		out[i] = sbs
	}
	return out, nil
}

func (s *Synthesizer) prepare(frame *pixel.Image) (*pixel.Image, error) {
	if s.Preprocess != nil {
		frame = s.Preprocess(frame)
	}
	w, h := stereo.FitSize(frame.W, frame.H, s.MaxWidth, s.MaxHeight, s.KeepAspect)
	if w != frame.W || h != frame.H {
		frame = pixel.ResizeImage(frame, w, h)
	}
	if s.Background != nil {
		var err error
		frame, err = s.Background.Remove(frame)
		if err != nil {
			return nil, fmt.Errorf("synth: background removal failed: %w", err)
		}
	}
	return frame, nil
}

func (s *Synthesizer) compose(frame *pixel.Image, d *pixel.Depth) (*pixel.Image, error) {
	left, err := s.Warper.Warp(frame, d, stereo.EyeLeft)
	if err != nil {
		return nil, fmt.Errorf("synth: left eye: %w", err)
	}
	right, err := s.Warper.Warp(frame, d, stereo.EyeRight)
	if err != nil {
		return nil, fmt.Errorf("synth: right eye: %w", err)
	}

	if s.VR180 {
		proj := stereo.EquirectangularProjector{}
		left = proj.Project(stereo.PadFrame(left, s.PadFraction))
		right = proj.Project(stereo.PadFrame(right, s.PadFraction))
	} else if s.PadFraction > 0 {
		left = stereo.PadFrame(left, s.PadFraction)
		right = stereo.PadFrame(right, s.PadFraction)
	}

	sbs := pixel.Concat(left, right)
	// Encoders want even dimensions; projection and padding can break them.
	if sbs.W%2 != 0 || sbs.H%2 != 0 {
		sbs = pixel.ResizeImage(sbs, sbs.W-sbs.W%2, sbs.H-sbs.H%2)
	}
	return sbs, nil
}
