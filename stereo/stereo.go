// Package stereo synthesizes left/right eye views from a color frame and a
// depth map (depth-image-based rendering), and projects flat stereo pairs
// into VR layouts.
package stereo

import (
	"github.com/stevecastle/stereopipe/depth"
	"github.com/stevecastle/stereopipe/mapper"
	"github.com/stevecastle/stereopipe/pixel"
)

// Eye selects which view a warp produces.
type Eye int

const (
	EyeLeft Eye = iota
	EyeRight
)

func (e Eye) String() string {
	if e == EyeRight {
		return "right"
	}
	return "left"
}

// sign is the direction the eye's viewpoint moves along the x axis.
func (e Eye) sign() float32 {
	if e == EyeRight {
		return 1
	}
	return -1
}

// Warper produces one eye's view from a frame and its depth map. Divergence
// and convergence are fixed at construction; they do not change over a run.
type Warper interface {
	Warp(frame *pixel.Image, d *pixel.Depth, eye Eye) (*pixel.Image, error)
}

// GridSampleWarper is the analytic warp: each output pixel resamples the
// source at a horizontal offset proportional to its mapped depth.
type GridSampleWarper struct {
	Divergence  float64 // [0, 2.5], strength of the 3D effect
	Convergence float64 // [0, 1], depth of the zero-parallax plane
	Mapper      mapper.Func
}

// Warp implements Warper. A divergence of zero reproduces the source frame
// for both eyes within interpolation tolerance.
func (g *GridSampleWarper) Warp(frame *pixel.Image, d *pixel.Depth, eye Eye) (*pixel.Image, error) {
	min, max := depth.MinMax(d)
	nd := depth.Normalize(d, min, max)
	if g.Mapper != nil {
		for i, v := range nd.Pix {
			nd.Pix[i] = g.Mapper(v)
		}
	}

	w, h := frame.W, frame.H
	out := pixel.NewImage(w, h)
	// Offsets are computed in normalized [-1,1] x coordinates and applied
	// in pixel space: one normalized unit spans (w-1)/2 pixels.
	shiftSize := -eye.sign() * float32(g.Divergence) * 0.01
	convShift := shiftSize * float32(g.Convergence)
	halfSpan := float32(w-1) / 2

	for c := 0; c < 3; c++ {
		plane := frame.Plane(c)
		dst := out.Pix[c*w*h : (c+1)*w*h]
		for y := 0; y < h; y++ {
			fy := float32(y)
			for x := 0; x < w; x++ {
				offset := nd.Pix[y*w+x]*shiftSize - convShift
				sx := float32(x) - offset*halfSpan
				v := plane.BicubicClamp(sx, fy)
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				dst[y*w+x] = v
			}
		}
	}
	return out, nil
}
