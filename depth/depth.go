// Package depth wraps an opaque monocular depth-inference capability with
// the padding and flip-augmentation plumbing the stereo stages expect.
package depth

import (
	"fmt"
	"math"

	"github.com/stevecastle/stereopipe/pixel"
)

// Inferencer is the opaque depth-inference capability. Infer takes a batch
// of color frames that all share one spatial size and returns one metric
// depth plane per frame, spatially matching the input. Batch-aware; issued
// one call at a time.
type Inferencer interface {
	Infer(batch []*pixel.Image) ([]*pixel.Plane, error)
}

// Estimator runs depth inference with reflection padding and optional
// flip-augmentation merging. The zero value is unusable; set Model.
type Estimator struct {
	Model Inferencer

	// FlipAug averages depth from the frame and its horizontal mirror,
	// reducing directional bias.
	FlipAug bool

	// LowMemory issues two sequential inference calls instead of one
	// doubled batch when FlipAug is set, trading latency for peak memory.
	LowMemory bool
}

// haloSize returns the reflection padding for one spatial dimension.
func haloSize(n int) int {
	return int(math.Sqrt(float64(n)*0.5) * 3)
}

// Estimate runs inference for a single frame.
func (e *Estimator) Estimate(frame *pixel.Image) (*pixel.Depth, error) {
	out, err := e.EstimateBatch([]*pixel.Image{frame})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EstimateBatch runs inference for a batch of equally sized frames and
// returns one 16-bit depth grid per frame, each matching its frame's
// unpadded size.
func (e *Estimator) EstimateBatch(frames []*pixel.Image) ([]*pixel.Depth, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	if e.LowMemory {
		out := make([]*pixel.Depth, len(frames))
		for i, f := range frames {
			d, err := e.estimateLowMemory(f)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	}
	return e.estimateBatched(frames)
}

func (e *Estimator) estimateBatched(frames []*pixel.Image) ([]*pixel.Depth, error) {
	n := len(frames)
	w, h := frames[0].W, frames[0].H
	padW, padH := haloSize(w), haloSize(h)

	batch := make([]*pixel.Image, 0, 2*n)
	for _, f := range frames {
		batch = append(batch, f.Pad(padW, padH, pixel.PadReflect))
	}
	if e.FlipAug {
		for _, f := range frames {
			batch = append(batch, f.MirrorH().Pad(padW, padH, pixel.PadReflect))
		}
	}

	planes, err := e.infer(batch, w+2*padW, h+2*padH)
	if err != nil {
		return nil, err
	}

	out := make([]*pixel.Depth, n)
	for i := 0; i < n; i++ {
		straight := cropHalo(planes[i], padW, padH, w, h)
		if e.FlipAug {
			mirrored := cropHalo(planes[i+n], padW, padH, w, h)
			out[i] = mergeFlip(straight, mirrored)
		} else {
			out[i] = scaleDepth(straight, 256)
		}
	}
	return out, nil
}

func (e *Estimator) estimateLowMemory(frame *pixel.Image) (*pixel.Depth, error) {
	w, h := frame.W, frame.H
	padW, padH := haloSize(w), haloSize(h)

	planes, err := e.infer([]*pixel.Image{frame.Pad(padW, padH, pixel.PadReflect)}, w+2*padW, h+2*padH)
	if err != nil {
		return nil, err
	}
	straight := cropHalo(planes[0], padW, padH, w, h)
	if !e.FlipAug {
		return scaleDepth(straight, 256), nil
	}

	planes, err = e.infer([]*pixel.Image{frame.MirrorH().Pad(padW, padH, pixel.PadReflect)}, w+2*padW, h+2*padH)
	if err != nil {
		return nil, err
	}
	mirrored := cropHalo(planes[0], padW, padH, w, h)
	return mergeFlip(straight, mirrored), nil
}

// infer calls the capability and resizes any output that does not match the
// padded input size (some depth models round spatial dimensions).
func (e *Estimator) infer(batch []*pixel.Image, w, h int) ([]*pixel.Plane, error) {
	planes, err := e.Model.Infer(batch)
	if err != nil {
		return nil, fmt.Errorf("depth: inference failed: %w", err)
	}
	if len(planes) != len(batch) {
		return nil, fmt.Errorf("depth: inference returned %d planes for %d frames", len(planes), len(batch))
	}
	for i, p := range planes {
		if p.W != w || p.H != h {
			planes[i] = pixel.ResizePlane(p, w, h)
		}
	}
	return planes, nil
}

func cropHalo(p *pixel.Plane, padW, padH, w, h int) *pixel.Plane {
	if padW == 0 && padH == 0 {
		return p
	}
	return pixel.CropPlane(p, padW, padH, w, h)
}

// mergeFlip averages the straight estimate with the re-mirrored flipped
// estimate while rescaling into the int16 range: (a + mirror(b)) * 128.
func mergeFlip(straight, mirrored *pixel.Plane) *pixel.Depth {
	back := mirrored.MirrorH()
	out := pixel.NewDepth(straight.W, straight.H)
	for i := range straight.Pix {
		out.Pix[i] = clampInt16((straight.Pix[i] + back.Pix[i]) * 128)
	}
	return out
}

func scaleDepth(p *pixel.Plane, scale float32) *pixel.Depth {
	out := pixel.NewDepth(p.W, p.H)
	for i, v := range p.Pix {
		out.Pix[i] = clampInt16(v * scale)
	}
	return out
}

func clampInt16(v float32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Normalize inverts and min-max scales a depth grid into [0,1], near = 1.
// A constant grid normalizes to all zeros rather than NaN. Pass the grid's
// own extrema, or a whole-frame min/max when normalizing tiles.
func Normalize(d *pixel.Depth, min, max int16) *pixel.Plane {
	out := pixel.NewPlane(d.W, d.H)
	if max <= min {
		return out
	}
	span := float32(max) - float32(min)
	for i, v := range d.Pix {
		n := 1 - (float32(v)-float32(min))/span
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out.Pix[i] = n
	}
	return out
}

// MinMax returns the extrema of a depth grid.
func MinMax(d *pixel.Depth) (min, max int16) {
	min, max = math.MaxInt16, math.MinInt16
	for _, v := range d.Pix {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
