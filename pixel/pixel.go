// Package pixel holds the planar image buffers shared by the depth and
// stereo stages. Color images are 3-channel float32 in [0,1], stored
// channel-major (CHW) so a whole plane can be scanned as one slice. Depth
// maps are int16 grids as produced by the depth estimator.
package pixel

import (
	"image"
	"image/draw"
)

// Image is a planar RGB image. Plane c occupies Pix[c*W*H : (c+1)*W*H].
type Image struct {
	W, H int
	Pix  []float32
}

// Plane is a single-channel float32 grid.
type Plane struct {
	W, H int
	Pix  []float32
}

// Depth is a 16-bit signed depth grid, same spatial size as its source image.
type Depth struct {
	W, H int
	Pix  []int16
}

// NewImage allocates a zeroed W x H planar image.
func NewImage(w, h int) *Image {
	return &Image{W: w, H: h, Pix: make([]float32, 3*w*h)}
}

// NewPlane allocates a zeroed W x H plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float32, w*h)}
}

// NewDepth allocates a zeroed W x H depth grid.
func NewDepth(w, h int) *Depth {
	return &Depth{W: w, H: h, Pix: make([]int16, w*h)}
}

// At returns channel c at (x, y). No bounds checking.
func (m *Image) At(c, x, y int) float32 {
	return m.Pix[c*m.W*m.H+y*m.W+x]
}

// Set writes channel c at (x, y).
func (m *Image) Set(c, x, y int, v float32) {
	m.Pix[c*m.W*m.H+y*m.W+x] = v
}

// Plane returns channel c as a Plane sharing the underlying storage.
func (m *Image) Plane(c int) *Plane {
	n := m.W * m.H
	return &Plane{W: m.W, H: m.H, Pix: m.Pix[c*n : (c+1)*n]}
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := NewImage(m.W, m.H)
	copy(out.Pix, m.Pix)
	return out
}

// FromRGBA converts an 8-bit RGBA image to planar [0,1] float32, dropping
// alpha.
func FromRGBA(src *image.RGBA) *Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := NewImage(w, h)
	n := w * h
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			out.Pix[i] = float32(row[x*4+0]) / 255
			out.Pix[n+i] = float32(row[x*4+1]) / 255
			out.Pix[2*n+i] = float32(row[x*4+2]) / 255
		}
	}
	return out
}

// FromImage converts any image to planar float32 via an RGBA draw.
func FromImage(src image.Image) *Image {
	if rgba, ok := src.(*image.RGBA); ok {
		return FromRGBA(rgba)
	}
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return FromRGBA(rgba)
}

// ToRGBA converts back to 8-bit RGBA with opaque alpha, clamping to [0,1].
func (m *Image) ToRGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.W, m.H))
	n := m.W * m.H
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			i := y*m.W + x
			di := y*out.Stride + x*4
			out.Pix[di+0] = quantize(m.Pix[i])
			out.Pix[di+1] = quantize(m.Pix[n+i])
			out.Pix[di+2] = quantize(m.Pix[2*n+i])
			out.Pix[di+3] = 255
		}
	}
	return out
}

func quantize(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

// Uniform returns a W x H image filled with a single color.
func Uniform(w, h int, r, g, b float32) *Image {
	out := NewImage(w, h)
	n := w * h
	for i := 0; i < n; i++ {
		out.Pix[i] = r
		out.Pix[n+i] = g
		out.Pix[2*n+i] = b
	}
	return out
}

// MirrorH returns the image flipped around its vertical axis.
func (m *Image) MirrorH() *Image {
	out := NewImage(m.W, m.H)
	n := m.W * m.H
	for c := 0; c < 3; c++ {
		src := m.Pix[c*n : (c+1)*n]
		dst := out.Pix[c*n : (c+1)*n]
		mirrorRows(dst, src, m.W, m.H)
	}
	return out
}

// MirrorH returns the plane flipped around its vertical axis.
func (p *Plane) MirrorH() *Plane {
	out := NewPlane(p.W, p.H)
	mirrorRows(out.Pix, p.Pix, p.W, p.H)
	return out
}

// MirrorH returns the depth grid flipped around its vertical axis.
func (d *Depth) MirrorH() *Depth {
	out := NewDepth(d.W, d.H)
	for y := 0; y < d.H; y++ {
		row := d.Pix[y*d.W : (y+1)*d.W]
		drow := out.Pix[y*d.W : (y+1)*d.W]
		for x := 0; x < d.W; x++ {
			drow[x] = row[d.W-1-x]
		}
	}
	return out
}

// RotateCW returns the image rotated a quarter turn clockwise.
func (m *Image) RotateCW() *Image {
	out := NewImage(m.H, m.W)
	for c := 0; c < 3; c++ {
		for y := 0; y < m.H; y++ {
			for x := 0; x < m.W; x++ {
				out.Set(c, m.H-1-y, x, m.At(c, x, y))
			}
		}
	}
	return out
}

// RotateCCW returns the image rotated a quarter turn counterclockwise.
func (m *Image) RotateCCW() *Image {
	out := NewImage(m.H, m.W)
	for c := 0; c < 3; c++ {
		for y := 0; y < m.H; y++ {
			for x := 0; x < m.W; x++ {
				out.Set(c, y, m.W-1-x, m.At(c, x, y))
			}
		}
	}
	return out
}

func mirrorRows(dst, src []float32, w, h int) {
	for y := 0; y < h; y++ {
		srow := src[y*w : (y+1)*w]
		drow := dst[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			drow[x] = srow[w-1-x]
		}
	}
}

// Concat joins left and right side by side. Heights must match.
func Concat(left, right *Image) *Image {
	w := left.W + right.W
	out := NewImage(w, left.H)
	n := w * left.H
	ln := left.W * left.H
	rn := right.W * right.H
	for c := 0; c < 3; c++ {
		for y := 0; y < left.H; y++ {
			copy(out.Pix[c*n+y*w:c*n+y*w+left.W], left.Pix[c*ln+y*left.W:c*ln+(y+1)*left.W])
			copy(out.Pix[c*n+y*w+left.W:c*n+(y+1)*w], right.Pix[c*rn+y*right.W:c*rn+(y+1)*right.W])
		}
	}
	return out
}
