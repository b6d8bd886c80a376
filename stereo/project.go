package stereo

import (
	"math"

	"github.com/stevecastle/stereopipe/pixel"
)

// meshScale shrinks the projected field of view so the source frame fills
// the headset's central region instead of stretching to the poles.
const meshScale = 0.6666

// meshOutside marks output pixels whose view direction misses the canvas.
const meshOutside = float32(-1e9)

// EquirectangularProjector maps a flat eye view onto the half-sphere grid
// VR180 players expect. The frame is centered on a larger zero-padded
// square canvas first, then resampled along the spherical mesh.
type EquirectangularProjector struct{}

// Project returns the square equirectangular rendering of one eye view.
func (EquirectangularProjector) Project(frame *pixel.Image) *pixel.Image {
	w, h := frame.W, frame.H
	side := w
	if h > side {
		side = h
	}
	size := side + side/2
	ox := (size - w) / 2
	oy := (size - h) / 2

	canvas := pixel.NewImage(size, size)
	cn := size * size
	fn := w * h
	for c := 0; c < 3; c++ {
		for y := 0; y < h; y++ {
			copy(canvas.Pix[c*cn+(y+oy)*size+ox:], frame.Pix[c*fn+y*w:c*fn+(y+1)*w])
		}
	}

	// The mesh only depends on the output position, so build it once for
	// all three channels. Directions grazing the image plane land far
	// outside the canvas and stay black.
	meshX := make([]float32, cn)
	meshY := make([]float32, cn)
	halfSpan := float64(size-1) / 2
	for y := 0; y < size; y++ {
		gy := 2*float64(y)/float64(size-1) - 1
		elevation := gy * math.Pi / 2
		cosE, sinE := math.Cos(elevation), math.Sin(elevation)
		for x := 0; x < size; x++ {
			gx := 2*float64(x)/float64(size-1) - 1
			azimuth := gx * math.Pi / 2

			// Spherical direction; z is the view axis, so the mesh
			// is the perspective division onto the image plane.
			sx := cosE * math.Sin(azimuth)
			sy := sinE
			sz := cosE * math.Cos(azimuth)

			i := y*size + x
			meshX[i], meshY[i] = meshOutside, meshOutside
			if sz < 1e-6 {
				continue
			}
			mx := meshScale * sx / sz
			my := meshScale * sy / sz
			if mx < -1.5 || mx > 1.5 || my < -1.5 || my > 1.5 {
				continue
			}
			meshX[i] = float32((mx + 1) * halfSpan)
			meshY[i] = float32((my + 1) * halfSpan)
		}
	}

	out := pixel.NewImage(size, size)
	for c := 0; c < 3; c++ {
		plane := canvas.Plane(c)
		dst := out.Pix[c*cn : (c+1)*cn]
		for i := 0; i < cn; i++ {
			if meshX[i] == meshOutside {
				continue
			}
			v := plane.BicubicZero(meshX[i], meshY[i])
			if v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			dst[i] = v
		}
	}
	return out
}

// PadFrame zero-pads a frame so each axis grows by roughly the given
// fraction of its own size, split between the two sides. Fractions at or
// below zero, or too small to add a pixel, return the frame unchanged.
func PadFrame(m *pixel.Image, fraction float64) *pixel.Image {
	if fraction <= 0 {
		return m
	}
	padW := int(float64(m.W)*fraction) / 2
	padH := int(float64(m.H)*fraction) / 2
	if padW == 0 && padH == 0 {
		return m
	}
	return m.Pad(padW, padH, pixel.PadZero)
}

// FitSize shrinks w x h to fit within maxW x maxH. Zero max values leave
// that axis unconstrained. With keepAspect the scale factor is shared
// between axes. Both results are forced even, as video encoders require.
func FitSize(w, h, maxW, maxH int, keepAspect bool) (int, int) {
	ow, oh := w, h
	if keepAspect {
		scale := 1.0
		if maxW > 0 && ow > maxW {
			scale = float64(maxW) / float64(ow)
		}
		if maxH > 0 && float64(oh)*scale > float64(maxH) {
			scale = float64(maxH) / float64(oh)
		}
		if scale < 1 {
			ow = int(float64(ow) * scale)
			oh = int(float64(oh) * scale)
		}
	} else {
		if maxW > 0 && ow > maxW {
			ow = maxW
		}
		if maxH > 0 && oh > maxH {
			oh = maxH
		}
	}
	ow -= ow % 2
	oh -= oh % 2
	if ow < 2 {
		ow = 2
	}
	if oh < 2 {
		oh = 2
	}
	return ow, oh
}
