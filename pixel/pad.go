package pixel

// PadMode selects how out-of-bounds samples are produced when padding.
type PadMode int

const (
	// PadReflect mirrors the image across its edge, excluding the edge
	// sample itself (the depth model expects reflection context).
	PadReflect PadMode = iota
	// PadReplicate repeats the edge sample.
	PadReplicate
	// PadZero fills with zeros.
	PadZero
)

// Pad returns the image enlarged by padW columns on each side and padH rows
// on top and bottom.
func (m *Image) Pad(padW, padH int, mode PadMode) *Image {
	w, h := m.W+2*padW, m.H+2*padH
	out := NewImage(w, h)
	n := m.W * m.H
	on := w * h
	for c := 0; c < 3; c++ {
		padPlane(out.Pix[c*on:(c+1)*on], m.Pix[c*n:(c+1)*n], m.W, m.H, padW, padH, mode)
	}
	return out
}

// Pad returns the plane enlarged by padW columns and padH rows on each side.
func (p *Plane) Pad(padW, padH int, mode PadMode) *Plane {
	out := NewPlane(p.W+2*padW, p.H+2*padH)
	padPlane(out.Pix, p.Pix, p.W, p.H, padW, padH, mode)
	return out
}

func padPlane(dst, src []float32, w, h, padW, padH int, mode PadMode) {
	ow := w + 2*padW
	oh := h + 2*padH
	for y := 0; y < oh; y++ {
		sy := padIndex(y-padH, h, mode)
		for x := 0; x < ow; x++ {
			sx := padIndex(x-padW, w, mode)
			var v float32
			if sx >= 0 && sy >= 0 {
				v = src[sy*w+sx]
			}
			dst[y*ow+x] = v
		}
	}
}

// padIndex maps a possibly out-of-range coordinate into [0,n). It returns -1
// for PadZero out-of-range samples.
func padIndex(i, n int, mode PadMode) int {
	if i >= 0 && i < n {
		return i
	}
	switch mode {
	case PadReflect:
		// Reflect without repeating the border sample, like ffmpeg's
		// and torch's "reflect": for n=4, -1 -> 1 and 4 -> 2.
		if n == 1 {
			return 0
		}
		period := 2 * (n - 1)
		i %= period
		if i < 0 {
			i += period
		}
		if i >= n {
			i = period - i
		}
		return i
	case PadReplicate:
		if i < 0 {
			return 0
		}
		return n - 1
	default:
		return -1
	}
}

// CropImage cuts the rectangle starting at (x0, y0) with size w x h.
func CropImage(m *Image, x0, y0, w, h int) *Image {
	out := NewImage(w, h)
	n := m.W * m.H
	on := w * h
	for c := 0; c < 3; c++ {
		for y := 0; y < h; y++ {
			src := m.Pix[c*n+(y0+y)*m.W+x0 : c*n+(y0+y)*m.W+x0+w]
			copy(out.Pix[c*on+y*w:c*on+(y+1)*w], src)
		}
	}
	return out
}

// CropPlane cuts the rectangle starting at (x0, y0) with size w x h.
func CropPlane(p *Plane, x0, y0, w, h int) *Plane {
	out := NewPlane(w, h)
	for y := 0; y < h; y++ {
		copy(out.Pix[y*w:(y+1)*w], p.Pix[(y0+y)*p.W+x0:(y0+y)*p.W+x0+w])
	}
	return out
}
