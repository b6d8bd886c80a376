package pixel

// Catmull-Rom cubic kernel (a = -0.5), the same family the image resize
// helpers use for 8-bit data. t must be >= 0.
func cubicWeight(t float32) float32 {
	const a = -0.5
	if t < 0 {
		t = -t
	}
	t2 := t * t
	t3 := t2 * t
	switch {
	case t <= 1:
		return (a+2)*t3 - (a+3)*t2 + 1
	case t < 2:
		return a*t3 - 5*a*t2 + 8*a*t - 4*a
	}
	return 0
}

// BicubicClamp samples the plane at a fractional position with
// border-clamped coordinates.
func (p *Plane) BicubicClamp(fx, fy float32) float32 {
	x0 := int(floor(fx))
	y0 := int(floor(fy))
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	var sum, wsum float32
	for j := -1; j <= 2; j++ {
		wy := cubicWeight(float32(j) - ty)
		if wy == 0 {
			continue
		}
		sy := clampInt(y0+j, 0, p.H-1)
		row := p.Pix[sy*p.W : (sy+1)*p.W]
		for i := -1; i <= 2; i++ {
			wx := cubicWeight(float32(i) - tx)
			if wx == 0 {
				continue
			}
			sx := clampInt(x0+i, 0, p.W-1)
			w := wx * wy
			sum += w * row[sx]
			wsum += w
		}
	}
	if wsum == 0 {
		return 0
	}
	return sum / wsum
}

// BicubicZero samples the plane at a fractional position; samples outside
// the plane contribute zero.
func (p *Plane) BicubicZero(fx, fy float32) float32 {
	x0 := int(floor(fx))
	y0 := int(floor(fy))
	tx := fx - float32(x0)
	ty := fy - float32(y0)

	var sum float32
	for j := -1; j <= 2; j++ {
		wy := cubicWeight(float32(j) - ty)
		if wy == 0 {
			continue
		}
		sy := y0 + j
		if sy < 0 || sy >= p.H {
			continue
		}
		row := p.Pix[sy*p.W : (sy+1)*p.W]
		for i := -1; i <= 2; i++ {
			wx := cubicWeight(float32(i) - tx)
			if wx == 0 {
				continue
			}
			sx := x0 + i
			if sx < 0 || sx >= p.W {
				continue
			}
			sum += wx * wy * row[sx]
		}
	}
	return sum
}

// ResizePlane resamples the plane to w x h with the bicubic kernel.
func ResizePlane(p *Plane, w, h int) *Plane {
	if p.W == w && p.H == h {
		return p
	}
	out := NewPlane(w, h)
	scaleX := float32(p.W) / float32(w)
	scaleY := float32(p.H) / float32(h)
	for y := 0; y < h; y++ {
		fy := (float32(y)+0.5)*scaleY - 0.5
		for x := 0; x < w; x++ {
			fx := (float32(x)+0.5)*scaleX - 0.5
			out.Pix[y*w+x] = p.BicubicClamp(fx, fy)
		}
	}
	return out
}

// ResizeImage resamples all three channels to w x h, clamping to [0,1].
func ResizeImage(m *Image, w, h int) *Image {
	if m.W == w && m.H == h {
		return m
	}
	out := NewImage(w, h)
	for c := 0; c < 3; c++ {
		plane := ResizePlane(m.Plane(c), w, h)
		dst := out.Pix[c*w*h : (c+1)*w*h]
		for i, v := range plane.Pix {
			dst[i] = clamp01(v)
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floor(v float32) float32 {
	i := float32(int(v))
	if v < i {
		return i - 1
	}
	return i
}
