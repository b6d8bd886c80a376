package stereo

import (
	"math"
	"testing"

	"github.com/stevecastle/stereopipe/pixel"
)

func gradientFrame(w, h int) *pixel.Image {
	m := pixel.NewImage(w, h)
	n := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m.Pix[i] = float32(x) / float32(w-1)
			m.Pix[n+i] = 0.25
			m.Pix[2*n+i] = float32(y) / float32(h-1)
		}
	}
	return m
}

func rampDepth(w, h int) *pixel.Depth {
	d := pixel.NewDepth(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d.Pix[y*w+x] = int16(x * 100)
		}
	}
	return d
}

func TestGridSampleZeroDivergenceIdentity(t *testing.T) {
	frame := gradientFrame(24, 16)
	d := rampDepth(24, 16)
	warper := &GridSampleWarper{Divergence: 0, Convergence: 0.5}

	for _, eye := range []Eye{EyeLeft, EyeRight} {
		out, err := warper.Warp(frame, d, eye)
		if err != nil {
			t.Fatal(err)
		}
		for i := range frame.Pix {
			if diff := math.Abs(float64(out.Pix[i] - frame.Pix[i])); diff > 1e-6 {
				t.Fatalf("%s eye: Pix[%d] = %v; want %v", eye, i, out.Pix[i], frame.Pix[i])
			}
		}
	}
}

func TestGridSampleEyesShiftOpposite(t *testing.T) {
	frame := gradientFrame(32, 8)
	d := rampDepth(32, 8)
	warper := &GridSampleWarper{Divergence: 2, Convergence: 0}

	left, err := warper.Warp(frame, d, EyeLeft)
	if err != nil {
		t.Fatal(err)
	}
	right, err := warper.Warp(frame, d, EyeRight)
	if err != nil {
		t.Fatal(err)
	}

	// The left eye shifts content rightward, sampling the source at a
	// smaller x, so with a red channel rising in x its value is lower.
	i := 4*32 + 16
	if left.Pix[i] >= right.Pix[i] {
		t.Fatalf("left %v vs right %v; want left < right", left.Pix[i], right.Pix[i])
	}
}

// identityTileModel echoes each tile's color channels back, so the blended
// result must reproduce the source frame regardless of tiling.
type identityTileModel struct {
	batchSizes []int
}

func (m *identityTileModel) Infer(batch []*TileInput) ([]*pixel.Image, error) {
	m.batchSizes = append(m.batchSizes, len(batch))
	out := make([]*pixel.Image, len(batch))
	for i, in := range batch {
		img := pixel.NewImage(in.W, in.H)
		copy(img.Pix, in.Pix[:3*in.W*in.H])
		out[i] = img
	}
	return out, nil
}

func TestTiledSeamIdentityModelReproducesFrame(t *testing.T) {
	frame := gradientFrame(48, 48)
	d := rampDepth(48, 48)
	warper := &TiledSeamWarper{
		Model:      &identityTileModel{},
		Divergence: 2,
		TileSize:   32,
	}

	for _, eye := range []Eye{EyeLeft, EyeRight} {
		out, err := warper.Warp(frame, d, eye)
		if err != nil {
			t.Fatal(err)
		}
		if out.W != frame.W || out.H != frame.H {
			t.Fatalf("output %dx%d; want %dx%d", out.W, out.H, frame.W, frame.H)
		}
		for i := range frame.Pix {
			if diff := math.Abs(float64(out.Pix[i] - frame.Pix[i])); diff > 1e-4 {
				t.Fatalf("%s eye: Pix[%d] = %v; want %v", eye, i, out.Pix[i], frame.Pix[i])
			}
		}
	}
}

func TestTiledSeamBatchBound(t *testing.T) {
	model := &identityTileModel{}
	warper := &TiledSeamWarper{Model: model, TileSize: 32, BatchSize: 2}
	frame := gradientFrame(48, 48)
	if _, err := warper.Warp(frame, rampDepth(48, 48), EyeLeft); err != nil {
		t.Fatal(err)
	}
	for _, n := range model.batchSizes {
		if n > 2 {
			t.Fatalf("batch of %d exceeds bound 2", n)
		}
	}
}

// constantTileModel paints each tile with the mean of its red channel,
// forcing visible per-tile constants that only seam blending can join.
type constantTileModel struct{}

func (constantTileModel) Infer(batch []*TileInput) ([]*pixel.Image, error) {
	out := make([]*pixel.Image, len(batch))
	for i, in := range batch {
		n := in.W * in.H
		var sum float32
		for _, v := range in.Pix[:n] {
			sum += v
		}
		out[i] = pixel.Uniform(in.W, in.H, sum/float32(n), sum/float32(n), sum/float32(n))
	}
	return out, nil
}

func TestTiledSeamTransitionStaysInHull(t *testing.T) {
	// 40x20 with 32px tiles and 6px replication pad tiles exactly twice
	// along x and once along y, so every seam is the single vertical one.
	w, h := 40, 20
	frame := pixel.NewImage(w, h)
	n := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x >= w/2 {
				frame.Pix[y*w+x] = 1
				frame.Pix[n+y*w+x] = 1
				frame.Pix[2*n+y*w+x] = 1
			}
		}
	}
	warper := &TiledSeamWarper{Model: constantTileModel{}, TileSize: 32}

	out, err := warper.Warp(frame, rampDepth(w, h), EyeLeft)
	if err != nil {
		t.Fatal(err)
	}

	row := out.Pix[(h/2)*w : (h/2)*w+w]
	lo, hi := row[0], row[w-1]
	if lo >= hi {
		t.Fatalf("expected rising transition, got ends %v and %v", lo, hi)
	}
	prev := row[0]
	for x, v := range row {
		if v < lo-1e-5 || v > hi+1e-5 {
			t.Fatalf("row[%d] = %v outside hull [%v, %v]", x, v, lo, hi)
		}
		if v < prev-1e-5 {
			t.Fatalf("row[%d] = %v dips below row[%d] = %v", x, v, x-1, prev)
		}
		prev = v
	}
}

func TestEquirectangularUniformCenter(t *testing.T) {
	frame := pixel.Uniform(20, 20, 0.2, 0.5, 0.8)
	out := EquirectangularProjector{}.Project(frame)

	if out.W != 30 || out.H != 30 {
		t.Fatalf("projection size %dx%d; want 30x30", out.W, out.H)
	}
	n := out.W * out.H
	ci := (out.H/2)*out.W + out.W/2
	want := []float32{0.2, 0.5, 0.8}
	for c := 0; c < 3; c++ {
		if diff := math.Abs(float64(out.Pix[c*n+ci] - want[c])); diff > 1e-3 {
			t.Errorf("center channel %d = %v; want %v", c, out.Pix[c*n+ci], want[c])
		}
		if v := out.Pix[c*n]; v != 0 {
			t.Errorf("corner channel %d = %v; want 0", c, v)
		}
	}
}

func TestPadFrame(t *testing.T) {
	// The fraction is the total growth per axis, split between the sides.
	frame := pixel.Uniform(100, 100, 1, 1, 1)
	out := PadFrame(frame, 0.1)
	if out.W != 110 || out.H != 110 {
		t.Fatalf("padded size %dx%d; want 110x110", out.W, out.H)
	}
	if out.Pix[0] != 0 {
		t.Errorf("pad border = %v; want 0", out.Pix[0])
	}
	if same := PadFrame(frame, 0); same != frame {
		t.Error("zero fraction should return the frame unchanged")
	}
	small := pixel.Uniform(10, 10, 1, 1, 1)
	if same := PadFrame(small, 0.1); same != small {
		t.Error("sub-pixel growth should return the frame unchanged")
	}
}

func TestFitSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		maxW, maxH   int
		keepAspect   bool
		wantW, wantH int
	}{
		{"no limits", 1920, 1080, 0, 0, true, 1920, 1080},
		{"width bound keeps aspect", 1920, 1080, 960, 0, true, 960, 540},
		{"height bound keeps aspect", 1920, 1080, 0, 540, true, 960, 540},
		{"free crop", 1920, 1080, 960, 1080, false, 960, 1080},
		{"odd forced even", 961, 541, 0, 0, false, 960, 540},
		{"never below two", 3, 1, 0, 0, true, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotW, gotH := FitSize(tt.w, tt.h, tt.maxW, tt.maxH, tt.keepAspect)
			if gotW != tt.wantW || gotH != tt.wantH {
				t.Errorf("FitSize(%d, %d, %d, %d, %v) = %d, %d; want %d, %d",
					tt.w, tt.h, tt.maxW, tt.maxH, tt.keepAspect, gotW, gotH, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestTilePositionsCoverArea(t *testing.T) {
	for _, size := range [][2]int{{52, 32}, {300, 200}, {256, 256}, {10, 10}} {
		covered := make([]bool, size[0]*size[1])
		for _, pos := range tilePositions(size[0], size[1], 32, 12) {
			for y := pos[1]; y < pos[1]+32 && y < size[1]; y++ {
				for x := pos[0]; x < pos[0]+32 && x < size[0]; x++ {
					covered[y*size[0]+x] = true
				}
			}
		}
		for i, ok := range covered {
			if !ok {
				t.Fatalf("area %v: pixel %d not covered", size, i)
			}
		}
	}
}
