package depth

import (
	"math"
	"testing"

	"github.com/stevecastle/stereopipe/pixel"
)

// stubModel derives depth from the red channel so results are deterministic
// and equivariant under mirroring.
type stubModel struct {
	calls      int
	batchSizes []int
}

func (s *stubModel) Infer(batch []*pixel.Image) ([]*pixel.Plane, error) {
	s.calls++
	s.batchSizes = append(s.batchSizes, len(batch))
	out := make([]*pixel.Plane, len(batch))
	for i, m := range batch {
		p := pixel.NewPlane(m.W, m.H)
		copy(p.Pix, m.Pix[:m.W*m.H])
		out[i] = p
	}
	return out, nil
}

func gradientFrame(w, h int) *pixel.Image {
	m := pixel.NewImage(w, h)
	n := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m.Pix[i] = float32(x) / float32(w-1)
			m.Pix[n+i] = 0.5
			m.Pix[2*n+i] = float32(y) / float32(h-1)
		}
	}
	return m
}

func TestEstimateSizeMatchesInput(t *testing.T) {
	e := &Estimator{Model: &stubModel{}}
	frame := gradientFrame(20, 12)
	d, err := e.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	if d.W != 20 || d.H != 12 {
		t.Fatalf("depth size = %dx%d; want 20x12", d.W, d.H)
	}
}

func TestEstimateNoFlipScale(t *testing.T) {
	e := &Estimator{Model: &stubModel{}}
	frame := pixel.NewImage(8, 8)
	for i := 0; i < 64; i++ {
		frame.Pix[i] = 0.5
	}
	d, err := e.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	// depth = red * 256 = 128 everywhere
	for i, v := range d.Pix {
		if v != 128 {
			t.Fatalf("Pix[%d] = %d; want 128", i, v)
		}
	}
}

func TestFlipMergeScale(t *testing.T) {
	e := &Estimator{Model: &stubModel{}, FlipAug: true}
	frame := pixel.NewImage(8, 8)
	for i := 0; i < 64; i++ {
		frame.Pix[i] = 0.5
	}
	d, err := e.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	// (0.5 + 0.5) * 128 = 128, same as the unflipped path on constant input
	for i, v := range d.Pix {
		if v != 128 {
			t.Fatalf("Pix[%d] = %d; want 128", i, v)
		}
	}
}

func TestFlipRoundTripInvariance(t *testing.T) {
	e := &Estimator{Model: &stubModel{}, FlipAug: true}
	frame := gradientFrame(16, 10)

	straight, err := e.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	flipped, err := e.Estimate(frame.MirrorH())
	if err != nil {
		t.Fatal(err)
	}
	back := flipped.MirrorH()
	for i := range straight.Pix {
		if diff := int(straight.Pix[i]) - int(back.Pix[i]); diff > 1 || diff < -1 {
			t.Fatalf("Pix[%d]: straight %d vs mirrored round trip %d", i, straight.Pix[i], back.Pix[i])
		}
	}
}

func TestLowMemoryMatchesBatched(t *testing.T) {
	frame := gradientFrame(16, 10)

	batched := &Estimator{Model: &stubModel{}, FlipAug: true}
	low := &Estimator{Model: &stubModel{}, FlipAug: true, LowMemory: true}

	a, err := batched.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	b, err := low.Estimate(frame)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			t.Fatalf("Pix[%d]: batched %d vs low memory %d", i, a.Pix[i], b.Pix[i])
		}
	}

	// Low-memory mode must issue two sequential calls with flip
	// augmentation, the batched path a single doubled call.
	bm := batched.Model.(*stubModel)
	lm := low.Model.(*stubModel)
	if bm.calls != 1 || bm.batchSizes[0] != 2 {
		t.Errorf("batched path: %d calls %v; want 1 call of 2", bm.calls, bm.batchSizes)
	}
	if lm.calls != 2 {
		t.Errorf("low memory path: %d calls; want 2", lm.calls)
	}
}

func TestNormalizeConstantGrid(t *testing.T) {
	d := pixel.NewDepth(6, 4)
	for i := range d.Pix {
		d.Pix[i] = 777
	}
	min, max := MinMax(d)
	p := Normalize(d, min, max)
	for i, v := range p.Pix {
		if v != 0 {
			t.Fatalf("Pix[%d] = %v; want 0", i, v)
		}
		if math.IsNaN(float64(v)) {
			t.Fatalf("Pix[%d] is NaN", i)
		}
	}
}

func TestNormalizeInverts(t *testing.T) {
	d := &pixel.Depth{W: 3, H: 1, Pix: []int16{0, 50, 100}}
	p := Normalize(d, 0, 100)
	want := []float32{1, 0.5, 0}
	for i := range want {
		if math.Abs(float64(p.Pix[i]-want[i])) > 1e-6 {
			t.Errorf("Pix[%d] = %v; want %v", i, p.Pix[i], want[i])
		}
	}
}
