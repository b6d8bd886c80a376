package synth

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/stereopipe/depth"
	"github.com/stevecastle/stereopipe/pixel"
	"github.com/stevecastle/stereopipe/stereo"
)

// stubDepthModel derives depth from the red channel.
type stubDepthModel struct{}

func (stubDepthModel) Infer(batch []*pixel.Image) ([]*pixel.Plane, error) {
	out := make([]*pixel.Plane, len(batch))
	for i, m := range batch {
		p := pixel.NewPlane(m.W, m.H)
		copy(p.Pix, m.Pix[:m.W*m.H])
		out[i] = p
	}
	return out, nil
}

// identityWarper passes frames through untouched, so both composed halves
// equal the source frame.
type identityWarper struct{}

func (identityWarper) Warp(f *pixel.Image, d *pixel.Depth, eye stereo.Eye) (*pixel.Image, error) {
	return f, nil
}

func newTestSynthesizer() *Synthesizer {
	return &Synthesizer{
		Depth:  &depth.Estimator{Model: stubDepthModel{}},
		Warper: identityWarper{},
	}
}

func taggedFrame(w, h, tag int) *pixel.Image {
	return pixel.Uniform(w, h, float32(tag)/100, 0.5, 0.5)
}

func frameTag(sbs *pixel.Image) int {
	return int(sbs.Pix[0]*100 + 0.5)
}

func TestSchedulerConservation(t *testing.T) {
	const frames = 7
	for batchSize := 1; batchSize <= 5; batchSize++ {
		sched := &MinibatchScheduler{Synth: newTestSynthesizer(), BatchSize: batchSize}

		var got []int
		for i := 0; i < frames; i++ {
			out, err := sched.Push(taggedFrame(8, 6, i))
			require.NoError(t, err)
			for _, sbs := range out {
				got = append(got, frameTag(sbs))
			}
		}
		out, err := sched.Flush()
		require.NoError(t, err)
		for _, sbs := range out {
			got = append(got, frameTag(sbs))
		}

		require.Len(t, got, frames, "batch size %d", batchSize)
		for i, tag := range got {
			assert.Equal(t, i, tag, "batch size %d: frame order", batchSize)
		}
	}
}

func TestSchedulerFlipAugHalvesThreshold(t *testing.T) {
	s := newTestSynthesizer()
	s.Depth.FlipAug = true
	sched := &MinibatchScheduler{Synth: s, BatchSize: 4}

	out, err := sched.Push(taggedFrame(8, 6, 0))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = sched.Push(taggedFrame(8, 6, 1))
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSchedulerLowMemoryImmediate(t *testing.T) {
	s := newTestSynthesizer()
	s.Depth.LowMemory = true
	sched := &MinibatchScheduler{Synth: s, BatchSize: 16}

	for i := 0; i < 3; i++ {
		out, err := sched.Push(taggedFrame(8, 6, i))
		require.NoError(t, err)
		require.Len(t, out, 1)
	}
	out, err := sched.Flush()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSynthesizerComposesSideBySide(t *testing.T) {
	s := newTestSynthesizer()
	sbs, err := s.Process(taggedFrame(10, 6, 42))
	require.NoError(t, err)
	assert.Equal(t, 20, sbs.W)
	assert.Equal(t, 6, sbs.H)
	assert.InDelta(t, 0.42, sbs.At(0, 2, 3), 1e-6, "left half")
	assert.InDelta(t, 0.42, sbs.At(0, 12, 3), 1e-6, "right half")
}

func TestSynthesizerVR180SquareEyes(t *testing.T) {
	s := newTestSynthesizer()
	s.VR180 = true
	sbs, err := s.Process(taggedFrame(20, 10, 50))
	require.NoError(t, err)
	assert.Equal(t, sbs.H*2, sbs.W, "each projected eye is square")
	assert.Zero(t, sbs.W%2)
	assert.Zero(t, sbs.H%2)
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		input string
		vr180 bool
		want  string
	}{
		{"/media/clip.mp4", false, "clip_LRF.png"},
		{"/media/clip.mp4", true, "clip_180x180_LR.png"},
		{`weird:na*me?.jpg`, false, "weird_na_me__LRF.png"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutputName(tt.input, ".png", tt.vr180))
	}
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 12; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 20), G: 100, B: 50, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestProcessImagesOverwritePolicy(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.png")
	writeTestPNG(t, input)

	opts := ImageOptions{OutputDir: dir, Log: zerolog.Nop()}
	s := newTestSynthesizer()

	require.NoError(t, ProcessImages(context.Background(), s, []string{input}, opts))
	outPath := filepath.Join(dir, "photo_LRF.png")
	_, err := os.Stat(outPath)
	require.NoError(t, err, "output file should exist")

	err = ProcessImages(context.Background(), s, []string{input}, opts)
	require.ErrorIs(t, err, ErrOutputExists)

	opts.Resume = true
	require.NoError(t, ProcessImages(context.Background(), s, []string{input}, opts))

	opts.Resume = false
	opts.Overwrite = true
	require.NoError(t, ProcessImages(context.Background(), s, []string{input}, opts))
}

func TestProcessImagesCancellation(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.png")
	writeTestPNG(t, input)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ProcessImages(ctx, newTestSynthesizer(), []string{input}, ImageOptions{OutputDir: dir, Log: zerolog.Nop()})
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(dir, "photo_LRF.png"))
	assert.True(t, os.IsNotExist(statErr), "no output after immediate cancel")
}
