package video

import (
	"image"
	"testing"

	"github.com/asticode/go-astiav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/stereopipe/pixel"
)

func TestFilterContent(t *testing.T) {
	assert.Equal(t, "fps=30/1,format=rgba", filterContent(astiav.NewRational(30, 1), ""))
	assert.Equal(t, "scale=640:-2,fps=30000/1001,format=rgba",
		filterContent(astiav.NewRational(30000, 1001), "scale=640:-2"))
}

func TestKeyframeSamplerAcceptsEverythingBelowInterval(t *testing.T) {
	s := &KeyframeSampler{Interval: 0}
	tb := astiav.NewRational(1, 1000)
	for pts := int64(0); pts < 5000; pts += 100 {
		assert.True(t, s.Accept(pts, tb))
	}
}

func TestKeyframeSamplerThrottles(t *testing.T) {
	s := &KeyframeSampler{Interval: 2}
	tb := astiav.NewRational(1, 1000)

	assert.False(t, s.Accept(0, tb), "second zero is the throttle origin")
	assert.False(t, s.Accept(900, tb), "0.9s rounds up to 1s, below interval")
	assert.True(t, s.Accept(1500, tb), "1.5s rounds up to 2s")
	assert.False(t, s.Accept(2900, tb), "3s is only 1s after the last accept")
	assert.True(t, s.Accept(3100, tb))
}

func TestKeyframeSamplerUnitInterval(t *testing.T) {
	s := &KeyframeSampler{Interval: 1}
	tb := astiav.NewRational(1, 1000)

	assert.False(t, s.Accept(0, tb))
	assert.True(t, s.Accept(400, tb), "0.4s rounds up to 1s")
	assert.False(t, s.Accept(800, tb), "same whole second as the last accept")
	assert.True(t, s.Accept(1200, tb))
}

func TestKeyframeSamplerNoPts(t *testing.T) {
	s := &KeyframeSampler{Interval: 5}
	tb := astiav.NewRational(1, 1000)
	assert.True(t, s.Accept(astiav.NoPtsValue, tb))
	assert.True(t, s.Accept(astiav.NoPtsValue, tb))
}

func TestOutputFrameRate(t *testing.T) {
	fc := astiav.AllocFormatContext()
	require.NotNil(t, fc)
	defer fc.Free()

	s := fc.NewStream(nil)
	s.SetAvgFrameRate(astiav.NewRational(24, 1))
	assert.Equal(t, astiav.NewRational(24, 1), outputFrameRate(s, 30), "source below cap is kept")
	assert.Equal(t, astiav.NewRational(15, 1), outputFrameRate(s, 15), "cap wins")

	s.SetAvgFrameRate(astiav.NewRational(0, 1))
	s.SetRFrameRate(astiav.NewRational(25, 1))
	assert.Equal(t, astiav.NewRational(25, 1), outputFrameRate(s, 30), "falls back to r_frame_rate")

	s.SetRFrameRate(astiav.NewRational(0, 1))
	assert.Equal(t, astiav.NewRational(30, 1), outputFrameRate(s, 30), "unknown rate uses the cap")
}

func TestAudioPolicyFor(t *testing.T) {
	assert.Equal(t, AudioCopy, audioPolicyFor(48000))
	assert.Equal(t, AudioCopy, audioPolicyFor(16000))
	assert.Equal(t, AudioTranscode, audioPolicyFor(8000))
}

func TestOptionsValidate(t *testing.T) {
	valid := Options{Input: "in.mp4", Output: "out.mp4"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing input", func(o *Options) { o.Input = "" }},
		{"missing output", func(o *Options) { o.Output = "" }},
		{"fps too high", func(o *Options) { o.MaxFPS = 1001 }},
		{"crf too high", func(o *Options) { o.CRF = 52 }},
		{"negative keyframe interval", func(o *Options) { o.KeyframeInterval = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

// irregularPts simulates dropped frames: timestamps on a 1/30 base with
// gaps of one to three slots.
var irregularPts = []int64{0, 1, 3, 4, 7, 8, 9, 12, 14, 15}

func newRGBAFrame(t *testing.T, w, h int) *astiav.Frame {
	t.Helper()
	f := astiav.AllocFrame()
	t.Cleanup(f.Free)
	f.SetWidth(w)
	f.SetHeight(h)
	f.SetPixelFormat(astiav.PixelFormatRgba)
	require.NoError(t, f.AllocBuffer(1))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			img.Pix[i] = uint8(x * 255 / (w - 1))
			img.Pix[i+1] = 128
			img.Pix[i+2] = uint8(y * 255 / (h - 1))
			img.Pix[i+3] = 255
		}
	}
	require.NoError(t, f.Data().FromImage(img))
	return f
}

func rgbaDescriptor(w, h int) FrameDescriptor {
	return FrameDescriptor{
		Width:             w,
		Height:            h,
		PixelFormat:       astiav.PixelFormatRgba,
		TimeBase:          astiav.NewRational(1, 30),
		FrameRate:         astiav.NewRational(30, 1),
		SampleAspectRatio: astiav.NewRational(1, 1),
	}
}

func TestFixedRateFilterEvenSpacing(t *testing.T) {
	filter, err := NewFixedRateFilter(rgbaDescriptor(32, 24), astiav.NewRational(30, 1), "")
	require.NoError(t, err)
	defer filter.Close()

	src := newRGBAFrame(t, 32, 24)
	pulled := astiav.AllocFrame()
	defer pulled.Free()

	var pts []int64
	drain := func() {
		for {
			ok, err := filter.Pull(pulled)
			require.NoError(t, err)
			if !ok {
				return
			}
			pts = append(pts, pulled.Pts())
			pulled.Unref()
		}
	}
	for _, p := range irregularPts {
		src.SetPts(p)
		require.NoError(t, filter.Push(src))
		drain()
	}
	require.NoError(t, filter.Push(nil))
	drain()
	assert.True(t, filter.Finished())

	require.Greater(t, len(pts), 1)
	step := pts[1] - pts[0]
	assert.Positive(t, step)
	for i := 2; i < len(pts); i++ {
		assert.Equal(t, step, pts[i]-pts[i-1], "spacing between outputs %d and %d", i-1, i)
	}
}

func TestIrregularFramesProduceFixedRateStereo(t *testing.T) {
	filter, err := NewFixedRateFilter(rgbaDescriptor(32, 24), astiav.NewRational(30, 1), "")
	require.NoError(t, err)
	defer filter.Close()

	// A stand-in for the synthesizer: both halves are the source frame.
	var outs []*pixel.Image
	cb := func(f *pixel.Image) ([]*pixel.Image, error) {
		if f == nil {
			return nil, nil
		}
		return []*pixel.Image{pixel.Concat(f, f)}, nil
	}

	src := newRGBAFrame(t, 32, 24)
	pulled := astiav.AllocFrame()
	defer pulled.Free()
	drain := func() {
		for {
			ok, err := filter.Pull(pulled)
			require.NoError(t, err)
			if !ok {
				return
			}
			img, err := frameToImage(pulled)
			pulled.Unref()
			require.NoError(t, err)
			res, err := cb(img)
			require.NoError(t, err)
			outs = append(outs, res...)
		}
	}
	for _, p := range irregularPts {
		src.SetPts(p)
		require.NoError(t, filter.Push(src))
		drain()
	}
	require.NoError(t, filter.Push(nil))
	drain()
	flushed, err := cb(nil)
	require.NoError(t, err)
	outs = append(outs, flushed...)

	// Ten frames over sixteen 1/30s slots fill every slot by duplication.
	require.Len(t, outs, 16)
	for _, sbs := range outs {
		require.Equal(t, 64, sbs.W)
		require.Equal(t, 24, sbs.H)
		for c := 0; c < 3; c++ {
			for y := 0; y < sbs.H; y++ {
				for x := 0; x < 32; x++ {
					require.Equal(t, sbs.At(c, x, y), sbs.At(c, x+32, y),
						"channel %d at (%d,%d)", c, x, y)
				}
			}
		}
	}
}
