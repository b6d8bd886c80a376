package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"

	"github.com/stevecastle/stereopipe/pixel"
)

// ErrNoVideoStream is returned when the input has no video stream. It is
// reported before any output file is created.
var ErrNoVideoStream = errors.New("no video stream in input")

// FrameCallback converts mono frames to stereo frames. The callback may
// buffer frames internally; calling it with nil flushes whatever is
// buffered. Outputs keep input order across the whole sequence of calls.
type FrameCallback func(*pixel.Image) ([]*pixel.Image, error)

// Options configures a stream conversion run.
type Options struct {
	Input  string
	Output string

	// MaxFPS caps the output frame rate; the source rate is kept when
	// lower. Zero means 30.
	MaxFPS int

	// Codec is the encoder name. Empty means libx264.
	Codec  string
	Preset string
	Tune   string
	// CRF is the constant rate factor. Negative leaves the encoder
	// default.
	CRF int

	// VF is an extra ffmpeg-style filter chain applied after rate
	// conversion.
	VF string

	// KeyframesOnly decodes only keyframes, spaced at least
	// KeyframeInterval seconds apart, and skips rate conversion.
	KeyframesOnly    bool
	KeyframeInterval int

	Log zerolog.Logger
}

func (o *Options) maxFPS() int {
	if o.MaxFPS <= 0 {
		return 30
	}
	return o.MaxFPS
}

func (o *Options) codec() string {
	if o.Codec == "" {
		return "libx264"
	}
	return o.Codec
}

// Validate enforces the option ranges before any file is touched.
func (o *Options) Validate() error {
	if o.Input == "" || o.Output == "" {
		return errors.New("video: input and output are required")
	}
	if o.MaxFPS < 0 || o.MaxFPS > 1000 {
		return fmt.Errorf("video: max fps %d out of range [0, 1000]", o.MaxFPS)
	}
	if o.CRF > 51 {
		return fmt.Errorf("video: crf %d out of range [0, 51]", o.CRF)
	}
	if o.KeyframeInterval < 0 {
		return fmt.Errorf("video: keyframe interval %d must not be negative", o.KeyframeInterval)
	}
	return nil
}

// Run converts one video file. Frames flow demux -> decode -> rate filter
// -> callback -> encode -> mux, packet by packet; audio is copied when its
// sample rate allows, re-encoded otherwise. The context is polled once per
// demuxed packet; on cancellation the flush still runs so the output is a
// valid container.
func Run(ctx context.Context, cb FrameCallback, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	inCtx := astiav.AllocFormatContext()
	if inCtx == nil {
		return errors.New("video: allocating input context failed")
	}
	defer inCtx.Free()
	if err := inCtx.OpenInput(opts.Input, nil, nil); err != nil {
		return fmt.Errorf("video: opening %s failed: %w", opts.Input, err)
	}
	defer inCtx.CloseInput()
	if err := inCtx.FindStreamInfo(nil); err != nil {
		return fmt.Errorf("video: reading stream info failed: %w", err)
	}

	var videoStream, audioStream *astiav.Stream
	for _, s := range inCtx.Streams() {
		switch s.CodecParameters().MediaType() {
		case astiav.MediaTypeVideo:
			if videoStream == nil {
				videoStream = s
			}
		case astiav.MediaTypeAudio:
			if audioStream == nil {
				audioStream = s
			}
		}
	}
	if videoStream == nil {
		return fmt.Errorf("video: %s: %w", opts.Input, ErrNoVideoStream)
	}

	decCodec := astiav.FindDecoder(videoStream.CodecParameters().CodecID())
	if decCodec == nil {
		return fmt.Errorf("video: no decoder for codec %s", videoStream.CodecParameters().CodecID())
	}
	dec := astiav.AllocCodecContext(decCodec)
	if dec == nil {
		return errors.New("video: allocating video decoder failed")
	}
	defer dec.Free()
	if err := dec.FromCodecParameters(videoStream.CodecParameters()); err != nil {
		return fmt.Errorf("video: copying video codec parameters failed: %w", err)
	}
	if err := dec.Open(decCodec, nil); err != nil {
		return fmt.Errorf("video: opening video decoder failed: %w", err)
	}

	fps := outputFrameRate(videoStream, opts.maxFPS())

	// The callback's output size depends on its own composition settings
	// and on the extra filters, so probe it with synthetic frames before
	// opening the encoder.
	outW, outH, err := probeOutputSize(cb, dec.Width(), dec.Height(), opts.VF)
	if err != nil {
		return err
	}

	opts.Log.Info().
		Str("input", opts.Input).
		Int("width", dec.Width()).Int("height", dec.Height()).
		Int("outWidth", outW).Int("outHeight", outH).
		Str("fps", fps.String()).
		Msg("stream open")

	outCtx, err := astiav.AllocOutputFormatContext(nil, "", opts.Output)
	if err != nil {
		return fmt.Errorf("video: allocating output context failed: %w", err)
	}
	defer outCtx.Free()

	enc, err := newVideoEncoder(outCtx, opts, fps, outW, outH)
	if err != nil {
		return err
	}
	defer enc.close()

	var audio *audioTranscoder
	var audioOut *astiav.Stream
	if audioStream != nil {
		policy := audioPolicyFor(audioStream.CodecParameters().SampleRate())
		opts.Log.Info().Str("policy", policy.String()).
			Int("sampleRate", audioStream.CodecParameters().SampleRate()).
			Msg("audio stream")
		if policy == AudioCopy {
			audioOut, err = copyAudioStream(audioStream, outCtx)
			if err != nil {
				opts.Log.Warn().Err(err).Msg("audio copy failed, falling back to transcode")
			}
		}
		if audioOut == nil {
			audio, err = newAudioTranscoder(audioStream, outCtx)
			if err != nil {
				return err
			}
			defer audio.close()
		}
	}

	if !outCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioCtx, err := astiav.OpenIOContext(opts.Output, astiav.NewIOContextFlags(astiav.IOContextFlagWrite))
		if err != nil {
			return fmt.Errorf("video: opening %s for writing failed: %w", opts.Output, err)
		}
		defer ioCtx.Close()
		outCtx.SetPb(ioCtx)
	}
	if err := outCtx.WriteHeader(nil); err != nil {
		return fmt.Errorf("video: writing header failed: %w", err)
	}

	desc := FrameDescriptor{
		Width:             dec.Width(),
		Height:            dec.Height(),
		PixelFormat:       dec.PixelFormat(),
		TimeBase:          videoStream.TimeBase(),
		FrameRate:         fps,
		SampleAspectRatio: dec.SampleAspectRatio(),
	}
	var filter *FixedRateFilter
	if opts.KeyframesOnly {
		filter, err = NewConversionFilter(desc, opts.VF)
	} else {
		filter, err = NewFixedRateFilter(desc, fps, opts.VF)
	}
	if err != nil {
		return err
	}
	defer filter.Close()

	sampler := &KeyframeSampler{Interval: opts.KeyframeInterval}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	decFrame := astiav.AllocFrame()
	defer decFrame.Free()
	filtered := astiav.AllocFrame()
	defer filtered.Free()

	loop := &streamLoop{
		cb:       cb,
		dec:      dec,
		enc:      enc,
		filter:   filter,
		filtered: filtered,
		frame:    decFrame,
		outCtx:   outCtx,
		sampler:  sampler,
		opts:     &opts,
		videoTB:  videoStream.TimeBase(),
	}

	var canceled error
	for {
		if err := ctx.Err(); err != nil {
			canceled = err
			opts.Log.Warn().Msg("conversion canceled, flushing")
			break
		}
		if err := inCtx.ReadFrame(pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return fmt.Errorf("video: reading packet failed: %w", err)
		}

		switch {
		case pkt.StreamIndex() == videoStream.Index():
			if opts.KeyframesOnly && !pkt.Flags().Has(astiav.PacketFlagKey) {
				break
			}
			if err := loop.sendVideoPacket(pkt); err != nil {
				pkt.Unref()
				return err
			}
		case audioStream != nil && pkt.StreamIndex() == audioStream.Index():
			if audio != nil {
				if err := audio.processPacket(outCtx, pkt); err != nil {
					pkt.Unref()
					return err
				}
			} else if audioOut != nil {
				pkt.RescaleTs(audioStream.TimeBase(), audioOut.TimeBase())
				pkt.SetStreamIndex(audioOut.Index())
				pkt.SetPos(-1)
				if err := outCtx.WriteInterleavedFrame(pkt); err != nil {
					pkt.Unref()
					return fmt.Errorf("video: writing audio packet failed: %w", err)
				}
			}
		}
		pkt.Unref()
	}

	if err := loop.flush(); err != nil {
		return err
	}
	if audio != nil {
		if err := audio.flush(outCtx); err != nil {
			return err
		}
	}
	if err := outCtx.WriteTrailer(); err != nil {
		return fmt.Errorf("video: writing trailer failed: %w", err)
	}

	if canceled != nil {
		return canceled
	}
	opts.Log.Info().Str("output", opts.Output).Int64("frames", enc.next).Msg("conversion done")
	return nil
}

// outputFrameRate keeps the source rate unless it exceeds the cap.
func outputFrameRate(s *astiav.Stream, maxFPS int) astiav.Rational {
	fr := s.AvgFrameRate()
	if fr.Num() <= 0 || fr.Den() <= 0 {
		fr = s.RFrameRate()
	}
	if fr.Num() <= 0 || fr.Den() <= 0 || fr.Float64() > float64(maxFPS) {
		return astiav.NewRational(maxFPS, 1)
	}
	return fr
}

// streamLoop groups the per-packet video path so the demux loop stays
// readable.
type streamLoop struct {
	cb       FrameCallback
	dec      *astiav.CodecContext
	enc      *videoEncoder
	filter   *FixedRateFilter
	filtered *astiav.Frame
	frame    *astiav.Frame
	outCtx   *astiav.FormatContext
	sampler  *KeyframeSampler
	opts     *Options
	videoTB  astiav.Rational
}

func (l *streamLoop) sendVideoPacket(pkt *astiav.Packet) error {
	if err := l.dec.SendPacket(pkt); err != nil {
		return fmt.Errorf("video: sending video packet failed: %w", err)
	}
	return l.drainDecoder()
}

func (l *streamLoop) drainDecoder() error {
	for {
		if err := l.dec.ReceiveFrame(l.frame); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video: receiving video frame failed: %w", err)
		}
		accept := true
		if l.opts.KeyframesOnly {
			accept = l.sampler.Accept(l.frame.Pts(), l.videoTB)
		}
		if accept {
			if err := l.filter.Push(l.frame); err != nil {
				l.frame.Unref()
				return err
			}
		}
		l.frame.Unref()
		if err := l.drainFilter(); err != nil {
			return err
		}
	}
}

func (l *streamLoop) drainFilter() error {
	for {
		ok, err := l.filter.Pull(l.filtered)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		img, err := frameToImage(l.filtered)
		l.filtered.Unref()
		if err != nil {
			return err
		}
		outs, err := l.cb(img)
		if err != nil {
			return fmt.Errorf("video: frame callback failed: %w", err)
		}
		for _, o := range outs {
			if err := l.enc.write(l.outCtx, o); err != nil {
				return err
			}
		}
	}
}

// flush drains rate filter, callback and encoder in order, muxing
// everything that falls out.
func (l *streamLoop) flush() error {
	if err := l.dec.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video: flushing video decoder failed: %w", err)
	}
	if err := l.drainDecoder(); err != nil {
		return err
	}
	if err := l.filter.Push(nil); err != nil {
		return err
	}
	if err := l.drainFilter(); err != nil {
		return err
	}
	outs, err := l.cb(nil)
	if err != nil {
		return fmt.Errorf("video: flushing frame callback failed: %w", err)
	}
	for _, o := range outs {
		if err := l.enc.write(l.outCtx, o); err != nil {
			return err
		}
	}
	return l.enc.flush(l.outCtx)
}

// probeOutputSize pushes synthetic mid-gray frames through a throwaway
// 60fps filter and the real callback until an output emerges, then flushes
// the callback so the real run starts clean.
func probeOutputSize(cb FrameCallback, w, h int, vf string) (int, int, error) {
	desc := FrameDescriptor{
		Width:             w,
		Height:            h,
		PixelFormat:       astiav.PixelFormatRgba,
		TimeBase:          astiav.NewRational(1, 60),
		FrameRate:         astiav.NewRational(60, 1),
		SampleAspectRatio: astiav.NewRational(1, 1),
	}
	filter, err := NewFixedRateFilter(desc, astiav.NewRational(60, 1), vf)
	if err != nil {
		return 0, 0, err
	}
	defer filter.Close()

	gray := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}
	src := astiav.AllocFrame()
	defer src.Free()
	src.SetWidth(w)
	src.SetHeight(h)
	src.SetPixelFormat(astiav.PixelFormatRgba)
	if err := src.AllocBuffer(1); err != nil {
		return 0, 0, fmt.Errorf("video: allocating probe frame failed: %w", err)
	}
	if err := src.Data().FromImage(gray); err != nil {
		return 0, 0, fmt.Errorf("video: filling probe frame failed: %w", err)
	}

	pulled := astiav.AllocFrame()
	defer pulled.Free()

	outW, outH := 0, 0
	record := func(outs []*pixel.Image) {
		if outW == 0 && len(outs) > 0 {
			outW, outH = outs[0].W, outs[0].H
		}
	}

	// A handful of probe frames covers the rate filter's startup delay
	// and any callback batching.
	for i := 0; i < 256 && outW == 0; i++ {
		src.SetPts(int64(i))
		if err := filter.Push(src); err != nil {
			return 0, 0, err
		}
		for outW == 0 {
			ok, err := filter.Pull(pulled)
			if err != nil {
				return 0, 0, err
			}
			if !ok {
				break
			}
			img, err := frameToImage(pulled)
			pulled.Unref()
			if err != nil {
				return 0, 0, err
			}
			outs, err := cb(img)
			if err != nil {
				return 0, 0, fmt.Errorf("video: probe callback failed: %w", err)
			}
			record(outs)
		}
	}
	outs, err := cb(nil)
	if err != nil {
		return 0, 0, fmt.Errorf("video: probe flush failed: %w", err)
	}
	record(outs)

	if outW == 0 {
		return 0, 0, errors.New("video: probing output size produced no frames")
	}
	return outW, outH, nil
}

// frameToImage converts a filtered rgba frame to a planar image.
func frameToImage(f *astiav.Frame) (*pixel.Image, error) {
	img, err := f.Data().GuessImageFormat()
	if err != nil {
		return nil, fmt.Errorf("video: guessing frame image format failed: %w", err)
	}
	if err := f.Data().ToImage(img); err != nil {
		return nil, fmt.Errorf("video: reading frame data failed: %w", err)
	}
	return pixel.FromImage(img), nil
}

// copyAudioStream remuxes the audio stream parameters into the output.
func copyAudioStream(in *astiav.Stream, outCtx *astiav.FormatContext) (*astiav.Stream, error) {
	out := outCtx.NewStream(nil)
	if out == nil {
		return nil, errors.New("video: creating audio output stream failed")
	}
	if err := in.CodecParameters().Copy(out.CodecParameters()); err != nil {
		return nil, fmt.Errorf("video: copying audio stream parameters failed: %w", err)
	}
	out.CodecParameters().SetCodecTag(0)
	return out, nil
}

// videoEncoder owns the rgba to yuv conversion and the encoder.
type videoEncoder struct {
	enc    *astiav.CodecContext
	stream *astiav.Stream
	sws    *astiav.SoftwareScaleContext
	rgba   *astiav.Frame
	yuv    *astiav.Frame
	pkt    *astiav.Packet
	next   int64
}

func newVideoEncoder(outCtx *astiav.FormatContext, opts Options, fps astiav.Rational, w, h int) (*videoEncoder, error) {
	codec := astiav.FindEncoderByName(opts.codec())
	if codec == nil {
		return nil, fmt.Errorf("video: encoder %s not found", opts.codec())
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("video: allocating video encoder failed")
	}
	e := &videoEncoder{enc: cc}

	cc.SetWidth(w)
	cc.SetHeight(h)
	cc.SetPixelFormat(astiav.PixelFormatYuv420P)
	cc.SetTimeBase(astiav.NewRational(fps.Den(), fps.Num()))
	cc.SetFramerate(fps)
	cc.SetSampleAspectRatio(astiav.NewRational(1, 1))
	if outCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		cc.SetFlags(cc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}

	dict := astiav.NewDictionary()
	defer dict.Free()
	if opts.Preset != "" {
		dict.Set("preset", opts.Preset, astiav.NewDictionaryFlags())
	}
	if opts.Tune != "" {
		dict.Set("tune", opts.Tune, astiav.NewDictionaryFlags())
	}
	if opts.CRF >= 0 {
		dict.Set("crf", strconv.Itoa(opts.CRF), astiav.NewDictionaryFlags())
	}
	if strings.Contains(opts.codec(), "x264") {
		// Side-by-side frame packing so players offer a 3D mode.
		dict.Set("x264-params", "frame-packing=3", astiav.NewDictionaryFlags())
	}
	if err := cc.Open(codec, dict); err != nil {
		e.close()
		return nil, fmt.Errorf("video: opening encoder %s failed: %w", opts.codec(), err)
	}

	stream := outCtx.NewStream(nil)
	if stream == nil {
		e.close()
		return nil, errors.New("video: creating video output stream failed")
	}
	if err := cc.ToCodecParameters(stream.CodecParameters()); err != nil {
		e.close()
		return nil, fmt.Errorf("video: exporting video codec parameters failed: %w", err)
	}
	stream.SetTimeBase(cc.TimeBase())
	e.stream = stream

	e.rgba = astiav.AllocFrame()
	e.rgba.SetWidth(w)
	e.rgba.SetHeight(h)
	e.rgba.SetPixelFormat(astiav.PixelFormatRgba)
	if err := e.rgba.AllocBuffer(1); err != nil {
		e.close()
		return nil, fmt.Errorf("video: allocating rgba frame failed: %w", err)
	}
	e.yuv = astiav.AllocFrame()
	e.pkt = astiav.AllocPacket()

	var err error
	e.sws, err = astiav.CreateSoftwareScaleContext(
		w, h, astiav.PixelFormatRgba,
		w, h, astiav.PixelFormatYuv420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("video: creating scale context failed: %w", err)
	}
	return e, nil
}

// write encodes one stereo frame; timestamps are assigned sequentially in
// encode order, which equals presentation order here.
func (e *videoEncoder) write(outCtx *astiav.FormatContext, m *pixel.Image) error {
	if m.W != e.rgba.Width() || m.H != e.rgba.Height() {
		return fmt.Errorf("video: frame is %dx%d, encoder was probed at %dx%d",
			m.W, m.H, e.rgba.Width(), e.rgba.Height())
	}
	if err := e.rgba.Data().FromImage(m.ToRGBA()); err != nil {
		return fmt.Errorf("video: filling rgba frame failed: %w", err)
	}
	if err := e.sws.ScaleFrame(e.rgba, e.yuv); err != nil {
		return fmt.Errorf("video: converting to yuv failed: %w", err)
	}
	e.yuv.SetPts(e.next)
	e.next++
	if err := e.enc.SendFrame(e.yuv); err != nil {
		return fmt.Errorf("video: sending frame to encoder failed: %w", err)
	}
	return e.drain(outCtx)
}

func (e *videoEncoder) drain(outCtx *astiav.FormatContext) error {
	for {
		if err := e.enc.ReceivePacket(e.pkt); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video: receiving video packet failed: %w", err)
		}
		e.pkt.RescaleTs(e.enc.TimeBase(), e.stream.TimeBase())
		e.pkt.SetStreamIndex(e.stream.Index())
		err := outCtx.WriteInterleavedFrame(e.pkt)
		e.pkt.Unref()
		if err != nil {
			return fmt.Errorf("video: writing video packet failed: %w", err)
		}
	}
}

func (e *videoEncoder) flush(outCtx *astiav.FormatContext) error {
	if err := e.enc.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video: flushing video encoder failed: %w", err)
	}
	return e.drain(outCtx)
}

func (e *videoEncoder) close() {
	if e.sws != nil {
		e.sws.Free()
	}
	if e.pkt != nil {
		e.pkt.Free()
	}
	if e.yuv != nil {
		e.yuv.Free()
	}
	if e.rgba != nil {
		e.rgba.Free()
	}
	if e.enc != nil {
		e.enc.Free()
	}
}
