package video

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
)

// AudioPolicy says how the audio stream travels to the output.
type AudioPolicy int

const (
	// AudioCopy remuxes packets untouched.
	AudioCopy AudioPolicy = iota
	// AudioTranscode decodes and re-encodes as AAC.
	AudioTranscode
)

// minAudioSampleRate is the floor below which audio is re-encoded; players
// reject some exotic low-rate streams inside MP4.
const minAudioSampleRate = 16000

func (p AudioPolicy) String() string {
	if p == AudioTranscode {
		return "transcode"
	}
	return "copy"
}

// audioPolicyFor picks the policy from the source sample rate.
func audioPolicyFor(sampleRate int) AudioPolicy {
	if sampleRate >= minAudioSampleRate {
		return AudioCopy
	}
	return AudioTranscode
}

// audioTranscoder decodes an audio stream, resamples it through a filter
// graph, and re-encodes it as AAC into the output.
type audioTranscoder struct {
	dec    *astiav.CodecContext
	enc    *astiav.CodecContext
	graph  *astiav.FilterGraph
	src    *astiav.BuffersrcFilterContext
	sink   *astiav.BuffersinkFilterContext
	out    *astiav.Stream
	inTB   astiav.Rational
	frame  *astiav.Frame
	packet *astiav.Packet

	// pts runs in samples at the encoder rate.
	pts int64
}

func newAudioTranscoder(in *astiav.Stream, outCtx *astiav.FormatContext) (*audioTranscoder, error) {
	cp := in.CodecParameters()

	decCodec := astiav.FindDecoder(cp.CodecID())
	if decCodec == nil {
		return nil, fmt.Errorf("video: no decoder for audio codec %s", cp.CodecID())
	}
	dec := astiav.AllocCodecContext(decCodec)
	if dec == nil {
		return nil, errors.New("video: allocating audio decoder failed")
	}
	t := &audioTranscoder{dec: dec, inTB: in.TimeBase()}
	if err := dec.FromCodecParameters(cp); err != nil {
		t.close()
		return nil, fmt.Errorf("video: copying audio codec parameters failed: %w", err)
	}
	if err := dec.Open(decCodec, nil); err != nil {
		t.close()
		return nil, fmt.Errorf("video: opening audio decoder failed: %w", err)
	}

	rate := cp.SampleRate()
	if rate < minAudioSampleRate {
		rate = minAudioSampleRate
	}

	encCodec := astiav.FindEncoderByName("aac")
	if encCodec == nil {
		t.close()
		return nil, errors.New("video: aac encoder not found")
	}
	enc := astiav.AllocCodecContext(encCodec)
	if enc == nil {
		t.close()
		return nil, errors.New("video: allocating audio encoder failed")
	}
	t.enc = enc
	enc.SetSampleRate(rate)
	enc.SetSampleFormat(astiav.SampleFormatFltp)
	enc.SetChannelLayout(astiav.ChannelLayoutStereo)
	enc.SetTimeBase(astiav.NewRational(1, rate))
	if outCtx.OutputFormat().Flags().Has(astiav.IOFormatFlagGlobalheader) {
		enc.SetFlags(enc.Flags().Add(astiav.CodecContextFlagGlobalHeader))
	}
	if err := enc.Open(encCodec, nil); err != nil {
		t.close()
		return nil, fmt.Errorf("video: opening aac encoder failed: %w", err)
	}

	if err := t.buildGraph(rate); err != nil {
		t.close()
		return nil, err
	}

	out := outCtx.NewStream(nil)
	if out == nil {
		t.close()
		return nil, errors.New("video: creating audio output stream failed")
	}
	if err := enc.ToCodecParameters(out.CodecParameters()); err != nil {
		t.close()
		return nil, fmt.Errorf("video: exporting audio codec parameters failed: %w", err)
	}
	out.SetTimeBase(enc.TimeBase())
	t.out = out

	t.frame = astiav.AllocFrame()
	t.packet = astiav.AllocPacket()
	return t, nil
}

func (t *audioTranscoder) buildGraph(rate int) error {
	graph := astiav.AllocFilterGraph()
	if graph == nil {
		return errors.New("video: allocating audio filter graph failed")
	}
	t.graph = graph

	buffersrc := astiav.FindFilterByName("abuffer")
	buffersink := astiav.FindFilterByName("abuffersink")
	if buffersrc == nil || buffersink == nil {
		return errors.New("video: audio buffer filters not found")
	}

	args := astiav.FilterArgs{
		"channel_layout": t.dec.ChannelLayout().String(),
		"sample_fmt":     t.dec.SampleFormat().String(),
		"sample_rate":    strconv.Itoa(t.dec.SampleRate()),
		"time_base":      t.inTB.String(),
	}
	src, err := graph.NewBuffersrcFilterContext(buffersrc, "in", args)
	if err != nil {
		return fmt.Errorf("video: creating abuffer failed: %w", err)
	}
	sink, err := graph.NewBuffersinkFilterContext(buffersink, "out", nil)
	if err != nil {
		return fmt.Errorf("video: creating abuffersink failed: %w", err)
	}
	t.src, t.sink = src, sink

	inputs := astiav.AllocFilterInOut()
	defer inputs.Free()
	inputs.SetName("out")
	inputs.SetFilterContext(sink.FilterContext())
	inputs.SetPadIdx(0)
	inputs.SetNext(nil)

	outputs := astiav.AllocFilterInOut()
	defer outputs.Free()
	outputs.SetName("in")
	outputs.SetFilterContext(src.FilterContext())
	outputs.SetPadIdx(0)
	outputs.SetNext(nil)

	// The aac encoder wants fixed-size fltp frames at the target rate.
	content := fmt.Sprintf(
		"aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo,asetnsamples=n=%d",
		rate, t.enc.FrameSize())
	if err := graph.Parse(content, inputs, outputs); err != nil {
		return fmt.Errorf("video: parsing %q failed: %w", content, err)
	}
	if err := graph.Configure(); err != nil {
		return fmt.Errorf("video: configuring %q failed: %w", content, err)
	}
	return nil
}

// processPacket decodes one audio packet and pushes everything that comes
// out of it through the graph and the encoder.
func (t *audioTranscoder) processPacket(outCtx *astiav.FormatContext, pkt *astiav.Packet) error {
	if err := t.dec.SendPacket(pkt); err != nil {
		return fmt.Errorf("video: sending audio packet failed: %w", err)
	}
	return t.drainDecoder(outCtx)
}

func (t *audioTranscoder) drainDecoder(outCtx *astiav.FormatContext) error {
	for {
		if err := t.dec.ReceiveFrame(t.frame); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video: receiving audio frame failed: %w", err)
		}
		err := t.src.AddFrame(t.frame, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef))
		t.frame.Unref()
		if err != nil {
			return fmt.Errorf("video: pushing audio frame into graph failed: %w", err)
		}
		if err := t.drainGraph(outCtx); err != nil {
			return err
		}
	}
}

func (t *audioTranscoder) drainGraph(outCtx *astiav.FormatContext) error {
	for {
		if err := t.sink.GetFrame(t.frame, astiav.NewBuffersinkFlags()); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video: pulling audio frame from graph failed: %w", err)
		}
		t.frame.SetPts(t.pts)
		t.pts += int64(t.frame.NbSamples())
		err := t.enc.SendFrame(t.frame)
		t.frame.Unref()
		if err != nil {
			return fmt.Errorf("video: sending audio frame to encoder failed: %w", err)
		}
		if err := t.drainEncoder(outCtx); err != nil {
			return err
		}
	}
}

func (t *audioTranscoder) drainEncoder(outCtx *astiav.FormatContext) error {
	for {
		if err := t.enc.ReceivePacket(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) || errors.Is(err, astiav.ErrEagain) {
				return nil
			}
			return fmt.Errorf("video: receiving audio packet failed: %w", err)
		}
		t.packet.RescaleTs(t.enc.TimeBase(), t.out.TimeBase())
		t.packet.SetStreamIndex(t.out.Index())
		err := outCtx.WriteInterleavedFrame(t.packet)
		t.packet.Unref()
		if err != nil {
			return fmt.Errorf("video: writing audio packet failed: %w", err)
		}
	}
}

// flush drains the decoder, the graph and the encoder in order.
func (t *audioTranscoder) flush(outCtx *astiav.FormatContext) error {
	if err := t.dec.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video: flushing audio decoder failed: %w", err)
	}
	if err := t.drainDecoder(outCtx); err != nil {
		return err
	}
	if err := t.src.AddFrame(nil, astiav.NewBuffersrcFlags()); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video: flushing audio graph failed: %w", err)
	}
	if err := t.drainGraph(outCtx); err != nil {
		return err
	}
	if err := t.enc.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("video: flushing audio encoder failed: %w", err)
	}
	return t.drainEncoder(outCtx)
}

func (t *audioTranscoder) close() {
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.graph != nil {
		t.graph.Free()
	}
	if t.enc != nil {
		t.enc.Free()
	}
	if t.dec != nil {
		t.dec.Free()
	}
}
