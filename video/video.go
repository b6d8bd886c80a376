// Package video converts video streams to stereo side-by-side output. It
// demuxes, decodes, rate-filters and re-encodes with go-astiav (FFmpeg
// bindings); frame synthesis is delegated to a callback.
package video

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
)

// FrameDescriptor carries the stream properties a filter graph needs to
// accept frames.
type FrameDescriptor struct {
	Width             int
	Height            int
	PixelFormat       astiav.PixelFormat
	TimeBase          astiav.Rational
	FrameRate         astiav.Rational
	SampleAspectRatio astiav.Rational
}

// FixedRateFilter pushes decoded frames through optional user filters, an
// fps filter, and a final format=rgba conversion. Input timestamps may be
// irregular; output frames are evenly spaced at the target rate and never
// reordered.
type FixedRateFilter struct {
	graph    *astiav.FilterGraph
	src      *astiav.BuffersrcFilterContext
	sink     *astiav.BuffersinkFilterContext
	finished bool
}

// NewFixedRateFilter builds the graph for the given input descriptor.
// extra is an ffmpeg-style filter chain inserted before the fps filter; it
// may be empty.
func NewFixedRateFilter(desc FrameDescriptor, fps astiav.Rational, extra string) (*FixedRateFilter, error) {
	return newFilter(desc, filterContent(fps, extra))
}

// NewConversionFilter builds the same graph without rate conversion, for
// keyframe extraction where frames keep their own spacing.
func NewConversionFilter(desc FrameDescriptor, extra string) (*FixedRateFilter, error) {
	content := "format=rgba"
	if extra != "" {
		content = extra + ",format=rgba"
	}
	return newFilter(desc, content)
}

func newFilter(desc FrameDescriptor, content string) (*FixedRateFilter, error) {
	graph := astiav.AllocFilterGraph()
	if graph == nil {
		return nil, errors.New("video: allocating filter graph failed")
	}

	buffersrc := astiav.FindFilterByName("buffer")
	buffersink := astiav.FindFilterByName("buffersink")
	if buffersrc == nil || buffersink == nil {
		graph.Free()
		return nil, errors.New("video: buffer filters not found")
	}

	args := astiav.FilterArgs{
		"width":     strconv.Itoa(desc.Width),
		"height":    strconv.Itoa(desc.Height),
		"pix_fmt":   strconv.Itoa(int(desc.PixelFormat)),
		"time_base": desc.TimeBase.String(),
		"sar":       desc.SampleAspectRatio.String(),
	}
	if desc.FrameRate.Float64() > 0 {
		args["frame_rate"] = desc.FrameRate.String()
	}

	src, err := graph.NewBuffersrcFilterContext(buffersrc, "in", args)
	if err != nil {
		graph.Free()
		return nil, fmt.Errorf("video: creating buffersrc failed: %w", err)
	}
	sink, err := graph.NewBuffersinkFilterContext(buffersink, "out", nil)
	if err != nil {
		graph.Free()
		return nil, fmt.Errorf("video: creating buffersink failed: %w", err)
	}

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

	if err := graph.Parse(content, inputs, outputs); err != nil {
		graph.Free()
		return nil, fmt.Errorf("video: parsing %q failed: %w", content, err)
	}
	if err := graph.Configure(); err != nil {
		graph.Free()
		return nil, fmt.Errorf("video: configuring %q failed: %w", content, err)
	}

	return &FixedRateFilter{graph: graph, src: src, sink: sink}, nil
}

// filterContent assembles the graph description: optional user filters on
// the source timing, then the fps filter, then a trailing rgba conversion
// so pulled frames convert to images without guessing.
func filterContent(fps astiav.Rational, extra string) string {
	content := "fps=" + fps.String()
	if extra != "" {
		content = extra + "," + content
	}
	return content + ",format=rgba"
}

// Push feeds one frame into the graph. Pushing nil closes the source and
// flushes buffered frames toward the sink.
func (r *FixedRateFilter) Push(f *astiav.Frame) error {
	if err := r.src.AddFrame(f, astiav.NewBuffersrcFlags(astiav.BuffersrcFlagKeepRef)); err != nil {
		return fmt.Errorf("video: pushing frame into rate filter failed: %w", err)
	}
	return nil
}

// Pull moves the next output frame into f. ok is false when the graph has
// nothing ready; after the final flush Finished reports true and Pull keeps
// returning false.
func (r *FixedRateFilter) Pull(f *astiav.Frame) (ok bool, err error) {
	if r.finished {
		return false, nil
	}
	if err := r.sink.GetFrame(f, astiav.NewBuffersinkFlags()); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			r.finished = true
			return false, nil
		}
		if errors.Is(err, astiav.ErrEagain) {
			return false, nil
		}
		return false, fmt.Errorf("video: pulling frame from rate filter failed: %w", err)
	}
	return true, nil
}

// Finished reports whether the graph has flushed its last frame.
func (r *FixedRateFilter) Finished() bool { return r.finished }

// Close frees the graph.
func (r *FixedRateFilter) Close() {
	if r.graph != nil {
		r.graph.Free()
		r.graph = nil
	}
}
