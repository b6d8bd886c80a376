// stereopipe converts mono images and videos to stereo side-by-side
// (full SBS or VR180) using ONNX depth estimation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stevecastle/stereopipe/depth"
	"github.com/stevecastle/stereopipe/mapper"
	"github.com/stevecastle/stereopipe/onnxrt"
	"github.com/stevecastle/stereopipe/pixel"
	"github.com/stevecastle/stereopipe/stereo"
	"github.com/stevecastle/stereopipe/synth"
	"github.com/stevecastle/stereopipe/video"
)

func main() {
	inPath := flag.String("in", "", "input image, video, or directory of images")
	outPath := flag.String("out", "", "output file or directory (default: alongside input)")

	divergence := flag.Float64("divergence", 2.0, "strength of the 3D effect (0..2.5)")
	convergence := flag.Float64("convergence", 0.5, "depth of the zero-parallax plane (0..1)")
	method := flag.String("method", "gridsample", "warp method: gridsample|rowflow")
	mapperName := flag.String("mapper", "none", "depth mapping curve: "+strings.Join(mapper.Names, "|"))

	depthModel := flag.String("depth-model", "", "path to the ONNX depth model")
	warpModel := flag.String("warp-model", "", "path to the ONNX warp model (rowflow method)")
	ortLib := flag.String("ort-lib", "", "path to the onnxruntime shared library")

	depthBatch := flag.Int("depth-batch", 4, "depth inference batch size (1..64)")
	tileBatch := flag.Int("tile-batch", 16, "warp tile batch size (1..256)")
	flipAug := flag.Bool("flip-aug", false, "average depth over the frame and its mirror")
	lowMemory := flag.Bool("low-memory", false, "trade throughput for lower peak memory")

	vr180 := flag.Bool("vr180", false, "produce VR180 equirectangular output instead of full SBS")
	pad := flag.Float64("pad", 0, "grow each eye by this fraction per axis before projection")
	maxWidth := flag.Int("max-width", 0, "limit each eye's width (0 = no limit)")
	maxHeight := flag.Int("max-height", 0, "limit each eye's height (0 = no limit)")
	keepAspect := flag.Bool("keep-aspect", true, "preserve aspect ratio when limiting size")
	rotateLeft := flag.Bool("rotate-left", false, "rotate the input 90 degrees counterclockwise first")
	rotateRight := flag.Bool("rotate-right", false, "rotate the input 90 degrees clockwise first")

	maxFPS := flag.Int("max-fps", 30, "cap the output frame rate (1..1000)")
	crf := flag.Int("crf", 20, "H.264 constant rate factor (0..51)")
	preset := flag.String("preset", "medium", "H.264 encoder preset")
	tune := flag.String("tune", "", "H.264 encoder tune")
	vf := flag.String("vf", "", "extra ffmpeg-style video filters")
	keyframes := flag.Bool("keyframes", false, "process keyframes only")
	keyframeInterval := flag.Int("keyframe-interval", 4, "minimum seconds between keyframes")

	resume := flag.Bool("resume", false, "skip inputs whose output already exists")
	overwrite := flag.Bool("y", false, "overwrite existing outputs")
	workers := flag.Int("workers", 4, "concurrent image writers")
	verbose := flag.Bool("v", false, "verbose logging")

	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: stereopipe -in <input> -depth-model <model.onnx> [options]")
		os.Exit(2)
	}
	if err := validate(*divergence, *convergence, *depthBatch, *tileBatch, *maxFPS, *crf); err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(2)
	}
	if *rotateLeft && *rotateRight {
		fmt.Fprintln(os.Stderr, "pass only one of -rotate-left and -rotate-right")
		os.Exit(2)
	}

	mapFn, err := mapper.Get(*mapperName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(2)
	}

	if *depthModel == "" {
		fmt.Fprintln(os.Stderr, "a depth model is required (-depth-model)")
		os.Exit(2)
	}
	ortOpts := onnxrt.DefaultOptions()
	ortOpts.SharedLibraryPath = *ortLib

	depthSession, err := onnxrt.NewDepthSession(*depthModel, ortOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open depth model: %v\n", err)
		os.Exit(1)
	}
	defer depthSession.Close()

	var warper stereo.Warper
	switch *method {
	case "gridsample":
		warper = &stereo.GridSampleWarper{
			Divergence:  *divergence,
			Convergence: *convergence,
			Mapper:      mapFn,
		}
	case "rowflow":
		if *warpModel == "" {
			fmt.Fprintln(os.Stderr, "the rowflow method requires a warp model (-warp-model)")
			os.Exit(2)
		}
		warpSession, err := onnxrt.NewWarpSession(*warpModel, ortOpts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open warp model: %v\n", err)
			os.Exit(1)
		}
		defer warpSession.Close()
		warper = &stereo.TiledSeamWarper{
			Model:       warpSession,
			Divergence:  *divergence,
			Convergence: *convergence,
			Mapper:      mapFn,
			BatchSize:   *tileBatch,
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown method %q (gridsample|rowflow)\n", *method)
		os.Exit(2)
	}

	syn := &synth.Synthesizer{
		Depth: &depth.Estimator{
			Model:     depthSession,
			FlipAug:   *flipAug,
			LowMemory: *lowMemory,
		},
		Warper:      warper,
		VR180:       *vr180,
		PadFraction: *pad,
		MaxWidth:    *maxWidth,
		MaxHeight:   *maxHeight,
		KeepAspect:  *keepAspect,
	}
	switch {
	case *rotateLeft:
		syn.Preprocess = func(m *pixel.Image) *pixel.Image { return m.RotateCCW() }
	case *rotateRight:
		syn.Preprocess = func(m *pixel.Image) *pixel.Image { return m.RotateCW() }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if inputs, isImages := imageInputs(*inPath); isImages {
		outDir := *outPath
		if outDir == "" {
			outDir = filepath.Dir(*inPath)
		}
		err = synth.ProcessImages(ctx, syn, inputs, synth.ImageOptions{
			OutputDir: outDir,
			VR180:     *vr180,
			Overwrite: *overwrite,
			Resume:    *resume,
			Workers:   *workers,
			Log:       log,
		})
	} else {
		err = runVideo(ctx, syn, videoRun{
			input:            *inPath,
			output:           *outPath,
			vr180:            *vr180,
			overwrite:        *overwrite,
			resume:           *resume,
			depthBatch:       *depthBatch,
			maxFPS:           *maxFPS,
			crf:              *crf,
			preset:           *preset,
			tune:             *tune,
			vf:               *vf,
			keyframes:        *keyframes,
			keyframeInterval: *keyframeInterval,
			log:              log,
		})
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "conversion failed: %v\n", err)
		os.Exit(1)
	}
}

func validate(divergence, convergence float64, depthBatch, tileBatch, maxFPS, crf int) error {
	if divergence < 0 || divergence > 2.5 {
		return fmt.Errorf("divergence %g out of range [0, 2.5]", divergence)
	}
	if convergence < 0 || convergence > 1 {
		return fmt.Errorf("convergence %g out of range [0, 1]", convergence)
	}
	if depthBatch < 1 || depthBatch > 64 {
		return fmt.Errorf("depth batch %d out of range [1, 64]", depthBatch)
	}
	if tileBatch < 1 || tileBatch > 256 {
		return fmt.Errorf("tile batch %d out of range [1, 256]", tileBatch)
	}
	if maxFPS < 1 || maxFPS > 1000 {
		return fmt.Errorf("max fps %d out of range [1, 1000]", maxFPS)
	}
	if crf < 0 || crf > 51 {
		return fmt.Errorf("crf %d out of range [0, 51]", crf)
	}
	return nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// imageInputs resolves the input path to a list of image files. A
// directory selects every image inside it; a video path returns false.
func imageInputs(path string) ([]string, bool) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, false
		}
		var inputs []string
		for _, e := range entries {
			if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				inputs = append(inputs, filepath.Join(path, e.Name()))
			}
		}
		return inputs, true
	}
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		return []string{path}, true
	}
	return nil, false
}

type videoRun struct {
	input, output    string
	vr180            bool
	overwrite        bool
	resume           bool
	depthBatch       int
	maxFPS           int
	crf              int
	preset, tune, vf string
	keyframes        bool
	keyframeInterval int
	log              zerolog.Logger
}

func runVideo(ctx context.Context, syn *synth.Synthesizer, r videoRun) error {
	output := r.output
	if output == "" || isDir(output) {
		dir := output
		if dir == "" {
			dir = filepath.Dir(r.input)
		}
		output = filepath.Join(dir, synth.OutputName(r.input, ".mp4", r.vr180))
	}
	if _, err := os.Stat(output); err == nil {
		if r.resume {
			r.log.Info().Str("output", output).Msg("skipping existing output")
			return nil
		}
		if !r.overwrite {
			return fmt.Errorf("%s: %w (pass -y to overwrite or -resume to skip)", output, synth.ErrOutputExists)
		}
	}

	sched := &synth.MinibatchScheduler{Synth: syn, BatchSize: r.depthBatch}
	cb := func(f *pixel.Image) ([]*pixel.Image, error) {
		if f == nil {
			return sched.Flush()
		}
		return sched.Push(f)
	}

	return video.Run(ctx, cb, video.Options{
		Input:            r.input,
		Output:           output,
		MaxFPS:           r.maxFPS,
		Preset:           r.preset,
		Tune:             r.tune,
		CRF:              r.crf,
		VF:               r.vf,
		KeyframesOnly:    r.keyframes,
		KeyframeInterval: r.keyframeInterval,
		Log:              r.log,
	})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
