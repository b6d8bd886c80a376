package synth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/stereopipe/pixel"
)

// ErrOutputExists is returned when an output file is already present and
// neither overwrite nor resume was requested.
var ErrOutputExists = errors.New("output file already exists")

// OutputName builds the output file name for an input path: the input's
// base name, a suffix marking the stereo layout, and the given extension.
// Characters that are invalid in file names become underscores.
func OutputName(input, ext string, vr180 bool) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	suffix := "_LRF"
	if vr180 {
		suffix = "_180x180_LR"
	}
	return sanitizeName(base+suffix) + ext
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// ImageOptions configures a batch image run.
type ImageOptions struct {
	OutputDir string
	VR180     bool

	// Overwrite replaces existing outputs; Resume skips them. With
	// neither set an existing output aborts the run with ErrOutputExists.
	Overwrite bool
	Resume    bool

	// Workers bounds the concurrent PNG writers. Zero means 4.
	Workers int

	Log zerolog.Logger
}

// ProcessImages converts each input image to a stereo PNG in the output
// directory. Decoding and synthesis run sequentially; encoding and writing
// run on a bounded worker pool, each task owning its own buffer. The
// context is polled once per image, and a failed write surfaces when the
// pool drains.
func ProcessImages(ctx context.Context, s *Synthesizer, inputs []string, opts ImageOptions) error {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var canceled error
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			canceled = err
			break
		}

		outPath := filepath.Join(opts.OutputDir, OutputName(input, ".png", opts.VR180))
		if _, err := os.Stat(outPath); err == nil {
			if opts.Resume {
				opts.Log.Debug().Str("output", outPath).Msg("skipping existing output")
				continue
			}
			if !opts.Overwrite {
				g.Wait()
				return fmt.Errorf("synth: %s: %w", outPath, ErrOutputExists)
			}
		}

		frame, err := decodeImage(input, s.MaxWidth, s.MaxHeight)
		if err != nil {
			g.Wait()
			return fmt.Errorf("synth: decode %s: %w", input, err)
		}
		sbs, err := s.Process(frame)
		if err != nil {
			g.Wait()
			return fmt.Errorf("synth: convert %s: %w", input, err)
		}

		rgba := sbs.ToRGBA()
		g.Go(func() error {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := png.Encode(f, rgba); err != nil {
				f.Close()
				return fmt.Errorf("synth: write %s: %w", outPath, err)
			}
			return f.Close()
		})
		opts.Log.Debug().Str("input", input).Str("output", outPath).Msg("converted image")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return canceled
}

// decodeImage reads one image file into a planar frame, downscaling with a
// bicubic filter first when it exceeds the configured bounds. jpeg, png and
// webp are registered.
func decodeImage(path string, maxW, maxH int) (*pixel.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	boundW, boundH := maxW, maxH
	if boundW <= 0 {
		boundW = b.Dx()
	}
	if boundH <= 0 {
		boundH = b.Dy()
	}
	if b.Dx() > boundW || b.Dy() > boundH {
		img = resize.Thumbnail(uint(boundW), uint(boundH), img, resize.Bicubic)
	}
	return pixel.FromImage(img), nil
}
