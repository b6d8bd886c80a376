package stereo

import (
	"fmt"
	"math"

	"github.com/stevecastle/stereopipe/depth"
	"github.com/stevecastle/stereopipe/mapper"
	"github.com/stevecastle/stereopipe/pixel"
)

// TileInput is one spatial block of the 8-channel tensor fed to the learned
// warp: 3 color channels, 1 mapped depth channel, 2 constant channels for
// divergence/convergence strength, 2 channels holding a [-1,1] coordinate
// grid. Plane c occupies Pix[c*W*H : (c+1)*W*H].
type TileInput struct {
	W, H int
	Pix  []float32
}

// TileInferencer is the opaque learned-warp capability: a batch of
// 8-channel tiles in, one 3-channel tile of the same spatial size out per
// input. Batch-aware; issued one call at a time.
type TileInferencer interface {
	Infer(batch []*TileInput) ([]*pixel.Image, error)
}

// TiledSeamWarper runs the learned warp over overlapping tiles and blends
// the overlaps so seams stay continuous. The model is trained for the left
// eye only; the right eye is produced by mirroring in and out.
type TiledSeamWarper struct {
	Model       TileInferencer
	Divergence  float64
	Convergence float64
	Mapper      mapper.Func

	// TileSize is the spatial block edge. Zero means 256.
	TileSize int
	// BatchSize bounds how many tiles go into one inference call.
	// Zero means 64.
	BatchSize int
}

func (t *TiledSeamWarper) tileSize() int {
	if t.TileSize > 0 {
		return t.TileSize
	}
	return 256
}

func (t *TiledSeamWarper) batchSize() int {
	if t.BatchSize > 0 {
		return t.BatchSize
	}
	return 64
}

// Warp implements Warper.
func (t *TiledSeamWarper) Warp(frame *pixel.Image, d *pixel.Depth, eye Eye) (*pixel.Image, error) {
	if frame.W != d.W || frame.H != d.H {
		return nil, fmt.Errorf("stereo: frame %dx%d vs depth %dx%d", frame.W, frame.H, d.W, d.H)
	}

	mirrored := eye == EyeRight
	if mirrored {
		frame = frame.MirrorH()
		d = d.MirrorH()
	}

	out, err := t.render(frame, d)
	if err != nil {
		return nil, err
	}
	if mirrored {
		out = out.MirrorH()
	}
	return out, nil
}

// tilePad is the replication padding around the frame: half the halo the
// depth stage would use for a tile-sized input.
func tilePad(tileSize int) int {
	return int(math.Sqrt(float64(tileSize)*0.5)*3) / 2
}

func (t *TiledSeamWarper) render(frame *pixel.Image, d *pixel.Depth) (*pixel.Image, error) {
	w, h := frame.W, frame.H
	tile := t.tileSize()
	pad := tilePad(tile)

	// Depth min/max come from the whole frame so every tile normalizes
	// against the same range.
	dmin, dmax := depth.MinMax(d)

	padded := frame.Pad(pad, pad, pixel.PadReplicate)
	df := pixel.NewPlane(d.W, d.H)
	for i, v := range d.Pix {
		df.Pix[i] = float32(v)
	}
	dpad := df.Pad(pad, pad, pixel.PadReplicate)

	pw, ph := padded.W, padded.H
	overlap := 2 * pad
	positions := tilePositions(pw, ph, tile, overlap)

	acc := make([]float32, 3*pw*ph)
	wsum := make([]float32, pw*ph)

	batch := make([]*TileInput, 0, t.batchSize())
	origins := make([][2]int, 0, t.batchSize())
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		outs, err := t.Model.Infer(batch)
		if err != nil {
			return fmt.Errorf("stereo: warp inference failed: %w", err)
		}
		if len(outs) != len(batch) {
			return fmt.Errorf("stereo: warp inference returned %d tiles for %d inputs", len(outs), len(batch))
		}
		for i, o := range outs {
			accumulateTile(acc, wsum, pw, ph, o, origins[i][0], origins[i][1], overlap)
		}
		batch = batch[:0]
		origins = origins[:0]
		return nil
	}

	for _, pos := range positions {
		batch = append(batch, t.makeTileInput(padded, dpad, pos[0], pos[1], tile, w, dmin, dmax))
		origins = append(origins, pos)
		if len(batch) >= t.batchSize() {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	out := pixel.NewImage(w, h)
	n := pw * ph
	on := w * h
	for c := 0; c < 3; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y+pad)*pw + (x + pad)
				var v float32
				if wsum[i] > 0 {
					v = acc[c*n+i] / wsum[i]
				}
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				out.Pix[c*on+y*w+x] = v
			}
		}
	}
	return out, nil
}

// tilePositions covers a pw x ph area with tile x tile blocks overlapping by
// at least overlap pixels; the trailing tile in each axis is clamped so the
// area is fully covered.
func tilePositions(pw, ph, tile, overlap int) [][2]int {
	step := tile - overlap
	if step < 1 {
		step = 1
	}
	xs := axisOffsets(pw, tile, step)
	ys := axisOffsets(ph, tile, step)
	out := make([][2]int, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			out = append(out, [2]int{x, y})
		}
	}
	return out
}

func axisOffsets(size, tile, step int) []int {
	if size <= tile {
		return []int{0}
	}
	var out []int
	for x := 0; ; x += step {
		if x+tile >= size {
			out = append(out, size-tile)
			break
		}
		out = append(out, x)
	}
	return out
}

// makeTileInput builds the 8-channel input for the tile at (x0, y0). Tiles
// may exceed the padded frame when the frame is smaller than a tile; those
// samples replicate the edge.
func (t *TiledSeamWarper) makeTileInput(frame *pixel.Image, d *pixel.Plane, x0, y0, tile, imageWidth int, dmin, dmax int16) *TileInput {
	in := &TileInput{W: tile, H: tile, Pix: make([]float32, 8*tile*tile)}
	n := tile * tile
	fn := frame.W * frame.H

	divergencePx := float32(t.Divergence) * 0.5 * 0.01 * float32(imageWidth)
	divergenceFeat := divergencePx / 32
	convergenceFeat := -divergencePx * float32(t.Convergence) / 32

	span := float32(dmax) - float32(dmin)
	for y := 0; y < tile; y++ {
		sy := clampAxis(y0+y, frame.H)
		for x := 0; x < tile; x++ {
			sx := clampAxis(x0+x, frame.W)
			i := y*tile + x
			si := sy*frame.W + sx

			in.Pix[i] = frame.Pix[si]
			in.Pix[n+i] = frame.Pix[fn+si]
			in.Pix[2*n+i] = frame.Pix[2*fn+si]

			nd := float32(0)
			if span > 0 {
				nd = 1 - (d.Pix[si]-float32(dmin))/span
				if nd < 0 {
					nd = 0
				} else if nd > 1 {
					nd = 1
				}
			}
			if t.Mapper != nil {
				nd = t.Mapper(nd)
			}
			in.Pix[3*n+i] = nd

			in.Pix[4*n+i] = divergenceFeat
			in.Pix[5*n+i] = convergenceFeat
			in.Pix[6*n+i] = gridCoord(x, tile)
			in.Pix[7*n+i] = gridCoord(y, tile)
		}
	}
	return in
}

func gridCoord(i, n int) float32 {
	if n <= 1 {
		return -1
	}
	return 2*float32(i)/float32(n-1) - 1
}

func clampAxis(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// accumulateTile adds a weighted tile output into the accumulator. Weights
// ramp linearly from the tile border over the overlap width, so after
// normalization the blend across any seam sums to 1.
func accumulateTile(acc, wsum []float32, pw, ph int, o *pixel.Image, x0, y0, overlap int) {
	n := pw * ph
	on := o.W * o.H
	for y := 0; y < o.H; y++ {
		ty := y0 + y
		if ty < 0 || ty >= ph {
			continue
		}
		wy := rampWeight(y, o.H, overlap)
		for x := 0; x < o.W; x++ {
			tx := x0 + x
			if tx < 0 || tx >= pw {
				continue
			}
			wgt := wy * rampWeight(x, o.W, overlap)
			i := ty*pw + tx
			for c := 0; c < 3; c++ {
				acc[c*n+i] += wgt * o.Pix[c*on+y*o.W+x]
			}
			wsum[i] += wgt
		}
	}
}

// rampWeight rises linearly from 1/(overlap+1) at the tile edge to 1 in the
// interior. The edge weight stays positive so lone tiles normalize cleanly.
func rampWeight(i, size, overlap int) float32 {
	if overlap <= 0 {
		return 1
	}
	edge := i
	if size-1-i < edge {
		edge = size - 1 - i
	}
	if edge >= overlap {
		return 1
	}
	return float32(edge+1) / float32(overlap+1)
}
