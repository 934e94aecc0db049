// Package motion implements the per-tile Motion Worker (spec §4.2):
// mean-shift pre-filter, grayscale conversion, adaptive mean threshold
// refined against a running background model, morphological open, and
// connected-component analysis, retaining components whose area and
// color deviation fall within configured ranges.
//
// Grounded on gocv.io/x/gocv, wrapped the way
// other_examples/.../miface/pkg/miface/tracker.go wraps a native CV
// pipeline behind a small Go type with an explicit Close(): each
// Worker owns private gocv.Mat scratch buffers that are never shared
// across goroutines, since gocv.Mat is not safe for concurrent use —
// the reason spec §9 calls for R*C long-lived workers each bound to
// one dedicated input channel rather than ad-hoc task submission onto
// a shared pool.
package motion

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
	"gocv.io/x/gocv"
)

// OpenCV's connected-components stats matrix has one fixed column per
// metric, in this order, regardless of image content.
const (
	ccStatLeft = iota
	ccStatTop
	ccStatWidth
	ccStatHeight
	ccStatArea
)

// Worker is one instance of the per-tile motion detector, bound to a
// single (Row, Col) coordinate.
type Worker struct {
	cfg      config.Config
	row, col int
	log      *slog.Logger

	mog2   gocv.BackgroundSubtractorMOG2
	kernel gocv.Mat

	in  <-chan media.Tile
	out chan<- media.TileResult
}

// New creates a Worker for tile (row, col), reading from in and
// writing results to out. Call Close when the worker's goroutine exits
// to release its native CV resources.
func New(cfg config.Config, row, col int, in <-chan media.Tile, out chan<- media.TileResult, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:    cfg,
		row:    row,
		col:    col,
		log:    log.With("component", "motion-worker", "channel", cfg.Index, "row", row, "col", col),
		mog2:   gocv.NewBackgroundSubtractorMOG2(),
		kernel: newMorphKernel(cfg.MorphKernelSize),
		in:     in,
		out:    out,
	}
}

func newMorphKernel(size int) gocv.Mat {
	if size < 1 {
		size = 1
	}
	return gocv.GetStructuringElement(gocv.MorphRect, image.Pt(size, size))
}

// Close releases the worker's native OpenCV resources.
func (w *Worker) Close() error {
	_ = w.kernel.Close()
	return w.mog2.Close()
}

// Run processes tiles from w.in until it closes or ctx is cancelled,
// emitting exactly one TileResult per input tile as guaranteed by spec
// §4.2 ("exactly one TileResult per input tile, possibly empty").
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tile, ok := <-w.in:
			if !ok {
				return nil
			}
			result := w.process(tile)
			select {
			case w.out <- result:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// process runs the full motion-detection algorithm on one tile and
// returns its TileResult. Failures are treated as an empty result,
// logged, and never propagated (spec §7: tile-worker faults are
// logged; the worker is not auto-restarted within the controller's
// lifetime).
func (w *Worker) process(tile media.Tile) (result media.TileResult) {
	result = media.TileResult{FrameIndex: tile.FrameIndex, Row: tile.Row, Col: tile.Col}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("motion worker panic, emitting empty result", "panic", r, "frame", tile.FrameIndex)
			result.Candidates = nil
		}
	}()

	if tile.Frame == nil {
		w.log.Error("tile has no backing frame", "frame", tile.FrameIndex)
		return result
	}

	crop, err := cropToMat(tile.Frame.Pix, tile.FullWidth, tile.FullHeight, tile.Rect)
	if err != nil {
		w.log.Error("failed to materialize tile crop", "error", err, "frame", tile.FrameIndex)
		return result
	}
	defer crop.Close()

	rects, mask, err := runPipeline(w.cfg, w.mog2, w.kernel, crop)
	if err != nil {
		w.log.Error("motion pipeline failed", "error", err, "frame", tile.FrameIndex)
		return result
	}

	for i := range rects {
		rects[i].X += tile.Rect.X
		rects[i].Y += tile.Rect.Y
	}
	result.Candidates = rects
	result.Mask = mask
	return result
}

// runPipeline runs the shared mean-shift -> background-subtract ->
// adaptive-threshold -> morph-open -> connected-components pipeline
// against crop, returning candidate rectangles in crop-local
// coordinates. Shared between Worker.process (tile grid) and
// RegionDetector.Detect (arbitrary search windows used by the
// de-duplicator) so both paths apply the identical algorithm.
func runPipeline(cfg config.Config, mog2 gocv.BackgroundSubtractorMOG2, kernel gocv.Mat, crop gocv.Mat) ([]media.Rectangle, []byte, error) {
	filtered := gocv.NewMat()
	defer filtered.Close()
	gocv.PyrMeanShiftFiltering(crop, &filtered, 10, 20)

	fgMask := gocv.NewMat()
	defer fgMask.Close()
	mog2.Apply(filtered, &fgMask)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(filtered, &gray, gocv.ColorBGRToGray)

	thresh := gocv.NewMat()
	defer thresh.Close()
	blockSize := cfg.AdaptiveBlockSize
	if blockSize%2 == 0 {
		blockSize++
	}
	gocv.AdaptiveThreshold(gray, &thresh, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, blockSize, 5)

	// Intersect the adaptive threshold with the running background
	// model so a stationary high-contrast edge (e.g. a dock piling)
	// does not masquerade as motion every frame.
	combined := gocv.NewMat()
	defer combined.Close()
	gocv.BitwiseAnd(thresh, fgMask, &combined)

	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(combined, &opened, gocv.MorphOpen, kernel)

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()
	numLabels := gocv.ConnectedComponentsWithStats(opened, &labels, &stats, &centroids,
		8, gocv.MatTypeCV32S)

	globalMean := crop.Mean()

	var candidates []media.Rectangle
	for label := 1; label < numLabels; label++ {
		area := float64(stats.GetIntAt(label, ccStatArea))
		if area < cfg.MinComponentArea || area > cfg.MaxComponentArea {
			continue
		}

		x := int(stats.GetIntAt(label, ccStatLeft))
		y := int(stats.GetIntAt(label, ccStatTop))
		bw := int(stats.GetIntAt(label, ccStatWidth))
		bh := int(stats.GetIntAt(label, ccStatHeight))

		region := crop.Region(image.Rect(x, y, x+bw, y+bh))
		compMean := region.Mean()
		region.Close()

		dev := meanDeviation(compMean, globalMean)
		if dev > cfg.MaxColorDeviation {
			continue
		}

		candidates = append(candidates, media.Rectangle{X: x, Y: y, W: bw, H: bh})
	}

	return candidates, opened.ToBytes(), nil
}

// cropToMat wraps the full-frame byte buffer pix (packed BGR24,
// fullW x fullH) and returns a standalone Mat restricted to rect. The
// returned Mat owns a copy of the bytes so the caller's subsequent
// in-place OpenCV calls never touch memory the Frame Cache or other
// tiles still reference.
func cropToMat(pix []byte, fullW, fullH int, rect media.Rectangle) (gocv.Mat, error) {
	full, err := gocv.NewMatFromBytes(fullH, fullW, gocv.MatTypeCV8UC3, pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("motion: wrap frame bytes: %w", err)
	}
	defer full.Close()

	region := full.Region(image.Rect(rect.X, rect.Y, rect.X+rect.W, rect.Y+rect.H))
	defer region.Close()

	return region.Clone(), nil
}

func meanDeviation(a, b gocv.Scalar) float64 {
	dr := a.Val1 - b.Val1
	dg := a.Val2 - b.Val2
	db := a.Val3 - b.Val3
	return (abs(dr) + abs(dg) + abs(db)) / 3
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
