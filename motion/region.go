package motion

import (
	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
	"gocv.io/x/gocv"
)

// RegionDetector reruns the motion-detection pipeline against an
// arbitrary rectangular neighbourhood of a frame, independent of the
// tile grid. It backs the Continuous-Detection De-duplicator (spec
// §4.4 "re-run the motion stage"), which needs to search for the
// matching candidate near a prior rectangle in a handful of later
// cached frames without re-tiling the whole image.
//
// Unlike a grid Worker, a RegionDetector keeps its own background
// model rather than sharing one with the tile grid, since a search
// window can straddle a tile boundary or sit at an arbitrary offset
// from it; the model only needs to stay consistent across the short
// burst of frames one de-duplication check examines.
type RegionDetector struct {
	cfg    config.Config
	mog2   gocv.BackgroundSubtractorMOG2
	kernel gocv.Mat
}

// NewRegionDetector creates a RegionDetector using cfg's motion-tuning
// parameters (adaptive threshold block size, morph kernel, area and
// color-deviation bounds) — the same knobs a grid Worker uses.
func NewRegionDetector(cfg config.Config) *RegionDetector {
	return &RegionDetector{
		cfg:    cfg,
		mog2:   gocv.NewBackgroundSubtractorMOG2(),
		kernel: newMorphKernel(cfg.MorphKernelSize),
	}
}

// Close releases the detector's native OpenCV resources.
func (r *RegionDetector) Close() error {
	_ = r.kernel.Close()
	return r.mog2.Close()
}

// Detect runs the motion pipeline against a padded neighbourhood
// around region and returns any candidate rectangles found, in
// full-frame coordinates. Satisfies dedup.Rescanner.
func (r *RegionDetector) Detect(frame *media.Frame, region media.Rectangle) ([]media.Rectangle, error) {
	pad := region.W/2 + region.H/2
	if pad < 16 {
		pad = 16
	}
	search := expandRect(region, pad, frame.Width, frame.Height)

	crop, err := cropToMat(frame.Pix, frame.Width, frame.Height, search)
	if err != nil {
		return nil, err
	}
	defer crop.Close()

	rects, _, err := runPipeline(r.cfg, r.mog2, r.kernel, crop)
	if err != nil {
		return nil, err
	}
	for i := range rects {
		rects[i].X += search.X
		rects[i].Y += search.Y
	}
	return rects, nil
}

// expandRect grows a search rectangle around the candidate by pad on
// each side, clamped to the frame bounds, since the matching candidate
// in a later frame may have drifted slightly from its original
// position.
func expandRect(r media.Rectangle, pad, maxW, maxH int) media.Rectangle {
	x := r.X - pad
	y := r.Y - pad
	w := r.W + 2*pad
	h := r.H + 2*pad
	if x < 0 {
		w += x
		x = 0
	}
	if y < 0 {
		h += y
		y = 0
	}
	if x+w > maxW {
		w = maxW - x
	}
	if y+h > maxH {
		h = maxH - y
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return media.Rectangle{X: x, Y: y, W: w, H: h}
}
