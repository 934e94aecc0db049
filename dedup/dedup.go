// Package dedup implements the Continuous-Detection De-duplicator
// (spec §4.4): when a scene contains a persistent non-target object
// that occasionally triggers the motion path (a floating buoy, a
// reflective buoy light), suppress repeated positives whose
// neighbourhood stays structurally unchanged across a short lookahead
// window.
//
// Grounded on the Python original's explicit `cal_rgb_similarity(...,
// 'ssim')` call (manager.py `filter_continuous_detect`), reimplemented
// idiomatically: gocv ships no structural-similarity function, so this
// computes SSIM directly from gocv.Mat statistics (mean/variance via
// gocv.MeanStdDev, covariance via a pixel pass), per SPEC_FULL.md §4.4.
package dedup

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
	"gocv.io/x/gocv"
)

// ssimPatchSize is the common side length candidate crops are resized
// to before comparison, so a slightly drifted match in a later frame
// still compares like-for-like against the original crop.
const ssimPatchSize = 32

// Rescanner reruns motion detection against a neighbourhood of a
// frame, used to find the candidate in a later frame that corresponds
// to a given rectangle. Implemented by motion.RegionDetector.
type Rescanner interface {
	Detect(frame *media.Frame, region media.Rectangle) ([]media.Rectangle, error)
}

// Deduplicator tracks last_detection and decides whether a newly
// positive frame should be suppressed as a continuation of a
// previously reported, structurally unchanged object.
type Deduplicator struct {
	cfg    config.Config
	cache  *framecache.Cache
	rescan Rescanner
	log    *slog.Logger

	lastDetection int64 // -1 sentinel: no detection observed yet
}

// New creates a Deduplicator reading lookahead frames from cache and
// rescanning candidate neighbourhoods via rescan.
func New(cfg config.Config, cache *framecache.Cache, rescan Rescanner, log *slog.Logger) *Deduplicator {
	if log == nil {
		log = slog.Default()
	}
	return &Deduplicator{
		cfg:           cfg,
		cache:         cache,
		rescan:        rescan,
		log:           log.With("component", "dedup", "channel", cfg.Index),
		lastDetection: -1,
	}
}

// LastDetection returns the frame index of the most recent positive
// this Deduplicator observed, or -1 if none yet.
func (d *Deduplicator) LastDetection() int64 {
	return d.lastDetection
}

// Suppress decides whether the positive candidate rect at frameIndex
// (cropped from frame) should be suppressed. It always advances
// last_detection to frameIndex before returning, per spec §4.3 step
// 4's "still update last_detection" requirement, regardless of the
// suppression outcome.
func (d *Deduplicator) Suppress(frameIndex uint64, frame *media.Frame, rect media.Rectangle) bool {
	trigger := d.lastDetection >= 0 &&
		int64(frameIndex)-d.lastDetection >= 0 &&
		int64(frameIndex)-d.lastDetection <= int64(d.cfg.DetectInternal)
	d.lastDetection = int64(frameIndex)

	if !trigger {
		return false
	}

	current, err := cropGray(frame, rect)
	if err != nil {
		d.log.Warn("dedup: failed to crop current candidate", "error", err, "frame", frameIndex)
		return false
	}
	defer current.Close()

	var samples []float64
	for offset := uint64(1); offset <= uint64(d.cfg.SearchWindowSize); offset++ {
		next, ok := d.cache.Get(frameIndex + offset)
		if !ok {
			continue
		}

		candidates, err := d.rescan.Detect(next, rect)
		if err != nil || len(candidates) == 0 {
			continue
		}

		match := nearestRect(rect, candidates)
		crop, err := cropGray(next, match)
		if err != nil {
			continue
		}
		score, err := ssim(current, crop)
		crop.Close()
		if err != nil {
			continue
		}
		samples = append(samples, score)
	}

	// Edge case: fewer than one similarity sample collected (cache
	// miss, no next-frame motion) — do not suppress.
	if len(samples) == 0 {
		return false
	}

	dev := stddev(samples)
	suppressed := dev <= d.cfg.SimilarityThresh
	if suppressed {
		d.log.Debug("suppressing continuous detection", "frame", frameIndex, "std_dev", dev, "samples", len(samples))
	}
	return suppressed
}

// cropGray extracts rect from frame, converts to grayscale, and
// resizes to a fixed comparison patch size.
func cropGray(frame *media.Frame, rect media.Rectangle) (gocv.Mat, error) {
	clamped := clampRect(rect, frame.Width, frame.Height)

	full, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("dedup: wrap frame bytes: %w", err)
	}
	defer full.Close()

	region := full.Region(image.Rect(clamped.X, clamped.Y, clamped.X+clamped.W, clamped.Y+clamped.H))
	defer region.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)

	resized := gocv.NewMat()
	gocv.Resize(gray, &resized, image.Pt(ssimPatchSize, ssimPatchSize), 0, 0, gocv.InterpolationLinear)
	return resized, nil
}

// ssim computes the structural similarity index between two
// equal-sized single-channel Mats using the standard luminance,
// contrast, and structure terms with Wang et al.'s default stabilizing
// constants for 8-bit images.
func ssim(a, b gocv.Mat) (float64, error) {
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return 0, fmt.Errorf("dedup: mismatched ssim patch sizes %dx%d vs %dx%d", a.Cols(), a.Rows(), b.Cols(), b.Rows())
	}

	meanA := gocv.NewMat()
	defer meanA.Close()
	stdA := gocv.NewMat()
	defer stdA.Close()
	gocv.MeanStdDev(a, &meanA, &stdA)
	muA := meanA.GetDoubleAt(0, 0)
	sdA := stdA.GetDoubleAt(0, 0)

	meanB := gocv.NewMat()
	defer meanB.Close()
	stdB := gocv.NewMat()
	defer stdB.Close()
	gocv.MeanStdDev(b, &meanB, &stdB)
	muB := meanB.GetDoubleAt(0, 0)
	sdB := stdB.GetDoubleAt(0, 0)

	varA := sdA * sdA
	varB := sdB * sdB

	rows, cols := a.Rows(), a.Cols()
	var cov float64
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			va := float64(a.GetUCharAt(y, x))
			vb := float64(b.GetUCharAt(y, x))
			cov += (va - muA) * (vb - muB)
		}
	}
	cov /= float64(rows * cols)

	const c1, c2 = 6.5025, 58.5225 // (0.01*255)^2, (0.03*255)^2
	num := (2*muA*muB + c1) * (2*cov + c2)
	den := (muA*muA + muB*muB + c1) * (varA + varB + c2)
	if den == 0 {
		return 1, nil
	}
	return num / den, nil
}

// stddev computes the population standard deviation of samples using
// Welford's online algorithm, avoiding a separate mean pass and the
// cancellation error of a naive sum-of-squares formula.
func stddev(samples []float64) float64 {
	var mean, m2, n float64
	for _, x := range samples {
		n++
		delta := x - mean
		mean += delta / n
		m2 += delta * (x - mean)
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(m2 / n)
}

func nearestRect(target media.Rectangle, candidates []media.Rectangle) media.Rectangle {
	best := candidates[0]
	bestDist := centerDist2(target, best)
	for _, c := range candidates[1:] {
		if d := centerDist2(target, c); d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

func centerDist2(a, b media.Rectangle) int {
	acx, acy := a.X+a.W/2, a.Y+a.H/2
	bcx, bcy := b.X+b.W/2, b.Y+b.H/2
	dx, dy := acx-bcx, acy-bcy
	return dx*dx + dy*dy
}

func clampRect(r media.Rectangle, maxW, maxH int) media.Rectangle {
	x := clampInt(r.X, 0, maxW-1)
	y := clampInt(r.Y, 0, maxH-1)
	w := r.W
	if x+w > maxW {
		w = maxW - x
	}
	h := r.H
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

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
