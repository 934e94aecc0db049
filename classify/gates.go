package classify

import (
	"context"
	"log/slog"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
)

// TileGate implements Gate over the tile+classifier path: each
// candidate rectangle surviving tile-level noise rejection is cropped
// and classified individually; rectangles whose predicted class
// matches cfg.TargetClassID are retained (spec §4.3 step 3).
type TileGate struct {
	cfg        config.Config
	classifier Classifier
	log        *slog.Logger
}

// NewTileGate creates a TileGate delegating per-crop decisions to classifier.
func NewTileGate(cfg config.Config, classifier Classifier, log *slog.Logger) *TileGate {
	if log == nil {
		log = slog.Default()
	}
	return &TileGate{cfg: cfg, classifier: classifier, log: log.With("component", "tile-gate", "channel", cfg.Index)}
}

// Evaluate crops and classifies each candidate, keeping those whose
// predicted class matches the configured target.
func (g *TileGate) Evaluate(ctx context.Context, frame *media.Frame, candidates []media.Rectangle) (media.DetectionResult, error) {
	result := media.DetectionResult{FrameIndex: frame.Index}
	for _, rect := range candidates {
		crop := cropFrame(frame, rect)
		classID, score, err := g.classifier.Classify(ctx, crop)
		if err != nil {
			g.log.Error("classifier call failed", "error", err, "frame", frame.Index)
			continue
		}
		if classID != g.cfg.TargetClassID {
			continue
		}
		result.Rects = append(result.Rects, rect)
		result.Scores = append(result.Scores, score)
	}
	result.Positive = len(result.Rects) > 0
	return result, nil
}

// FullFrameGate implements Gate over the SSD alternate mode (spec
// §4.3 final paragraph): candidates is ignored; the SSD detector runs
// directly on the full frame and rectangles at or above
// cfg.SSDConfidenceThresh are retained.
type FullFrameGate struct {
	cfg config.Config
	ssd SSD
	log *slog.Logger
}

// NewFullFrameGate creates a FullFrameGate delegating to ssd.
func NewFullFrameGate(cfg config.Config, ssd SSD, log *slog.Logger) *FullFrameGate {
	if log == nil {
		log = slog.Default()
	}
	return &FullFrameGate{cfg: cfg, ssd: ssd, log: log.With("component", "ssd-gate", "channel", cfg.Index)}
}

// Evaluate ignores candidates and runs the SSD detector on the whole frame.
func (g *FullFrameGate) Evaluate(ctx context.Context, frame *media.Frame, _ []media.Rectangle) (media.DetectionResult, error) {
	scored, err := g.ssd.Detect(ctx, frame)
	if err != nil {
		return media.DetectionResult{FrameIndex: frame.Index}, err
	}

	result := media.DetectionResult{FrameIndex: frame.Index}
	for _, sc := range scored {
		if sc.Score < g.cfg.SSDConfidenceThresh {
			continue
		}
		result.Rects = append(result.Rects, sc.Rect)
		result.Scores = append(result.Scores, sc.Score)
	}
	result.Positive = len(result.Rects) > 0
	return result, nil
}

// cropFrame extracts rect from frame's packed BGR24 buffer as a
// standalone Frame, clamped to frame bounds.
func cropFrame(frame *media.Frame, rect media.Rectangle) *media.Frame {
	x, y, w, h := clampRect(rect, frame.Width, frame.Height)
	out := make([]byte, w*h*3)
	for row := 0; row < h; row++ {
		srcStart := ((y+row)*frame.Width + x) * 3
		dstStart := row * w * 3
		copy(out[dstStart:dstStart+w*3], frame.Pix[srcStart:srcStart+w*3])
	}
	return &media.Frame{Index: frame.Index, Captured: frame.Captured, Width: w, Height: h, Pix: out}
}

func clampRect(r media.Rectangle, maxW, maxH int) (x, y, w, h int) {
	x = clampInt(r.X, 0, maxW-1)
	y = clampInt(r.Y, 0, maxH-1)
	w = r.W
	if x+w > maxW {
		w = maxW - x
	}
	h = r.H
	if y+h > maxH {
		h = maxH - y
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return
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
