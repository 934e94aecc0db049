// Package classify defines the narrow collaborator interfaces the
// Reconstructor/Gate uses to reach the model inference implementations.
// Model inference itself is out of scope (spec.md §1); accepting
// interfaces here decouples reconstruct.Gate from any concrete model,
// the same way zsiec-prism/internal/pipeline.Pipeline depends only on
// the Broadcaster interface, not a concrete *distribution.Relay.
package classify

import (
	"context"

	"github.com/oceaneye/sentinel/media"
)

// Classifier is a pure function (image) -> (class_id, score), invoked
// synchronously by the Reconstructor on each candidate crop (spec §4.3
// step 3; the call is intentionally synchronous to preserve ordering,
// per §5).
type Classifier interface {
	Classify(ctx context.Context, crop *media.Frame) (classID int, score float32, err error)
}

// ScoredRect is a detector candidate rectangle with its confidence.
type ScoredRect struct {
	Rect  media.Rectangle
	Score float32
}

// SSD is a full-frame detector: ([image]) -> [[rect_with_score]]. Used
// by the SSD alternate gate mode (spec §4.3 final paragraph).
type SSD interface {
	Detect(ctx context.Context, frame *media.Frame) ([]ScoredRect, error)
}

// Gate is the common "detect full frame -> list of rectangles that
// passed" interface shared by the tile+classifier path and the SSD
// path, per spec §9's redesign guidance: keep them as two
// implementations of one interface so the rest of the pipeline is
// mode-agnostic.
type Gate interface {
	// Evaluate runs this gate's detection strategy against the given
	// frame and returns the positive rectangles and their scores.
	Evaluate(ctx context.Context, frame *media.Frame, candidates []media.Rectangle) (media.DetectionResult, error)
}
