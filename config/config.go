// Package config defines the recognised per-channel configuration
// options for a detection Controller. Loading config from disk/env is
// an external collaborator (spec non-goal); this package only holds the
// struct that collaborator fills in, shaped the way
// zsiec-prism/distribution.ServerConfig holds wiring-time options for
// distribution.NewServer.
package config

import (
	"fmt"
	"strings"
)

// DetectMode selects the Reconstructor/Gate implementation: tiled
// motion detection gated by a classifier, or a full-frame SSD detector.
type DetectMode int

const (
	// ModeClassify tiles the frame, runs per-tile motion detection, and
	// gates candidate crops through a classifier.
	ModeClassify DetectMode = iota
	// ModeSSD skips tiling and runs a full-frame detector directly.
	ModeSSD
)

func (m DetectMode) String() string {
	switch m {
	case ModeClassify:
		return "CLASSIFY"
	case ModeSSD:
		return "SSD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders a DetectMode as its string name, so fleet config
// files spell it "CLASSIFY"/"SSD" rather than an opaque integer.
func (m DetectMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses "CLASSIFY"/"SSD" (case-insensitive) into a DetectMode.
func (m *DetectMode) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "CLASSIFY", "":
		*m = ModeClassify
	case "SSD":
		*m = ModeSSD
	default:
		return fmt.Errorf("config: unknown detect mode %q", text)
	}
	return nil
}

// Shape is the target full-frame resolution used for preprocessing and
// for the outbound encoder.
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Config holds every recognised option from the spec's external
// interfaces section, verbatim in name and effect. JSON tags let a
// deployment's config-loading collaborator (spec.md §1 non-goal)
// unmarshal a fleet file directly into this struct.
type Config struct {
	// Index identifies the channel for logging and workspace layout.
	Index int `json:"index"`

	// Shape is the target full-frame resolution (cfg.shape).
	Shape Shape `json:"shape"`

	// RoutineRow and RoutineCol are the tile grid dimensions
	// (routine.row, routine.col).
	RoutineRow int `json:"routine_row"`
	RoutineCol int `json:"routine_col"`

	// SampleRate: every Nth frame is detected on.
	SampleRate int `json:"sample_rate"`

	// PreCache is the number of warm-up frames before dispatch starts.
	PreCache uint64 `json:"pre_cache"`

	// MaxStreamsCache is the configured ingest channel bound. No
	// component in this module reads it: ingest.VideoCapture sizes its
	// channel with media.IngestBufferSize.
	MaxStreamsCache int `json:"max_streams_cache"`

	// MaxCache bounds the Frame Cache size (max_cache in §3); eviction
	// sweeps the oldest half once this high-watermark is exceeded.
	MaxCache int `json:"max_cache"`

	// PreFrames is the pre-roll length for the Event Recorder. Not
	// listed among spec.md §6's "recognised options" but required by
	// §4.5/§8's clip-coverage invariant; see SPEC_FULL.md §6.
	PreFrames uint64 `json:"pre_frames"`

	// FutureFrames is the post-roll length.
	FutureFrames uint64 `json:"future_frames"`

	// DetectInternal is the window within which a new positive is
	// subject to de-duplication.
	DetectInternal uint64 `json:"detect_internal"`

	// SearchWindowSize is the number of next frames sampled during
	// de-duplication.
	SearchWindowSize int `json:"search_window_size"`

	// SimilarityThresh is the standard-deviation ceiling for
	// suppression.
	SimilarityThresh float64 `json:"similarity_thresh"`

	// MaxRectsPerFrame is the noise-rejection threshold (default 3 per
	// spec §4.3 step 2).
	MaxRectsPerFrame int `json:"max_rects_per_frame"`

	// Render enables annotated re-streaming and Render Cache writes.
	Render bool `json:"render"`

	// PushStream enables the re-streamer.
	PushStream bool `json:"push_stream"`

	// PushTo is the target URL for the re-streamer.
	PushTo string `json:"push_to"`

	// DetectMode selects CLASSIFY or SSD.
	DetectMode DetectMode `json:"detect_mode"`

	// SaveBox enables writing positive frames, crops, and bbox.json.
	SaveBox bool `json:"save_box"`

	// IdleTimeoutMS is the Dispatcher's ingest-gap idle timeout.
	IdleTimeoutMS int `json:"idle_timeout_ms"`

	// TileSendTimeoutMS is the per-tile send deadline before the
	// Dispatcher drops a frame's tile-set atomically.
	TileSendTimeoutMS int `json:"tile_send_timeout_ms"`

	// HoldFrames is the Re-streamer's overlay hold duration in frames
	// (default 36).
	HoldFrames int `json:"hold_frames"`

	// WorkspaceRoot is the root directory under which the channel's
	// workspace subdirectories are created.
	WorkspaceRoot string `json:"workspace_root"`

	// TargetClassID is the classifier class id considered positive
	// (e.g. the id trained for the target species/object).
	TargetClassID int `json:"target_class_id"`

	// SSDConfidenceThresh is the SSD full-frame detector's confidence
	// floor (0.7 per spec §4.3).
	SSDConfidenceThresh float32 `json:"ssd_confidence_thresh"`

	// AdaptiveBlockSize is the Motion Worker's adaptive mean threshold
	// block size (must be odd, per gocv.AdaptiveThreshold).
	AdaptiveBlockSize int `json:"adaptive_block_size"`

	// MorphKernelSize is the side length of the square structuring
	// element used for the morphological open step.
	MorphKernelSize int `json:"morph_kernel_size"`

	// MinComponentArea and MaxComponentArea bound the connected
	// component area retained as a motion candidate.
	MinComponentArea float64 `json:"min_component_area"`
	MaxComponentArea float64 `json:"max_component_area"`

	// MaxColorDeviation bounds a component's per-channel mean color
	// deviation from the frame-global mean.
	MaxColorDeviation float64 `json:"max_color_deviation"`
}

// Default returns a Config with the spec's documented defaults applied.
func Default() Config {
	return Config{
		Shape:               Shape{Width: 1920, Height: 1080},
		RoutineRow:          1,
		RoutineCol:          1,
		SampleRate:          1,
		MaxStreamsCache:     500,
		MaxCache:            1000,
		MaxRectsPerFrame:    3,
		DetectMode:          ModeClassify,
		IdleTimeoutMS:       5000,
		TileSendTimeoutMS:   500,
		HoldFrames:          36,
		SSDConfidenceThresh: 0.7,
		AdaptiveBlockSize:   25,
		MorphKernelSize:     3,
		MinComponentArea:    50,
		MaxComponentArea:    50000,
		MaxColorDeviation:   60,
	}
}

// TileCount returns the number of tiles (R*C) this config dispatches to.
func (c Config) TileCount() int {
	return c.RoutineRow * c.RoutineCol
}
