// Package media defines the core value types that flow through the
// sentinel detection pipeline, from ingest through the recorder and
// re-streamer. Grounded on the buffer-size-constants-plus-plain-struct
// shape of zsiec-prism's media.VideoFrame/AudioFrame.
package media

import "time"

// Channel buffer sizes shared by producers and consumers across a
// Controller, sized per the literal bounds in the concurrency model:
// ingest queue 500, per-tile input 64, reconstructor-in 64*R*C,
// re-streamer queue 1000, emitter outbox 1000.
const (
	IngestBufferSize     = 500
	TileInputBufferSize  = 64
	RestreamBufferSize   = 1000
	EmitterOutboxSize    = 1000
)

// Frame is an immutable raw image with shape (Height, Width, 3), a
// monotonic per-channel Index starting at 1, and an arrival timestamp.
// Pix is packed BGR24, the native gocv.Mat byte layout, so motion
// workers can wrap it in a Mat without a copy or channel swap.
type Frame struct {
	Index    uint64
	Captured time.Time
	Width    int
	Height   int
	Pix      []byte
}

// Clone returns a deep copy of f, used whenever a consumer (the
// Recorder, the Re-streamer) needs to draw an overlay without mutating
// a frame still referenced by the Frame Cache or Render Cache.
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{Index: f.Index, Captured: f.Captured, Width: f.Width, Height: f.Height, Pix: pix}
}

// Rectangle is an axis-aligned box in full-frame pixel coordinates,
// (X, Y) is the top-left corner.
type Rectangle struct {
	X, Y, W, H int
}

// Tile is a view of a Frame restricted to a rectangle, plus its (Row,
// Col) grid coordinate and the originating frame index. Tiles are
// produced by the Dispatcher in (row, col) order so the Reconstructor
// can join them deterministically.
type Tile struct {
	FrameIndex uint64
	Row, Col   int
	Rect       Rectangle
	Frame      *Frame
	FullWidth  int
	FullHeight int
}

// TileResult is a Motion Worker's verdict for one tile: candidate
// rectangles in full-frame coordinates (the worker remaps them from
// tile-local coordinates using the tile origin), plus a binary mask
// for diagnostic reconstruction.
type TileResult struct {
	FrameIndex uint64
	Row, Col   int
	Candidates []Rectangle
	Mask       []byte
}

// DetectionResult is the Reconstructor's output for a given frame:
// the rectangles that passed the classifier gate and their confidence
// scores, index-aligned with Rects.
type DetectionResult struct {
	FrameIndex uint64
	Rects      []Rectangle
	Scores     []float32
	Positive   bool
}

// MessageType distinguishes the two wire message shapes the Event
// Emitter produces.
type MessageType string

const (
	MsgDetect      MessageType = "detect"
	MsgDetectEmpty MessageType = "detect_empty"
)

// Message is the JSON document pushed to the Event Emitter's outbox,
// with the field names fixed by the external wire contract
// (video_stream, channel, timestamp, rects, dol_id, type).
type Message struct {
	VideoStream string      `json:"video_stream"`
	Channel     int         `json:"channel"`
	Timestamp   uint64      `json:"timestamp"`
	Rects       []Rectangle `json:"rects,omitempty"`
	DolID       uint64      `json:"dol_id"`
	Type        MessageType `json:"type"`
}
