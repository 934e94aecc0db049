// Package reconstruct implements the Reconstructor / Classifier Gate
// (spec §4.3): it joins per-tile Motion Worker results into a
// per-frame decision, gates candidates through a classifier (or a
// full-frame SSD detector, mode-agnostic per the classify.Gate
// interface), drives the TrackSession/dol_id state machine, and
// notifies the Event Recorder and Event Emitter.
//
// Grounded on the Python original's
// TaskBasedDetectorController.construct/classify_based/ssd_based
// methods, with the "is single-threaded" invariant from §9 kept
// literally: Gate is not safe for concurrent use and must be driven
// from one goroutine, the same way
// zsiec-prism/internal/pipeline/pipeline.go's Broadcaster dispatch
// loop is the sole writer of its internal subscriber map.
package reconstruct

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oceaneye/sentinel/classify"
	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/dedup"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
	"github.com/oceaneye/sentinel/overlay"
)

// dolIDStart is the TrackSession counter's initial value.
const dolIDStart = 10000

// frameLookupRetries bounds how many times the Gate retries a Frame
// Cache miss before logging and dropping the frame (spec §7 error
// taxonomy, "cache miss on known index": retried up to 24 times at
// 100 ms).
const frameLookupRetries = 24

// frameLookupInterval is the delay between retries. A var, not a
// const, so tests can shrink it instead of spending 2.4s on the
// exhausted-retries path.
var frameLookupInterval = 100 * time.Millisecond

// SessionState is the TrackSession's Absent/Present state (spec §3
// GLOSSARY entry for TrackSession).
type SessionState int

const (
	Absent SessionState = iota
	Present
)

func (s SessionState) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// TrackSession groups a contiguous run of positive detections under
// one wire-visible dol_id, plus an internal UUID correlation id for
// log lines (the numeric ID starts again at 10000 whenever a Gate is
// created; the UUID never repeats).
type TrackSession struct {
	ID    uint64
	UUID  uuid.UUID
	State SessionState
}

// EmitSink receives detect/detect_empty messages. Satisfied by
// *emit.Emitter; declared here as a narrow collaborator interface so
// reconstruct does not depend on the Emitter's transport plumbing.
type EmitSink interface {
	Enqueue(msg media.Message)
}

// RecordSink receives clip triggers and per-frame completion
// notifications. Satisfied by *recorder.Recorder.
type RecordSink interface {
	Trigger(frameIndex uint64, rects []media.Rectangle)
	Notify(frameIndex uint64)
}

// StreamSink receives every completed (frame, detection) pair for the
// Annotated Re-streamer (spec §4.6: "Reads (frame, optional
// DetectionResult) pairs from a bounded channel"). Declared here as a
// narrow collaborator rather than importing package restream directly,
// matching the EmitSink/RecordSink pattern above.
type StreamSink interface {
	Push(frame *media.Frame, rects []media.Rectangle, positive bool)
}

type pendingFrame struct {
	results []media.TileResult
	got     []bool
	count   int
}

// Gate assembles per-frame detection decisions from tile results (or,
// in SSD mode, directly from frames) and drives the TrackSession state
// machine. Not safe for concurrent use; spec §9 requires a single
// reconstructor goroutine per channel.
type Gate struct {
	cfg      config.Config
	cache    *framecache.Cache
	render   *framecache.RenderCache
	detector classify.Gate
	dd       *dedup.Deduplicator
	emitter  EmitSink
	recorder RecordSink
	stream   StreamSink
	log      *slog.Logger

	pending       map[uint64]*pendingFrame
	lastCompleted uint64
	session       TrackSession
	nextDolID     uint64
}

// New creates a Gate. dd may be nil to disable continuous-detection
// suppression entirely (e.g. detect_internal == 0 in cfg). stream may
// be nil to disable re-streaming (cfg.PushStream == false).
func New(cfg config.Config, cache *framecache.Cache, render *framecache.RenderCache, detector classify.Gate, dd *dedup.Deduplicator, emitter EmitSink, recorder RecordSink, stream StreamSink, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		cfg:       cfg,
		cache:     cache,
		render:    render,
		detector:  detector,
		dd:        dd,
		emitter:   emitter,
		recorder:  recorder,
		stream:    stream,
		log:       log.With("component", "reconstructor", "channel", cfg.Index),
		pending:   make(map[uint64]*pendingFrame),
		nextDolID: dolIDStart,
	}
}

// LastCompleted returns the highest frame index fully processed so far.
func (g *Gate) LastCompleted() uint64 {
	return g.lastCompleted
}

// Session returns a copy of the current TrackSession, for diagnostics.
func (g *Gate) Session() TrackSession {
	return g.session
}

// ProcessTileResult joins one Motion Worker's TileResult into the
// per-frame buffer; once every tile for a frame_index has arrived, the
// frame is finalized (spec §4.3 steps 1-6). Used in ModeClassify.
func (g *Gate) ProcessTileResult(ctx context.Context, result media.TileResult) {
	p, ok := g.pending[result.FrameIndex]
	if !ok {
		p = &pendingFrame{
			results: make([]media.TileResult, g.cfg.TileCount()),
			got:     make([]bool, g.cfg.TileCount()),
		}
		g.pending[result.FrameIndex] = p
	}

	idx := result.Row*g.cfg.RoutineCol + result.Col
	if idx < 0 || idx >= len(p.results) {
		g.log.Error("tile result out of grid range", "row", result.Row, "col", result.Col, "frame", result.FrameIndex)
		return
	}
	if !p.got[idx] {
		p.got[idx] = true
		p.count++
	}
	p.results[idx] = result

	if p.count == g.cfg.TileCount() {
		delete(g.pending, result.FrameIndex)
		g.finalizeTiled(ctx, result.FrameIndex, p)
	}
}

// ProcessFrame runs the SSD alternate gate mode directly against a
// preprocessed full frame, skipping tiling entirely (spec §4.3 final
// paragraph). Used in ModeSSD.
func (g *Gate) ProcessFrame(ctx context.Context, frame *media.Frame) {
	g.evaluate(ctx, frame, frame.Index, nil)
}

func (g *Gate) finalizeTiled(ctx context.Context, frameIndex uint64, p *pendingFrame) {
	frame := g.lookupFrame(frameIndex)
	if frame == nil {
		g.log.Warn("dropping frame: missing from cache after retries", "frame", frameIndex)
		g.advanceCompleted(frameIndex)
		return
	}

	for _, r := range p.results {
		if len(r.Candidates) >= g.cfg.MaxRectsPerFrame {
			g.log.Debug("discarding frame as noise", "frame", frameIndex, "tile_candidates", len(r.Candidates))
			g.transitionAbsent(frameIndex)
			g.advanceCompleted(frameIndex)
			g.pushStream(frame, nil, false)
			return
		}
	}

	var candidates []media.Rectangle
	for _, r := range p.results {
		candidates = append(candidates, r.Candidates...)
	}

	g.evaluate(ctx, frame, frameIndex, candidates)
}

// evaluate runs step 3 onward of §4.3, shared by both gate modes.
func (g *Gate) evaluate(ctx context.Context, frame *media.Frame, frameIndex uint64, candidates []media.Rectangle) {
	result, err := g.detector.Evaluate(ctx, frame, candidates)
	if err != nil {
		g.log.Error("gate evaluation failed", "error", err, "frame", frameIndex)
		g.transitionAbsent(frameIndex)
		g.advanceCompleted(frameIndex)
		g.pushStream(frame, nil, false)
		return
	}

	if len(result.Rects) == 0 {
		g.transitionAbsent(frameIndex)
		g.advanceCompleted(frameIndex)
		g.pushStream(frame, nil, false)
		return
	}

	if g.dd != nil && g.dd.Suppress(frameIndex, frame, result.Rects[0]) {
		g.transitionAbsent(frameIndex)
		g.advanceCompleted(frameIndex)
		g.pushStream(frame, nil, false)
		return
	}

	g.finishPositive(frame, frameIndex, result)
	g.advanceCompleted(frameIndex)
	g.pushStream(frame, result.Rects, true)
}

// pushStream forwards the completed frame to the re-streamer, if
// enabled.
func (g *Gate) pushStream(frame *media.Frame, rects []media.Rectangle, positive bool) {
	if g.stream == nil {
		return
	}
	g.stream.Push(frame, rects, positive)
}

func (g *Gate) finishPositive(frame *media.Frame, frameIndex uint64, result media.DetectionResult) {
	if g.session.State == Absent {
		g.session = TrackSession{ID: g.nextDolID, UUID: uuid.New(), State: Present}
		g.log.Info("track session started", "dol_id", g.session.ID, "session", g.session.UUID, "frame", frameIndex)
	}

	g.emitter.Enqueue(media.Message{
		VideoStream: g.streamName(),
		Channel:     g.cfg.Index,
		Timestamp:   frameIndex,
		Rects:       result.Rects,
		DolID:       g.session.ID,
		Type:        media.MsgDetect,
	})
	g.recorder.Trigger(frameIndex, result.Rects)
	if g.cfg.Render {
		annotated := frame.Clone()
		overlay.Draw(annotated, result.Rects, "")
		g.render.Put(frameIndex, annotated, result.Rects)
	}
}

// transitionAbsent emits the detect_empty message and resets the
// TrackSession when it is currently Present; a no-op otherwise. Shared
// by the normal negative-frame path and the graceful-shutdown path
// (Close), per the decision recorded in DESIGN.md to always emit
// detect_empty before a session is abandoned.
func (g *Gate) transitionAbsent(frameIndex uint64) {
	if g.session.State != Present {
		return
	}
	g.emitter.Enqueue(media.Message{
		VideoStream: g.streamName(),
		Channel:     g.cfg.Index,
		Timestamp:   frameIndex,
		DolID:       g.session.ID,
		Type:        media.MsgDetectEmpty,
	})
	g.log.Info("track session ended", "dol_id", g.session.ID, "session", g.session.UUID, "frame", frameIndex)
	g.nextDolID = g.session.ID + 1
	g.session = TrackSession{State: Absent}
}

// Close forces any still-Present TrackSession to Absent, emitting its
// closing detect_empty message. Decision: yes, emit at shutdown (see
// DESIGN.md Open Question 1).
func (g *Gate) Close() {
	g.transitionAbsent(g.lastCompleted)
}

func (g *Gate) advanceCompleted(frameIndex uint64) {
	if frameIndex > g.lastCompleted {
		g.lastCompleted = frameIndex
	}
	g.recorder.Notify(frameIndex)
}

func (g *Gate) lookupFrame(frameIndex uint64) *media.Frame {
	for i := 0; i < frameLookupRetries; i++ {
		if f, ok := g.cache.Get(frameIndex); ok {
			return f
		}
		time.Sleep(frameLookupInterval)
	}
	return nil
}

func (g *Gate) streamName() string {
	return fmt.Sprintf("channel-%d", g.cfg.Index)
}
