// Package recorder implements the Event Recorder (spec §4.5): for
// each positive detection at index D, produce an MP4 clip covering
// [D-pre_frames, D+future_frames] with bounding boxes drawn on frames
// where the classifier fired.
//
// Grounded on manager.py's DetectionStreamRender usage sites
// (reset/notify), turned into typed messages sent to this type's
// methods rather than goroutines spawned per event, per SPEC_FULL.md
// §4.5's design note.
package recorder

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
	"github.com/oceaneye/sentinel/overlay"
)

type state int

const (
	idle state = iota
	recording
	flushing
)

// Recorder drives the Idle -> Arming -> Recording -> Flushing state
// machine. Trigger and Notify are called synchronously from the
// single Reconstructor goroutine; Active is polled from the
// controller's shutdown goroutine, so all three take the Recorder's
// mutex.
type Recorder struct {
	cfg    config.Config
	cache  *framecache.Cache
	render *framecache.RenderCache
	log    *slog.Logger
	box    *BoxWriter

	mu          sync.Mutex
	st          state
	start, end  uint64
	lastWritten int64 // -1 sentinel: nothing written yet this clip
	writer      clipWriter
	writerPath  string
	clipCounter uint64
}

// New creates a Recorder. If cfg.SaveBox is set, positive frames and
// crops are also persisted via a BoxWriter.
func New(cfg config.Config, cache *framecache.Cache, render *framecache.RenderCache, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	var box *BoxWriter
	if cfg.SaveBox {
		box = NewBoxWriter(cfg.WorkspaceRoot)
	}
	return &Recorder{
		cfg:         cfg,
		cache:       cache,
		render:      render,
		log:         log.With("component", "recorder", "channel", cfg.Index),
		box:         box,
		st:          idle,
		lastWritten: -1,
	}
}

// Trigger arms a new clip or, if one is already active, coalesces the
// new positive into it by extending end (spec §4.5, Open Question 2 in
// DESIGN.md: overlapping triggers always coalesce rather than opening
// a second clip).
func (r *Recorder) Trigger(frameIndex uint64, rects []media.Rectangle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newEnd := frameIndex + r.cfg.FutureFrames

	if r.st != idle {
		if newEnd > r.end {
			r.log.Debug("coalescing recorder trigger", "old_end", r.end, "new_end", newEnd)
			r.cache.Pin(r.end+1, newEnd)
			r.end = newEnd
		}
		return
	}

	start := uint64(0)
	if frameIndex > r.cfg.PreFrames {
		start = frameIndex - r.cfg.PreFrames
	}

	path := r.clipPath(start)
	w, err := newClipWriter(path, r.cfg.Shape.Width, r.cfg.Shape.Height)
	if err != nil {
		r.log.Error("failed to open clip writer", "error", err, "path", path)
		return
	}

	r.start, r.end = start, newEnd
	r.cache.Pin(r.start, r.end)
	r.writer = w
	r.writerPath = path
	r.lastWritten = -1
	r.st = recording
	r.log.Info("clip armed", "start", r.start, "end", r.end, "path", path)
}

// Active reports whether a clip is currently being recorded or
// flushed, used by the controller's shutdown grace period (spec §8
// S6: an active clip finishes before the channel terminates).
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st != idle
}

// Notify reports that the Reconstructor has completed frame_index
// (positive or negative). While Recording, it writes every not-yet-
// written index up to min(frameIndex, end) in strictly increasing
// order, filling gaps from the nearest prior cached raw frame, and
// flushes the clip once end is reached (spec §4.5 ordering guarantee).
func (r *Recorder) Notify(frameIndex uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.st != recording {
		return
	}

	target := frameIndex
	if target > r.end {
		target = r.end
	}

	for uint64(r.lastWritten+1) <= target {
		next := uint64(r.lastWritten + 1)
		if next < r.start {
			next = r.start
		}
		r.writeIndex(next)
		r.lastWritten = int64(next)
		if next >= r.end {
			break
		}
	}

	if r.lastWritten >= 0 && uint64(r.lastWritten) >= r.end {
		r.flush()
	}
}

func (r *Recorder) writeIndex(index uint64) {
	var frame *media.Frame
	var rects []media.Rectangle

	if f, ok := r.render.Get(index); ok {
		frame, rects = f, r.render.Rects(index)
	} else if f, ok := r.cache.Get(index); ok {
		frame = f
	} else if f, ok := r.cache.NearestPriorRaw(index); ok {
		frame = f
	} else {
		r.log.Warn("no frame available for clip index, skipping", "index", index)
		return
	}

	annotated := frame.Clone()
	if len(rects) > 0 {
		overlay.Draw(annotated, rects, "")
	}

	if err := r.writer.WriteFrame(annotated.Pix); err != nil {
		r.log.Error("write frame to ffmpeg failed", "error", err, "index", index)
	}

	if r.box != nil && len(rects) > 0 {
		if err := r.box.SaveFrame(index, annotated, rects); err != nil {
			r.log.Error("save bbox sidecar failed", "error", err, "index", index)
		}
	}
}

func (r *Recorder) flush() {
	r.st = flushing

	if err := r.writer.Close(); err != nil {
		r.log.Error("ffmpeg clip close failed", "error", err, "path", r.writerPath)
	} else {
		r.log.Info("clip flushed", "start", r.start, "end", r.end, "path", r.writerPath)
	}

	r.cache.Unpin(r.start, r.end)
	r.render.DeleteRange(r.start, r.end)

	if r.box != nil {
		if err := r.box.Flush(); err != nil {
			r.log.Error("bbox.json flush failed", "error", err)
		}
	}

	r.writer = nil
	r.lastWritten = -1
	r.st = idle
}

// clipPath names the output file after its start frame index (the
// per-channel "timestamp" used throughout this pipeline) and a
// monotonic per-recorder counter, per spec §6's "clip file names
// encode start timestamp and a monotonic counter."
func (r *Recorder) clipPath(start uint64) string {
	r.clipCounter++
	name := fmt.Sprintf("clip_%010d_%06d.mp4", start, r.clipCounter)
	return filepath.Join(r.cfg.WorkspaceRoot, "blocks", name)
}
