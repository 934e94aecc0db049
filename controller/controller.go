// Package controller implements per-channel Lifecycle/Control (spec
// §4.8): it owns every component's goroutine for one video channel,
// wires their channels together, and drives coordinated startup and
// shutdown.
//
// Grounded on cmd/prism/main.go's top-level supervision: one
// golang.org/x/sync/errgroup per channel, one g.Go per worker, a
// shared context.Context cancellation on shutdown. Unlike the
// teacher's single process-wide errgroup, here the errgroup is scoped
// to one Controller so a caller can run many channels side by side,
// each with its own workspace and failure domain.
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/oceaneye/sentinel/classify"
	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/dedup"
	"github.com/oceaneye/sentinel/emit"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/ingest"
	"github.com/oceaneye/sentinel/media"
	"github.com/oceaneye/sentinel/motion"
	"github.com/oceaneye/sentinel/recorder"
	"github.com/oceaneye/sentinel/reconstruct"
	"github.com/oceaneye/sentinel/restream"
	"github.com/oceaneye/sentinel/tiling"
	"github.com/oceaneye/sentinel/workspace"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Run waits, after ctx is cancelled, for
// the Recorder to finish an in-flight clip before the group's derived
// context is allowed to tear down every remaining worker (spec §4.8:
// "All components must terminate within a bounded grace period; after
// that, termination is forced").
const shutdownGrace = 30 * time.Second

// Controller owns every per-channel component and their wiring.
type Controller struct {
	cfg config.Config
	log *slog.Logger

	frames   ingest.Frames
	cache    *framecache.Cache
	render   *framecache.RenderCache
	dispatch *tiling.Dispatcher
	workers  []*motion.Worker
	gate     *reconstruct.Gate
	region   *motion.RegionDetector
	dd       *dedup.Deduplicator
	rec      *recorder.Recorder
	stream   *restream.Streamer
	emitter  *emit.Emitter

	tileOut    []chan media.Tile
	tileResult chan media.TileResult
	frameOut   chan *media.Frame
	streamIn   chan restream.Item
	streamPush *streamPusher
}

// New wires every component for one channel. classifier and ssd may
// both be non-nil; only the one matching cfg.DetectMode is used.
// transport is the Event Emitter's external sink.
func New(cfg config.Config, frames ingest.Frames, classifier classify.Classifier, ssd classify.SSD, transport emit.Transport, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "controller", "channel", cfg.Index)

	cache := framecache.New(cfg.MaxCache, log)
	render := framecache.NewRenderCache()

	var gateImpl classify.Gate
	var workers []*motion.Worker
	var tileOut []chan media.Tile
	var tileResult chan media.TileResult
	var frameOut chan *media.Frame

	switch cfg.DetectMode {
	case config.ModeSSD:
		gateImpl = classify.NewFullFrameGate(cfg, ssd, log)
		frameOut = make(chan *media.Frame, media.TileInputBufferSize)
	default:
		gateImpl = classify.NewTileGate(cfg, classifier, log)
		tileResult = make(chan media.TileResult, media.TileInputBufferSize*cfg.TileCount())
		tileOut = make([]chan media.Tile, cfg.TileCount())
		for row := 0; row < cfg.RoutineRow; row++ {
			for col := 0; col < cfg.RoutineCol; col++ {
				in := make(chan media.Tile, media.TileInputBufferSize)
				tileOut[row*cfg.RoutineCol+col] = in
				workers = append(workers, motion.New(cfg, row, col, in, tileResult, log))
			}
		}
	}

	var dd *dedup.Deduplicator
	var region *motion.RegionDetector
	if cfg.DetectInternal > 0 {
		region = motion.NewRegionDetector(cfg)
		dd = dedup.New(cfg, cache, region, log)
	}

	rec := recorder.New(cfg, cache, render, log)

	var streamer *restream.Streamer
	var streamIn chan restream.Item
	if cfg.PushStream {
		streamer = restream.New(cfg, log)
		streamIn = make(chan restream.Item, media.RestreamBufferSize)
	}

	emitter := emit.New(cfg, transport, log)

	var streamSink reconstruct.StreamSink
	var streamPush *streamPusher
	if streamIn != nil {
		streamPush = &streamPusher{ch: streamIn, ctx: context.Background(), log: log}
		streamSink = streamPush
	}

	gate := reconstruct.New(cfg, cache, render, gateImpl, dd, emitter, rec, streamSink, log)

	dispatch := tiling.New(cfg, cache, tileOut, frameOut, log)

	return &Controller{
		cfg:        cfg,
		log:        log,
		frames:     frames,
		cache:      cache,
		render:     render,
		dispatch:   dispatch,
		workers:    workers,
		gate:       gate,
		region:     region,
		dd:         dd,
		rec:        rec,
		stream:     streamer,
		emitter:    emitter,
		tileOut:    tileOut,
		tileResult: tileResult,
		frameOut:   frameOut,
		streamIn:   streamIn,
		streamPush: streamPush,
	}
}

// Run lays out the channel's workspace, starts every component, and
// blocks until ctx is cancelled and every worker has wound down (or
// the shutdown grace period elapses, whichever comes first).
func (c *Controller) Run(ctx context.Context) error {
	if err := workspace.Layout(c.cfg.WorkspaceRoot); err != nil {
		return err
	}

	// Workers run against hardCtx, not ctx directly, so that a caller
	// cancellation does not immediately sever the Recorder's feed of
	// Notify calls: the watcher goroutine below only hard-cancels once
	// the Recorder has finished any active clip (spec §4.8, §8 S6).
	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()

	g, gctx := errgroup.WithContext(hardCtx)

	if c.streamPush != nil {
		c.streamPush.ctx = gctx
	}

	g.Go(func() error { return c.dispatch.Run(gctx, c.frames.C()) })

	for _, w := range c.workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}

	if c.tileResult != nil {
		g.Go(func() error { return c.runTileJoin(gctx) })
	}
	if c.frameOut != nil {
		g.Go(func() error { return c.runFrameGate(gctx) })
	}

	if c.stream != nil {
		g.Go(func() error { return c.stream.Run(gctx, c.streamIn) })
	}

	g.Go(func() error { return c.emitter.Run(gctx) })

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-gctx.Done():
			return nil // a worker failed; no grace to honour
		}
		c.awaitRecorderGrace()
		hardCancel()
		return nil
	})

	err := g.Wait()
	c.closeWorkers()
	c.gate.Close()
	return err
}

// runTileJoin is the single goroutine permitted to call
// gate.ProcessTileResult, preserving the Reconstructor's
// single-threaded invariant (spec §9) in ModeClassify.
func (c *Controller) runTileJoin(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result, ok := <-c.tileResult:
			if !ok {
				return nil
			}
			c.gate.ProcessTileResult(ctx, result)
		}
	}
}

// runFrameGate is the single goroutine permitted to call
// gate.ProcessFrame, the ModeSSD analogue of runTileJoin.
func (c *Controller) runFrameGate(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-c.frameOut:
			if !ok {
				return nil
			}
			c.gate.ProcessFrame(ctx, frame)
		}
	}
}

// awaitRecorderGrace blocks, after shutdown begins, until the Recorder
// finishes any in-flight clip (spec §8 S6) or shutdownGrace elapses.
func (c *Controller) awaitRecorderGrace() {
	deadline := time.Now().Add(shutdownGrace)
	for c.rec.Active() {
		if time.Now().After(deadline) {
			c.log.Warn("shutdown grace period elapsed with an active recording, forcing termination")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *Controller) closeWorkers() {
	for _, w := range c.workers {
		if err := w.Close(); err != nil {
			c.log.Error("motion worker close failed", "error", err)
		}
	}
	if c.region != nil {
		if err := c.region.Close(); err != nil {
			c.log.Error("region detector close failed", "error", err)
		}
	}
}

// streamPusher adapts a bounded restream.Item channel to the
// reconstruct.StreamSink interface. Push blocks when the re-streamer
// queue is full, carrying backpressure back to the single-threaded
// Reconstructor (the Dispatcher is the only component permitted to
// drop on timeout); it only ever gives up early if ctx is cancelled,
// so shutdown cannot hang waiting on a re-streamer that has already
// stopped draining the channel.
type streamPusher struct {
	ch  chan restream.Item
	ctx context.Context
	log *slog.Logger
}

func (p *streamPusher) Push(frame *media.Frame, rects []media.Rectangle, positive bool) {
	select {
	case p.ch <- restream.Item{Frame: frame, Rects: rects, Positive: positive}:
	case <-p.ctx.Done():
		p.log.Debug("restream push cancelled by shutdown", "frame", frame.Index)
	}
}
