// Package tiling implements the Tile Dispatcher (spec §4.1): it reads
// frames from the ingest queue, assigns monotonically increasing
// indices, stores them in the Frame Cache, and on sample boundaries
// splits each frame into an R×C grid of tiles for the Motion Workers.
//
// The read loop's idle-timeout and context-cancellation handling is
// grounded on zsiec-prism/internal/mpegts/demuxer.go's NextData, which
// interleaves io.ReadFull with a ctx.Err() check inside its own pull
// loop; here the analogous check happens in a select alongside a
// time.After idle timer, since the producer side is a channel rather
// than an io.Reader.
package tiling

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
	"golang.org/x/image/draw"
)

// Dispatcher reads ingested frames, maintains the Frame Cache, and
// fans out tiles to one channel per (row, col) Motion Worker.
type Dispatcher struct {
	cfg   config.Config
	log   *slog.Logger
	cache *framecache.Cache

	// tileOut[row*cfg.RoutineCol+col] is the bounded input channel for
	// the Motion Worker at (row, col). Unused when cfg.DetectMode is
	// ModeSSD.
	tileOut []chan media.Tile

	// frameOut receives the preprocessed full frame directly when
	// cfg.DetectMode is ModeSSD, which "skip[s] tiling entirely" per
	// spec §4.3's alternate gate mode. Unused in ModeClassify.
	frameOut chan<- *media.Frame

	frameCnt     uint64 // frames received; also the Dispatcher-assigned Frame Cache index
	processedCnt uint64 // post-warm-up loop counter, gates the sample_rate modulus only

	dropped atomic.Int64
}

// New creates a Dispatcher writing into cache. In ModeClassify, tiles
// fan out to tileOut, which must have exactly cfg.TileCount() entries
// ordered row-major ((0,0),(0,1),...,(0,C-1),(1,0),...); frameOut is
// ignored. In ModeSSD, each preprocessed frame is sent to frameOut
// directly and tileOut is ignored.
func New(cfg config.Config, cache *framecache.Cache, tileOut []chan media.Tile, frameOut chan<- *media.Frame, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log.With("component", "dispatcher", "channel", cfg.Index),
		cache:    cache,
		tileOut:  tileOut,
		frameOut: frameOut,
	}
}

// Dropped returns the number of tile-sets dropped due to a full
// downstream worker beyond the configured deadline, plus, in ModeSSD,
// the number of frames dropped because frameOut had no room.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run consumes frames from in until it closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan media.Frame) error {
	idle := time.Duration(d.cfg.IdleTimeoutMS) * time.Millisecond
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)

		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping, context cancelled")
			return nil

		case <-timer.C:
			d.log.Debug("ingest queue idle", "timeout", idle)
			continue

		case frame, ok := <-in:
			if !ok {
				d.log.Info("ingest channel closed")
				return nil
			}
			d.handleFrame(frame)
		}
	}
}

func (d *Dispatcher) handleFrame(frame media.Frame) {
	d.frameCnt++
	f := frame
	f.Index = d.frameCnt // the Dispatcher owns Frame Cache indices, not the ingest source
	d.cache.Put(&f)

	if d.frameCnt <= d.cfg.PreCache {
		return // warm-up: not yet dispatching
	}

	d.processedCnt++
	if d.processedCnt%uint64(d.cfg.SampleRate) != 0 {
		return
	}

	cached, ok := d.cache.Get(d.frameCnt)
	if !ok {
		d.log.Warn("cursor frame missing from cache, skipping dispatch", "index", d.frameCnt)
		return
	}

	prepared := d.preprocess(cached)

	if d.cfg.DetectMode == config.ModeSSD {
		select {
		case d.frameOut <- prepared:
		default:
			d.dropped.Add(1)
			d.log.Warn("dropped frame for SSD gate: downstream saturated", "index", prepared.Index)
		}
		return
	}

	tiles := d.splitTiles(prepared)

	deadline := time.Duration(d.cfg.TileSendTimeoutMS) * time.Millisecond
	if !d.trySendAll(tiles, deadline) {
		d.dropped.Add(1)
		d.log.Warn("dropped tile-set: downstream worker saturated", "index", prepared.Index)
	}
}

// preprocess resizes the frame to cfg.Shape using a bilinear scale. A
// no-op when the frame already matches the target shape.
func (d *Dispatcher) preprocess(f *media.Frame) *media.Frame {
	if f.Width == d.cfg.Shape.Width && f.Height == d.cfg.Shape.Height {
		return f
	}

	src := &rgbImage{pix: f.Pix, w: f.Width, h: f.Height}
	dstPix := make([]byte, d.cfg.Shape.Width*d.cfg.Shape.Height*3)
	dst := &rgbImage{pix: dstPix, w: d.cfg.Shape.Width, h: d.cfg.Shape.Height}

	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	return &media.Frame{
		Index:    f.Index,
		Captured: f.Captured,
		Width:    d.cfg.Shape.Width,
		Height:   d.cfg.Shape.Height,
		Pix:      dstPix,
	}
}

// splitTiles divides frame into cfg.RoutineRow * cfg.RoutineCol equal
// tiles, returned in (row, col) order.
func (d *Dispatcher) splitTiles(frame *media.Frame) []media.Tile {
	rows, cols := d.cfg.RoutineRow, d.cfg.RoutineCol
	tileW := frame.Width / cols
	tileH := frame.Height / rows

	tiles := make([]media.Tile, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			tiles = append(tiles, media.Tile{
				FrameIndex: frame.Index,
				Row:        row,
				Col:        col,
				Rect: media.Rectangle{
					X: col * tileW,
					Y: row * tileH,
					W: tileW,
					H: tileH,
				},
				Frame:      frame,
				FullWidth:  frame.Width,
				FullHeight: frame.Height,
			})
		}
	}
	return tiles
}

// trySendAll sends every tile to its worker channel, all-or-none,
// within deadline. Because the Dispatcher is the sole producer on each
// tileOut channel, a non-blocking capacity check followed immediately
// by a send cannot race with another writer shrinking that capacity,
// so polling "does every channel have room" and then committing is a
// correct emulation of a transactional multi-channel send.
func (d *Dispatcher) trySendAll(tiles []media.Tile, deadline time.Duration) bool {
	poll := time.NewTicker(2 * time.Millisecond)
	defer poll.Stop()
	give := time.NewTimer(deadline)
	defer give.Stop()

	for {
		if d.allHaveRoom() {
			for _, t := range tiles {
				d.tileOut[d.workerIndex(t.Row, t.Col)] <- t
			}
			return true
		}
		select {
		case <-give.C:
			return false
		case <-poll.C:
		}
	}
}

func (d *Dispatcher) allHaveRoom() bool {
	for _, ch := range d.tileOut {
		if len(ch) == cap(ch) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) workerIndex(row, col int) int {
	return row*d.cfg.RoutineCol + col
}

// rgbImage is a minimal image.Image/draw.Image adapter over packed BGR24
// byte buffers, letting preprocess call draw.ApproxBiLinear.Scale
// directly on the frame's native byte layout instead of round-tripping
// through image.NRGBA.
type rgbImage struct {
	pix  []byte
	w, h int
}

func (r *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (r *rgbImage) Bounds() image.Rectangle { return image.Rect(0, 0, r.w, r.h) }

func (r *rgbImage) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= r.w || y >= r.h {
		return color.RGBA{}
	}
	i := (y*r.w + x) * 3
	return color.RGBA{R: r.pix[i], G: r.pix[i+1], B: r.pix[i+2], A: 255}
}

func (r *rgbImage) Set(x, y int, c color.Color) {
	if x < 0 || y < 0 || x >= r.w || y >= r.h {
		return
	}
	rr, gg, bb, _ := c.RGBA()
	i := (y*r.w + x) * 3
	r.pix[i] = byte(rr >> 8)
	r.pix[i+1] = byte(gg >> 8)
	r.pix[i+2] = byte(bb >> 8)
}
