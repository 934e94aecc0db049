// Package restream implements the Annotated Re-streamer (spec §4.6):
// it continuously encodes the original frame plus a temporary overlay
// of the most recent detection's rectangles to an outbound RTMP/RTSP
// sink, holding the overlay for a configured number of frames after
// the triggering detection.
package restream

import (
	"context"
	"log/slog"
	"time"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
	"github.com/oceaneye/sentinel/overlay"
)

// warmupGrace is how long the encoder waits after writing its
// zero-frame warm-up, taken directly from the Python push_stream's
// write_frame(zeros); time.sleep(6) sequence (spec §4.6). A var, not a
// const, so tests can shrink it instead of sleeping for real.
var warmupGrace = 6 * time.Second

// Item is one (frame, optional detection) pair read from the bounded
// re-streamer queue (spec §5: buffer 1000).
type Item struct {
	Frame    *media.Frame
	Rects    []media.Rectangle
	Positive bool
}

// Streamer owns hold_counter/active_overlay state and the outbound
// encoder connection.
type Streamer struct {
	cfg        config.Config
	log        *slog.Logger
	newEncoder func() (Encoder, error)

	encoder       Encoder
	activeOverlay []media.Rectangle
	holdCounter   int
}

// New creates a Streamer targeting cfg.PushTo.
func New(cfg config.Config, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	s := &Streamer{
		cfg: cfg,
		log: log.With("component", "restream", "channel", cfg.Index),
	}
	s.newEncoder = func() (Encoder, error) {
		return newFFmpegEncoder(cfg.PushTo, cfg.Shape.Width, cfg.Shape.Height)
	}
	s.holdCounter = cfg.HoldFrames
	return s
}

// Run opens the encoder and processes items from in until it closes or
// ctx is cancelled, draining the queue before closing the encoder on
// shutdown (spec §4.8).
func (s *Streamer) Run(ctx context.Context, in <-chan Item) error {
	if err := s.open(); err != nil {
		return err
	}
	defer func() {
		if s.encoder != nil {
			_ = s.encoder.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.drain(in)
			return nil
		case item, ok := <-in:
			if !ok {
				return nil
			}
			s.process(item)
		}
	}
}

func (s *Streamer) drain(in <-chan Item) {
	for {
		select {
		case item, ok := <-in:
			if !ok {
				return
			}
			s.process(item)
		default:
			return
		}
	}
}

func (s *Streamer) open() error {
	enc, err := s.newEncoder()
	if err != nil {
		return err
	}
	s.encoder = enc

	zero := make([]byte, s.cfg.Shape.Width*s.cfg.Shape.Height*3)
	if err := s.encoder.Write(zero); err != nil {
		s.log.Warn("warm-up frame failed", "error", err)
	}
	time.Sleep(warmupGrace)
	return nil
}

func (s *Streamer) process(item Item) {
	if item.Positive {
		s.activeOverlay = item.Rects
		s.holdCounter = 0
	}

	frame := item.Frame.Clone()
	if s.holdCounter < s.cfg.HoldFrames {
		overlay.Draw(frame, s.activeOverlay, "")
		s.holdCounter++
	}
	overlay.Draw(frame, nil, time.Now().Format("2006-01-02 15:04:05"))

	if err := s.encoder.Write(frame.Pix); err != nil {
		s.log.Error("encoder write failed, restarting subprocess", "error", err)
		s.restart()
	}
}

// restart recreates the encoder after a subprocess death (spec §7
// error 6: "the component recreates the encoder and resumes at the
// next frame").
func (s *Streamer) restart() {
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if err := s.open(); err != nil {
		s.log.Error("failed to reopen encoder", "error", err)
	}
}
