// Package emit implements the Event Emitter (spec §4.7): it pushes
// detect/detect_empty JSON messages onto a bounded outbox and forwards
// them to an external transport. Ordering is FIFO as enqueued by the
// Reconstructor.
package emit

import (
	"context"
	"log/slog"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
)

// Transport is the external collaborator that actually delivers a
// Message (HTTP POST, message queue, websocket, ...). A narrow
// interface, matching pipeline.Broadcaster in the teacher.
type Transport interface {
	Send(ctx context.Context, msg media.Message) error
}

// Emitter owns the bounded outbox channel (spec §5: buffer 1000) and
// forwards messages to Transport in order.
type Emitter struct {
	cfg       config.Config
	transport Transport
	log       *slog.Logger
	outbox    chan media.Message
}

// New creates an Emitter targeting transport.
func New(cfg config.Config, transport Transport, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		cfg:       cfg,
		transport: transport,
		log:       log.With("component", "emitter", "channel", cfg.Index),
		outbox:    make(chan media.Message, media.EmitterOutboxSize),
	}
}

// Enqueue places msg on the outbox. Called synchronously from the
// Reconstructor; if the outbox is full the message is dropped and
// logged rather than blocking the single-threaded Reconstructor (spec
// §7: the outbox is a best-effort queue, not a durable one).
func (e *Emitter) Enqueue(msg media.Message) {
	select {
	case e.outbox <- msg:
	default:
		e.log.Warn("outbox full, dropping message", "type", msg.Type, "dol_id", msg.DolID)
	}
}

// Run drains the outbox to the transport until ctx is cancelled, then
// drains whatever remains best-effort before returning.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return nil
		case msg := <-e.outbox:
			e.send(ctx, msg)
		}
	}
}

func (e *Emitter) drain() {
	for {
		select {
		case msg := <-e.outbox:
			e.send(context.Background(), msg)
		default:
			return
		}
	}
}

func (e *Emitter) send(ctx context.Context, msg media.Message) {
	if err := e.transport.Send(ctx, msg); err != nil {
		e.log.Error("transport send failed", "error", err, "type", msg.Type, "dol_id", msg.DolID)
	}
}
