// Package ingest defines the narrow interface a Controller uses to
// consume decoded frames. The RTSP/HTTP/file ingest process that
// produces these frames is an external collaborator (spec.md §1); this
// package only names the rendezvous point, the same way
// zsiec-prism/internal/ingest.Registry hands a raw io.Reader to the
// pipeline without knowing how the bytes were produced.
package ingest

import "github.com/oceaneye/sentinel/media"

// Frames is a per-channel source of decoded frames. There is no
// back-signalling from the Controller to the ingester (spec §6): the
// Controller only ever reads from C.
type Frames interface {
	// C returns the channel of decoded frames for this channel. The
	// channel is closed when the ingest source terminates.
	C() <-chan media.Frame
}

// StaticFrames is a Frames implementation backed by a pre-built
// channel, useful for wiring a concrete ingest process or a test
// fixture without a bespoke adapter type.
type StaticFrames struct {
	ch <-chan media.Frame
}

// NewStaticFrames wraps an existing channel as a Frames source.
func NewStaticFrames(ch <-chan media.Frame) StaticFrames {
	return StaticFrames{ch: ch}
}

// C implements Frames.
func (s StaticFrames) C() <-chan media.Frame {
	return s.ch
}
