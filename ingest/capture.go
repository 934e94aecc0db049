package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oceaneye/sentinel/media"
	"gocv.io/x/gocv"
)

// VideoCapture is a Frames source backed by gocv.VideoCapture, able to
// open a file path, an RTSP/HTTP URL, or a numeric device index — the
// same three source kinds spec.md §1 names. It is a minimal, genuinely
// working default for local operation and testing; a production
// deployment's real-time ingest pipeline (reconnect/backoff, multiple
// codecs, hardware decode) remains the external collaborator spec.md
// §1 scopes out, and can be swapped in by implementing Frames itself.
type VideoCapture struct {
	source string
	out    chan media.Frame
	log    *slog.Logger
}

// NewVideoCapture opens source and starts reading frames in the
// background, assigning each one a monotonic index starting at 1.
// Reading stops, and the output channel closes, when ctx is cancelled
// or the source is exhausted.
func NewVideoCapture(ctx context.Context, source string, log *slog.Logger) (*VideoCapture, error) {
	if log == nil {
		log = slog.Default()
	}
	capture, err := gocv.OpenVideoCapture(source)
	if err != nil {
		return nil, fmt.Errorf("ingest: open video capture %q: %w", source, err)
	}

	vc := &VideoCapture{
		source: source,
		out:    make(chan media.Frame, media.IngestBufferSize),
		log:    log.With("component", "video-capture", "source", source),
	}
	go vc.run(ctx, capture)
	return vc, nil
}

// C implements Frames.
func (vc *VideoCapture) C() <-chan media.Frame {
	return vc.out
}

func (vc *VideoCapture) run(ctx context.Context, capture *gocv.VideoCapture) {
	defer close(vc.out)
	defer func() {
		if err := capture.Close(); err != nil {
			vc.log.Error("failed to close video capture", "error", err)
		}
	}()

	mat := gocv.NewMat()
	defer mat.Close()

	var index uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ok := capture.Read(&mat); !ok || mat.Empty() {
			vc.log.Info("video source exhausted")
			return
		}

		index++
		frame := media.Frame{
			Index:    index,
			Captured: time.Now(),
			Width:    mat.Cols(),
			Height:   mat.Rows(),
			Pix:      append([]byte(nil), mat.ToBytes()...),
		}

		select {
		case vc.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}
