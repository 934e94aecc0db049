// BoxWriter persists positive frames, per-detection crops, and a
// bbox.json sidecar mapping saved frame filenames to their rectangle
// lists, when cfg.SaveBox is set. Grounded on the Python original's
// save_bbox/label_crop helpers (SPEC_FULL.md §3 [SUPPLEMENT]: the
// distilled spec names the workspace layout but drops this sidecar
// format, which is restored here as ambient persistence rather than a
// new pipeline stage).
package recorder

import (
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"

	"github.com/oceaneye/sentinel/media"
)

// BoxWriter accumulates frame->rectangles entries and flushes them to
// bbox.json when the owning clip completes.
type BoxWriter struct {
	root string

	mu      sync.Mutex
	entries map[string][]media.Rectangle
}

// NewBoxWriter creates a BoxWriter rooted at workspaceRoot, which must
// already contain frames/ and crops/ subdirectories (created by
// controller.Controller at startup).
func NewBoxWriter(workspaceRoot string) *BoxWriter {
	return &BoxWriter{root: workspaceRoot, entries: make(map[string][]media.Rectangle)}
}

// SaveFrame writes frame and each detection crop as JPEGs and records
// the rectangle list for the bbox.json sidecar.
func (b *BoxWriter) SaveFrame(frameIndex uint64, frame *media.Frame, rects []media.Rectangle) error {
	name := fmt.Sprintf("frame_%010d.jpg", frameIndex)
	if err := writeJPEG(filepath.Join(b.root, "frames", name), frame); err != nil {
		return fmt.Errorf("boxwriter: save frame: %w", err)
	}

	for i, r := range rects {
		crop := cropBytes(frame, r)
		cropName := fmt.Sprintf("frame_%010d_crop_%02d.jpg", frameIndex, i)
		if err := writeJPEG(filepath.Join(b.root, "crops", cropName), crop); err != nil {
			return fmt.Errorf("boxwriter: save crop: %w", err)
		}
	}

	b.mu.Lock()
	b.entries[name] = rects
	b.mu.Unlock()
	return nil
}

// Flush writes the accumulated frame->rectangles map to bbox.json.
func (b *BoxWriter) Flush() error {
	b.mu.Lock()
	data, err := json.MarshalIndent(b.entries, "", "  ")
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("boxwriter: marshal bbox.json: %w", err)
	}
	return os.WriteFile(filepath.Join(b.root, "bbox.json"), data, 0o644)
}

func writeJPEG(path string, frame *media.Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, toImage(frame), &jpeg.Options{Quality: 90})
}

func toImage(frame *media.Frame) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			i := (y*frame.Width + x) * 3
			o := img.PixOffset(x, y)
			img.Pix[o] = frame.Pix[i+2]
			img.Pix[o+1] = frame.Pix[i+1]
			img.Pix[o+2] = frame.Pix[i]
			img.Pix[o+3] = 255
		}
	}
	return img
}

func cropBytes(frame *media.Frame, rect media.Rectangle) *media.Frame {
	x, y, w, h := clampRect(rect, frame.Width, frame.Height)
	out := make([]byte, w*h*3)
	for row := 0; row < h; row++ {
		srcStart := ((y+row)*frame.Width + x) * 3
		dstStart := row * w * 3
		copy(out[dstStart:dstStart+w*3], frame.Pix[srcStart:srcStart+w*3])
	}
	return &media.Frame{Index: frame.Index, Captured: frame.Captured, Width: w, Height: h, Pix: out}
}

func clampRect(r media.Rectangle, maxW, maxH int) (x, y, w, h int) {
	x = clampInt(r.X, 0, maxW-1)
	y = clampInt(r.Y, 0, maxH-1)
	w = r.W
	if x+w > maxW {
		w = maxW - x
	}
	h = r.H
	if y+h > maxH {
		h = maxH - y
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
