package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/oceaneye/sentinel/media"
)

func TestBoxWriterSaveFrameAndFlush(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "frames"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "crops"), 0o755); err != nil {
		t.Fatal(err)
	}

	bw := NewBoxWriter(root)
	frame := &media.Frame{Index: 7, Width: 4, Height: 4, Pix: make([]byte, 4*4*3)}
	rects := []media.Rectangle{{X: 0, Y: 0, W: 2, H: 2}}

	if err := bw.SaveFrame(7, frame, rects); err != nil {
		t.Fatalf("SaveFrame: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "frames", "frame_0000000007.jpg")); err != nil {
		t.Fatalf("expected frame JPEG written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "crops", "frame_0000000007_crop_00.jpg")); err != nil {
		t.Fatalf("expected crop JPEG written: %v", err)
	}

	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "bbox.json"))
	if err != nil {
		t.Fatalf("bbox.json not written: %v", err)
	}
	var entries map[string][]media.Rectangle
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("bbox.json unmarshal: %v", err)
	}
	if len(entries["frame_0000000007.jpg"]) != 1 {
		t.Fatalf("bbox.json entries = %+v, want one rect for frame 7", entries)
	}
}

func TestClampRectWithinFrameBounds(t *testing.T) {
	t.Parallel()

	x, y, w, h := clampRect(media.Rectangle{X: -3, Y: -3, W: 40, H: 40}, 10, 10)
	if x < 0 || y < 0 || x+w > 10 || y+h > 10 {
		t.Errorf("clampRect(-3,-3,40,40 within 10x10) = (%d,%d,%d,%d), escapes bounds", x, y, w, h)
	}
}
