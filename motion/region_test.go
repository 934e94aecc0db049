package motion

import (
	"testing"

	"github.com/oceaneye/sentinel/media"
)

func TestExpandRectClampsToFrameBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		rect        media.Rectangle
		pad         int
		maxW, maxH  int
	}{
		{name: "interior stays padded", rect: media.Rectangle{X: 50, Y: 50, W: 10, H: 10}, pad: 5, maxW: 200, maxH: 200},
		{name: "clamped at top-left", rect: media.Rectangle{X: 2, Y: 2, W: 10, H: 10}, pad: 20, maxW: 200, maxH: 200},
		{name: "clamped at bottom-right", rect: media.Rectangle{X: 180, Y: 180, W: 10, H: 10}, pad: 20, maxW: 200, maxH: 200},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := expandRect(tc.rect, tc.pad, tc.maxW, tc.maxH)
			if got.X < 0 || got.Y < 0 || got.X+got.W > tc.maxW || got.Y+got.H > tc.maxH {
				t.Errorf("expandRect(%+v, pad=%d) = %+v, escapes %dx%d bounds", tc.rect, tc.pad, got, tc.maxW, tc.maxH)
			}
		})
	}
}

func TestExpandRectGrowsSymmetricallyInInterior(t *testing.T) {
	t.Parallel()

	got := expandRect(media.Rectangle{X: 50, Y: 50, W: 10, H: 10}, 5, 200, 200)
	want := media.Rectangle{X: 45, Y: 45, W: 20, H: 20}
	if got != want {
		t.Errorf("expandRect interior = %+v, want %+v", got, want)
	}
}

func TestRegionDetectorDetectDoesNotPanicOnSmallFrame(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	rd := NewRegionDetector(cfg)
	defer rd.Close()

	frame := &media.Frame{Index: 1, Width: 32, Height: 32, Pix: solidPix(32, 32, 20, 20, 20)}
	rects, err := rd.Detect(frame, media.Rectangle{X: 10, Y: 10, W: 4, H: 4})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	for _, r := range rects {
		if r.X < 0 || r.Y < 0 || r.X+r.W > frame.Width || r.Y+r.H > frame.Height {
			t.Errorf("candidate %+v escapes frame bounds %dx%d", r, frame.Width, frame.Height)
		}
	}
}
