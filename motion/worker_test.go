package motion

import (
	"context"
	"testing"
	"time"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/media"
	"gocv.io/x/gocv"
)

func testConfig() config.Config {
	return config.Config{
		Index:             1,
		AdaptiveBlockSize: 11,
		MorphKernelSize:   3,
		MinComponentArea:  1,
		MaxComponentArea:  1_000_000,
		MaxColorDeviation: 255,
	}
}

func solidPix(w, h int, b, g, r byte) []byte {
	pix := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		pix[i*3], pix[i*3+1], pix[i*3+2] = b, g, r
	}
	return pix
}

func TestProcessNilFrameYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	w := New(testConfig(), 0, 0, nil, nil, nil)
	defer w.Close()

	result := w.process(media.Tile{FrameIndex: 3, Row: 0, Col: 0, Frame: nil})
	if result.FrameIndex != 3 || result.Candidates != nil {
		t.Fatalf("result = %+v, want an empty result for a nil-backed tile", result)
	}
}

func TestProcessOnUniformFrameDoesNotPanic(t *testing.T) {
	t.Parallel()

	w := New(testConfig(), 1, 2, nil, nil, nil)
	defer w.Close()

	frame := &media.Frame{Index: 9, Width: 32, Height: 32, Pix: solidPix(32, 32, 60, 60, 60)}
	tile := media.Tile{
		FrameIndex: 9,
		Row:        1,
		Col:        2,
		Rect:       media.Rectangle{X: 0, Y: 0, W: 32, H: 32},
		Frame:      frame,
		FullWidth:  32,
		FullHeight: 32,
	}

	result := w.process(tile)
	if result.FrameIndex != 9 || result.Row != 1 || result.Col != 2 {
		t.Fatalf("result coordinates = %+v, want frame 9 row 1 col 2", result)
	}
}

func TestRunEmitsOneResultPerInputTile(t *testing.T) {
	t.Parallel()

	in := make(chan media.Tile, 2)
	out := make(chan media.TileResult, 2)
	w := New(testConfig(), 0, 0, in, out, nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frame := &media.Frame{Index: 1, Width: 16, Height: 16, Pix: solidPix(16, 16, 10, 10, 10)}
	in <- media.Tile{FrameIndex: 1, Rect: media.Rectangle{X: 0, Y: 0, W: 16, H: 16}, Frame: frame, FullWidth: 16, FullHeight: 16}
	in <- media.Tile{FrameIndex: 2, Rect: media.Rectangle{X: 0, Y: 0, W: 16, H: 16}, Frame: frame, FullWidth: 16, FullHeight: 16}
	close(in)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var got []media.TileResult
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case r := <-out:
			got = append(got, r)
		case <-deadline:
			t.Fatalf("timed out waiting for results, got %d", len(got))
		}
	}
	<-done

	if got[0].FrameIndex != 1 || got[1].FrameIndex != 2 {
		t.Fatalf("results out of order: %+v", got)
	}
}

func TestMeanDeviationAveragesChannelDifferences(t *testing.T) {
	t.Parallel()

	// gocv.Scalar is (Val1, Val2, Val3, Val4); constructed directly here
	// to exercise meanDeviation without a real Mat.
	a := gocv.NewScalar(10, 20, 30, 0)
	b := gocv.NewScalar(0, 0, 0, 0)
	if got, want := meanDeviation(a, b), 20.0; got != want {
		t.Errorf("meanDeviation = %v, want %v", got, want)
	}
}

func TestAbs(t *testing.T) {
	t.Parallel()

	if abs(-5) != 5 {
		t.Errorf("abs(-5) = %v, want 5", abs(-5))
	}
	if abs(5) != 5 {
		t.Errorf("abs(5) = %v, want 5", abs(5))
	}
}
