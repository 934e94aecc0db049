package recorder

import (
	"testing"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
)

type fakeClipWriter struct {
	frames [][]byte
	closed bool
}

func (f *fakeClipWriter) WriteFrame(pix []byte) error {
	f.frames = append(f.frames, pix)
	return nil
}

func (f *fakeClipWriter) Close() error {
	f.closed = true
	return nil
}

func withFakeWriter(t *testing.T) *fakeClipWriter {
	t.Helper()
	fake := &fakeClipWriter{}
	orig := newClipWriter
	newClipWriter = func(path string, width, height int) (clipWriter, error) {
		return fake, nil
	}
	t.Cleanup(func() { newClipWriter = orig })
	return fake
}

func newTestRecorder(t *testing.T, cfg config.Config) (*Recorder, *framecache.Cache) {
	t.Helper()
	cache := framecache.New(100, nil)
	render := framecache.NewRenderCache()
	return New(cfg, cache, render, nil), cache
}

func TestTriggerArmsClipAndCoalescesOverlap(t *testing.T) {
	t.Parallel()

	fake := withFakeWriter(t)
	cfg := config.Config{Index: 1, PreFrames: 5, FutureFrames: 5, WorkspaceRoot: t.TempDir(), Shape: config.Shape{Width: 4, Height: 4}}
	rec, _ := newTestRecorder(t, cfg)

	rec.Trigger(10, nil)
	if !rec.Active() {
		t.Fatalf("Trigger should leave the recorder Active")
	}
	if rec.start != 5 || rec.end != 15 {
		t.Fatalf("start/end = %d/%d, want 5/15", rec.start, rec.end)
	}

	// A second trigger while recording extends the window instead of
	// opening a new clip.
	rec.Trigger(12, nil)
	if rec.end != 17 {
		t.Fatalf("coalesced end = %d, want 17", rec.end)
	}
	if len(fake.frames) != 0 {
		t.Fatalf("coalescing must not touch the writer")
	}
}

func TestTriggerClampsStartAtZero(t *testing.T) {
	t.Parallel()

	withFakeWriter(t)
	cfg := config.Config{Index: 1, PreFrames: 20, FutureFrames: 5, WorkspaceRoot: t.TempDir(), Shape: config.Shape{Width: 4, Height: 4}}
	rec, _ := newTestRecorder(t, cfg)

	rec.Trigger(3, nil)
	if rec.start != 0 {
		t.Fatalf("start = %d, want 0 when frameIndex < PreFrames", rec.start)
	}
}

func TestNotifyWritesFramesAndFlushesAtEnd(t *testing.T) {
	t.Parallel()

	fake := withFakeWriter(t)
	cfg := config.Config{Index: 1, PreFrames: 0, FutureFrames: 2, WorkspaceRoot: t.TempDir(), Shape: config.Shape{Width: 2, Height: 2}}
	rec, cache := newTestRecorder(t, cfg)

	for i := uint64(0); i <= 2; i++ {
		cache.Put(&media.Frame{Index: i, Width: 2, Height: 2, Pix: make([]byte, 12)})
	}

	rec.Trigger(0, nil) // start=0, end=2
	rec.Notify(0)
	rec.Notify(1)
	if rec.Active() != true {
		t.Fatalf("recorder should still be active before reaching end")
	}
	rec.Notify(2)

	if len(fake.frames) != 3 {
		t.Fatalf("expected 3 frames written (indices 0,1,2), got %d", len(fake.frames))
	}
	if !fake.closed {
		t.Fatalf("expected the clip writer to be closed once end is reached")
	}
	if rec.Active() {
		t.Fatalf("recorder should be idle again after flush")
	}
}

func TestNotifyFillsGapsFromNearestPriorRaw(t *testing.T) {
	t.Parallel()

	fake := withFakeWriter(t)
	cfg := config.Config{Index: 1, PreFrames: 0, FutureFrames: 3, WorkspaceRoot: t.TempDir(), Shape: config.Shape{Width: 2, Height: 2}}
	rec, cache := newTestRecorder(t, cfg)

	// Only frame 0 and frame 3 are ever cached; 1 and 2 must fall back
	// to the nearest prior raw frame (frame 0).
	cache.Put(&media.Frame{Index: 0, Width: 2, Height: 2, Pix: make([]byte, 12)})
	cache.Put(&media.Frame{Index: 3, Width: 2, Height: 2, Pix: make([]byte, 12)})

	rec.Trigger(0, nil) // end = 3
	rec.Notify(3)

	if len(fake.frames) != 4 {
		t.Fatalf("expected 4 frames written (0..3 inclusive), got %d", len(fake.frames))
	}
	if !fake.closed {
		t.Fatalf("expected the clip to flush once notified past end")
	}
}

func TestNotifyIgnoredWhenIdle(t *testing.T) {
	t.Parallel()

	withFakeWriter(t)
	cfg := config.Config{Index: 1, WorkspaceRoot: t.TempDir(), Shape: config.Shape{Width: 2, Height: 2}}
	rec, _ := newTestRecorder(t, cfg)

	rec.Notify(5) // no panic, no-op
	if rec.Active() {
		t.Fatalf("Notify on an idle recorder must not start recording")
	}
}
