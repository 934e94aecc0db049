package reconstruct

import (
	"context"
	"testing"
	"time"

	"github.com/oceaneye/sentinel/config"
	"github.com/oceaneye/sentinel/framecache"
	"github.com/oceaneye/sentinel/media"
)

func init() {
	frameLookupInterval = time.Millisecond
}

type stubGate struct {
	result media.DetectionResult
	err    error
}

func (s stubGate) Evaluate(ctx context.Context, frame *media.Frame, candidates []media.Rectangle) (media.DetectionResult, error) {
	return s.result, s.err
}

type fakeEmitter struct {
	msgs []media.Message
}

func (f *fakeEmitter) Enqueue(msg media.Message) {
	f.msgs = append(f.msgs, msg)
}

type fakeRecorder struct {
	triggers []uint64
	notifies []uint64
}

func (f *fakeRecorder) Trigger(frameIndex uint64, rects []media.Rectangle) {
	f.triggers = append(f.triggers, frameIndex)
}

func (f *fakeRecorder) Notify(frameIndex uint64) {
	f.notifies = append(f.notifies, frameIndex)
}

type fakeStream struct {
	pushes int
}

func (f *fakeStream) Push(frame *media.Frame, rects []media.Rectangle, positive bool) {
	f.pushes++
}

func newGate(t *testing.T, cfg config.Config, detector stubGate, emitter *fakeEmitter, recorder *fakeRecorder, stream *fakeStream) (*Gate, *framecache.Cache) {
	t.Helper()
	cache := framecache.New(100, nil)
	var streamSink StreamSink
	if stream != nil {
		streamSink = stream
	}
	g := New(cfg, cache, framecache.NewRenderCache(), detector, nil, emitter, recorder, streamSink, nil)
	return g, cache
}

func TestProcessTileResultJoinsAllTiles(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 1, RoutineRow: 1, RoutineCol: 2, MaxRectsPerFrame: 3}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	detector := stubGate{result: media.DetectionResult{Rects: []media.Rectangle{{X: 1, Y: 1, W: 2, H: 2}}, Positive: true}}
	g, cache := newGate(t, cfg, detector, emitter, recorder, nil)
	cache.Put(&media.Frame{Index: 1, Width: 10, Height: 10})

	g.ProcessTileResult(context.Background(), media.TileResult{FrameIndex: 1, Row: 0, Col: 0})
	if g.LastCompleted() != 0 {
		t.Fatalf("frame should not finalize before every tile arrives")
	}
	g.ProcessTileResult(context.Background(), media.TileResult{FrameIndex: 1, Row: 0, Col: 1})

	if g.LastCompleted() != 1 {
		t.Fatalf("LastCompleted() = %d, want 1 once all tiles joined", g.LastCompleted())
	}
	if len(emitter.msgs) != 1 || emitter.msgs[0].Type != media.MsgDetect {
		t.Fatalf("expected one positive detect message, got %+v", emitter.msgs)
	}
	if len(recorder.triggers) != 1 {
		t.Fatalf("expected recorder.Trigger to be called once, got %v", recorder.triggers)
	}
}

func TestProcessTileResultRejectsNoiseFrame(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 1, RoutineRow: 1, RoutineCol: 1, MaxRectsPerFrame: 2}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	detector := stubGate{result: media.DetectionResult{Positive: true}}
	g, cache := newGate(t, cfg, detector, emitter, recorder, nil)
	cache.Put(&media.Frame{Index: 1, Width: 10, Height: 10})

	// Two candidates from a single tile meets MaxRectsPerFrame=2, so the
	// whole frame is discarded as noise before the detector ever runs.
	g.ProcessTileResult(context.Background(), media.TileResult{
		FrameIndex: 1,
		Candidates: []media.Rectangle{{X: 0, Y: 0, W: 1, H: 1}, {X: 2, Y: 2, W: 1, H: 1}},
	})

	if len(emitter.msgs) != 0 {
		t.Fatalf("a noise frame must never reach the detector: got %+v", emitter.msgs)
	}
	if g.LastCompleted() != 1 {
		t.Fatalf("a discarded noise frame still advances LastCompleted")
	}
}

func TestProcessFrameDropsNegative(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 2}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	stream := &fakeStream{}
	detector := stubGate{result: media.DetectionResult{}}
	g, _ := newGate(t, cfg, detector, emitter, recorder, stream)

	g.ProcessFrame(context.Background(), &media.Frame{Index: 5, Width: 10, Height: 10})

	if len(emitter.msgs) != 0 {
		t.Fatalf("a negative frame before any session is present must emit nothing, got %+v", emitter.msgs)
	}
	if stream.pushes != 1 {
		t.Fatalf("every completed frame must still reach the re-streamer, got %d pushes", stream.pushes)
	}
}

func TestSessionTransitionsAssignDolIDAndDetectEmpty(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 3}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	positive := stubGate{result: media.DetectionResult{Rects: []media.Rectangle{{X: 0, Y: 0, W: 1, H: 1}}, Positive: true}}
	g, _ := newGate(t, cfg, positive, emitter, recorder, nil)

	g.ProcessFrame(context.Background(), &media.Frame{Index: 1, Width: 10, Height: 10})
	if g.Session().State != Present {
		t.Fatalf("session should be Present after a positive frame")
	}
	firstID := g.Session().ID
	if firstID != 10000 {
		t.Fatalf("first dol_id = %d, want 10000", firstID)
	}

	g.detector = stubGate{result: media.DetectionResult{}}
	g.ProcessFrame(context.Background(), &media.Frame{Index: 2, Width: 10, Height: 10})
	if g.Session().State != Absent {
		t.Fatalf("session should transition to Absent after a negative frame")
	}

	g.detector = positive
	g.ProcessFrame(context.Background(), &media.Frame{Index: 3, Width: 10, Height: 10})
	if g.Session().ID != firstID+1 {
		t.Fatalf("second session's dol_id = %d, want %d", g.Session().ID, firstID+1)
	}

	var gotEmpty bool
	for _, m := range emitter.msgs {
		if m.Type == media.MsgDetectEmpty {
			gotEmpty = true
		}
	}
	if !gotEmpty {
		t.Fatalf("expected a detect_empty message on the Present->Absent transition")
	}
}

func TestLookupFrameRetriesUntilFrameAppears(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 5}
	g, cache := newGate(t, cfg, stubGate{}, &fakeEmitter{}, &fakeRecorder{}, nil)

	go func() {
		time.Sleep(3 * frameLookupInterval)
		cache.Put(&media.Frame{Index: 7, Width: 10, Height: 10})
	}()

	frame := g.lookupFrame(7)
	if frame == nil {
		t.Fatalf("lookupFrame should find the frame once it appears within the retry window")
	}
	if frame.Index != 7 {
		t.Fatalf("lookupFrame returned frame %d, want 7", frame.Index)
	}
}

func TestLookupFrameGivesUpAfterRetriesExhausted(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 6}
	g, _ := newGate(t, cfg, stubGate{}, &fakeEmitter{}, &fakeRecorder{}, nil)

	if frame := g.lookupFrame(99); frame != nil {
		t.Fatalf("lookupFrame found a frame that was never cached: %+v", frame)
	}
}

func TestFinalizeTiledDropsFrameAndAdvancesOnPersistentCacheMiss(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 7, RoutineRow: 1, RoutineCol: 1, MaxRectsPerFrame: 3}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	g, _ := newGate(t, cfg, stubGate{result: media.DetectionResult{Positive: true}}, emitter, recorder, nil)

	// Frame 1 is never written to the cache, so every lookup retry misses.
	g.ProcessTileResult(context.Background(), media.TileResult{FrameIndex: 1, Row: 0, Col: 0})

	if g.LastCompleted() != 1 {
		t.Fatalf("LastCompleted() = %d, want 1 even when the frame is dropped for a cache miss", g.LastCompleted())
	}
	if len(emitter.msgs) != 0 {
		t.Fatalf("a dropped frame must never reach the emitter, got %+v", emitter.msgs)
	}
}

func TestCloseForcesAbsentAndEmitsDetectEmpty(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Index: 4}
	emitter := &fakeEmitter{}
	recorder := &fakeRecorder{}
	positive := stubGate{result: media.DetectionResult{Rects: []media.Rectangle{{X: 0, Y: 0, W: 1, H: 1}}, Positive: true}}
	g, _ := newGate(t, cfg, positive, emitter, recorder, nil)

	g.ProcessFrame(context.Background(), &media.Frame{Index: 1, Width: 10, Height: 10})
	g.Close()

	if g.Session().State != Absent {
		t.Fatalf("Close must force the session to Absent")
	}
	last := emitter.msgs[len(emitter.msgs)-1]
	if last.Type != media.MsgDetectEmpty {
		t.Fatalf("Close's final message should be detect_empty, got %v", last.Type)
	}
}
