package framecache

import (
	"sync"

	"github.com/oceaneye/sentinel/media"
)

// RenderCache is the parallel ordered map frame_index -> annotated
// Frame described in spec §3. It is populated only for indices inside
// a pre-roll window of some detection and evicted once the
// corresponding clip is flushed; unlike Cache it carries no pinning
// since its lifetime is already scoped to a single Recorder clip.
type RenderCache struct {
	mu     sync.RWMutex
	frames map[uint64]*media.Frame
	rects  map[uint64][]media.Rectangle
}

// NewRenderCache creates an empty RenderCache.
func NewRenderCache() *RenderCache {
	return &RenderCache{
		frames: make(map[uint64]*media.Frame),
		rects:  make(map[uint64][]media.Rectangle),
	}
}

// Put stores an annotated frame and the rectangles drawn on it.
func (r *RenderCache) Put(index uint64, frame *media.Frame, rects []media.Rectangle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[index] = frame
	r.rects[index] = rects
}

// Get returns the annotated frame for index, or false if absent.
func (r *RenderCache) Get(index uint64) (*media.Frame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frames[index]
	return f, ok
}

// Rects returns the rectangles recorded for index, or nil if absent.
func (r *RenderCache) Rects(index uint64) []media.Rectangle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rects[index]
}

// DeleteRange evicts every entry in the closed interval [start, end],
// called by the Recorder once it flushes the clip covering that range.
func (r *RenderCache) DeleteRange(start, end uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := start; i <= end; i++ {
		delete(r.frames, i)
		delete(r.rects, i)
	}
}

// Len reports the number of annotated frames currently resident, for
// diagnostics and tests.
func (r *RenderCache) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}
