// Package framecache implements the ordered, bounded, pin-aware sliding
// window of recent frames described in spec §3 ("Frame Cache") and §9
// ("a proper bounded LRU that honours pins"). It is adapted from the
// concurrent, RWMutex-guarded fan-out caches in
// zsiec-prism/distribution/relay.go (gopCache/audioCache): same shape —
// a mutex-guarded map plus a size-triggered trim — generalized with
// explicit per-key pin reference counts, since relay.go's caches never
// needed to protect a key from eviction while a second component was
// mid-write to disk.
package framecache

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oceaneye/sentinel/media"
)

// Cache is an ordered map frame_index -> *media.Frame. Keys are
// strictly monotonic by construction (callers only ever Put increasing
// indices). Size is bounded by maxSize; eviction is oldest-first and
// only runs once size exceeds maxSize, evicting the oldest unpinned
// half asynchronously so it never blocks the writer (spec §4.1).
type Cache struct {
	log     *slog.Logger
	maxSize int

	mu     sync.RWMutex
	frames map[uint64]*media.Frame
	order  []uint64 // ascending frame indices currently resident
	pins   map[uint64]int

	evicting atomic.Bool
	evicted  atomic.Int64
}

// New creates a Cache bounded at maxSize entries.
func New(maxSize int, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		log:     log.With("component", "framecache"),
		maxSize: maxSize,
		frames:  make(map[uint64]*media.Frame),
		pins:    make(map[uint64]int),
	}
}

// Put inserts a frame keyed by its index and, if the cache now exceeds
// maxSize, kicks off an asynchronous eviction sweep. Put never blocks
// on eviction.
func (c *Cache) Put(f *media.Frame) {
	c.mu.Lock()
	if _, exists := c.frames[f.Index]; !exists {
		c.order = append(c.order, f.Index)
	}
	c.frames[f.Index] = f
	over := len(c.frames) > c.maxSize
	c.mu.Unlock()

	if over && c.evicting.CompareAndSwap(false, true) {
		go c.evictOldestHalf()
	}
}

// evictOldestHalf removes up to half of the cache's current contents,
// oldest-first, skipping any pinned key and continuing past it (a key
// with positive pin count is never evicted, per spec §3/§5).
func (c *Cache) evictOldestHalf() {
	defer c.evicting.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	target := len(c.order) / 2
	removed := 0
	keep := c.order[:0:0]
	for _, idx := range c.order {
		if removed < target && c.pins[idx] == 0 {
			delete(c.frames, idx)
			removed++
			continue
		}
		keep = append(keep, idx)
	}
	c.order = keep
	c.evicted.Add(int64(removed))
	if removed > 0 {
		c.log.Debug("evicted oldest half", "removed", removed, "remaining", len(c.order))
	}
}

// Get returns the frame at index, or false if it is absent (evicted,
// not yet written, or never produced).
func (c *Cache) Get(index uint64) (*media.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[index]
	return f, ok
}

// Len returns the number of frames currently resident.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// Evicted returns the total number of frames evicted over the cache's
// lifetime, for diagnostics.
func (c *Cache) Evicted() int64 {
	return c.evicted.Load()
}

// Pin increments the pin count for every index in the closed interval
// [start, end], protecting them from eviction even if they have not
// yet been written (the Recorder arms a range before the Dispatcher
// has necessarily produced its tail frames).
func (c *Cache) Pin(start, end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := start; i <= end; i++ {
		c.pins[i]++
	}
}

// Unpin decrements the pin count for every index in [start, end],
// removing the bookkeeping entry once a key's count reaches zero.
func (c *Cache) Unpin(start, end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := start; i <= end; i++ {
		if c.pins[i] <= 1 {
			delete(c.pins, i)
			continue
		}
		c.pins[i]--
	}
}

// PinCount reports the current pin count for index, for tests.
func (c *Cache) PinCount(index uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pins[index]
}

// NearestPriorRaw returns the frame at the largest index <= target that
// is present in the cache, used by the Recorder to fill gaps left by a
// sampled or evicted index (spec §4.5 ordering guarantee: missing
// indices are filled from the nearest prior cached raw frame).
func (c *Cache) NearestPriorRaw(target uint64) (*media.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if f, ok := c.frames[target]; ok {
		return f, true
	}
	// order is ascending; binary-search for the largest index <= target.
	i := sort.Search(len(c.order), func(i int) bool { return c.order[i] > target })
	for i--; i >= 0; i-- {
		if f, ok := c.frames[c.order[i]]; ok {
			return f, true
		}
	}
	return nil, false
}
