// ABOUTME: Thread-safe, time-windowed key store used as the replay window for signed messages.
// ABOUTME: Keys remember when they were first seen; entries older than the window are swept.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Clock returns the current time. Tests inject a fake clock to move the window.
type Clock func() time.Time

// DefaultSweepInterval is how often expired entries are purged in the background.
const DefaultSweepInterval = time.Minute

// entry stores when a key was first seen and its position in the insertion list.
type entry struct {
	firstSeen time.Time
	element   *list.Element
}

// Cache remembers keys for a fixed window. It is bounded in size: once full,
// the oldest key is evicted to make room. Insertion order is kept in a linked
// list so eviction is O(1).
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	window  time.Duration
	maxSize int
	now     Clock

	sweepEvery time.Duration
	done       chan struct{}
	closed     bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now as the cache's time source.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithSweepInterval sets the background purge interval. Zero or negative
// disables the background goroutine; callers then purge with Sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.sweepEvery = d
	}
}

// New creates a cache that remembers keys for window, holding at most maxSize keys.
func New(window time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		seen:       make(map[string]*entry),
		order:      list.New(),
		window:     window,
		maxSize:    maxSize,
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery > 0 {
		go c.sweepLoop()
	}
	return c
}

// Window returns the configured retention window.
func (c *Cache) Window() time.Duration {
	return c.window
}

// Check reports whether key was seen within the window.
func (c *Cache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.now().Sub(e.firstSeen) < c.window
}

// FirstSeen returns when key was first recorded, if it is still inside the window.
func (c *Cache) FirstSeen(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.seen[key]
	if !ok || c.now().Sub(e.firstSeen) >= c.window {
		return time.Time{}, false
	}
	return e.firstSeen, true
}

// CheckAndMark atomically checks whether key is live and records it if not.
// Returns true when key was already seen (a duplicate) and false when it was
// new and is now recorded.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.firstSeen) < c.window {
			return true
		}
		// Expired: forget the old sighting and record a fresh one.
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
	c.insertLocked(key, now)
	return false
}

// Mark records key as seen now, refreshing it if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.firstSeen = now
		c.order.MoveToBack(e.element)
		return
	}
	c.insertLocked(key, now)
}

// insertLocked adds a key, evicting the oldest when at capacity. Must hold mu.
func (c *Cache) insertLocked(key string, at time.Time) {
	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}
	c.seen[key] = &entry{
		firstSeen: at,
		element:   c.order.PushBack(key),
	}
}

// Len returns the number of stored keys, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// Sweep removes every expired key and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// The list is ordered by insertion time, so stop at the first live entry.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.seen[key]
		if e != nil && now.Sub(e.firstSeen) < c.window {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
