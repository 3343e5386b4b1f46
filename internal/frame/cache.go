package frame

import "sync"

// Cache is a single-slot latest-frame buffer. The producer overwrites it on
// every capture; consumers copy the most recent frame out with minimal
// latency, independent of the historical frame queue.
//
// Frames cross the cache boundary as deep copies in both directions.
type Cache struct {
	mu     sync.Mutex
	latest Frame
	valid  bool
}

// Set replaces the cached frame with a copy of f. The previous frame is
// released. The caller keeps ownership of f.
func (c *Cache) Set(f Frame) {
	clone := f.Clone()
	c.mu.Lock()
	if c.valid {
		c.latest.Release()
	}
	c.latest = clone
	c.valid = true
	c.mu.Unlock()
}

// Get returns a copy of the most recent frame, or false if no frame has
// arrived yet. It never blocks waiting for a frame.
func (c *Cache) Get() (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return Frame{}, false
	}
	return c.latest.Clone(), true
}

// Clear releases the cached frame, if any.
func (c *Cache) Clear() {
	c.mu.Lock()
	if c.valid {
		c.latest.Release()
		c.valid = false
	}
	c.mu.Unlock()
}
