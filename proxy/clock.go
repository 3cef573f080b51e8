package proxy

import (
	"sync"
	"time"
)

// ActivityClock measures time since the last observed traffic. It reads the
// monotonic clock, so wall-clock jumps never age an application early.
type ActivityClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewActivityClock returns a clock marked at creation.
func NewActivityClock() *ActivityClock {
	return &ActivityClock{last: time.Now()}
}

// Mark records activity now.
func (c *ActivityClock) Mark() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

// Elapsed returns the time since the last Mark.
func (c *ActivityClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.last)
}
