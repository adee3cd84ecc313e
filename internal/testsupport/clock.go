package testsupport

import (
	"sync"
	"time"
)

// ManualClock reloj que solo avanza explícitamente.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock arranca en t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance mueve el reloj d hacia adelante.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set fija la hora actual.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
