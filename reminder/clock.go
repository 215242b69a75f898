package reminder

import (
	"sync"
	"time"
)

// Clock tells the scanner what minute it is
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewClock returns the wall clock
func NewClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// ManagedClock is moved by hand. Intended for tests
type ManagedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManagedClock starts at now
func NewManagedClock(now time.Time) *ManagedClock {
	return &ManagedClock{now: now}
}

// Now returns the managed time
func (c *ManagedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// WarpForward moves the clock forward by offset and returns the new time
func (c *ManagedClock) WarpForward(offset time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(offset)
	return c.now
}
