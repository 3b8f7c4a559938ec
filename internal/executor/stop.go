package executor

import (
	"context"
	"sync"
)

// StopController is the emergency abort switch. Engaging it cancels the
// in-flight dispatch context and keeps the executor from starting new cycles
// until Reset.
type StopController struct {
	mu      sync.Mutex
	engaged bool
	reason  string
	cancels map[int]context.CancelFunc
	nextID  int
}

// NewStopController creates a disengaged controller.
func NewStopController() *StopController {
	return &StopController{cancels: make(map[int]context.CancelFunc)}
}

// Engage aborts in-flight work and blocks future cycles.
func (c *StopController) Engage(reason string) {
	c.mu.Lock()
	c.engaged = true
	c.reason = reason
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Reset re-arms the executor after an emergency stop.
func (c *StopController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engaged = false
	c.reason = ""
}

// Engaged reports whether the stop is active.
func (c *StopController) Engaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engaged
}

// Reason returns the engage reason, or "".
func (c *StopController) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Bind derives a context that Engage cancels. The caller must invoke the
// returned release when its work finishes so the registration does not
// outlive the cycle that created it.
func (c *StopController) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	if c.engaged {
		c.mu.Unlock()
		cancel()
		return ctx, cancel
	}
	id := c.nextID
	c.nextID++
	c.cancels[id] = cancel
	c.mu.Unlock()

	release := func() {
		cancel()
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}
	return ctx, release
}
