// Package activity tracks foreground work so background maintenance knows
// when the assistant is busy. Concurrent foreground interactions overlap, so
// activity is a reference count, not a boolean.
package activity

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"somnus/internal/logging"
)

// Coordinator is a reference-counted foreground activity tracker.
type Coordinator struct {
	mu            sync.Mutex
	clock         clock.Clock
	active        int
	completed     int64
	lastActiveEnd time.Time
	events        chan struct{}
}

// NewCoordinator creates a coordinator. A nil clk uses the wall clock.
func NewCoordinator(clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		clock:  clk,
		events: make(chan struct{}, 1),
	}
}

// NotifyStart marks the beginning of one foreground interaction.
func (c *Coordinator) NotifyStart() {
	c.mu.Lock()
	c.active++
	active := c.active
	c.mu.Unlock()

	logging.ActivityDebug("start (active=%d)", active)
	c.signal()
}

// NotifyEnd marks the end of one foreground interaction. The last end
// stamps lastActiveEnd; an unmatched end is logged and ignored.
func (c *Coordinator) NotifyEnd() {
	c.mu.Lock()
	if c.active == 0 {
		c.mu.Unlock()
		logging.Get(logging.CategoryActivity).Warn("unmatched NotifyEnd ignored")
		return
	}
	c.active--
	c.completed++
	active := c.active
	if active == 0 {
		c.lastActiveEnd = c.clock.Now()
	}
	c.mu.Unlock()

	logging.ActivityDebug("end (active=%d completed=%d)", active, c.completed)
	c.signal()
}

// IsActive reports whether any foreground interaction is in flight.
func (c *Coordinator) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active > 0
}

// LastActiveEnd returns when the count last reached zero, or the zero time
// if it never has.
func (c *Coordinator) LastActiveEnd() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActiveEnd
}

// CompletedCount returns the monotonic count of completed interactions.
func (c *Coordinator) CompletedCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Events returns a coalesced wake signal. A receive means activity state
// changed at least once since the previous receive.
func (c *Coordinator) Events() <-chan struct{} {
	return c.events
}

func (c *Coordinator) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
