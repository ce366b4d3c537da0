package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestCoordinator_RefcountInvariant(t *testing.T) {
	c := NewCoordinator(nil)

	// Many overlapping interactions; IsActive must hold exactly until the
	// last one ends.
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.NotifyStart()
			time.Sleep(time.Millisecond)
			c.NotifyEnd()
		}()
	}
	wg.Wait()

	if c.IsActive() {
		t.Error("IsActive after all interactions ended")
	}
	if got := c.CompletedCount(); got != 64 {
		t.Errorf("CompletedCount = %d, want 64", got)
	}
	if c.LastActiveEnd().IsZero() {
		t.Error("LastActiveEnd not stamped")
	}
}

func TestCoordinator_LastActiveEndOnlyOnZero(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoordinator(mock)

	c.NotifyStart()
	c.NotifyStart()

	mock.Add(10 * time.Second)
	c.NotifyEnd()
	if !c.LastActiveEnd().IsZero() {
		t.Error("LastActiveEnd stamped while one interaction still active")
	}
	if !c.IsActive() {
		t.Error("should still be active")
	}

	mock.Add(5 * time.Second)
	c.NotifyEnd()
	if got := c.LastActiveEnd(); !got.Equal(mock.Now()) {
		t.Errorf("LastActiveEnd = %v, want %v", got, mock.Now())
	}
}

func TestCoordinator_UnmatchedEndIgnored(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoordinator(mock)

	c.NotifyEnd()
	if c.IsActive() {
		t.Error("unmatched end should not activate")
	}
	if got := c.CompletedCount(); got != 0 {
		t.Errorf("CompletedCount = %d after unmatched end, want 0", got)
	}

	// The count never goes negative: one start still means active.
	c.NotifyStart()
	if !c.IsActive() {
		t.Error("start after unmatched end should activate")
	}
	c.NotifyEnd()
	if c.IsActive() {
		t.Error("balanced end should deactivate")
	}
}

func TestCoordinator_EventsCoalesce(t *testing.T) {
	c := NewCoordinator(nil)

	for i := 0; i < 10; i++ {
		c.NotifyStart()
		c.NotifyEnd()
	}

	select {
	case <-c.Events():
	default:
		t.Fatal("expected a pending wake signal")
	}
	select {
	case <-c.Events():
		t.Fatal("signals should coalesce to one pending wake")
	default:
	}
}
