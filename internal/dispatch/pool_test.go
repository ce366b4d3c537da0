package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPool_CapacityBound(t *testing.T) {
	p := NewPool(PoolConfig{Size: 3, MinSize: 1, MaxSize: 8})

	for i := 0; i < 3; i++ {
		if err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if p.InUse() != 3 {
		t.Errorf("InUse = %d, want 3", p.InUse())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("acquire beyond capacity = %v, want ErrPoolExhausted", err)
	}

	p.Release()
	if err := p.Acquire(context.Background()); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1, MinSize: 1, MaxSize: 2})
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Acquire(ctx)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("gave up after %v, should have waited for the deadline", elapsed)
	}
}

func TestPool_ResizeGrow(t *testing.T) {
	p := NewPool(PoolConfig{Size: 2, MinSize: 2, MaxSize: 8})

	if got := p.Resize(4); got != 4 {
		t.Fatalf("Resize = %d, want 4", got)
	}
	for i := 0; i < 4; i++ {
		if err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d after grow failed: %v", i, err)
		}
	}
}

func TestPool_ResizeShrinkWithInFlight(t *testing.T) {
	p := NewPool(PoolConfig{Size: 4, MinSize: 1, MaxSize: 8})

	// Hold all four slots, then shrink to 2. The shrink must not block and
	// must take effect as slots are released.
	for i := 0; i < 4; i++ {
		if err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got := p.Resize(2); got != 2 {
		t.Fatalf("Resize = %d, want 2", got)
	}
	if p.Capacity() != 2 {
		t.Errorf("Capacity = %d, want 2", p.Capacity())
	}

	// Releasing all four leaves only two tokens available.
	for i := 0; i < 4; i++ {
		p.Release()
	}
	for i := 0; i < 2; i++ {
		if err := p.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d after shrink failed: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("third acquire after shrink = %v, want ErrPoolExhausted", err)
	}
}

func TestPool_ResizeClamped(t *testing.T) {
	p := NewPool(PoolConfig{Size: 4, MinSize: 2, MaxSize: 8})
	if got := p.Resize(100); got != 8 {
		t.Errorf("Resize(100) = %d, want clamp to 8", got)
	}
	if got := p.Resize(0); got != 2 {
		t.Errorf("Resize(0) = %d, want clamp to 2", got)
	}
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	p := NewPool(PoolConfig{Size: 4, MinSize: 1, MaxSize: 8})

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxInUse := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			if p.InUse() > maxInUse {
				maxInUse = p.InUse()
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			p.Release()
		}()
	}
	wg.Wait()

	if maxInUse > 4 {
		t.Errorf("observed %d slots in use, capacity is 4", maxInUse)
	}
	if p.InUse() != 0 {
		t.Errorf("InUse = %d after all released, want 0", p.InUse())
	}
}
