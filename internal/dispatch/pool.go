package dispatch

import (
	"context"
	"sync"
	"time"

	"somnus/internal/logging"
)

// Pool is a resizable connection-slot semaphore. Holding a slot is
// permission to run one backend call; slots say nothing about sockets, the
// HTTP client below keeps its own keep-alive pool.
//
// The token channel is buffered to the maximum bound; live capacity moves
// within [minSize, maxSize] by adding or draining tokens. Tokens held by
// in-flight calls during a shrink are swallowed on release instead.
type Pool struct {
	mu       sync.Mutex
	tokens   chan struct{}
	capacity int
	deficit  int // tokens to swallow on release after a shrink
	inUse    int
	minSize  int
	maxSize  int
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Size    int
	MinSize int
	MaxSize int
}

// NewPool creates a pool with the given initial size and scaling bounds.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.Size < cfg.MinSize {
		cfg.Size = cfg.MinSize
	}
	if cfg.Size > cfg.MaxSize {
		cfg.Size = cfg.MaxSize
	}

	p := &Pool{
		tokens:   make(chan struct{}, cfg.MaxSize),
		capacity: cfg.Size,
		minSize:  cfg.MinSize,
		maxSize:  cfg.MaxSize,
	}
	for i := 0; i < cfg.Size; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot is available or ctx is done. A context
// deadline or cancellation during the wait surfaces ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case <-p.tokens:
	default:
		// Slow path: log that we are actually waiting.
		logging.PoolDebug("acquire waiting (capacity=%d in_use=%d)", p.Capacity(), p.InUse())
		start := time.Now()
		select {
		case <-p.tokens:
			logging.PoolDebug("acquire granted after %v", time.Since(start))
		case <-ctx.Done():
			logging.Pool("acquire gave up after %v: %v", time.Since(start), ctx.Err())
			return ErrPoolExhausted
		}
	}

	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()
	return nil
}

// Release returns a slot to the pool. During a shrink the token is
// swallowed until capacity matches the target.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inUse <= 0 {
		logging.Get(logging.CategoryPool).Error("release without matching acquire")
		return
	}
	p.inUse--

	if p.deficit > 0 {
		p.deficit--
		return
	}
	select {
	case p.tokens <- struct{}{}:
	default:
		// Channel is sized to maxSize, so this cannot fill up unless
		// releases outnumber acquires, which the inUse guard rejects.
	}
}

// Resize sets live capacity, clamped to [minSize, maxSize]. Growing makes
// slots available immediately; shrinking takes effect as in-flight calls
// release their slots.
func (p *Pool) Resize(n int) int {
	if n < p.minSize {
		n = p.minSize
	}
	if n > p.maxSize {
		n = p.maxSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	delta := n - p.capacity
	if delta == 0 {
		return n
	}

	if delta > 0 {
		// Growth first cancels any pending shrink.
		absorbed := min(delta, p.deficit)
		p.deficit -= absorbed
		for i := 0; i < delta-absorbed; i++ {
			p.tokens <- struct{}{}
		}
	} else {
		remove := -delta
		for remove > 0 {
			select {
			case <-p.tokens:
				remove--
			default:
				// Remaining tokens are held by in-flight calls.
				p.deficit += remove
				remove = 0
			}
		}
	}

	logging.Pool("resized %d -> %d (in_use=%d deficit=%d)", p.capacity, n, p.inUse, p.deficit)
	p.capacity = n
	return n
}

// Capacity returns the current live capacity.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// InUse returns the number of slots currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Bounds returns the scaling bounds.
func (p *Pool) Bounds() (minSize, maxSize int) {
	return p.minSize, p.maxSize
}
