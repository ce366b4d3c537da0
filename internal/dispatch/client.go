// Package dispatch is the pooled, cached, rate-limited path between somnus
// and the inference backend. Every model call in the process goes through
// Client.Dispatch: foreground interactions at high priority, sleep-cycle
// work at low priority.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"somnus/internal/inference"
	"somnus/internal/logging"
)

// Request is one unit of work for the backend.
type Request struct {
	Chat     *inference.ChatRequest
	Priority Priority

	// NoCache skips the response cache in both directions.
	NoCache bool

	// TTL overrides the cache default for this response. 0 means default.
	TTL time.Duration
}

// Config configures a dispatch Client.
type Config struct {
	Pool  PoolConfig
	Queue int

	// AcquireTimeout caps the queued wait when the request context carries
	// no deadline of its own.
	AcquireTimeout time.Duration

	CacheTTL        time.Duration
	CacheMaxEntries int

	// RequestsPerSecond rate-limits backend calls. 0 disables limiting.
	RequestsPerSecond int
}

// Client dispatches chat requests through the admission queue, connection
// pool, rate limiter and response cache.
type Client struct {
	backend inference.Client
	pool    *Pool
	queue   *requestQueue
	cache   *ResponseCache
	limiter *rate.Limiter
	stats   *Stats

	acquireTimeout time.Duration

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewClient creates a dispatch client over the given backend and starts its
// admission loop.
func NewClient(backend inference.Client, cfg Config) (*Client, error) {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}

	cache, err := NewResponseCache(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}

	c := &Client{
		backend:        backend,
		pool:           NewPool(cfg.Pool),
		queue:          newRequestQueue(cfg.Queue),
		cache:          cache,
		limiter:        limiter,
		stats:          NewStats(0.2),
		acquireTimeout: cfg.AcquireTimeout,
		wakeCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go c.admissionLoop()
	return c, nil
}

// Dispatch runs one request through cache, queue, pool and backend. The
// returned error is ErrQueueFull, ErrPoolExhausted, or a *BackendError.
func (c *Client) Dispatch(ctx context.Context, req *Request) (*inference.ChatResponse, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	requestID := uuid.NewString()[:8]
	rlog := logging.WithRequestID(logging.CategoryDispatch, requestID)

	fingerprint, err := Fingerprint(req.Chat)
	if err != nil {
		return nil, &BackendError{Kind: KindProtocol, Err: err}
	}

	if !req.NoCache {
		if resp, ok := c.cache.Get(fingerprint); ok {
			rlog.Debug("cache hit, bypassing pool (priority=%s)", req.Priority)
			return resp, nil
		}
	}

	w := newWaiter(requestID, req.Priority)
	if err := c.queue.push(w); err != nil {
		rlog.Warn("queue full (depth=%d)", c.queue.depth())
		return nil, err
	}
	c.wake()

	// A request deadline bounds only the queued wait; without one the
	// configured acquire timeout applies.
	waitCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.acquireTimeout)
		defer cancel()
	}

	select {
	case <-w.ready:
	case <-waitCtx.Done():
		c.queue.remove(w)
		if !w.abandon() {
			// Grant won the race; take it and hand the slot back.
			<-w.ready
			c.pool.Release()
		}
		rlog.Warn("no slot before deadline (waited %v)", time.Since(w.enqueued))
		return nil, ErrPoolExhausted
	case <-c.stopCh:
		c.queue.remove(w)
		if !w.abandon() {
			<-w.ready
			c.pool.Release()
		}
		return nil, ErrClosed
	}

	// Slot held from here on.
	slotWait := time.Since(w.enqueued)
	defer c.pool.Release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.stats.Record(0, slotWait, true)
			return nil, &BackendError{Kind: KindTimeout, Err: err}
		}
	}

	start := time.Now()
	resp, err := c.backend.Chat(ctx, req.Chat)
	latency := time.Since(start)
	c.stats.Record(latency, slotWait, err != nil)

	if err != nil {
		classified := classifyBackendError(err)
		rlog.Warn("backend %s after %v: %v", classified.Kind, latency, err)
		return nil, classified
	}

	if !req.NoCache {
		c.cache.Put(fingerprint, resp, req.TTL)
	}
	rlog.Debug("completed in %v (wait=%v priority=%s)", latency, slotWait, req.Priority)
	return resp, nil
}

// admissionLoop hands pool slots to queued waiters, High before Low.
func (c *Client) admissionLoop() {
	defer close(c.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	for {
		if c.queue.depth() == 0 {
			select {
			case <-c.wakeCh:
				continue
			case <-c.stopCh:
				return
			}
		}

		// Take the slot first; the class decision happens at grant time,
		// so a High request arriving during the wait still goes ahead of
		// queued Low requests.
		if err := c.pool.Acquire(ctx); err != nil {
			// Only shutdown cancels this context; waiters observe Close
			// through stopCh and abandon themselves.
			return
		}

		w := c.queue.pop()
		if w == nil {
			// Everyone abandoned while we waited for the slot.
			c.pool.Release()
			continue
		}

		if w.grant() {
			w.ready <- struct{}{}
		} else {
			// Waiter gave up while we were acquiring.
			c.pool.Release()
		}
	}
}

func (c *Client) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// QueueDepth returns the number of requests waiting for admission.
func (c *Client) QueueDepth() int {
	return c.queue.depth()
}

// Pool exposes the connection pool, for the scaler and the health block.
func (c *Client) Pool() *Pool {
	return c.pool
}

// Cache exposes the response cache, for the health block.
func (c *Client) Cache() *ResponseCache {
	return c.cache
}

// Stats exposes the rolling dispatch statistics.
func (c *Client) Stats() *Stats {
	return c.stats
}

// Close stops the admission loop and releases the cache. In-flight backend
// calls finish; queued waiters fail with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	c.cache.Close()
	logging.Dispatch("client closed")
}
