package dispatch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"somnus/internal/logging"
)

// Scaler adjusts pool capacity from the rolling dispatch statistics. One
// step per tick: grow while slot waits are building up and the backend is
// healthy, shrink when the error rate says the backend is struggling.
type Scaler struct {
	pool  *Pool
	stats *Stats
	clock clock.Clock

	interval      time.Duration
	waitThreshold time.Duration
	errHigh       float64
	errLow        float64
}

// ScalerConfig configures a Scaler. Zero values get defaults.
type ScalerConfig struct {
	Interval      time.Duration
	WaitThreshold time.Duration
	ErrorHigh     float64
	ErrorLow      float64
	Clock         clock.Clock
}

// NewScaler creates a scaler for the given pool and stats.
func NewScaler(pool *Pool, stats *Stats, cfg ScalerConfig) *Scaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.WaitThreshold <= 0 {
		cfg.WaitThreshold = 100 * time.Millisecond
	}
	if cfg.ErrorHigh <= 0 {
		cfg.ErrorHigh = 0.3
	}
	if cfg.ErrorLow <= 0 {
		cfg.ErrorLow = 0.1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scaler{
		pool:          pool,
		stats:         stats,
		clock:         cfg.Clock,
		interval:      cfg.Interval,
		waitThreshold: cfg.WaitThreshold,
		errHigh:       cfg.ErrorHigh,
		errLow:        cfg.ErrorLow,
	}
}

// Run evaluates the policy on every tick until ctx is done.
func (s *Scaler) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

// step applies at most one capacity change.
func (s *Scaler) step() {
	snap := s.stats.Snapshot()
	if snap.Total == 0 {
		return
	}
	capacity := s.pool.Capacity()

	switch {
	case snap.ErrorRate >= s.errHigh:
		if resized := s.pool.Resize(capacity - 1); resized != capacity {
			logging.Pool("scaler: shrink to %d (error_rate=%.2f)", resized, snap.ErrorRate)
		}
	case snap.AvgWait >= s.waitThreshold && snap.ErrorRate <= s.errLow:
		if resized := s.pool.Resize(capacity + 1); resized != capacity {
			logging.Pool("scaler: grow to %d (avg_wait=%v error_rate=%.2f)", resized, snap.AvgWait, snap.ErrorRate)
		}
	}
}
