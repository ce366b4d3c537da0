package dispatch

import (
	"sync"
	"time"
)

// Stats keeps rolling dispatch statistics for the pool scaling policy and
// the health block. Latency and slot-wait are exponentially weighted moving
// averages; the error rate is an EWMA over the 0/1 outcome stream.
type Stats struct {
	mu sync.Mutex

	total  int64
	errors int64

	avgLatency time.Duration
	avgWait    time.Duration
	errorRate  float64

	alpha float64
}

// StatsSnapshot is a point-in-time copy of the rolling statistics.
type StatsSnapshot struct {
	Total      int64
	Errors     int64
	AvgLatency time.Duration
	AvgWait    time.Duration
	ErrorRate  float64
}

// NewStats creates rolling stats with the given smoothing factor in (0, 1].
func NewStats(alpha float64) *Stats {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &Stats{alpha: alpha}
}

// Record folds one completed dispatch into the rolling averages.
func (s *Stats) Record(latency, slotWait time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	outcome := 0.0
	if failed {
		s.errors++
		outcome = 1.0
	}

	if s.total == 1 {
		s.avgLatency = latency
		s.avgWait = slotWait
		s.errorRate = outcome
		return
	}
	s.avgLatency = ewmaDuration(s.avgLatency, latency, s.alpha)
	s.avgWait = ewmaDuration(s.avgWait, slotWait, s.alpha)
	s.errorRate = s.errorRate*(1-s.alpha) + outcome*s.alpha
}

// Snapshot returns a copy of the current statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Total:      s.total,
		Errors:     s.errors,
		AvgLatency: s.avgLatency,
		AvgWait:    s.avgWait,
		ErrorRate:  s.errorRate,
	}
}

func ewmaDuration(prev, sample time.Duration, alpha float64) time.Duration {
	return time.Duration(float64(prev)*(1-alpha) + float64(sample)*alpha)
}
