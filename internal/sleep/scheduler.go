// Package sleep runs background memory maintenance. A state machine decides
// when the assistant is quiet enough to spend backend capacity on
// consolidating memory, and a cycle runner does the actual work through the
// dispatch client at low priority.
package sleep

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"somnus/internal/activity"
	"somnus/internal/logging"
)

// Phase is the scheduler's operational state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhasePaused
	PhaseProcessing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmed:
		return "armed"
	case PhasePaused:
		return "paused"
	case PhaseProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Status is the externally visible scheduler state.
type Status struct {
	Phase                  Phase
	QueueSize              int
	LastCycleEnd           time.Time
	MessagesSinceLastCycle int64
}

// Config configures the scheduler.
type Config struct {
	// Model used for cycle dispatches; swappable at runtime.
	Model string

	// MessageTrigger arms after this many completed foreground messages.
	// 0 disables the message trigger.
	MessageTrigger int

	// MinInterval is the floor between consecutive cycle ends.
	MinInterval time.Duration

	// MaxInterval arms on elapsed time alone.
	MaxInterval time.Duration

	// PauseDelay is added to pauseUntil whenever foreground activity is
	// observed while armed or paused.
	PauseDelay time.Duration

	// Tick is the fallback evaluation period of the run loop.
	Tick time.Duration

	Clock clock.Clock
}

// Scheduler owns the Idle/Armed/Paused/Processing state machine. All state
// moves through step(); the run loop only decides when to call it.
type Scheduler struct {
	cfg    Config
	clock  clock.Clock
	coord  *activity.Coordinator
	runner Runner

	// queueDepth reports the dispatch queue depth for the status block.
	queueDepth func() int

	mu           sync.Mutex
	phase        Phase
	lastCycleEnd time.Time
	baseline     int64 // completed count at the last cycle end
	pauseUntil   time.Time
	manual       bool // pending manual trigger
	forced       bool // pending force: bypass the interval floor
	pending      bool // a cycle is due; run loop picks it up
	failStreak   int
	model        string

	triggerCh chan struct{}
}

// NewScheduler creates a scheduler. lastCycleEnd starts at now so the
// max-interval trigger counts from startup, not from the epoch.
func NewScheduler(cfg Config, coord *activity.Coordinator, runner Runner, queueDepth func() int) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &Scheduler{
		cfg:          cfg,
		clock:        cfg.Clock,
		coord:        coord,
		runner:       runner,
		queueDepth:   queueDepth,
		phase:        PhaseIdle,
		lastCycleEnd: cfg.Clock.Now(),
		model:        cfg.Model,
		triggerCh:    make(chan struct{}, 1),
	}
}

// Run drives the state machine until ctx is done. Wakes on the fallback
// tick, on activity changes, and on manual triggers.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.Tick)
	defer ticker.Stop()

	logging.Sched("running (trigger=%d min=%v max=%v pause=%v)",
		s.cfg.MessageTrigger, s.cfg.MinInterval, s.cfg.MaxInterval, s.cfg.PauseDelay)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.coord.Events():
		case <-s.triggerCh:
		}
		s.step(s.clock.Now())
		s.runPendingCycle(ctx)
	}
}

// Trigger arms the scheduler regardless of trigger conditions and returns
// the phase after immediate re-evaluation. force additionally bypasses the
// minimum-interval floor; it never bypasses activity gating. The cycle
// itself runs on the scheduler loop, not the caller.
func (s *Scheduler) Trigger(force bool) Phase {
	s.mu.Lock()
	s.manual = true
	if force {
		s.forced = true
	}
	s.mu.Unlock()

	logging.Sched("manual trigger (force=%v)", force)
	phase := s.step(s.clock.Now())

	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return phase
}

// SetModel swaps the model used by future cycles. A cycle in progress is
// not interrupted.
func (s *Scheduler) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if model != "" && model != s.model {
		logging.Sched("sleep model %s -> %s", s.model, model)
		s.model = model
	}
}

// Status returns the externally visible state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Phase:                  s.phase,
		QueueSize:              s.queueDepth(),
		LastCycleEnd:           s.lastCycleEnd,
		MessagesSinceLastCycle: s.coord.CompletedCount() - s.baseline,
	}
}

// step evaluates transitions at the given instant and returns the resulting
// phase. Transitions chain within one call (Idle through Armed into a due
// cycle on a single evaluation) so triggers take effect immediately.
func (s *Scheduler) step(now time.Time) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		prev := s.phase
		switch s.phase {
		case PhaseIdle:
			if s.manual || s.messageTriggerMet() || s.maxIntervalElapsed(now) {
				s.phase = PhaseArmed
				s.manual = false
			}
		case PhaseArmed:
			if s.coord.IsActive() {
				s.phase = PhasePaused
				s.pauseUntil = now.Add(s.cfg.PauseDelay)
			} else if s.forced || now.Sub(s.lastCycleEnd) >= s.effectiveMinInterval() {
				s.phase = PhaseProcessing
				s.forced = false
				s.pending = true
			}
			s.manual = false
		case PhasePaused:
			if s.coord.IsActive() {
				// Activity while paused pushes the quiet window forward.
				s.pauseUntil = now.Add(s.cfg.PauseDelay)
				s.manual = false
			} else if s.manual || !now.Before(s.pauseUntil) {
				s.phase = PhaseArmed
				s.manual = false
				s.pauseUntil = time.Time{}
			}
		case PhaseProcessing:
			// The run loop finishes the cycle; nothing to evaluate.
		}

		if s.phase == prev {
			return s.phase
		}
		logging.SchedDebug("%s -> %s", prev, s.phase)
	}
}

func (s *Scheduler) messageTriggerMet() bool {
	if s.cfg.MessageTrigger <= 0 {
		return false
	}
	return s.coord.CompletedCount()-s.baseline >= int64(s.cfg.MessageTrigger)
}

func (s *Scheduler) maxIntervalElapsed(now time.Time) bool {
	if s.cfg.MaxInterval <= 0 {
		return false
	}
	return now.Sub(s.lastCycleEnd) >= s.cfg.MaxInterval
}

// effectiveMinInterval doubles the floor per consecutive failure, capped at
// the max interval, so a broken backend is not hammered every minInterval.
func (s *Scheduler) effectiveMinInterval() time.Duration {
	interval := s.cfg.MinInterval
	for i := 0; i < s.failStreak && interval < s.cfg.MaxInterval; i++ {
		interval *= 2
	}
	if s.cfg.MaxInterval > 0 && interval > s.cfg.MaxInterval {
		interval = s.cfg.MaxInterval
	}
	return interval
}

// runPendingCycle executes a due cycle. Failures are logged and swallowed;
// either way the cycle end is stamped and the message counter resets.
func (s *Scheduler) runPendingCycle(ctx context.Context) {
	s.mu.Lock()
	if s.phase != PhaseProcessing || !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	model := s.model
	s.mu.Unlock()

	logging.Sched("cycle starting (model=%s)", model)
	start := s.clock.Now()
	err := s.runner.RunCycle(ctx, model)

	s.mu.Lock()
	s.lastCycleEnd = s.clock.Now()
	s.baseline = s.coord.CompletedCount()
	s.phase = PhaseIdle
	if err != nil {
		s.failStreak++
		streak := s.failStreak
		s.mu.Unlock()
		logging.SchedError("cycle failed after %v (streak=%d): %v", s.clock.Now().Sub(start), streak, err)
		return
	}
	s.failStreak = 0
	s.mu.Unlock()
	logging.Sched("cycle completed in %v", s.clock.Now().Sub(start))
}
