// Package agent wires the somnus subsystems together: config, logging,
// the inference backend, the dispatch client, activity tracking and the
// sleep scheduler. The HTTP route layer lives outside this module; Runtime
// exposes the contracts it consumes.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"somnus/internal/activity"
	"somnus/internal/config"
	"somnus/internal/dispatch"
	"somnus/internal/inference"
	"somnus/internal/logging"
	"somnus/internal/sleep"
)

// Health is the full health block: scheduler status plus pool and cache
// metrics.
type Health struct {
	Phase                  string    `json:"phase"`
	QueueSize              int       `json:"queue_size"`
	LastCycleEnd           time.Time `json:"last_cycle_end"`
	MessagesSinceLastCycle int64     `json:"messages_since_last_cycle"`

	PoolCapacity int `json:"pool_capacity"`
	PoolInUse    int `json:"pool_in_use"`

	CacheEntries int64   `json:"cache_entries"`
	CacheHitRate float64 `json:"cache_hit_rate"`
}

// Runtime composes the somnus subsystems for one workspace.
type Runtime struct {
	cfg       *config.Config
	workspace string

	backend    inference.Client
	dispatcher *dispatch.Client
	coord      *activity.Coordinator
	scheduler  *sleep.Scheduler
	scaler     *dispatch.Scaler
	memory     sleep.ToolFacade
	watcher    *config.Watcher

	mu        sync.Mutex
	recent    []inference.Message
	maxRecent int
}

// Options adjusts Runtime construction.
type Options struct {
	// Memory supplies the tool facade. Nil uses the in-memory store.
	Memory sleep.ToolFacade

	// SystemPrompt is the sleep-agent prompt. Empty falls back to a
	// built-in minimal prompt.
	SystemPrompt string

	// WatchConfig enables live reload of somnus.yaml.
	WatchConfig bool

	// Backend overrides the HTTP inference client. Tests use this.
	Backend inference.Client
}

const defaultSystemPrompt = "You are the background memory agent. Review the " +
	"conversation, search memory where needed, and persist anything worth " +
	"keeping with the editing tools. Call finish_edits when done."

// NewRuntime loads the workspace config and builds the full somnus stack.
func NewRuntime(workspace string, opts Options) (*Runtime, error) {
	cfg, err := config.Load(filepath.Join(workspace, config.ConfigFileName))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Initialize(workspace); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.Boot("somnus starting (model=%s backend=%s)", cfg.SleepAgent.Model, cfg.Backend.BaseURL)

	backend := opts.Backend
	if backend == nil {
		backend = inference.NewHTTPClient(inference.HTTPClientConfig{
			BaseURL: cfg.Backend.BaseURL,
			Model:   cfg.SleepAgent.Model,
			Timeout: cfg.GetBackendTimeout(),
		})
	}

	dispatcher, err := dispatch.NewClient(backend, dispatch.Config{
		Pool: dispatch.PoolConfig{
			Size:    cfg.Dispatch.PoolSize,
			MinSize: cfg.Dispatch.PoolMinSize,
			MaxSize: cfg.Dispatch.PoolMaxSize,
		},
		Queue:             cfg.Dispatch.QueueCapacity,
		AcquireTimeout:    cfg.GetAcquireTimeout(),
		CacheTTL:          cfg.GetCacheTTL(),
		CacheMaxEntries:   cfg.Dispatch.CacheMaxEntries,
		RequestsPerSecond: cfg.Dispatch.RequestsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch client: %w", err)
	}

	memory := opts.Memory
	if memory == nil {
		memory = sleep.NewInMemoryStore()
	}
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}

	r := &Runtime{
		cfg:        cfg,
		workspace:  workspace,
		backend:    backend,
		dispatcher: dispatcher,
		coord:      activity.NewCoordinator(nil),
		memory:     memory,
		maxRecent:  50,
	}

	runner := sleep.NewCycleRunner(dispatcher, memory, r.snapshot, prompt, cfg.SleepAgent.Context)
	r.scheduler = sleep.NewScheduler(sleep.Config{
		Model:          cfg.SleepAgent.Model,
		MessageTrigger: cfg.SleepAgent.MessageTrigger,
		MinInterval:    cfg.GetMinSleepInterval(),
		MaxInterval:    cfg.GetMaxSleepInterval(),
		PauseDelay:     cfg.GetPauseDelayAfterMain(),
	}, r.coord, runner, dispatcher.QueueDepth)

	r.scaler = dispatch.NewScaler(dispatcher.Pool(), dispatcher.Stats(), dispatch.ScalerConfig{
		Interval: cfg.GetScaleInterval(),
	})

	if opts.WatchConfig {
		watcher, err := config.NewWatcher(workspace)
		if err != nil {
			dispatcher.Close()
			return nil, fmt.Errorf("config watcher: %w", err)
		}
		r.watcher = watcher
	}

	return r, nil
}

// Run blocks until ctx is done, then shuts the stack down.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.scheduler.Run(ctx)
	})
	g.Go(func() error {
		r.scaler.Run(ctx)
		return nil
	})

	if r.watcher != nil {
		updates := r.watcher.Subscribe()
		if err := r.watcher.Start(ctx); err != nil {
			logging.ConfigWarn("config watcher failed to start: %v", err)
		} else {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case cfg := <-updates:
						r.applyConfig(cfg)
					}
				}
			})
			defer r.watcher.Stop()
		}
	}

	err := g.Wait()
	r.dispatcher.Close()
	logging.Boot("somnus stopped")
	logging.CloseAll()
	return err
}

// Close releases the dispatch client without going through Run. Callers
// that used Run do not need it.
func (r *Runtime) Close() {
	r.dispatcher.Close()
	logging.CloseAll()
}

// applyConfig applies the runtime-adjustable subset of a reloaded config.
func (r *Runtime) applyConfig(cfg *config.Config) {
	r.scheduler.SetModel(cfg.SleepAgent.Model)
	r.backend.SetModel(cfg.SleepAgent.Model)
	r.dispatcher.Pool().Resize(cfg.Dispatch.PoolSize)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Foreground brackets one foreground interaction: records the user message,
// marks activity, and returns a done func that records the reply and marks
// the end. The done func is safe to call exactly once.
func (r *Runtime) Foreground(userMessage string) func(assistantReply string) {
	r.coord.NotifyStart()
	r.remember(inference.Message{Role: "user", Content: userMessage})

	var once sync.Once
	return func(assistantReply string) {
		once.Do(func() {
			if assistantReply != "" {
				r.remember(inference.Message{Role: "assistant", Content: assistantReply})
			}
			r.coord.NotifyEnd()
		})
	}
}

// Chat runs one foreground request through the dispatch client at high
// priority, with activity tracked around it.
func (r *Runtime) Chat(ctx context.Context, content string) (*inference.ChatResponse, error) {
	done := r.Foreground(content)

	r.mu.Lock()
	numCtx := r.cfg.SleepAgent.Context
	r.mu.Unlock()

	resp, err := r.dispatcher.Dispatch(ctx, &dispatch.Request{
		Chat: &inference.ChatRequest{
			Messages: r.snapshot(),
			Options:  &inference.Options{NumCtx: numCtx},
		},
		Priority: dispatch.PriorityHigh,
	})
	if err != nil {
		done("")
		return nil, err
	}
	done(resp.Message.Content)
	return resp, nil
}

// TriggerSleep arms the scheduler manually and returns the resulting phase.
func (r *Runtime) TriggerSleep(force bool) sleep.Phase {
	return r.scheduler.Trigger(force)
}

// SetSleepModel swaps the model for future cycles.
func (r *Runtime) SetSleepModel(model string) {
	r.scheduler.SetModel(model)
}

// Status returns the scheduler status block.
func (r *Runtime) Status() sleep.Status {
	return r.scheduler.Status()
}

// Health returns the status block plus pool and cache metrics.
func (r *Runtime) Health() Health {
	status := r.scheduler.Status()
	cacheStats := r.dispatcher.Cache().Stats()
	return Health{
		Phase:                  status.Phase.String(),
		QueueSize:              status.QueueSize,
		LastCycleEnd:           status.LastCycleEnd,
		MessagesSinceLastCycle: status.MessagesSinceLastCycle,
		PoolCapacity:           r.dispatcher.Pool().Capacity(),
		PoolInUse:              r.dispatcher.Pool().InUse(),
		CacheEntries:           cacheStats.Entries,
		CacheHitRate:           r.dispatcher.Cache().HitRate(),
	}
}

// Memory exposes the tool facade, for the demo CLI.
func (r *Runtime) Memory() sleep.ToolFacade {
	return r.memory
}

// remember appends to the bounded recent-conversation window.
func (r *Runtime) remember(msg inference.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, msg)
	if len(r.recent) > r.maxRecent {
		r.recent = r.recent[len(r.recent)-r.maxRecent:]
	}
}

// snapshot copies the recent conversation for a dispatch.
func (r *Runtime) snapshot() []inference.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inference.Message, len(r.recent))
	copy(out, r.recent)
	return out
}
