// Package config holds all somnus configuration: the sleep agent trigger
// policy, the dispatch client limits, and the inference backend endpoint.
// Configuration is loaded from somnus.yaml with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the config file name looked up in the workspace root.
const ConfigFileName = "somnus.yaml"

// Config holds all somnus configuration.
type Config struct {
	// Sleep agent trigger policy
	SleepAgent SleepAgentConfig `yaml:"sleep_agent"`

	// Dispatch client limits (pool, queue, cache, rate)
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Inference backend endpoint
	Backend BackendConfig `yaml:"backend"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SleepAgentConfig configures the background memory-maintenance scheduler.
type SleepAgentConfig struct {
	// Model used for sleep-cycle dispatches, "provider-free" backend model id.
	Model string `yaml:"model"`

	// Context is the token budget passed to the backend per cycle.
	Context int `yaml:"context"`

	// MessageTrigger arms the scheduler after this many completed
	// foreground messages. 0 disables the message trigger.
	MessageTrigger int `yaml:"message_trigger"`

	// MinSleepInterval is the floor between consecutive cycles.
	MinSleepInterval string `yaml:"min_sleep_interval"`

	// MaxSleepInterval arms the scheduler on elapsed time alone.
	MaxSleepInterval string `yaml:"max_sleep_interval"`

	// PauseDelayAfterMain is the quiet period required after foreground
	// activity ends before background work may start.
	PauseDelayAfterMain string `yaml:"pause_delay_after_main"`

	// PromptPath points at the sleep-agent system prompt file.
	PromptPath string `yaml:"prompt_path"`
}

// DispatchConfig configures the dispatch client.
type DispatchConfig struct {
	// PoolSize is the initial connection pool capacity.
	PoolSize int `yaml:"pool_size"`

	// PoolMinSize / PoolMaxSize bound dynamic pool scaling.
	PoolMinSize int `yaml:"pool_min_size"`
	PoolMaxSize int `yaml:"pool_max_size"`

	// AcquireTimeout caps the wait for a pool slot when the request
	// carries no deadline of its own.
	AcquireTimeout string `yaml:"acquire_timeout"`

	// QueueCapacity bounds the admission queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// CacheTTL is the default response cache entry lifetime.
	CacheTTL string `yaml:"cache_ttl"`

	// CacheMaxEntries bounds the response cache.
	CacheMaxEntries int `yaml:"cache_max_entries"`

	// RequestsPerSecond rate-limits backend calls. 0 disables limiting.
	RequestsPerSecond int `yaml:"requests_per_second"`

	// ScaleInterval is how often the pool scaling policy runs.
	ScaleInterval string `yaml:"scale_interval"`
}

// BackendConfig configures the inference backend endpoint.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SleepAgent: SleepAgentConfig{
			Model:               "llama3:8b",
			Context:             2048,
			MessageTrigger:      5,
			MinSleepInterval:    "30s",
			MaxSleepInterval:    "300s",
			PauseDelayAfterMain: "15s",
			PromptPath:          "prompts/sleep_agent_prompt.txt",
		},
		Dispatch: DispatchConfig{
			PoolSize:          10,
			PoolMinSize:       2,
			PoolMaxSize:       32,
			AcquireTimeout:    "60s",
			QueueCapacity:     64,
			CacheTTL:          "600s",
			CacheMaxEntries:   1024,
			RequestsPerSecond: 8,
			ScaleInterval:     "10s",
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:11434",
			Timeout: "120s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, applying defaults and
// environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("SOMNUS_BACKEND_URL"); url != "" {
		c.Backend.BaseURL = url
	}
	if model := os.Getenv("SOMNUS_SLEEP_MODEL"); model != "" {
		c.SleepAgent.Model = model
	}
	if n := os.Getenv("SOMNUS_POOL_SIZE"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			c.Dispatch.PoolSize = v
		}
	}
	if n := os.Getenv("SOMNUS_MESSAGE_TRIGGER"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v >= 0 {
			c.SleepAgent.MessageTrigger = v
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetMinSleepInterval returns the cycle floor as a duration.
func (c *Config) GetMinSleepInterval() time.Duration {
	return parseDuration(c.SleepAgent.MinSleepInterval, 30*time.Second)
}

// GetMaxSleepInterval returns the elapsed-time trigger as a duration.
func (c *Config) GetMaxSleepInterval() time.Duration {
	return parseDuration(c.SleepAgent.MaxSleepInterval, 300*time.Second)
}

// GetPauseDelayAfterMain returns the post-activity quiet period.
func (c *Config) GetPauseDelayAfterMain() time.Duration {
	return parseDuration(c.SleepAgent.PauseDelayAfterMain, 15*time.Second)
}

// GetAcquireTimeout returns the default pool acquire bound.
func (c *Config) GetAcquireTimeout() time.Duration {
	return parseDuration(c.Dispatch.AcquireTimeout, 60*time.Second)
}

// GetCacheTTL returns the default response cache TTL.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDuration(c.Dispatch.CacheTTL, 600*time.Second)
}

// GetScaleInterval returns the pool scaling tick interval.
func (c *Config) GetScaleInterval() time.Duration {
	return parseDuration(c.Dispatch.ScaleInterval, 10*time.Second)
}

// GetBackendTimeout returns the backend HTTP timeout.
func (c *Config) GetBackendTimeout() time.Duration {
	return parseDuration(c.Backend.Timeout, 120*time.Second)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.SleepAgent.Model == "" {
		return fmt.Errorf("sleep_agent.model is required")
	}
	if c.SleepAgent.MessageTrigger < 0 {
		return fmt.Errorf("sleep_agent.message_trigger must be >= 0")
	}
	if c.GetMinSleepInterval() > c.GetMaxSleepInterval() {
		return fmt.Errorf("sleep_agent.min_sleep_interval exceeds max_sleep_interval")
	}
	if c.Dispatch.PoolSize <= 0 {
		return fmt.Errorf("dispatch.pool_size must be positive")
	}
	if c.Dispatch.PoolMinSize <= 0 || c.Dispatch.PoolMaxSize < c.Dispatch.PoolMinSize {
		return fmt.Errorf("dispatch pool bounds invalid: min=%d max=%d",
			c.Dispatch.PoolMinSize, c.Dispatch.PoolMaxSize)
	}
	if c.Dispatch.PoolSize < c.Dispatch.PoolMinSize || c.Dispatch.PoolSize > c.Dispatch.PoolMaxSize {
		return fmt.Errorf("dispatch.pool_size %d outside [%d, %d]",
			c.Dispatch.PoolSize, c.Dispatch.PoolMinSize, c.Dispatch.PoolMaxSize)
	}
	if c.Dispatch.QueueCapacity <= 0 {
		return fmt.Errorf("dispatch.queue_capacity must be positive")
	}
	if c.Dispatch.CacheMaxEntries <= 0 {
		return fmt.Errorf("dispatch.cache_max_entries must be positive")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	return nil
}
