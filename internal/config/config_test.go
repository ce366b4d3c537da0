package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SleepAgent.Model != "llama3:8b" {
		t.Errorf("expected Model=llama3:8b, got %s", cfg.SleepAgent.Model)
	}
	if cfg.SleepAgent.MessageTrigger != 5 {
		t.Errorf("expected MessageTrigger=5, got %d", cfg.SleepAgent.MessageTrigger)
	}
	if cfg.Dispatch.PoolSize != 10 {
		t.Errorf("expected PoolSize=10, got %d", cfg.Dispatch.PoolSize)
	}
	if cfg.Dispatch.PoolMinSize != 2 || cfg.Dispatch.PoolMaxSize != 32 {
		t.Errorf("expected pool bounds [2,32], got [%d,%d]", cfg.Dispatch.PoolMinSize, cfg.Dispatch.PoolMaxSize)
	}
	if cfg.Backend.BaseURL != "http://localhost:11434" {
		t.Errorf("expected default backend URL, got %s", cfg.Backend.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("SOMNUS_BACKEND_URL", "")
	t.Setenv("SOMNUS_SLEEP_MODEL", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.SleepAgent.Model = "qwen2.5:7b"
	cfg.SleepAgent.MessageTrigger = 3
	cfg.Dispatch.PoolSize = 4

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save/load (-saved +loaded):\n%s", diff)
	}
}

func TestConfig_LoadMissingFileYieldsDefaults(t *testing.T) {
	t.Setenv("SOMNUS_BACKEND_URL", "")
	t.Setenv("SOMNUS_SLEEP_MODEL", "")

	loaded, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err != nil {
		t.Fatalf("Load of missing file should not fail: %v", err)
	}
	if loaded.SleepAgent.Model != "llama3:8b" {
		t.Errorf("expected default model, got %s", loaded.SleepAgent.Model)
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	os.Setenv("SOMNUS_BACKEND_URL", "http://gpu-box:11434")
	os.Setenv("SOMNUS_SLEEP_MODEL", "phi3:mini")
	os.Setenv("SOMNUS_POOL_SIZE", "6")
	defer func() {
		os.Unsetenv("SOMNUS_BACKEND_URL")
		os.Unsetenv("SOMNUS_SLEEP_MODEL")
		os.Unsetenv("SOMNUS_POOL_SIZE")
	}()

	loaded, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Backend.BaseURL != "http://gpu-box:11434" {
		t.Errorf("expected env backend URL, got %s", loaded.Backend.BaseURL)
	}
	if loaded.SleepAgent.Model != "phi3:mini" {
		t.Errorf("expected env model, got %s", loaded.SleepAgent.Model)
	}
	if loaded.Dispatch.PoolSize != 6 {
		t.Errorf("expected env pool size 6, got %d", loaded.Dispatch.PoolSize)
	}
}

func TestConfig_PartialYAMLKeepsDefaults(t *testing.T) {
	t.Setenv("SOMNUS_SLEEP_MODEL", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, ConfigFileName)
	partial := []byte("sleep_agent:\n  message_trigger: 9\n")
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.SleepAgent.MessageTrigger != 9 {
		t.Errorf("expected MessageTrigger=9, got %d", loaded.SleepAgent.MessageTrigger)
	}
	if loaded.SleepAgent.Model != "llama3:8b" {
		t.Errorf("unset fields should keep defaults, got model %s", loaded.SleepAgent.Model)
	}
	if loaded.Dispatch.QueueCapacity != 64 {
		t.Errorf("unset fields should keep defaults, got queue %d", loaded.Dispatch.QueueCapacity)
	}
}

func TestConfig_DurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GetMinSleepInterval(); got != 30*time.Second {
		t.Errorf("expected 30s, got %v", got)
	}
	if got := cfg.GetMaxSleepInterval(); got != 300*time.Second {
		t.Errorf("expected 300s, got %v", got)
	}
	if got := cfg.GetPauseDelayAfterMain(); got != 15*time.Second {
		t.Errorf("expected 15s, got %v", got)
	}
	if got := cfg.GetCacheTTL(); got != 600*time.Second {
		t.Errorf("expected 600s, got %v", got)
	}

	// Malformed strings fall back to defaults rather than zero.
	cfg.SleepAgent.MinSleepInterval = "not-a-duration"
	if got := cfg.GetMinSleepInterval(); got != 30*time.Second {
		t.Errorf("malformed duration should fall back to default, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty model", func(c *Config) { c.SleepAgent.Model = "" }, true},
		{"negative trigger", func(c *Config) { c.SleepAgent.MessageTrigger = -1 }, true},
		{"min above max", func(c *Config) {
			c.SleepAgent.MinSleepInterval = "10m"
			c.SleepAgent.MaxSleepInterval = "1m"
		}, true},
		{"pool size below min", func(c *Config) { c.Dispatch.PoolSize = 1 }, true},
		{"pool size above max", func(c *Config) { c.Dispatch.PoolSize = 64 }, true},
		{"zero queue", func(c *Config) { c.Dispatch.QueueCapacity = 0 }, true},
		{"empty backend url", func(c *Config) { c.Backend.BaseURL = "" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
