package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestWatcher(t *testing.T) (string, *Watcher) {
	t.Helper()
	t.Setenv("SOMNUS_SLEEP_MODEL", "")

	tmpDir := t.TempDir()
	require.NoError(t, DefaultConfig().Save(filepath.Join(tmpDir, ConfigFileName)))

	w, err := NewWatcher(tmpDir)
	require.NoError(t, err)
	w.debounceDur = 50 * time.Millisecond

	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return tmpDir, w
}

func TestWatcher_ReloadOnWrite(t *testing.T) {
	tmpDir, w := startTestWatcher(t)
	updates := w.Subscribe()

	cfg := DefaultConfig()
	cfg.SleepAgent.Model = "phi3:mini"
	cfg.SleepAgent.MessageTrigger = 2
	require.NoError(t, cfg.Save(filepath.Join(tmpDir, ConfigFileName)))

	select {
	case got := <-updates:
		require.Equal(t, "phi3:mini", got.SleepAgent.Model)
		require.Equal(t, 2, got.SleepAgent.MessageTrigger)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload delivered after config write")
	}
}

func TestWatcher_InvalidConfigKeptOut(t *testing.T) {
	tmpDir, w := startTestWatcher(t)
	updates := w.Subscribe()

	bad := DefaultConfig()
	bad.Dispatch.QueueCapacity = 0
	require.NoError(t, bad.Save(filepath.Join(tmpDir, ConfigFileName)))

	select {
	case got := <-updates:
		t.Fatalf("invalid config should not be delivered, got queue=%d", got.Dispatch.QueueCapacity)
	case <-time.After(1 * time.Second):
	}
}

func TestWatcher_DebounceCoalescesBurst(t *testing.T) {
	tmpDir, w := startTestWatcher(t)
	updates := w.Subscribe()

	// A burst of saves inside the debounce window should yield one reload.
	for i := 0; i < 5; i++ {
		cfg := DefaultConfig()
		cfg.SleepAgent.MessageTrigger = i + 1
		require.NoError(t, cfg.Save(filepath.Join(tmpDir, ConfigFileName)))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case got := <-updates:
		require.Equal(t, 5, got.SleepAgent.MessageTrigger)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload delivered after burst")
	}

	select {
	case <-updates:
		t.Fatal("burst should coalesce into a single reload")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	tmpDir, err := filepath.Abs(t.TempDir())
	require.NoError(t, err)
	w, err := NewWatcher(tmpDir)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
