package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"somnus/internal/agent"
	"somnus/internal/config"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "somnus",
	Short: "somnus - background memory maintenance for an interactive assistant",
	Long: `somnus runs the sleep agent: a background scheduler that waits for the
assistant to go quiet, then spends idle backend capacity consolidating
conversation history into long-term memory.

All backend traffic flows through a pooled, cached, rate-limited dispatch
client; foreground requests always win admission over background work.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the runtime and blocks until signalled.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sleep agent runtime",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}

		var prompt string
		if cfg, err := config.Load(filepath.Join(ws, config.ConfigFileName)); err == nil {
			if data, err := os.ReadFile(filepath.Join(ws, cfg.SleepAgent.PromptPath)); err == nil {
				prompt = string(data)
			}
		}

		rt, err := agent.NewRuntime(ws, agent.Options{
			SystemPrompt: prompt,
			WatchConfig:  true,
		})
		if err != nil {
			return fmt.Errorf("failed to start runtime: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("somnus running", zap.String("workspace", ws))
		if err := rt.Run(ctx); err != nil {
			return fmt.Errorf("runtime exited: %w", err)
		}
		logger.Info("somnus stopped")
		return nil
	},
}

// initCmd writes a default somnus.yaml.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default somnus.yaml to the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path := filepath.Join(ws, config.ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

// statusCmd starts a runtime just long enough to print the health block.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the scheduler status and pool/cache metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		rt, err := agent.NewRuntime(ws, agent.Options{})
		if err != nil {
			return err
		}
		defer rt.Close()

		h := rt.Health()
		fmt.Printf("phase:                     %s\n", h.Phase)
		fmt.Printf("queue size:                %d\n", h.QueueSize)
		fmt.Printf("last cycle end:            %s\n", h.LastCycleEnd.Format("2006-01-02 15:04:05"))
		fmt.Printf("messages since last cycle: %d\n", h.MessagesSinceLastCycle)
		fmt.Printf("pool:                      %d/%d in use\n", h.PoolInUse, h.PoolCapacity)
		fmt.Printf("cache:                     %d entries, %.0f%% hit rate\n", h.CacheEntries, h.CacheHitRate*100)
		return nil
	},
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
