// Package cli wires the demo binaries: the background controller process and
// the remote host it defends its payload on.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/hojune02/ironspider-extension/internal/config"
)

func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ironspider",
		Short: "Service-worker-style persistence research demo",
		Long: `ironspider is a research reimplementation of a persistence-and-recovery
mechanism: a background controller that keeps a durable copy of a payload,
probes the remote host for its presence, and re-delivers it when deleted.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", getenvDefault("IRONSPIDER_CONFIG", "ironspider.yaml"),
		"path to ironspider.yaml",
	)

	rootCmd.AddCommand(
		NewControllerCommand(&configPath),
		NewHostCommand(&configPath),
		NewVersionCommand(),
	)
	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Demo convenience: run with defaults when no file is present.
			return config.Default(), nil
		}
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
