// Package main provides the levelingai binary: an API server and task worker
// for turning uploaded PDF leveling guides into matrices of generated
// behavioral examples.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/levelingai/levelingai/config"
)

const (
	Version = "0.1.0"
	appName = "levelingai"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:     appName,
		Short:   "Leveling-guide example generation pipeline",
		Long:    "Ingests PDF leveling guides, parses the competency matrix, and generates behavioral examples for every cell via an LLM.",
		Version: Version,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(workerCmd())
	cmd.AddCommand(migrateCmd())
	return cmd
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func loadConfig() (config.Config, error) {
	return config.NewLoader(slog.Default()).Load()
}
