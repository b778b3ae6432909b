package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/api"
	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/home"
	"github.com/tanoshi/narration/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	serverURL    string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "narration",
	Short: "Page-by-page audio narration service for scanned chapters",
	Long: `narration turns a window of uploaded page images into per-page narration audio.

The pipeline:
  - Clients open a session for a window of a chapter and upload page images
  - A vision model extracts ordered dialogue and narration lines per page
  - Each line is synthesized with the voice of its speaker
  - Page audio is published as it becomes ready over SSE or WebSocket`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.narration/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "narration home directory (default: ~/.narration)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "server URL for client commands",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)
	rootCmd.PersistentFlags().StringVar(
		&logFormat, "log-format", "text", "log format: text or json",
	)

	// Set output format and load .env before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := api.SetOutputFormat(outputFormat); err != nil {
			return err
		}
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		return config.LoadEnvFile(h.EnvPath())
	}

	rootCmd.AddCommand(versionCmd)
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func getHome() (*home.Dir, error) {
	return home.New(homeDir)
}

// loadConfig reads --config, or searches the working and home directories.
func loadConfig(h *home.Dir) (*config.Manager, error) {
	return config.NewManager(cfgFile, h.Path())
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", logFormat)
	}
}
