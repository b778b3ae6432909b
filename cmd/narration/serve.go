package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/config"
	"github.com/tanoshi/narration/internal/server"
)

var (
	serveHost    string
	servePort    string
	embeddedNATS bool
	watchConfig  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the narration server",
	Long: `Start the narration HTTP server.

With store.backend=nats the server connects to nats.url, or runs a broker
in-process with --embedded-nats. Start a containerized broker with
'narration nats start'.

The server provides:
  - /session/start, /session/next  - open a window and get upload URLs
  - /jobs/{id}/events, /jobs/{id}/ws - page progress streams
  - /audio/{id}/page-{n}.wav        - finished page audio
  - /health, /ready, /status        - health and pool status

Examples:
  narration serve                     # Start on the configured port
  narration serve --port 3000         # Start on a custom port
  narration serve --embedded-nats     # nats backend without a separate broker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger, err := newLogger()
		if err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		// Flags override the file through the environment layer.
		if cmd.Flags().Changed("host") {
			os.Setenv(config.EnvPrefix+"_SERVER_HOST", serveHost)
		}
		if cmd.Flags().Changed("port") {
			os.Setenv(config.EnvPrefix+"_SERVER_PORT", servePort)
		}

		mgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		if f := mgr.FileUsed(); f != "" {
			logger.Info("loaded config", "file", f)
		}
		if watchConfig {
			mgr.WatchConfig()
		}

		srv, err := server.New(server.Config{
			ConfigManager: mgr,
			Home:          h,
			EmbeddedNATS:  embeddedNATS,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "Run a NATS server in-process for the nats backend")
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the config file when it changes")

	rootCmd.AddCommand(serveCmd)
}
