package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tanoshi/narration/internal/natsdocker"
)

var natsCmd = &cobra.Command{
	Use:   "nats",
	Short: "Manage the NATS broker container",
	Long: `Manage the NATS broker used by store.backend=nats.

The broker runs in a Docker container with JetStream data persisted to
~/.narration/data/nats-container/.

Examples:
  narration nats start   # Start the broker container
  narration nats stop    # Stop the container (data preserved)
  narration nats status  # Check container status
  narration nats logs    # View container logs`,
}

func getDockerManager() (*natsdocker.DockerManager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	dataPath := filepath.Join(h.DataPath(), "nats-container")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, err
	}
	return natsdocker.NewDockerManager(natsdocker.DockerConfig{
		ContainerName: cfg.NATS.ContainerName,
		HomePath:      h.Path(),
		Image:         cfg.NATS.Image,
		DataPath:      dataPath,
		HostPort:      cfg.NATS.Port,
	})
}

var natsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the NATS container",
	Long: `Start the NATS container.

If the container doesn't exist, it will be created and started.
If it exists but is stopped, it will be started.
If it's already running, this is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.ValidateExisting(cmd.Context()); err != nil {
			return fmt.Errorf("existing container %s does not match config: %w", mgr.ContainerName(), err)
		}

		fmt.Println("Starting NATS...")
		if err := mgr.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start NATS: %w", err)
		}
		fmt.Printf("NATS is running at %s\n", mgr.URL())
		return nil
	},
}

var natsStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the NATS container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Stopping NATS...")
		if err := mgr.Stop(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop NATS: %w", err)
		}
		fmt.Println("NATS stopped")
		return nil
	},
}

var natsRemoveCmd = &cobra.Command{
	Use:   "rm",
	Short: "Remove the NATS container (host data is kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove NATS container: %w", err)
		}
		fmt.Printf("Removed %s\n", mgr.ContainerName())
		return nil
	},
}

var natsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show NATS container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}

		switch status {
		case natsdocker.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("URL: %s\n", mgr.URL())
		case natsdocker.StatusStopped:
			fmt.Printf("Status: %s (use 'narration nats start' to start)\n", status)
		case natsdocker.StatusNotFound:
			fmt.Printf("Status: %s (use 'narration nats start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}
		return nil
	},
}

var logsTail string

var natsLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show NATS container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getDockerManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), logsTail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

func init() {
	natsLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")

	natsCmd.AddCommand(natsStartCmd)
	natsCmd.AddCommand(natsStopCmd)
	natsCmd.AddCommand(natsRemoveCmd)
	natsCmd.AddCommand(natsStatusCmd)
	natsCmd.AddCommand(natsLogsCmd)
	rootCmd.AddCommand(natsCmd)
}
