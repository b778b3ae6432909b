package natsutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process NATS server with JetStream.
type EmbeddedConfig struct {
	Host     string
	Port     int
	StoreDir string
	Logger   *slog.Logger
}

// RunEmbedded starts an in-process NATS server and waits until it accepts
// connections. Callers own Shutdown.
func RunEmbedded(cfg EmbeddedConfig) (*server.Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := &server.Options{
		ServerName: "narration-embedded",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	logger.Info("embedded nats server started", "url", ns.ClientURL(), "store_dir", cfg.StoreDir)
	return ns, nil
}
