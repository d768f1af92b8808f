// ABOUTME: Entry point for the fleet agent running on each monitored host
// ABOUTME: Loads config, connects to the server and serves until signalled

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/fleetd-io/fleetd/internal/agent"
)

var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: FLEET_AGENT_CONFIG env var > XDG_CONFIG_HOME/fleet-agent/agent.yaml > ~/.config/fleet-agent/agent.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEET_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleet-agent", "agent.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := getConfigPath()
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}

	var cfg agent.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("starting fleet-agent",
		"version", version,
		"server", cfg.ServerURL,
		"collect_interval", cfg.CollectInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return agent.New(cfg, logger).Run(ctx)
}
