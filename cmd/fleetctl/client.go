// ABOUTME: Minimal HTTP/websocket client for the fleetd API used by fleetctl
// ABOUTME: Reads server address and token from the TOML config file

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
)

// cliConfig is fleetctl's on-disk configuration.
type cliConfig struct {
	Server string `toml:"server"` // http://host:port
	Token  string `toml:"token"`
}

// configPath resolves the fleetctl config file.
// Priority: FLEETCTL_CONFIG env var > XDG_CONFIG_HOME/fleetctl/config.toml > ~/.config/fleetctl/config.toml
func configPath() string {
	if envPath := os.Getenv("FLEETCTL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleetctl.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleetctl", "config.toml")
}

func loadConfig() (*cliConfig, error) {
	path := configPath()
	var cfg cliConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("server is not set in %s", path)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is not set in %s", path)
	}
	return &cfg, nil
}

func saveConfig(cfg *cliConfig) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// apiClient talks to the fleetd HTTP API.
type apiClient struct {
	cfg  *cliConfig
	http *http.Client
}

func newClient() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return &apiClient{cfg: cfg, http: http.DefaultClient}, nil
}

// do issues one authenticated request and decodes the JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Server+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// subscribe opens the live event websocket for the given topics and returns
// the connection. The caller reads JSON events until the context ends.
func (c *apiClient) subscribe(ctx context.Context, topics []string) (*websocket.Conn, error) {
	wsURL := "ws" + c.cfg.Server[len("http"):] + "/ws/subscribe?token=" + c.cfg.Token
	for _, topic := range topics {
		wsURL += "&topic=" + topic
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing subscribe socket: %w", err)
	}
	return ws, nil
}
