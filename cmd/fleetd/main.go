// ABOUTME: Entry point for the fleetd control server
// ABOUTME: Manages agent sessions, batch commands, metrics and alerting

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetd-io/fleetd/internal/config"
	"github.com/fleetd-io/fleetd/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _            _      _
 / __| |___  ___ _| |_ __| |
| |_ | / -_)/ -_)_   _/ _' |
|_|  |_\___|\___| |_| \__,_|
`

// getConfigPath returns the path to the fleetd config file.
// Priority: FLEETD_CONFIG env var > XDG_CONFIG_HOME/fleetd/fleetd.yaml > ~/.config/fleetd/fleetd.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLEETD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleetd.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "fleetd", "fleetd.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fleetd <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the fleetd server")
		fmt.Println("  health                     Check server health")
		fmt.Println("  mint-token --user ID       Mint a user API token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "mint-token":
		err = runMintToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent link: %s\n", cfg.Server.AgentAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	fmt.Println()

	logger.Info("starting fleetd",
		"config", configPath,
		"agent_addr", cfg.Server.AgentAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	core, err := server.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return core.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runMintToken issues a signed API token for a user against the configured
// JWT secret. This stands in for an external identity layer in small setups.
func runMintToken() error {
	var userID int64
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			parsed, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id: %s", args[i+1])
			}
			userID = parsed
			i++
		case strings.HasPrefix(arg, "--user="):
			parsed, err := strconv.ParseInt(strings.TrimPrefix(arg, "--user="), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id")
			}
			userID = parsed
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			parsed, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid ttl: %w", err)
			}
			ttl = parsed
			i++
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if userID == 0 {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
