// ABOUTME: Service monitor probes executed on the agent: http, tcp, ping
// ABOUTME: Specs are pushed by the server and replaced wholesale on reload

package agent

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/internal/protocol"
)

// MonitorRunner keeps one probe goroutine per monitor spec.
type MonitorRunner struct {
	logger *slog.Logger
	client *http.Client

	mu      sync.Mutex
	ctx     context.Context
	conn    frameWriter
	specs   []protocol.MonitorSpec
	cancels []context.CancelFunc
}

// NewMonitorRunner creates a runner with no active probes.
func NewMonitorRunner(logger *slog.Logger) *MonitorRunner {
	return &MonitorRunner{
		logger: logger.With("component", "monitors"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Attach binds the runner to a live session and restarts probes for the
// current spec set.
func (m *MonitorRunner) Attach(ctx context.Context, conn frameWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.conn = conn
	m.restartLocked()
}

// Detach stops all probes when the session ends. Specs are kept for the
// next attach.
func (m *MonitorRunner) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.ctx = nil
	m.conn = nil
}

// Reload replaces the probe set.
func (m *MonitorRunner) Reload(specs []protocol.MonitorSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs = specs
	m.logger.Info("monitor specs reloaded", "count", len(specs))
	m.restartLocked()
}

func (m *MonitorRunner) stopLocked() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

func (m *MonitorRunner) restartLocked() {
	m.stopLocked()
	if m.ctx == nil || m.conn == nil {
		return
	}
	for _, spec := range m.specs {
		probeCtx, cancel := context.WithCancel(m.ctx)
		m.cancels = append(m.cancels, cancel)
		go m.probeLoop(probeCtx, m.conn, spec)
	}
}

func (m *MonitorRunner) probeLoop(ctx context.Context, conn frameWriter, spec protocol.MonitorSpec) {
	ticker := time.NewTicker(time.Duration(spec.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up, latency, details := m.probe(ctx, spec)
			frame, err := protocol.NewFrame(protocol.KindServiceMonitorResult,
				&protocol.ServiceMonitorResult{
					MonitorID: spec.MonitorID,
					IsUp:      up,
					LatencyMs: latency,
					Details:   details,
				})
			if err != nil {
				continue
			}
			if err := conn.WriteFrame(frame); err != nil {
				return
			}
		}
	}
}

func (m *MonitorRunner) probe(ctx context.Context, spec protocol.MonitorSpec) (bool, int64, string) {
	start := time.Now()
	switch spec.Kind {
	case "http":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Target, nil)
		if err != nil {
			return false, 0, err.Error()
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return false, 0, err.Error()
		}
		resp.Body.Close()
		latency := time.Since(start).Milliseconds()
		if resp.StatusCode >= 500 {
			return false, latency, "status " + strconv.Itoa(resp.StatusCode)
		}
		return true, latency, ""

	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", spec.Target)
		if err != nil {
			return false, 0, err.Error()
		}
		conn.Close()
		return true, time.Since(start).Milliseconds(), ""

	case "ping":
		// System ping avoids needing raw socket privileges.
		cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "5", spec.Target)
		if err := cmd.Run(); err != nil {
			return false, 0, err.Error()
		}
		return true, time.Since(start).Milliseconds(), ""

	default:
		return false, 0, "unknown monitor kind " + spec.Kind
	}
}
