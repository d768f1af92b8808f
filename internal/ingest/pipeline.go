// ABOUTME: Metric ingest pipeline: validates, rate limits, dedupes and batches
// ABOUTME: inbound telemetry, then publishes it and hands samples to alerting

package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/dedupe"
	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/store"
)

// maxClockSkew bounds how far a sample timestamp may drift from server time
// before the frame is rejected.
const maxClockSkew = 5 * time.Minute

// Sample is one scalar observation handed to the alert evaluator.
type Sample struct {
	AgentID     int64
	MetricType  string
	Value       float64
	TimestampMs int64
	Detail      string // mountpoint, NIC name or monitor ID for scoped metrics
}

// Evaluator receives validated samples synchronously, in arrival order per
// agent. Implemented by the alert engine.
type Evaluator interface {
	EvaluateSample(ctx context.Context, s Sample)
}

// Config tunes the pipeline.
type Config struct {
	BatchMax       int
	FlushInterval  time.Duration
	AgentRateLimit float64 // frames per second per agent
}

// tokenBucket is a minimal per-agent admission limiter.
type tokenBucket struct {
	tokens float64
	last   time.Time
}

// Pipeline is the inbound telemetry path. Frames flow through validation,
// rate limiting and replay dedupe before being batched into the repository
// and fanned out to subscribers and the alert evaluator.
type Pipeline struct {
	store     store.Store
	bus       *broadcast.Broadcaster
	evaluator Evaluator
	cfg       Config
	logger    *slog.Logger

	seen *dedupe.Cache

	bucketMu sync.Mutex
	buckets  map[int64]*tokenBucket

	batchMu sync.Mutex
	batch   []*store.MetricRow
}

// New creates the pipeline. Call Run to start the flush loop.
func New(st store.Store, bus *broadcast.Broadcaster, ev Evaluator, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		bus:       bus,
		evaluator: ev,
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		seen:      dedupe.New(maxClockSkew, 65536),
		buckets:   make(map[int64]*tokenBucket),
		batch:     make([]*store.MetricRow, 0, cfg.BatchMax),
	}
}

// Run flushes the write batch on the configured interval until ctx is done,
// then performs a final flush.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.flush(ctx)
		case <-ctx.Done():
			p.flush(context.Background())
			return
		}
	}
}

// admit charges one token from the agent's bucket. Burst equals one second
// of refill.
func (p *Pipeline) admit(agentID int64) bool {
	p.bucketMu.Lock()
	defer p.bucketMu.Unlock()

	now := time.Now()
	b, ok := p.buckets[agentID]
	if !ok {
		b = &tokenBucket{tokens: p.cfg.AgentRateLimit, last: now}
		p.buckets[agentID] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * p.cfg.AgentRateLimit
	if b.tokens > p.cfg.AgentRateLimit {
		b.tokens = p.cfg.AgentRateLimit
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// validate rejects frames that cannot be a sane observation.
func validate(frame *protocol.MetricFrame) bool {
	skew := time.Since(time.UnixMilli(frame.TimestampMs))
	if skew > maxClockSkew || skew < -maxClockSkew {
		return false
	}
	if frame.CPUPercent < 0 || frame.CPUPercent > 100 {
		return false
	}
	if frame.MemUsedBytes < 0 || frame.MemTotalBytes < 0 {
		return false
	}
	for _, d := range frame.Disks {
		if d.UsedBytes < 0 || d.TotalBytes < 0 {
			return false
		}
	}
	for _, n := range frame.NICs {
		if n.RxBytesRate < 0 || n.TxBytesRate < 0 {
			return false
		}
	}
	return true
}

// HandleMetricFrame is the session router entry point for telemetry.
func (p *Pipeline) HandleMetricFrame(ctx context.Context, agentID int64, frame *protocol.MetricFrame) {
	if !p.admit(agentID) {
		p.logger.Debug("metric frame rate limited", "agent_id", agentID)
		return
	}
	if !validate(frame) {
		p.logger.Warn("invalid metric frame dropped",
			"agent_id", agentID, "timestamp_ms", frame.TimestampMs)
		return
	}
	if p.seen.CheckAndMark(dedupeKey(agentID, frame.TimestampMs)) {
		p.logger.Debug("duplicate metric frame dropped",
			"agent_id", agentID, "timestamp_ms", frame.TimestampMs)
		return
	}

	row := rowFromFrame(agentID, frame)
	p.enqueue(ctx, row)

	p.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicAgentMetrics(agentID),
		Type:    broadcast.TypeMetrics,
		Payload: frame,
	})

	for _, s := range derivedSamples(agentID, frame) {
		p.evaluator.EvaluateSample(ctx, s)
	}
}

func dedupeKey(agentID, timestampMs int64) string {
	return strconv.FormatInt(agentID, 10) + ":" + strconv.FormatInt(timestampMs, 10)
}

func rowFromFrame(agentID int64, frame *protocol.MetricFrame) *store.MetricRow {
	disks, _ := json.Marshal(frame.Disks)
	nics, _ := json.Marshal(frame.NICs)
	containers, _ := json.Marshal(frame.Containers)
	return &store.MetricRow{
		AgentID:        agentID,
		TimestampMs:    frame.TimestampMs,
		CPUPercent:     frame.CPUPercent,
		MemUsedBytes:   frame.MemUsedBytes,
		MemTotalBytes:  frame.MemTotalBytes,
		DisksJSON:      string(disks),
		NICsJSON:       string(nics),
		ContainersJSON: string(containers),
	}
}

// derivedSamples flattens a frame into the scalar series alert rules see.
func derivedSamples(agentID int64, frame *protocol.MetricFrame) []Sample {
	samples := []Sample{{
		AgentID: agentID, MetricType: store.MetricCPUPercent,
		Value: frame.CPUPercent, TimestampMs: frame.TimestampMs,
	}}

	if frame.MemTotalBytes > 0 {
		samples = append(samples, Sample{
			AgentID: agentID, MetricType: store.MetricMemUsedPercent,
			Value:       100 * float64(frame.MemUsedBytes) / float64(frame.MemTotalBytes),
			TimestampMs: frame.TimestampMs,
		})
	}
	for _, d := range frame.Disks {
		if d.TotalBytes == 0 {
			continue
		}
		samples = append(samples, Sample{
			AgentID: agentID, MetricType: store.MetricDiskUsedPercent,
			Value:       100 * float64(d.UsedBytes) / float64(d.TotalBytes),
			TimestampMs: frame.TimestampMs,
			Detail:      d.Mountpoint,
		})
	}
	for _, n := range frame.NICs {
		samples = append(samples,
			Sample{
				AgentID: agentID, MetricType: store.MetricNetRxBytesRate,
				Value: float64(n.RxBytesRate), TimestampMs: frame.TimestampMs, Detail: n.Name,
			},
			Sample{
				AgentID: agentID, MetricType: store.MetricNetTxBytesRate,
				Value: float64(n.TxBytesRate), TimestampMs: frame.TimestampMs, Detail: n.Name,
			})
	}
	return samples
}

// enqueue adds a row to the write batch, flushing early when full.
func (p *Pipeline) enqueue(ctx context.Context, row *store.MetricRow) {
	p.batchMu.Lock()
	p.batch = append(p.batch, row)
	full := len(p.batch) >= p.cfg.BatchMax
	p.batchMu.Unlock()

	if full {
		p.flush(ctx)
	}
}

// flush writes the pending batch in one transaction. Duplicate rows are
// ignored at the repository layer, so a replay between flushes is harmless.
func (p *Pipeline) flush(ctx context.Context) {
	p.batchMu.Lock()
	if len(p.batch) == 0 {
		p.batchMu.Unlock()
		return
	}
	rows := p.batch
	p.batch = make([]*store.MetricRow, 0, p.cfg.BatchMax)
	p.batchMu.Unlock()

	if err := p.store.InsertMetrics(ctx, rows); err != nil {
		p.logger.Error("flushing metric batch", "rows", len(rows), "error", err)
		return
	}
	p.logger.Debug("metric batch flushed", "rows", len(rows))
}

// HandleMonitorResult persists one probe outcome and derives the service
// metric series from it.
func (p *Pipeline) HandleMonitorResult(ctx context.Context, agentID int64, result *protocol.ServiceMonitorResult) {
	now := time.Now()
	row := &store.MonitorResultRow{
		MonitorID:   result.MonitorID,
		AgentID:     agentID,
		TimestampMs: now.UnixMilli(),
		IsUp:        result.IsUp,
		LatencyMs:   result.LatencyMs,
		Details:     result.Details,
	}
	if err := p.store.InsertMonitorResult(ctx, row); err != nil {
		p.logger.Error("persisting monitor result",
			"agent_id", agentID, "monitor_id", result.MonitorID, "error", err)
		return
	}

	p.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicAgentMetrics(agentID),
		Type:    broadcast.TypeMetrics,
		Payload: row,
	})

	up := 0.0
	if result.IsUp {
		up = 1.0
	}
	detail := strconv.FormatInt(result.MonitorID, 10)
	p.evaluator.EvaluateSample(ctx, Sample{
		AgentID: agentID, MetricType: store.MetricServiceUp,
		Value: up, TimestampMs: row.TimestampMs, Detail: detail,
	})
	p.evaluator.EvaluateSample(ctx, Sample{
		AgentID: agentID, MetricType: store.MetricServiceLatencyMs,
		Value: float64(result.LatencyMs), TimestampMs: row.TimestampMs, Detail: detail,
	})
}

// HandleDockerInventory replaces the agent's stored container listing.
func (p *Pipeline) HandleDockerInventory(ctx context.Context, agentID int64, inv *protocol.DockerInventory) {
	now := time.Now().UTC()
	rows := make([]*store.DockerContainerRow, 0, len(inv.Containers))
	for _, c := range inv.Containers {
		rows = append(rows, &store.DockerContainerRow{
			AgentID:     agentID,
			ContainerID: c.ContainerID,
			Name:        c.Name,
			Image:       c.Image,
			State:       c.State,
			CreatedAtMs: c.CreatedAtMs,
			SeenAt:      now,
		})
	}
	if err := p.store.ReplaceContainers(ctx, agentID, rows); err != nil {
		p.logger.Error("replacing container inventory", "agent_id", agentID, "error", err)
		return
	}
	p.logger.Debug("container inventory updated", "agent_id", agentID, "containers", len(rows))
}

// Close stops the dedupe cache's background goroutine.
func (p *Pipeline) Close() {
	p.seen.Close()
}
