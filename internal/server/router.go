// ABOUTME: Composite inbound frame router delegating to dispatch and ingest
// ABOUTME: The session layer sees one Router; command and telemetry paths stay separate

package server

import (
	"context"

	"github.com/fleetd-io/fleetd/internal/dispatch"
	"github.com/fleetd-io/fleetd/internal/ingest"
	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/session"
)

// Router fans decoded frames out to the owning subsystem.
type Router struct {
	dispatcher *dispatch.Dispatcher
	pipeline   *ingest.Pipeline
}

var _ session.Router = (*Router)(nil)

// NewRouter wires the two inbound paths together.
func NewRouter(d *dispatch.Dispatcher, p *ingest.Pipeline) *Router {
	return &Router{dispatcher: d, pipeline: p}
}

func (r *Router) HandleMetricFrame(ctx context.Context, agentID int64, frame *protocol.MetricFrame) {
	r.pipeline.HandleMetricFrame(ctx, agentID, frame)
}

func (r *Router) HandleCommandAck(ctx context.Context, agentID int64, ack *protocol.CommandAck) {
	r.dispatcher.HandleCommandAck(ctx, agentID, ack)
}

func (r *Router) HandleCommandStarted(ctx context.Context, agentID int64, started *protocol.CommandStarted) {
	r.dispatcher.HandleCommandStarted(ctx, agentID, started)
}

func (r *Router) HandleCommandOutputChunk(ctx context.Context, agentID int64, chunk *protocol.CommandOutputChunk) {
	r.dispatcher.HandleCommandOutputChunk(ctx, agentID, chunk)
}

func (r *Router) HandleCommandCompleted(ctx context.Context, agentID int64, completed *protocol.CommandCompleted) {
	r.dispatcher.HandleCommandCompleted(ctx, agentID, completed)
}

func (r *Router) HandleDockerInventory(ctx context.Context, agentID int64, inv *protocol.DockerInventory) {
	r.pipeline.HandleDockerInventory(ctx, agentID, inv)
}

func (r *Router) HandleMonitorResult(ctx context.Context, agentID int64, result *protocol.ServiceMonitorResult) {
	r.pipeline.HandleMonitorResult(ctx, agentID, result)
}

func (r *Router) HandleUndeliveredCommand(ctx context.Context, agentID int64, cmd *protocol.ExecuteCommand) {
	r.dispatcher.HandleUndeliveredCommand(ctx, agentID, cmd)
}
