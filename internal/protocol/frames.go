// ABOUTME: Wire frame definitions for the agent link
// ABOUTME: Kind-tagged JSON envelope with typed payloads for both directions

package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameKind identifies the payload type of a Frame. Unknown kinds must be
// logged and ignored by the receiver so either side can add frames without
// breaking the other.
type FrameKind string

// Server-bound frame kinds.
const (
	KindAgentHello           FrameKind = "agent_hello"
	KindHeartbeat            FrameKind = "heartbeat"
	KindMetricFrame          FrameKind = "metric_frame"
	KindCommandAck           FrameKind = "command_ack"
	KindCommandStarted       FrameKind = "command_started"
	KindCommandOutputChunk   FrameKind = "command_output_chunk"
	KindCommandCompleted     FrameKind = "command_completed"
	KindDockerInventory      FrameKind = "docker_inventory"
	KindServiceMonitorResult FrameKind = "service_monitor_result"
)

// Agent-bound frame kinds.
const (
	KindServerHello           FrameKind = "server_hello"
	KindPing                  FrameKind = "ping"
	KindExecuteCommand        FrameKind = "execute_command"
	KindTerminateCommand      FrameKind = "terminate_command"
	KindServerShuttingDown    FrameKind = "server_shutting_down"
	KindReloadServiceMonitors FrameKind = "reload_service_monitors"
)

// Frame is the envelope carried on the wire. Data holds the JSON encoding of
// the payload struct matching Kind.
type Frame struct {
	Kind FrameKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame of the given kind.
func NewFrame(kind FrameKind, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", kind, err)
	}
	return &Frame{Kind: kind, Data: data}, nil
}

// Decode unmarshals the frame payload into dst.
func (f *Frame) Decode(dst any) error {
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("decoding %s frame: %w", f.Kind, err)
	}
	return nil
}

// CloseReason is the typed reason code sent when the server closes a session.
// The agent derives its minimum reconnect backoff from the reason.
type CloseReason string

const (
	ReasonHandshakeFailed CloseReason = "handshake_failed"
	ReasonVersionMismatch CloseReason = "version_mismatch"
	ReasonAuthRejected    CloseReason = "auth_rejected"
	ReasonHeartbeatLost   CloseReason = "heartbeat_lost"
	ReasonSuperseded      CloseReason = "superseded"
	ReasonProtocolError   CloseReason = "protocol_error"
	ReasonShuttingDown    CloseReason = "shutting_down"
)

// MinBackoffSeconds returns the minimum reconnect backoff the agent must
// observe after a close with this reason.
func (r CloseReason) MinBackoffSeconds() int64 {
	switch r {
	case ReasonAuthRejected, ReasonVersionMismatch:
		return 60
	case ReasonShuttingDown:
		return 10
	case ReasonSuperseded:
		return 0 // the replacement session is already up
	default:
		return 5
	}
}

// AgentHello opens every session. DeclaredID is zero for first-time agents;
// the server assigns an ID and returns it in ServerHello.
type AgentHello struct {
	DeclaredID   int64    `json:"declared_id,omitempty"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	AuthToken    string   `json:"auth_token"`
}

// ServerHello completes the handshake.
type ServerHello struct {
	AgentID              int64    `json:"agent_id"`
	ServerVersion        string   `json:"server_version"`
	HeartbeatIntervalMs  int64    `json:"heartbeat_interval_ms"`
	AcceptedCapabilities []string `json:"accepted_capabilities,omitempty"`
}

// Heartbeat is sent by the agent every heartbeat interval. Any inbound frame
// resets the server-side deadline; Heartbeat exists for otherwise idle links.
type Heartbeat struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// Ping is piggybacked by the server when the outbound side has been idle for
// more than one heartbeat interval.
type Ping struct {
	TimestampMs int64 `json:"timestamp_ms"`
}

// DiskSample is per-mountpoint usage within a MetricFrame.
type DiskSample struct {
	Mountpoint string `json:"mountpoint"`
	UsedBytes  int64  `json:"used_bytes"`
	TotalBytes int64  `json:"total_bytes"`
}

// NICSample is per-interface rate counters within a MetricFrame.
type NICSample struct {
	Name        string `json:"name"`
	RxBytesRate int64  `json:"rx_bytes_rate"`
	TxBytesRate int64  `json:"tx_bytes_rate"`
}

// ContainerSample is optional per-container telemetry within a MetricFrame.
type ContainerSample struct {
	ContainerID string  `json:"container_id"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemBytes    int64   `json:"mem_bytes"`
	State       string  `json:"state"`
}

// MetricFrame carries one collection cycle of host telemetry.
// Timestamps are milliseconds since epoch UTC.
type MetricFrame struct {
	TimestampMs   int64             `json:"timestamp_ms"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemUsedBytes  int64             `json:"mem_used_bytes"`
	MemTotalBytes int64             `json:"mem_total_bytes"`
	Disks         []DiskSample      `json:"disks,omitempty"`
	NICs          []NICSample       `json:"nics,omitempty"`
	Containers    []ContainerSample `json:"containers,omitempty"`
}

// ExecuteCommand instructs the agent to run one child task.
type ExecuteCommand struct {
	ChildID        string `json:"child_id"`
	Payload        string `json:"payload"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// TerminateCommand asks the agent to kill a running child task, best effort.
type TerminateCommand struct {
	ChildID string `json:"child_id"`
}

// CommandAck reports whether the agent accepted a child task.
type CommandAck struct {
	ChildID  string `json:"child_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CommandStarted reports execution start.
type CommandStarted struct {
	ChildID     string `json:"child_id"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// OutputStream names one of the two command output streams.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// CommandOutputChunk carries a slice of command output. Seq is strictly
// increasing per (child, stream order is shared): subscribers receive chunks
// in seq order.
type CommandOutputChunk struct {
	ChildID string       `json:"child_id"`
	Stream  OutputStream `json:"stream"`
	Bytes   []byte       `json:"bytes"`
	Seq     int64        `json:"seq"`
}

// CommandCompleted reports the terminal result of a child task.
type CommandCompleted struct {
	ChildID      string `json:"child_id"`
	ExitCode     int64  `json:"exit_code"`
	FinishedAtMs int64  `json:"finished_at_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ContainerInfo is one entry of a DockerInventory.
type ContainerInfo struct {
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	Image       string `json:"image"`
	State       string `json:"state"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// DockerInventory is the agent's full container listing.
type DockerInventory struct {
	Containers []ContainerInfo `json:"containers"`
}

// ServiceMonitorResult reports one probe outcome.
type ServiceMonitorResult struct {
	MonitorID int64  `json:"monitor_id"`
	IsUp      bool   `json:"is_up"`
	LatencyMs int64  `json:"latency_ms"`
	Details   string `json:"details,omitempty"`
}

// ServerShuttingDown tells agents to back off reconnecting while the server
// restarts.
type ServerShuttingDown struct {
	BackoffSeconds int64 `json:"backoff_seconds"`
}

// MonitorSpec is one probe definition pushed to agents.
type MonitorSpec struct {
	MonitorID       int64  `json:"monitor_id"`
	Kind            string `json:"kind"` // http, tcp, ping
	Target          string `json:"target"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

// ReloadServiceMonitors replaces the agent's probe set.
type ReloadServiceMonitors struct {
	Monitors []MonitorSpec `json:"monitors"`
}
