// ABOUTME: Store interface and data types for fleetd persistence
// ABOUTME: Defines agents, batch commands, alert rules and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint is violated
var ErrDuplicate = errors.New("already exists")

// Agent is the durable record of a monitored host. It is created on first
// handshake and never destroyed while historical metrics reference it.
type Agent struct {
	ID           int64
	UserID       int64
	Name         string
	Hostname     string
	TokenHash    string // SHA-256 hex of the agent's bearer token
	Capabilities []string
	Tags         []string
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BatchStatus is the aggregate status of a batch command.
type BatchStatus string

const (
	BatchPending               BatchStatus = "pending"
	BatchInProgress            BatchStatus = "in_progress"
	BatchCompletedAllSucceeded BatchStatus = "completed_all_succeeded"
	BatchCompletedPartial      BatchStatus = "completed_partial_failure"
	BatchCompletedAllFailed    BatchStatus = "completed_all_failed"
	BatchCompletedAllCanceled  BatchStatus = "completed_all_canceled"
	BatchCanceled              BatchStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompletedAllSucceeded, BatchCompletedPartial,
		BatchCompletedAllFailed, BatchCompletedAllCanceled, BatchCanceled:
		return true
	}
	return false
}

// TargetSelector picks the agents a batch fans out to. Exactly one of the
// three selection modes is used; resolution happens once at creation.
type TargetSelector struct {
	AgentIDs []int64  `json:"agent_ids,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	AllOwned bool     `json:"all_owned,omitempty"`
}

// BatchCommand is the durable parent of a fan-out command.
type BatchCommand struct {
	ID             string // UUID
	UserID         int64
	Command        string
	WorkingDir     string
	Target         TargetSelector
	QueueIfOffline bool
	TimeoutSeconds int64
	Status         BatchStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// ChildStatus is the per-agent task status.
type ChildStatus string

const (
	ChildPending          ChildStatus = "pending"
	ChildSentToAgent      ChildStatus = "sent_to_agent"
	ChildAgentAccepted    ChildStatus = "agent_accepted"
	ChildExecuting        ChildStatus = "executing"
	ChildCompleted        ChildStatus = "completed_successfully"
	ChildFailed           ChildStatus = "failed"
	ChildTimeout          ChildStatus = "timeout"
	ChildAgentUnreachable ChildStatus = "agent_unreachable"
	ChildCanceled         ChildStatus = "canceled"
	ChildTerminated       ChildStatus = "terminated"
)

// Terminal reports whether the status admits no further transitions.
func (s ChildStatus) Terminal() bool {
	switch s {
	case ChildCompleted, ChildFailed, ChildTimeout,
		ChildAgentUnreachable, ChildCanceled, ChildTerminated:
		return true
	}
	return false
}

// ChildTask is the per-agent execution record of a batch command.
// Exactly one child exists per (batch, agent) pair.
type ChildTask struct {
	ID           string // UUID
	BatchID      string
	AgentID      int64
	Status       ChildStatus
	ExitCode     *int64
	ErrorMessage string
	StdoutPath   string
	StderrPath   string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastOutputAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Metric types alert rules can reference. Host metrics are derived from
// metric frames; service metrics from monitor probe results.
const (
	MetricCPUPercent       = "cpu_percent"
	MetricMemUsedPercent   = "mem_used_percent"
	MetricDiskUsedPercent  = "disk_used_percent"
	MetricNetRxBytesRate   = "net_rx_bytes_rate"
	MetricNetTxBytesRate   = "net_tx_bytes_rate"
	MetricServiceUp        = "service_up"
	MetricServiceLatencyMs = "service_latency_ms"
)

// CompareOp is an alert rule comparison operator.
type CompareOp string

const (
	OpLess      CompareOp = "<"
	OpLessEq    CompareOp = "<="
	OpEqual     CompareOp = "="
	OpGreaterEq CompareOp = ">="
	OpGreater   CompareOp = ">"
	OpNotEqual  CompareOp = "!="
)

// Compare applies the operator to (value, threshold).
func (op CompareOp) Compare(value, threshold float64) bool {
	switch op {
	case OpLess:
		return value < threshold
	case OpLessEq:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpGreaterEq:
		return value >= threshold
	case OpGreater:
		return value > threshold
	case OpNotEqual:
		return value != threshold
	}
	return false
}

// AlertRule is a threshold rule evaluated over the live metric stream.
// AgentID nil scopes the rule to all of the user's agents.
type AlertRule struct {
	ID              int64
	UserID          int64
	AgentID         *int64
	MetricType      string
	Threshold       float64
	Operator        CompareOp
	DurationSeconds int64
	CooldownSeconds int64
	Active          bool
	LastTriggeredAt *time.Time
	ChannelIDs      []int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AlertEvent is one fire/resolve cycle of a rule against an agent.
// At most one open event (ResolvedAt nil) exists per (rule, agent).
type AlertEvent struct {
	ID          int64
	RuleID      int64
	AgentID     int64
	TriggeredAt time.Time
	ResolvedAt  *time.Time
	Details     string
}

// NotificationChannel is a delivery target for alert notifications.
// ConfigEncrypted holds the AES-GCM encrypted JSON config blob.
type NotificationChannel struct {
	ID              int64
	UserID          int64
	Name            string
	Type            string // telegram, webhook
	ConfigEncrypted string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MetricRow is one persisted metric sample. Structured sub-samples are
// stored as JSON columns; the alert-hot scalar fields are real columns.
type MetricRow struct {
	AgentID        int64
	TimestampMs    int64
	CPUPercent     float64
	MemUsedBytes   int64
	MemTotalBytes  int64
	DisksJSON      string
	NICsJSON       string
	ContainersJSON string
}

// ServiceMonitor is an active/passive probe definition executed by agents.
type ServiceMonitor struct {
	ID              int64
	UserID          int64
	AgentID         int64
	Kind            string // http, tcp, ping
	Target          string
	IntervalSeconds int64
	Active          bool
	CreatedAt       time.Time
}

// MonitorResultRow is one persisted probe outcome.
type MonitorResultRow struct {
	MonitorID   int64
	AgentID     int64
	TimestampMs int64
	IsUp        bool
	LatencyMs   int64
	Details     string
}

// DockerContainerRow is one entry of an agent's container inventory.
type DockerContainerRow struct {
	AgentID     int64
	ContainerID string
	Name        string
	Image       string
	State       string
	CreatedAtMs int64
	SeenAt      time.Time
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Status BatchStatus // empty matches all
	Limit  int
	Offset int
}

// Store defines the persistence interface consumed by the server core.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (*Agent, error)
	ListAgentsByUser(ctx context.Context, userID int64) ([]*Agent, error)
	ListAgentsByTags(ctx context.Context, userID int64, tags []string) ([]*Agent, error)
	UpdateAgentSeen(ctx context.Context, id int64, at time.Time) error
	UpdateAgent(ctx context.Context, agent *Agent) error

	// Batch commands
	CreateBatch(ctx context.Context, batch *BatchCommand, children []*ChildTask) error
	GetBatch(ctx context.Context, id string) (*BatchCommand, error)
	UpdateBatchStatus(ctx context.Context, id string, status BatchStatus, completedAt *time.Time) error
	ListBatches(ctx context.Context, userID int64, filter BatchFilter) ([]*BatchCommand, error)

	// Child tasks
	GetChild(ctx context.Context, id string) (*ChildTask, error)
	ListChildren(ctx context.Context, batchID string) ([]*ChildTask, error)
	ListPendingChildrenForAgent(ctx context.Context, agentID int64) ([]*ChildTask, error)
	UpdateChild(ctx context.Context, child *ChildTask) error

	// Alert rules and events
	CreateRule(ctx context.Context, rule *AlertRule) error
	GetRule(ctx context.Context, id int64) (*AlertRule, error)
	ListActiveRules(ctx context.Context) ([]*AlertRule, error)
	ListRulesByUser(ctx context.Context, userID int64) ([]*AlertRule, error)
	UpdateRule(ctx context.Context, rule *AlertRule) error
	DeleteRule(ctx context.Context, id int64) error
	UpdateRuleLastTriggered(ctx context.Context, id int64, at time.Time) error

	CreateAlertEvent(ctx context.Context, event *AlertEvent) error
	ResolveAlertEvent(ctx context.Context, id int64, at time.Time, details string) error
	GetOpenAlertEvent(ctx context.Context, ruleID, agentID int64) (*AlertEvent, error)
	ListOpenAlertEvents(ctx context.Context) ([]*AlertEvent, error)
	ListAlertEventsByUser(ctx context.Context, userID int64, limit int) ([]*AlertEvent, error)

	// Notification channels
	CreateChannel(ctx context.Context, ch *NotificationChannel) error
	GetChannel(ctx context.Context, id int64) (*NotificationChannel, error)
	ListChannelsByUser(ctx context.Context, userID int64) ([]*NotificationChannel, error)
	DeleteChannel(ctx context.Context, id int64) error

	// Metrics
	InsertMetrics(ctx context.Context, rows []*MetricRow) error
	ListMetricsSince(ctx context.Context, agentID int64, sinceMs int64, metricLimit int) ([]*MetricRow, error)

	// Service monitors
	CreateMonitor(ctx context.Context, m *ServiceMonitor) error
	ListMonitorsForAgent(ctx context.Context, agentID int64) ([]*ServiceMonitor, error)
	DeleteMonitor(ctx context.Context, id int64) error
	InsertMonitorResult(ctx context.Context, r *MonitorResultRow) error

	// Docker inventory
	ReplaceContainers(ctx context.Context, agentID int64, rows []*DockerContainerRow) error
	ListContainers(ctx context.Context, agentID int64) ([]*DockerContainerRow, error)

	Close() error
}
