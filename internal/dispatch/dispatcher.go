// ABOUTME: Batch command dispatcher: fans a parent command out to per-agent child tasks
// ABOUTME: Drives each child through its state machine with send-ack and execution timers

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/dedupe"
	"github.com/fleetd-io/fleetd/internal/protocol"
	"github.com/fleetd-io/fleetd/internal/session"
	"github.com/fleetd-io/fleetd/internal/store"
)

// Dispatcher errors surfaced to the API layer.
var (
	ErrEmptyTargetSet   = errors.New("target selector matched no agents")
	ErrInvalidTarget    = errors.New("invalid target selector")
	ErrPayloadTooLarge  = errors.New("command payload too large")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrAlreadyTerminal  = errors.New("batch already terminal")
	ErrQueueFlagMissing = errors.New("queue_if_offline must be set")
)

// Sender is the slice of the session manager the dispatcher needs.
type Sender interface {
	TrySend(agentID int64, frame *protocol.Frame) error
	IsOnline(agentID int64) bool
}

// Config tunes dispatcher timing and limits.
type Config struct {
	SendAckTimeout      time.Duration
	ChildTimeoutDefault time.Duration
	ChildTimeoutMax     time.Duration
	CancelGrace         time.Duration
	LogRoot             string
	ChildLogCapBytes    int64
	MaxCommandPayload   int
}

// BatchRequest is a user-submitted batch command. QueueIfOffline is required:
// requests that omit it are rejected rather than defaulted.
type BatchRequest struct {
	Command        string
	WorkingDir     string
	Target         store.TargetSelector
	QueueIfOffline *bool
	TimeoutSeconds int64
}

// ChildUpdate is the broadcast payload for a child state change.
type ChildUpdate struct {
	BatchID  string `json:"batch_id"`
	ChildID  string `json:"child_id"`
	AgentID  int64  `json:"agent_id"`
	Status   string `json:"status"`
	ExitCode *int64 `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchUpdate is the broadcast payload for a batch aggregate change.
type BatchUpdate struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// BatchDetail is the API view of a batch with its children.
type BatchDetail struct {
	Batch    *store.BatchCommand
	Children []*store.ChildTask
}

// shardCount sizes the in-memory child index, keyed by batch ID.
const shardCount = 16

type dispatchShard struct {
	mu       sync.Mutex
	children map[string]*childState // child ID -> state
}

// childState is the dispatcher's in-memory view of one child task. The
// repository row is the durable truth; this carries the timers and the
// output assembler that must not be rebuilt per frame.
type childState struct {
	child    *store.ChildTask
	batch    *store.BatchCommand
	canceled bool

	ackTimer   *time.Timer
	execTimer  *time.Timer
	graceTimer *time.Timer

	output *outputAssembler
}

// Dispatcher owns batch command execution end to end.
type Dispatcher struct {
	store    store.Store
	sender   Sender
	bus      *broadcast.Broadcaster
	cfg      Config
	logger   *slog.Logger
	shards   [shardCount]*dispatchShard
	complete *dedupe.Cache // idempotency for re-delivered CommandCompleted
}

// New creates a dispatcher. Call Run to attach lifecycle-driven retries.
func New(st store.Store, sender Sender, bus *broadcast.Broadcaster, cfg Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		sender:   sender,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		complete: dedupe.New(10*time.Minute, 8192),
	}
	for i := range d.shards {
		d.shards[i] = &dispatchShard{children: make(map[string]*childState)}
	}
	return d
}

func (d *Dispatcher) shardFor(batchID string) *dispatchShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(batchID))
	return d.shards[h.Sum32()%shardCount]
}

// Run consumes session lifecycle events so offline-queued children are
// retried when their agent connects. Blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, lifecycle <-chan session.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-lifecycle:
			if !ok {
				return
			}
			if event.State == session.LifecycleConnected {
				d.retryQueuedForAgent(ctx, event.AgentID)
			}
		}
	}
}

// CreateBatch resolves targets, persists the parent and children, and starts
// sending. Returns the batch ID.
func (d *Dispatcher) CreateBatch(ctx context.Context, userID int64, req *BatchRequest) (string, error) {
	if req.QueueIfOffline == nil {
		return "", ErrQueueFlagMissing
	}
	if req.Command == "" {
		return "", fmt.Errorf("%w: empty command", ErrInvalidTarget)
	}
	if len(req.Command) > d.cfg.MaxCommandPayload {
		return "", ErrPayloadTooLarge
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int64(d.cfg.ChildTimeoutDefault.Seconds())
	}
	if max := int64(d.cfg.ChildTimeoutMax.Seconds()); timeout > max {
		timeout = max
	}

	agents, err := d.resolveTargets(ctx, userID, req.Target)
	if err != nil {
		return "", err
	}
	if len(agents) == 0 {
		return "", ErrEmptyTargetSet
	}

	batch := &store.BatchCommand{
		ID:             uuid.New().String(),
		UserID:         userID,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		Target:         req.Target,
		QueueIfOffline: *req.QueueIfOffline,
		TimeoutSeconds: timeout,
		Status:         store.BatchPending,
	}

	children := make([]*store.ChildTask, 0, len(agents))
	for _, agent := range agents {
		children = append(children, &store.ChildTask{
			ID:      uuid.New().String(),
			BatchID: batch.ID,
			AgentID: agent.ID,
			Status:  store.ChildPending,
		})
	}

	if err := d.store.CreateBatch(ctx, batch, children); err != nil {
		return "", fmt.Errorf("persisting batch: %w", err)
	}

	sh := d.shardFor(batch.ID)
	sh.mu.Lock()
	states := make([]*childState, 0, len(children))
	for _, child := range children {
		cs := &childState{child: child, batch: batch}
		cs.output = newOutputAssembler(d, cs)
		sh.children[child.ID] = cs
		states = append(states, cs)
	}
	sh.mu.Unlock()

	d.logger.Info("batch created",
		"batch_id", batch.ID,
		"user_id", userID,
		"children", len(children),
	)

	for _, cs := range states {
		d.sendChild(ctx, cs)
	}
	return batch.ID, nil
}

// resolveTargets materializes the agent set once, at creation time.
func (d *Dispatcher) resolveTargets(ctx context.Context, userID int64, target store.TargetSelector) ([]*store.Agent, error) {
	modes := 0
	if len(target.AgentIDs) > 0 {
		modes++
	}
	if len(target.Tags) > 0 {
		modes++
	}
	if target.AllOwned {
		modes++
	}
	if modes != 1 {
		return nil, fmt.Errorf("%w: exactly one of agent_ids, tags, all_owned", ErrInvalidTarget)
	}

	switch {
	case len(target.AgentIDs) > 0:
		agents := make([]*store.Agent, 0, len(target.AgentIDs))
		for _, id := range target.AgentIDs {
			agent, err := d.store.GetAgent(ctx, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: agent %d", ErrInvalidTarget, id)
				}
				return nil, err
			}
			if agent.UserID != userID {
				return nil, ErrUnauthorized
			}
			agents = append(agents, agent)
		}
		return agents, nil

	case len(target.Tags) > 0:
		return d.store.ListAgentsByTags(ctx, userID, target.Tags)

	default:
		return d.store.ListAgentsByUser(ctx, userID)
	}
}

// sendChild attempts to move a Pending child onto the wire.
func (d *Dispatcher) sendChild(ctx context.Context, cs *childState) {
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.child.Status != store.ChildPending || cs.canceled {
		return
	}

	frame, err := protocol.NewFrame(protocol.KindExecuteCommand, &protocol.ExecuteCommand{
		ChildID:        cs.child.ID,
		Payload:        cs.batch.Command,
		WorkingDir:     cs.batch.WorkingDir,
		TimeoutSeconds: cs.batch.TimeoutSeconds,
	})
	if err != nil {
		d.logger.Error("encoding execute frame", "child_id", cs.child.ID, "error", err)
		return
	}

	if err := d.sender.TrySend(cs.child.AgentID, frame); err != nil {
		if errors.Is(err, session.ErrAgentNotConnected) && cs.batch.QueueIfOffline {
			// Stays Pending; retried on the agent's next Connected event.
			d.logger.Debug("agent offline, child queued",
				"child_id", cs.child.ID, "agent_id", cs.child.AgentID)
			return
		}
		d.transitionLocked(ctx, cs, store.ChildAgentUnreachable, func(c *store.ChildTask) {
			c.ErrorMessage = err.Error()
		})
		return
	}

	if !d.transitionLocked(ctx, cs, store.ChildSentToAgent, nil) {
		return
	}
	d.markBatchInProgressLocked(ctx, cs)

	childID := cs.child.ID
	cs.ackTimer = time.AfterFunc(d.cfg.SendAckTimeout, func() {
		d.onAckTimeout(context.Background(), childID)
	})
}

// markBatchInProgressLocked moves a pending batch to in_progress once the
// first child has hit the wire. Caller holds the shard mutex.
func (d *Dispatcher) markBatchInProgressLocked(ctx context.Context, cs *childState) {
	if cs.batch.Status != store.BatchPending {
		return
	}
	if err := d.store.UpdateBatchStatus(ctx, cs.batch.ID, store.BatchInProgress, nil); err != nil {
		d.logger.Error("persisting batch progress", "batch_id", cs.batch.ID, "error", err)
		return
	}
	cs.batch.Status = store.BatchInProgress
	d.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicBatch(cs.batch.ID),
		Type:    broadcast.TypeBatch,
		Payload: &BatchUpdate{BatchID: cs.batch.ID, Status: string(store.BatchInProgress)},
	})
}

// retryQueuedForAgent re-sends Pending children after an agent connects.
func (d *Dispatcher) retryQueuedForAgent(ctx context.Context, agentID int64) {
	children, err := d.store.ListPendingChildrenForAgent(ctx, agentID)
	if err != nil {
		d.logger.Error("listing queued children", "agent_id", agentID, "error", err)
		return
	}

	for _, child := range children {
		cs := d.lookupOrLoad(ctx, child.ID)
		if cs == nil {
			continue
		}
		d.sendChild(ctx, cs)
	}
}

// lookup returns the in-memory state for a child, if tracked.
func (d *Dispatcher) lookup(childID string) *childState {
	for _, sh := range d.shards {
		sh.mu.Lock()
		if cs, ok := sh.children[childID]; ok {
			sh.mu.Unlock()
			return cs
		}
		sh.mu.Unlock()
	}
	return nil
}

// lookupOrLoad recovers child state from the repository after a restart.
func (d *Dispatcher) lookupOrLoad(ctx context.Context, childID string) *childState {
	if cs := d.lookup(childID); cs != nil {
		return cs
	}

	child, err := d.store.GetChild(ctx, childID)
	if err != nil {
		d.logger.Warn("unknown child", "child_id", childID, "error", err)
		return nil
	}
	batch, err := d.store.GetBatch(ctx, child.BatchID)
	if err != nil {
		d.logger.Warn("orphan child", "child_id", childID, "error", err)
		return nil
	}

	sh := d.shardFor(batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cs, ok := sh.children[childID]; ok {
		return cs
	}
	cs := &childState{child: child, batch: batch}
	cs.output = newOutputAssembler(d, cs)
	sh.children[childID] = cs
	return cs
}

// allowedTransitions encodes the child state machine. Terminal states have
// no entries: the status column never moves out of a terminal value.
var allowedTransitions = map[store.ChildStatus][]store.ChildStatus{
	store.ChildPending: {store.ChildSentToAgent, store.ChildAgentUnreachable, store.ChildCanceled},
	store.ChildSentToAgent: {store.ChildAgentAccepted, store.ChildFailed,
		store.ChildAgentUnreachable, store.ChildCanceled, store.ChildTerminated},
	store.ChildAgentAccepted: {store.ChildExecuting, store.ChildFailed,
		store.ChildTimeout, store.ChildCanceled, store.ChildTerminated, store.ChildAgentUnreachable},
	store.ChildExecuting: {store.ChildCompleted, store.ChildFailed, store.ChildTimeout,
		store.ChildCanceled, store.ChildTerminated, store.ChildAgentUnreachable},
}

func transitionAllowed(from, to store.ChildStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionLocked moves a child to a new status, persisting before the
// change is announced on the broadcaster so subscribers observe durable
// facts only. Caller holds the shard mutex.
func (d *Dispatcher) transitionLocked(ctx context.Context, cs *childState, to store.ChildStatus, mutate func(*store.ChildTask)) bool {
	from := cs.child.Status
	if !transitionAllowed(from, to) {
		d.logger.Debug("transition rejected",
			"child_id", cs.child.ID, "from", from, "to", to)
		return false
	}

	// Mutate a copy and commit it only once the row is durable, so a failed
	// write leaves no half-applied fields behind.
	updated := *cs.child
	updated.Status = to
	if mutate != nil {
		mutate(&updated)
	}
	if to.Terminal() && updated.CompletedAt == nil {
		now := time.Now().UTC()
		updated.CompletedAt = &now
	}

	if err := d.store.UpdateChild(ctx, &updated); err != nil {
		d.logger.Error("persisting child transition",
			"child_id", cs.child.ID, "to", to, "error", err)
		return false
	}
	*cs.child = updated

	d.logger.Info("child transition",
		"batch_id", cs.batch.ID,
		"child_id", cs.child.ID,
		"agent_id", cs.child.AgentID,
		"from", from,
		"to", to,
	)

	update := &ChildUpdate{
		BatchID:  cs.batch.ID,
		ChildID:  cs.child.ID,
		AgentID:  cs.child.AgentID,
		Status:   string(to),
		ExitCode: cs.child.ExitCode,
		Error:    cs.child.ErrorMessage,
	}
	d.bus.Publish(&broadcast.Event{
		Topic: broadcast.TopicBatch(cs.batch.ID), Type: broadcast.TypeBatch, Payload: update,
	})
	d.bus.Publish(&broadcast.Event{
		Topic: broadcast.TopicBatchChild(cs.batch.ID, cs.child.ID), Type: broadcast.TypeBatch, Payload: update,
	})

	if to.Terminal() {
		cs.stopTimersLocked()
		cs.output.closeLocked()
		d.completeBatchLocked(ctx, cs)
	}
	return true
}

func (cs *childState) stopTimersLocked() {
	for _, t := range []*time.Timer{cs.ackTimer, cs.execTimer, cs.graceTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// completeBatchLocked recomputes the batch aggregate after a child reached a
// terminal state. Caller holds the shard mutex.
func (d *Dispatcher) completeBatchLocked(ctx context.Context, cs *childState) {
	children, err := d.store.ListChildren(ctx, cs.batch.ID)
	if err != nil {
		d.logger.Error("listing children for completion", "batch_id", cs.batch.ID, "error", err)
		return
	}

	succeeded, failed, canceled := 0, 0, 0
	for _, child := range children {
		switch child.Status {
		case store.ChildCompleted:
			succeeded++
		case store.ChildFailed, store.ChildTimeout, store.ChildAgentUnreachable:
			failed++
		case store.ChildCanceled, store.ChildTerminated:
			canceled++
		default:
			// A child is still running; also reflect progress on the parent.
			d.markBatchInProgressLocked(ctx, cs)
			return
		}
	}

	var status store.BatchStatus
	switch {
	case canceled > 0 && succeeded == 0 && failed == 0:
		status = store.BatchCompletedAllCanceled
	case cs.batch.Status == store.BatchCanceled || (canceled > 0 && succeeded+failed > 0):
		// An explicitly canceled batch converges to all-canceled even when
		// some children had already finished.
		status = store.BatchCompletedAllCanceled
	case failed == 0 && succeeded > 0:
		status = store.BatchCompletedAllSucceeded
	case succeeded == 0:
		status = store.BatchCompletedAllFailed
	default:
		status = store.BatchCompletedPartial
	}

	now := time.Now().UTC()
	if err := d.store.UpdateBatchStatus(ctx, cs.batch.ID, status, &now); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error("persisting batch completion", "batch_id", cs.batch.ID, "error", err)
		}
		return
	}
	cs.batch.Status = status
	cs.batch.CompletedAt = &now

	d.logger.Info("batch completed", "batch_id", cs.batch.ID, "status", status)
	d.bus.Publish(&broadcast.Event{
		Topic:   broadcast.TopicBatch(cs.batch.ID),
		Type:    broadcast.TypeBatch,
		Payload: &BatchUpdate{BatchID: cs.batch.ID, Status: string(status)},
	})

	d.evictBatchLocked(cs.batch.ID)
}

// evictBatchLocked drops a completed batch's children from the in-memory
// index. Caller holds the shard mutex for this batch.
func (d *Dispatcher) evictBatchLocked(batchID string) {
	sh := d.shardFor(batchID)
	for id, cs := range sh.children {
		if cs.batch.ID == batchID {
			delete(sh.children, id)
		}
	}
}

// onAckTimeout fires when an agent never acknowledged a sent command.
func (d *Dispatcher) onAckTimeout(ctx context.Context, childID string) {
	cs := d.lookup(childID)
	if cs == nil {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.child.Status != store.ChildSentToAgent {
		return
	}
	d.transitionLocked(ctx, cs, store.ChildAgentUnreachable, func(c *store.ChildTask) {
		c.ErrorMessage = "agent did not acknowledge command"
	})
}

// onExecTimeout fires when an executing child produced no output and no
// completion within its timeout.
func (d *Dispatcher) onExecTimeout(ctx context.Context, childID string) {
	cs := d.lookup(childID)
	if cs == nil {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	switch cs.child.Status {
	case store.ChildAgentAccepted, store.ChildExecuting:
	default:
		return
	}

	if d.transitionLocked(ctx, cs, store.ChildTimeout, nil) {
		d.sendTerminateLocked(cs)
	}
}

// sendTerminateLocked issues a best-effort TerminateCommand.
func (d *Dispatcher) sendTerminateLocked(cs *childState) {
	frame, err := protocol.NewFrame(protocol.KindTerminateCommand,
		&protocol.TerminateCommand{ChildID: cs.child.ID})
	if err != nil {
		return
	}
	if err := d.sender.TrySend(cs.child.AgentID, frame); err != nil {
		d.logger.Debug("terminate not delivered",
			"child_id", cs.child.ID, "agent_id", cs.child.AgentID, "error", err)
	}
}

// resetExecTimerLocked (re)arms the execution timeout. Output chunks reset
// it: the timeout means "no output and no completion".
func (d *Dispatcher) resetExecTimerLocked(cs *childState) {
	if cs.execTimer != nil {
		cs.execTimer.Stop()
	}
	childID := cs.child.ID
	cs.execTimer = time.AfterFunc(time.Duration(cs.batch.TimeoutSeconds)*time.Second, func() {
		d.onExecTimeout(context.Background(), childID)
	})
}

// CancelBatch cancels a batch: unsent children are canceled outright;
// running children get a TerminateCommand and a bounded grace period before
// being forced to Terminated.
func (d *Dispatcher) CancelBatch(ctx context.Context, userID int64, batchID string) error {
	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.UserID != userID {
		return ErrUnauthorized
	}
	if batch.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	if err := d.store.UpdateBatchStatus(ctx, batchID, store.BatchCanceled, nil); err != nil {
		return fmt.Errorf("persisting batch cancel: %w", err)
	}

	children, err := d.store.ListChildren(ctx, batchID)
	if err != nil {
		return err
	}

	sh := d.shardFor(batchID)
	for _, child := range children {
		cs := d.lookupOrLoad(ctx, child.ID)
		if cs == nil {
			continue
		}
		cs.batch.Status = store.BatchCanceled

		sh.mu.Lock()
		cs.canceled = true
		switch cs.child.Status {
		case store.ChildPending, store.ChildSentToAgent:
			d.transitionLocked(ctx, cs, store.ChildCanceled, nil)
		case store.ChildAgentAccepted, store.ChildExecuting:
			d.sendTerminateLocked(cs)
			childID := cs.child.ID
			cs.graceTimer = time.AfterFunc(d.cfg.CancelGrace, func() {
				d.onCancelGraceExpired(context.Background(), childID)
			})
		}
		sh.mu.Unlock()
	}

	d.logger.Info("batch canceled", "batch_id", batchID, "user_id", userID)
	return nil
}

// onCancelGraceExpired forces Terminated on children that did not confirm
// termination within the grace period.
func (d *Dispatcher) onCancelGraceExpired(ctx context.Context, childID string) {
	cs := d.lookup(childID)
	if cs == nil {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.child.Status.Terminal() {
		return
	}
	d.transitionLocked(ctx, cs, store.ChildTerminated, func(c *store.ChildTask) {
		c.ErrorMessage = "terminate grace period expired"
	})
}

// GetBatch returns a batch with its children, enforcing ownership.
func (d *Dispatcher) GetBatch(ctx context.Context, userID int64, batchID string) (*BatchDetail, error) {
	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, ErrUnauthorized
	}
	children, err := d.store.ListChildren(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchDetail{Batch: batch, Children: children}, nil
}

// ListBatches pages through the user's batches.
func (d *Dispatcher) ListBatches(ctx context.Context, userID int64, filter store.BatchFilter) ([]*store.BatchCommand, error) {
	return d.store.ListBatches(ctx, userID, filter)
}

// HandleCommandAck implements the session Router slice for acks.
func (d *Dispatcher) HandleCommandAck(ctx context.Context, agentID int64, ack *protocol.CommandAck) {
	cs := d.lookupOrLoad(ctx, ack.ChildID)
	if cs == nil || cs.child.AgentID != agentID {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.ackTimer != nil {
		cs.ackTimer.Stop()
	}

	if !ack.Accepted {
		d.transitionLocked(ctx, cs, store.ChildFailed, func(c *store.ChildTask) {
			c.ErrorMessage = ack.Reason
		})
		return
	}
	if d.transitionLocked(ctx, cs, store.ChildAgentAccepted, nil) {
		d.resetExecTimerLocked(cs)
	}
}

// HandleCommandStarted marks execution start.
func (d *Dispatcher) HandleCommandStarted(ctx context.Context, agentID int64, started *protocol.CommandStarted) {
	cs := d.lookupOrLoad(ctx, started.ChildID)
	if cs == nil || cs.child.AgentID != agentID {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	startedAt := time.UnixMilli(started.StartedAtMs).UTC()
	if d.transitionLocked(ctx, cs, store.ChildExecuting, func(c *store.ChildTask) {
		c.StartedAt = &startedAt
	}) {
		d.resetExecTimerLocked(cs)
	}
}

// HandleCommandOutputChunk feeds the per-child output assembler.
func (d *Dispatcher) HandleCommandOutputChunk(ctx context.Context, agentID int64, chunk *protocol.CommandOutputChunk) {
	cs := d.lookupOrLoad(ctx, chunk.ChildID)
	if cs == nil || cs.child.AgentID != agentID {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.child.Status != store.ChildExecuting && cs.child.Status != store.ChildAgentAccepted {
		return
	}

	now := time.Now().UTC()
	cs.child.LastOutputAt = &now
	d.resetExecTimerLocked(cs)

	cs.output.ingestLocked(chunk)
}

// HandleCommandCompleted converges a child on its agent-reported result.
// Idempotent: re-delivery of the same child ID is a no-op.
func (d *Dispatcher) HandleCommandCompleted(ctx context.Context, agentID int64, completed *protocol.CommandCompleted) {
	if d.complete.CheckAndMark("completed:" + completed.ChildID) {
		return
	}

	cs := d.lookupOrLoad(ctx, completed.ChildID)
	if cs == nil || cs.child.AgentID != agentID {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	finishedAt := time.UnixMilli(completed.FinishedAtMs).UTC()
	exitCode := completed.ExitCode

	target := store.ChildCompleted
	switch {
	case cs.canceled:
		// Completion during the cancel grace counts as confirmed termination.
		target = store.ChildTerminated
	case exitCode != 0:
		target = store.ChildFailed
	}

	d.transitionLocked(ctx, cs, target, func(c *store.ChildTask) {
		c.ExitCode = &exitCode
		c.CompletedAt = &finishedAt
		c.ErrorMessage = completed.ErrorMessage
	})
}

// HandleUndeliveredCommand receives ExecuteCommand frames that were queued on
// a superseded session but never hit the transport. Dispatcher policy:
// queue-if-offline batches fall back to Pending for retry, others fail as
// AgentUnreachable.
func (d *Dispatcher) HandleUndeliveredCommand(ctx context.Context, agentID int64, cmd *protocol.ExecuteCommand) {
	cs := d.lookupOrLoad(ctx, cmd.ChildID)
	if cs == nil || cs.child.AgentID != agentID {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.child.Status != store.ChildSentToAgent {
		return
	}
	if cs.ackTimer != nil {
		cs.ackTimer.Stop()
	}

	if cs.batch.QueueIfOffline && !cs.canceled {
		// Back to Pending durably so the next Connected event retries it.
		from := cs.child.Status
		cs.child.Status = store.ChildPending
		if err := d.store.UpdateChild(ctx, cs.child); err != nil {
			cs.child.Status = from
			d.logger.Error("requeueing undelivered child", "child_id", cs.child.ID, "error", err)
		}
		return
	}

	d.transitionLocked(ctx, cs, store.ChildAgentUnreachable, func(c *store.ChildTask) {
		c.ErrorMessage = "session superseded before command was delivered"
	})
}
