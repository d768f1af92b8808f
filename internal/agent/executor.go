// ABOUTME: Runs child tasks on the host: shell execution, output streaming
// ABOUTME: with per-child sequence numbers, timeout and terminate handling

package agent

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetd-io/fleetd/internal/protocol"
)

// chunkSize bounds one output frame's payload.
const chunkSize = 16 * 1024

// frameWriter is the slice of the connection the executor needs.
type frameWriter interface {
	WriteFrame(*protocol.Frame) error
}

type runningTask struct {
	cancel context.CancelFunc
}

// Executor runs ExecuteCommand tasks, at most one process per child ID.
type Executor struct {
	workDir string
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*runningTask
}

// NewExecutor creates an executor. workDir is the default working directory
// when the command does not name one.
func NewExecutor(workDir string, logger *slog.Logger) *Executor {
	return &Executor{
		workDir: workDir,
		logger:  logger.With("component", "executor"),
		running: make(map[string]*runningTask),
	}
}

// Start acks the command and launches it on its own goroutine. Duplicate
// child IDs are rejected so redelivered commands cannot double-execute.
func (e *Executor) Start(ctx context.Context, conn frameWriter, cmd *protocol.ExecuteCommand) {
	e.mu.Lock()
	if _, exists := e.running[cmd.ChildID]; exists {
		e.mu.Unlock()
		e.sendAck(conn, cmd.ChildID, false, "child already running")
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	if cmd.TimeoutSeconds > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
	}
	e.running[cmd.ChildID] = &runningTask{cancel: cancel}
	e.mu.Unlock()

	e.sendAck(conn, cmd.ChildID, true, "")
	go e.run(taskCtx, conn, cmd)
}

// Terminate kills a running child, best effort.
func (e *Executor) Terminate(childID string) {
	e.mu.Lock()
	task := e.running[childID]
	e.mu.Unlock()

	if task != nil {
		e.logger.Info("terminating child", "child_id", childID)
		task.cancel()
	}
}

func (e *Executor) run(ctx context.Context, conn frameWriter, cmd *protocol.ExecuteCommand) {
	defer func() {
		e.mu.Lock()
		delete(e.running, cmd.ChildID)
		e.mu.Unlock()
	}()

	proc := exec.CommandContext(ctx, "sh", "-c", cmd.Payload)
	proc.Dir = cmd.WorkingDir
	if proc.Dir == "" {
		proc.Dir = e.workDir
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		e.sendCompleted(conn, cmd.ChildID, -1, err.Error())
		return
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		e.sendCompleted(conn, cmd.ChildID, -1, err.Error())
		return
	}

	if err := proc.Start(); err != nil {
		e.sendCompleted(conn, cmd.ChildID, -1, err.Error())
		return
	}

	started, err := protocol.NewFrame(protocol.KindCommandStarted, &protocol.CommandStarted{
		ChildID:     cmd.ChildID,
		StartedAtMs: time.Now().UnixMilli(),
	})
	if err == nil {
		_ = conn.WriteFrame(started)
	}
	e.logger.Info("child started", "child_id", cmd.ChildID, "pid", proc.Process.Pid)

	// One sequence across both streams so the server can totally order them.
	var seq atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go e.streamOutput(&wg, conn, cmd.ChildID, protocol.StreamStdout, stdout, &seq)
	go e.streamOutput(&wg, conn, cmd.ChildID, protocol.StreamStderr, stderr, &seq)
	wg.Wait()

	waitErr := proc.Wait()
	exitCode := int64(0)
	errMsg := ""
	if waitErr != nil {
		exitCode = -1
		errMsg = waitErr.Error()
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = int64(exitErr.ExitCode())
			errMsg = ""
		}
		if ctx.Err() == context.DeadlineExceeded {
			errMsg = "timed out"
		}
	}

	e.sendCompleted(conn, cmd.ChildID, exitCode, errMsg)
	e.logger.Info("child finished", "child_id", cmd.ChildID, "exit_code", exitCode)
}

func (e *Executor) streamOutput(wg *sync.WaitGroup, conn frameWriter, childID string,
	stream protocol.OutputStream, r io.Reader, seq *atomic.Int64) {
	defer wg.Done()

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			frame, ferr := protocol.NewFrame(protocol.KindCommandOutputChunk,
				&protocol.CommandOutputChunk{
					ChildID: childID,
					Stream:  stream,
					Bytes:   chunk,
					Seq:     seq.Add(1),
				})
			if ferr == nil {
				_ = conn.WriteFrame(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Executor) sendAck(conn frameWriter, childID string, accepted bool, reason string) {
	frame, err := protocol.NewFrame(protocol.KindCommandAck, &protocol.CommandAck{
		ChildID:  childID,
		Accepted: accepted,
		Reason:   reason,
	})
	if err == nil {
		_ = conn.WriteFrame(frame)
	}
}

func (e *Executor) sendCompleted(conn frameWriter, childID string, exitCode int64, errMsg string) {
	frame, err := protocol.NewFrame(protocol.KindCommandCompleted, &protocol.CommandCompleted{
		ChildID:      childID,
		ExitCode:     exitCode,
		FinishedAtMs: time.Now().UnixMilli(),
		ErrorMessage: errMsg,
	})
	if err == nil {
		_ = conn.WriteFrame(frame)
	}
}
