// ABOUTME: Per-child command output assembly: sequence ordering with a bounded
// ABOUTME: reorder window, gap markers, and capped on-disk log files

package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fleetd-io/fleetd/internal/broadcast"
	"github.com/fleetd-io/fleetd/internal/protocol"
)

// reorderWindow bounds how long a missing sequence number holds back later
// chunks before a gap marker is emitted and delivery resumes.
const reorderWindow = 2 * time.Second

// OutputChunkEvent is the broadcast payload for one delivered output chunk.
type OutputChunkEvent struct {
	BatchID string `json:"batch_id"`
	ChildID string `json:"child_id"`
	Stream  string `json:"stream"`
	Bytes   []byte `json:"bytes"`
	Seq     int64  `json:"seq"`
}

// GapEvent marks sequence numbers that never arrived within the reorder
// window. Subscribers treat the range as lost output.
type GapEvent struct {
	BatchID string `json:"batch_id"`
	ChildID string `json:"child_id"`
	FromSeq int64  `json:"from_seq"`
	ToSeq   int64  `json:"to_seq"`
}

// TruncatedEvent marks the point where a child hit its on-disk log cap.
// Output past this point is discarded.
type TruncatedEvent struct {
	BatchID string `json:"batch_id"`
	ChildID string `json:"child_id"`
}

// outputAssembler reorders a child's output chunks into sequence order.
// Sequence numbers start at 1 and are per-child across both streams. All
// methods suffixed Locked require the owning dispatch shard's mutex.
type outputAssembler struct {
	d  *Dispatcher
	cs *childState

	nextSeq  int64
	pending  map[int64]*protocol.CommandOutputChunk
	gapTimer *time.Timer

	stdout       *os.File
	stderr       *os.File
	writtenBytes int64
	truncated    bool
	closed       bool
}

func newOutputAssembler(d *Dispatcher, cs *childState) *outputAssembler {
	return &outputAssembler{
		d:       d,
		cs:      cs,
		nextSeq: 1,
		pending: make(map[int64]*protocol.CommandOutputChunk),
	}
}

// ingestLocked accepts one chunk from the wire. In-order chunks are delivered
// immediately along with any now-contiguous buffered ones; out-of-order
// chunks wait in the reorder buffer until the window expires.
func (a *outputAssembler) ingestLocked(chunk *protocol.CommandOutputChunk) {
	if a.closed {
		return
	}

	switch {
	case chunk.Seq < a.nextSeq:
		// Duplicate or already skipped by a gap marker.
		return

	case chunk.Seq == a.nextSeq:
		a.deliverLocked(chunk)
		a.flushContiguousLocked()
		if len(a.pending) == 0 {
			a.stopGapTimerLocked()
		}

	default:
		a.pending[chunk.Seq] = chunk
		if a.gapTimer == nil {
			childID := a.cs.child.ID
			a.gapTimer = time.AfterFunc(reorderWindow, func() {
				a.d.onReorderWindowExpired(childID)
			})
		}
	}
}

// flushContiguousLocked drains buffered chunks that became in-order.
func (a *outputAssembler) flushContiguousLocked() {
	for {
		chunk, ok := a.pending[a.nextSeq]
		if !ok {
			return
		}
		delete(a.pending, a.nextSeq)
		a.deliverLocked(chunk)
	}
}

// skipGapLocked emits a gap marker for the missing range and advances to the
// lowest buffered sequence so delivery can resume.
func (a *outputAssembler) skipGapLocked() {
	if len(a.pending) == 0 {
		return
	}

	seqs := make([]int64, 0, len(a.pending))
	for seq := range a.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	lowest := seqs[0]
	a.d.logger.Warn("output gap",
		"batch_id", a.cs.batch.ID,
		"child_id", a.cs.child.ID,
		"from_seq", a.nextSeq,
		"to_seq", lowest-1,
	)
	a.d.bus.Publish(&broadcast.Event{
		Topic: broadcast.TopicBatchChild(a.cs.batch.ID, a.cs.child.ID),
		Type:  broadcast.TypeGap,
		Payload: &GapEvent{
			BatchID: a.cs.batch.ID,
			ChildID: a.cs.child.ID,
			FromSeq: a.nextSeq,
			ToSeq:   lowest - 1,
		},
	})

	a.nextSeq = lowest
	a.flushContiguousLocked()
}

func (a *outputAssembler) stopGapTimerLocked() {
	if a.gapTimer != nil {
		a.gapTimer.Stop()
		a.gapTimer = nil
	}
}

// deliverLocked appends one in-order chunk to the log file and publishes it.
func (a *outputAssembler) deliverLocked(chunk *protocol.CommandOutputChunk) {
	a.nextSeq = chunk.Seq + 1
	a.appendLogLocked(chunk)

	a.d.bus.Publish(&broadcast.Event{
		Topic: broadcast.TopicBatchChild(a.cs.batch.ID, a.cs.child.ID),
		Type:  broadcast.TypeOutput,
		Payload: &OutputChunkEvent{
			BatchID: a.cs.batch.ID,
			ChildID: a.cs.child.ID,
			Stream:  string(chunk.Stream),
			Bytes:   chunk.Bytes,
			Seq:     chunk.Seq,
		},
	})
}

// appendLogLocked writes chunk bytes to the per-child log file, enforcing the
// per-child cap across both streams. The first overflow publishes a single
// Truncated marker; everything after is dropped.
func (a *outputAssembler) appendLogLocked(chunk *protocol.CommandOutputChunk) {
	if a.truncated {
		return
	}
	if a.writtenBytes+int64(len(chunk.Bytes)) > a.d.cfg.ChildLogCapBytes {
		a.truncated = true
		a.d.logger.Warn("child log cap reached",
			"batch_id", a.cs.batch.ID, "child_id", a.cs.child.ID)
		a.d.bus.Publish(&broadcast.Event{
			Topic:   broadcast.TopicBatchChild(a.cs.batch.ID, a.cs.child.ID),
			Type:    broadcast.TypeTruncated,
			Payload: &TruncatedEvent{BatchID: a.cs.batch.ID, ChildID: a.cs.child.ID},
		})
		return
	}

	file, err := a.logFileLocked(chunk.Stream)
	if err != nil {
		a.d.logger.Error("opening child log", "child_id", a.cs.child.ID, "error", err)
		return
	}
	n, err := file.Write(chunk.Bytes)
	a.writtenBytes += int64(n)
	if err != nil {
		a.d.logger.Error("writing child log", "child_id", a.cs.child.ID, "error", err)
	}
}

// logFileLocked lazily opens the per-stream log file and records its path on
// the child row the first time.
func (a *outputAssembler) logFileLocked(stream protocol.OutputStream) (*os.File, error) {
	if stream == protocol.StreamStderr {
		if a.stderr == nil {
			file, path, err := a.openStreamFile("stderr")
			if err != nil {
				return nil, err
			}
			a.stderr = file
			a.cs.child.StderrPath = path
		}
		return a.stderr, nil
	}

	if a.stdout == nil {
		file, path, err := a.openStreamFile("stdout")
		if err != nil {
			return nil, err
		}
		a.stdout = file
		a.cs.child.StdoutPath = path
	}
	return a.stdout, nil
}

func (a *outputAssembler) openStreamFile(stream string) (*os.File, string, error) {
	dir := filepath.Join(a.d.cfg.LogRoot, a.cs.batch.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s.log", a.cs.child.ID, stream))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("opening log file: %w", err)
	}
	return file, path, nil
}

// closeLocked flushes any buffered chunks (emitting a final gap marker if the
// buffer is non-contiguous) and closes the log files. Called when the child
// reaches a terminal state.
func (a *outputAssembler) closeLocked() {
	if a.closed {
		return
	}
	a.closed = true
	a.stopGapTimerLocked()

	// Deliver what we can in order; anything still missing is a gap.
	a.flushContiguousLocked()
	for len(a.pending) > 0 {
		a.skipGapLocked()
	}

	if a.stdout != nil {
		_ = a.stdout.Close()
	}
	if a.stderr != nil {
		_ = a.stderr.Close()
	}
}

// onReorderWindowExpired is the gap timer callback. It re-acquires the shard
// mutex before touching assembler state.
func (d *Dispatcher) onReorderWindowExpired(childID string) {
	cs := d.lookup(childID)
	if cs == nil {
		return
	}
	sh := d.shardFor(cs.batch.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cs.output.closed {
		return
	}
	cs.output.gapTimer = nil
	cs.output.skipGapLocked()
	if len(cs.output.pending) > 0 {
		id := cs.child.ID
		cs.output.gapTimer = time.AfterFunc(reorderWindow, func() {
			d.onReorderWindowExpired(id)
		})
	}
}
