package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/vocata/pkg/frames"
)

// drainTimeout bounds how long Run waits for processors to exit after the
// End frame has reached the sink.
const drainTimeout = 5 * time.Second

// ErrTaskCancelled is returned by [Task.Run] when the task was cancelled
// before the pipeline terminated normally.
var ErrTaskCancelled = errors.New("pipeline: task cancelled")

// Task drives a [Pipeline] to completion. It injects frames at the source,
// routes frames that exit the upstream edge back downstream (the interruption
// broadcast pattern), and resolves when an [frames.End] frame has traversed
// the whole chain.
//
// All exported methods are safe for concurrent use.
type Task struct {
	name string
	p    *Pipeline

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	endCh     chan struct{} // closed when End reaches the sink
	endOnce   sync.Once
	cancelled bool
}

// NewTask creates a task for p. name is used in logs (typically the session id).
func NewTask(name string, p *Pipeline) *Task {
	t := &Task{
		name:  name,
		p:     p,
		endCh: make(chan struct{}),
	}
	p.link(t.handleUpstream, t.handleDownstream)
	return t
}

// Queue injects f downstream at the pipeline source.
func (t *Task) Queue(f frames.Frame) error {
	return t.p.source.Queue(f, frames.Downstream)
}

// Stop requests a graceful shutdown: an [frames.End] is queued at the source
// and drains the chain in data order, behind any frames queued before it.
func (t *Task) Stop() error {
	return t.Queue(frames.NewEnd())
}

// Cancel aborts the task without draining. Safe to call multiple times and
// before Run.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Done returns a channel closed when the End frame has reached the sink.
func (t *Task) Done() <-chan struct{} { return t.endCh }

// Run starts every processor and blocks until the pipeline terminates.
// It returns nil on normal termination (End traversed the chain),
// [ErrTaskCancelled] when cancelled, or ctx's error when the parent context
// expired first.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline: task %q already started", t.name)
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	preCancelled := t.cancelled
	t.mu.Unlock()

	defer cancel()

	if preCancelled {
		return ErrTaskCancelled
	}

	t.p.start(runCtx)
	slog.Info("pipeline: task running", "task", t.name)

	select {
	case <-t.endCh:
		// Normal termination: give processors a bounded window to drain.
		t.awaitProcessors(cancel)
		slog.Info("pipeline: task completed", "task", t.name)
		return nil
	case <-runCtx.Done():
		t.mu.Lock()
		wasCancelled := t.cancelled
		t.mu.Unlock()
		if wasCancelled {
			slog.Info("pipeline: task cancelled", "task", t.name)
			return ErrTaskCancelled
		}
		return fmt.Errorf("pipeline: task %q: %w", t.name, ctx.Err())
	}
}

// awaitProcessors waits for every processor goroutine to exit, cancelling the
// run context if the drain window elapses.
func (t *Task) awaitProcessors(cancel context.CancelFunc) {
	deadline := time.After(drainTimeout)
	for _, proc := range t.p.all() {
		select {
		case <-proc.Done():
		case <-deadline:
			slog.Warn("pipeline: drain timeout, forcing shutdown", "task", t.name, "processor", proc.Name())
			cancel()
			return
		}
	}
}

// handleUpstream receives frames that exit the pipeline's upstream edge.
//
//   - EndTask converts into an End frame injected downstream so the chain
//     drains in order.
//   - Every other frame (interruptions, context updates, VAD parameter
//     changes) is re-injected downstream so all processors observe it.
func (t *Task) handleUpstream(f frames.Frame) {
	switch f.(type) {
	case *frames.EndTask:
		if err := t.Queue(frames.NewEnd()); err != nil {
			slog.Warn("pipeline: queue End after EndTask", "task", t.name, "err", err)
		}
	default:
		if err := t.Queue(f); err != nil {
			slog.Warn("pipeline: re-inject upstream frame", "task", t.name, "frame", f.String(), "err", err)
		}
	}
}

// handleDownstream receives frames that fall off the end of the chain.
// Only End is meaningful here; data frames reaching the sink were consumed by
// no processor and are dropped.
func (t *Task) handleDownstream(f frames.Frame) {
	if _, ok := f.(*frames.End); ok {
		t.endOnce.Do(func() { close(t.endCh) })
	}
}
