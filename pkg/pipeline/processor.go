// Package pipeline implements the ordered frame pipeline that carries a call
// session's data. A pipeline is a chain of processors; each processor owns a
// bounded mailbox per direction and a goroutine that drains it. Frames flow
// downstream by default; interruptions, context updates, and shutdown requests
// flow upstream.
//
// Processors must forward every frame they do not consume, in arrival order.
// Control frames ([frames.IsControl]) bypass the data mailbox so interruptions
// are not stuck behind queued audio.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/vocata/pkg/frames"
)

const (
	// dataMailboxDepth bounds the per-processor data queue. A full mailbox
	// applies backpressure to the pushing processor.
	dataMailboxDepth = 256

	// controlMailboxDepth bounds the control queue. Control frames are rare;
	// a small buffer keeps pushes non-blocking in practice.
	controlMailboxDepth = 32
)

// Processor is a node in the frame pipeline.
//
// Implementations embed [BaseProcessor] and provide a [FrameHandler]; the base
// takes care of queueing, ordering, and forwarding.
type Processor interface {
	// Name returns the processor's name for logs and traces.
	Name() string

	// Queue places a frame in this processor's mailbox for the given
	// direction. It blocks when the mailbox is full (backpressure) and
	// returns an error once the processor has stopped.
	Queue(f frames.Frame, dir frames.Direction) error

	// Link connects this processor's downstream edge to next.
	Link(next Processor)

	// SetPrev connects this processor's upstream edge to prev.
	SetPrev(prev Processor)

	// Start launches the processor's goroutine. The processor runs until an
	// [frames.End] frame arrives or ctx is cancelled.
	Start(ctx context.Context)

	// Done returns a channel closed when the processor's goroutine has exited.
	Done() <-chan struct{}
}

// FrameHandler is implemented by concrete processors to consume or transform
// frames. Handlers run on the owning processor's goroutine, one frame at a
// time, so per-processor state needs no locking.
type FrameHandler interface {
	// HandleFrame processes one frame. Frames not consumed must be forwarded
	// with [BaseProcessor.PushFrame] in the same direction.
	HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error
}

// queued pairs a frame with its travel direction inside a mailbox.
type queued struct {
	frame frames.Frame
	dir   frames.Direction
}

// BaseProcessor provides mailbox management, ordering, and frame forwarding
// for concrete processors. Construct with [NewBase].
type BaseProcessor struct {
	name    string
	handler FrameHandler

	mu   sync.RWMutex
	next Processor
	prev Processor

	control chan queued
	data    chan queued

	done    chan struct{}
	stopped chan struct{} // closed once; guards Queue after exit
	once    sync.Once
}

// NewBase creates a BaseProcessor named name that dispatches frames to handler.
// If handler is nil, every frame is forwarded unchanged.
func NewBase(name string, handler FrameHandler) *BaseProcessor {
	b := &BaseProcessor{
		name:    name,
		control: make(chan queued, controlMailboxDepth),
		data:    make(chan queued, dataMailboxDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if handler == nil {
		handler = forwardHandler{b}
	}
	b.handler = handler
	return b
}

// forwardHandler is the default pass-through handler.
type forwardHandler struct{ b *BaseProcessor }

func (h forwardHandler) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	return h.b.PushFrame(f, dir)
}

// Name implements [Processor].
func (b *BaseProcessor) Name() string { return b.name }

// Link implements [Processor].
func (b *BaseProcessor) Link(next Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = next
}

// SetPrev implements [Processor].
func (b *BaseProcessor) SetPrev(prev Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prev = prev
}

// Done implements [Processor].
func (b *BaseProcessor) Done() <-chan struct{} { return b.done }

// Queue implements [Processor]. Control frames go to the priority mailbox.
func (b *BaseProcessor) Queue(f frames.Frame, dir frames.Direction) error {
	ch := b.data
	if frames.IsControl(f) {
		ch = b.control
	}
	select {
	case <-b.stopped:
		return fmt.Errorf("pipeline: %s: queue on stopped processor", b.name)
	case ch <- queued{frame: f, dir: dir}:
		return nil
	}
}

// PushFrame emits f to the neighbouring processor in the given direction.
// Called by handlers to forward unconsumed frames or emit new ones. Pushing
// past the end of the chain is a no-op (the pipeline source/sink terminate
// both edges).
func (b *BaseProcessor) PushFrame(f frames.Frame, dir frames.Direction) error {
	b.mu.RLock()
	var target Processor
	if dir == frames.Downstream {
		target = b.next
	} else {
		target = b.prev
	}
	b.mu.RUnlock()

	if target == nil {
		return nil
	}
	return target.Queue(f, dir)
}

// Start implements [Processor].
func (b *BaseProcessor) Start(ctx context.Context) {
	go b.run(ctx)
}

// run is the processor's frame loop. Control frames are always drained before
// data frames. The loop exits when an [frames.End] frame has been handled or
// when ctx is cancelled.
func (b *BaseProcessor) run(ctx context.Context) {
	defer close(b.done)
	defer b.once.Do(func() { close(b.stopped) })

	for {
		// Priority pass: drain control frames first.
		select {
		case q := <-b.control:
			if b.dispatch(ctx, q) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case q := <-b.control:
			if b.dispatch(ctx, q) {
				return
			}
		case q := <-b.data:
			if b.dispatch(ctx, q) {
				return
			}
		}
	}
}

// dispatch hands one queued frame to the handler. Returns true when the
// processor should exit (an End frame was processed).
func (b *BaseProcessor) dispatch(ctx context.Context, q queued) (exit bool) {
	if err := b.handler.HandleFrame(ctx, q.frame, q.dir); err != nil {
		slog.Error("pipeline: frame handler error",
			"processor", b.name, "frame", q.frame.String(), "err", err)
	}
	_, isEnd := q.frame.(*frames.End)
	return isEnd
}
