package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/types"
)

// recorder captures every frame it sees and forwards it unchanged.
type recorder struct {
	*BaseProcessor

	mu   sync.Mutex
	seen []frames.Frame
}

func newRecorder(name string) *recorder {
	r := &recorder{}
	r.BaseProcessor = NewBase(name, r)
	return r
}

func (r *recorder) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream {
		r.mu.Lock()
		r.seen = append(r.seen, f)
		r.mu.Unlock()
	}
	return r.PushFrame(f, dir)
}

func (r *recorder) frames() []frames.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frames.Frame, len(r.seen))
	copy(out, r.seen)
	return out
}

// upstreamEcho pushes a StartInterruption upstream when it sees the trigger
// text frame, exercising the task's re-injection path.
type upstreamEcho struct {
	*BaseProcessor
	trigger string
}

func newUpstreamEcho(trigger string) *upstreamEcho {
	e := &upstreamEcho{trigger: trigger}
	e.BaseProcessor = NewBase("upstream-echo", e)
	return e
}

func (e *upstreamEcho) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if t, ok := f.(*frames.LLMText); ok && dir == frames.Downstream && t.Text == e.trigger {
		if err := e.PushFrame(frames.NewStartInterruption(), frames.Upstream); err != nil {
			return err
		}
	}
	return e.PushFrame(f, dir)
}

func runTask(t *testing.T, task *Task) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- task.Run(context.Background()) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("task did not terminate")
		return nil
	}
}

func TestTaskDrainsInOrder(t *testing.T) {
	rec := newRecorder("rec")
	task := NewTask("t", New(rec))

	// Frames queued before Run sit in the source mailbox until start.
	if err := task.Queue(frames.NewLLMText("one")); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := task.Queue(frames.NewLLMText("two")); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := task.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := waitErr(t, runTask(t, task)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := rec.frames()
	if len(seen) != 3 {
		t.Fatalf("frames = %d, want 3", len(seen))
	}
	if txt := seen[0].(*frames.LLMText).Text; txt != "one" {
		t.Errorf("first = %q", txt)
	}
	if txt := seen[1].(*frames.LLMText).Text; txt != "two" {
		t.Errorf("second = %q", txt)
	}
	if _, ok := seen[2].(*frames.End); !ok {
		t.Errorf("last = %T, want *frames.End", seen[2])
	}
}

func TestStopDeliversQueuedSpeech(t *testing.T) {
	rec := newRecorder("rec")
	task := NewTask("t", New(rec))

	// A farewell queued right before Stop must be synthesized before the
	// pipeline shuts down: End drains behind it, never past it.
	if err := task.Queue(frames.NewTTSSpeak("goodbye")); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := task.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := waitErr(t, runTask(t, task)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := rec.frames()
	if len(seen) != 2 {
		t.Fatalf("frames = %d, want 2", len(seen))
	}
	speak, ok := seen[0].(*frames.TTSSpeak)
	if !ok || speak.Text != "goodbye" {
		t.Fatalf("first = %v", seen[0])
	}
	if _, ok := seen[1].(*frames.End); !ok {
		t.Fatalf("second = %T, want *frames.End", seen[1])
	}
}

func TestEndIsNotAControlFrame(t *testing.T) {
	if frames.IsControl(frames.NewEnd()) {
		t.Fatal("End must drain in data order, not jump the data mailbox")
	}
	if !frames.IsControl(frames.NewEndTask()) {
		t.Error("EndTask must stay a control frame")
	}
	if !frames.IsControl(frames.NewStartInterruption()) {
		t.Error("StartInterruption must stay a control frame")
	}
}

func TestTaskCancelReturnsErrTaskCancelled(t *testing.T) {
	task := NewTask("t", New(newRecorder("rec")))
	errCh := runTask(t, task)

	task.Cancel()
	if err := waitErr(t, errCh); !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("Run = %v, want ErrTaskCancelled", err)
	}
}

func TestTaskCancelBeforeRun(t *testing.T) {
	task := NewTask("t", New())
	task.Cancel()
	if err := task.Run(context.Background()); !errors.Is(err, ErrTaskCancelled) {
		t.Fatalf("Run = %v, want ErrTaskCancelled", err)
	}
}

func TestTaskParentContextCancellation(t *testing.T) {
	task := NewTask("t", New(newRecorder("rec")))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- task.Run(ctx) }()

	cancel()
	err := waitErr(t, errCh)
	if errors.Is(err, ErrTaskCancelled) {
		t.Fatal("parent cancellation must not report ErrTaskCancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestTaskRejectsSecondRun(t *testing.T) {
	task := NewTask("t", New())
	errCh := runTask(t, task)
	// Give the first Run a moment to take the started flag.
	time.Sleep(20 * time.Millisecond)
	if err := task.Run(context.Background()); err == nil {
		t.Fatal("second Run must error")
	}
	task.Cancel()
	waitErr(t, errCh)
}

func TestUpstreamFrameReinjectedDownstream(t *testing.T) {
	echo := newUpstreamEcho("interrupt me")
	rec := newRecorder("rec")
	task := NewTask("t", New(echo, rec))

	if err := task.Queue(frames.NewLLMText("interrupt me")); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	errCh := runTask(t, task)

	// The interruption exits the upstream edge and must come back downstream
	// through every processor.
	deadline := time.After(5 * time.Second)
	for {
		var found bool
		for _, f := range rec.frames() {
			if _, ok := f.(*frames.StartInterruption); ok {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("interruption never reached the tail")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := task.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := waitErr(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestControlFramesBypassDataBacklog(t *testing.T) {
	b := NewBase("probe", nil)

	// Fill part of the data mailbox, then queue a control frame. The control
	// mailbox is separate, so the control frame is drained first.
	for range 10 {
		if err := b.Queue(frames.NewAudioRaw(types.AudioFrame{}), frames.Downstream); err != nil {
			t.Fatalf("Queue data: %v", err)
		}
	}
	if err := b.Queue(frames.NewStartInterruption(), frames.Downstream); err != nil {
		t.Fatalf("Queue control: %v", err)
	}

	got := <-b.control
	if _, ok := got.frame.(*frames.StartInterruption); !ok {
		t.Fatalf("control mailbox head = %T", got.frame)
	}
	if len(b.data) != 10 {
		t.Errorf("data backlog = %d, want 10", len(b.data))
	}
}

func TestPipelineSkipsNilProcessors(t *testing.T) {
	rec := newRecorder("rec")
	p := New(nil, rec, nil)
	if len(p.procs) != 1 {
		t.Fatalf("procs = %d, want 1", len(p.procs))
	}
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()
	if n.Fired() {
		t.Fatal("new notifier must not be fired")
	}

	// A waiter registered before the fire is released.
	released := make(chan error, 1)
	go func() { released <- n.Wait(context.Background()) }()

	n.Notify()
	n.Notify() // idempotent

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	// Waiters after the fire return immediately.
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("Wait after fire: %v", err)
	}
	if !n.Fired() {
		t.Fatal("Fired must report true")
	}
}

func TestNotifierWaitCancelled(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}
