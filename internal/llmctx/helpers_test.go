package llmctx

import (
	"context"
	"sync"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
)

// recorder is a passive pipeline neighbour that captures queued frames
// synchronously, so tests can drive handlers directly and assert on output.
type recorder struct {
	mu     sync.Mutex
	queued []frames.Frame
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Queue(f frames.Frame, _ frames.Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, f)
	return nil
}

func (r *recorder) Link(pipeline.Processor)    {}
func (r *recorder) SetPrev(pipeline.Processor) {}
func (r *recorder) Start(context.Context)      {}
func (r *recorder) Done() <-chan struct{}      { return r.closed }

func (r *recorder) frames() []frames.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frames.Frame, len(r.queued))
	copy(out, r.queued)
	return out
}

// texts returns the concatenation order of LLMText frames captured so far.
func (r *recorder) texts() []string {
	var out []string
	for _, f := range r.frames() {
		if t, ok := f.(*frames.LLMText); ok {
			out = append(out, t.Text)
		}
	}
	return out
}
