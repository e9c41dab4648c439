package pipeline

import (
	"context"
	"log/slog"

	"github.com/MrWong99/vocata/pkg/frames"
)

// source is the entry processor of a pipeline. Downstream frames pass through;
// upstream frames that reach it are handed to the owning task (or parent
// parallel branch) for out-of-band handling.
type source struct {
	*BaseProcessor

	// onUpstream receives frames that exit the pipeline's upstream edge.
	onUpstream func(frames.Frame)
}

func newSource(onUpstream func(frames.Frame)) *source {
	s := &source{onUpstream: onUpstream}
	s.BaseProcessor = NewBase("source", s)
	return s
}

func (s *source) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		if s.onUpstream != nil {
			s.onUpstream(f)
		}
		return nil
	}
	return s.PushFrame(f, dir)
}

// sink is the exit processor of a pipeline. Upstream frames pass through;
// downstream frames that reach it are handed to the owning task (or parent
// parallel branch).
type sink struct {
	*BaseProcessor

	// onDownstream receives frames that exit the pipeline's downstream edge.
	onDownstream func(frames.Frame)
}

func newSink(onDownstream func(frames.Frame)) *sink {
	s := &sink{onDownstream: onDownstream}
	s.BaseProcessor = NewBase("sink", s)
	return s
}

func (s *sink) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream {
		if s.onDownstream != nil {
			s.onDownstream(f)
		}
		return nil
	}
	return s.PushFrame(f, dir)
}

// Pipeline is an ordered chain of processors with a source and sink at the
// edges. Construct with [New], then drive it with a [Task].
type Pipeline struct {
	procs  []Processor
	source *source
	sink   *sink
}

// New creates a pipeline from procs in order. Nil entries are skipped so
// callers can assemble optional processors inline.
func New(procs ...Processor) *Pipeline {
	kept := make([]Processor, 0, len(procs))
	for _, p := range procs {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &Pipeline{procs: kept}
}

// link builds the chain source → procs… → sink and wires both directions.
func (p *Pipeline) link(onUpstream, onDownstream func(frames.Frame)) {
	p.source = newSource(onUpstream)
	p.sink = newSink(onDownstream)

	chain := make([]Processor, 0, len(p.procs)+2)
	chain = append(chain, p.source)
	chain = append(chain, p.procs...)
	chain = append(chain, p.sink)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
		chain[i+1].SetPrev(chain[i])
	}

	slog.Debug("pipeline: linked", "processors", len(p.procs))
}

// start launches every processor in the chain.
func (p *Pipeline) start(ctx context.Context) {
	p.source.Start(ctx)
	for _, proc := range p.procs {
		proc.Start(ctx)
	}
	p.sink.Start(ctx)
}

// all returns the full chain including source and sink.
func (p *Pipeline) all() []Processor {
	chain := make([]Processor, 0, len(p.procs)+2)
	chain = append(chain, p.source)
	chain = append(chain, p.procs...)
	chain = append(chain, p.sink)
	return chain
}
