package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocata/pkg/frames"
)

// Parallel is a processor composed of two or more inner pipelines running
// concurrently. Every incoming downstream frame is duplicated to each branch;
// branch outputs are merged downstream in first-emitted order. Frames exiting
// a branch's upstream edge are pushed upstream of the Parallel itself.
//
// An [frames.End] frame is forwarded downstream only once every branch has
// drained it, so nothing downstream terminates while a branch still holds
// frames.
type Parallel struct {
	*BaseProcessor

	branches []*Pipeline

	mergeMu sync.Mutex // serialises merged downstream pushes
	endMu   sync.Mutex
	endSeen int

	started bool
}

// NewParallel creates a Parallel from the given branches.
func NewParallel(name string, branches ...*Pipeline) *Parallel {
	p := &Parallel{branches: branches}
	p.BaseProcessor = NewBase(name, p)

	for _, b := range branches {
		b.link(p.branchUpstream, p.branchDownstream)
	}
	return p
}

// Start launches the Parallel's own frame loop plus every branch.
func (p *Parallel) Start(ctx context.Context) {
	p.BaseProcessor.Start(ctx)
	if p.started {
		return
	}
	p.started = true
	for _, b := range p.branches {
		b.start(ctx)
	}
}

// HandleFrame implements [FrameHandler]. Downstream frames are broadcast to
// every branch; upstream frames bypass the branches and continue upstream.
func (p *Parallel) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, frames.Upstream)
	}

	var g errgroup.Group
	for _, b := range p.branches {
		g.Go(func() error {
			return b.source.Queue(f, frames.Downstream)
		})
	}
	return g.Wait()
}

// branchDownstream merges one branch's downstream output into the Parallel's
// own downstream edge. A single mutex preserves each branch's emission order
// while interleaving branches by arrival time.
func (p *Parallel) branchDownstream(f frames.Frame) {
	if _, ok := f.(*frames.End); ok {
		p.endMu.Lock()
		p.endSeen++
		ready := p.endSeen == len(p.branches)
		p.endMu.Unlock()
		if !ready {
			return
		}
		// All branches drained: let exactly one End continue downstream.
	}

	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()
	_ = p.PushFrame(f, frames.Downstream)
}

// branchUpstream forwards a branch's upstream output past the Parallel.
func (p *Parallel) branchUpstream(f frames.Frame) {
	_ = p.PushFrame(f, frames.Upstream)
}
