package triage

import (
	"context"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
)

// MainBranchGate regulates the main branch according to the latched verdict.
// Before a decision every downstream data frame is held; afterwards the
// decision's mode applies: conversation opens the gate, voicemail keeps it
// closed until the beep delay elapses, and IVR lets navigation traffic (the
// activation context swap and the menu speech after it) reach the model while
// everything else stays out. Control frames and [frames.End] pass immediately
// so shutdown and interruptions are never stuck behind the gate.
type MainBranchGate struct {
	*pipeline.BaseProcessor
	detector *Detector

	// navigating flips when the IVR activation context swap passes through;
	// only the gate's own goroutine touches it.
	navigating bool
}

// NewMainBranchGate creates the gate bound to its owning detector.
func NewMainBranchGate(d *Detector) *MainBranchGate {
	g := &MainBranchGate{detector: d}
	g.BaseProcessor = pipeline.NewBase("triage-main-gate", g)
	return g
}

// HandleFrame implements pipeline.FrameHandler. Blocking here suspends the
// gate's own frame loop; upstream mailboxes absorb the backlog.
func (g *MainBranchGate) HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream || frames.IsControl(f) {
		return g.PushFrame(f, dir)
	}
	if _, ok := f.(*frames.End); ok {
		return g.PushFrame(f, dir)
	}
	if g.detector.notifiers.Gate.Fired() {
		return g.PushFrame(f, dir)
	}
	if err := g.detector.notifiers.Decided.Wait(ctx); err != nil {
		// Session cancelled before a decision: drop the held frame.
		return nil
	}

	switch g.detector.Decision() {
	case DecisionIVR:
		return g.handleNavigating(f, dir)
	case DecisionVoicemail:
		// The gate opens after the beep delay; the voicemail greeting heard
		// before that has no one to respond to.
		if g.detector.notifiers.Gate.Fired() {
			return g.PushFrame(f, dir)
		}
		return nil
	default:
		// Conversation: the same decide call opens the gate.
		if err := g.detector.notifiers.Gate.Wait(ctx); err != nil {
			return nil
		}
		return g.PushFrame(f, dir)
	}
}

// handleNavigating filters main-branch traffic while the IVR navigator owns
// the call. The activation context swap must reach the model, and so must the
// menu speech that follows it; the backlog heard before activation is dropped
// because the activation already carries it as history.
func (g *MainBranchGate) handleNavigating(f frames.Frame, dir frames.Direction) error {
	if g.detector.notifiers.Gate.Fired() {
		return g.PushFrame(f, dir)
	}
	switch f.(type) {
	case *frames.LLMContextUpdate:
		g.navigating = true
		return g.PushFrame(f, dir)
	case *frames.Transcription:
		if g.navigating {
			return g.PushFrame(f, dir)
		}
		return nil
	default:
		return nil
	}
}

// TTSGate sits after TTS and suppresses bot output until the triage decision
// says the bot may speak. Unlike the main gate it drops rather than holds:
// speech synthesized before the decision is stale by the time the gate opens.
type TTSGate struct {
	*pipeline.BaseProcessor
	open *pipeline.Notifier
}

// NewTTSGate creates a closed TTS gate.
func NewTTSGate() *TTSGate {
	g := &TTSGate{open: pipeline.NewNotifier()}
	g.BaseProcessor = pipeline.NewBase("triage-tts-gate", g)
	return g
}

// Open lets bot output through. Idempotent.
func (g *TTSGate) Open() { g.open.Notify() }

// Opened reports whether the gate has been opened.
func (g *TTSGate) Opened() bool { return g.open.Fired() }

// HandleFrame implements pipeline.FrameHandler.
func (g *TTSGate) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream || g.open.Fired() {
		return g.PushFrame(f, dir)
	}
	switch f.(type) {
	case *frames.TTSAudio, *frames.TTSSpeak:
		return nil
	}
	return g.PushFrame(f, dir)
}

// ClassifierGate is the head of the classifier branch. It records user
// utterances for the eventual hand-off and stops feeding the classifier once
// a decision is latched.
type ClassifierGate struct {
	*pipeline.BaseProcessor
	detector *Detector
}

// NewClassifierGate creates the gate bound to its owning detector.
func NewClassifierGate(d *Detector) *ClassifierGate {
	g := &ClassifierGate{detector: d}
	g.BaseProcessor = pipeline.NewBase("triage-classifier-gate", g)
	return g
}

// HandleFrame implements pipeline.FrameHandler.
func (g *ClassifierGate) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return g.PushFrame(f, dir)
	}
	if frames.IsControl(f) {
		return g.PushFrame(f, dir)
	}
	if _, ok := f.(*frames.End); ok {
		return g.PushFrame(f, dir)
	}

	decided := g.detector.Decision() != DecisionPending
	if t, ok := f.(*frames.Transcription); ok {
		if !t.Transcript.IsFinal {
			return nil
		}
		if decided {
			return nil
		}
		g.detector.recordHistory(t.Transcript.Text)
		return g.PushFrame(f, dir)
	}
	if decided {
		return nil
	}
	return g.PushFrame(f, dir)
}
