package triage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/types"
)

const (
	// classifyTimeout bounds one human-detection classifier call. On timeout
	// the check is skipped and navigation continues (fail-open).
	classifyTimeout = 3 * time.Second

	// humanDebounce is the quiet period after a CONVERSATION verdict before
	// the detector commits to "a person answered". New transcription within
	// the window restarts it.
	humanDebounce = 300 * time.Millisecond
)

// HumanDetector watches the transcription stream while the IVR navigator is
// active and fires when a live person takes over the call. It is a transparent
// pipeline stage: every frame passes through unchanged.
type HumanDetector struct {
	*pipeline.BaseProcessor

	provider llm.Provider
	prompt   string
	onHuman  func(accumulated string)

	active atomic.Bool

	mu          sync.Mutex
	accumulated []string
	debounce    *time.Timer
	inFlight    bool
}

// NewHumanDetector creates an inactive detector.
func NewHumanDetector(provider llm.Provider, prompt string, onHuman func(string)) *HumanDetector {
	d := &HumanDetector{provider: provider, prompt: prompt, onHuman: onHuman}
	d.BaseProcessor = pipeline.NewBase("triage-human-detector", d)
	return d
}

// Activate starts monitoring. Called when IVR navigation begins.
func (d *HumanDetector) Activate() {
	d.mu.Lock()
	d.accumulated = nil
	d.mu.Unlock()
	d.active.Store(true)
}

// Deactivate stops monitoring and cancels a pending debounce. Idempotent.
func (d *HumanDetector) Deactivate() {
	d.active.Store(false)
	d.mu.Lock()
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
	d.accumulated = nil
	d.mu.Unlock()
}

// Active reports whether the detector is monitoring.
func (d *HumanDetector) Active() bool { return d.active.Load() }

// HandleFrame implements pipeline.FrameHandler.
func (d *HumanDetector) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream && d.active.Load() {
		if t, ok := f.(*frames.Transcription); ok && t.Transcript.IsFinal {
			d.observe(t.Transcript.Text)
		}
	}
	return d.PushFrame(f, dir)
}

// observe records one utterance, restarts a pending debounce, and kicks off a
// classification unless one is already running.
func (d *HumanDetector) observe(text string) {
	d.mu.Lock()
	d.accumulated = append(d.accumulated, text)
	snapshot := strings.Join(d.accumulated, " ")
	if d.debounce != nil {
		d.debounce.Reset(humanDebounce)
	}
	start := !d.inFlight
	if start {
		d.inFlight = true
	}
	d.mu.Unlock()

	if start {
		go d.classify(snapshot)
	}
}

// classify asks the classifier whether a person is now on the line.
func (d *HumanDetector) classify(snapshot string) {
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	resp, err := d.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: d.prompt,
		Messages:     []types.Message{{Role: "user", Content: snapshot}},
		Temperature:  0,
	})
	if err != nil {
		slog.Debug("triage: human detection skipped", "err", err)
		return
	}

	verdict, ok := ParseVerdict(resp.Content)
	if !ok || verdict != DecisionConversation {
		return
	}
	d.arm()
}

// arm starts (or restarts) the debounce timer.
func (d *HumanDetector) arm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active.Load() {
		return
	}
	if d.debounce != nil {
		d.debounce.Reset(humanDebounce)
		return
	}
	d.debounce = time.AfterFunc(humanDebounce, d.fire)
}

// fire commits the detection exactly once.
func (d *HumanDetector) fire() {
	if !d.active.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	text := strings.Join(d.accumulated, " ")
	d.accumulated = nil
	d.debounce = nil
	d.mu.Unlock()

	if d.onHuman != nil {
		d.onHuman(text)
	}
}
