// Package ivr navigates interactive voice menus on behalf of the call
// session. Once triage decides an automated menu answered, the navigator
// takes over the LLM context with a navigation goal; the model answers with
// <dtmf>N</dtmf> key presses and <ivr>STATUS</ivr> progress markers, which the
// navigator extracts from the streamed output and turns into transport key
// presses and lifecycle events. Text outside the tags passes through and is
// spoken at the menu.
package ivr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/types"
)

// ivrStopSecs is the endpoint-of-turn silence while navigating. Menu prompts
// pause mid-sentence, so the conversational 0.8 s would cut them apart.
const ivrStopSecs = 2.0

// conversationStopSecs restores the normal turn threshold after navigation.
const conversationStopSecs = 0.8

// Status is the navigator's lifecycle state.
type Status int32

const (
	// StatusInactive means the navigator is idle and transparent.
	StatusInactive Status = iota

	// StatusDetected means triage chose IVR and navigation has started.
	StatusDetected

	// StatusWait means the model asked to hear more of the menu before acting.
	StatusWait

	// StatusCompleted means the goal was reached (a person or the right queue).
	StatusCompleted

	// StatusStuck means the model gave up on the menu.
	StatusStuck
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusDetected:
		return "detected"
	case StatusWait:
		return "wait"
	case StatusCompleted:
		return "completed"
	case StatusStuck:
		return "stuck"
	default:
		return "inactive"
	}
}

// Terminal reports whether s ends the navigation lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStuck
}

// Events are the callbacks the session orchestrator registers on a Navigator.
// Nil callbacks are skipped. They run on the navigator's frame goroutine.
type Events struct {
	// OnDTMFPressed fires after a key press has been queued to the transport.
	OnDTMFPressed func(button frames.KeypadEntry)

	// OnStatusChanged fires on every lifecycle change after activation.
	OnStatusChanged func(status Status)
}

// Navigator is the pipeline processor implementing menu traversal. Place it
// directly after the active LLM so it sees the streamed response before TTS.
// While inactive every frame passes through unchanged.
type Navigator struct {
	*pipeline.BaseProcessor

	events Events
	prompt string

	status atomic.Int32

	mu  sync.Mutex
	agg tagAggregator
}

// Option configures a [Navigator].
type Option func(*Navigator)

// WithPrompt overrides the built-in navigation system prompt. The goal is
// appended by [Navigator.Activate] regardless.
func WithPrompt(prompt string) Option {
	return func(n *Navigator) { n.prompt = prompt }
}

// New creates an inactive Navigator.
func New(events Events, opts ...Option) *Navigator {
	n := &Navigator{events: events, prompt: defaultPrompt}
	for _, o := range opts {
		o(n)
	}
	n.BaseProcessor = pipeline.NewBase("ivr-navigator", n)
	return n
}

// Status returns the current lifecycle state.
func (n *Navigator) Status() Status { return Status(n.status.Load()) }

// Active reports whether the navigator is consuming LLM output.
func (n *Navigator) Active() bool {
	s := n.Status()
	return s == StatusDetected || s == StatusWait
}

// Activate starts navigation toward goal. The prior conversation history
// (what the menu said before triage decided) seeds the model's view of the
// call. The context swap and the longer turn threshold travel upstream;
// the model is triggered immediately so the first key press needs no further
// caller audio.
func (n *Navigator) Activate(goal string, history []types.Message) error {
	n.mu.Lock()
	n.agg.reset()
	n.mu.Unlock()
	n.status.Store(int32(StatusDetected))
	n.emitStatus(StatusDetected)

	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, types.Message{Role: "system", Content: n.prompt + "\n\nGoal: " + goal})
	msgs = append(msgs, history...)

	update := frames.NewLLMContextUpdate(msgs, true)
	update.RunLLM = true
	if err := n.PushFrame(update, frames.Upstream); err != nil {
		return err
	}
	return n.PushFrame(frames.NewVADParamsUpdate(ivrStopSecs), frames.Upstream)
}

// Deactivate ends navigation with the given terminal status and restores the
// conversational turn threshold. Idempotent: only the first terminal wins.
func (n *Navigator) Deactivate(status Status) {
	if !status.Terminal() {
		return
	}
	for {
		cur := n.status.Load()
		if Status(cur).Terminal() || Status(cur) == StatusInactive {
			return
		}
		if n.status.CompareAndSwap(cur, int32(status)) {
			break
		}
	}
	_ = n.PushFrame(frames.NewVADParamsUpdate(conversationStopSecs), frames.Upstream)
	n.emitStatus(status)
}

// HandleFrame implements pipeline.FrameHandler.
func (n *Navigator) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream || !n.Active() {
		return n.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMText:
		if frame.SkipTTS {
			return n.PushFrame(f, dir)
		}
		n.mu.Lock()
		actions := n.agg.feed(frame.Text)
		n.mu.Unlock()
		return n.apply(actions, dir)

	case *frames.LLMResponseEnd, *frames.EndTask:
		if err := n.flush(dir); err != nil {
			return err
		}
		return n.PushFrame(f, dir)

	case *frames.StartInterruption:
		n.mu.Lock()
		n.agg.reset()
		n.mu.Unlock()
		return n.PushFrame(f, dir)

	default:
		return n.PushFrame(f, dir)
	}
}

// flush emits any partially accumulated text verbatim and resets the parser.
func (n *Navigator) flush(dir frames.Direction) error {
	n.mu.Lock()
	rest := n.agg.flush()
	n.mu.Unlock()
	if rest == "" {
		return nil
	}
	return n.PushFrame(frames.NewLLMText(rest), dir)
}

// apply executes the parsed actions in order.
func (n *Navigator) apply(actions []action, dir frames.Direction) error {
	for _, a := range actions {
		switch a.kind {
		case actionText:
			if err := n.PushFrame(frames.NewLLMText(a.value), dir); err != nil {
				return err
			}

		case actionDTMF:
			button, ok := frames.ParseKeypadEntry(a.value)
			if !ok {
				slog.Warn("ivr: invalid dtmf value", "value", a.value)
				continue
			}
			if err := n.PushFrame(frames.NewDTMFUrgent(button), dir); err != nil {
				return err
			}
			// The literal tag goes into the transcript but must not be spoken.
			echo := frames.NewLLMText("<dtmf>" + a.value + "</dtmf>")
			echo.SkipTTS = true
			if err := n.PushFrame(echo, dir); err != nil {
				return err
			}
			if n.events.OnDTMFPressed != nil {
				n.events.OnDTMFPressed(button)
			}

		case actionStatus:
			n.applyStatus(a.value)
		}

		if !n.Active() {
			// A terminal status ends this response's authority over the
			// remaining chunks; whatever follows is dropped by reset.
			n.mu.Lock()
			n.agg.reset()
			n.mu.Unlock()
			return nil
		}
	}
	return nil
}

// applyStatus maps an <ivr> tag body to a lifecycle change.
func (n *Navigator) applyStatus(value string) {
	switch value {
	case "completed":
		n.Deactivate(StatusCompleted)
	case "stuck":
		n.Deactivate(StatusStuck)
	case "wait":
		n.status.Store(int32(StatusWait))
		n.emitStatus(StatusWait)
	default:
		slog.Warn("ivr: unrecognized status tag", "value", value)
	}
}

func (n *Navigator) emitStatus(status Status) {
	if n.events.OnStatusChanged != nil {
		n.events.OnStatusChanged(status)
	}
}

const defaultPrompt = `You are navigating an automated phone menu for a healthcare organization. Listen to each menu prompt and work toward the goal below.

Rules:
- To press a key, output exactly <dtmf>N</dtmf> where N is 0-9, * or #.
- After pressing, output <ivr>wait</ivr> and listen to the next prompt.
- When you reach a person or the right department, output <ivr>completed</ivr>.
- If the menu loops or no option fits the goal, output <ivr>stuck</ivr>.
- If the menu asks you to speak instead of pressing keys, say only the words the menu needs.
- Never explain yourself. Output tags and menu answers only.`
