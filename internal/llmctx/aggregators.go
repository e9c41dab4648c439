package llmctx

import (
	"context"
	"strings"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/types"
)

// UserAggregator turns finalised user speech into context messages and
// triggers the LLM. It is also the single point where [frames.LLMContextUpdate]
// frames (from the flow engine and the IVR navigator) are applied, so the
// context is never mutated from two pipeline positions at once.
type UserAggregator struct {
	*pipeline.BaseProcessor
	ctx *Context
}

// NewUserAggregator creates the user-side context aggregator.
func NewUserAggregator(c *Context) *UserAggregator {
	a := &UserAggregator{ctx: c}
	a.BaseProcessor = pipeline.NewBase("context-user", a)
	return a
}

// HandleFrame implements pipeline.FrameHandler.
func (a *UserAggregator) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return a.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.Transcription:
		if !frame.Transcript.IsFinal {
			return a.PushFrame(f, dir)
		}
		text := strings.TrimSpace(frame.Transcript.Text)
		if text == "" {
			return nil
		}
		a.ctx.Append(types.Message{Role: "user", Content: text})
		// The transcription continues downstream so later stages still see
		// the raw turn; the trigger follows it.
		if err := a.PushFrame(f, dir); err != nil {
			return err
		}
		trigger := frames.NewLLMContextUpdate(nil, false)
		trigger.RunLLM = true
		return a.PushFrame(trigger, dir)

	case *frames.LLMContextUpdate:
		if frame.Replace {
			a.ctx.Replace(frame.Messages)
		} else if len(frame.Messages) > 0 {
			a.ctx.Append(frame.Messages...)
		}
		if !frame.RunLLM {
			return nil
		}
		// Forward a bare trigger; the update itself has been consumed.
		trigger := frames.NewLLMContextUpdate(nil, false)
		trigger.RunLLM = true
		return a.PushFrame(trigger, dir)

	default:
		return a.PushFrame(f, dir)
	}
}

// AssistantAggregator collects the streamed assistant response back into the
// context once it has fully passed the speak gates. Sits near the end of the
// pipeline so suppressed or interrupted text never enters the history.
type AssistantAggregator struct {
	*pipeline.BaseProcessor
	ctx *Context

	buf       strings.Builder
	streaming bool
}

// NewAssistantAggregator creates the assistant-side context aggregator.
func NewAssistantAggregator(c *Context) *AssistantAggregator {
	a := &AssistantAggregator{ctx: c}
	a.BaseProcessor = pipeline.NewBase("context-assistant", a)
	return a
}

// HandleFrame implements pipeline.FrameHandler.
func (a *AssistantAggregator) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return a.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMResponseStart:
		a.streaming = true
		a.buf.Reset()

	case *frames.LLMText:
		if a.streaming {
			a.buf.WriteString(frame.Text)
		}

	case *frames.LLMResponseEnd:
		a.flush()

	case *frames.StartInterruption:
		// Keep what was actually spoken before the cut.
		a.flush()

	case *frames.TTSSpeak:
		a.ctx.Append(types.Message{Role: "assistant", Content: frame.Text})
	}
	return a.PushFrame(f, dir)
}

func (a *AssistantAggregator) flush() {
	if !a.streaming {
		return
	}
	a.streaming = false
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if text == "" {
		return
	}
	a.ctx.Append(types.Message{Role: "assistant", Content: text})
}
