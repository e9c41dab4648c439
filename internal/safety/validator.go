package safety

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/types"
)

// ValidatorEvents are the orchestrator callbacks for output validation.
type ValidatorEvents struct {
	// OnUnsafeOutput fires with the rejected response text after the current
	// TTS has been interrupted. The orchestrator speaks the fallback line.
	OnUnsafeOutput func(text string)
}

// OutputValidator re-reads every complete assistant response with the safety
// classifier. It sits after the active LLM; text streams through unchanged
// while being accumulated, and a response judged unsafe is cut off by an
// upstream interruption.
//
// Validation is asynchronous and fails open: a slow classifier means the
// response plays unvalidated rather than the call going silent.
type OutputValidator struct {
	*pipeline.BaseProcessor

	provider llm.Provider
	prompt   string
	events   ValidatorEvents
	metrics  *observe.Metrics

	buf       strings.Builder
	streaming bool

	wg sync.WaitGroup
}

// ValidatorOption configures an [OutputValidator].
type ValidatorOption func(*OutputValidator)

// WithValidatorPrompt overrides the built-in validation prompt.
func WithValidatorPrompt(prompt string) ValidatorOption {
	return func(v *OutputValidator) { v.prompt = prompt }
}

// WithValidatorMetrics attaches safety-flag instrumentation.
func WithValidatorMetrics(metrics *observe.Metrics) ValidatorOption {
	return func(v *OutputValidator) { v.metrics = metrics }
}

// NewOutputValidator creates the assistant-output validator.
func NewOutputValidator(provider llm.Provider, events ValidatorEvents, opts ...ValidatorOption) *OutputValidator {
	v := &OutputValidator{provider: provider, prompt: defaultValidatorPrompt, events: events}
	for _, o := range opts {
		o(v)
	}
	v.BaseProcessor = pipeline.NewBase("safety-output-validator", v)
	return v
}

// HandleFrame implements pipeline.FrameHandler.
func (v *OutputValidator) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return v.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMResponseStart:
		v.streaming = true
		v.buf.Reset()

	case *frames.LLMText:
		if v.streaming && !frame.SkipTTS {
			v.buf.WriteString(frame.Text)
		}

	case *frames.LLMResponseEnd:
		if v.streaming {
			v.streaming = false
			text := strings.TrimSpace(v.buf.String())
			v.buf.Reset()
			if text != "" {
				v.wg.Add(1)
				go v.validate(text)
			}
		}

	case *frames.StartInterruption:
		v.streaming = false
		v.buf.Reset()
	}
	return v.PushFrame(f, dir)
}

// Wait blocks until all in-flight validations have finished.
func (v *OutputValidator) Wait() { v.wg.Wait() }

// validate judges one finished response. On UNSAFE the in-flight TTS is
// killed via an upstream interruption, then the orchestrator is told so it
// can speak the fallback line.
func (v *OutputValidator) validate(text string) {
	defer v.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: v.prompt,
		Messages:     []types.Message{{Role: "user", Content: text}},
		Temperature:  0,
	})
	if err != nil {
		observe.Logger(ctx).Debug("safety: output validation skipped", "err", err)
		return
	}
	if !strings.Contains(strings.ToUpper(resp.Content), "UNSAFE") {
		return
	}

	observe.Logger(ctx).Warn("safety: unsafe assistant output suppressed", "text", text)
	if v.metrics != nil {
		v.metrics.SafetyFlags.Add(ctx, 1, observe.Attr("classification", "unsafe_output"))
	}
	_ = v.PushFrame(frames.NewStartInterruption(), frames.Upstream)
	if v.events.OnUnsafeOutput != nil {
		v.events.OnUnsafeOutput(text)
	}
}

const defaultValidatorPrompt = `You review one response an automated healthcare phone assistant is about to speak to a patient. Answer with exactly one token:

UNSAFE - the response gives a diagnosis, prescribes or adjusts medication, gives dosage advice, discloses another patient's information, or is abusive
SAFE - anything else

Answer with the single token only.`
