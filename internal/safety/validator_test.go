package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/vocata/pkg/frames"
	llmmock "github.com/MrWong99/vocata/pkg/provider/llm/mock"
)

// respond streams one full assistant response through the validator.
func respond(t *testing.T, v *OutputValidator, chunks ...string) {
	t.Helper()
	if err := v.HandleFrame(context.Background(), frames.NewLLMResponseStart(), frames.Downstream); err != nil {
		t.Fatalf("HandleFrame(start): %v", err)
	}
	for _, c := range chunks {
		if err := v.HandleFrame(context.Background(), frames.NewLLMText(c), frames.Downstream); err != nil {
			t.Fatalf("HandleFrame(%q): %v", c, err)
		}
	}
	if err := v.HandleFrame(context.Background(), frames.NewLLMResponseEnd(), frames.Downstream); err != nil {
		t.Fatalf("HandleFrame(end): %v", err)
	}
}

func TestValidatorUnsafeInterrupts(t *testing.T) {
	var rejected []string
	v := NewOutputValidator(classifierAnswering("UNSAFE"), ValidatorEvents{
		OnUnsafeOutput: func(text string) { rejected = append(rejected, text) },
	})
	down := newRecorder()
	up := newRecorder()
	v.Link(down)
	v.SetPrev(up)

	respond(t, v, "You should double ", "your insulin dose.")
	v.Wait()

	if len(rejected) != 1 || rejected[0] != "You should double your insulin dose." {
		t.Errorf("rejected = %q", rejected)
	}

	interrupted := false
	for _, q := range up.frames() {
		if _, ok := q.frame.(*frames.StartInterruption); ok && q.dir == frames.Upstream {
			interrupted = true
		}
	}
	if !interrupted {
		t.Error("unsafe output must push StartInterruption upstream")
	}
}

func TestValidatorSafePasses(t *testing.T) {
	fired := false
	v := NewOutputValidator(classifierAnswering("SAFE"), ValidatorEvents{
		OnUnsafeOutput: func(string) { fired = true },
	})
	down := newRecorder()
	v.Link(down)
	v.SetPrev(newRecorder())

	respond(t, v, "Your appointment is confirmed for Tuesday.")
	v.Wait()

	if fired {
		t.Error("safe output must not be rejected")
	}
	// Start, text, and end all pass through unchanged.
	if len(down.frames()) != 3 {
		t.Errorf("expected 3 forwarded frames, got %d", len(down.frames()))
	}
}

func TestValidatorFailsOpen(t *testing.T) {
	fired := false
	provider := &llmmock.Provider{CompleteErr: errors.New("classifier down")}
	v := NewOutputValidator(provider, ValidatorEvents{
		OnUnsafeOutput: func(string) { fired = true },
	})
	v.Link(newRecorder())
	v.SetPrev(newRecorder())

	respond(t, v, "hello")
	v.Wait()

	if fired {
		t.Error("classifier failure must fail open")
	}
}

func TestValidatorSkipsEmptyAndInterrupted(t *testing.T) {
	provider := classifierAnswering("UNSAFE")
	v := NewOutputValidator(provider, ValidatorEvents{})
	v.Link(newRecorder())
	v.SetPrev(newRecorder())

	// Interrupted response: the buffer is discarded, nothing is validated.
	v.HandleFrame(context.Background(), frames.NewLLMResponseStart(), frames.Downstream)
	v.HandleFrame(context.Background(), frames.NewLLMText("partial"), frames.Downstream)
	v.HandleFrame(context.Background(), frames.NewStartInterruption(), frames.Downstream)
	v.HandleFrame(context.Background(), frames.NewLLMResponseEnd(), frames.Downstream)

	// Empty response.
	respond(t, v)
	v.Wait()

	if len(provider.CompleteCalls) != 0 {
		t.Errorf("expected no validation calls, got %d", len(provider.CompleteCalls))
	}
}

func TestValidatorIgnoresSkipTTSText(t *testing.T) {
	provider := classifierAnswering("SAFE")
	v := NewOutputValidator(provider, ValidatorEvents{})
	v.Link(newRecorder())
	v.SetPrev(newRecorder())

	v.HandleFrame(context.Background(), frames.NewLLMResponseStart(), frames.Downstream)
	echo := frames.NewLLMText("<dtmf>1</dtmf>")
	echo.SkipTTS = true
	v.HandleFrame(context.Background(), echo, frames.Downstream)
	v.HandleFrame(context.Background(), frames.NewLLMResponseEnd(), frames.Downstream)
	v.Wait()

	if len(provider.CompleteCalls) != 0 {
		t.Error("skip-tts text is never spoken and must not be validated")
	}
}
