package llmctx

import (
	"context"
	"testing"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	llmmock "github.com/MrWong99/vocata/pkg/provider/llm/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

func runTrigger() *frames.LLMContextUpdate {
	f := frames.NewLLMContextUpdate(nil, false)
	f.RunLLM = true
	return f
}

func TestLLMProcessorStreamsResponse(t *testing.T) {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello "},
			{Text: "there."},
			{FinishReason: "stop", Usage: types.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}},
		},
	}
	c := NewContext("system")
	c.Append(types.Message{Role: "user", Content: "hi"})

	p := NewLLMProcessor(provider, "openai", "gpt-4o", c)
	rec := newRecorder()
	p.Link(rec)

	p.HandleFrame(context.Background(), runTrigger(), frames.Downstream)
	p.Wait()

	out := rec.frames()
	if len(out) < 3 {
		t.Fatalf("expected start, text, end; got %d frames", len(out))
	}
	if _, ok := out[0].(*frames.LLMResponseStart); !ok {
		t.Errorf("first frame should be LLMResponseStart, got %v", out[0])
	}
	if _, ok := out[len(out)-1].(*frames.LLMResponseEnd); !ok {
		t.Errorf("last frame should be LLMResponseEnd, got %v", out[len(out)-1])
	}
	texts := rec.texts()
	if len(texts) != 2 || texts[0] != "Hello " || texts[1] != "there." {
		t.Errorf("unexpected texts: %v", texts)
	}

	req := provider.StreamCalls[0].Req
	if req.SystemPrompt != "system" || len(req.Messages) != 1 {
		t.Errorf("request should carry the context snapshot: %+v", req)
	}
}

func TestLLMProcessorToolRound(t *testing.T) {
	provider := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{
				{ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup_slots", Arguments: "{}"}}},
				{FinishReason: "tool_calls"},
			},
			{
				{Text: "We have Tuesday at 3pm."},
				{FinishReason: "stop"},
			},
		},
	}
	c := NewContext("")
	p := NewLLMProcessor(provider, "openai", "gpt-4o", c)
	rec := newRecorder()
	p.Link(rec)

	var handled []types.ToolCall
	p.SetToolHandler(func(_ context.Context, call types.ToolCall) (string, error) {
		handled = append(handled, call)
		return `{"slots":["Tue 3pm"]}`, nil
	})

	p.HandleFrame(context.Background(), runTrigger(), frames.Downstream)
	p.Wait()

	if len(handled) != 1 || handled[0].Name != "lookup_slots" {
		t.Fatalf("tool handler should run once, got %v", handled)
	}
	if len(provider.StreamCalls) != 2 {
		t.Fatalf("expected a follow-up completion, got %d calls", len(provider.StreamCalls))
	}

	// The follow-up request must include the assistant tool call and result.
	followup := provider.StreamCalls[1].Req.Messages
	foundTool := false
	for _, m := range followup {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Errorf("tool result missing from follow-up context: %+v", followup)
	}

	texts := rec.texts()
	if len(texts) != 1 || texts[0] != "We have Tuesday at 3pm." {
		t.Errorf("unexpected texts: %v", texts)
	}

	// Tool call and result frames are emitted for observers.
	var sawCall, sawResult bool
	for _, f := range rec.frames() {
		switch f.(type) {
		case *frames.ToolCallFrame:
			sawCall = true
		case *frames.ToolResultFrame:
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Error("tool call/result frames should be visible downstream")
	}
}

func TestLLMProcessorToolWithoutHandler(t *testing.T) {
	provider := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{
				{ToolCalls: []types.ToolCall{{ID: "c1", Name: "lookup"}}},
				{FinishReason: "tool_calls"},
			},
			{{Text: "ok"}, {FinishReason: "stop"}},
		},
	}
	c := NewContext("")
	p := NewLLMProcessor(provider, "openai", "gpt-4o", c)
	p.Link(newRecorder())

	p.HandleFrame(context.Background(), runTrigger(), frames.Downstream)
	p.Wait()

	// The round completes with a stand-in result rather than hanging.
	if len(provider.StreamCalls) != 2 {
		t.Errorf("expected 2 completions, got %d", len(provider.StreamCalls))
	}
}

func TestLLMProcessorForwardsUnrelatedFrames(t *testing.T) {
	p := NewLLMProcessor(&llmmock.Provider{}, "openai", "gpt-4o", NewContext(""))
	rec := newRecorder()
	p.Link(rec)

	p.HandleFrame(context.Background(), frames.NewTTSSpeak("hello"), frames.Downstream)
	if len(rec.frames()) != 1 {
		t.Errorf("unrelated frames must be forwarded")
	}
}
