package llmctx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/types"
)

// maxToolRounds bounds the tool-call loop of a single response so a
// confused model cannot spin the pipeline forever.
const maxToolRounds = 5

// ToolHandler executes one tool call on behalf of the LLM processor. The flow
// engine registers itself here; the returned string is fed back to the model
// as the tool message.
type ToolHandler func(ctx context.Context, call types.ToolCall) (string, error)

// LLMProcessor streams completions from the active LLM into the pipeline.
// A run is triggered by an [frames.LLMContextUpdate] with RunLLM set; the
// response leaves as LLMResponseStart, LLMText chunks, and LLMResponseEnd.
type LLMProcessor struct {
	*pipeline.BaseProcessor

	provider     llm.Provider
	providerName string
	model        string
	ctxObj       *Context

	metrics *observe.Metrics
	usage   *observe.UsageTracker

	mu          sync.Mutex
	toolHandler ToolHandler
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// LLMOption configures an [LLMProcessor].
type LLMOption func(*LLMProcessor)

// WithLLMMetrics attaches latency and cost instrumentation.
func WithLLMMetrics(m *observe.Metrics, u *observe.UsageTracker) LLMOption {
	return func(p *LLMProcessor) {
		p.metrics = m
		p.usage = u
	}
}

// NewLLMProcessor creates the LLM pipeline processor. providerName and model
// label usage records and metrics.
func NewLLMProcessor(provider llm.Provider, providerName, model string, c *Context, opts ...LLMOption) *LLMProcessor {
	p := &LLMProcessor{
		provider:     provider,
		providerName: providerName,
		model:        model,
		ctxObj:       c,
	}
	for _, o := range opts {
		o(p)
	}
	p.BaseProcessor = pipeline.NewBase("llm", p)
	return p
}

// SetToolHandler registers the executor for tool calls. Passing nil means
// tool calls are answered with an error message instead of executed.
func (p *LLMProcessor) SetToolHandler(h ToolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolHandler = h
}

// HandleFrame implements pipeline.FrameHandler.
func (p *LLMProcessor) HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMContextUpdate:
		if frame.RunLLM {
			p.startRun(ctx)
		}
		return nil

	case *frames.StartInterruption:
		p.cancelRun()
		return p.PushFrame(f, dir)

	case *frames.EndTask, *frames.End:
		p.cancelRun()
		return p.PushFrame(f, dir)

	default:
		return p.PushFrame(f, dir)
	}
}

// Wait blocks until any in-flight generation has finished. Used by tests and
// session teardown.
func (p *LLMProcessor) Wait() {
	p.wg.Wait()
}

// startRun cancels any generation in flight and starts a new one against the
// current context snapshot.
func (p *LLMProcessor) startRun(ctx context.Context) {
	p.cancelRun()

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	handler := p.toolHandler
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(runCtx, handler)
	}()
}

// cancelRun aborts the in-flight generation, if any.
func (p *LLMProcessor) cancelRun() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run executes one full response, including bounded tool-call rounds.
func (p *LLMProcessor) run(ctx context.Context, handler ToolHandler) {
	log := observe.Logger(ctx)

	_ = p.PushFrame(frames.NewLLMResponseStart(), frames.Downstream)
	defer func() {
		_ = p.PushFrame(frames.NewLLMResponseEnd(), frames.Downstream)
	}()

	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			SystemPrompt: p.ctxObj.SystemPrompt(),
			Messages:     p.ctxObj.Messages(),
			Tools:        p.ctxObj.Tools(),
		}

		start := time.Now()
		ch, err := p.provider.StreamCompletion(ctx, req)
		if err != nil {
			log.Error("llm stream failed", "provider", p.providerName, "err", err)
			if p.metrics != nil {
				p.metrics.RecordProviderError(ctx, p.providerName, "llm")
			}
			return
		}

		toolCalls, errored := p.forwardStream(ctx, ch, start)
		if errored || len(toolCalls) == 0 {
			return
		}

		// Tool round: record the assistant's calls and their results, then
		// loop for the follow-up response.
		p.ctxObj.Append(types.Message{Role: "assistant", ToolCalls: toolCalls})
		for _, call := range toolCalls {
			result := p.executeTool(ctx, handler, call)
			p.ctxObj.Append(types.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	log.Warn("llm tool loop exhausted", "max_rounds", maxToolRounds)
}

// forwardStream pushes text chunks downstream and collects tool calls and
// usage from the stream.
func (p *LLMProcessor) forwardStream(ctx context.Context, ch <-chan llm.Chunk, start time.Time) (toolCalls []types.ToolCall, errored bool) {
	firstToken := true
	for {
		select {
		case <-ctx.Done():
			return nil, true
		case chunk, ok := <-ch:
			if !ok {
				return toolCalls, false
			}
			if chunk.Text != "" {
				if firstToken {
					firstToken = false
					if p.metrics != nil {
						p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
					}
				}
				if err := p.PushFrame(frames.NewLLMText(chunk.Text), frames.Downstream); err != nil {
					return nil, true
				}
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.Usage.TotalTokens > 0 && p.usage != nil {
				p.usage.AddLLM(ctx, p.providerName, p.model, chunk.Usage)
			}
			if chunk.FinishReason == "error" {
				observe.Logger(ctx).Error("llm stream errored mid-response",
					"provider", p.providerName, "text", chunk.Text)
				if p.metrics != nil {
					p.metrics.RecordProviderError(ctx, p.providerName, "llm")
				}
				return nil, true
			}
		}
	}
}

// executeTool runs one tool call through the registered handler, emitting the
// pipeline frames that let observers see the invocation.
func (p *LLMProcessor) executeTool(ctx context.Context, handler ToolHandler, call types.ToolCall) string {
	_ = p.PushFrame(frames.NewToolCall(call), frames.Downstream)

	var (
		result string
		err    error
	)
	start := time.Now()
	if handler == nil {
		result = "tool execution is not available"
	} else {
		result, err = handler(ctx, call)
	}

	status := "ok"
	if err != nil {
		status = "error"
		result = "tool failed: " + err.Error()
		observe.Logger(ctx).Warn("tool call failed", "tool", call.Name, "err", err)
	}
	if p.metrics != nil {
		p.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
		p.metrics.RecordToolCall(ctx, call.Name, status)
	}

	_ = p.PushFrame(frames.NewToolResult(call.ID, call.Name, result), frames.Downstream)
	return strings.TrimSpace(result)
}
