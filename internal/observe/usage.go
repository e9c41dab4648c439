package observe

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/vocata/pkg/types"
)

// llmRate is the per-million-token price of one model.
type llmRate struct {
	inPerMTok  float64
	outPerMTok float64
}

// llmRates holds published list prices keyed by model name prefix, most
// specific first. Unknown models fall back to defaultLLMRate; costs are
// estimates either way.
var llmRates = []struct {
	prefix string
	rate   llmRate
}{
	{"gpt-4o-mini", llmRate{0.15, 0.60}},
	{"gpt-4o", llmRate{2.50, 10.00}},
	{"gpt-4.1-mini", llmRate{0.40, 1.60}},
	{"gpt-4.1", llmRate{2.00, 8.00}},
	{"claude-sonnet", llmRate{3.00, 15.00}},
	{"claude-haiku", llmRate{0.80, 4.00}},
	{"gemini-2.0-flash", llmRate{0.10, 0.40}},
	{"llama-3.1-8b-instant", llmRate{0.05, 0.08}},
	{"mistral-small", llmRate{0.10, 0.30}},
}

var defaultLLMRate = llmRate{1.00, 3.00}

// Per-unit rates for the speech services.
const (
	sttPerMinuteUSD = 0.0058 // streaming STT, per audio minute
	ttsPerCharUSD   = 0.00011
)

// ServiceUsage accumulates raw consumption for one provider/model pair.
type ServiceUsage struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Characters       int     `json:"characters,omitempty"`
	AudioSeconds     float64 `json:"audio_seconds,omitempty"`
}

// UsageSummary is the persisted shape of a session's vendor consumption.
type UsageSummary struct {
	// Usage maps "kind:provider/model" to raw consumption.
	Usage map[string]ServiceUsage `json:"usage"`

	// Costs maps the same keys to estimated US dollar spend.
	Costs map[string]float64 `json:"costs"`

	// TotalCostUSD is the sum over Costs.
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// UsageTracker accumulates per-session vendor usage and cost estimates. It is
// safe for concurrent use; one tracker lives for the duration of one call
// session.
type UsageTracker struct {
	mu      sync.Mutex
	usage   map[string]ServiceUsage
	costs   map[string]float64
	metrics *Metrics
}

// NewUsageTracker creates a tracker that additionally mirrors costs into the
// given metrics instance. metrics may be nil.
func NewUsageTracker(metrics *Metrics) *UsageTracker {
	return &UsageTracker{
		usage:   make(map[string]ServiceUsage),
		costs:   make(map[string]float64),
		metrics: metrics,
	}
}

// AddLLM records one LLM request's token usage.
func (t *UsageTracker) AddLLM(ctx context.Context, provider, model string, u types.Usage) {
	rate := rateForModel(model)
	cost := float64(u.PromptTokens)/1e6*rate.inPerMTok +
		float64(u.CompletionTokens)/1e6*rate.outPerMTok

	key := "llm:" + provider + "/" + model
	t.mu.Lock()
	su := t.usage[key]
	su.Requests++
	su.PromptTokens += u.PromptTokens
	su.CompletionTokens += u.CompletionTokens
	su.TotalTokens += u.TotalTokens
	t.usage[key] = su
	t.costs[key] += cost
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordCost(ctx, provider, "llm", cost)
	}
}

// AddSTT records transcribed audio duration.
func (t *UsageTracker) AddSTT(ctx context.Context, provider string, seconds float64) {
	cost := seconds / 60 * sttPerMinuteUSD

	key := "stt:" + provider
	t.mu.Lock()
	su := t.usage[key]
	su.Requests++
	su.AudioSeconds += seconds
	t.usage[key] = su
	t.costs[key] += cost
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordCost(ctx, provider, "stt", cost)
	}
}

// AddTTS records synthesized characters.
func (t *UsageTracker) AddTTS(ctx context.Context, provider string, characters int) {
	cost := float64(characters) * ttsPerCharUSD

	key := "tts:" + provider
	t.mu.Lock()
	su := t.usage[key]
	su.Requests++
	su.Characters += characters
	t.usage[key] = su
	t.costs[key] += cost
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordCost(ctx, provider, "tts", cost)
	}
}

// Summary returns a snapshot of everything recorded so far.
func (t *UsageTracker) Summary() UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := UsageSummary{
		Usage: make(map[string]ServiceUsage, len(t.usage)),
		Costs: make(map[string]float64, len(t.costs)),
	}
	for k, v := range t.usage {
		s.Usage[k] = v
	}
	for k, v := range t.costs {
		s.Costs[k] = v
		s.TotalCostUSD += v
	}
	return s
}

// rateForModel finds the first price entry whose prefix matches model.
func rateForModel(model string) llmRate {
	for _, e := range llmRates {
		if strings.HasPrefix(model, e.prefix) {
			return e.rate
		}
	}
	return defaultLLMRate
}
