// Package safety guards the live conversation in both directions: a monitor
// classifies each caller utterance for emergencies and staff requests, and a
// validator re-reads every finished assistant response before it is allowed
// to stand. Both run a small classifier LLM on the side of the pipeline and
// fail open — a slow or broken classifier never stalls the call.
package safety

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

// classifyTimeout bounds one classifier call. On timeout the check is skipped
// for that turn (fail-open).
const classifyTimeout = 3 * time.Second

// Classification is the monitor's verdict on one caller utterance.
type Classification int

const (
	// ClassOK means the utterance needs no intervention.
	ClassOK Classification = iota

	// ClassEmergency means the caller described a medical emergency.
	ClassEmergency

	// ClassStaffRequest means the caller asked for a human.
	ClassStaffRequest
)

// String implements fmt.Stringer.
func (c Classification) String() string {
	switch c {
	case ClassEmergency:
		return "emergency"
	case ClassStaffRequest:
		return "staff_request"
	default:
		return "ok"
	}
}

// ParseClassification maps a classifier answer to a [Classification].
// Matching is case-insensitive and tolerates surrounding prose.
func ParseClassification(answer string) Classification {
	up := strings.ToUpper(answer)
	switch {
	case strings.Contains(up, "EMERGENCY"):
		return ClassEmergency
	case strings.Contains(up, "STAFF_REQUEST") || strings.Contains(up, "STAFF REQUEST"):
		return ClassStaffRequest
	default:
		return ClassOK
	}
}

// MonitorEvents are the orchestrator callbacks. Nil callbacks are skipped;
// they run on the monitor's classifier goroutine.
type MonitorEvents struct {
	// OnEmergencyDetected fires with the triggering utterance.
	OnEmergencyDetected func(utterance string)

	// OnStaffRequested fires with the triggering utterance.
	OnStaffRequested func(utterance string)
}

// Monitor is a transparent pipeline stage placed after STT. Every final user
// transcription is classified on a side goroutine while the frame continues
// downstream unchanged, so the main conversation never waits on the check.
type Monitor struct {
	*pipeline.BaseProcessor

	provider llm.Provider
	prompt   string
	events   MonitorEvents
	metrics  *observe.Metrics

	mu       sync.Mutex
	inFlight int
	wg       sync.WaitGroup
}

// MonitorOption configures a [Monitor].
type MonitorOption func(*Monitor)

// WithMonitorPrompt overrides the built-in classification prompt.
func WithMonitorPrompt(prompt string) MonitorOption {
	return func(m *Monitor) { m.prompt = prompt }
}

// WithMonitorMetrics attaches safety-flag instrumentation.
func WithMonitorMetrics(metrics *observe.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// NewMonitor creates the input safety monitor.
func NewMonitor(provider llm.Provider, events MonitorEvents, opts ...MonitorOption) *Monitor {
	m := &Monitor{provider: provider, prompt: defaultMonitorPrompt, events: events}
	for _, o := range opts {
		o(m)
	}
	m.BaseProcessor = pipeline.NewBase("safety-monitor", m)
	return m
}

// HandleFrame implements pipeline.FrameHandler.
func (m *Monitor) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream {
		if t, ok := f.(*frames.Transcription); ok && t.Transcript.IsFinal {
			text := strings.TrimSpace(t.Transcript.Text)
			if text != "" {
				m.wg.Add(1)
				go m.classify(text)
			}
		}
	}
	return m.PushFrame(f, dir)
}

// Wait blocks until all in-flight classifications have finished. Used by
// tests and session teardown.
func (m *Monitor) Wait() { m.wg.Wait() }

// classify runs one utterance through the classifier and raises the matching
// event. Errors and timeouts are logged at debug level only; the conversation
// proceeds without the guard for this turn.
func (m *Monitor) classify(utterance string) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), classifyTimeout)
	defer cancel()

	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: m.prompt,
		Messages:     []types.Message{{Role: "user", Content: utterance}},
		Temperature:  0,
	})
	if err != nil {
		observe.Logger(ctx).Debug("safety: classification skipped", "err", err)
		return
	}

	class := ParseClassification(resp.Content)
	if class == ClassOK {
		return
	}
	observe.Logger(ctx).Info("safety: utterance flagged",
		"classification", class.String(), "utterance", utterance)
	if m.metrics != nil {
		m.metrics.SafetyFlags.Add(ctx, 1, observe.Attr("classification", class.String()))
	}

	switch class {
	case ClassEmergency:
		if m.events.OnEmergencyDetected != nil {
			m.events.OnEmergencyDetected(utterance)
		}
	case ClassStaffRequest:
		if m.events.OnStaffRequested != nil {
			m.events.OnStaffRequested(utterance)
		}
	}
}

const defaultMonitorPrompt = `You screen one utterance from a patient on a healthcare phone call. Answer with exactly one token:

EMERGENCY - the caller describes a medical emergency (chest pain, trouble breathing, overdose, suicidal intent, severe bleeding, stroke symptoms)
STAFF_REQUEST - the caller asks to speak with a person, staff member, nurse, doctor, or human
OK - anything else

Answer with the single token only.`
