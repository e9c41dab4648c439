// Package triage classifies who or what answered an outbound call within the
// first seconds of audio: a live person, an IVR menu, or voicemail.
//
// The detector is a parallel pipeline placed right after STT. Its main branch
// holds back every frame until a decision is latched; its classifier branch
// feeds accumulated transcription to a fast classifier LLM and reads back a
// single verdict token. A separate gate sits after TTS so the bot stays silent
// until the decision tells it how to behave.
package triage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/types"
)

// Decision is the latched outcome of call answer classification.
type Decision int32

const (
	// DecisionPending means no verdict has been reached yet.
	DecisionPending Decision = iota

	// DecisionConversation means a live person answered.
	DecisionConversation

	// DecisionIVR means an automated phone menu answered.
	DecisionIVR

	// DecisionVoicemail means the call went to voicemail.
	DecisionVoicemail
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case DecisionConversation:
		return "conversation"
	case DecisionIVR:
		return "ivr"
	case DecisionVoicemail:
		return "voicemail"
	default:
		return "pending"
	}
}

// Notifiers are the one-shot broadcasts raised during detection. Each fires
// exactly once; waiters registered before or after the fire are released.
type Notifiers struct {
	// Gate fires when the main branch may start flowing.
	Gate *pipeline.Notifier

	// Decided fires on any verdict; the main gate uses it to wake held
	// frames and apply the decision's gating mode.
	Decided *pipeline.Notifier

	// Conversation, IVR, and Voicemail fire with the matching decision.
	Conversation *pipeline.Notifier
	IVR          *pipeline.Notifier
	Voicemail    *pipeline.Notifier

	// IVRCompleted is fired externally when the IVR navigator reports
	// COMPLETED; it releases the main gate for an IVR decision.
	IVRCompleted *pipeline.Notifier
}

// Events are the callbacks the session orchestrator registers to act on a
// decision. Nil callbacks are skipped.
type Events struct {
	OnConversationDetected func(history []types.Message)
	OnIVRDetected          func(history []types.Message)
	OnVoicemailDetected    func()

	// OnHumanDetected fires when a live person is heard while the IVR
	// navigator is active.
	OnHumanDetected func(accumulated string)
}

// Config carries the classifier services and tuning for one call.
type Config struct {
	// Provider is the fast classifier LLM.
	Provider     llm.Provider
	ProviderName string
	Model        string

	// ClassifierPrompt is the system prompt enumerating the three verdict
	// tokens and the decision rules. Empty selects a built-in default.
	ClassifierPrompt string

	// HumanDetectPrompt is the shorter prompt used by the in-IVR human
	// detector. Empty selects a built-in default.
	HumanDetectPrompt string

	// VoicemailResponseDelay is how long to wait after a voicemail verdict
	// before speaking, so the beep can finish.
	VoicemailResponseDelay time.Duration

	Metrics *observe.Metrics
	Usage   *observe.UsageTracker
}

// Detector owns the triage parallel pipeline and the TTS gate.
//
// Place [Detector.Processor] directly after STT and [Detector.Gate] directly
// after TTS in the session pipeline.
type Detector struct {
	cfg    Config
	events Events

	notifiers Notifiers
	decision  atomic.Int32

	historyMu sync.Mutex
	history   []types.Message

	parallel *pipeline.Parallel
	ttsGate  *TTSGate
	human    *HumanDetector

	stop     chan struct{}
	stopOnce sync.Once
}

// NewDetector assembles the triage pipeline for one call session.
func NewDetector(cfg Config, events Events) *Detector {
	if cfg.ClassifierPrompt == "" {
		cfg.ClassifierPrompt = defaultClassifierPrompt
	}
	if cfg.HumanDetectPrompt == "" {
		cfg.HumanDetectPrompt = defaultHumanDetectPrompt
	}
	if cfg.VoicemailResponseDelay <= 0 {
		cfg.VoicemailResponseDelay = 2 * time.Second
	}

	d := &Detector{
		cfg:    cfg,
		events: events,
		notifiers: Notifiers{
			Gate:         pipeline.NewNotifier(),
			Decided:      pipeline.NewNotifier(),
			Conversation: pipeline.NewNotifier(),
			IVR:          pipeline.NewNotifier(),
			Voicemail:    pipeline.NewNotifier(),
			IVRCompleted: pipeline.NewNotifier(),
		},
		stop: make(chan struct{}),
	}

	d.ttsGate = NewTTSGate()
	d.human = NewHumanDetector(cfg.Provider, cfg.HumanDetectPrompt, d.onHumanDetected)

	classifierCtx := llmctx.NewContext(cfg.ClassifierPrompt)
	var llmOpts []llmctx.LLMOption
	if cfg.Metrics != nil {
		llmOpts = append(llmOpts, llmctx.WithLLMMetrics(cfg.Metrics, cfg.Usage))
	}

	mainBranch := pipeline.New(
		d.human,
		NewMainBranchGate(d),
	)
	classifierBranch := pipeline.New(
		NewClassifierGate(d),
		llmctx.NewUserAggregator(classifierCtx),
		llmctx.NewLLMProcessor(cfg.Provider, cfg.ProviderName, cfg.Model, classifierCtx, llmOpts...),
		llmctx.NewAssistantAggregator(classifierCtx),
		newVerdictProcessor(d),
	)
	d.parallel = pipeline.NewParallel("triage", mainBranch, classifierBranch)
	return d
}

// Processor returns the parallel detector to place after STT.
func (d *Detector) Processor() pipeline.Processor { return d.parallel }

// Gate returns the TTS output gate to place after TTS.
func (d *Detector) Gate() pipeline.Processor { return d.ttsGate }

// Human returns the in-IVR human detector, activated by the orchestrator when
// IVR navigation starts.
func (d *Detector) Human() *HumanDetector { return d.human }

// Notifiers exposes the detection notifiers for external waiters.
func (d *Detector) Notifiers() *Notifiers { return &d.notifiers }

// Decision returns the latched verdict, or [DecisionPending].
func (d *Detector) Decision() Decision { return Decision(d.decision.Load()) }

// NotifyIVRCompleted releases the main gate after the IVR navigator reports
// COMPLETED. Idempotent.
func (d *Detector) NotifyIVRCompleted() {
	d.notifiers.IVRCompleted.Notify()
}

// Close releases the detector's background waiters.
func (d *Detector) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.human.Deactivate()
}

// recordHistory appends one user utterance for later hand-off to the flow.
func (d *Detector) recordHistory(text string) {
	d.historyMu.Lock()
	d.history = append(d.history, types.Message{Role: "user", Content: text})
	d.historyMu.Unlock()
}

// History returns a copy of the utterances heard before the decision.
func (d *Detector) History() []types.Message {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	out := make([]types.Message, len(d.history))
	copy(out, d.history)
	return out
}

// decide latches the verdict and drives the gates. Only the first call wins.
func (d *Detector) decide(ctx context.Context, decision Decision) {
	if !d.decision.CompareAndSwap(int32(DecisionPending), int32(decision)) {
		return
	}
	slog.Info("triage: decision latched", "decision", decision.String())
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.TriageDetections.Add(ctx, 1, observe.Attr("category", decision.String()))
	}
	d.notifiers.Decided.Notify()

	switch decision {
	case DecisionConversation:
		d.notifiers.Conversation.Notify()
		d.notifiers.Gate.Notify()
		d.ttsGate.Open()
		if d.events.OnConversationDetected != nil {
			d.events.OnConversationDetected(d.History())
		}

	case DecisionIVR:
		d.notifiers.IVR.Notify()
		// DTMF presses and menu-directed speech must get through while the
		// main branch stays held until navigation finishes.
		d.ttsGate.Open()
		go func() {
			select {
			case <-d.notifiers.IVRCompleted.C():
				d.notifiers.Gate.Notify()
			case <-d.stop:
			}
		}()
		if d.events.OnIVRDetected != nil {
			d.events.OnIVRDetected(d.History())
		}

	case DecisionVoicemail:
		d.notifiers.Voicemail.Notify()
		go func() {
			select {
			case <-time.After(d.cfg.VoicemailResponseDelay):
			case <-d.stop:
				return
			}
			d.ttsGate.Open()
			d.notifiers.Gate.Notify()
			if d.events.OnVoicemailDetected != nil {
				d.events.OnVoicemailDetected()
			}
		}()
	}
}

// onHumanDetected handles the in-IVR human detector firing: the menu is gone,
// a person is on the line, so the pipeline must start flowing.
func (d *Detector) onHumanDetected(accumulated string) {
	slog.Info("triage: human detected during IVR navigation")
	d.notifiers.Gate.Notify()
	d.ttsGate.Open()
	if d.events.OnHumanDetected != nil {
		d.events.OnHumanDetected(accumulated)
	}
}

const defaultClassifierPrompt = `You classify the opening seconds of an outbound phone call. Based on the transcript so far, answer with exactly one token:

CONVERSATION - a live person answered (greetings, questions, natural speech directed at the caller)
IVR - an automated phone menu answered (menu options, "press 1 for...", hold messages)
VOICEMAIL - the call reached voicemail (greeting recordings, "leave a message", a tone announcement)

Answer with the single token only. If the transcript is too short to tell, answer CONVERSATION only when the speech is clearly directed at you; otherwise pick the closest category.`

const defaultHumanDetectPrompt = `You monitor a phone call that is currently inside an automated menu. Based on the latest transcript, answer with exactly one token: CONVERSATION if a live person is now speaking, IVR if it is still the automated system, VOICEMAIL if a voicemail greeting started. Answer with the single token only.`
