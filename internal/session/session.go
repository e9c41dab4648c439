// Package session owns the lifecycle of one call: it assembles the frame
// pipeline from the configured services, registers the transport, triage,
// IVR, flow, and safety event handlers, runs the call to completion, and
// guarantees that transcript and usage persistence happen exactly once on
// every termination path.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/flow"
	"github.com/MrWong99/vocata/internal/ivr"
	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/mcptools"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/safety"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/internal/transcript"
	"github.com/MrWong99/vocata/internal/triage"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/provider/tts"
	"github.com/MrWong99/vocata/pkg/telephony"
	"github.com/MrWong99/vocata/pkg/types"
)

// maxDialAttempts bounds outbound dialing before the session fails.
const maxDialAttempts = 3

// Dial retry backoff: delay after attempt n is base*2^(n-1) plus uniform
// jitter in [0, dialRetryJitter).
const (
	dialRetryBase   = time.Second
	dialRetryJitter = 500 * time.Millisecond
)

// speechCharsPerSecond estimates how long a TTS line takes to play, used to
// delay a transfer until the hand-over message has been heard.
const speechCharsPerSecond = 15

// Params are the per-call request parameters.
type Params struct {
	// SessionID is the caller-assigned UUID of this call.
	SessionID string

	OrganizationID string
	Workflow       string
	CallType       config.CallType

	// PhoneNumber is the dial-out target in E.164 form. Empty for dial-in.
	PhoneNumber string

	// PatientID is the known patient on dial-out calls. Dial-in calls fill it
	// in after verification.
	PatientID string

	// CallData carries opaque patient/context fields from the start request.
	CallData map[string]string
}

// Services are the per-call provider instances, already constructed from the
// workflow configuration by the registry.
type Services struct {
	Transport telephony.Transport

	STT       stt.Provider
	STTName   string
	STTConfig stt.StreamConfig

	TTS     tts.Provider
	TTSName string
	Voice   types.VoiceProfile

	// LLM is the active conversation model.
	LLM      llm.Provider
	LLMName  string
	LLMModel string

	// ClassifierLLM answers the triage and safety checks. Nil reuses LLM.
	ClassifierLLM   llm.Provider
	ClassifierName  string
	ClassifierModel string
}

// SessionConfig wires one CallSession.
type SessionConfig struct {
	Params   Params
	Services Services

	// Workflow is the loaded declarative configuration (triage, safety,
	// transfer, persistence behaviour).
	Workflow *config.Workflow

	// FlowFactory constructs the conversational workflow on the session's
	// flow manager.
	FlowFactory func(m *flow.Manager) flow.Flow

	Sessions store.SessionStore
	Patients store.PatientStore

	// MCP executes external tools offered to flow nodes. Optional.
	MCP mcptools.Executor

	Metrics *observe.Metrics
}

// CallSession is the per-call aggregate: the pipeline, its processors, the
// flow manager, and the termination bookkeeping.
type CallSession struct {
	cfg SessionConfig

	usage    *observe.UsageTracker
	recorder *transcript.Recorder
	llmCtx   *llmctx.Context
	llmProc  *llmctx.LLMProcessor
	sttProc  *llmctx.STTProcessor

	detector  *triage.Detector
	navigator *ivr.Navigator
	monitor   *safety.Monitor
	validator *safety.OutputValidator

	task    *pipeline.Task
	manager *flow.Manager
	flow    flow.Flow

	mu                 sync.Mutex
	dialAttempts       int
	isConnected        bool
	transferInProgress bool
	transcriptSaved    bool
	finalStatus        store.Status
	failure            error

	cleanupOnce sync.Once
}

// New builds the session pipeline and wires every handler. The session is
// ready to Run afterwards.
func New(cfg SessionConfig) (*CallSession, error) {
	if cfg.Params.SessionID == "" {
		return nil, errors.New("session: missing session id")
	}
	if !cfg.Params.CallType.IsValid() {
		return nil, fmt.Errorf("session: invalid call type %q", cfg.Params.CallType)
	}
	if cfg.Params.CallType == config.CallTypeDialOut && cfg.Params.PhoneNumber == "" {
		return nil, errors.New("session: dial-out requires a phone number")
	}
	if cfg.Services.Transport == nil || cfg.Services.STT == nil || cfg.Services.TTS == nil || cfg.Services.LLM == nil {
		return nil, errors.New("session: transport, stt, tts, and llm services are required")
	}
	if cfg.FlowFactory == nil {
		return nil, errors.New("session: missing flow factory")
	}
	if cfg.Workflow == nil {
		return nil, errors.New("session: missing workflow configuration")
	}

	s := &CallSession{
		cfg:         cfg,
		usage:       observe.NewUsageTracker(cfg.Metrics),
		recorder:    transcript.NewRecorder(),
		llmCtx:      llmctx.NewContext(""),
		finalStatus: store.StatusCompleted,
	}

	// The manager pushes frames through an indirection because the task does
	// not exist until build() has assembled the processors, and build() in
	// turn reads the flow's triage settings.
	mgr := flow.NewManager(flow.ManagerConfig{
		Pusher:         sessionPusher{s},
		Context:        s.llmCtx,
		Summarizer:     cfg.Services.LLM,
		Transport:      cfg.Services.Transport,
		Patients:       cfg.Patients,
		MCP:            cfg.MCP,
		Transfer:       cfg.Workflow.ColdTransfer,
		OrganizationID: cfg.Params.OrganizationID,
		Metrics:        cfg.Metrics,
		Events: flow.Events{
			OnTransferInitiated: s.onTransferInitiated,
			OnPatientIdentified: s.onPatientIdentified,
		},
	})
	s.manager = mgr
	s.flow = cfg.FlowFactory(mgr)
	mgr.SetFlow(s.flow)

	s.build()
	s.llmProc.SetToolHandler(mgr.HandleToolCall)

	cfg.Services.Transport.SetHandlers(s.transportHandlers())
	return s, nil
}

// sessionPusher defers task resolution to call time; the pipeline task is
// assembled after the flow manager.
type sessionPusher struct{ s *CallSession }

func (p sessionPusher) Queue(f frames.Frame) error { return p.s.task.Queue(f) }

// Manager exposes the flow manager, mainly for tests.
func (s *CallSession) Manager() *flow.Manager { return s.manager }

// Shutdown requests a graceful end of the call, as if the remote side had
// hung up: the pipeline drains in order and Run returns normally.
func (s *CallSession) Shutdown() { s.endCall(context.Background()) }

// classifier returns the triage/safety model, falling back to the active LLM.
func (s *CallSession) classifier() (llm.Provider, string, string) {
	svc := s.cfg.Services
	if svc.ClassifierLLM != nil {
		return svc.ClassifierLLM, svc.ClassifierName, svc.ClassifierModel
	}
	return svc.LLM, svc.LLMName, svc.LLMModel
}

// Run connects the transport, drives the pipeline to completion, and always
// cleans up. The returned error reflects the session outcome; cleanup
// failures are logged, not returned.
func (s *CallSession) Run(ctx context.Context) error {
	log := observe.Logger(ctx).With("session", s.cfg.Params.SessionID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}

	// Cleanup must run on every path, including panics unwinding through
	// Run, with a context that survives the caller's cancellation.
	defer s.Cleanup(context.WithoutCancel(ctx))

	if err := s.cfg.Services.Transport.Connect(ctx); err != nil {
		s.markFailed(ctx, fmt.Errorf("session: transport connect: %w", err))
		return s.outcome(ctx)
	}
	// The transcription stream opens with the transport; without it caller
	// audio would never become turns.
	if err := s.sttProc.Open(ctx); err != nil {
		s.markFailed(ctx, fmt.Errorf("session: %w", err))
		return s.outcome(ctx)
	}
	s.updateStatus(ctx, store.StatusRunning)
	log.Info("session: running", "call_type", string(s.cfg.Params.CallType), "workflow", s.cfg.Params.Workflow)

	if err := s.task.Run(ctx); err != nil && !errors.Is(err, pipeline.ErrTaskCancelled) {
		s.markFailed(ctx, err)
	}
	return s.outcome(ctx)
}

// outcome persists the final status and returns the session error, if any.
func (s *CallSession) outcome(ctx context.Context) error {
	s.mu.Lock()
	status := s.finalStatus
	failure := s.failure
	s.mu.Unlock()

	s.updateStatus(ctx, status)
	return failure
}

// markFailed records the first failure and flips the final status.
func (s *CallSession) markFailed(ctx context.Context, err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.finalStatus = store.StatusFailed
	s.mu.Unlock()

	observe.Logger(ctx).Error("session: failed", "session", s.cfg.Params.SessionID, "err", err)
	if s.cfg.Sessions != nil {
		if serr := s.cfg.Sessions.SetError(ctx, s.cfg.Params.SessionID, err.Error()); serr != nil {
			observe.Logger(ctx).Warn("session: record error failed", "err", serr)
		}
	}
}

func (s *CallSession) setFinalStatus(status store.Status) {
	s.mu.Lock()
	s.finalStatus = status
	s.mu.Unlock()
}

func (s *CallSession) updateStatus(ctx context.Context, status store.Status) {
	if s.cfg.Sessions == nil {
		return
	}
	if err := s.cfg.Sessions.UpdateStatus(ctx, s.cfg.Params.SessionID, status); err != nil {
		observe.Logger(ctx).Warn("session: status update failed",
			"session", s.cfg.Params.SessionID, "status", string(status), "err", err)
	}
}

// Cleanup flushes the transcript and usage, cancels the task, and removes the
// vendor-side recording. Idempotent: every termination event may call it.
func (s *CallSession) Cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		log := observe.Logger(ctx).With("session", s.cfg.Params.SessionID)

		s.saveTranscript(ctx)

		if s.cfg.Sessions != nil {
			if err := s.cfg.Sessions.SaveUsage(ctx, s.cfg.Params.SessionID, s.usage.Summary()); err != nil {
				log.Warn("session: save usage failed", "err", err)
			}
		}

		if err := s.sttProc.Close(); err != nil {
			log.Warn("session: stt close failed", "err", err)
		}
		if s.detector != nil {
			s.detector.Close()
		}
		s.task.Cancel()

		if err := s.cfg.Services.Transport.DeleteRecording(ctx); err != nil {
			log.Warn("session: delete recording failed", "err", err)
		}
		if err := s.cfg.Services.Transport.Close(ctx); err != nil {
			log.Warn("session: transport close failed", "err", err)
		}
		log.Info("session: cleanup complete")
	})
}

// saveTranscript persists the assembled transcript at most once.
func (s *CallSession) saveTranscript(ctx context.Context) {
	s.mu.Lock()
	if s.transcriptSaved {
		s.mu.Unlock()
		return
	}
	s.transcriptSaved = true
	s.mu.Unlock()

	if s.cfg.Sessions == nil {
		return
	}
	assembled := transcript.Assemble(s.recorder.Entries(), s.recorder.Duration())
	if err := s.cfg.Sessions.SaveTranscript(ctx, s.cfg.Params.SessionID, assembled); err != nil {
		observe.Logger(ctx).Warn("session: save transcript failed",
			"session", s.cfg.Params.SessionID, "err", err)
	}
}

// speechDuration estimates playback time of a spoken line.
func speechDuration(text string) time.Duration {
	secs := float64(len(text)) / speechCharsPerSecond
	return time.Duration(secs * float64(time.Second))
}
