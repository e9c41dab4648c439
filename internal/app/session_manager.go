package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/flow"
	"github.com/MrWong99/vocata/internal/mcptools"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/resilience"
	"github.com/MrWong99/vocata/internal/session"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/types"
)

// FlowBuilder constructs the conversational workflow for one call from the
// start request and the resolved patient record (nil when unknown).
type FlowBuilder func(m *flow.Manager, req StartRequest, patient *store.Patient) flow.Flow

// SessionInfo is the externally visible state of one running call.
type SessionInfo struct {
	SessionID      string          `json:"session_id"`
	OrganizationID string          `json:"organization_id"`
	Workflow       string          `json:"workflow"`
	CallType       config.CallType `json:"call_type"`
	StartedAt      time.Time       `json:"started_at"`
}

// runningCall tracks one live session so it can be stopped and listed.
type runningCall struct {
	info   SessionInfo
	sess   *session.CallSession
	cancel context.CancelFunc
}

// SessionManagerConfig holds the dependencies shared by all calls.
type SessionManagerConfig struct {
	Registry *config.Registry

	// Workflows maps workflow names to their loaded configuration.
	Workflows map[string]*config.Workflow

	// DefaultWorkflow is used when the start request names none.
	DefaultWorkflow string

	// Flows maps workflow names to their flow builders.
	Flows map[string]FlowBuilder

	Sessions store.SessionStore
	Patients store.PatientStore

	// Index embeds finished transcripts for semantic search. Optional.
	Index *store.SemanticIndex

	Metrics *observe.Metrics
}

// SessionManager starts call sessions from bot start requests and tracks
// them until they terminate. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu      sync.Mutex
	running map[string]*runningCall
	wg      sync.WaitGroup
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg,
		running: make(map[string]*runningCall),
	}
}

// Start validates nothing (the server already has), builds the session for
// req, and launches it in the background. It returns once the session is
// accepted; the call itself runs until a termination event.
func (sm *SessionManager) Start(ctx context.Context, req StartRequest) error {
	workflowName := req.Workflow
	if workflowName == "" {
		workflowName = sm.cfg.DefaultWorkflow
	}
	wf, ok := sm.cfg.Workflows[workflowName]
	if !ok {
		return fmt.Errorf("app: unknown workflow %q", workflowName)
	}
	builder, ok := sm.cfg.Flows[workflowName]
	if !ok {
		return fmt.Errorf("app: no flow registered for workflow %q", workflowName)
	}
	if req.CallType() != wf.CallType {
		return fmt.Errorf("app: request call type %q does not match workflow %q (%s)",
			req.CallType(), workflowName, wf.CallType)
	}

	sm.mu.Lock()
	if _, exists := sm.running[req.SessionID]; exists {
		sm.mu.Unlock()
		return fmt.Errorf("app: session %s is already running", req.SessionID)
	}
	sm.mu.Unlock()

	if err := sm.cfg.Sessions.Create(ctx, store.SessionRecord{
		SessionID:      req.SessionID,
		PatientID:      req.PatientID,
		OrganizationID: req.OrganizationID,
		Workflow:       workflowName,
		CallType:       string(req.CallType()),
		RoomURL:        req.RoomURL,
	}); err != nil {
		return fmt.Errorf("app: create session record: %w", err)
	}

	services, err := sm.buildServices(req, wf)
	if err != nil {
		return fmt.Errorf("app: build services: %w", err)
	}

	patient := sm.resolvePatient(ctx, req)

	// Per-call copy so the transfer override never leaks into the shared
	// workflow configuration.
	wfCall := *wf
	wfCall.ColdTransfer = req.TransferConfig.apply(wf.ColdTransfer)

	sess, err := session.New(session.SessionConfig{
		Params: session.Params{
			SessionID:      req.SessionID,
			OrganizationID: req.OrganizationID,
			Workflow:       workflowName,
			CallType:       req.CallType(),
			PhoneNumber:    req.PhoneNumber(),
			PatientID:      req.PatientID,
			CallData:       req.CallData,
		},
		Services: services,
		Workflow: &wfCall,
		FlowFactory: func(m *flow.Manager) flow.Flow {
			return builder(m, req, patient)
		},
		Sessions: sm.cfg.Sessions,
		Patients: sm.cfg.Patients,
		MCP:      sm.mcpExecutor(ctx, wf),
		Metrics:  sm.cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("app: build session: %w", err)
	}

	// The session outlives the HTTP request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	rc := &runningCall{
		sess:   sess,
		cancel: cancel,
		info: SessionInfo{
			SessionID:      req.SessionID,
			OrganizationID: req.OrganizationID,
			Workflow:       workflowName,
			CallType:       req.CallType(),
			StartedAt:      time.Now().UTC(),
		},
	}

	sm.mu.Lock()
	sm.running[req.SessionID] = rc
	sm.mu.Unlock()

	sm.wg.Add(1)
	go sm.run(runCtx, sess, rc.info)

	observe.Logger(ctx).Info("app: session started",
		"session", req.SessionID, "workflow", workflowName, "call_type", string(req.CallType()))
	return nil
}

// run drives one session to completion and does the post-call work.
func (sm *SessionManager) run(ctx context.Context, sess *session.CallSession, info SessionInfo) {
	defer sm.wg.Done()
	defer func() {
		sm.mu.Lock()
		if rc, ok := sm.running[info.SessionID]; ok {
			rc.cancel()
			delete(sm.running, info.SessionID)
		}
		sm.mu.Unlock()
	}()

	log := observe.Logger(ctx).With("session", info.SessionID)
	if err := sess.Run(ctx); err != nil {
		log.Error("app: session ended with error", "err", err)
	}

	sm.indexTranscript(context.WithoutCancel(ctx), info)
}

// indexTranscript embeds the finished call into the semantic index.
// Best-effort: a failed embedding never affects the call outcome.
func (sm *SessionManager) indexTranscript(ctx context.Context, info SessionInfo) {
	if sm.cfg.Index == nil {
		return
	}
	rec, err := sm.cfg.Sessions.Get(ctx, info.SessionID)
	if err != nil || rec.Transcript == nil {
		return
	}
	if err := sm.cfg.Index.IndexSession(ctx, info.SessionID, info.OrganizationID, rec.Transcript.Messages); err != nil {
		observe.Logger(ctx).Warn("app: transcript indexing failed", "session", info.SessionID, "err", err)
	}
}

// buildServices instantiates the per-call providers from the workflow's
// service entries.
func (sm *SessionManager) buildServices(req StartRequest, wf *config.Workflow) (session.Services, error) {
	var svc session.Services
	reg := sm.cfg.Registry

	botName := req.ClientName
	if botName == "" {
		botName = "vocata"
	}
	transport, err := reg.CreateTransport(wf.Services.Transport, config.RoomParams{
		URL:     req.RoomURL,
		Token:   req.Token,
		BotName: botName,
	})
	if err != nil {
		return svc, fmt.Errorf("transport: %w", err)
	}
	svc.Transport = transport

	if svc.STT, err = reg.CreateSTT(wf.Services.STT); err != nil {
		return svc, fmt.Errorf("stt: %w", err)
	}
	svc.STTName = wf.Services.STT.Provider
	svc.STTConfig = sttConfig(wf.Services.STT)

	if svc.TTS, err = reg.CreateTTS(wf.Services.TTS); err != nil {
		return svc, fmt.Errorf("tts: %w", err)
	}
	svc.TTSName = wf.Services.TTS.Provider
	svc.Voice = voiceProfile(wf.Services.TTS)

	main, err := reg.CreateLLM(wf.Services.LLM)
	if err != nil {
		return svc, fmt.Errorf("llm: %w", err)
	}
	svc.LLM = main
	svc.LLMName = wf.Services.LLM.Provider
	svc.LLMModel = wf.Services.LLM.Model

	if wf.Services.FallbackLLM != nil {
		fallback, err := reg.CreateLLM(*wf.Services.FallbackLLM)
		if err != nil {
			return svc, fmt.Errorf("fallback llm: %w", err)
		}
		wrapped := resilience.NewLLMFallback(main, wf.Services.LLM.Provider,
			resilience.BreakerConfig{Name: wf.Services.LLM.Provider})
		wrapped.AddFallback(wf.Services.FallbackLLM.Provider, fallback)
		svc.LLM = wrapped
	}

	if wf.Services.ClassifierLLM != nil {
		classifier, err := reg.CreateLLM(*wf.Services.ClassifierLLM)
		if err != nil {
			return svc, fmt.Errorf("classifier llm: %w", err)
		}
		svc.ClassifierLLM = classifier
		svc.ClassifierName = wf.Services.ClassifierLLM.Provider
		svc.ClassifierModel = wf.Services.ClassifierLLM.Model
	}

	return svc, nil
}

// resolvePatient loads the patient named by the request, if any. Lookup
// failures degrade to an unidentified call rather than refusing it.
func (sm *SessionManager) resolvePatient(ctx context.Context, req StartRequest) *store.Patient {
	if req.PatientID == "" || sm.cfg.Patients == nil {
		return nil
	}
	p, err := sm.cfg.Patients.Get(ctx, req.PatientID)
	if err != nil {
		observe.Logger(ctx).Warn("app: patient lookup failed",
			"patient", req.PatientID, "err", err)
		return nil
	}
	return p
}

// mcpExecutor connects the workflow's MCP servers into a fresh host.
// A server that fails to register is skipped; its tools simply stay
// unavailable for this call.
func (sm *SessionManager) mcpExecutor(ctx context.Context, wf *config.Workflow) mcptools.Executor {
	if len(wf.MCP.Servers) == 0 {
		return nil
	}
	host := mcptools.New()
	for _, server := range wf.MCP.Servers {
		if err := host.RegisterServer(ctx, server); err != nil {
			observe.Logger(ctx).Warn("app: mcp server registration failed",
				"server", server.Name, "err", err)
		}
	}
	return host
}

// Stop gracefully ends the named session: the pipeline drains, cleanup
// persists the transcript, then the transport closes.
func (sm *SessionManager) Stop(sessionID string) error {
	sm.mu.Lock()
	rc, ok := sm.running[sessionID]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: session %s is not running", sessionID)
	}
	rc.sess.Shutdown()
	return nil
}

// StopAll gracefully ends every running session.
func (sm *SessionManager) StopAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, rc := range sm.running {
		rc.sess.Shutdown()
	}
}

// Wait blocks until every launched session has finished its cleanup.
func (sm *SessionManager) Wait() {
	sm.wg.Wait()
}

// Active returns the running sessions, unordered.
func (sm *SessionManager) Active() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	infos := make([]SessionInfo, 0, len(sm.running))
	for _, rc := range sm.running {
		infos = append(infos, rc.info)
	}
	return infos
}

// sttConfig derives the stream parameters from the service entry's options.
func sttConfig(entry config.ServiceEntry) stt.StreamConfig {
	cfg := stt.StreamConfig{
		SampleRate: intOption(entry, "sample_rate", 8000),
		Language:   stringOption(entry, "language"),
	}
	return cfg
}

// voiceProfile derives the TTS voice from the service entry's options.
func voiceProfile(entry config.ServiceEntry) types.VoiceProfile {
	return types.VoiceProfile{
		ID:          stringOption(entry, "voice_id"),
		Name:        stringOption(entry, "voice_name"),
		Provider:    entry.Provider,
		SpeedFactor: floatOption(entry, "speed"),
	}
}

func stringOption(entry config.ServiceEntry, key string) string {
	if v, ok := entry.Options[key].(string); ok {
		return v
	}
	return ""
}

func intOption(entry config.ServiceEntry, key string, def int) int {
	switch v := entry.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

func floatOption(entry config.ServiceEntry, key string) float64 {
	switch v := entry.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
