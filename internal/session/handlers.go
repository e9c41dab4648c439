package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/flow"
	"github.com/MrWong99/vocata/internal/ivr"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/telephony"
	"github.com/MrWong99/vocata/pkg/types"
)

// transportHandlers wires the transport's event callbacks into the session.
func (s *CallSession) transportHandlers() telephony.EventHandlers {
	return telephony.EventHandlers{
		OnJoined:                 s.onJoined,
		OnFirstParticipantJoined: s.onFirstParticipantJoined,
		OnParticipantLeft:        s.onParticipantLeft,
		OnClientDisconnected:     s.onClientDisconnected,
		OnDialinError:            s.onDialinError,
		OnDialoutAnswered:        s.onDialoutAnswered,
		OnDialoutStopped:         s.onDialoutStopped,
		OnDialoutError:           s.onDialoutError,
	}
}

// ─── transport events ────────────────────────────────────────────────────────

func (s *CallSession) onJoined(ctx context.Context) {
	if s.cfg.Params.CallType == config.CallTypeDialOut {
		go s.dial(ctx)
	}
}

func (s *CallSession) onFirstParticipantJoined(ctx context.Context, p telephony.Participant) {
	log := observe.Logger(ctx)
	if err := s.cfg.Services.Transport.CaptureParticipantTranscription(p.ID); err != nil {
		log.Warn("session: capture transcription failed", "participant", p.ID, "err", err)
	}

	// Inbound callers are humans; the flow starts right away. Outbound calls
	// wait for the triage verdict instead.
	if s.cfg.Params.CallType == config.CallTypeDialIn {
		if err := s.manager.Initialize(ctx, s.flow.InitialNode()); err != nil {
			log.Error("session: initial node failed", "err", err)
		}
	}
}

func (s *CallSession) onParticipantLeft(ctx context.Context, p telephony.Participant, reason string) {
	observe.Logger(ctx).Info("session: participant left", "participant", p.ID, "reason", reason)
	s.endCall(ctx)
}

func (s *CallSession) onClientDisconnected(ctx context.Context) {
	observe.Logger(ctx).Info("session: client disconnected")
	s.endCall(ctx)
}

func (s *CallSession) onDialinError(ctx context.Context, err error) {
	s.markFailed(ctx, fmt.Errorf("session: dial-in: %w", err))
	s.endCall(ctx)
}

func (s *CallSession) onDialoutAnswered(ctx context.Context, p telephony.Participant) {
	s.mu.Lock()
	wasTransfer := s.transferInProgress
	s.isConnected = true
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDialAttempt(ctx, "answered")
	}

	if wasTransfer {
		// The transfer target picked up; the bot's part of the call is over.
		observe.Logger(ctx).Info("session: transfer answered", "participant", p.ID)
		s.recorder.AppendEvent(types.EntryTransfer, "Transfer answered")
		if s.cfg.Sessions != nil {
			if err := s.cfg.Sessions.SetCallStatus(ctx, s.cfg.Params.SessionID, "Transferred"); err != nil {
				observe.Logger(ctx).Warn("session: set call status failed", "err", err)
			}
		}
		s.endCall(ctx)
	}
}

func (s *CallSession) onDialoutStopped(ctx context.Context) {
	observe.Logger(ctx).Info("session: dialout stopped")
	s.endCall(ctx)
}

// onDialoutError applies the retry policy: attempts are capped, backoff
// doubles with jitter, and errors during a transfer never re-enter dialing.
func (s *CallSession) onDialoutError(ctx context.Context, err error) {
	log := observe.Logger(ctx)

	s.mu.Lock()
	wasTransfer := s.transferInProgress
	s.transferInProgress = false
	attempt := s.dialAttempts
	connected := s.isConnected
	s.mu.Unlock()

	if wasTransfer {
		log.Warn("session: transfer failed", "err", err)
		s.recorder.AppendEvent(types.EntryTransfer, "Transfer failed: "+err.Error())
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordDialAttempt(ctx, "transfer_failed")
		}
		return
	}
	if connected {
		log.Warn("session: dialout error after connect", "err", err)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDialAttempt(ctx, "failed")
	}
	if attempt >= maxDialAttempts {
		s.markFailed(ctx, fmt.Errorf("session: dial attempts exhausted: %w", err))
		s.endCall(ctx)
		return
	}

	delay := dialRetryDelay(attempt)
	log.Info("session: dial retry scheduled", "attempt", attempt, "delay", delay, "err", err)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.dial(ctx)
	})
}

// dial places one outbound call attempt.
func (s *CallSession) dial(ctx context.Context) {
	s.mu.Lock()
	s.dialAttempts++
	attempt := s.dialAttempts
	s.mu.Unlock()

	observe.Logger(ctx).Info("session: dialing",
		"number", s.cfg.Params.PhoneNumber, "attempt", attempt)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDialAttempt(ctx, "started")
	}

	err := s.cfg.Services.Transport.StartDialout(ctx, telephony.DialoutTarget{
		PhoneNumber: s.cfg.Params.PhoneNumber,
	})
	if err != nil {
		s.onDialoutError(ctx, err)
	}
}

// dialRetryDelay returns the pause after attempt n: base*2^(n-1) plus
// uniform jitter in [0, dialRetryJitter).
func dialRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := dialRetryBase << (attempt - 1)
	jitter := time.Duration(rand.Float64() * float64(dialRetryJitter))
	return backoff + jitter
}

// endCall requests a graceful pipeline shutdown. Cleanup runs when Run
// returns; calling this from multiple termination events is harmless.
func (s *CallSession) endCall(ctx context.Context) {
	if err := s.task.Stop(); err != nil {
		observe.Logger(ctx).Warn("session: stop failed", "err", err)
	}
}

// ─── triage events ───────────────────────────────────────────────────────────

func (s *CallSession) onConversationDetected(history []types.Message) {
	ctx := context.Background()
	s.recorder.AppendEvent(types.EntryTriage, "conversation")

	// The rep's opening words become conversation context before the
	// greeting node responds to them.
	if len(history) > 0 {
		if err := s.task.Queue(frames.NewLLMContextUpdate(history, false)); err != nil {
			observe.Logger(ctx).Warn("session: queue triage history failed", "err", err)
		}
	}
	if err := s.manager.Initialize(ctx, s.flow.GreetingNode()); err != nil {
		observe.Logger(ctx).Error("session: greeting node failed", "err", err)
	}
}

func (s *CallSession) onIVRDetected(history []types.Message) {
	ctx := context.Background()
	s.recorder.AppendEvent(types.EntryTriage, "ivr")

	goal := s.flow.TriageSettings().NavigationGoal
	if err := s.navigator.Activate(goal, history); err != nil {
		observe.Logger(ctx).Error("session: ivr activation failed", "err", err)
		s.endCall(ctx)
	}
}

func (s *CallSession) onVoicemailDetected() {
	ctx := context.Background()
	s.recorder.AppendEvent(types.EntryTriage, "voicemail")
	s.setFinalStatus(store.StatusVoicemail)

	msg := s.flow.TriageSettings().VoicemailMessage
	if msg != "" {
		if err := s.task.Queue(frames.NewTTSSpeak(msg)); err != nil {
			observe.Logger(ctx).Warn("session: queue voicemail message failed", "err", err)
		}
	}
	// End drains behind the message, so it finishes playing first.
	s.endCall(ctx)
}

// onHumanDetected fires when a person is heard mid-IVR. Deactivating the
// navigator as completed routes through the same path as a finished menu.
func (s *CallSession) onHumanDetected(accumulated string) {
	if s.navigator != nil && s.navigator.Active() {
		observe.Logger(context.Background()).Info("session: human detected during ivr",
			"utterance", accumulated)
		s.navigator.Deactivate(ivr.StatusCompleted)
	}
}

// ─── ivr events ──────────────────────────────────────────────────────────────

func (s *CallSession) onDTMFPressed(button frames.KeypadEntry) {
	s.recorder.AppendEvent(types.EntryIVRAction, "Pressed "+string(button))
}

func (s *CallSession) onIVRStatusChanged(status ivr.Status) {
	ctx := context.Background()
	log := observe.Logger(ctx)

	switch status {
	case ivr.StatusCompleted:
		s.recorder.AppendEvent(types.EntryIVRSummary, "IVR navigation completed")
		s.detector.NotifyIVRCompleted()
		if err := s.manager.Initialize(ctx, s.flow.GreetingNode()); err != nil {
			log.Error("session: greeting after ivr failed", "err", err)
		}
	case ivr.StatusStuck:
		s.recorder.AppendEvent(types.EntryIVRSummary, "IVR navigation stuck")
		s.setFinalStatus(store.StatusTerminated)
		s.endCall(ctx)
	}
}

// ─── flow events ─────────────────────────────────────────────────────────────

func (s *CallSession) onTransferInitiated(destination, reason string) {
	s.mu.Lock()
	s.transferInProgress = true
	s.mu.Unlock()
	s.recorder.AppendEvent(types.EntryTransfer, "Transferring to "+destination+": "+reason)
}

func (s *CallSession) onPatientIdentified(patientID string) {
	ctx := context.Background()
	if s.cfg.Sessions == nil {
		return
	}
	if err := s.cfg.Sessions.SetPatient(ctx, s.cfg.Params.SessionID, patientID); err != nil {
		observe.Logger(ctx).Warn("session: link patient failed", "patient", patientID, "err", err)
	}
}

// ─── safety events ───────────────────────────────────────────────────────────

func (s *CallSession) onEmergencyDetected(utterance string) {
	ctx := context.Background()
	observe.Logger(ctx).Warn("session: emergency detected", "utterance", utterance)
	s.recorder.AppendEvent(types.EntrySystemEvent, "Emergency detected")

	msg := s.cfg.Workflow.SafetyMonitors.EmergencyMessage
	if msg == "" {
		msg = "If this is a medical emergency, please hang up and dial 911 immediately."
	}
	s.speakThenTransfer(ctx, msg, flow.TransferMedical, "emergency detected")
}

func (s *CallSession) onStaffRequested(utterance string) {
	ctx := context.Background()
	observe.Logger(ctx).Info("session: staff requested", "utterance", utterance)
	s.recorder.AppendEvent(types.EntrySystemEvent, "Staff requested")
	s.speakThenTransfer(ctx, "Of course, transferring you to our staff now. One moment please.",
		flow.TransferStaff, "caller requested staff")
}

// speakThenTransfer speaks the hand-over line, waits for its estimated
// playback, and transfers. Medical falls back to staff when unconfigured.
func (s *CallSession) speakThenTransfer(ctx context.Context, msg string, dest flow.TransferDestination, reason string) {
	if err := s.task.Queue(frames.NewTTSSpeak(msg)); err != nil {
		observe.Logger(ctx).Warn("session: queue safety message failed", "err", err)
	}
	if !s.cfg.Workflow.SafetyMonitors.AutoTransfer {
		return
	}

	time.Sleep(speechDuration(msg))
	if err := s.manager.Transfer(ctx, dest, reason); err != nil {
		if dest == flow.TransferMedical {
			if err2 := s.manager.Transfer(ctx, flow.TransferStaff, reason); err2 == nil {
				return
			}
		}
		observe.Logger(ctx).Error("session: safety transfer failed", "err", err)
	}
}

func (s *CallSession) onUnsafeOutput(text string) {
	ctx := context.Background()
	observe.Logger(ctx).Warn("session: unsafe output replaced", "length", len(text))
	s.recorder.AppendEvent(types.EntrySystemEvent, "Unsafe output replaced")

	msg := s.cfg.Workflow.SafetyMonitors.UnsafeOutputMessage
	if msg == "" {
		msg = "Let me rephrase that."
	}
	if err := s.task.Queue(frames.NewTTSSpeak(msg)); err != nil {
		observe.Logger(ctx).Warn("session: queue rephrase failed", "err", err)
	}
}
