package session

import (
	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/ivr"
	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/safety"
	"github.com/MrWong99/vocata/internal/transcript"
	"github.com/MrWong99/vocata/internal/triage"
	"github.com/MrWong99/vocata/pkg/pipeline"
)

// build assembles the session pipeline in processing order:
//
//	transport.input → STT → [safety monitor] → [triage detector] →
//	mute → transcript(user) → context(user) → LLM → [IVR navigator] →
//	[output validator] → TTS → [triage gate] → transcript(assistant) →
//	context(assistant) → transport.output
//
// The IVR navigator sits after the LLM because it consumes the model's
// tagged output; its DTMF presses continue downstream to the transport and
// its context updates travel upstream to the aggregator.
func (s *CallSession) build() {
	svc := s.cfg.Services
	wf := s.cfg.Workflow

	s.sttProc = llmctx.NewSTTProcessor(svc.STT, svc.STTName, svc.STTConfig,
		llmctx.WithSTTMetrics(s.cfg.Metrics, s.usage))
	ttsProc := llmctx.NewTTSProcessor(svc.TTS, svc.TTSName, svc.Voice,
		llmctx.WithTTSMetrics(s.cfg.Metrics, s.usage))
	s.llmProc = llmctx.NewLLMProcessor(svc.LLM, svc.LLMName, svc.LLMModel, s.llmCtx,
		llmctx.WithLLMMetrics(s.cfg.Metrics, s.usage))

	classifier, className, classModel := s.classifier()

	if wf.SafetyMonitors.Enabled {
		s.monitor = safety.NewMonitor(classifier, safety.MonitorEvents{
			OnEmergencyDetected: s.onEmergencyDetected,
			OnStaffRequested:    s.onStaffRequested,
		}, safety.WithMonitorMetrics(s.cfg.Metrics))
	}
	if wf.SafetyMonitors.OutputValidator.Enabled {
		s.validator = safety.NewOutputValidator(classifier, safety.ValidatorEvents{
			OnUnsafeOutput: s.onUnsafeOutput,
		}, safety.WithValidatorMetrics(s.cfg.Metrics))
	}

	// Triage only makes sense on outbound calls: an inbound caller is a
	// human by definition.
	if wf.Triage.Enabled && s.cfg.Params.CallType == config.CallTypeDialOut {
		s.detector = triage.NewDetector(triage.Config{
			Provider:               classifier,
			ProviderName:           className,
			Model:                  classModel,
			ClassifierPrompt:       s.flow.TriageSettings().ClassifierPrompt,
			VoicemailResponseDelay: wf.Triage.VoicemailResponseDelay(),
			Metrics:                s.cfg.Metrics,
			Usage:                  s.usage,
		}, triage.Events{
			OnConversationDetected: s.onConversationDetected,
			OnIVRDetected:          s.onIVRDetected,
			OnVoicemailDetected:    s.onVoicemailDetected,
			OnHumanDetected:        s.onHumanDetected,
		})
		s.navigator = ivr.New(ivr.Events{
			OnDTMFPressed:   s.onDTMFPressed,
			OnStatusChanged: s.onIVRStatusChanged,
		})
	}

	procs := []pipeline.Processor{svc.Transport.Input(), s.sttProc}
	if s.monitor != nil {
		procs = append(procs, s.monitor)
	}
	if s.detector != nil {
		procs = append(procs, s.detector.Processor())
	}
	procs = append(procs,
		llmctx.NewMuteFilter(),
		transcript.NewUserProcessor(s.recorder),
		llmctx.NewUserAggregator(s.llmCtx),
		s.llmProc,
	)
	if s.navigator != nil {
		procs = append(procs, s.navigator)
	}
	if s.validator != nil {
		procs = append(procs, s.validator)
	}
	procs = append(procs, ttsProc)
	if s.detector != nil {
		procs = append(procs, s.detector.Gate())
	}
	procs = append(procs,
		transcript.NewAssistantProcessor(s.recorder),
		llmctx.NewAssistantAggregator(s.llmCtx),
		svc.Transport.Output(),
	)

	s.task = pipeline.NewTask(s.cfg.Params.SessionID, pipeline.New(procs...))
}
