package triage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
)

// verdictProcessor is the tail of the classifier branch. It accumulates the
// classifier LLM's answer and latches the matching decision on the detector.
// Data frames terminate here so classifier chatter never reaches the merged
// output; control frames pass so the parallel can count branch shutdowns.
type verdictProcessor struct {
	*pipeline.BaseProcessor
	detector *Detector

	answer strings.Builder
}

func newVerdictProcessor(d *Detector) *verdictProcessor {
	p := &verdictProcessor{detector: d}
	p.BaseProcessor = pipeline.NewBase("triage-verdict", p)
	return p
}

// HandleFrame implements pipeline.FrameHandler.
func (p *verdictProcessor) HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMResponseStart:
		p.answer.Reset()
		return nil
	case *frames.LLMText:
		p.answer.WriteString(frame.Text)
		return nil
	case *frames.LLMResponseEnd:
		p.classify(ctx)
		return nil
	case *frames.End:
		return p.PushFrame(f, dir)
	default:
		if frames.IsControl(f) {
			return p.PushFrame(f, dir)
		}
		return nil
	}
}

// classify maps the accumulated answer to a decision. An unrecognized answer
// is logged and skipped; the next transcription burst will re-classify.
func (p *verdictProcessor) classify(ctx context.Context) {
	answer := strings.TrimSpace(p.answer.String())
	p.answer.Reset()
	if answer == "" {
		return
	}

	decision, ok := ParseVerdict(answer)
	if !ok {
		slog.Warn("triage: unrecognized classifier answer", "answer", answer)
		return
	}
	p.detector.decide(ctx, decision)
}

// ParseVerdict maps a classifier answer to a [Decision]. Matching is
// case-insensitive and tolerates surrounding prose; when multiple tokens
// appear the more specific automated categories win.
func ParseVerdict(answer string) (Decision, bool) {
	up := strings.ToUpper(answer)
	switch {
	case strings.Contains(up, "VOICEMAIL"):
		return DecisionVoicemail, true
	case strings.Contains(up, "IVR"):
		return DecisionIVR, true
	case strings.Contains(up, "CONVERSATION"):
		return DecisionConversation, true
	}
	return DecisionPending, false
}
