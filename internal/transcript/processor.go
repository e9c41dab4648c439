package transcript

import (
	"context"
	"strings"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/types"
)

// UserProcessor records finalised caller speech. Place it after the STT mute
// filter so muted turns never enter the transcript. Every frame passes
// through unchanged.
type UserProcessor struct {
	*pipeline.BaseProcessor
	rec *Recorder
}

// NewUserProcessor creates the user-side transcript stage.
func NewUserProcessor(rec *Recorder) *UserProcessor {
	p := &UserProcessor{rec: rec}
	p.BaseProcessor = pipeline.NewBase("transcript-user", p)
	return p
}

// HandleFrame implements pipeline.FrameHandler.
func (p *UserProcessor) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream {
		if t, ok := f.(*frames.Transcription); ok && t.Transcript.IsFinal {
			text := strings.TrimSpace(t.Transcript.Text)
			if text != "" {
				p.rec.Append(types.TranscriptEntry{Role: "user", Content: text})
			}
		}
	}
	return p.PushFrame(f, dir)
}

// AssistantProcessor records what the bot actually said. Place it after the
// TTS gate so suppressed speech never enters the transcript. Streamed
// responses collapse into one entry each; verbatim TTSSpeak lines are
// recorded as they pass.
type AssistantProcessor struct {
	*pipeline.BaseProcessor
	rec *Recorder

	buf       strings.Builder
	streaming bool
}

// NewAssistantProcessor creates the assistant-side transcript stage.
func NewAssistantProcessor(rec *Recorder) *AssistantProcessor {
	p := &AssistantProcessor{rec: rec}
	p.BaseProcessor = pipeline.NewBase("transcript-assistant", p)
	return p
}

// HandleFrame implements pipeline.FrameHandler.
func (p *AssistantProcessor) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMResponseStart:
		p.streaming = true
		p.buf.Reset()

	case *frames.LLMText:
		if p.streaming {
			p.buf.WriteString(frame.Text)
		}

	case *frames.LLMResponseEnd:
		p.flush()

	case *frames.StartInterruption:
		// Keep what was spoken before the cut.
		p.flush()

	case *frames.TTSSpeak:
		p.rec.Append(types.TranscriptEntry{Role: "assistant", Content: frame.Text})
	}
	return p.PushFrame(f, dir)
}

func (p *AssistantProcessor) flush() {
	if !p.streaming {
		return
	}
	p.streaming = false
	text := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if text == "" {
		return
	}
	p.rec.Append(types.TranscriptEntry{Role: "assistant", Content: text})
}
