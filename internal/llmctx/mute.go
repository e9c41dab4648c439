package llmctx

import (
	"context"
	"sync/atomic"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
)

// MuteFilter drops user transcriptions while muted. The session mutes the
// caller's side during the bot's opening message and while the IVR navigator
// is pressing keys, so stray recognised speech cannot trigger LLM turns.
type MuteFilter struct {
	*pipeline.BaseProcessor
	muted atomic.Bool
}

// NewMuteFilter creates an unmuted filter.
func NewMuteFilter() *MuteFilter {
	f := &MuteFilter{}
	f.BaseProcessor = pipeline.NewBase("stt-mute", f)
	return f
}

// SetMuted switches transcription suppression on or off.
func (f *MuteFilter) SetMuted(muted bool) {
	f.muted.Store(muted)
}

// Muted reports the current state.
func (f *MuteFilter) Muted() bool {
	return f.muted.Load()
}

// HandleFrame implements pipeline.FrameHandler.
func (f *MuteFilter) HandleFrame(_ context.Context, frame frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream && f.muted.Load() {
		if _, ok := frame.(*frames.Transcription); ok {
			return nil
		}
	}
	return f.PushFrame(frame, dir)
}
