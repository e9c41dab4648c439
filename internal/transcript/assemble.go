package transcript

import (
	"time"

	"github.com/MrWong99/vocata/pkg/types"
)

// mergeGap is the maximum timestamp distance between two consecutive
// same-role entries that still belong to one utterance. STT vendors split
// turns on short pauses; persisting them re-joined reads naturally.
const mergeGap = 3 * time.Second

// Assembled is the persisted shape of a call transcript.
type Assembled struct {
	// Messages are the merged entries in call order.
	Messages []types.TranscriptEntry `json:"messages"`

	// MessageCount is len(Messages).
	MessageCount int `json:"message_count"`

	// RawMessageCount is the entry count before merging.
	RawMessageCount int `json:"raw_message_count"`

	// ConversationDuration is the wall-clock call length.
	ConversationDuration time.Duration `json:"conversation_duration"`
}

// Assemble merges consecutive same-role spoken entries recorded within
// [mergeGap] of each other, concatenating their content with single spaces.
// Event entries (triage, IVR, transfer) never merge and act as separators.
func Assemble(entries []types.TranscriptEntry, duration time.Duration) Assembled {
	merged := make([]types.TranscriptEntry, 0, len(entries))
	for _, e := range entries {
		if n := len(merged); n > 0 && mergeable(merged[n-1], e) {
			merged[n-1].Content += " " + e.Content
			merged[n-1].Timestamp = e.Timestamp
			continue
		}
		merged = append(merged, e)
	}
	return Assembled{
		Messages:             merged,
		MessageCount:         len(merged),
		RawMessageCount:      len(entries),
		ConversationDuration: duration,
	}
}

// mergeable reports whether next continues prev's utterance.
func mergeable(prev, next types.TranscriptEntry) bool {
	if prev.Type != types.EntryTranscript || next.Type != types.EntryTranscript {
		return false
	}
	if prev.Role != next.Role {
		return false
	}
	return next.Timestamp.Sub(prev.Timestamp) < mergeGap
}
