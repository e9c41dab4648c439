// Package transcript captures the call's spoken record. Two pipeline
// processors append entries as frames pass (user speech after STT, assistant
// speech after the TTS gate), the session orchestrator appends event entries
// directly, and [Assemble] merges the raw entries into the persisted shape.
package transcript

import (
	"sync"
	"time"

	"github.com/MrWong99/vocata/pkg/types"
)

// Recorder is the per-session append-only transcript. It is safe for
// concurrent use: the two processors and the orchestrator all write to it.
type Recorder struct {
	mu      sync.Mutex
	entries []types.TranscriptEntry
	started time.Time
}

// NewRecorder creates an empty recorder. The call's duration is measured from
// this moment.
func NewRecorder() *Recorder {
	return &Recorder{started: time.Now()}
}

// Append adds one entry. A zero Timestamp is filled with the current time and
// an empty Type defaults to [types.EntryTranscript].
func (r *Recorder) Append(e types.TranscriptEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Type == "" {
		e.Type = types.EntryTranscript
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// AppendEvent adds a system-role entry of the given type. Used by the
// orchestrator for triage verdicts, IVR actions, and transfers.
func (r *Recorder) AppendEvent(typ types.EntryType, content string) {
	r.Append(types.TranscriptEntry{Role: "system", Content: content, Type: typ})
}

// Entries returns a snapshot of everything recorded so far.
func (r *Recorder) Entries() []types.TranscriptEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.TranscriptEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of raw entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Duration returns the time elapsed since the recorder was created.
func (r *Recorder) Duration() time.Duration {
	return time.Since(r.started)
}
