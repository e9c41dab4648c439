// Package types defines the shared types used across all Vocata packages.
//
// These types form the lingua franca between providers, the frame pipeline,
// the flow engine, and the session orchestrator. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of raw audio flowing between the
// telephony transport and the speech providers. Frames are the atomic unit of
// audio transport — captured from the call media stream, transcribed by STT,
// and played back through the transport output.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are carried alongside
	// because telephony media (8 kHz) and provider audio (16/24 kHz) differ.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for PSTN media, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono call audio, 2 for stereo provider output.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// ParticipantID identifies the call participant this transcript belongs to.
	ParticipantID string

	// Timestamp marks when the utterance started, relative to call start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// EntryType classifies a call transcript entry.
type EntryType string

const (
	// EntryTranscript is an ordinary spoken exchange (user or assistant).
	EntryTranscript EntryType = "transcript"

	// EntryIVRAction records a DTMF key press made while navigating a menu.
	EntryIVRAction EntryType = "ivr_action"

	// EntryIVRSummary records the outcome of an IVR navigation phase.
	EntryIVRSummary EntryType = "ivr_summary"

	// EntryTriage records the triage classification decision.
	EntryTriage EntryType = "triage"

	// EntryTransfer records a SIP transfer attempt.
	EntryTransfer EntryType = "transfer"

	// EntrySystemEvent records any other orchestrator-level event.
	EntrySystemEvent EntryType = "system_event"
)

// TranscriptEntry is one record in a call's transcript. Entries are appended
// by the transcript processor during the call and merged/persisted once at
// cleanup.
type TranscriptEntry struct {
	// Role is one of "user", "assistant", or "system".
	Role string

	// Content is the spoken or recorded text.
	Content string

	// Timestamp is when this entry was recorded.
	Timestamp time.Time

	// Type classifies the entry. Defaults to [EntryTranscript].
	Type EntryType
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata carries provider-specific voice attributes (accent, gender,
	// category) for voice selection UIs and logging.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in STT recognition. Used to
// improve recognition of clinic, provider, and medication names.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Metoprolol").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// Usage holds token accounting for a single provider call.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}
