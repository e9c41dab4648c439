// Package frames defines the unit of data transported along the call pipeline.
//
// Every piece of information that moves through a call session — raw audio,
// transcriptions, LLM output, tool calls, DTMF presses, control signals — is a
// Frame. Frames travel downstream (toward the transport output) by default;
// cancellations, interruptions, and context updates travel upstream.
//
// Each frame carries an immutable identity and a presentation timestamp.
// Concrete frame types embed [BaseFrame] and are distinguished by Go type
// switches in processors.
package frames

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vocata/pkg/types"
)

// frameCounter is the process-wide source of frame identities.
var frameCounter atomic.Uint64

// Direction indicates which way a frame is traveling through the pipeline.
type Direction int

const (
	// Downstream is the normal flow: transport input → processors → transport output.
	Downstream Direction = iota

	// Upstream is the reverse flow, used for interruptions, context updates,
	// and configuration pushes.
	Upstream
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Frame is the interface satisfied by every frame variant.
type Frame interface {
	// ID returns the frame's immutable identity, unique within the process.
	ID() uint64

	// PTS returns the frame's presentation timestamp.
	PTS() time.Time

	// String returns a short human-readable description for logs.
	String() string
}

// BaseFrame provides identity and timing for all frame variants. The zero
// value is not usable; construct concrete frames with their New* functions.
type BaseFrame struct {
	id  uint64
	pts time.Time
}

func newBase() BaseFrame {
	return BaseFrame{id: frameCounter.Add(1), pts: time.Now()}
}

// ID implements [Frame].
func (f BaseFrame) ID() uint64 { return f.id }

// PTS implements [Frame].
func (f BaseFrame) PTS() time.Time { return f.pts }

// ─── Data frames ──────────────────────────────────────────────────────────────

// AudioRaw carries a chunk of raw call audio.
type AudioRaw struct {
	BaseFrame
	Audio types.AudioFrame
}

// NewAudioRaw wraps a raw audio chunk in a frame.
func NewAudioRaw(a types.AudioFrame) *AudioRaw {
	return &AudioRaw{BaseFrame: newBase(), Audio: a}
}

func (f *AudioRaw) String() string {
	return fmt.Sprintf("AudioRaw[id=%d, bytes=%d, rate=%d]", f.id, len(f.Audio.Data), f.Audio.SampleRate)
}

// Transcription carries a final STT result for one utterance burst.
type Transcription struct {
	BaseFrame
	Transcript types.Transcript
}

// NewTranscription wraps an STT result in a frame.
func NewTranscription(t types.Transcript) *Transcription {
	return &Transcription{BaseFrame: newBase(), Transcript: t}
}

func (f *Transcription) String() string {
	return fmt.Sprintf("Transcription[id=%d, final=%t, text=%q]", f.id, f.Transcript.IsFinal, f.Transcript.Text)
}

// LLMText carries a fragment of assistant text produced by the active LLM.
// Fragments between an [LLMResponseStart] and [LLMResponseEnd] belong to the
// same response.
type LLMText struct {
	BaseFrame
	Text string

	// SkipTTS marks text that must be recorded in the transcript but never
	// spoken (e.g., the literal <dtmf> tag emitted during IVR navigation).
	SkipTTS bool
}

// NewLLMText wraps a fragment of LLM output text in a frame.
func NewLLMText(text string) *LLMText {
	return &LLMText{BaseFrame: newBase(), Text: text}
}

func (f *LLMText) String() string {
	return fmt.Sprintf("LLMText[id=%d, skip_tts=%t, text=%q]", f.id, f.SkipTTS, f.Text)
}

// LLMResponseStart marks the beginning of one LLM response.
type LLMResponseStart struct{ BaseFrame }

// NewLLMResponseStart creates an LLMResponseStart frame.
func NewLLMResponseStart() *LLMResponseStart { return &LLMResponseStart{newBase()} }

func (f *LLMResponseStart) String() string { return fmt.Sprintf("LLMResponseStart[id=%d]", f.id) }

// LLMResponseEnd marks the end of one LLM response. It is always delivered to
// the context aggregator, even when the response was interrupted, so that the
// LLM-visible context stays consistent.
type LLMResponseEnd struct{ BaseFrame }

// NewLLMResponseEnd creates an LLMResponseEnd frame.
func NewLLMResponseEnd() *LLMResponseEnd { return &LLMResponseEnd{newBase()} }

func (f *LLMResponseEnd) String() string { return fmt.Sprintf("LLMResponseEnd[id=%d]", f.id) }

// LLMContextUpdate replaces or extends the LLM-visible conversation context.
// Pushed upstream by the IVR navigator and the flow engine.
type LLMContextUpdate struct {
	BaseFrame

	// Messages is the message list to apply.
	Messages []types.Message

	// Replace indicates whether Messages replaces the entire context (true)
	// or is appended to it (false).
	Replace bool

	// RunLLM triggers an LLM response immediately after the update is applied.
	RunLLM bool
}

// NewLLMContextUpdate creates a context update frame.
func NewLLMContextUpdate(messages []types.Message, replace bool) *LLMContextUpdate {
	return &LLMContextUpdate{BaseFrame: newBase(), Messages: messages, Replace: replace}
}

func (f *LLMContextUpdate) String() string {
	return fmt.Sprintf("LLMContextUpdate[id=%d, messages=%d, replace=%t]", f.id, len(f.Messages), f.Replace)
}

// ToolCallFrame carries a tool invocation requested by the active LLM.
type ToolCallFrame struct {
	BaseFrame
	Call types.ToolCall
}

// NewToolCall wraps an LLM tool invocation in a frame.
func NewToolCall(call types.ToolCall) *ToolCallFrame {
	return &ToolCallFrame{BaseFrame: newBase(), Call: call}
}

func (f *ToolCallFrame) String() string {
	return fmt.Sprintf("ToolCall[id=%d, name=%s]", f.id, f.Call.Name)
}

// ToolResultFrame carries the result of executing a tool call.
type ToolResultFrame struct {
	BaseFrame

	// CallID identifies the originating tool call.
	CallID string

	// Name is the tool name.
	Name string

	// Result is the JSON-encoded or plain-text tool output.
	Result string
}

// NewToolResult wraps a tool execution result in a frame.
func NewToolResult(callID, name, result string) *ToolResultFrame {
	return &ToolResultFrame{BaseFrame: newBase(), CallID: callID, Name: name, Result: result}
}

func (f *ToolResultFrame) String() string {
	return fmt.Sprintf("ToolResult[id=%d, name=%s]", f.id, f.Name)
}

// TTSSpeak requests that text be spoken verbatim, bypassing the LLM. Used by
// node pre-actions and orchestrator messages ("Transferring you now").
type TTSSpeak struct {
	BaseFrame
	Text string
}

// NewTTSSpeak creates a TTSSpeak frame.
func NewTTSSpeak(text string) *TTSSpeak {
	return &TTSSpeak{BaseFrame: newBase(), Text: text}
}

func (f *TTSSpeak) String() string { return fmt.Sprintf("TTSSpeak[id=%d, text=%q]", f.id, f.Text) }

// TTSAudio carries synthesized speech on its way to the transport output.
type TTSAudio struct {
	BaseFrame
	Audio types.AudioFrame
}

// NewTTSAudio wraps synthesized audio in a frame.
func NewTTSAudio(a types.AudioFrame) *TTSAudio {
	return &TTSAudio{BaseFrame: newBase(), Audio: a}
}

func (f *TTSAudio) String() string {
	return fmt.Sprintf("TTSAudio[id=%d, bytes=%d]", f.id, len(f.Audio.Data))
}

// ─── Telephony frames ─────────────────────────────────────────────────────────

// KeypadEntry is a single DTMF keypad value.
type KeypadEntry string

// Valid keypad entries.
const (
	Keypad0     KeypadEntry = "0"
	Keypad1     KeypadEntry = "1"
	Keypad2     KeypadEntry = "2"
	Keypad3     KeypadEntry = "3"
	Keypad4     KeypadEntry = "4"
	Keypad5     KeypadEntry = "5"
	Keypad6     KeypadEntry = "6"
	Keypad7     KeypadEntry = "7"
	Keypad8     KeypadEntry = "8"
	Keypad9     KeypadEntry = "9"
	KeypadStar  KeypadEntry = "*"
	KeypadPound KeypadEntry = "#"
)

// ParseKeypadEntry maps a string to a [KeypadEntry].
// Returns false if s is not a single valid keypad value.
func ParseKeypadEntry(s string) (KeypadEntry, bool) {
	switch KeypadEntry(s) {
	case Keypad0, Keypad1, Keypad2, Keypad3, Keypad4, Keypad5,
		Keypad6, Keypad7, Keypad8, Keypad9, KeypadStar, KeypadPound:
		return KeypadEntry(s), true
	}
	return "", false
}

// DTMFUrgent requests an out-of-band DTMF key press on the live call.
// "Urgent" means the transport sends the tone ahead of any queued audio.
type DTMFUrgent struct {
	BaseFrame
	Button KeypadEntry
}

// NewDTMFUrgent creates a DTMFUrgent frame for the given keypad button.
func NewDTMFUrgent(button KeypadEntry) *DTMFUrgent {
	return &DTMFUrgent{BaseFrame: newBase(), Button: button}
}

func (f *DTMFUrgent) String() string { return fmt.Sprintf("DTMFUrgent[id=%d, button=%s]", f.id, f.Button) }

// ─── Control frames ───────────────────────────────────────────────────────────

// VADParamsUpdate reconfigures endpoint-of-turn detection. Pushed upstream by
// the IVR navigator to accommodate long menu prompts.
type VADParamsUpdate struct {
	BaseFrame

	// StopSecs is the silence duration that ends a turn.
	StopSecs float64
}

// NewVADParamsUpdate creates a VAD parameter update frame.
func NewVADParamsUpdate(stopSecs float64) *VADParamsUpdate {
	return &VADParamsUpdate{BaseFrame: newBase(), StopSecs: stopSecs}
}

func (f *VADParamsUpdate) String() string {
	return fmt.Sprintf("VADParamsUpdate[id=%d, stop_secs=%.1f]", f.id, f.StopSecs)
}

// StartInterruption cancels in-flight TTS and the current LLM response.
// Always pushed upstream.
type StartInterruption struct{ BaseFrame }

// NewStartInterruption creates a StartInterruption frame.
func NewStartInterruption() *StartInterruption { return &StartInterruption{newBase()} }

func (f *StartInterruption) String() string { return fmt.Sprintf("StartInterruption[id=%d]", f.id) }

// EndTask requests a graceful pipeline shutdown after queued frames drain.
// Pushed upstream so the task sees it before the processors do.
type EndTask struct{ BaseFrame }

// NewEndTask creates an EndTask frame.
func NewEndTask() *EndTask { return &EndTask{newBase()} }

func (f *EndTask) String() string { return fmt.Sprintf("EndTask[id=%d]", f.id) }

// End terminates the pipeline. Emitted downstream by the task in response to
// [EndTask]; every processor forwards it and then exits.
type End struct{ BaseFrame }

// NewEnd creates an End frame.
func NewEnd() *End { return &End{newBase()} }

func (f *End) String() string { return fmt.Sprintf("End[id=%d]", f.id) }

// IsControl reports whether f is a control frame that must bypass the data
// queue and be handled with priority. [End] is deliberately not a control
// frame: it must drain behind queued data so a farewell or voicemail message
// queued just before shutdown is still synthesized and sent.
func IsControl(f Frame) bool {
	switch f.(type) {
	case *StartInterruption, *EndTask, *VADParamsUpdate:
		return true
	}
	return false
}
