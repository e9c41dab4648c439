// Package stt defines the provider interface for streaming speech-to-text
// backends.
//
// Telephony audio arrives as a continuous stream, so the interface is
// session-oriented: the caller opens a stream once per call leg, feeds PCM
// chunks into it, and consumes interim and final transcripts from channels.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/vocata/pkg/types"
)

// ErrNotSupported is returned by session operations the backing vendor cannot
// perform, such as mid-stream keyword updates.
var ErrNotSupported = errors.New("stt: operation not supported")

// StreamConfig configures a transcription session at open time.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. Telephony legs deliver 8000;
	// WebRTC legs deliver 16000.
	SampleRate int

	// Channels is the channel count of the PCM stream. Zero means mono.
	Channels int

	// Language is the BCP-47 recognition language (e.g. "en", "de-DE").
	// Empty uses the provider default.
	Language string

	// Keywords biases recognition toward domain vocabulary such as clinic
	// names, medication names, and practitioner surnames.
	Keywords []types.KeywordBoost
}

// SessionHandle is a live transcription session.
//
// Partials and Finals are closed by the implementation when the session ends.
// Callers must drain both channels to avoid blocking the vendor read loop.
type SessionHandle interface {
	// SendAudio queues one PCM chunk for transcription. Returns an error once
	// the session is closed.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses. Text may be revised by later partials
	// or by the final covering the same audio.
	Partials() <-chan types.Transcript

	// Finals emits committed transcripts.
	Finals() <-chan types.Transcript

	// SetKeywords replaces the recognition bias list mid-session. Vendors
	// without mid-stream support return an error wrapping [ErrNotSupported].
	SetKeywords(keywords []types.KeywordBoost) error

	// Close flushes pending audio and tears the session down. Idempotent.
	Close() error
}

// Provider opens streaming transcription sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
