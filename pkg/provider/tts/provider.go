// Package tts defines the provider interface for streaming text-to-speech
// backends.
package tts

import (
	"context"

	"github.com/MrWong99/vocata/pkg/types"
)

// Provider synthesizes speech from streamed text.
//
// Implementations must be safe for concurrent use; each SynthesizeStream call
// is an independent synthesis session.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel as they
	// arrive and returns a channel of raw PCM audio chunks. The audio channel
	// is closed by the implementation once all text has been synthesized
	// (after the caller closes the text channel) or when ctx is cancelled.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices available to the configured account.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
