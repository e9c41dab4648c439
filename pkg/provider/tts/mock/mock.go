// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocata/pkg/provider/tts"
	"github.com/MrWong99/vocata/pkg/types"
)

// SynthesizeCall records a single SynthesizeStream invocation. Texts holds
// every fragment received before the caller closed the text channel.
type SynthesizeCall struct {
	Voice types.VoiceProfile
	Texts []string
}

// Provider is a mock implementation of tts.Provider. For each text fragment
// consumed it emits AudioPerText (or a single zero byte when unset) on the
// audio channel, so pipeline tests can correlate text in with audio out.
type Provider struct {
	mu sync.Mutex

	// AudioPerText is the PCM chunk emitted for every consumed text fragment.
	AudioPerText []byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListErr, if non-nil, is returned from ListVoices.
	ListErr error

	// SynthesizeCalls records every synthesis session. The Texts slice of the
	// latest entry keeps growing until the caller closes its text channel.
	SynthesizeCalls []*SynthesizeCall
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream consumes the text channel, recording fragments and echoing
// one audio chunk per fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	call := &SynthesizeCall{Voice: voice}
	p.SynthesizeCalls = append(p.SynthesizeCalls, call)
	chunk := p.AudioPerText
	if chunk == nil {
		chunk = []byte{0}
	}
	p.mu.Unlock()

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				call.Texts = append(call.Texts, fragment)
				p.mu.Unlock()
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices returns the configured voice list.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return p.Voices, nil
}

// Texts returns the fragments of the i-th synthesis session.
func (p *Provider) Texts(i int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.SynthesizeCalls) {
		return nil
	}
	out := make([]string, len(p.SynthesizeCalls[i].Texts))
	copy(out, p.SynthesizeCalls[i].Texts)
	return out
}
