package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/vocata/pkg/audio"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/types"
)

// Opus packets on the media path carry 20 ms of audio.
const opusFrameMillis = 20

// maxOpusPacket bounds the encoded size of one packet.
const maxOpusPacket = 4000

// samplesPerPacket returns the per-channel sample count of one Opus frame.
func samplesPerPacket(sampleRate int) int {
	return sampleRate * opusFrameMillis / 1000
}

// pcmBytesToInt16 converts little-endian int16 PCM bytes to samples.
func pcmBytesToInt16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}

// pcmInt16ToBytes converts int16 samples to little-endian PCM bytes.
func pcmInt16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// ─── Input ────────────────────────────────────────────────────────────────────

// inputProcessor sources caller audio into the pipeline. The transport's read
// loop feeds it Opus packets via deliver; decoded PCM leaves downstream as
// [frames.AudioRaw]. Pipeline frames arriving at the processor itself are
// passed through unchanged.
type inputProcessor struct {
	*pipeline.BaseProcessor

	sampleRate int
	started    time.Time

	mu      sync.Mutex
	decoder *gopus.Decoder
}

func newInputProcessor(sampleRate int) (*inputProcessor, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	p := &inputProcessor{
		sampleRate: sampleRate,
		started:    time.Now(),
		decoder:    dec,
	}
	p.BaseProcessor = pipeline.NewBase("room-input", nil)
	return p, nil
}

// deliver decodes one inbound Opus packet and pushes the PCM downstream.
// Called from the transport read loop.
func (p *inputProcessor) deliver(packet []byte) {
	p.mu.Lock()
	pcm, err := p.decoder.Decode(packet, samplesPerPacket(p.sampleRate), false)
	p.mu.Unlock()
	if err != nil {
		// A single corrupt packet is not worth tearing the call down for.
		return
	}

	frame := types.AudioFrame{
		Data:       pcmInt16ToBytes(pcm),
		SampleRate: p.sampleRate,
		Channels:   1,
		Timestamp:  time.Since(p.started),
	}
	_ = p.PushFrame(frames.NewAudioRaw(frame), frames.Downstream)
}

// ─── Output ───────────────────────────────────────────────────────────────────

// outputProcessor sinks pipeline output onto the call: TTS audio is resampled
// to the media rate, Opus-encoded, and written as binary packets; DTMF frames
// become signaling messages sent ahead of queued audio.
type outputProcessor struct {
	*pipeline.BaseProcessor

	transport  *Transport
	sampleRate int

	encoder *gopus.Encoder
	conv    audio.FormatConverter

	// remainder buffers PCM that did not fill a whole Opus frame.
	remainder []int16
}

func newOutputProcessor(t *Transport, sampleRate int) (*outputProcessor, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	p := &outputProcessor{
		transport:  t,
		sampleRate: sampleRate,
		encoder:    enc,
		conv:       audio.FormatConverter{Target: audio.Format{SampleRate: sampleRate, Channels: 1}},
	}
	p.BaseProcessor = pipeline.NewBase("room-output", p)
	return p, nil
}

// HandleFrame implements pipeline.FrameHandler.
func (p *outputProcessor) HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.TTSAudio:
		if err := p.writeAudio(ctx, frame.Audio); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		return p.PushFrame(f, dir)

	case *frames.DTMFUrgent:
		// Urgent means ahead of queued audio: signaling, not media.
		if err := p.transport.sendSignal(ctx, signalMessage{
			Type:   msgDTMF,
			Button: string(frame.Button),
		}); err != nil {
			return fmt.Errorf("send dtmf %s: %w", frame.Button, err)
		}
		return p.PushFrame(f, dir)

	case *frames.StartInterruption:
		// Drop buffered samples so stale speech is not flushed after the cut.
		p.remainder = nil
		return p.PushFrame(f, dir)

	default:
		return p.PushFrame(f, dir)
	}
}

// writeAudio converts, packetizes, and sends one chunk of synthesized speech.
func (p *outputProcessor) writeAudio(ctx context.Context, a types.AudioFrame) error {
	converted := p.conv.Convert(a)
	if len(converted.Data) == 0 {
		return nil
	}

	p.remainder = append(p.remainder, pcmBytesToInt16(converted.Data)...)
	frameSize := samplesPerPacket(p.sampleRate)

	for len(p.remainder) >= frameSize {
		chunk := p.remainder[:frameSize]
		p.remainder = p.remainder[frameSize:]

		packet, err := p.encoder.Encode(chunk, frameSize, maxOpusPacket)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		if err := p.transport.sendMedia(ctx, packet); err != nil {
			return err
		}
	}
	return nil
}
