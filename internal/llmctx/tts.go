package llmctx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/pkg/audio"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/tts"
	"github.com/MrWong99/vocata/pkg/types"
)

// textChannelBuf is the buffer depth of the sentence channel feeding one
// synthesis stream. Sized to absorb several sentences without blocking the
// LLM forwarder.
const textChannelBuf = 16

// telephonySampleRate is the PCM rate of synthesized audio on the call path.
const telephonySampleRate = 8000

// TTSProcessor synthesizes streamed LLM text into call audio. Text is
// aggregated into sentences before synthesis so prosody stays natural; each
// LLM response (or verbatim TTSSpeak) maps to one provider stream.
type TTSProcessor struct {
	*pipeline.BaseProcessor

	provider     tts.Provider
	providerName string
	voice        types.VoiceProfile

	metrics *observe.Metrics
	usage   *observe.UsageTracker

	mu     sync.Mutex
	textCh chan string
	cancel context.CancelFunc
	buf    strings.Builder
	wg     sync.WaitGroup
}

// TTSOption configures a [TTSProcessor].
type TTSOption func(*TTSProcessor)

// WithTTSMetrics attaches latency and cost instrumentation.
func WithTTSMetrics(m *observe.Metrics, u *observe.UsageTracker) TTSOption {
	return func(p *TTSProcessor) {
		p.metrics = m
		p.usage = u
	}
}

// NewTTSProcessor creates the TTS pipeline processor.
func NewTTSProcessor(provider tts.Provider, providerName string, voice types.VoiceProfile, opts ...TTSOption) *TTSProcessor {
	p := &TTSProcessor{
		provider:     provider,
		providerName: providerName,
		voice:        voice,
	}
	for _, o := range opts {
		o(p)
	}
	p.BaseProcessor = pipeline.NewBase("tts", p)
	return p
}

// HandleFrame implements pipeline.FrameHandler.
func (p *TTSProcessor) HandleFrame(ctx context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.LLMResponseStart:
		p.openStream(ctx)
		return p.PushFrame(f, dir)

	case *frames.LLMText:
		if !frame.SkipTTS {
			p.feedText(ctx, frame.Text)
		}
		return p.PushFrame(f, dir)

	case *frames.LLMResponseEnd:
		p.closeStream(true)
		return p.PushFrame(f, dir)

	case *frames.TTSSpeak:
		p.speakVerbatim(ctx, frame.Text)
		return p.PushFrame(f, dir)

	case *frames.StartInterruption:
		p.closeStream(false)
		return p.PushFrame(f, dir)

	case *frames.EndTask, *frames.End:
		p.closeStream(true)
		return p.PushFrame(f, dir)

	default:
		return p.PushFrame(f, dir)
	}
}

// Wait blocks until all synthesis goroutines have finished.
func (p *TTSProcessor) Wait() {
	p.wg.Wait()
}

// openStream starts a provider stream for the next response. Any previous
// stream is flushed first.
func (p *TTSProcessor) openStream(ctx context.Context) {
	p.closeStream(true)

	streamCtx, cancel := context.WithCancel(ctx)
	textCh := make(chan string, textChannelBuf)

	start := time.Now()
	audioCh, err := p.provider.SynthesizeStream(streamCtx, textCh, p.voice)
	if err != nil {
		observe.Logger(ctx).Error("tts stream failed", "provider", p.providerName, "err", err)
		if p.metrics != nil {
			p.metrics.RecordProviderError(ctx, p.providerName, "tts")
		}
		cancel()
		return
	}

	p.mu.Lock()
	p.textCh = textCh
	p.cancel = cancel
	p.buf.Reset()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.forwardAudio(streamCtx, audioCh, start)
	}()
}

// feedText buffers streamed text and submits complete sentences.
func (p *TTSProcessor) feedText(ctx context.Context, text string) {
	p.mu.Lock()
	textCh := p.textCh
	if textCh == nil {
		p.mu.Unlock()
		return
	}

	p.buf.WriteString(text)
	var sentences []string
	for {
		idx := sentenceBoundary(p.buf.String())
		if idx < 0 {
			break
		}
		s := p.buf.String()
		sentences = append(sentences, s[:idx+1])
		rest := strings.TrimLeft(s[idx+1:], " \t\n\r")
		p.buf.Reset()
		p.buf.WriteString(rest)
	}
	p.mu.Unlock()

	for _, s := range sentences {
		p.submit(ctx, textCh, s)
	}
}

// closeStream ends the current stream. With flush set, buffered text is
// submitted first; without it (interruption) the remainder is dropped.
func (p *TTSProcessor) closeStream(flush bool) {
	p.mu.Lock()
	textCh := p.textCh
	cancel := p.cancel
	remainder := strings.TrimSpace(p.buf.String())
	p.textCh = nil
	p.cancel = nil
	p.buf.Reset()
	p.mu.Unlock()

	if textCh == nil {
		return
	}
	if flush && remainder != "" {
		p.submit(context.Background(), textCh, remainder)
	}
	close(textCh)
	if !flush && cancel != nil {
		// Abort the provider stream instead of letting queued audio play out.
		cancel()
	}
}

// speakVerbatim synthesizes one standalone utterance outside the LLM stream.
func (p *TTSProcessor) speakVerbatim(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	textCh := make(chan string, 1)

	start := time.Now()
	audioCh, err := p.provider.SynthesizeStream(streamCtx, textCh, p.voice)
	if err != nil {
		observe.Logger(ctx).Error("tts speak failed", "provider", p.providerName, "err", err)
		cancel()
		return
	}
	p.submit(ctx, textCh, text)
	close(textCh)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.forwardAudio(streamCtx, audioCh, start)
	}()
}

// submit sends one sentence to the provider and records usage.
func (p *TTSProcessor) submit(ctx context.Context, textCh chan<- string, s string) {
	select {
	case textCh <- s:
		if p.usage != nil {
			p.usage.AddTTS(ctx, p.providerName, len(s))
		}
	case <-ctx.Done():
	}
}

// forwardAudio pushes synthesized audio downstream until the provider closes
// the channel.
func (p *TTSProcessor) forwardAudio(ctx context.Context, audioCh <-chan []byte, start time.Time) {
	first := true
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(audioCh)
			return
		case data, ok := <-audioCh:
			if !ok {
				return
			}
			if first {
				first = false
				if p.metrics != nil {
					p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
				}
			}
			frame := types.AudioFrame{
				Data:       data,
				SampleRate: telephonySampleRate,
				Channels:   1,
			}
			_ = p.PushFrame(frames.NewTTSAudio(frame), frames.Downstream)
		}
	}
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace, or -1 when s holds no complete
// sentence.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
