package llmctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	"github.com/MrWong99/vocata/pkg/types"
)

// defaultStopSecs is the silence gap that ends a conversational user turn.
// IVR navigation raises it because menu prompts pause mid-sentence.
const defaultStopSecs = 0.8

// STTProcessor feeds caller audio into a streaming transcription session and
// aggregates the vendor's committed transcripts into user turns.
//
// A turn ends when no new final arrives for the configured stop interval.
// Partial hypotheses pass through immediately so downstream stages can react
// to the caller starting to speak.
type STTProcessor struct {
	*pipeline.BaseProcessor

	provider     stt.Provider
	providerName string
	cfg          stt.StreamConfig

	metrics *observe.Metrics
	usage   *observe.UsageTracker

	mu       sync.Mutex
	session  stt.SessionHandle
	stopSecs float64
	segments []types.Transcript
	flush    *time.Timer
	lastEnd  time.Time
	readWG   sync.WaitGroup
}

// STTOption configures an [STTProcessor].
type STTOption func(*STTProcessor)

// WithSTTMetrics attaches latency and cost instrumentation.
func WithSTTMetrics(m *observe.Metrics, u *observe.UsageTracker) STTOption {
	return func(p *STTProcessor) {
		p.metrics = m
		p.usage = u
	}
}

// NewSTTProcessor creates the STT pipeline processor. The session is opened
// by [STTProcessor.Open], typically when the transport connects.
func NewSTTProcessor(provider stt.Provider, providerName string, cfg stt.StreamConfig, opts ...STTOption) *STTProcessor {
	p := &STTProcessor{
		provider:     provider,
		providerName: providerName,
		cfg:          cfg,
		stopSecs:     defaultStopSecs,
	}
	for _, o := range opts {
		o(p)
	}
	p.BaseProcessor = pipeline.NewBase("stt", p)
	return p
}

// Open starts the transcription session and its transcript readers.
func (p *STTProcessor) Open(ctx context.Context) error {
	session, err := p.provider.StartStream(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("stt: start stream: %w", err)
	}

	p.mu.Lock()
	p.session = session
	p.mu.Unlock()

	p.readWG.Add(2)
	go func() {
		defer p.readWG.Done()
		for t := range session.Partials() {
			_ = p.PushFrame(frames.NewTranscription(t), frames.Downstream)
		}
	}()
	go func() {
		defer p.readWG.Done()
		for t := range session.Finals() {
			p.onFinal(ctx, t)
		}
	}()
	return nil
}

// Close tears down the transcription session and flushes any pending turn.
func (p *STTProcessor) Close() error {
	p.mu.Lock()
	session := p.session
	p.session = nil
	if p.flush != nil {
		p.flush.Stop()
		p.flush = nil
	}
	p.mu.Unlock()

	if session == nil {
		return nil
	}
	err := session.Close()
	p.readWG.Wait()
	p.flushTurn(context.Background())
	return err
}

// HandleFrame implements pipeline.FrameHandler.
func (p *STTProcessor) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Upstream {
		return p.PushFrame(f, dir)
	}

	switch frame := f.(type) {
	case *frames.AudioRaw:
		p.mu.Lock()
		session := p.session
		p.mu.Unlock()
		if session != nil {
			if err := session.SendAudio(frame.Audio.Data); err != nil {
				return fmt.Errorf("stt: send audio: %w", err)
			}
		}
		// Raw audio stops here; downstream stages work on transcripts.
		return nil

	case *frames.VADParamsUpdate:
		p.mu.Lock()
		p.stopSecs = frame.StopSecs
		p.mu.Unlock()
		return p.PushFrame(f, dir)

	default:
		return p.PushFrame(f, dir)
	}
}

// onFinal appends one committed transcript to the pending turn and re-arms
// the silence timer.
func (p *STTProcessor) onFinal(ctx context.Context, t types.Transcript) {
	if p.usage != nil && t.Duration > 0 {
		p.usage.AddSTT(ctx, p.providerName, t.Duration.Seconds())
	}

	p.mu.Lock()
	p.segments = append(p.segments, t)
	p.lastEnd = time.Now()
	gap := time.Duration(p.stopSecs * float64(time.Second))
	if p.flush != nil {
		p.flush.Stop()
	}
	p.flush = time.AfterFunc(gap, func() { p.flushTurn(ctx) })
	p.mu.Unlock()
}

// flushTurn emits the aggregated turn as a single final transcription.
func (p *STTProcessor) flushTurn(ctx context.Context) {
	p.mu.Lock()
	segments := p.segments
	p.segments = nil
	lastEnd := p.lastEnd
	p.mu.Unlock()

	if len(segments) == 0 {
		return
	}

	var (
		parts []string
		words []types.WordDetail
		dur   time.Duration
		conf  float64
	)
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
		words = append(words, s.Words...)
		dur += s.Duration
		conf += s.Confidence
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return
	}

	turn := types.Transcript{
		Text:          text,
		IsFinal:       true,
		Confidence:    conf / float64(len(segments)),
		Words:         words,
		ParticipantID: segments[0].ParticipantID,
		Timestamp:     segments[0].Timestamp,
		Duration:      dur,
	}

	if p.metrics != nil {
		p.metrics.STTDuration.Record(ctx, time.Since(lastEnd).Seconds())
	}
	observe.Logger(ctx).Debug("user turn finalised", "chars", len(text), "segments", len(segments))
	_ = p.PushFrame(frames.NewTranscription(turn), frames.Downstream)
}
