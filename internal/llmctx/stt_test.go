package llmctx

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/provider/stt"
	sttmock "github.com/MrWong99/vocata/pkg/provider/stt/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

func waitForFinal(t *testing.T, rec *recorder) *frames.Transcription {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, f := range rec.frames() {
			if tr, ok := f.(*frames.Transcription); ok && tr.Transcript.IsFinal {
				return tr
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a final transcription")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSTTProcessorAggregatesTurn(t *testing.T) {
	provider := &sttmock.Provider{}
	p := NewSTTProcessor(provider, "deepgram", stt.StreamConfig{SampleRate: 8000})
	rec := newRecorder()
	p.Link(rec)

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	// Shrink the silence gap so the test finishes quickly.
	p.HandleFrame(context.Background(), frames.NewVADParamsUpdate(0.03), frames.Downstream)

	session := provider.Sessions[0]
	session.EmitFinal(types.Transcript{Text: "I need to", Confidence: 0.9, Duration: time.Second})
	session.EmitFinal(types.Transcript{Text: "reschedule my appointment", Confidence: 0.7, Duration: time.Second})

	turn := waitForFinal(t, rec)
	if turn.Transcript.Text != "I need to reschedule my appointment" {
		t.Errorf("text = %q", turn.Transcript.Text)
	}
	if turn.Transcript.Duration != 2*time.Second {
		t.Errorf("duration = %v", turn.Transcript.Duration)
	}
	if got := turn.Transcript.Confidence; got < 0.79 || got > 0.81 {
		t.Errorf("confidence = %v, want the segment average", got)
	}
}

func TestSTTProcessorForwardsPartials(t *testing.T) {
	provider := &sttmock.Provider{}
	p := NewSTTProcessor(provider, "deepgram", stt.StreamConfig{})
	rec := newRecorder()
	p.Link(rec)

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	provider.Sessions[0].EmitPartial(types.Transcript{Text: "I nee"})

	deadline := time.After(2 * time.Second)
	for len(rec.frames()) == 0 {
		select {
		case <-deadline:
			t.Fatal("partial never forwarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	tr, ok := rec.frames()[0].(*frames.Transcription)
	if !ok || tr.Transcript.IsFinal {
		t.Errorf("expected an interim transcription, got %v", rec.frames()[0])
	}
}

func TestSTTProcessorSwallowsAudio(t *testing.T) {
	provider := &sttmock.Provider{}
	p := NewSTTProcessor(provider, "deepgram", stt.StreamConfig{})
	rec := newRecorder()
	p.Link(rec)

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	audio := frames.NewAudioRaw(types.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 8000, Channels: 1})
	if err := p.HandleFrame(context.Background(), audio, frames.Downstream); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	session := provider.Sessions[0]
	if len(session.Audio) != 1 || len(session.Audio[0]) != 3 {
		t.Errorf("audio should reach the session, got %v", session.Audio)
	}
	if len(rec.frames()) != 0 {
		t.Errorf("raw audio must not be forwarded, got %d frames", len(rec.frames()))
	}
}

func TestSTTProcessorCloseFlushesPendingTurn(t *testing.T) {
	provider := &sttmock.Provider{}
	p := NewSTTProcessor(provider, "deepgram", stt.StreamConfig{})
	rec := newRecorder()
	p.Link(rec)

	if err := p.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	session := provider.Sessions[0]
	session.EmitFinal(types.Transcript{Text: "goodbye"})
	// Wait for the reader goroutine to buffer the segment.
	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		n := len(p.segments)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("segment never buffered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	turn := waitForFinal(t, rec)
	if turn.Transcript.Text != "goodbye" {
		t.Errorf("text = %q", turn.Transcript.Text)
	}
}

func TestMuteFilter(t *testing.T) {
	f := NewMuteFilter()
	rec := newRecorder()
	f.Link(rec)
	ctx := context.Background()

	f.SetMuted(true)
	f.HandleFrame(ctx, finalTranscription("ignored"), frames.Downstream)
	f.HandleFrame(ctx, frames.NewTTSSpeak("still flows"), frames.Downstream)
	if len(rec.frames()) != 1 {
		t.Fatalf("muted filter should drop transcriptions only, got %d frames", len(rec.frames()))
	}

	f.SetMuted(false)
	f.HandleFrame(ctx, finalTranscription("heard"), frames.Downstream)
	if len(rec.frames()) != 2 {
		t.Errorf("unmuted filter should pass transcriptions")
	}
}
