// Package mock provides a controllable test double for telephony.Transport.
//
// Tests drive the call from the outside: Fire* methods invoke the registered
// event handlers exactly as a gateway would, and DeliverAudio injects caller
// audio into the pipeline through the input processor.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/telephony"
	"github.com/MrWong99/vocata/pkg/types"
)

// outputRecorder captures every downstream frame reaching the transport
// output, so tests can assert on what would have been spoken or pressed.
type outputRecorder struct {
	*pipeline.BaseProcessor
	mu     *sync.Mutex
	frames *[]frames.Frame
}

func (r *outputRecorder) HandleFrame(_ context.Context, f frames.Frame, dir frames.Direction) error {
	if dir == frames.Downstream {
		r.mu.Lock()
		*r.frames = append(*r.frames, f)
		r.mu.Unlock()
	}
	return r.PushFrame(f, dir)
}

// Transport is a mock implementation of telephony.Transport.
type Transport struct {
	mu sync.Mutex

	handlers telephony.EventHandlers

	in  *pipeline.BaseProcessor
	out *outputRecorder

	// --- Configurable errors ---

	ConnectErr  error
	DialoutErr  error
	TransferErr error
	CaptureErr  error

	// --- Call records ---

	Connected        bool
	Closed           bool
	DialoutCalls     []telephony.DialoutTarget
	TransferCalls    []telephony.TransferTarget
	CaptureCalls     []string
	RecordingDeletes int

	outputFrames []frames.Frame
}

// Compile-time interface assertion.
var _ telephony.Transport = (*Transport)(nil)

// New creates a mock Transport.
func New() *Transport {
	t := &Transport{}
	t.in = pipeline.NewBase("mock-transport-input", nil)
	t.out = &outputRecorder{mu: &t.mu, frames: &t.outputFrames}
	t.out.BaseProcessor = pipeline.NewBase("mock-transport-output", t.out)
	return t
}

// Input implements telephony.Transport.
func (t *Transport) Input() pipeline.Processor { return t.in }

// Output implements telephony.Transport.
func (t *Transport) Output() pipeline.Processor { return t.out }

// SetHandlers implements telephony.Transport.
func (t *Transport) SetHandlers(h telephony.EventHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Connect implements telephony.Transport.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.Connected = true
	return nil
}

// StartDialout implements telephony.Transport.
func (t *Transport) StartDialout(_ context.Context, target telephony.DialoutTarget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DialoutCalls = append(t.DialoutCalls, target)
	return t.DialoutErr
}

// SIPCallTransfer implements telephony.Transport.
func (t *Transport) SIPCallTransfer(_ context.Context, target telephony.TransferTarget) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TransferCalls = append(t.TransferCalls, target)
	return t.TransferErr
}

// CaptureParticipantTranscription implements telephony.Transport.
func (t *Transport) CaptureParticipantTranscription(participantID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CaptureCalls = append(t.CaptureCalls, participantID)
	return t.CaptureErr
}

// DeleteRecording implements telephony.Transport.
func (t *Transport) DeleteRecording(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RecordingDeletes++
	return nil
}

// Close implements telephony.Transport.
func (t *Transport) Close(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// ─── Test controls ────────────────────────────────────────────────────────────

// DeliverAudio injects one chunk of caller audio into the pipeline.
func (t *Transport) DeliverAudio(a types.AudioFrame) {
	_ = t.in.PushFrame(frames.NewAudioRaw(a), frames.Downstream)
}

// OutputFrames returns a snapshot of every downstream frame that reached the
// transport output.
func (t *Transport) OutputFrames() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]frames.Frame, len(t.outputFrames))
	copy(out, t.outputFrames)
	return out
}

// FireJoined invokes OnJoined.
func (t *Transport) FireJoined(ctx context.Context) {
	if h := t.handlerSnapshot().OnJoined; h != nil {
		h(ctx)
	}
}

// FireFirstParticipantJoined invokes OnFirstParticipantJoined.
func (t *Transport) FireFirstParticipantJoined(ctx context.Context, p telephony.Participant) {
	if h := t.handlerSnapshot().OnFirstParticipantJoined; h != nil {
		h(ctx, p)
	}
}

// FireParticipantLeft invokes OnParticipantLeft.
func (t *Transport) FireParticipantLeft(ctx context.Context, p telephony.Participant, reason string) {
	if h := t.handlerSnapshot().OnParticipantLeft; h != nil {
		h(ctx, p, reason)
	}
}

// FireClientDisconnected invokes OnClientDisconnected.
func (t *Transport) FireClientDisconnected(ctx context.Context) {
	if h := t.handlerSnapshot().OnClientDisconnected; h != nil {
		h(ctx)
	}
}

// FireDialinError invokes OnDialinError.
func (t *Transport) FireDialinError(ctx context.Context, err error) {
	if h := t.handlerSnapshot().OnDialinError; h != nil {
		h(ctx, err)
	}
}

// FireDialoutAnswered invokes OnDialoutAnswered.
func (t *Transport) FireDialoutAnswered(ctx context.Context, p telephony.Participant) {
	if h := t.handlerSnapshot().OnDialoutAnswered; h != nil {
		h(ctx, p)
	}
}

// FireDialoutStopped invokes OnDialoutStopped.
func (t *Transport) FireDialoutStopped(ctx context.Context) {
	if h := t.handlerSnapshot().OnDialoutStopped; h != nil {
		h(ctx)
	}
}

// FireDialoutError invokes OnDialoutError.
func (t *Transport) FireDialoutError(ctx context.Context, err error) {
	if h := t.handlerSnapshot().OnDialoutError; h != nil {
		h(ctx, err)
	}
}

func (t *Transport) handlerSnapshot() telephony.EventHandlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}
