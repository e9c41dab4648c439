package triage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	llmmock "github.com/MrWong99/vocata/pkg/provider/llm/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		answer string
		want   Decision
		ok     bool
	}{
		{"CONVERSATION", DecisionConversation, true},
		{"conversation", DecisionConversation, true},
		{"The answer is IVR.", DecisionIVR, true},
		{"VOICEMAIL", DecisionVoicemail, true},
		// Voicemail greetings often mention the menu; the more specific
		// automated categories win over CONVERSATION.
		{"VOICEMAIL or CONVERSATION", DecisionVoicemail, true},
		{"IVR, not a CONVERSATION", DecisionIVR, true},
		{"no idea", DecisionPending, false},
		{"", DecisionPending, false},
	}
	for _, tt := range tests {
		got, ok := ParseVerdict(tt.answer)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseVerdict(%q) = (%v, %v), want (%v, %v)", tt.answer, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecisionString(t *testing.T) {
	for d, want := range map[Decision]string{
		DecisionPending:      "pending",
		DecisionConversation: "conversation",
		DecisionIVR:          "ivr",
		DecisionVoicemail:    "voicemail",
	} {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}

// detectorEvents collects the detector callbacks under a lock.
type detectorEvents struct {
	mu           sync.Mutex
	conversation [][]types.Message
	ivr          [][]types.Message
	voicemail    int
	human        []string
}

func (e *detectorEvents) bind() Events {
	return Events{
		OnConversationDetected: func(h []types.Message) {
			e.mu.Lock()
			e.conversation = append(e.conversation, h)
			e.mu.Unlock()
		},
		OnIVRDetected: func(h []types.Message) {
			e.mu.Lock()
			e.ivr = append(e.ivr, h)
			e.mu.Unlock()
		},
		OnVoicemailDetected: func() {
			e.mu.Lock()
			e.voicemail++
			e.mu.Unlock()
		},
		OnHumanDetected: func(text string) {
			e.mu.Lock()
			e.human = append(e.human, text)
			e.mu.Unlock()
		},
	}
}

func newTestDetector(t *testing.T, events Events) *Detector {
	t.Helper()
	d := NewDetector(Config{
		Provider:               &llmmock.Provider{},
		VoicemailResponseDelay: 10 * time.Millisecond,
	}, events)
	t.Cleanup(d.Close)
	return d
}

func TestDecideLatchesFirstVerdict(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())

	d.recordHistory("hello?")
	d.decide(context.Background(), DecisionConversation)
	d.decide(context.Background(), DecisionVoicemail) // loses the race

	if got := d.Decision(); got != DecisionConversation {
		t.Fatalf("Decision = %v", got)
	}
	if !d.notifiers.Gate.Fired() {
		t.Error("main gate must open on conversation")
	}
	if !d.ttsGate.Opened() {
		t.Error("tts gate must open on conversation")
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.conversation) != 1 {
		t.Fatalf("conversation events = %d", len(ev.conversation))
	}
	if h := ev.conversation[0]; len(h) != 1 || h[0].Content != "hello?" {
		t.Errorf("history = %+v", h)
	}
	if ev.voicemail != 0 {
		t.Error("voicemail event must not fire after the latch")
	}
}

func TestDecideIVRHoldsMainGateUntilCompleted(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())

	d.decide(context.Background(), DecisionIVR)

	if d.notifiers.Gate.Fired() {
		t.Fatal("main gate must stay held during IVR navigation")
	}
	if !d.ttsGate.Opened() {
		t.Fatal("tts gate must open so DTMF-directed speech gets out")
	}

	d.NotifyIVRCompleted()
	if err := d.notifiers.Gate.Wait(waitCtx(t)); err != nil {
		t.Fatalf("main gate never opened after IVR completion: %v", err)
	}
}

func TestDecideVoicemailDelaysResponse(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())

	d.decide(context.Background(), DecisionVoicemail)
	if err := d.notifiers.Gate.Wait(waitCtx(t)); err != nil {
		t.Fatalf("gate never opened: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		ev.mu.Lock()
		fired := ev.voicemail
		ev.mu.Unlock()
		if fired == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("voicemail events = %d", fired)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ─── Gates ────────────────────────────────────────────────────────────────────

// tail records frames pushed past a gate under test.
type tail struct {
	*pipeline.BaseProcessor
	mu   sync.Mutex
	seen []frames.Frame
}

func newTail() *tail {
	s := &tail{}
	s.BaseProcessor = pipeline.NewBase("tail", s)
	return s
}

func (s *tail) HandleFrame(_ context.Context, f frames.Frame, _ frames.Direction) error {
	s.mu.Lock()
	s.seen = append(s.seen, f)
	s.mu.Unlock()
	return nil
}

func (s *tail) frames() []frames.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frames.Frame, len(s.seen))
	copy(out, s.seen)
	return out
}

func TestTTSGateDropsSpeechUntilOpened(t *testing.T) {
	g := NewTTSGate()
	sink := newTail()
	g.Link(sink)
	drain(t, sink)

	push := func(f frames.Frame) {
		t.Helper()
		if err := g.HandleFrame(context.Background(), f, frames.Downstream); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	push(frames.NewTTSAudio(types.AudioFrame{}))
	push(frames.NewTTSSpeak("hi"))
	// Non-speech frames pass even while closed.
	push(frames.NewLLMText("thinking"))

	g.Open()
	push(frames.NewTTSAudio(types.AudioFrame{}))

	waitFrames(t, sink, 2)
	seen := sink.frames()
	if _, ok := seen[0].(*frames.LLMText); !ok {
		t.Errorf("first passed frame = %T", seen[0])
	}
	if _, ok := seen[1].(*frames.TTSAudio); !ok {
		t.Errorf("second passed frame = %T", seen[1])
	}
}

func TestMainGatePassesIVRActivation(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())
	g := NewMainBranchGate(d)
	sink := newTail()
	g.Link(sink)
	drain(t, sink)

	d.decide(context.Background(), DecisionIVR)

	push := func(f frames.Frame) {
		t.Helper()
		if err := g.HandleFrame(context.Background(), f, frames.Downstream); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	// Menu speech heard before the navigator takes over is already part of
	// the activation history and must not leak through separately.
	push(frames.NewTranscription(types.Transcript{Text: "press 1 for eligibility", IsFinal: true}))
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != 0 {
		t.Fatalf("frames before activation = %d, want 0", got)
	}

	// The navigator's context swap must reach the model or navigation can
	// never produce a key press.
	update := frames.NewLLMContextUpdate(nil, true)
	push(update)
	waitFrames(t, sink, 1)

	// Menu speech after activation drives the navigation turn loop.
	push(frames.NewTranscription(types.Transcript{Text: "an agent will be with you shortly", IsFinal: true}))
	waitFrames(t, sink, 2)

	seen := sink.frames()
	if _, ok := seen[0].(*frames.LLMContextUpdate); !ok {
		t.Errorf("first passed frame = %T", seen[0])
	}
	if _, ok := seen[1].(*frames.Transcription); !ok {
		t.Errorf("second passed frame = %T", seen[1])
	}

	// Speech frames still stay out until navigation completes.
	push(frames.NewTTSSpeak("hello"))
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != 2 {
		t.Fatalf("frames after speak = %d, want 2", got)
	}

	d.NotifyIVRCompleted()
	if err := d.notifiers.Gate.Wait(waitCtx(t)); err != nil {
		t.Fatalf("gate never opened: %v", err)
	}
	push(frames.NewTTSSpeak("hello again"))
	waitFrames(t, sink, 3)
}

func TestMainGateReleasesBacklogOnConversation(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())
	g := NewMainBranchGate(d)
	sink := newTail()
	g.Link(sink)
	drain(t, sink)
	startProc(t, g)

	if err := g.Queue(frames.NewTranscription(types.Transcript{Text: "hello?", IsFinal: true}), frames.Downstream); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != 0 {
		t.Fatalf("frames before decision = %d, want 0", got)
	}

	d.decide(context.Background(), DecisionConversation)
	waitFrames(t, sink, 1)
}

func TestMainGateDropsDuringVoicemailDelay(t *testing.T) {
	var ev detectorEvents
	d := NewDetector(Config{
		Provider:               &llmmock.Provider{},
		VoicemailResponseDelay: 300 * time.Millisecond,
	}, ev.bind())
	t.Cleanup(d.Close)
	g := NewMainBranchGate(d)
	sink := newTail()
	g.Link(sink)
	drain(t, sink)

	d.decide(context.Background(), DecisionVoicemail)

	if err := g.HandleFrame(context.Background(),
		frames.NewTranscription(types.Transcript{Text: "leave a message", IsFinal: true}),
		frames.Downstream); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != 0 {
		t.Fatalf("frames during delay = %d, want 0", got)
	}

	if err := d.notifiers.Gate.Wait(waitCtx(t)); err != nil {
		t.Fatalf("gate never opened: %v", err)
	}
	if err := g.HandleFrame(context.Background(), frames.NewTTSSpeak("call us back"), frames.Downstream); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	waitFrames(t, sink, 1)
}

func TestClassifierGateStopsAfterDecision(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())
	g := NewClassifierGate(d)
	sink := newTail()
	g.Link(sink)
	drain(t, sink)

	push := func(f frames.Frame) {
		t.Helper()
		if err := g.HandleFrame(context.Background(), f, frames.Downstream); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	// Partials never reach the classifier.
	push(frames.NewTranscription(types.Transcript{Text: "hel", IsFinal: false}))
	push(frames.NewTranscription(types.Transcript{Text: "hello?", IsFinal: true}))
	waitFrames(t, sink, 1)

	if h := d.History(); len(h) != 1 || h[0].Content != "hello?" {
		t.Fatalf("history = %+v", h)
	}

	d.decide(context.Background(), DecisionConversation)
	push(frames.NewTranscription(types.Transcript{Text: "are you there?", IsFinal: true}))

	time.Sleep(50 * time.Millisecond)
	if got := len(sink.frames()); got != 1 {
		t.Errorf("classifier frames after decision = %d, want 1", got)
	}
	if h := d.History(); len(h) != 1 {
		t.Errorf("history after decision = %+v", h)
	}
}

// drain starts the tail's frame loop for the duration of the test.
func drain(t *testing.T, s *tail) {
	t.Helper()
	startProc(t, s)
}

// startProc runs a processor's frame loop for the duration of the test.
func startProc(t *testing.T, p pipeline.Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(cancel)
}

func waitFrames(t *testing.T, s *tail, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(s.frames()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("frames = %d, want %d", len(s.frames()), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// ─── Verdict processor ────────────────────────────────────────────────────────

func TestVerdictProcessorLatchesDecision(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())
	p := newVerdictProcessor(d)

	feed := func(f frames.Frame) {
		t.Helper()
		if err := p.HandleFrame(context.Background(), f, frames.Downstream); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	// Chunked answer accumulates across LLMText frames.
	feed(frames.NewLLMResponseStart())
	feed(frames.NewLLMText("VOICE"))
	feed(frames.NewLLMText("MAIL"))
	feed(frames.NewLLMResponseEnd())

	if got := d.Decision(); got != DecisionVoicemail {
		t.Fatalf("Decision = %v", got)
	}
}

func TestVerdictProcessorIgnoresUnrecognizedAnswer(t *testing.T) {
	var ev detectorEvents
	d := newTestDetector(t, ev.bind())
	p := newVerdictProcessor(d)

	feed := func(f frames.Frame) {
		t.Helper()
		if err := p.HandleFrame(context.Background(), f, frames.Downstream); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}

	feed(frames.NewLLMResponseStart())
	feed(frames.NewLLMText("I'm not sure yet"))
	feed(frames.NewLLMResponseEnd())

	if got := d.Decision(); got != DecisionPending {
		t.Fatalf("Decision = %v, want pending", got)
	}

	// The next burst can still classify.
	feed(frames.NewLLMResponseStart())
	feed(frames.NewLLMText("IVR"))
	feed(frames.NewLLMResponseEnd())
	if got := d.Decision(); got != DecisionIVR {
		t.Fatalf("Decision = %v", got)
	}
}

// ─── Human detector ───────────────────────────────────────────────────────────

func TestHumanDetectorFiresOnConversation(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "CONVERSATION"},
	}

	fired := make(chan string, 1)
	d := NewHumanDetector(provider, "prompt", func(text string) { fired <- text })
	d.Activate()

	err := d.HandleFrame(context.Background(),
		frames.NewTranscription(types.Transcript{Text: "hi, this is Dana", IsFinal: true}),
		frames.Downstream)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	select {
	case text := <-fired:
		if text != "hi, this is Dana" {
			t.Errorf("accumulated = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("detector never fired")
	}
	if d.Active() {
		t.Error("detector must deactivate after firing")
	}
}

func TestHumanDetectorIgnoresIVRVerdict(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "IVR"},
	}

	fired := make(chan string, 1)
	d := NewHumanDetector(provider, "prompt", func(text string) { fired <- text })
	d.Activate()

	err := d.HandleFrame(context.Background(),
		frames.NewTranscription(types.Transcript{Text: "press one for billing", IsFinal: true}),
		frames.Downstream)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("detector must not fire on an IVR verdict")
	case <-time.After(humanDebounce + 200*time.Millisecond):
	}
	if !d.Active() {
		t.Error("detector must stay active")
	}
}

func TestHumanDetectorInactiveIsTransparent(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "CONVERSATION"},
	}
	d := NewHumanDetector(provider, "prompt", func(string) { t.Error("must not fire while inactive") })

	err := d.HandleFrame(context.Background(),
		frames.NewTranscription(types.Transcript{Text: "hello", IsFinal: true}),
		frames.Downstream)
	if err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	time.Sleep(humanDebounce + 100*time.Millisecond)
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("classifier calls while inactive = %d", len(provider.CompleteCalls))
	}
}
