package safety

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/pipeline"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	llmmock "github.com/MrWong99/vocata/pkg/provider/llm/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

// recorder captures queued frames with their direction.
type recorder struct {
	mu     sync.Mutex
	queued []recorded
	closed chan struct{}
}

type recorded struct {
	frame frames.Frame
	dir   frames.Direction
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Queue(f frames.Frame, dir frames.Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, recorded{frame: f, dir: dir})
	return nil
}

func (r *recorder) Link(pipeline.Processor)    {}
func (r *recorder) SetPrev(pipeline.Processor) {}
func (r *recorder) Start(context.Context)      {}
func (r *recorder) Done() <-chan struct{}      { return r.closed }

func (r *recorder) frames() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recorded, len(r.queued))
	copy(out, r.queued)
	return out
}

func classifierAnswering(answer string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: answer},
	}
}

func finalTranscription(text string) *frames.Transcription {
	return frames.NewTranscription(types.Transcript{Text: text, IsFinal: true})
}

func TestMonitorEmergency(t *testing.T) {
	var flagged []string
	m := NewMonitor(classifierAnswering("EMERGENCY"), MonitorEvents{
		OnEmergencyDetected: func(u string) { flagged = append(flagged, u) },
	})
	down := newRecorder()
	m.Link(down)

	if err := m.HandleFrame(context.Background(), finalTranscription("I'm having chest pain."), frames.Downstream); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	m.Wait()

	if len(flagged) != 1 || flagged[0] != "I'm having chest pain." {
		t.Errorf("flagged = %v", flagged)
	}
	// The transcription itself is forwarded untouched.
	if len(down.frames()) != 1 {
		t.Fatalf("expected forwarded transcription, got %d frames", len(down.frames()))
	}
}

func TestMonitorStaffRequest(t *testing.T) {
	var requested []string
	m := NewMonitor(classifierAnswering("STAFF_REQUEST"), MonitorEvents{
		OnStaffRequested: func(u string) { requested = append(requested, u) },
	})
	m.Link(newRecorder())

	m.HandleFrame(context.Background(), finalTranscription("Can I talk to a real person?"), frames.Downstream)
	m.Wait()

	if len(requested) != 1 {
		t.Errorf("requested = %v", requested)
	}
}

func TestMonitorOKDoesNothing(t *testing.T) {
	fired := false
	m := NewMonitor(classifierAnswering("OK"), MonitorEvents{
		OnEmergencyDetected: func(string) { fired = true },
		OnStaffRequested:    func(string) { fired = true },
	})
	m.Link(newRecorder())

	m.HandleFrame(context.Background(), finalTranscription("I'd like to reschedule."), frames.Downstream)
	m.Wait()

	if fired {
		t.Error("OK classification must not raise events")
	}
}

func TestMonitorFailsOpen(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("classifier down")}
	fired := false
	m := NewMonitor(provider, MonitorEvents{
		OnEmergencyDetected: func(string) { fired = true },
	})
	down := newRecorder()
	m.Link(down)

	if err := m.HandleFrame(context.Background(), finalTranscription("hello"), frames.Downstream); err != nil {
		t.Fatalf("HandleFrame must not surface classifier errors: %v", err)
	}
	m.Wait()

	if fired {
		t.Error("classifier failure must not raise events")
	}
	if len(down.frames()) != 1 {
		t.Error("frame must be forwarded despite classifier failure")
	}
}

func TestMonitorIgnoresPartials(t *testing.T) {
	provider := classifierAnswering("EMERGENCY")
	m := NewMonitor(provider, MonitorEvents{})
	m.Link(newRecorder())

	partial := frames.NewTranscription(types.Transcript{Text: "I'm hav", IsFinal: false})
	m.HandleFrame(context.Background(), partial, frames.Downstream)
	m.Wait()

	if len(provider.CompleteCalls) != 0 {
		t.Error("partial transcriptions must not be classified")
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		answer string
		want   Classification
	}{
		{"EMERGENCY", ClassEmergency},
		{"The verdict is: emergency.", ClassEmergency},
		{"STAFF_REQUEST", ClassStaffRequest},
		{"staff request", ClassStaffRequest},
		{"OK", ClassOK},
		{"", ClassOK},
		{"nonsense", ClassOK},
	}
	for _, tc := range tests {
		if got := ParseClassification(tc.answer); got != tc.want {
			t.Errorf("ParseClassification(%q) = %v, want %v", tc.answer, got, tc.want)
		}
	}
}
