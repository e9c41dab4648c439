package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/mcptools"
	"github.com/MrWong99/vocata/pkg/frames"
	telmock "github.com/MrWong99/vocata/pkg/telephony/mock"
	"github.com/MrWong99/vocata/pkg/types"
)

// framePusherStub records everything queued at the pipeline source.
type framePusherStub struct {
	mu     sync.Mutex
	queued []frames.Frame
}

func (p *framePusherStub) Queue(f frames.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, f)
	return nil
}

func (p *framePusherStub) frames() []frames.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frames.Frame(nil), p.queued...)
}

func (p *framePusherStub) spoken() []string {
	var out []string
	for _, f := range p.frames() {
		if speak, ok := f.(*frames.TTSSpeak); ok {
			out = append(out, speak.Text)
		}
	}
	return out
}

type mcpStub struct {
	tools map[string]string
	calls []string
}

func (m *mcpStub) ExecuteTool(_ context.Context, name, args string) (*mcptools.ToolResult, error) {
	m.calls = append(m.calls, name+" "+args)
	content, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("no such tool %q", name)
	}
	return &mcptools.ToolResult{Content: content}, nil
}

func (m *mcpStub) HasTool(name string) bool {
	_, ok := m.tools[name]
	return ok
}

func newTestManager(t *testing.T, mutate func(*ManagerConfig)) (*Manager, *framePusherStub) {
	t.Helper()
	pusher := &framePusherStub{}
	cfg := ManagerConfig{
		Pusher:  pusher,
		Context: llmctx.NewContext("persona"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg), pusher
}

func mustArgs(t *testing.T, v map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return string(raw)
}

func TestInitializeQueuesContextUpdateAndTools(t *testing.T) {
	m, pusher := newTestManager(t, nil)

	node := &NodeConfig{
		Name:               "greeting",
		Strategy:           StrategyReset,
		TaskMessages:       []types.Message{{Role: "system", Content: "greet"}},
		RespondImmediately: true,
		Functions: []FunctionSchema{
			{Name: "noop", Description: "does nothing"},
		},
	}
	if err := m.Initialize(context.Background(), node); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var upd *frames.LLMContextUpdate
	for _, f := range pusher.frames() {
		if u, ok := f.(*frames.LLMContextUpdate); ok {
			upd = u
		}
	}
	if upd == nil {
		t.Fatal("no context update queued")
	}
	if !upd.Replace || !upd.RunLLM || len(upd.Messages) != 1 {
		t.Errorf("update = %+v", upd)
	}

	tools := m.cfg.Context.Tools()
	if len(tools) != 1 || tools[0].Name != "noop" {
		t.Errorf("tools = %+v", tools)
	}
	if m.CurrentNode() != "greeting" {
		t.Errorf("current node = %q", m.CurrentNode())
	}
}

func TestInitializeWithoutRespondImmediatelyDoesNotTrigger(t *testing.T) {
	m, pusher := newTestManager(t, nil)

	node := &NodeConfig{Name: "waiting", Strategy: StrategyAppend}
	if err := m.Initialize(context.Background(), node); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for _, f := range pusher.frames() {
		if u, ok := f.(*frames.LLMContextUpdate); ok && u.RunLLM {
			t.Error("RunLLM must stay false when the node waits for the user")
		}
	}
}

func TestToolCallTransitions(t *testing.T) {
	m, pusher := newTestManager(t, nil)

	next := &NodeConfig{
		Name:         "scheduling",
		Strategy:     StrategyAppend,
		TaskMessages: []types.Message{{Role: "system", Content: "offer slots"}},
		Functions:    []FunctionSchema{{Name: "select_slot"}},
	}
	start := &NodeConfig{
		Name: "greeting",
		Functions: []FunctionSchema{{
			Name: "advance",
			Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
				return &Result{Message: "Moving on.", Next: next}, nil
			},
		}},
	}
	if err := m.Initialize(context.Background(), start); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := m.HandleToolCall(context.Background(), types.ToolCall{ID: "1", Name: "advance"})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if result != "Moving on." {
		t.Errorf("result = %q", result)
	}
	if m.CurrentNode() != "scheduling" {
		t.Errorf("current node = %q, want scheduling", m.CurrentNode())
	}

	// Transition message is spoken and the new node's tools are installed.
	if got := pusher.spoken(); len(got) != 1 || got[0] != "Moving on." {
		t.Errorf("spoken = %v", got)
	}
	tools := m.cfg.Context.Tools()
	if len(tools) != 1 || tools[0].Name != "select_slot" {
		t.Errorf("tools = %+v", tools)
	}

	// In-tool transitions mutate the context directly; the message list grew.
	if m.cfg.Context.Len() == 0 {
		t.Error("node messages not appended to context")
	}
}

func TestToolCallDuplicateTransitionStays(t *testing.T) {
	m, pusher := newTestManager(t, nil)

	var node *NodeConfig
	node = &NodeConfig{
		Name: "loop",
		Functions: []FunctionSchema{{
			Name: "again",
			Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
				return &Result{Message: "staying", Next: &NodeConfig{Name: "loop"}}, nil
			},
		}},
	}
	if err := m.Initialize(context.Background(), node); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := m.HandleToolCall(context.Background(), types.ToolCall{Name: "again"}); err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if m.CurrentNode() != "loop" {
		t.Errorf("current node = %q", m.CurrentNode())
	}
	if got := pusher.spoken(); len(got) != 0 {
		t.Errorf("stay-in-place must not speak the message: %v", got)
	}
}

func TestToolCallUnknownTool(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if err := m.Initialize(context.Background(), &NodeConfig{Name: "n"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := m.HandleToolCall(context.Background(), types.ToolCall{Name: "nope"}); err == nil {
		t.Fatal("unknown tool must error")
	}
}

func TestToolCallMCPFallback(t *testing.T) {
	exec := &mcpStub{tools: map[string]string{"check_eligibility": "eligible"}}
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.MCP = exec
	})
	if err := m.Initialize(context.Background(), &NodeConfig{Name: "n"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := m.HandleToolCall(context.Background(), types.ToolCall{
		Name:      "check_eligibility",
		Arguments: mustArgs(t, map[string]any{"member_id": "M1"}),
	})
	if err != nil {
		t.Fatalf("HandleToolCall: %v", err)
	}
	if result != "eligible" {
		t.Errorf("result = %q", result)
	}
	if len(exec.calls) != 1 || !strings.Contains(exec.calls[0], "member_id") {
		t.Errorf("mcp calls = %v", exec.calls)
	}
}

func TestToolCallBadArguments(t *testing.T) {
	m, _ := newTestManager(t, nil)
	node := &NodeConfig{
		Name: "n",
		Functions: []FunctionSchema{{
			Name: "fn",
			Handler: func(ctx context.Context, m *Manager, _ map[string]any) (*Result, error) {
				return nil, nil
			},
		}},
	}
	if err := m.Initialize(context.Background(), node); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := m.HandleToolCall(context.Background(), types.ToolCall{Name: "fn", Arguments: "{broken"}); err == nil {
		t.Fatal("malformed arguments must error")
	}
}

func TestEndConversationAction(t *testing.T) {
	ended := false
	m, pusher := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Events.OnConversationEnd = func() { ended = true }
	})

	node := &NodeConfig{
		Name:        "end",
		PreActions:  []Action{{Say: "Goodbye!"}},
		PostActions: []Action{{EndConversation: true}},
	}
	if err := m.Initialize(context.Background(), node); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	fs := pusher.frames()
	var sawSpeak, sawEnd bool
	for _, f := range fs {
		switch f.(type) {
		case *frames.TTSSpeak:
			sawSpeak = true
			if sawEnd {
				t.Error("speech must be queued before End")
			}
		case *frames.End:
			sawEnd = true
		}
	}
	if !sawSpeak || !sawEnd {
		t.Errorf("frames = %v", fs)
	}
	if !ended || !m.State().CallEnded() {
		t.Error("end latch and event not set")
	}
}

func TestTransfer(t *testing.T) {
	transport := telmock.New()
	var dest, reason string
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Transport = transport
		cfg.Transfer = config.ColdTransferConfig{StaffNumber: "sip:staff@clinic.example"}
		cfg.Events.OnTransferInitiated = func(d, r string) { dest, reason = d, r }
	})

	if err := m.Transfer(context.Background(), TransferStaff, "caller asked"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(transport.TransferCalls) != 1 || transport.TransferCalls[0].ToEndPoint != "sip:staff@clinic.example" {
		t.Errorf("transfer calls = %+v", transport.TransferCalls)
	}
	if dest != "staff" || reason != "caller asked" {
		t.Errorf("event = %q %q", dest, reason)
	}
	if m.State().String(KeyRoutedTo) != "staff" {
		t.Errorf("routed_to = %q", m.State().String(KeyRoutedTo))
	}
}

func TestTransferUnconfiguredEndpoint(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Transport = telmock.New()
	})
	if err := m.Transfer(context.Background(), TransferBilling, "x"); err == nil {
		t.Fatal("missing endpoint must error")
	}
}

func TestStateLatch(t *testing.T) {
	s := NewState()
	if !s.EndCall() {
		t.Fatal("first EndCall must flip the latch")
	}
	if s.EndCall() {
		t.Fatal("second EndCall must report already ended")
	}
	if !s.CallEnded() {
		t.Fatal("CallEnded must be true")
	}
}

func TestStateMissing(t *testing.T) {
	s := NewState()
	s.Set("a", "value")
	s.Set("b", "")

	missing := s.Missing("a", "b", "c")
	if len(missing) != 2 || missing[0] != "b" || missing[1] != "c" {
		t.Errorf("missing = %v", missing)
	}
}

func TestStateIncr(t *testing.T) {
	s := NewState()
	if got := s.Incr(KeyLookupAttempts); got != 1 {
		t.Errorf("first Incr = %d", got)
	}
	if got := s.Incr(KeyLookupAttempts); got != 2 {
		t.Errorf("second Incr = %d", got)
	}
	if s.Int(KeyLookupAttempts) != 2 {
		t.Errorf("Int = %d", s.Int(KeyLookupAttempts))
	}
}
