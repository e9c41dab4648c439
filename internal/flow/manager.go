package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/vocata/internal/config"
	"github.com/MrWong99/vocata/internal/llmctx"
	"github.com/MrWong99/vocata/internal/mcptools"
	"github.com/MrWong99/vocata/internal/observe"
	"github.com/MrWong99/vocata/internal/store"
	"github.com/MrWong99/vocata/pkg/frames"
	"github.com/MrWong99/vocata/pkg/provider/llm"
	"github.com/MrWong99/vocata/pkg/telephony"
	"github.com/MrWong99/vocata/pkg/types"
)

// summaryMaxTokens caps the history summary generated for
// [StrategyResetWithSummary].
const summaryMaxTokens = 300

// FramePusher injects frames at the pipeline source. *pipeline.Task satisfies
// it; tests substitute a recorder.
type FramePusher interface {
	Queue(f frames.Frame) error
}

// ToolRegistrar receives the manager's tool dispatcher.
// *llmctx.LLMProcessor satisfies it.
type ToolRegistrar interface {
	SetToolHandler(h llmctx.ToolHandler)
}

// TransferDestination names a cold-transfer endpoint class.
type TransferDestination string

// Transfer destinations, resolved against [config.ColdTransferConfig].
const (
	TransferStaff   TransferDestination = "staff"
	TransferBilling TransferDestination = "billing"
	TransferMedical TransferDestination = "medical"
)

// ManagerConfig wires a [Manager] into one call session.
type ManagerConfig struct {
	// Pusher injects speech, context updates, and termination frames at the
	// pipeline source. Required.
	Pusher FramePusher

	// Context is the LLM-visible conversation state shared with the
	// aggregators. Required.
	Context *llmctx.Context

	// Registrar receives the manager as tool handler. Optional in tests.
	Registrar ToolRegistrar

	// Summarizer generates history summaries for StrategyResetWithSummary.
	// Optional; nil degrades the strategy to StrategyReset.
	Summarizer llm.Provider

	// Transport performs SIP transfers. Optional; transfers fail without it.
	Transport telephony.Transport

	// Patients is the patient record store used by verification and booking
	// handlers. Optional.
	Patients store.PatientStore

	// MCP executes tools no node function claims. Optional.
	MCP mcptools.Executor

	// Transfer lists the configured cold-transfer endpoints.
	Transfer config.ColdTransferConfig

	// OrganizationID scopes patient lookups.
	OrganizationID string

	Metrics *observe.Metrics
	Events  Events
}

// Manager runs a [Flow] against the session pipeline. It owns the flow state,
// tracks the active node, dispatches tool calls to node handlers, and
// performs transitions. Safe for concurrent use; in practice calls arrive
// serialized from the LLM processor's run goroutine.
type Manager struct {
	cfg   ManagerConfig
	state *State

	mu      sync.Mutex
	flow    Flow
	current *NodeConfig
}

// NewManager creates a Manager and registers it as the tool dispatcher.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{cfg: cfg, state: NewState()}
	if cfg.Registrar != nil {
		cfg.Registrar.SetToolHandler(m.HandleToolCall)
	}
	return m
}

// State returns the shared flow state.
func (m *Manager) State() *State { return m.state }

// Patients returns the patient store, which may be nil.
func (m *Manager) Patients() store.PatientStore { return m.cfg.Patients }

// OrganizationID returns the organization scope of this call.
func (m *Manager) OrganizationID() string { return m.cfg.OrganizationID }

// Flow returns the active flow.
func (m *Manager) Flow() Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flow
}

// SetFlow installs the workflow and its persona as the system prompt. A
// handoff constructs the target flow with this same manager and calls SetFlow
// again; the state map carries identity and context across.
func (m *Manager) SetFlow(f Flow) {
	m.mu.Lock()
	m.flow = f
	m.mu.Unlock()
	m.cfg.Context.SetSystemPrompt(f.GlobalInstructions())
}

// CurrentNode returns the active node's name, or "" before initialization.
func (m *Manager) CurrentNode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Name
}

// Initialize enters node as the flow's starting point. The node's messages
// travel through the pipeline as a context update so the aggregators observe
// them in frame order; RespondImmediately triggers the first LLM response.
func (m *Manager) Initialize(ctx context.Context, node *NodeConfig) error {
	return m.enterNode(ctx, node, true)
}

// Say enqueues text for immediate speech synthesis.
func (m *Manager) Say(text string) error {
	if err := m.cfg.Pusher.Queue(frames.NewTTSSpeak(text)); err != nil {
		return fmt.Errorf("flow: queue speech: %w", err)
	}
	return nil
}

// EndConversation queues the terminating frame behind any pending speech and
// flips the call-ended latch.
func (m *Manager) EndConversation(ctx context.Context) error {
	m.state.EndCall()
	if err := m.cfg.Pusher.Queue(frames.NewEnd()); err != nil {
		return fmt.Errorf("flow: queue end: %w", err)
	}
	observe.Logger(ctx).Info("flow: conversation ended", "node", m.CurrentNode())
	if m.cfg.Events.OnConversationEnd != nil {
		m.cfg.Events.OnConversationEnd()
	}
	return nil
}

// Transfer hands the live call to the configured endpoint for dest. The
// destination is recorded in state under [KeyRoutedTo].
func (m *Manager) Transfer(ctx context.Context, dest TransferDestination, reason string) error {
	endpoint := m.transferEndpoint(dest)
	if endpoint == "" {
		return fmt.Errorf("flow: no %s transfer endpoint configured", dest)
	}
	if m.cfg.Transport == nil {
		return fmt.Errorf("flow: no transport available for transfer")
	}

	observe.Logger(ctx).Info("flow: initiating transfer", "destination", string(dest), "reason", reason)
	if err := m.cfg.Transport.SIPCallTransfer(ctx, telephony.TransferTarget{ToEndPoint: endpoint}); err != nil {
		return fmt.Errorf("flow: transfer to %s: %w", dest, err)
	}

	m.state.Set(KeyRoutedTo, string(dest))
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Transfers.Add(ctx, 1,
			metric.WithAttributes(attribute.String("destination", string(dest))))
	}
	if m.cfg.Events.OnTransferInitiated != nil {
		m.cfg.Events.OnTransferInitiated(string(dest), reason)
	}
	return nil
}

func (m *Manager) transferEndpoint(dest TransferDestination) string {
	switch dest {
	case TransferStaff:
		return m.cfg.Transfer.StaffNumber
	case TransferBilling:
		return m.cfg.Transfer.BillingNumber
	case TransferMedical:
		return m.cfg.Transfer.MedicalNumber
	default:
		return ""
	}
}

// HandleToolCall dispatches one LLM tool call to the active node's handler,
// falling back to the MCP executor for tools no node function claims. It is
// registered on the LLM processor as [llmctx.ToolHandler].
func (m *Manager) HandleToolCall(ctx context.Context, call types.ToolCall) (string, error) {
	m.mu.Lock()
	node := m.current
	m.mu.Unlock()

	var fn *FunctionSchema
	nodeName := ""
	if node != nil {
		nodeName = node.Name
		for i := range node.Functions {
			if node.Functions[i].Name == call.Name {
				fn = &node.Functions[i]
				break
			}
		}
	}

	if fn == nil {
		if m.cfg.MCP != nil && m.cfg.MCP.HasTool(call.Name) {
			return m.executeMCP(ctx, call)
		}
		return "", fmt.Errorf("flow: unknown tool %q in node %q", call.Name, nodeName)
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return "", fmt.Errorf("flow: tool %q arguments: %w", call.Name, err)
	}

	res, err := fn.Handler(ctx, m, args)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "ok", nil
	}

	if res.Next != nil {
		if res.Next.Name == nodeName {
			observe.Logger(ctx).Debug("flow: transition to current node ignored", "node", nodeName)
		} else {
			if res.Message != "" && !res.Next.SuppressResultSpeech {
				if err := m.Say(res.Message); err != nil {
					return "", err
				}
			}
			if err := m.enterNode(ctx, res.Next, false); err != nil {
				return "", err
			}
		}
	}

	if res.Message == "" {
		return "ok", nil
	}
	return res.Message, nil
}

func (m *Manager) executeMCP(ctx context.Context, call types.ToolCall) (string, error) {
	args := strings.TrimSpace(call.Arguments)
	if args == "" {
		args = "{}"
	}
	res, err := m.cfg.MCP.ExecuteTool(ctx, call.Name, args)
	if err != nil {
		return "", fmt.Errorf("flow: mcp tool %q: %w", call.Name, err)
	}
	return res.Content, nil
}

// enterNode installs node as the active conversational state. viaPipeline
// selects how the context change is applied: a flow-level entry travels as a
// context-update frame so the aggregators see it in order; a transition made
// inside a tool call mutates the context directly, because the LLM run loop
// re-reads the context for its next round.
func (m *Manager) enterNode(ctx context.Context, node *NodeConfig, viaPipeline bool) error {
	log := observe.Logger(ctx)

	m.mu.Lock()
	m.current = node
	m.mu.Unlock()

	defs := make([]types.ToolDefinition, 0, len(node.Functions))
	for _, fn := range node.Functions {
		defs = append(defs, fn.Definition())
	}
	m.cfg.Context.SetTools(defs)

	msgs, replace := m.strategyMessages(ctx, node)

	for _, a := range node.PreActions {
		if err := m.runAction(ctx, a); err != nil {
			log.Warn("flow: pre-action failed", "node", node.Name, "err", err)
		}
	}

	if viaPipeline {
		upd := frames.NewLLMContextUpdate(msgs, replace)
		upd.RunLLM = node.RespondImmediately
		if err := m.cfg.Pusher.Queue(upd); err != nil {
			return fmt.Errorf("flow: queue context update for node %q: %w", node.Name, err)
		}
	} else if replace {
		m.cfg.Context.Replace(msgs)
	} else {
		m.cfg.Context.Append(msgs...)
	}

	for _, a := range node.PostActions {
		if err := m.runAction(ctx, a); err != nil {
			log.Warn("flow: post-action failed", "node", node.Name, "err", err)
		}
	}

	log.Info("flow: entered node", "node", node.Name, "strategy", node.Strategy.String(),
		"functions", len(node.Functions))
	if m.cfg.Events.OnNodeEntered != nil {
		m.cfg.Events.OnNodeEntered(node.Name)
	}
	return nil
}

// strategyMessages resolves the node's context strategy into the message list
// to apply and whether it replaces the history.
func (m *Manager) strategyMessages(ctx context.Context, node *NodeConfig) (msgs []types.Message, replace bool) {
	base := make([]types.Message, 0, len(node.RoleMessages)+len(node.TaskMessages)+1)
	base = append(base, node.RoleMessages...)
	base = append(base, node.TaskMessages...)

	switch node.Strategy {
	case StrategyAppend:
		return base, false
	case StrategyResetWithSummary:
		summary, err := m.summarize(ctx)
		if err != nil {
			observe.Logger(ctx).Warn("flow: history summary failed, resetting without it",
				"node", node.Name, "err", err)
			return base, true
		}
		msgs = append(msgs, types.Message{Role: "system", Content: "Conversation so far: " + summary})
		return append(msgs, base...), true
	default:
		return base, true
	}
}

// summarize asks the summarizer for a compact account of the history so far.
func (m *Manager) summarize(ctx context.Context) (string, error) {
	if m.cfg.Summarizer == nil {
		return "", fmt.Errorf("flow: no summarizer configured")
	}

	var b strings.Builder
	for _, msg := range m.cfg.Context.Messages() {
		if msg.Content == "" {
			continue
		}
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("flow: nothing to summarize")
	}

	resp, err := m.cfg.Summarizer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Summarize this phone conversation in a few sentences. Keep every concrete fact: names, dates, phone numbers, appointment details.",
		Messages:     []types.Message{{Role: "user", Content: b.String()}},
		Temperature:  0,
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("flow: summarize history: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// runAction executes one pre- or post-action.
func (m *Manager) runAction(ctx context.Context, a Action) error {
	if a.Say != "" {
		if err := m.Say(a.Say); err != nil {
			return err
		}
	}
	if a.Run != nil {
		if err := a.Run(ctx, m); err != nil {
			return err
		}
	}
	if a.EndConversation {
		if err := m.EndConversation(ctx); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs parses the model-supplied JSON arguments object.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// StringArg returns the string under key in a decoded arguments map.
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
