package flow

import (
	"context"

	"github.com/MrWong99/vocata/pkg/types"
)

// ContextStrategy controls what happens to the conversation history when a
// node is entered.
type ContextStrategy int

const (
	// StrategyAppend keeps prior messages and appends the node's own.
	StrategyAppend ContextStrategy = iota

	// StrategyReset replaces the whole history with the node's messages.
	StrategyReset

	// StrategyResetWithSummary replaces the history with an LLM-generated
	// summary of the conversation so far, followed by the node's messages.
	// Degrades to StrategyReset when no summarizer is configured or the
	// summary call fails.
	StrategyResetWithSummary
)

// String implements fmt.Stringer.
func (s ContextStrategy) String() string {
	switch s {
	case StrategyAppend:
		return "append"
	case StrategyReset:
		return "reset"
	case StrategyResetWithSummary:
		return "reset_with_summary"
	default:
		return "unknown"
	}
}

// Action is one step executed on node entry (pre-actions, before the LLM
// runs) or after it (post-actions). Fields execute in declaration order;
// unset fields are skipped.
type Action struct {
	// Say enqueues the text for immediate speech synthesis.
	Say string

	// Run invokes a bound handler synchronously.
	Run func(ctx context.Context, m *Manager) error

	// EndConversation queues the terminating frame, draining the pipeline
	// behind whatever speech is already queued.
	EndConversation bool
}

// Result is what a node function handler returns. A nil Result means stay in
// place with nothing to report (the already-ended path of cleanup handlers).
type Result struct {
	// Message is fed back to the LLM as the tool result. On a transition it
	// is also spoken, unless the target node sets SuppressResultSpeech.
	Message string

	// Next is the node to transition to. Nil means remain in the current
	// node; a Next naming the current node is treated as a stay-in-place.
	Next *NodeConfig
}

// HandlerFunc executes one node function. args is the decoded JSON object the
// model supplied.
type HandlerFunc func(ctx context.Context, m *Manager, args map[string]any) (*Result, error)

// FunctionSchema binds a tool definition offered to the LLM to the handler
// that executes it.
type FunctionSchema struct {
	// Name is the tool name the model calls.
	Name string

	// Description tells the model when to call the tool.
	Description string

	// Parameters is the JSON Schema of the arguments object.
	Parameters map[string]any

	// Handler executes the call.
	Handler HandlerFunc
}

// Definition returns the tool definition offered to the LLM.
func (f FunctionSchema) Definition() types.ToolDefinition {
	params := f.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return types.ToolDefinition{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  params,
	}
}

// NodeConfig describes one conversational state: its prompts, the functions
// the model may call while in it, and the actions around its response.
type NodeConfig struct {
	// Name identifies the node. Transitions to a node with the current name
	// are treated as stay-in-place.
	Name string

	// RoleMessages set the node-specific persona, layered over the flow's
	// global instructions.
	RoleMessages []types.Message

	// TaskMessages describe what the node must accomplish.
	TaskMessages []types.Message

	// Functions are the tools offered to the LLM while this node is active.
	Functions []FunctionSchema

	// PreActions run on entry, before the LLM responds.
	PreActions []Action

	// PostActions run after the entry response has been triggered.
	PostActions []Action

	// RespondImmediately triggers an LLM response on entry instead of
	// waiting for the next user utterance.
	RespondImmediately bool

	// Strategy controls the conversation history on entry.
	Strategy ContextStrategy

	// SuppressResultSpeech stops the transition's handler message from being
	// spoken when this node is entered.
	SuppressResultSpeech bool
}

// StringParam is a convenience for building a JSON Schema object with string
// properties. required lists the mandatory property names.
func StringParam(required []string, props map[string]string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
