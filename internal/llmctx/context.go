// Package llmctx owns the LLM-visible conversation state of a call session
// and the pipeline processors that read and write it: the STT turn
// aggregator, the user/assistant context aggregators, the LLM processor, and
// the TTS processor.
//
// The [Context] is shared between the aggregators and the flow engine. Frame
// order on the pipeline guarantees a consistent view: user turns enter the
// context before the LLM runs, assistant turns enter it after the response
// has fully streamed.
package llmctx

import (
	"sync"

	"github.com/MrWong99/vocata/pkg/types"
)

// Context holds the message history, system prompt, and tool set offered to
// the active LLM. It is safe for concurrent use.
type Context struct {
	mu       sync.Mutex
	system   string
	tools    []types.ToolDefinition
	messages []types.Message
}

// NewContext creates a Context with the given system prompt.
func NewContext(systemPrompt string) *Context {
	return &Context{system: systemPrompt}
}

// SetSystemPrompt replaces the system prompt.
func (c *Context) SetSystemPrompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = s
}

// SystemPrompt returns the current system prompt.
func (c *Context) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// SetTools replaces the tool set offered to the LLM.
func (c *Context) SetTools(tools []types.ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = append([]types.ToolDefinition(nil), tools...)
}

// Tools returns a snapshot of the current tool set.
func (c *Context) Tools() []types.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ToolDefinition(nil), c.tools...)
}

// Append adds messages to the end of the history.
func (c *Context) Append(msgs ...types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Replace discards the history and installs msgs in its place. The system
// prompt and tool set are unaffected.
func (c *Context) Replace(msgs []types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]types.Message(nil), msgs...)
}

// Messages returns a snapshot of the history.
func (c *Context) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Message(nil), c.messages...)
}

// Len returns the number of messages in the history.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
