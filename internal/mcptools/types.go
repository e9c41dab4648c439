// Package mcptools connects the flow engine to external tool servers speaking
// the Model Context Protocol. Flow nodes declare function schemas; when a node
// lists an MCP-backed tool, the host routes the LLM's tool call to the server
// that registered it and returns the text result for the follow-up turn.
package mcptools

import "context"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to register with a [Host].
type ServerConfig struct {
	// Name uniquely identifies the server within the host.
	Name string `yaml:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the executable plus arguments for stdio servers,
	// e.g. "/usr/local/bin/ehr-mcp --readonly".
	Command string `yaml:"command,omitempty"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env,omitempty"`

	// URL is the endpoint address for streamable-http servers.
	URL string `yaml:"url,omitempty"`
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	// Content is the concatenated text output of the tool.
	Content string

	// IsError marks an application-level failure reported by the tool itself.
	// The content then describes the failure and is still fed back to the LLM.
	IsError bool
}

// Executor executes named tools with JSON-encoded arguments. The flow engine
// depends on this interface so tests can substitute an in-memory double.
type Executor interface {
	// ExecuteTool calls the named tool. args must be a JSON object string;
	// "{}" is valid for parameter-less tools. A Go error is returned only on
	// transport or protocol failure; application-level failures surface via
	// [ToolResult.IsError].
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// HasTool reports whether a tool with the given name is registered.
	HasTool(name string) bool
}
