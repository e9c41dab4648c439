package flow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/vocata/internal/mcptools"
)

// MCPFunction wraps a tool hosted on an MCP server as a node function, so a
// node can offer external tools (eligibility checks, scheduling systems)
// alongside its own handlers. The tool result is fed back to the model; an
// application-level tool failure is reported the same way so the model can
// recover conversationally.
func MCPFunction(exec mcptools.Executor, name, description string, params map[string]any) FunctionSchema {
	return FunctionSchema{
		Name:        name,
		Description: description,
		Parameters:  params,
		Handler: func(ctx context.Context, _ *Manager, args map[string]any) (*Result, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("flow: encode mcp arguments for %q: %w", name, err)
			}
			res, err := exec.ExecuteTool(ctx, name, string(raw))
			if err != nil {
				return nil, fmt.Errorf("flow: mcp tool %q: %w", name, err)
			}
			return &Result{Message: res.Content}, nil
		},
	}
}
