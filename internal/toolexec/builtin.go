package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// BuiltinTool is a tool implemented as an in-process Go function. It is
// otherwise treated like a tool on an MCP server: same registry, same
// latency window, same error handling.
type BuiltinTool struct {
	Definition Definition

	// Handler receives the arguments object as JSON ("{}" when the model sent
	// none). A returned error marks the call as failed.
	Handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// RegisterBuiltin registers tool, replacing any tool with the same name.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return errors.New("toolexec: builtin tool must have a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolexec: builtin tool %q has no handler", tool.Definition.Name)
	}
	def := tool.Definition
	def.Server = builtinServer
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.tools[def.Name]; ok && prev.def.Server != builtinServer {
		slog.Warn("toolexec: builtin shadows server tool", "tool", def.Name, "server", prev.def.Server)
	}
	h.tools[def.Name] = &toolEntry{
		def:     def,
		window:  newRollingWindow(defaultWindowSize),
		handler: tool.Handler,
	}
	return nil
}
