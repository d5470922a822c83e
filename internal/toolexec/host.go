// Package toolexec executes the tool calls a language model emits.
//
// A [Host] keeps a registry of tools from two origins: built-in Go functions
// registered with [Host.RegisterBuiltin], and tools discovered on external MCP
// servers (github.com/modelcontextprotocol/go-sdk) connected over stdio or
// streamable HTTP. Host implements [generate.ToolExecutor], so the generation
// engine reaches every tool through one narrow call.
//
// Typical usage:
//
//	h := toolexec.New(toolexec.WithCallTimeout(10 * time.Second))
//	defer h.Close()
//
//	for _, t := range builtin.Tools() {
//	    h.RegisterBuiltin(t)
//	}
//	err := h.ConnectAll(ctx, []toolexec.ServerConfig{{
//	    Name:      "home",
//	    Transport: toolexec.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-home",
//	}})
//
//	res, err := h.Execute(ctx, req)
package toolexec

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/murmur/internal/generate"
	"github.com/MrWong99/murmur/internal/observe"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and talks over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks the MCP streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	// Name must be unique within a Host.
	Name string `yaml:"name"`

	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env adds environment variables to a stdio server process.
	Env map[string]string `yaml:"env"`

	// Tools, when set, limits the imported tools to these names.
	Tools []string `yaml:"tools"`
}

// Validate reports every missing field.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			errs = append(errs, errors.New("stdio transport requires a command"))
		}
	case TransportStreamableHTTP:
		if c.URL == "" {
			errs = append(errs, errors.New("streamable-http transport requires a url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("toolexec: server %q: %w", c.Name, err)
	}
	return nil
}

// Definition is a tool as it is presented to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`

	// Server is the MCP server name, or "builtin".
	Server string `json:"server"`

	// EstimatedDurationMs is the declared median latency.
	EstimatedDurationMs int `json:"estimated_duration_ms,omitempty"`
}

// builtinServer is the pseudo server name of in-process tools.
const builtinServer = "builtin"

// defaultCallTimeout bounds one tool call when the caller sets no deadline.
const defaultCallTimeout = 30 * time.Second

type toolEntry struct {
	def     Definition
	window  *rollingWindow
	handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// Host routes tool calls to built-in handlers and MCP servers. It is safe for
// concurrent use. The zero value is not usable; create one with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]*toolEntry
	servers map[string]*mcpsdk.ClientSession

	client      *mcpsdk.Client
	callTimeout time.Duration
	metrics     *observe.Metrics
}

var _ generate.ToolExecutor = (*Host)(nil)

// Option configures a [Host].
type Option func(*Host)

// WithCallTimeout bounds every tool call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Host) { h.callTimeout = d }
}

// WithMetrics records tool errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New returns an empty host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:       make(map[string]*toolEntry),
		servers:     make(map[string]*mcpsdk.ClientSession),
		client:      mcpsdk.NewClient(&mcpsdk.Implementation{Name: "murmur-toolexec", Version: "1.0.0"}, nil),
		callTimeout: defaultCallTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ── servers ─────────────────────────────────────────────────────────────────

// RegisterServer connects to the server described by cfg and imports its
// tools. A server registered again under the same name replaces the old
// connection and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		// The subprocess outlives ctx, which only bounds the handshake.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}
	return h.Connect(ctx, cfg.Name, transport, cfg.Tools...)
}

// Connect imports the tools of an MCP server reached over transport. When
// only is non-empty, other tools of the server are ignored.
func (h *Host) Connect(ctx context.Context, name string, transport mcpsdk.Transport, only ...string) error {
	if name == "" || name == builtinServer {
		return fmt.Errorf("toolexec: invalid server name %q", name)
	}
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolexec: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolexec: list tools of server %q: %w", name, err)
		}
		if len(only) > 0 && !slices.Contains(only, tool.Name) {
			continue
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for n, t := range h.tools {
			if t.def.Server == name {
				delete(h.tools, n)
			}
		}
	}
	h.servers[name] = session
	for _, tool := range discovered {
		if prev, ok := h.tools[tool.Name]; ok {
			slog.Warn("toolexec: tool name shadowed", "tool", tool.Name, "server", name, "previous", prev.def.Server)
		}
		h.tools[tool.Name] = &toolEntry{
			def: Definition{
				Name:                tool.Name,
				Description:         tool.Description,
				Parameters:          schemaToMap(tool.InputSchema),
				Server:              name,
				EstimatedDurationMs: int(latencyHint(tool.Description)),
			},
			window: newRollingWindow(defaultWindowSize),
		}
	}
	slog.Info("toolexec: server connected", "server", name, "tools", len(discovered))
	return nil
}

// ConnectAll registers every server concurrently. All servers are attempted;
// the returned error joins every failure.
func (h *Host) ConnectAll(ctx context.Context, cfgs []ServerConfig) error {
	var g errgroup.Group
	errs := make([]error, len(cfgs))
	for i, cfg := range cfgs {
		g.Go(func() error {
			errs[i] = h.RegisterServer(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Servers returns the connected server names, sorted.
func (h *Host) Servers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.servers))
	for name := range h.servers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// ── execution ───────────────────────────────────────────────────────────────

// Tools returns every registered tool, fastest first by measured median
// latency (declared latency until a call was measured), then by name.
func (h *Host) Tools() []Definition {
	h.mu.RLock()
	entries := make([]*toolEntry, 0, len(h.tools))
	for _, e := range h.tools {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	slices.SortFunc(entries, func(a, b *toolEntry) int {
		return cmp.Or(cmp.Compare(a.effectiveP50(), b.effectiveP50()), cmp.Compare(a.def.Name, b.def.Name))
	})
	defs := make([]Definition, len(entries))
	for i, e := range entries {
		defs[i] = e.def
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (h *Host) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.tools))
	for name := range h.tools {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Execute implements [generate.ToolExecutor]. Unknown tools, handler errors,
// transport failures and results flagged as errors by the server all return
// a *generate.ToolCallError, which wraps fault.ErrToolCall.
func (h *Host) Execute(ctx context.Context, req generate.ToolCallRequest) (generate.ToolCallResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[req.Name]
	h.mu.RUnlock()
	if !ok {
		return generate.ToolCallResult{}, h.failure(ctx, req.Name, errors.New("tool not found"))
	}

	if h.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}

	start := time.Now()
	var out string
	var err error
	if entry.handler != nil {
		out, err = entry.handler(ctx, req.Arguments)
	} else {
		out, err = h.callServer(ctx, entry.def, req.Arguments)
	}
	entry.window.Record(time.Since(start).Milliseconds(), err != nil)
	if err != nil {
		return generate.ToolCallResult{}, h.failure(ctx, req.Name, err)
	}
	return generate.ToolCallResult{ID: req.ID, Name: req.Name, Success: true, Result: out}, nil
}

func (h *Host) failure(ctx context.Context, name string, err error) error {
	err = &generate.ToolCallError{Name: name, Err: err}
	h.metrics.RecordError(ctx, err)
	return err
}

// errToolReported marks results the server flagged with isError.
var errToolReported = errors.New("tool reported an error")

func (h *Host) callServer(ctx context.Context, def Definition, args json.RawMessage) (string, error) {
	h.mu.RLock()
	session, ok := h.servers[def.Server]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("server %q is not connected", def.Server)
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: def.Name, Arguments: argMap})
	if err != nil {
		return "", fmt.Errorf("server %q: %w", def.Server, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%w: %s", errToolReported, sb.String())
	}
	return sb.String(), nil
}

// Stats returns the measured performance of the named tool.
func (h *Host) Stats(name string) (ToolStats, bool) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return ToolStats{}, false
	}
	return ToolStats{
		Name:      name,
		P50Ms:     entry.window.P50(),
		P99Ms:     entry.window.P99(),
		Calls:     entry.window.Count(),
		ErrorRate: entry.window.ErrorRate(),
	}, true
}

// Close disconnects every server and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, s := range h.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolexec: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]*toolEntry)
	return errors.Join(errs...)
}

// ── helpers ─────────────────────────────────────────────────────────────────

// schemaToMap converts an SDK schema value to a plain map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// latencyHint reads estimated_duration_ms from a JSON object embedded in a
// tool description.
func latencyHint(desc string) int64 {
	start := strings.Index(desc, "{")
	end := strings.LastIndex(desc, "}")
	if start < 0 || end < start {
		return 0
	}
	var m struct {
		EstimatedMs float64 `json:"estimated_duration_ms"`
	}
	if err := json.Unmarshal([]byte(desc[start:end+1]), &m); err != nil {
		return 0
	}
	return int64(m.EstimatedMs)
}
