package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/codebox-ai/codebox/internal/errdefs"
	"github.com/codebox-ai/codebox/internal/logging"
	"github.com/codebox-ai/codebox/internal/types"
)

const mcpInitTimeout = 15 * time.Second

// MCPConfig describes one rpc-stdio tool server.
type MCPConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	Tags        []string          `yaml:"tags"`
}

// MCPAdapter exposes an MCP server's tools as callables of a single tool.
// The server process is launched once and spoken to over stdio with
// per-call correlation handled by the protocol client. A lock serializes
// requests over the single channel; a dead child is relaunched on the next
// call.
type MCPAdapter struct {
	cfg  MCPConfig
	log  *logging.Logger
	mu   sync.Mutex
	conn *mcpclient.Client
	tool types.Tool
}

// NewMCPAdapter launches the configured server and discovers its tools.
func NewMCPAdapter(ctx context.Context, cfg MCPConfig, log *logging.Logger) (*MCPAdapter, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return nil, errdefs.New(errdefs.KindSchemaError, "mcp tool requires name and command")
	}
	a := &MCPAdapter{cfg: cfg, log: log.Named("tools.mcp")}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MCPAdapter) connect(ctx context.Context) error {
	env := make([]string, 0, len(a.cfg.Env))
	for key, value := range a.cfg.Env {
		env = append(env, key+"="+value)
	}
	sort.Strings(env)

	conn, err := mcpclient.NewStdioMCPClient(a.cfg.Command, env, a.cfg.Args...)
	if err != nil {
		return errdefs.Wrap(errdefs.KindToolExecution, err, "launching mcp server %q", a.cfg.Name)
	}

	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	if err := conn.Start(initCtx); err != nil {
		conn.Close()
		return errdefs.Wrap(errdefs.KindToolExecution, err, "starting mcp server %q", a.cfg.Name)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codebox", Version: "1.0"}
	if _, err := conn.Initialize(initCtx, initReq); err != nil {
		conn.Close()
		return errdefs.Wrap(errdefs.KindToolExecution, err, "initializing mcp server %q", a.cfg.Name)
	}

	listed, err := conn.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		conn.Close()
		return errdefs.Wrap(errdefs.KindToolExecution, err, "listing tools of mcp server %q", a.cfg.Name)
	}

	callables := make([]types.ToolCallable, 0, len(listed.Tools))
	for _, remote := range listed.Tools {
		callables = append(callables, convertMCPTool(remote))
	}
	sort.Slice(callables, func(i, j int) bool { return callables[i].Name < callables[j].Name })
	if len(callables) == 0 {
		conn.Close()
		return errdefs.New(errdefs.KindSchemaError, "mcp server %q exposes no tools", a.cfg.Name)
	}

	a.conn = conn
	a.tool = types.Tool{
		Name:        a.cfg.Name,
		Description: a.cfg.Description,
		Tags:        a.cfg.Tags,
		Callables:   callables,
	}
	a.log.Info("mcp server connected",
		zap.String("tool", a.cfg.Name), zap.Int("callables", len(callables)))
	return nil
}

func convertMCPTool(remote mcp.Tool) types.ToolCallable {
	var params []types.ToolParameter
	required := make(map[string]bool, len(remote.InputSchema.Required))
	for _, name := range remote.InputSchema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(remote.InputSchema.Properties))
	for name := range remote.InputSchema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		param := types.ToolParameter{Name: name, Type: types.ParamString, Required: required[name]}
		if prop, ok := remote.InputSchema.Properties[name].(map[string]any); ok {
			if t, ok := prop["type"].(string); ok {
				param.Type = paramTypeOf(t)
			}
			if desc, ok := prop["description"].(string); ok {
				param.Description = desc
			}
		}
		params = append(params, param)
	}
	return types.ToolCallable{
		Name:        remote.Name,
		Description: remote.Description,
		Parameters:  params,
	}
}

// ListTools returns the single aggregated tool.
func (a *MCPAdapter) ListTools() []types.Tool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return []types.Tool{a.tool}
}

// Call invokes one of the server's tools. The recipe names the remote tool;
// there is no schema-level escape hatch for rpc-stdio servers.
func (a *MCPAdapter) Call(ctx context.Context, tool, recipe string, args map[string]any) (any, error) {
	if recipe == "" {
		return nil, errdefs.New(errdefs.KindInvalidRequest, "mcp tool %q requires a recipe name", tool)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.callLocked(ctx, recipe, args)
	if err != nil && isTransportErr(err) {
		// Child died; relaunch once and retry.
		a.log.Warn("mcp server unreachable, reconnecting", zap.String("tool", tool), zap.Error(err))
		if a.conn != nil {
			a.conn.Close()
			a.conn = nil
		}
		if connErr := a.connect(ctx); connErr != nil {
			return nil, connErr
		}
		result, err = a.callLocked(ctx, recipe, args)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *MCPAdapter) callLocked(ctx context.Context, recipe string, args map[string]any) (any, error) {
	if a.conn == nil {
		if err := a.connect(ctx); err != nil {
			return nil, err
		}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = recipe
	req.Params.Arguments = args

	result, err := a.conn.CallTool(ctx, req)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindToolExecution, err, "calling %s.%s", a.cfg.Name, recipe)
	}
	if result.IsError {
		return nil, errdefs.New(errdefs.KindToolExecution, "%s.%s: %s", a.cfg.Name, recipe, textContent(result.Content))
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	return textContent(result.Content), nil
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		default:
			parts = append(parts, fmt.Sprintf("%v", content))
		}
	}
	return strings.Join(parts, "\n")
}

func isTransportErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "process already finished") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset")
}

// Close shuts down the server process.
func (a *MCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
