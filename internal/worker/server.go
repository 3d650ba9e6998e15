// Package worker runs one tool group as an MCP server.
//
// A worker hosts a [dispatch.Server] and advertises each registered tool as
// an MCP tool. MCP arguments are the invocation envelope minus the tool name:
//
//	{"tenant_id": "6f1d7c1e-...", "input": {"lot_size_sqft": 3000}}
//
// Every call answers with a single text content holding the JSON-encoded
// [dispatch.Response]. Structured tool errors also set IsError, so generic
// MCP clients see the failure; transport problems surface as protocol errors.
//
// The supervisor side of the protocol lives in [Client].
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/tool"
)

// Arguments is the MCP argument object of every worker tool.
type Arguments struct {
	TenantID uuid.UUID       `json:"tenant_id"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// metaTags is the _meta key carrying a tool's discovery tags.
const metaTags = "greenline/tags"

// Worker serves one tool group.
type Worker struct {
	group      string
	dispatcher *dispatch.Server
	server     *mcp.Server
}

// New builds the named group and wraps it in an MCP server.
func New(group, version string, deps Deps, opts ...dispatch.Option) (*Worker, error) {
	tools, err := BuildGroup(group, deps)
	if err != nil {
		return nil, err
	}
	d := dispatch.NewServer(opts...)
	if err := d.Register(tools...); err != nil {
		return nil, fmt.Errorf("worker: group %q: %w", group, err)
	}
	return NewFromDispatcher(group, version, d), nil
}

// NewFromDispatcher exposes an existing dispatcher. Tools registered on d
// after this call are not advertised.
func NewFromDispatcher(group, version string, d *dispatch.Server) *Worker {
	server := mcp.NewServer(&mcp.Implementation{Name: "greenline-" + group, Version: version}, nil)
	for _, desc := range d.DescribeAll() {
		server.AddTool(&mcp.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: envelopeSchema(desc.InputSchema),
			Meta:        mcp.Meta{metaTags: desc.Tags},
		}, callHandler(d, desc.Name))
	}
	return &Worker{group: group, dispatcher: d, server: server}
}

// Group returns the group name.
func (w *Worker) Group() string { return w.group }

// Dispatcher returns the worker's dispatch server.
func (w *Worker) Dispatcher() *dispatch.Server { return w.dispatcher }

// Run serves MCP on t until ctx is cancelled or the peer disconnects, then
// drains in-flight invocations.
func (w *Worker) Run(ctx context.Context, t mcp.Transport) error {
	slog.Info("worker started", "group", w.group, "tools", w.dispatcher.Names())

	err := w.server.Run(ctx, t)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := w.dispatcher.Shutdown(drainCtx); serr != nil {
		slog.Warn("worker shutdown incomplete", "group", w.group, "err", serr)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: group %q: %w", w.group, err)
	}
	return nil
}

// Connect serves a single session on t without blocking. Used by
// in-process setups and tests.
func (w *Worker) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return w.server.Connect(ctx, t, nil)
}

func callHandler(d *dispatch.Server, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var resp dispatch.Response

		var args Arguments
		if raw := req.Params.Arguments; len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				var fe tool.FieldErrors
				fe.Add("arguments", "must be an object with tenant_id and input")
				resp = dispatch.Failure(tool.Validation(fe))
			}
		}
		if resp.Error == nil {
			resp = d.Dispatch(ctx, dispatch.Request{Tool: name, TenantID: args.TenantID, Input: args.Input})
		}
		return encodeResponse(resp)
	}
}

func encodeResponse(resp dispatch.Response) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("worker: encode response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: !resp.OK(),
	}, nil
}

// envelopeSchema wraps a tool's published input schema in the argument
// object expected over MCP.
func envelopeSchema(input map[string]any) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tenant_id": map[string]any{"type": "string", "format": "uuid"},
			"input":     maps.Clone(input),
		},
		"required": []string{"tenant_id"},
	}
}
