package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
)

// ErrMalformedResponse is returned when a worker answers with something other
// than a response envelope.
var ErrMalformedResponse = errors.New("worker returned a malformed response")

// Client is an MCP client session to one worker.
type Client struct {
	session *mcp.ClientSession
}

// Dial connects to a worker over t.
func Dial(ctx context.Context, t mcp.Transport, version string) (*Client, error) {
	c := mcp.NewClient(&mcp.Implementation{Name: "greenline-supervisor", Version: version}, nil)
	session, err := c.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("worker client: connect: %w", err)
	}
	return &Client{session: session}, nil
}

// Tools lists the tools the worker advertises.
func (c *Client) Tools(ctx context.Context) ([]tool.Descriptor, error) {
	var out []tool.Descriptor
	for t, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("worker client: list tools: %w", err)
		}
		out = append(out, descriptorFromMCP(t))
	}
	return out, nil
}

// Call invokes a tool. A non-nil error means the call did not complete at the
// protocol level; tool failures are returned inside the Response.
func (c *Client) Call(ctx context.Context, name string, tenantID tenant.ID, input json.RawMessage) (dispatch.Response, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: Arguments{TenantID: tenantID, Input: input},
	})
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("worker client: call %q: %w", name, err)
	}
	return decodeResponse(res)
}

// Wait blocks until the session ends.
func (c *Client) Wait() error { return c.session.Wait() }

// Close ends the session.
func (c *Client) Close() error { return c.session.Close() }

func decodeResponse(res *mcp.CallToolResult) (dispatch.Response, error) {
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	var resp dispatch.Response
	if err := json.Unmarshal([]byte(sb.String()), &resp); err != nil {
		return dispatch.Response{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Error == nil && resp.Result == nil {
		return dispatch.Response{}, ErrMalformedResponse
	}
	return resp, nil
}

func descriptorFromMCP(t *mcp.Tool) tool.Descriptor {
	d := tool.Descriptor{Name: t.Name, Description: t.Description}

	schema := toMap(t.InputSchema)
	if props, ok := schema["properties"].(map[string]any); ok {
		d.InputSchema, _ = props["input"].(map[string]any)
	}
	if d.InputSchema == nil {
		d.InputSchema = map[string]any{"type": "object"}
	}
	if tags, ok := t.Meta[metaTags].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				d.Tags = append(d.Tags, s)
			}
		}
	}
	return d
}

// toMap converts a schema decoded by the SDK into a plain map.
func toMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
