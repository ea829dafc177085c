package extensions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/orbit/internal/mcp"
	"github.com/haasonsaas/orbit/pkg/models"
)

// MCPClient adapts an internal/mcp.Client to the Client interface, so an
// MCP server can be registered under an extension key and routed through
// the "{key}__{tool}" prefix the same as any other variant.
type MCPClient struct {
	inner *mcp.Client
}

// NewMCPClient wraps an already-connected mcp.Client.
func NewMCPClient(inner *mcp.Client) *MCPClient {
	return &MCPClient{inner: inner}
}

func (c *MCPClient) Tools(ctx context.Context) ([]ToolDef, error) {
	tools := c.inner.Tools()
	out := make([]ToolDef, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDef{Name: t.Name, Description: t.Description, InputSchema: []byte(t.InputSchema)})
	}
	return out, nil
}

func (c *MCPClient) Call(ctx context.Context, tool string, arguments []byte) (CallResult, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return CallResult{}, fmt.Errorf("decode arguments for %q: %w", tool, err)
		}
	}

	result, err := c.inner.CallTool(ctx, tool, args)
	if err != nil {
		return CallResult{}, err
	}

	content := make([]models.ToolResultContent, 0, len(result.Content))
	for _, c := range result.Content {
		content = append(content, models.ToolResultContent{
			Type:     c.Type,
			Text:     c.Text,
			Data:     c.Data,
			MimeType: c.MimeType,
		})
	}
	return CallResult{Content: content, IsError: result.IsError}, nil
}

func (c *MCPClient) ReadResource(ctx context.Context, uri string) ([]byte, string, bool, error) {
	contents, err := c.inner.ReadResource(ctx, uri)
	if err != nil {
		return nil, "", false, err
	}
	if len(contents) == 0 {
		return nil, "", false, fmt.Errorf("resource %q returned no content", uri)
	}
	first := contents[0]
	if first.Text != "" {
		return []byte(first.Text), first.MimeType, true, nil
	}
	return []byte(first.Blob), first.MimeType, false, nil
}

func (c *MCPClient) Close() error {
	return c.inner.Close()
}
