package spec

import (
	"context"
	"encoding/json"
)

// ToolProvider defines the interface for providing tools
type ToolProvider interface {
	// ListTools lists the available tools
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool calls a tool with the given raw arguments. A returned error is a
	// tool execution failure, reported to the client as an isError result.
	CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error)
}

// ResourceProvider defines the interface for providing resources
type ResourceProvider interface {
	// ListResources lists the available resources
	ListResources(ctx context.Context) ([]Resource, error)

	// ReadResource reads a resource's contents
	ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error)
}

// ErrResourceNotFound is returned by ReadResource for unknown URIs.
var ErrResourceNotFound = &McpError{Code: ErrCodeInvalidParams, Message: "resource not found"}
