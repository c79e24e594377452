package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/coreagent/enginecore/pkg/models"
)

// RemoteRequest is the envelope sent to a ToolServer for a single call,
// grounded on original_source/libs/mcp/server/src/remote_tools.rs's
// request/response pairing by id: a transport (out of scope per §1) can
// multiplex many concurrent calls over one connection by matching replies
// to requests on RequestID.
type RemoteRequest struct {
	RequestID string          `json:"request_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// RemoteResponse is the matching reply envelope. Exactly one of Content or
// Error is set.
type RemoteResponse struct {
	RequestID string            `json:"request_id"`
	Content   []models.ResultPart `json:"content,omitempty"`
	Error     *RemoteError      `json:"error,omitempty"`
}

// RemoteError mirrors models.ToolErrorKind over the wire.
type RemoteError struct {
	Kind   models.ToolErrorKind `json:"kind"`
	Detail string               `json:"detail"`
}

// ToolServer is the transport-level contract a RemoteTool proxies through.
// A concrete implementation (HTTP, a message queue, a subprocess pipe) is
// out of scope per §1; this interface is what the registry needs from one.
type ToolServer interface {
	Call(ctx context.Context, req RemoteRequest) (RemoteResponse, error)
}

// RemoteTool proxies a tool call to an upstream ToolServer, wrapping each
// invocation in a fresh request id.
type RemoteTool struct {
	name        string
	description string
	inputSchema map[string]any
	server      ToolServer
}

var _ Tool = (*RemoteTool)(nil)

func NewRemoteTool(name, description string, schema map[string]any, server ToolServer) *RemoteTool {
	return &RemoteTool{name: name, description: description, inputSchema: schema, server: server}
}

func (t *RemoteTool) Name() string               { return t.name }
func (t *RemoteTool) Description() string        { return t.description }
func (t *RemoteTool) InputSchema() map[string]any { return t.inputSchema }

func (t *RemoteTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	req := RemoteRequest{RequestID: uuid.NewString(), Name: t.name, Arguments: args}
	resp, err := t.server.Call(ctx, req)
	if err != nil {
		return models.ToolResult{}, fmt.Errorf("remote tool %s: %w", t.name, err)
	}
	if resp.RequestID != req.RequestID {
		return models.ToolResult{}, fmt.Errorf("remote tool %s: response request_id %q does not match request %q", t.name, resp.RequestID, req.RequestID)
	}
	if resp.Error != nil {
		return models.ToolResult{Content: []models.ResultPart{{Text: resp.Error.Detail}}, IsError: true, Kind: resp.Error.Kind}, nil
	}
	return models.ToolResult{Content: resp.Content}, nil
}
