package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coreagent/enginecore/pkg/models"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}
func (echoTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return models.ToolResult{}, err
	}
	return models.TextResult("", in.Text), nil
}

func TestRegisterAndInvoke(t *testing.T) {
	r := New()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}, time.Time{})
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("content = %+v", result.Content)
	}
	if result.ToolCallID != "c1" {
		t.Errorf("ToolCallID = %q, want c1", result.ToolCallID)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := New()
	result := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "missing"}, time.Time{})
	if !result.IsError || result.Kind != models.ToolErrorNotFound {
		t.Errorf("result = %+v, want not_found error", result)
	}
}

func TestInvokeSchemaViolation(t *testing.T) {
	r := New()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	result := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}, time.Time{})
	if !result.IsError || result.Kind != models.ToolErrorInvalidArgs {
		t.Errorf("result = %+v, want invalid_arguments error (missing required field)", result)
	}
}

func TestInvokeMalformedJSON(t *testing.T) {
	r := New()
	if err := r.Register(echoTool{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	result := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{not json`)}, time.Time{})
	if !result.IsError || result.Kind != models.ToolErrorInvalidArgs {
		t.Errorf("result = %+v, want invalid_arguments error", result)
	}
}

func TestInvokeDeadlineExceeded(t *testing.T) {
	r := New()
	slow := slowTool{}
	if err := r.Register(slow); err != nil {
		t.Fatalf("Register: %v", err)
	}
	result := r.Invoke(context.Background(), models.ToolCall{ID: "c1", Name: "slow"}, time.Now().Add(-time.Second))
	if !result.IsError || result.Kind != models.ToolErrorTimeout {
		t.Errorf("result = %+v, want timeout error", result)
	}
}

type slowTool struct{}

func (slowTool) Name() string                  { return "slow" }
func (slowTool) Description() string           { return "blocks until context is done" }
func (slowTool) InputSchema() map[string]any   { return nil }
func (slowTool) Invoke(ctx context.Context, _ json.RawMessage) (models.ToolResult, error) {
	<-ctx.Done()
	return models.ToolResult{}, ctx.Err()
}

func TestListReturnsAllTools(t *testing.T) {
	r := New()
	_ = r.Register(echoTool{})
	_ = r.Register(slowTool{})
	specs := r.List()
	if len(specs) != 2 {
		t.Fatalf("List() returned %d specs, want 2", len(specs))
	}
}

func TestUnregisterRemovesTool(t *testing.T) {
	r := New()
	_ = r.Register(echoTool{})
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Error("expected echo tool to be gone after Unregister")
	}
}
