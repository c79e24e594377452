package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/coreagent/enginecore/internal/agent/llm"
	"github.com/coreagent/enginecore/internal/agent/registry"
	"github.com/coreagent/enginecore/internal/agent/stream"
	"github.com/coreagent/enginecore/internal/sessions"
	"github.com/coreagent/enginecore/pkg/models"
)

// scriptedClient replays a fixed sequence of event batches, one batch per
// ChatCompletionStream call, letting tests drive the scheduler through
// multiple steps deterministically.
type scriptedClient struct {
	batches [][]stream.Event
	calls   int
}

func (c *scriptedClient) ChatCompletionStream(ctx context.Context, req llm.Request) (<-chan stream.Event, llm.StreamHandle, error) {
	idx := c.calls
	c.calls++
	if idx >= len(c.batches) {
		idx = len(c.batches) - 1
	}
	ch := make(chan stream.Event, len(c.batches[idx]))
	for _, ev := range c.batches[idx] {
		ch <- ev
	}
	close(ch)
	return ch, llm.StreamHandle("h"), nil
}

func (c *scriptedClient) CancelStream(llm.StreamHandle) {}
func (c *scriptedClient) Name() string                  { return "scripted" }

func textOnlyBatch(text string) []stream.Event {
	return []stream.Event{
		{Kind: stream.KindTextDelta, Text: text},
		{Kind: stream.KindFinish, FinishReason: "stop", Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}
}

func toolCallBatch(id, name, args string) []stream.Event {
	return []stream.Event{
		{Kind: stream.KindToolCallStart, ToolCallID: id, ToolCallName: name},
		{Kind: stream.KindToolCallDelta, ToolCallID: id, ArgumentsFragment: args},
		{Kind: stream.KindToolCallEnd, ToolCallID: id, ToolCallName: name},
		{Kind: stream.KindFinish, FinishReason: "tool_calls", Usage: &models.Usage{PromptTokens: 20, CompletionTokens: 8}},
	}
}

type echoEchoTool struct{}

func (echoEchoTool) Name() string                  { return "echo" }
func (echoEchoTool) Description() string           { return "echoes its input" }
func (echoEchoTool) InputSchema() map[string]any   { return nil }
func (echoEchoTool) Invoke(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	return models.TextResult("", "echoed"), nil
}

func newTestCheckpoint() models.Checkpoint {
	return models.Checkpoint{ID: "cp0", SessionID: "s1", State: models.CheckpointState{}}
}

func TestRunTurnCompletesWithoutToolCalls(t *testing.T) {
	client := &scriptedClient{batches: [][]stream.Event{textOnlyBatch("hello there")}}
	reg := registry.New()
	store := sessions.NewMemoryStore()
	sched := NewScheduler(client, reg, store, nil, DefaultSchedulerConfig())

	result := sched.RunTurn(context.Background(), "s1", newTestCheckpoint(), UserInput{Text: "hi"}, models.ApprovalPolicy{Mode: models.ApprovalModeAllowAll}, nil)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.FinalAssistantMessage.Content != "hello there" {
		t.Errorf("final message = %q, want %q", result.FinalAssistantMessage.Content, "hello there")
	}
	if result.UsageDelta.PromptTokens != 10 {
		t.Errorf("usage = %+v", result.UsageDelta)
	}
}

func TestRunTurnExecutesToolCallThenCompletes(t *testing.T) {
	client := &scriptedClient{batches: [][]stream.Event{
		toolCallBatch("call1", "echo", `{"x":1}`),
		textOnlyBatch("done"),
	}}
	reg := registry.New()
	_ = reg.Register(echoEchoTool{})
	store := sessions.NewMemoryStore()
	sched := NewScheduler(client, reg, store, nil, DefaultSchedulerConfig())

	result := sched.RunTurn(context.Background(), "s1", newTestCheckpoint(), UserInput{Text: "run echo"}, models.ApprovalPolicy{Mode: models.ApprovalModeAllowAll}, nil)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.FinalAssistantMessage.Content != "done" {
		t.Errorf("final message = %q, want %q", result.FinalAssistantMessage.Content, "done")
	}
	if client.calls != 2 {
		t.Errorf("client called %d times, want 2", client.calls)
	}
}

func TestRunTurnSuspendsOnRequireUserApproval(t *testing.T) {
	client := &scriptedClient{batches: [][]stream.Event{toolCallBatch("call1", "echo", `{}`)}}
	reg := registry.New()
	_ = reg.Register(echoEchoTool{})
	store := sessions.NewMemoryStore()
	sched := NewScheduler(client, reg, store, nil, DefaultSchedulerConfig())

	policy := models.ApprovalPolicy{Mode: models.ApprovalModeAllowlist, Allowlist: map[string]bool{}}
	result := sched.RunTurn(context.Background(), "s1", newTestCheckpoint(), UserInput{Text: "run echo"}, policy, nil)

	if !result.Suspended {
		t.Fatalf("expected suspended turn, got %+v", result)
	}
	if len(result.SuspendedToolCalls) != 1 || result.SuspendedToolCalls[0].Name != "echo" {
		t.Errorf("suspended calls = %+v", result.SuspendedToolCalls)
	}
}

func TestRunTurnDeniesToolUnderDenyAllPolicy(t *testing.T) {
	client := &scriptedClient{batches: [][]stream.Event{
		toolCallBatch("call1", "echo", `{}`),
		textOnlyBatch("acknowledged denial"),
	}}
	reg := registry.New()
	_ = reg.Register(echoEchoTool{})
	store := sessions.NewMemoryStore()
	sched := NewScheduler(client, reg, store, nil, DefaultSchedulerConfig())

	policy := models.ApprovalPolicy{Mode: models.ApprovalModeDenyAll}
	result := sched.RunTurn(context.Background(), "s1", newTestCheckpoint(), UserInput{Text: "run echo"}, policy, nil)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.FinalAssistantMessage.Content != "acknowledged denial" {
		t.Errorf("final message = %q", result.FinalAssistantMessage.Content)
	}
}

func TestModelOverrideAppliedThenDecremented(t *testing.T) {
	state := models.CheckpointState{Metadata: map[string]any{
		"model_override":                 models.ModelConfig{Provider: "anthropic", Model: "claude-fallback"},
		"model_override_turns_remaining": 1,
	}}
	if got := modelOverride(state); got != "claude-fallback" {
		t.Fatalf("modelOverride = %q, want claude-fallback", got)
	}
	next := decrementModelOverride(state)
	if _, ok := next.Metadata["model_override"]; ok {
		t.Errorf("expected model_override cleared once exhausted, got %+v", next.Metadata)
	}
	if modelOverride(next) != "" {
		t.Errorf("modelOverride after exhaustion = %q, want empty", modelOverride(next))
	}
}

func TestRunTurnMaxStepsReached(t *testing.T) {
	client := &scriptedClient{batches: [][]stream.Event{toolCallBatch("call1", "echo", `{}`)}}
	reg := registry.New()
	_ = reg.Register(echoEchoTool{})
	store := sessions.NewMemoryStore()
	cfg := DefaultSchedulerConfig()
	cfg.MaxSteps = 2
	sched := NewScheduler(client, reg, store, nil, cfg)

	result := sched.RunTurn(context.Background(), "s1", newTestCheckpoint(), UserInput{Text: "loop forever"}, models.ApprovalPolicy{Mode: models.ApprovalModeAllowAll}, nil)

	if result.Err == nil {
		t.Fatal("expected max_steps_reached error")
	}
}
