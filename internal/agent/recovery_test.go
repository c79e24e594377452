package agent

import (
	"encoding/json"
	"testing"

	"github.com/coreagent/enginecore/pkg/models"
)

func TestPlanProviderErrorTransientAppendsGuidance(t *testing.T) {
	p := NewPlanner(models.ModelConfig{})
	actions := p.Plan(models.CheckpointState{}, models.FailureProviderError, "request failed: rate limit exceeded")
	if len(actions) != 1 || actions[0].Operation != models.RecoveryAppend {
		t.Fatalf("actions = %+v, want single append", actions)
	}
}

func TestPlanProviderErrorPersistentPrefersChangeModel(t *testing.T) {
	p := NewPlanner(models.ModelConfig{Provider: "openai", Model: "gpt-4o"})
	actions := p.Plan(models.CheckpointState{}, models.FailureProviderError, "401 unauthorized")
	if len(actions) == 0 || actions[0].Operation != models.RecoveryChangeModel {
		t.Fatalf("actions = %+v, want change_model first", actions)
	}
}

func TestPlanToolFailuresRemovesOffendingCalls(t *testing.T) {
	p := NewPlanner(models.ModelConfig{})
	state := models.CheckpointState{Messages: []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "run_shell"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "execution_failed"},
	}}
	actions := p.Plan(state, models.FailureToolFailures, "3 consecutive tool failures")
	if len(actions) == 0 || actions[0].Operation != models.RecoveryRemoveTools {
		t.Fatalf("actions = %+v, want remove_tools first", actions)
	}
	if len(actions[0].ToolCallIDsToRemove) != 1 || actions[0].ToolCallIDsToRemove[0] != "c1" {
		t.Errorf("ids = %v", actions[0].ToolCallIDsToRemove)
	}
}

func TestApplyRecoveryTruncateInsertsCancelledOrphan(t *testing.T) {
	state := models.CheckpointState{Messages: []models.Message{
		{Role: models.RoleUser, Content: "do it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "run_shell", Arguments: json.RawMessage(`{}`)}}},
	}}
	action := models.RecoveryAction{Operation: models.RecoveryTruncate, MessageIndex: 2}
	next := ApplyRecoveryAction(state, action)

	if len(next.Messages) != 3 {
		t.Fatalf("messages = %+v, want 3 (user, assistant, synthetic cancelled tool result)", next.Messages)
	}
	last := next.Messages[2]
	if last.Role != models.RoleTool || last.ToolCallID != "c1" {
		t.Errorf("last message = %+v, want synthetic cancelled tool result for c1", last)
	}
}

func TestApplyRecoveryRemoveToolsScrubsPairs(t *testing.T) {
	state := models.CheckpointState{Messages: []models.Message{
		{Role: models.RoleUser, Content: "do it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "run_shell"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "boom"},
	}}
	action := models.RecoveryAction{Operation: models.RecoveryRemoveTools, ToolCallIDsToRemove: []string{"c1"}}
	next := ApplyRecoveryAction(state, action)

	if len(next.Messages) != 1 {
		t.Fatalf("messages = %+v, want only the user message to remain", next.Messages)
	}
}

func TestApplyRecoveryAppendAddsGuidanceMessage(t *testing.T) {
	state := models.CheckpointState{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
	msg := &models.Message{Role: models.RoleSystem, Content: "watch out"}
	action := models.RecoveryAction{Operation: models.RecoveryAppend, NewMessage: msg}
	next := ApplyRecoveryAction(state, action)

	if len(next.Messages) != 2 || next.Messages[1].Content != "watch out" {
		t.Fatalf("messages = %+v", next.Messages)
	}
}
