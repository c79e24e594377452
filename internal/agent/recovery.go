package agent

import (
	"strings"

	"github.com/coreagent/enginecore/pkg/models"
)

// Planner is the Recovery Planner (§4.E): a pure function from
// (session_state, failure_reason) to a ranked list of RecoveryActions. The
// scheduler applies the top-ranked action autonomously; an interactive
// caller may instead present every candidate to the user.
//
// Grounded on the teacher's internal/agent/failover.go error
// classification (classifyProviderError), generalized from "which provider
// to fail over to" into "which transcript repair to apply" — this repo has
// no multi-provider failover concept, only the five state transforms §4.E
// names.
type Planner struct {
	fallbackModel models.ModelConfig
}

var _ RecoveryPlanner = (*Planner)(nil)

// NewPlanner builds a Planner that recommends fallbackModel for
// change_model actions. A zero ModelConfig disables that recommendation
// (append/truncate are used instead).
func NewPlanner(fallbackModel models.ModelConfig) *Planner {
	return &Planner{fallbackModel: fallbackModel}
}

// Plan ranks candidate recovery actions for reason, most-preferred first.
func (p *Planner) Plan(state models.CheckpointState, reason models.FailureReason, detail string) []models.RecoveryAction {
	switch reason {
	case models.FailureProviderError:
		return p.planProviderError(detail)
	case models.FailureToolFailures:
		return p.planToolFailures(state, detail)
	case models.FailureContextOverflow:
		return p.planContextOverflow(state, detail)
	default:
		return nil
	}
}

// planProviderError picks actions from classifyProviderError's class: a
// rate_limit or persistent error (auth, billing, model_unavailable) switches
// to the fallback model when one is configured, followed by a guidance
// append; any other class (timeout, server_error, unknown), or any class
// when no fallback is configured, gets only a guidance message appended so
// the next model call has context.
func (p *Planner) planProviderError(detail string) []models.RecoveryAction {
	class := classifyProviderError(detail)
	switch class {
	case "rate_limit", "auth", "billing", "model_unavailable":
		if p.fallbackModel.Model != "" {
			return []models.RecoveryAction{
				{Operation: models.RecoveryChangeModel, Reason: "provider error: " + class, ModelConfig: p.fallbackModel, ForTurns: 5},
				{Operation: models.RecoveryAppend, Reason: "provider error: " + class, NewMessage: guidanceMessage("The previous model provider returned a " + class + " error; continuing with a fallback.")},
			}
		}
		fallthrough
	default:
		return []models.RecoveryAction{
			{Operation: models.RecoveryAppend, Reason: "provider error: " + class, NewMessage: guidanceMessage("The previous attempt failed with a " + class + " error from the model provider. Please retry, adjusting your approach if appropriate.")},
		}
	}
}

// planToolFailures scrubs the offending tool calls rather than truncating
// the whole tail, preserving any unrelated progress in the transcript —
// remove_tools is listed ahead of the guidance append for that reason.
func (p *Planner) planToolFailures(state models.CheckpointState, detail string) []models.RecoveryAction {
	failingIDs := recentFailingToolCallIDs(state.Messages)
	actions := []models.RecoveryAction{}
	if len(failingIDs) > 0 {
		actions = append(actions, models.RecoveryAction{
			Operation:           models.RecoveryRemoveTools,
			Reason:              detail,
			ToolCallIDsToRemove: failingIDs,
		})
	}
	actions = append(actions, models.RecoveryAction{
		Operation: models.RecoveryAppend,
		Reason:    detail,
		NewMessage: guidanceMessage("Repeated tool failures were observed (" + detail + "). Consider a different approach before retrying the same tool call."),
	})
	return actions
}

// planContextOverflow prefers truncation (cheap, preserves the checkpoint
// chain) over reverting to an older checkpoint (loses more state) per
// §4.E's ordering of least-destructive-first.
func (p *Planner) planContextOverflow(state models.CheckpointState, detail string) []models.RecoveryAction {
	idx := truncationPoint(state.Messages)
	actions := []models.RecoveryAction{
		{Operation: models.RecoveryTruncate, Reason: detail, MessageIndex: idx},
	}
	if p.fallbackModel.Model != "" {
		actions = append(actions, models.RecoveryAction{Operation: models.RecoveryChangeModel, Reason: detail, ModelConfig: p.fallbackModel, ForTurns: 5})
	}
	return actions
}

func guidanceMessage(text string) *models.Message {
	return &models.Message{Role: models.RoleSystem, Content: text}
}

// recentFailingToolCallIDs returns the tool_call_ids of the trailing run of
// tool messages, the ones that produced the consecutive failures the
// scheduler just detected.
func recentFailingToolCallIDs(messages []models.Message) []string {
	ids := []string{}
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != models.RoleTool {
			break
		}
		ids = append(ids, m.ToolCallID)
	}
	return ids
}

// truncationPoint finds the start of the last assistant/tool exchange so
// truncate drops a complete, self-contained tail (no orphan tool_result).
func truncationPoint(messages []models.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return i + 1
		}
	}
	return 0
}

// classifyProviderError buckets a message by substring, grounded verbatim
// on the teacher's classifyProviderError pattern-matching rule set.
func classifyProviderError(errStr string) string {
	errStr = strings.ToLower(errStr)
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "rate_limit") || strings.Contains(errStr, "429"):
		return "rate_limit"
	case strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "invalid api key") || strings.Contains(errStr, "authentication") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return "auth"
	case strings.Contains(errStr, "billing") || strings.Contains(errStr, "payment") || strings.Contains(errStr, "quota") || strings.Contains(errStr, "402"):
		return "billing"
	case strings.Contains(errStr, "model not found") || strings.Contains(errStr, "does not exist") || strings.Contains(errStr, "unavailable"):
		return "model_unavailable"
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503") || strings.Contains(errStr, "internal server error"):
		return "server_error"
	default:
		return "unknown"
	}
}

// ApplyRecoveryAction transforms state per action's operation, preserving
// §4.E's invariant: no orphan tool_result without its tool_call, and a
// synthetic "cancelled" result wherever truncation would otherwise strand
// one.
func ApplyRecoveryAction(state models.CheckpointState, action models.RecoveryAction) models.CheckpointState {
	next := state
	next.Messages = append([]models.Message{}, state.Messages...)

	switch action.Operation {
	case models.RecoveryAppend:
		if action.NewMessage != nil {
			next.Messages = append(next.Messages, *action.NewMessage)
		}
	case models.RecoveryTruncate:
		idx := action.MessageIndex
		if idx < 0 {
			idx = 0
		}
		if idx > len(next.Messages) {
			idx = len(next.Messages)
		}
		kept := next.Messages[:idx]
		next.Messages = withCancelledOrphans(kept, next.Messages[idx:])
	case models.RecoveryRemoveTools:
		next.Messages = removeToolCalls(next.Messages, action.ToolCallIDsToRemove)
	case models.RecoveryRevertToCheckpoint:
		// The scheduler resolves TargetCheckpointID against the session
		// store and swaps state wholesale; there is nothing for a pure
		// transcript transform to do here beyond tagging the metadata.
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		next.Metadata["reverted_to"] = action.TargetCheckpointID
	case models.RecoveryChangeModel:
		if next.Metadata == nil {
			next.Metadata = map[string]any{}
		}
		next.Metadata["model_override"] = action.ModelConfig
		next.Metadata["model_override_turns_remaining"] = action.ForTurns
	}
	return next
}

// withCancelledOrphans drops dropped (the truncated tail) but inserts a
// synthetic cancelled tool_result for any tool_call in kept whose matching
// tool message was in the dropped tail, so no tool_call is left without an
// immediate result.
func withCancelledOrphans(kept, dropped []models.Message) []models.Message {
	result := append([]models.Message{}, kept...)

	// Walk back over the trailing tool results in kept to the assistant
	// message that issued them; only its calls can have lost a result.
	answered := map[string]bool{}
	i := len(kept) - 1
	for i >= 0 && kept[i].Role == models.RoleTool {
		answered[kept[i].ToolCallID] = true
		i--
	}
	if i < 0 || kept[i].Role != models.RoleAssistant {
		return result
	}
	for _, tc := range kept[i].ToolCalls {
		if !answered[tc.ID] {
			result = append(result, toolResultMessage(tc, models.TextResult(tc.ID, "cancelled")))
		}
	}
	return result
}

// removeToolCalls scrubs the named tool calls and their paired tool_result
// messages. An assistant message left with zero tool calls and empty
// content is pruned entirely to avoid a dangling empty turn.
func removeToolCalls(messages []models.Message, ids []string) []models.Message {
	remove := map[string]bool{}
	for _, id := range ids {
		remove[id] = true
	}

	result := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				kept := m.ToolCalls[:0]
				for _, tc := range m.ToolCalls {
					if !remove[tc.ID] {
						kept = append(kept, tc)
					}
				}
				m.ToolCalls = kept
				if len(m.ToolCalls) == 0 && m.Content == "" {
					continue
				}
			}
			result = append(result, m)
		case models.RoleTool:
			if remove[m.ToolCallID] {
				continue
			}
			result = append(result, m)
		default:
			result = append(result, m)
		}
	}
	return result
}
