package models

// RecoveryOperation names one of the five transforms a RecoveryAction may
// apply to session state.
type RecoveryOperation string

const (
	RecoveryAppend             RecoveryOperation = "append"
	RecoveryTruncate           RecoveryOperation = "truncate"
	RecoveryRemoveTools        RecoveryOperation = "remove_tools"
	RecoveryRevertToCheckpoint RecoveryOperation = "revert_to_checkpoint"
	RecoveryChangeModel        RecoveryOperation = "change_model"
)

// ModelConfig names a fallback model for a change_model recovery action.
type ModelConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// RecoveryAction is one candidate transform returned by the Recovery
// Planner. MessageIndex anchors operations that target a transcript
// position (truncate); Payload carries the operation-specific data.
type RecoveryAction struct {
	Operation    RecoveryOperation `json:"operation"`
	MessageIndex int               `json:"message_index,omitempty"`
	Reason       string            `json:"reason,omitempty"`

	// Payload fields — only the ones relevant to Operation are populated.
	NewMessage         *Message    `json:"new_message,omitempty"`
	ToolCallIDsToRemove []string   `json:"tool_call_ids_to_remove,omitempty"`
	TargetCheckpointID string      `json:"target_checkpoint_id,omitempty"`
	ModelConfig        ModelConfig `json:"model_config,omitzero"`
	// ForTurns is the number of subsequent turns a change_model action
	// applies for; defaults to 5 per spec §4.E.
	ForTurns int `json:"for_turns,omitempty"`
}

// FailureReason classifies why the scheduler consulted the Recovery Planner.
type FailureReason string

const (
	FailureProviderError    FailureReason = "provider_error"
	FailureToolFailures     FailureReason = "tool_failures"
	FailureContextOverflow  FailureReason = "context_overflow"
)

// ErrorKind is the orchestration core's closed error taxonomy (§7);
// classification, not a Go error type hierarchy.
type ErrorKind string

const (
	ErrTransport       ErrorKind = "transport"
	ErrProvider        ErrorKind = "provider"
	ErrProtocol        ErrorKind = "protocol"
	ErrToolExecution   ErrorKind = "tool_execution"
	ErrTimeout         ErrorKind = "timeout"
	ErrApprovalDenied  ErrorKind = "approval_denied"
	ErrCancelled       ErrorKind = "cancelled"
	ErrStorage         ErrorKind = "storage"
	ErrLimitExceeded   ErrorKind = "limit_exceeded"
)
