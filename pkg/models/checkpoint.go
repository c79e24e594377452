package models

import "time"

// Visibility controls whether a session is discoverable outside its owner.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SessionStatus is a soft lifecycle marker; sessions are never hard-deleted.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionDeleted SessionStatus = "deleted"
)

// Session is a conversation thread. ActiveCheckpoint names the checkpoint a
// new turn should build on (the tip of the default branch).
type Session struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Visibility       Visibility     `json:"visibility"`
	Status           SessionStatus  `json:"status"`
	Cwd              string         `json:"cwd,omitempty"`
	ActiveCheckpoint string         `json:"active_checkpoint,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CheckpointState is the payload a Checkpoint snapshots: the full message
// transcript plus free-form metadata (e.g. a recovery operation tag).
type CheckpointState struct {
	Messages []Message      `json:"messages"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is an immutable snapshot of session state taken at a turn
// boundary or recovery action. Checkpoints form a tree via ParentID:
// multiple children per parent are allowed (branching), and the chain
// followed by default is the most recently created descendant.
type Checkpoint struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	State     CheckpointState `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LastAssistantMessage returns the final message in the checkpoint's
// transcript if it is an assistant message, and whether one was found.
func (c Checkpoint) LastAssistantMessage() (Message, bool) {
	msgs := c.State.Messages
	if len(msgs) == 0 {
		return Message{}, false
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleAssistant {
		return Message{}, false
	}
	return last, true
}
