// Package sessions is the Session Store (§4.C): a durable, transactional,
// single-writer-per-process store for sessions and their checkpoint DAG.
// Grounded on the teacher's internal/sessions.Store interface, generalized
// from agent/channel session identity to the spec's
// session/checkpoint/visibility model.
package sessions

import (
	"context"
	"time"

	"github.com/coreagent/enginecore/pkg/models"
)

// ListFilter narrows ListSessions by status/visibility/title substring.
type ListFilter struct {
	Status     models.SessionStatus
	Visibility models.Visibility
	Search     string
}

// Paging is a simple limit/offset window over each list's own order:
// sessions newest-first by updated_at, checkpoints oldest-first by
// created_at, per §4.C's operation table.
type Paging struct {
	Limit  int
	Offset int
}

// Store is the Session Store's interface, matching §4.C's operation table
// and §6.3's fallible-with-StorageError contract exactly. All methods
// return an *errs.StorageError on failure.
type Store interface {
	// CreateSession inserts a session and its first checkpoint atomically.
	CreateSession(ctx context.Context, title string, visibility models.Visibility, cwd string, initial models.CheckpointState) (models.Session, models.Checkpoint, error)

	// GetSession returns a session with its active checkpoint attached
	// (the checkpoint named by Session.ActiveCheckpoint, i.e. the tip of
	// the default branch derived by max created_at among descendants).
	GetSession(ctx context.Context, id string) (models.Session, models.Checkpoint, error)

	ListSessions(ctx context.Context, filter ListFilter, paging Paging) ([]models.Session, error)

	// UpdateSession patches title/visibility (nil arguments are left
	// unchanged) and bumps updated_at.
	UpdateSession(ctx context.Context, id string, title *string, visibility *models.Visibility) (models.Session, error)

	// DeleteSession sets status to deleted and bumps updated_at. Sessions
	// are never hard-deleted.
	DeleteSession(ctx context.Context, id string) error

	ListCheckpoints(ctx context.Context, sessionID string, paging Paging) ([]models.Checkpoint, error)

	GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error)

	// CreateCheckpoint appends a new checkpoint, optionally as a child of
	// parentID, and updates the owning session's ActiveCheckpoint and
	// updated_at.
	CreateCheckpoint(ctx context.Context, sessionID string, parentID string, state models.CheckpointState) (models.Checkpoint, error)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
