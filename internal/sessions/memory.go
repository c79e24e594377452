package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreagent/enginecore/internal/errs"
	"github.com/coreagent/enginecore/pkg/models"
)

// MemoryStore is an in-memory Store, grounded on the teacher's
// internal/sessions.MemoryStore, for tests and embedding without a SQLite
// file.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	checkpoints map[string]models.Checkpoint
	// children indexes checkpoint ids by parent id. CreateCheckpoint records
	// it; no method reads it (the default chain tip is ActiveCheckpoint).
	children map[string][]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]models.Session),
		checkpoints: make(map[string]models.Checkpoint),
		children:    make(map[string][]string),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, title string, visibility models.Visibility, cwd string, initial models.CheckpointState) (models.Session, models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	sessionID := uuid.NewString()
	checkpointID := uuid.NewString()

	checkpoint := models.Checkpoint{ID: checkpointID, SessionID: sessionID, State: initial, CreatedAt: now, UpdatedAt: now}
	session := models.Session{
		ID: sessionID, Title: title, Visibility: visibility, Status: models.SessionActive,
		Cwd: cwd, ActiveCheckpoint: checkpointID, CreatedAt: now, UpdatedAt: now,
	}

	m.sessions[sessionID] = session
	m.checkpoints[checkpointID] = checkpoint
	return session, checkpoint, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (models.Session, models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, models.Checkpoint{}, errs.NewStorageError(models.StorageNotFound, "session not found: "+id)
	}
	checkpoint, ok := m.checkpoints[session.ActiveCheckpoint]
	if !ok {
		return models.Session{}, models.Checkpoint{}, errs.NewStorageError(models.StorageInternal, "session has no active checkpoint: "+id)
	}
	return session, checkpoint, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, filter ListFilter, paging Paging) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Session
	for _, s := range m.sessions {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Visibility != "" && s.Visibility != filter.Visibility {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(s.Title), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return paginateSessions(out, paging), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, title *string, visibility *models.Visibility) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return models.Session{}, errs.NewStorageError(models.StorageNotFound, "session not found: "+id)
	}
	if title != nil {
		session.Title = *title
	}
	if visibility != nil {
		session.Visibility = *visibility
	}
	session.UpdatedAt = time.Now().UTC()
	m.sessions[id] = session
	return session, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return errs.NewStorageError(models.StorageNotFound, "session not found: "+id)
	}
	session.Status = models.SessionDeleted
	session.UpdatedAt = time.Now().UTC()
	m.sessions[id] = session
	return nil
}

func (m *MemoryStore) ListCheckpoints(ctx context.Context, sessionID string, paging Paging) ([]models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Checkpoint
	for _, c := range m.checkpoints {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginateCheckpoints(out, paging), nil
}

func (m *MemoryStore) GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkpoint, ok := m.checkpoints[id]
	if !ok {
		return models.Checkpoint{}, errs.NewStorageError(models.StorageNotFound, "checkpoint not found: "+id)
	}
	return checkpoint, nil
}

func (m *MemoryStore) CreateCheckpoint(ctx context.Context, sessionID string, parentID string, state models.CheckpointState) (models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return models.Checkpoint{}, errs.NewStorageError(models.StorageNotFound, "session not found: "+sessionID)
	}
	if parentID != "" {
		if _, ok := m.checkpoints[parentID]; !ok {
			return models.Checkpoint{}, errs.NewStorageError(models.StorageNotFound, "parent checkpoint not found: "+parentID)
		}
	}

	now := time.Now().UTC()
	checkpoint := models.Checkpoint{
		ID: uuid.NewString(), SessionID: sessionID, ParentID: parentID, State: state, CreatedAt: now, UpdatedAt: now,
	}
	m.checkpoints[checkpoint.ID] = checkpoint
	if parentID != "" {
		m.children[parentID] = append(m.children[parentID], checkpoint.ID)
	}

	session.ActiveCheckpoint = checkpoint.ID
	session.UpdatedAt = now
	m.sessions[sessionID] = session
	return checkpoint, nil
}

func paginateSessions(items []models.Session, p Paging) []models.Session {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}

func paginateCheckpoints(items []models.Checkpoint, p Paging) []models.Checkpoint {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
