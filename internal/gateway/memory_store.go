package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coreagent/enginecore/pkg/models"
)

// MemoryStore is an in-memory Store for tests and embedding without SQLite,
// grounded on sessions.MemoryStore's role alongside sessions.SQLiteStore.
type MemoryStore struct {
	mu            sync.Mutex
	routing       map[string]string
	delivery      map[string]models.DeliveryContext
	notifications map[string]notificationEntry
}

type notificationEntry struct {
	payload   map[string]any
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routing:       make(map[string]string),
		delivery:      make(map[string]models.DeliveryContext),
		notifications: make(map[string]notificationEntry),
	}
}

func (m *MemoryStore) ResolveSession(ctx context.Context, routingKey string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionID, ok := m.routing[routingKey]
	return sessionID, ok, nil
}

func (m *MemoryStore) BindSession(ctx context.Context, routingKey, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing[routingKey] = sessionID
	return nil
}

func (m *MemoryStore) RoutingKeyForSession(ctx context.Context, sessionID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rk, sid := range m.routing {
		if sid == sessionID {
			return rk, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryStore) UpdateDeliveryContext(ctx context.Context, routingKey string, dc models.DeliveryContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc.UpdatedAt = time.Now().UTC()
	m.delivery[routingKey] = dc
	return nil
}

func (m *MemoryStore) GetDeliveryContext(ctx context.Context, routingKey string) (models.DeliveryContext, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.delivery[routingKey]
	return dc, ok, nil
}

func (m *MemoryStore) SetNotificationContext(ctx context.Context, targetKey string, payload map[string]any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[targetKey] = notificationEntry{payload: payload, expiresAt: time.Now().UTC().Add(ttl)}
	return nil
}

func (m *MemoryStore) PopNotificationContext(ctx context.Context, targetKey string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.notifications[targetKey]
	delete(m.notifications, targetKey)
	if !ok || time.Now().UTC().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.payload, true, nil
}

func (m *MemoryStore) PruneExpiredNotificationContexts(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for k, entry := range m.notifications {
		if now.After(entry.expiresAt) {
			delete(m.notifications, k)
			n++
		}
	}
	return n, nil
}
