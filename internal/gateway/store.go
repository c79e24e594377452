// Package gateway is the Gateway Dispatcher (§4.F): it binds external chat
// channels to core sessions one-to-one by routing key, serializes per-session
// runs, coalesces queued inbound messages, and delivers replies. Grounded on
// original_source/libs/gateway/src/dispatcher.rs's Dispatcher and store.rs's
// GatewayStore, restructured into Go's accept-interfaces/return-structs idiom
// and the teacher's sessions.Store/SQLiteStore split between a durable
// interface and an in-memory test double.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/coreagent/enginecore/internal/errs"
	"github.com/coreagent/enginecore/pkg/models"
)

// Store is the gateway's own persistence surface: the routing_key ->
// session_id map and the per-routing-key delivery context, kept in the same
// embedded SQL database as the Session Store (see internal/sessions) but
// addressed through this narrower interface. Grounded on store.rs's
// GatewayStore (get/set/find_by_session_id/update_delivery/
// set_delivery_context/pop_delivery_context/prune_delivery_contexts), minus
// the title/created_at bookkeeping store.rs duplicates — that lives on the
// Session Store's own Session.Title/CreatedAt, so this Store only tracks the
// routing_key <-> session_id binding and the channel-delivery coordinates.
type Store interface {
	// ResolveSession returns the session bound to routingKey, if any.
	ResolveSession(ctx context.Context, routingKey string) (sessionID string, ok bool, err error)

	// BindSession records routingKey -> sessionID, replacing any prior
	// binding for the same key (a routing key names exactly one session).
	BindSession(ctx context.Context, routingKey, sessionID string) error

	// RoutingKeyForSession returns the most recently bound routing key for
	// sessionID, used by deliver_reply-style lookups that only know the
	// session, not the originating channel.
	RoutingKeyForSession(ctx context.Context, sessionID string) (routingKey string, ok bool, err error)

	// UpdateDeliveryContext refreshes the channel coordinates (channel,
	// peer, chat type, metadata) a reply to routingKey should be sent
	// through, overwriting whatever was stored before.
	UpdateDeliveryContext(ctx context.Context, routingKey string, dc models.DeliveryContext) error

	// GetDeliveryContext returns the last-known delivery coordinates for
	// routingKey.
	GetDeliveryContext(ctx context.Context, routingKey string) (models.DeliveryContext, bool, error)

	// SetNotificationContext stores a proactive-notification payload for
	// targetKey with a TTL, to be consumed by the next inbound reply on
	// that target. Grounded on store.rs's set_delivery_context.
	SetNotificationContext(ctx context.Context, targetKey string, payload map[string]any, ttl time.Duration) error

	// PopNotificationContext consumes (deletes) the stored notification
	// payload for targetKey, returning false if none exists or it expired.
	// Grounded on store.rs's pop_delivery_context: the row is always
	// deleted on read, even when expired.
	PopNotificationContext(ctx context.Context, targetKey string) (map[string]any, bool, error)

	// PruneExpiredNotificationContexts deletes expired rows proactively and
	// returns the count removed. Grounded on store.rs's
	// prune_delivery_contexts, run opportunistically rather than on a timer
	// (see DESIGN.md).
	PruneExpiredNotificationContexts(ctx context.Context) (int, error)
}

// SQLiteStore implements Store over the routing_keys/delivery_contexts
// tables migrated alongside the Session Store's own schema (see
// internal/sessions/migrations/0002_gateway_routing.sql and
// 0003_delivery_context_ttl.sql). It shares the *sql.DB a sessions.SQLiteStore
// already opened and migrated, via that store's DB accessor, rather than
// opening a second connection and a second migration set against the same
// file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps db, which must already have the gateway tables
// migrated (true for any db returned by sessions.Open).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) ResolveSession(ctx context.Context, routingKey string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM routing_keys WHERE routing_key = ?`, routingKey).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapStorageError(models.StorageInternal, "resolve routing key", err)
	}
	return sessionID, true, nil
}

func (s *SQLiteStore) BindSession(ctx context.Context, routingKey, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO routing_keys (routing_key, session_id, updated_at) VALUES (?, ?, ?)`,
		routingKey, sessionID, nowRFC3339(),
	)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "bind routing key", err)
	}
	return nil
}

// BindSessionTx is BindSession run against an already-open transaction
// instead of s.db, so a caller sharing this store's underlying *sql.DB (see
// sessions.SQLiteStore.CreateSessionTx) can commit the binding atomically
// with another write in the same transaction.
func (s *SQLiteStore) BindSessionTx(tx *sql.Tx, routingKey, sessionID string) error {
	_, err := tx.Exec(
		`INSERT OR REPLACE INTO routing_keys (routing_key, session_id, updated_at) VALUES (?, ?, ?)`,
		routingKey, sessionID, nowRFC3339(),
	)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "bind routing key", err)
	}
	return nil
}

func (s *SQLiteStore) RoutingKeyForSession(ctx context.Context, sessionID string) (string, bool, error) {
	var routingKey string
	err := s.db.QueryRowContext(ctx,
		`SELECT routing_key FROM routing_keys WHERE session_id = ? ORDER BY updated_at DESC LIMIT 1`,
		sessionID,
	).Scan(&routingKey)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapStorageError(models.StorageInternal, "find routing key by session", err)
	}
	return routingKey, true, nil
}

func (s *SQLiteStore) UpdateDeliveryContext(ctx context.Context, routingKey string, dc models.DeliveryContext) error {
	metaJSON, err := json.Marshal(dc.ChannelMeta)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "marshal channel_meta", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO delivery_contexts
			(routing_key, channel, peer_id, chat_type, group_id, thread_id, channel_meta, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT expires_at FROM delivery_contexts WHERE routing_key = ?), ''))
	`, routingKey, dc.Channel, dc.PeerID, string(dc.ChatType), nullable(dc.GroupID), nullable(dc.ThreadID), string(metaJSON), nowRFC3339(), routingKey)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "update delivery context", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeliveryContext(ctx context.Context, routingKey string) (models.DeliveryContext, bool, error) {
	var (
		channel, peerID, chatType, metaJSON, updatedAt string
		groupID, threadID                               sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, peer_id, chat_type, group_id, thread_id, channel_meta, updated_at
		FROM delivery_contexts WHERE routing_key = ?
	`, routingKey).Scan(&channel, &peerID, &chatType, &groupID, &threadID, &metaJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return models.DeliveryContext{}, false, nil
	}
	if err != nil {
		return models.DeliveryContext{}, false, errs.WrapStorageError(models.StorageInternal, "get delivery context", err)
	}
	dc := models.DeliveryContext{
		Channel:  channel,
		PeerID:   peerID,
		ChatType: models.ChatType(chatType),
		GroupID:  groupID.String,
		ThreadID: threadID.String,
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &dc.ChannelMeta)
	}
	dc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return dc, true, nil
}

// notificationRowKey namespaces notification-context rows away from the
// routing-key rows sharing the same table, since a routing key and a
// notification target key are different axes (the latter is caller-chosen,
// e.g. a watch's "channel:target" string) that would otherwise collide on
// the table's single routing_key primary key.
func notificationRowKey(targetKey string) string {
	return "notify:" + targetKey
}

func (s *SQLiteStore) SetNotificationContext(ctx context.Context, targetKey string, payload map[string]any, ttl time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "marshal notification payload", err)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl).Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO delivery_contexts
			(routing_key, channel, peer_id, chat_type, group_id, thread_id, channel_meta, updated_at, expires_at)
		VALUES (?, '', '', '', NULL, NULL, ?, ?, ?)
	`, notificationRowKey(targetKey), string(payloadJSON), now.Format(time.RFC3339Nano), expiresAt)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "set notification context", err)
	}
	return nil
}

func (s *SQLiteStore) PopNotificationContext(ctx context.Context, targetKey string) (map[string]any, bool, error) {
	key := notificationRowKey(targetKey)
	var metaJSON, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_meta, expires_at FROM delivery_contexts WHERE routing_key = ?`, key,
	).Scan(&metaJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.WrapStorageError(models.StorageInternal, "pop notification context", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_contexts WHERE routing_key = ?`, key); err != nil {
		return nil, false, errs.WrapStorageError(models.StorageInternal, "delete notification context", err)
	}

	if expiresAt == "" {
		return nil, false, nil
	}
	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil || time.Now().UTC().After(expiry) {
		return nil, false, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &payload); err != nil {
		return nil, false, errs.WrapStorageError(models.StorageInternal, "unmarshal notification payload", err)
	}
	return payload, true, nil
}

func (s *SQLiteStore) PruneExpiredNotificationContexts(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_contexts WHERE expires_at != '' AND expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, errs.WrapStorageError(models.StorageInternal, "prune notification contexts", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
