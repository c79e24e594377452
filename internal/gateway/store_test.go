package gateway

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreagent/enginecore/internal/sessions"
	"github.com/coreagent/enginecore/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := sessions.Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open sessions store: %v", err)
	}
	return NewSQLiteStore(store.DB())
}

func TestCreateSessionTxBindsRoutingKeyAtomically(t *testing.T) {
	ctx := context.Background()
	sessionStore, err := sessions.Open(ctx, filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open sessions store: %v", err)
	}
	gatewayStore := NewSQLiteStore(sessionStore.DB())
	routingKey := "slack:direct:U999"

	var boundID string
	session, _, err := sessionStore.CreateSessionTx(ctx, "title", models.VisibilityPrivate, "", models.CheckpointState{},
		func(tx *sql.Tx, sessionID string) error {
			boundID = sessionID
			return gatewayStore.BindSessionTx(tx, routingKey, sessionID)
		})
	if err != nil {
		t.Fatalf("CreateSessionTx: %v", err)
	}
	if boundID != session.ID {
		t.Fatalf("bind callback saw session id %q, session has %q", boundID, session.ID)
	}

	resolved, ok, err := gatewayStore.ResolveSession(ctx, routingKey)
	if err != nil || !ok || resolved != session.ID {
		t.Fatalf("resolve after atomic create: got %q ok=%v err=%v, want %q", resolved, ok, err, session.ID)
	}
}

func TestCreateSessionTxRollsBackOnBindError(t *testing.T) {
	ctx := context.Background()
	sessionStore, err := sessions.Open(ctx, filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open sessions store: %v", err)
	}

	boom := errors.New("bind failed")
	_, _, err = sessionStore.CreateSessionTx(ctx, "title", models.VisibilityPrivate, "", models.CheckpointState{},
		func(tx *sql.Tx, sessionID string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected bind error to propagate, got %v", err)
	}

	sessionsList, err := sessionStore.ListSessions(ctx, sessions.ListFilter{}, sessions.Paging{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessionsList) != 0 {
		t.Fatalf("expected the session insert to roll back alongside the failed bind, found %d sessions", len(sessionsList))
	}
}

func TestStoreImplementations(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) { testStoreRoundTrip(t, newTestSQLiteStore(t)) })
	t.Run("memory", func(t *testing.T) { testStoreRoundTrip(t, NewMemoryStore()) })
}

func testStoreRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	routingKey := "slack:direct:U123"

	if _, ok, err := store.ResolveSession(ctx, routingKey); err != nil || ok {
		t.Fatalf("expected no binding yet, got ok=%v err=%v", ok, err)
	}

	if err := store.BindSession(ctx, routingKey, "sess-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	sessionID, ok, err := store.ResolveSession(ctx, routingKey)
	if err != nil || !ok || sessionID != "sess-1" {
		t.Fatalf("resolve: got %q ok=%v err=%v", sessionID, ok, err)
	}

	foundKey, ok, err := store.RoutingKeyForSession(ctx, "sess-1")
	if err != nil || !ok || foundKey != routingKey {
		t.Fatalf("routing key for session: got %q ok=%v err=%v", foundKey, ok, err)
	}

	dc := models.DeliveryContext{
		Channel:  "slack",
		PeerID:   "U123",
		ChatType: models.ChatDirect,
		ChannelMeta: map[string]any{
			"thread_ts": "1234.5",
		},
	}
	if err := store.UpdateDeliveryContext(ctx, routingKey, dc); err != nil {
		t.Fatalf("update delivery context: %v", err)
	}
	got, ok, err := store.GetDeliveryContext(ctx, routingKey)
	if err != nil || !ok {
		t.Fatalf("get delivery context: ok=%v err=%v", ok, err)
	}
	if got.Channel != "slack" || got.PeerID != "U123" || got.ChannelMeta["thread_ts"] != "1234.5" {
		t.Fatalf("unexpected delivery context: %+v", got)
	}
}

func TestNotificationContextPopConsumesAndExpires(t *testing.T) {
	for name, store := range map[string]Store{
		"sqlite": newTestSQLiteStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			target := "slack:direct:U999"

			if _, ok, err := store.PopNotificationContext(ctx, target); err != nil || ok {
				t.Fatalf("expected nothing to pop yet, got ok=%v err=%v", ok, err)
			}

			payload := map[string]any{"trigger": "watch fired", "status": "red"}
			if err := store.SetNotificationContext(ctx, target, payload, time.Hour); err != nil {
				t.Fatalf("set: %v", err)
			}

			got, ok, err := store.PopNotificationContext(ctx, target)
			if err != nil || !ok {
				t.Fatalf("pop: ok=%v err=%v", ok, err)
			}
			if got["trigger"] != "watch fired" {
				t.Fatalf("unexpected payload: %+v", got)
			}

			// A second pop finds nothing: it was consumed.
			if _, ok, err := store.PopNotificationContext(ctx, target); err != nil || ok {
				t.Fatalf("expected consumed, got ok=%v err=%v", ok, err)
			}

			if err := store.SetNotificationContext(ctx, target, payload, -time.Minute); err != nil {
				t.Fatalf("set expired: %v", err)
			}
			if _, ok, err := store.PopNotificationContext(ctx, target); err != nil || ok {
				t.Fatalf("expected expired entry to pop as absent, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestPruneExpiredNotificationContexts(t *testing.T) {
	for name, store := range map[string]Store{
		"sqlite": newTestSQLiteStore(t),
		"memory": NewMemoryStore(),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.SetNotificationContext(ctx, "a", map[string]any{"x": 1}, -time.Minute); err != nil {
				t.Fatalf("set a: %v", err)
			}
			if err := store.SetNotificationContext(ctx, "b", map[string]any{"x": 2}, time.Hour); err != nil {
				t.Fatalf("set b: %v", err)
			}
			n, err := store.PruneExpiredNotificationContexts(ctx)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected 1 pruned, got %d", n)
			}
			if _, ok, _ := store.PopNotificationContext(ctx, "b"); !ok {
				t.Fatalf("expected b to survive pruning")
			}
		})
	}
}

func TestDeliveryContextSurvivesNotificationRowOnSameKey(t *testing.T) {
	// delivery_contexts rows and notification rows share one table; a
	// notification set for a target key equal to a routing key must not
	// overwrite that routing key's persistent delivery coordinates.
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	routingKey := "slack:direct:U1"
	dc := models.DeliveryContext{Channel: "slack", PeerID: "U1", ChatType: models.ChatDirect}
	if err := store.UpdateDeliveryContext(ctx, routingKey, dc); err != nil {
		t.Fatalf("update delivery context: %v", err)
	}

	if err := store.SetNotificationContext(ctx, routingKey, map[string]any{"trigger": "t"}, time.Hour); err != nil {
		t.Fatalf("set notification: %v", err)
	}

	got, ok, err := store.GetDeliveryContext(ctx, routingKey)
	if err != nil || !ok || got.Channel != "slack" {
		t.Fatalf("delivery context should be unaffected by notification row on the same target, got %+v ok=%v err=%v", got, ok, err)
	}

	payload, ok, err := store.PopNotificationContext(ctx, routingKey)
	if err != nil || !ok || payload["trigger"] != "t" {
		t.Fatalf("notification context should still be retrievable, got %+v ok=%v err=%v", payload, ok, err)
	}
}
