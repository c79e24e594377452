package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coreagent/enginecore/internal/errs"
	"github.com/coreagent/enginecore/pkg/models"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestCreateAndGetSessionRoundTrip(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			initial := models.CheckpointState{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
			session, checkpoint, err := store.CreateSession(ctx, "My Session", models.VisibilityPrivate, "/workspace", initial)
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if session.ID == "" || checkpoint.ID == "" {
				t.Fatalf("expected generated ids, got session=%+v checkpoint=%+v", session, checkpoint)
			}
			if session.ActiveCheckpoint != checkpoint.ID {
				t.Errorf("ActiveCheckpoint = %q, want %q", session.ActiveCheckpoint, checkpoint.ID)
			}

			gotSession, gotCheckpoint, err := store.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if gotSession.Title != "My Session" {
				t.Errorf("Title = %q", gotSession.Title)
			}
			if len(gotCheckpoint.State.Messages) != 1 || gotCheckpoint.State.Messages[0].Content != "hi" {
				t.Errorf("checkpoint state = %+v", gotCheckpoint.State)
			}
		})
	}
}

func TestGetSessionNotFound(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := store.GetSession(context.Background(), "missing")
			if !errs.IsNotFound(err) {
				t.Errorf("err = %v, want not_found storage error", err)
			}
		})
	}
}

func TestCreateCheckpointAdvancesActiveCheckpoint(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session, first, err := store.CreateSession(ctx, "s", models.VisibilityPrivate, "", models.CheckpointState{})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			second, err := store.CreateCheckpoint(ctx, session.ID, first.ID, models.CheckpointState{
				Messages: []models.Message{{Role: models.RoleAssistant, Content: "done"}},
			})
			if err != nil {
				t.Fatalf("CreateCheckpoint: %v", err)
			}
			if second.ParentID != first.ID {
				t.Errorf("ParentID = %q, want %q", second.ParentID, first.ID)
			}

			updated, active, err := store.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if updated.ActiveCheckpoint != second.ID {
				t.Errorf("ActiveCheckpoint = %q, want %q", updated.ActiveCheckpoint, second.ID)
			}
			if active.ID != second.ID {
				t.Errorf("active checkpoint fetched = %q, want %q", active.ID, second.ID)
			}
		})
	}
}

func TestDeleteSessionSetsStatus(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session, _, err := store.CreateSession(ctx, "s", models.VisibilityPrivate, "", models.CheckpointState{})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if err := store.DeleteSession(ctx, session.ID); err != nil {
				t.Fatalf("DeleteSession: %v", err)
			}
			got, _, err := store.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.Status != models.SessionDeleted {
				t.Errorf("Status = %q, want deleted", got.Status)
			}
		})
	}
}

func TestListSessionsFiltersAndOrders(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, _, err := store.CreateSession(ctx, "alpha project", models.VisibilityPublic, "", models.CheckpointState{}); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			if _, _, err := store.CreateSession(ctx, "beta project", models.VisibilityPrivate, "", models.CheckpointState{}); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}

			sessions, err := store.ListSessions(ctx, ListFilter{Visibility: models.VisibilityPublic}, Paging{Limit: 10})
			if err != nil {
				t.Fatalf("ListSessions: %v", err)
			}
			if len(sessions) != 1 || sessions[0].Title != "alpha project" {
				t.Errorf("sessions = %+v", sessions)
			}
		})
	}
}

func TestUpdateSessionPatchesOnlyGivenFields(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session, _, err := store.CreateSession(ctx, "original", models.VisibilityPrivate, "", models.CheckpointState{})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			newTitle := "renamed"
			updated, err := store.UpdateSession(ctx, session.ID, &newTitle, nil)
			if err != nil {
				t.Fatalf("UpdateSession: %v", err)
			}
			if updated.Title != "renamed" || updated.Visibility != models.VisibilityPrivate {
				t.Errorf("updated = %+v", updated)
			}
		})
	}
}

func TestCreateCheckpointUnknownParentFails(t *testing.T) {
	for name, store := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session, _, err := store.CreateSession(ctx, "s", models.VisibilityPrivate, "", models.CheckpointState{})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			_, err = store.CreateCheckpoint(ctx, session.ID, "does-not-exist", models.CheckpointState{})
			if !errs.IsNotFound(err) {
				t.Errorf("err = %v, want not_found", err)
			}
		})
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idempotent.db")
	ctx := context.Background()

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, _, err := first.CreateSession(ctx, "s", models.VisibilityPrivate, "", models.CheckpointState{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	first.Close()

	second, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open (re-applying migrations): %v", err)
	}
	defer second.Close()

	sessions, err := second.ListSessions(ctx, ListFilter{}, Paging{Limit: 10})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected session to survive reopen, got %d", len(sessions))
	}
}
