package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/coreagent/enginecore/internal/errs"
	"github.com/coreagent/enginecore/pkg/models"
)

// SQLiteStore implements Store over a file-based SQLite database via the
// pure-Go modernc.org/sqlite driver — the same driver the teacher uses in
// internal/memory/backend/sqlitevec/backend.go, registered here under the
// driver name "sqlite" (the teacher's sqlitevec package registers under
// "sqlite3", which is the cgo-backed mattn/go-sqlite3 name and does not
// match the driver modernc.org/sqlite actually registers; this store uses
// the correct name).
//
// Structure mirrors the teacher's CockroachStore: a handful of prepared
// statements reused across calls, guarded by writeMu so writes are
// serialized exactly as §5 requires. Readers use the pool directly —
// SQLite's own file locking plus Go's database/sql connection pool give
// consistent snapshot reads without an explicit read lock.
type SQLiteStore struct {
	db *sql.DB

	writeMu sync.Mutex

	stmtInsertSession    *sql.Stmt
	stmtGetSession       *sql.Stmt
	stmtUpdateSession    *sql.Stmt
	stmtDeleteSession    *sql.Stmt
	stmtListSessions     *sql.Stmt
	stmtInsertCheckpoint *sql.Stmt
	stmtGetCheckpoint    *sql.Stmt
	stmtListCheckpoints  *sql.Stmt
	stmtBumpActive       *sql.Stmt
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if absent) a SQLite database at path and applies any
// pending embedded migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite permits exactly one writer; a single connection avoids
	// SQLITE_BUSY under the Go pool's default concurrent-connection behavior.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	if s.stmtInsertSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, title, visibility, status, cwd, active_checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("prepare insert session: %w", err)
	}

	if s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, title, visibility, status, cwd, active_checkpoint, created_at, updated_at
		FROM sessions WHERE id = ?
	`); err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	if s.stmtUpdateSession, err = s.db.Prepare(`
		UPDATE sessions SET title = ?, visibility = ?, updated_at = ? WHERE id = ?
	`); err != nil {
		return fmt.Errorf("prepare update session: %w", err)
	}

	if s.stmtDeleteSession, err = s.db.Prepare(`
		UPDATE sessions SET status = 'deleted', updated_at = ? WHERE id = ?
	`); err != nil {
		return fmt.Errorf("prepare delete session: %w", err)
	}

	if s.stmtListSessions, err = s.db.Prepare(`
		SELECT id, title, visibility, status, cwd, active_checkpoint, created_at, updated_at
		FROM sessions
		WHERE (? = '' OR status = ?) AND (? = '' OR visibility = ?) AND (? = '' OR title LIKE ?)
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`); err != nil {
		return fmt.Errorf("prepare list sessions: %w", err)
	}

	if s.stmtInsertCheckpoint, err = s.db.Prepare(`
		INSERT INTO checkpoints (id, session_id, parent_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("prepare insert checkpoint: %w", err)
	}

	if s.stmtGetCheckpoint, err = s.db.Prepare(`
		SELECT id, session_id, parent_id, state, created_at, updated_at
		FROM checkpoints WHERE id = ?
	`); err != nil {
		return fmt.Errorf("prepare get checkpoint: %w", err)
	}

	if s.stmtListCheckpoints, err = s.db.Prepare(`
		SELECT id, session_id, parent_id, state, created_at, updated_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`); err != nil {
		return fmt.Errorf("prepare list checkpoints: %w", err)
	}

	if s.stmtBumpActive, err = s.db.Prepare(`
		UPDATE sessions SET active_checkpoint = ?, updated_at = ? WHERE id = ?
	`); err != nil {
		return fmt.Errorf("prepare bump active checkpoint: %w", err)
	}

	return nil
}

// Close closes every prepared statement and the underlying connection.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtInsertSession, s.stmtGetSession, s.stmtUpdateSession, s.stmtDeleteSession,
		s.stmtListSessions, s.stmtInsertCheckpoint, s.stmtGetCheckpoint, s.stmtListCheckpoints,
		s.stmtBumpActive,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, title string, visibility models.Visibility, cwd string, initial models.CheckpointState) (models.Session, models.Checkpoint, error) {
	stateJSON, err := json.Marshal(initial)
	if err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "marshal initial state", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageConnection, "begin transaction", err)
	}
	defer tx.Rollback()

	now := nowRFC3339()
	sessionID := uuid.NewString()
	checkpointID := uuid.NewString()

	if _, err := tx.StmtContext(ctx, s.stmtInsertCheckpoint).ExecContext(ctx, checkpointID, sessionID, nil, string(stateJSON), now, now); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "insert checkpoint", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtInsertSession).ExecContext(ctx, sessionID, title, string(visibility), string(models.SessionActive), nullable(cwd), checkpointID, now, now); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "insert session", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "commit create session", err)
	}

	session, _, err := s.scanSessionRow(s.stmtGetSession.QueryRowContext(ctx, sessionID))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	checkpoint, err := s.scanCheckpointRow(s.stmtGetCheckpoint.QueryRowContext(ctx, checkpointID))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	return session, checkpoint, nil
}

// CreateSessionTx is CreateSession with one addition: bind runs inside the
// same transaction as the session+checkpoint insert, given the
// not-yet-committed session's id. A caller sharing this store's *sql.DB (see
// DB) uses it to make its own write — e.g. the gateway's routing-key
// binding — durable atomically with session creation, so a crash between
// the two writes cannot happen.
func (s *SQLiteStore) CreateSessionTx(ctx context.Context, title string, visibility models.Visibility, cwd string, initial models.CheckpointState, bind func(tx *sql.Tx, sessionID string) error) (models.Session, models.Checkpoint, error) {
	stateJSON, err := json.Marshal(initial)
	if err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "marshal initial state", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageConnection, "begin transaction", err)
	}
	defer tx.Rollback()

	now := nowRFC3339()
	sessionID := uuid.NewString()
	checkpointID := uuid.NewString()

	if _, err := tx.StmtContext(ctx, s.stmtInsertCheckpoint).ExecContext(ctx, checkpointID, sessionID, nil, string(stateJSON), now, now); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "insert checkpoint", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtInsertSession).ExecContext(ctx, sessionID, title, string(visibility), string(models.SessionActive), nullable(cwd), checkpointID, now, now); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "insert session", err)
	}
	if bind != nil {
		if err := bind(tx, sessionID); err != nil {
			return models.Session{}, models.Checkpoint{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Session{}, models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "commit create session", err)
	}

	session, _, err := s.scanSessionRow(s.stmtGetSession.QueryRowContext(ctx, sessionID))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	checkpoint, err := s.scanCheckpointRow(s.stmtGetCheckpoint.QueryRowContext(ctx, checkpointID))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	return session, checkpoint, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (models.Session, models.Checkpoint, error) {
	session, _, err := s.scanSessionRow(s.stmtGetSession.QueryRowContext(ctx, id))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	checkpoint, err := s.scanCheckpointRow(s.stmtGetCheckpoint.QueryRowContext(ctx, session.ActiveCheckpoint))
	if err != nil {
		return models.Session{}, models.Checkpoint{}, err
	}
	return session, checkpoint, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter, paging Paging) ([]models.Session, error) {
	limit := paging.Limit
	if limit <= 0 {
		limit = 100
	}
	search := ""
	if filter.Search != "" {
		search = "%" + filter.Search + "%"
	}
	rows, err := s.stmtListSessions.QueryContext(ctx,
		string(filter.Status), string(filter.Status),
		string(filter.Visibility), string(filter.Visibility),
		filter.Search, search,
		limit, paging.Offset,
	)
	if err != nil {
		return nil, errs.WrapStorageError(models.StorageInternal, "list sessions", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		session, _, err := s.scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, title *string, visibility *models.Visibility) (models.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, _, err := s.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	newTitle := existing.Title
	if title != nil {
		newTitle = *title
	}
	newVisibility := existing.Visibility
	if visibility != nil {
		newVisibility = *visibility
	}
	now := nowRFC3339()
	if _, err := s.stmtUpdateSession.ExecContext(ctx, newTitle, string(newVisibility), now, id); err != nil {
		return models.Session{}, errs.WrapStorageError(models.StorageInternal, "update session", err)
	}
	session, _, err := s.scanSessionRow(s.stmtGetSession.QueryRowContext(ctx, id))
	return session, err
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.stmtDeleteSession.ExecContext(ctx, nowRFC3339(), id)
	if err != nil {
		return errs.WrapStorageError(models.StorageInternal, "delete session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NewStorageError(models.StorageNotFound, "session not found: "+id)
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string, paging Paging) ([]models.Checkpoint, error) {
	limit := paging.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListCheckpoints.QueryContext(ctx, sessionID, limit, paging.Offset)
	if err != nil {
		return nil, errs.WrapStorageError(models.StorageInternal, "list checkpoints", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		cp, err := s.scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error) {
	return s.scanCheckpointRow(s.stmtGetCheckpoint.QueryRowContext(ctx, id))
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, sessionID string, parentID string, state models.CheckpointState) (models.Checkpoint, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "marshal checkpoint state", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if parentID != "" {
		if _, err := s.GetCheckpoint(ctx, parentID); err != nil {
			return models.Checkpoint{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageConnection, "begin transaction", err)
	}
	defer tx.Rollback()

	now := nowRFC3339()
	id := uuid.NewString()
	if _, err := tx.StmtContext(ctx, s.stmtInsertCheckpoint).ExecContext(ctx, id, sessionID, nullable(parentID), string(stateJSON), now, now); err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "insert checkpoint", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtBumpActive).ExecContext(ctx, id, now, sessionID); err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "bump active checkpoint", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "commit create checkpoint", err)
	}

	return s.scanCheckpointRow(s.stmtGetCheckpoint.QueryRowContext(ctx, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSessionRow(row rowScanner) (models.Session, bool, error) {
	var (
		session          models.Session
		visibility       string
		status           string
		cwd, active      sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&session.ID, &session.Title, &visibility, &status, &cwd, &active, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.Session{}, false, errs.NewStorageError(models.StorageNotFound, "session not found")
		}
		return models.Session{}, false, errs.WrapStorageError(models.StorageInternal, "scan session", err)
	}
	session.Visibility = models.Visibility(visibility)
	session.Status = models.SessionStatus(status)
	session.Cwd = cwd.String
	session.ActiveCheckpoint = active.String
	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	session.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return session, true, nil
}

func (s *SQLiteStore) scanCheckpointRow(row rowScanner) (models.Checkpoint, error) {
	var (
		cp                   models.Checkpoint
		parentID             sql.NullString
		stateJSON            string
		createdAt, updatedAt string
	)
	if err := row.Scan(&cp.ID, &cp.SessionID, &parentID, &stateJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.Checkpoint{}, errs.NewStorageError(models.StorageNotFound, "checkpoint not found")
		}
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "scan checkpoint", err)
	}
	cp.ParentID = parentID.String
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return models.Checkpoint{}, errs.WrapStorageError(models.StorageInternal, "unmarshal checkpoint state", err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cp, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DB exposes the underlying connection so sibling packages that share this
// file's schema (the gateway's routing-key and delivery-context tables,
// migrated alongside the session/checkpoint tables) can open their own
// prepared statements against it without a second embedded-migration set.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
