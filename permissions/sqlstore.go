package permissions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/google/uuid"
)

var (
	_ Store         = (*SQLStore)(nil)
	_ SnapshotStore = (*SQLStore)(nil)
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// SQLStore implements Store and SnapshotStore on the gateway database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*SQLStore)

func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

func NewSQLStore(db *sql.DB, opts ...Option) *SQLStore {
	s := &SQLStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLStore) GlobalLevel(ctx context.Context, userID string) (Level, error) {
	var lvl int
	err := s.db.QueryRowContext(ctx, `SELECT level FROM permission_levels WHERE user_id = ?`, userID).Scan(&lvl)
	if errors.Is(err, sql.ErrNoRows) {
		return LevelReadOnly, nil
	}
	if err != nil {
		return LevelReadOnly, fmt.Errorf("global level: %w", err)
	}
	return Level(lvl), nil
}

func (s *SQLStore) GroupLevel(ctx context.Context, userID, group string) (Level, bool, error) {
	var lvl int
	err := s.db.QueryRowContext(ctx, `SELECT level FROM permission_group_levels WHERE user_id = ? AND capability_group = ?`, userID, group).Scan(&lvl)
	if errors.Is(err, sql.ErrNoRows) {
		return LevelReadOnly, false, nil
	}
	if err != nil {
		return LevelReadOnly, false, fmt.Errorf("group level: %w", err)
	}
	return Level(lvl), true, nil
}

func (s *SQLStore) SetGlobalLevel(ctx context.Context, userID string, level Level) error {
	if !level.Valid() {
		return ErrInvalidLevel
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO permission_levels (user_id, level, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at`,
		userID, int(level), sqlitedb.UnixNano(s.now()))
	if err != nil {
		return fmt.Errorf("set global level: %w", err)
	}
	return nil
}

func (s *SQLStore) SetGroupLevel(ctx context.Context, userID, group string, level Level) error {
	if !level.Valid() {
		return ErrInvalidLevel
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO permission_group_levels (user_id, capability_group, level, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, capability_group) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at`,
		userID, group, int(level), sqlitedb.UnixNano(s.now()))
	if err != nil {
		return fmt.Errorf("set group level: %w", err)
	}
	return nil
}

func (s *SQLStore) ClearGroupLevel(ctx context.Context, userID, group string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permission_group_levels WHERE user_id = ? AND capability_group = ?`, userID, group); err != nil {
		return fmt.Errorf("clear group level: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateSnapshot(ctx context.Context, snap OperationSnapshot) (OperationSnapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.Status == "" {
		snap.Status = StatusPending
	}
	snap.CreatedAt = s.now().UTC()
	snap.ExecutedAt = nil
	_, err := s.db.ExecContext(ctx, `INSERT INTO operation_snapshots
		(id, user_id, operation_name, required_level, entity_type, entity_id, before_state, after_state, requested_by, status, error, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, '', ?, NULL)`,
		snap.ID, snap.UserID, snap.OperationName, int(snap.RequiredLevel), snap.EntityType, snap.EntityID,
		nullJSON(snap.BeforeState), snap.RequestedBy, string(snap.Status), sqlitedb.UnixNano(snap.CreatedAt))
	if err != nil {
		return OperationSnapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	snap.AfterState = nil
	snap.Error = ""
	return snap, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, status Status, afterState json.RawMessage, errMsg string) (OperationSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OperationSnapshot{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	snap, err := getSnapshot(ctx, tx, id)
	if err != nil {
		return OperationSnapshot{}, err
	}
	if !CanTransition(snap.Status, status) {
		return OperationSnapshot{}, fmt.Errorf("%w: %s -> %s", ErrSnapshotFinal, snap.Status, status)
	}

	snap.Status = status
	if len(afterState) > 0 {
		snap.AfterState = afterState
	}
	if errMsg != "" {
		snap.Error = errMsg
	}
	var executedAt any
	if status.Terminal() {
		t := s.now().UTC()
		snap.ExecutedAt = &t
		executedAt = sqlitedb.UnixNano(t)
	}
	_, err = tx.ExecContext(ctx, `UPDATE operation_snapshots SET status = ?, after_state = ?, error = ?, executed_at = ? WHERE id = ?`,
		string(snap.Status), nullJSON(snap.AfterState), snap.Error, executedAt, id)
	if err != nil {
		return OperationSnapshot{}, fmt.Errorf("update snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return OperationSnapshot{}, fmt.Errorf("commit transition: %w", err)
	}
	return snap, nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id string) (OperationSnapshot, error) {
	return getSnapshot(ctx, s.db, id)
}

func (s *SQLStore) ListSnapshots(ctx context.Context, userID string, limit int) ([]OperationSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM operation_snapshots WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	out := []OperationSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

const snapshotColumns = `id, user_id, operation_name, required_level, entity_type, entity_id, before_state, after_state, requested_by, status, error, created_at, executed_at`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getSnapshot(ctx context.Context, q queryRower, id string) (OperationSnapshot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM operation_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OperationSnapshot{}, ErrSnapshotNotFound
	}
	return snap, err
}

func scanSnapshot(row scanner) (OperationSnapshot, error) {
	var (
		snap       OperationSnapshot
		level      int
		before     sql.NullString
		after      sql.NullString
		status     string
		created    int64
		executedAt sql.NullInt64
	)
	err := row.Scan(&snap.ID, &snap.UserID, &snap.OperationName, &level, &snap.EntityType, &snap.EntityID,
		&before, &after, &snap.RequestedBy, &status, &snap.Error, &created, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return OperationSnapshot{}, err
	}
	if err != nil {
		return OperationSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.RequiredLevel = Level(level)
	snap.Status = Status(status)
	snap.CreatedAt = sqlitedb.FromUnixNano(created)
	if before.Valid {
		snap.BeforeState = json.RawMessage(before.String)
	}
	if after.Valid {
		snap.AfterState = json.RawMessage(after.String)
	}
	if executedAt.Valid {
		t := sqlitedb.FromUnixNano(executedAt.Int64)
		snap.ExecutedAt = &t
	}
	return snap, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
