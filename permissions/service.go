package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/tool-gateway/apierr"
)

// WriteRequest describes one write attempt handed to Service.Execute.
type WriteRequest struct {
	UserID          string
	RequestedBy     string
	OperationName   string
	CapabilityGroup string
	RequiredLevel   Level
	EntityType      string
	EntityID        string
	// Before captures the entity's current state. It is optional; a failure
	// is logged and the snapshot is recorded without a before state.
	Before func(ctx context.Context) (json.RawMessage, error)
}

// WriteFunc performs the write and returns the resulting state.
type WriteFunc func(ctx context.Context) (json.RawMessage, error)

// Service answers authorization questions and wraps writes in snapshots.
type Service struct {
	levels    Store
	snapshots SnapshotStore
	log       *slog.Logger
}

type ServiceOption func(*Service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(levels Store, snapshots SnapshotStore, opts ...ServiceOption) *Service {
	s := &Service{levels: levels, snapshots: snapshots, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EffectiveLevel is the global level, lowered by the group override when one
// exists.
func (s *Service) EffectiveLevel(ctx context.Context, userID, group string) (Level, error) {
	global, err := s.levels.GlobalLevel(ctx, userID)
	if err != nil {
		return LevelReadOnly, err
	}
	if group == "" {
		return global, nil
	}
	groupLevel, ok, err := s.levels.GroupLevel(ctx, userID, group)
	if err != nil {
		return LevelReadOnly, err
	}
	if ok && groupLevel < global {
		return groupLevel, nil
	}
	return global, nil
}

// Authorize returns nil when the user's effective level for group meets
// required, or an apierr authorization error naming both levels.
func (s *Service) Authorize(ctx context.Context, userID, group string, required Level) error {
	current, err := s.EffectiveLevel(ctx, userID, group)
	if err != nil {
		return apierr.Internal(fmt.Errorf("resolve permission level: %w", err))
	}
	if current < required {
		return apierr.Authorization(int(required), int(current))
	}
	return nil
}

// Execute runs fn under the snapshot lifecycle. Exactly one snapshot is
// recorded per call and it is always left in a terminal status, including
// when authorization is denied.
func (s *Service) Execute(ctx context.Context, req WriteRequest, fn WriteFunc) (OperationSnapshot, error) {
	if req.RequiredLevel <= LevelReadOnly {
		return OperationSnapshot{}, fmt.Errorf("permissions: %s is not a write operation", req.OperationName)
	}
	if req.RequestedBy == "" {
		req.RequestedBy = req.UserID
	}
	log := s.log.With(slog.String("op", req.OperationName), slog.String("user", req.UserID))

	// Terminal transitions must land even when the caller has gone away.
	final := context.WithoutCancel(ctx)

	snap := OperationSnapshot{
		UserID:        req.UserID,
		OperationName: req.OperationName,
		RequiredLevel: req.RequiredLevel,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		RequestedBy:   req.RequestedBy,
		Status:        StatusPending,
	}

	if authErr := s.Authorize(ctx, req.UserID, req.CapabilityGroup, req.RequiredLevel); authErr != nil {
		done, err := s.recordClosed(final, snap, StatusCancelled, authErr)
		if err != nil {
			return done, err
		}
		log.InfoContext(ctx, "permissions.snapshot.denied", slog.String("snapshot", done.ID))
		return done, authErr
	}

	if req.Before != nil {
		before, err := req.Before(ctx)
		if err != nil {
			log.WarnContext(ctx, "permissions.snapshot.before.fail", slog.String("err", err.Error()))
		} else {
			snap.BeforeState = before
		}
	}

	created, err := s.snapshots.CreateSnapshot(final, snap)
	if err != nil {
		// No audit record means no write.
		return OperationSnapshot{}, apierr.Internal(fmt.Errorf("record write attempt: %w", err))
	}

	after, runErr := fn(ctx)

	var (
		status Status
		errMsg string
	)
	switch {
	case runErr == nil:
		status = StatusExecuted
	case errors.Is(runErr, context.Canceled):
		status = StatusCancelled
		errMsg = runErr.Error()
	default:
		status = StatusFailed
		errMsg = runErr.Error()
	}
	if runErr != nil {
		after = nil
	}

	done, err := s.snapshots.Transition(final, created.ID, status, after, errMsg)
	if err != nil {
		log.ErrorContext(ctx, "permissions.snapshot.transition.fail", slog.String("snapshot", created.ID), slog.String("err", err.Error()))
		return created, errors.Join(runErr, fmt.Errorf("finalize snapshot %s: %w", created.ID, err))
	}
	if runErr != nil {
		log.InfoContext(ctx, "permissions.snapshot."+string(status), slog.String("snapshot", done.ID), slog.String("err", runErr.Error()))
		return done, runErr
	}
	log.InfoContext(ctx, "permissions.snapshot.executed", slog.String("snapshot", done.ID))
	return done, nil
}

// Reject records a write attempt that was refused before it could run, such
// as one whose arguments failed validation. The snapshot goes straight to
// StatusFailed with cause as its error, and cause is returned.
func (s *Service) Reject(ctx context.Context, req WriteRequest, cause error) (OperationSnapshot, error) {
	if req.RequestedBy == "" {
		req.RequestedBy = req.UserID
	}
	snap := OperationSnapshot{
		UserID:        req.UserID,
		OperationName: req.OperationName,
		RequiredLevel: req.RequiredLevel,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		RequestedBy:   req.RequestedBy,
		Status:        StatusPending,
	}
	done, err := s.recordClosed(context.WithoutCancel(ctx), snap, StatusFailed, cause)
	if err != nil {
		return done, err
	}
	s.log.InfoContext(ctx, "permissions.snapshot.rejected",
		slog.String("op", req.OperationName), slog.String("user", req.UserID), slog.String("snapshot", done.ID))
	return done, cause
}

// recordClosed creates snap and immediately moves it to the terminal status
// with cause as its error.
func (s *Service) recordClosed(ctx context.Context, snap OperationSnapshot, status Status, cause error) (OperationSnapshot, error) {
	created, err := s.snapshots.CreateSnapshot(ctx, snap)
	if err != nil {
		return OperationSnapshot{}, errors.Join(cause, fmt.Errorf("record refused attempt: %w", err))
	}
	done, err := s.snapshots.Transition(ctx, created.ID, status, nil, cause.Error())
	if err != nil {
		return created, errors.Join(cause, fmt.Errorf("close snapshot %s: %w", created.ID, err))
	}
	return done, nil
}

// History lists the user's recent write attempts.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]OperationSnapshot, error) {
	return s.snapshots.ListSnapshots(ctx, userID, limit)
}

// Levels reports the user's global level and the override for each named
// group that has one.
func (s *Service) Levels(ctx context.Context, userID string, groups []string) (Level, map[string]Level, error) {
	global, err := s.levels.GlobalLevel(ctx, userID)
	if err != nil {
		return LevelReadOnly, nil, err
	}
	out := make(map[string]Level)
	for _, g := range groups {
		lvl, ok, err := s.levels.GroupLevel(ctx, userID, g)
		if err != nil {
			return LevelReadOnly, nil, err
		}
		if ok {
			out[g] = lvl
		}
	}
	return global, out, nil
}
