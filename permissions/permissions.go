// Package permissions resolves permission tiers and keeps the audit trail of
// write attempts.
//
// A user has a global Level and optional per capability group overrides. The
// effective level for a call is the lower of the two when both exist. Every
// call requiring a Level above LevelReadOnly records an OperationSnapshot
// before it runs; the snapshot always ends in a terminal Status.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSnapshotNotFound = errors.New("permissions: snapshot not found")
	// ErrSnapshotFinal is returned when transitioning a snapshot that has
	// already reached a terminal status, or along an edge that is not allowed.
	ErrSnapshotFinal = errors.New("permissions: snapshot is final")
	ErrInvalidLevel  = errors.New("permissions: level must be between 0 and 3")
)

// Level is a permission tier.
type Level int

const (
	LevelReadOnly      Level = 0
	LevelCreateDraft   Level = 1
	LevelApproveUpdate Level = 2
	LevelDeleteVoid    Level = 3
)

func (l Level) Valid() bool { return l >= LevelReadOnly && l <= LevelDeleteVoid }

func (l Level) String() string {
	switch l {
	case LevelReadOnly:
		return "read_only"
	case LevelCreateDraft:
		return "create_draft"
	case LevelApproveUpdate:
		return "approve_update"
	case LevelDeleteVoid:
		return "delete_void"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Status is an OperationSnapshot lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to.Terminal()
	case StatusConfirmed:
		return to.Terminal()
	}
	return false
}

// OperationSnapshot is the audit record of one write attempt.
type OperationSnapshot struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	OperationName string          `json:"operationName"`
	RequiredLevel Level           `json:"requiredLevel"`
	EntityType    string          `json:"entityType,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	BeforeState   json.RawMessage `json:"beforeState,omitempty"`
	AfterState    json.RawMessage `json:"afterState,omitempty"`
	RequestedBy   string          `json:"requestedBy"`
	Status        Status          `json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExecutedAt    *time.Time      `json:"executedAt,omitempty"`
}

// Store persists permission records. A user without a record is at
// LevelReadOnly; a group without an override has no effect.
type Store interface {
	GlobalLevel(ctx context.Context, userID string) (Level, error)
	// GroupLevel reports the override for group and whether one exists.
	GroupLevel(ctx context.Context, userID, group string) (Level, bool, error)
	SetGlobalLevel(ctx context.Context, userID string, level Level) error
	SetGroupLevel(ctx context.Context, userID, group string, level Level) error
	// ClearGroupLevel removes an override. Missing overrides are not an error.
	ClearGroupLevel(ctx context.Context, userID, group string) error
}

// SnapshotStore persists the audit trail.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s OperationSnapshot) (OperationSnapshot, error)
	// Transition moves the snapshot to status. afterState and errMsg are
	// recorded when non-empty. Illegal edges return ErrSnapshotFinal.
	Transition(ctx context.Context, id string, status Status, afterState json.RawMessage, errMsg string) (OperationSnapshot, error)
	GetSnapshot(ctx context.Context, id string) (OperationSnapshot, error)
	// ListSnapshots returns the user's most recent snapshots, newest first.
	ListSnapshots(ctx context.Context, userID string, limit int) ([]OperationSnapshot, error)
}
