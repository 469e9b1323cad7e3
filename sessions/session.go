package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown, expired or foreign sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by Host.CreateSession for a duplicate id.
	ErrSessionExists = errors.New("session already exists")
)

// TransportState is the lifecycle state of a session's transport.
type TransportState string

const (
	// StateConnected: at least one event stream is open, or the client is
	// calling in request/response mode.
	StateConnected TransportState = "connected"
	// StateDisconnected: the last event stream closed and the grace window is
	// running.
	StateDisconnected TransportState = "disconnected"
	// StateExpired: the sweep claimed the session; it is about to be deleted.
	StateExpired TransportState = "expired"
)

// ClientInfo identifies the client software that created the session.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Session is the stored session record.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	// Identity is derived from the credential the client connected with; a
	// reconnect presenting the same credential resumes the session.
	Identity        string         `json:"identity"`
	ProtocolVersion string         `json:"protocolVersion"`
	Client          ClientInfo     `json:"client"`
	EstablishedAt   time.Time      `json:"establishedAt"`
	LastActivityAt  time.Time      `json:"lastActivityAt"`
	TransportState  TransportState `json:"transportState"`
	// Streams counts the open event streams.
	Streams        int       `json:"streams"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitzero"`
	// ExpiresAt is when the sweep may reap the session. The Manager keeps it
	// current on every mutation; hosts index on it.
	ExpiresAt  time.Time         `json:"expiresAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Attributes = maps.Clone(s.Attributes)
	return s
}

// Live reports whether the session may still be used at now.
func (s Session) Live(now time.Time) bool {
	return s.TransportState != StateExpired && s.ExpiresAt.After(now)
}

// Event is an out-of-band message delivered on a session's event stream.
type Event struct {
	ID string `json:"-"`
	// Type is the SSE event name: "message" or "error".
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	EventMessage = "message"
	EventError   = "error"
)

// EventHandler receives events in publish order. Returning an error ends the
// subscription with that error.
type EventHandler func(ctx context.Context, id string, data []byte) error

// Host is the storage and coordination contract behind the Manager.
// Implementations must be safe for concurrent use.
type Host interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession applies fn to the current record atomically and stores
	// the result. An error from fn aborts the update and is returned as is.
	UpdateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	// DeleteSession removes the record and its identity index entry. Deleting
	// a missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
	// FindByIdentity returns the most recently created session for identity.
	FindByIdentity(ctx context.Context, identity string) (Session, error)
	// ListIdle returns the sessions whose ExpiresAt is not after before.
	ListIdle(ctx context.Context, before time.Time) ([]Session, error)

	// PublishEvent appends an event to the session's stream.
	PublishEvent(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeEvents delivers events published after the call until ctx
	// ends or handler fails.
	SubscribeEvents(ctx context.Context, sessionID string, handler EventHandler) error
}

// IdentityOf derives a session identity from a presented credential. The
// credential itself is never stored.
func IdentityOf(userID, credential string) string {
	sum := sha256.Sum256([]byte(userID + "\x00" + credential))
	return hex.EncodeToString(sum[:])
}
