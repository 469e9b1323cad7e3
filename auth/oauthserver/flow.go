package oauthserver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFlowNotFound is returned for unknown or expired flows and codes.
	ErrFlowNotFound = errors.New("oauthserver: flow not found or expired")
	// ErrFlowState is returned when a transition's expected state does not
	// match the stored flow, which is how reuse of a single-use value shows up.
	ErrFlowState = errors.New("oauthserver: flow is not in the expected state")
)

// State is a step of the authorization flow state machine.
type State string

const (
	StateInitiated      State = "initiated"
	StateCodeReceived   State = "code_received"
	StateTokenExchanged State = "token_exchanged"
	StateBound          State = "bound_to_session"
)

// Flow kinds. KindAuthorize is the gateway's own authorization-code grant;
// KindConnect tracks an upstream account connection started by a signed-in
// user.
const (
	KindAuthorize = "authorize"
	KindConnect   = "connect"
)

// Flow is one authorization attempt. Its ID doubles as the single-use state
// value handed to the browser.
type Flow struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State State  `json:"state"`

	ClientID            string `json:"client_id,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	ClientState         string `json:"client_state,omitempty"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// Verifier and Nonce belong to connect flows: the PKCE verifier and
	// OIDC nonce sent to the upstream provider.
	Verifier string `json:"verifier,omitempty"`
	Nonce    string `json:"nonce,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (f Flow) expired(now time.Time) bool {
	return !f.ExpiresAt.After(now)
}

// FlowStore persists flows. Implementations must make Transition atomic: of
// two concurrent transitions out of the same state exactly one succeeds.
type FlowStore interface {
	// Create stores a new flow until its ExpiresAt.
	Create(ctx context.Context, f Flow) error
	Get(ctx context.Context, id string) (Flow, error)
	// Transition moves the flow out of state from. update receives a copy of
	// the stored flow and must set the new State; the stored expiry follows
	// the updated ExpiresAt. When the update assigns a Code, the store
	// indexes it for TakeCode until the new expiry.
	Transition(ctx context.Context, id string, from State, update func(*Flow)) (Flow, error)
	// TakeCode resolves and removes an authorization code. A code resolves
	// at most once.
	TakeCode(ctx context.Context, code string) (string, error)
}

// NewFlowID returns an unguessable flow id.
func NewFlowID() (string, error) {
	return randomToken(32)
}
