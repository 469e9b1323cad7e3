// Package credentials persists per-user upstream OAuth credentials together
// with the gateway's own application accounts and invite codes.
package credentials

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a credential, account or invite does not exist.
	ErrNotFound = errors.New("credentials: not found")
	// ErrInvalidSecret is returned when an account identifier/secret pair does
	// not match. Unknown identifiers produce the same error.
	ErrInvalidSecret = errors.New("credentials: invalid identifier or secret")
	// ErrConflict is returned when an account identifier is already taken.
	ErrConflict = errors.New("credentials: identifier already registered")
	// ErrInvalidAccount is returned when a new account's identifier or
	// secret is unacceptable.
	ErrInvalidAccount = errors.New("credentials: invalid account details")
	// ErrInviteUnavailable is returned for expired or already redeemed invites.
	ErrInviteUnavailable = errors.New("credentials: invite expired or already redeemed")
)

// MinSecretLen is the shortest accepted account secret.
const MinSecretLen = 8

// Credential is one user's OAuth grant against one upstream provider.
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
	TenantID     string
	TenantName   string
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(margin))
}

// Account is an application user of the gateway.
type Account struct {
	ID          string
	Identifier  string
	DisplayName string
	CreatedAt   time.Time
}

// Invite is a single-use code that lets a new user create an account.
type Invite struct {
	Code       string
	CreatedBy  string
	ExpiresAt  time.Time
	RedeemedBy string
	RedeemedAt time.Time
}

// Store is the credential store contract.
type Store interface {
	GetCredential(ctx context.Context, userID, provider string) (Credential, error)
	// PutCredential inserts or replaces the (UserID, Provider) row.
	PutCredential(ctx context.Context, cred Credential) error
	DeleteCredential(ctx context.Context, userID, provider string) error

	CreateAccount(ctx context.Context, identifier, displayName, secret string) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	Authenticate(ctx context.Context, identifier, secret string) (Account, error)

	CreateInvite(ctx context.Context, createdBy string, ttl time.Duration) (Invite, error)
	RedeemInvite(ctx context.Context, code, identifier, displayName, secret string) (Account, error)
}
