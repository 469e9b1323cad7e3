package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Authentication methods reported by UserInfo.Method.
const (
	MethodBearer = "bearer"
	MethodOAuth  = "oauth"
)

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the gateway account id.
	UserID() string
	// Method reports which credential flow authenticated the caller.
	Method() string
	// Claims unmarshalls the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// NewUserInfo builds a UserInfo. claims is marshalled on demand by Claims.
func NewUserInfo(userID, method string, claims any) UserInfo {
	return &userInfo{userID: userID, method: method, claims: claims}
}

type userInfo struct {
	userID string
	method string
	claims any
}

func (u *userInfo) UserID() string { return u.userID }
func (u *userInfo) Method() string { return u.method }
func (u *userInfo) Claims(ref any) error {
	if u.claims == nil {
		return nil
	}
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Chain tries each authenticator in order and returns the first success.
// The two gateway credential flows never depend on each other; a token is
// simply offered to each in turn.
func Chain(authenticators ...Authenticator) Authenticator {
	return chain(authenticators)
}

type chain []Authenticator

func (c chain) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	errs := []error{ErrUnauthorized}
	for _, a := range c {
		ui, err := a.CheckAuthentication(ctx, tok)
		if err == nil {
			return ui, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			// Infrastructure failure, not a bad token.
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}
