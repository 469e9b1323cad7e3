// Package bearer issues and validates the gateway's bearer session tokens.
//
// A session token is an HS256 JWT valid for 30 days by default. Validation
// is stateless: signature, expiry, issuer, audience and token type only.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/internal/jwtauth"
)

// DefaultTTL is the validity of an issued session token.
const DefaultTTL = 30 * 24 * time.Hour

// Audience is the aud claim of every gateway token.
const Audience = jwtauth.Audience

var _ auth.Authenticator = (*Issuer)(nil)

type Issuer struct {
	codec *jwtauth.Codec
	ttl   time.Duration
}

type Option func(*config)

type config struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock injects the time source used for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New builds an Issuer. issuer is the gateway's public URL.
func New(issuer string, secret []byte, opts ...Option) (*Issuer, error) {
	cfg := config{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	codec, err := jwtauth.New(jwtauth.Config{
		Issuer:   issuer,
		Audience: Audience,
		Secret:   secret,
		Now:      cfg.now,
	})
	if err != nil {
		return nil, fmt.Errorf("bearer: %w", err)
	}
	return &Issuer{codec: codec, ttl: cfg.ttl}, nil
}

// Issue signs a session token for userID and reports when it expires.
func (i *Issuer) Issue(userID string) (string, time.Time, error) {
	return i.codec.Issue(userID, jwtauth.TypeSession, i.ttl, nil)
}

func (i *Issuer) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	claims, err := i.codec.Verify(tok, jwtauth.TypeSession)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return nil, errors.Join(auth.ErrUnauthorized, err)
		}
		return nil, err
	}
	return auth.NewUserInfo(claims.Subject, auth.MethodBearer, claims), nil
}
