// Package jwtauth signs and verifies the gateway's own HS256 tokens: bearer
// session tokens and OAuth access tokens. Both share one signing secret and
// are told apart by the typ claim.
package jwtauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, expiry or type) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// MinSecretLen is the shortest accepted signing secret.
const MinSecretLen = 32

// Audience is the aud claim of every gateway token.
const Audience = "tool-gateway"

// Token types carried in the typ claim.
const (
	TypeSession = "session"
	TypeOAuth   = "oauth"
)

// Config controls signing and validation.
type Config struct {
	Issuer   string
	Audience string
	Secret   []byte
	// Leeway tolerates clock skew on exp, iat and nbf.
	Leeway time.Duration
	Now    func() time.Time
}

// Claims is the claim set of every gateway token.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
	// FlowID links an OAuth access token to its authorization flow.
	FlowID   string `json:"fid,omitempty"`
	ClientID string `json:"cid,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type Codec struct {
	cfg Config
}

func New(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLen {
		return nil, fmt.Errorf("jwtauth: signing secret must be at least %d bytes", MinSecretLen)
	}
	if cfg.Issuer == "" {
		return nil, errors.New("jwtauth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("jwtauth: audience is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &Codec{cfg: cfg}, nil
}

// Issue signs a token of type typ for subject, valid for ttl. extra may
// set the optional claims.
func (c *Codec) Issue(subject, typ string, ttl time.Duration, extra func(*Claims)) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("jwtauth: subject is required")
	}
	now := c.cfg.Now()
	exp := now.Add(ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.cfg.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Type: typ,
	}
	if extra != nil {
		extra(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwtauth: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify validates tok statelessly and requires its typ claim to equal typ.
func (c *Codec) Verify(tok, typ string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Audience),
		jwt.WithLeeway(c.cfg.Leeway),
		jwt.WithTimeFunc(c.cfg.Now),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return c.cfg.Secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("%w: token type %q, want %q", ErrUnauthorized, claims.Type, typ)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims, nil
}
