// Package authtest provides authenticators for tests.
package authtest

import (
	"context"
	"sync"

	"github.com/ggoodman/tool-gateway/auth"
)

// Static is a test authenticator that maps fixed tokens to user ids.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]string
	method string
}

// NewStatic creates a Static authenticator reporting method for every user.
// If method is empty, it defaults to auth.MethodBearer.
func NewStatic(method string) *Static {
	if method == "" {
		method = auth.MethodBearer
	}
	return &Static{tokens: make(map[string]string), method: method}
}

// Add registers tok for userID.
func (s *Static) Add(tok, userID string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok] = userID
	return s
}

// Revoke forgets tok.
func (s *Static) Revoke(tok string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, tok)
}

func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.tokens[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return auth.NewUserInfo(userID, s.method, nil), nil
}
