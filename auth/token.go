package auth

import (
	"errors"
	"net/http"
	"strings"
)

// TokenQueryParam carries a bearer token in the URL for hosts that cannot
// set headers.
const TokenQueryParam = "token"

var (
	// ErrNoToken means the request carried no credentials at all.
	ErrNoToken = errors.New("auth: no token supplied")
	// ErrMalformedAuthorization means an Authorization header was present but
	// was not a non-empty Bearer credential.
	ErrMalformedAuthorization = errors.New("auth: malformed bearer authorization header")
)

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter. The header wins when both are
// present.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
			return "", ErrMalformedAuthorization
		}
		tok := strings.TrimSpace(h[len(prefix):])
		if tok == "" {
			return "", ErrMalformedAuthorization
		}
		return tok, nil
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}
