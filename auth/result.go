package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sets the challenge header and status, followed by message as the body.
func (c *AuthenticationChallenge) Write(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	http.Error(w, message, c.Status)
}

// NewAuthenticationRequired builds a challenge indicating credentials are
// required. loginURL is advertised so simple bearer-token hosts can find the
// interactive login page.
func NewAuthenticationRequired(realm, resourceMetadataURL, loginURL string) *AuthenticationChallenge {
	params := []string{fmt.Sprintf("realm=%s", quote(realm))}
	if resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf("resource_metadata=%s", quote(resourceMetadataURL)))
	}
	if loginURL != "" {
		params = append(params, fmt.Sprintf("login_uri=%s", quote(loginURL)))
	}
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: "Bearer " + strings.Join(params, ", "),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%s, error="invalid_request", error_description="Invalid Authorization header"`, quote(realm)),
	}
}

// NewInvalidTokenResult builds a challenge indicating the token is invalid
// or expired.
func NewInvalidTokenResult(realm, resourceMetadataURL, description string) *AuthenticationChallenge {
	params := []string{
		fmt.Sprintf("realm=%s", quote(realm)),
		`error="invalid_token"`,
		fmt.Sprintf("error_description=%s", quote(description)),
	}
	if resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf("resource_metadata=%s", quote(resourceMetadataURL)))
	}
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: "Bearer " + strings.Join(params, ", "),
	}
}

// quote renders s as an RFC 9110 quoted-string.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
