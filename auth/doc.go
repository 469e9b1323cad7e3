// Package auth establishes who is calling the gateway.
//
// Two independent credential flows produce the same outcome, a verified
// gateway account id:
//
//   - bearer.Issuer signs 30-day session tokens after an interactive login
//     and validates them statelessly (signature and expiry only).
//   - oauthserver.Server runs an OAuth 2.0 authorization-code grant for
//     hosts that require it and validates the access tokens it issues.
//
// Both implement Authenticator. The streaming transport extracts the token
// from the `token` query parameter or the Authorization header and offers it
// to a Chain of the two; neither flow depends on the other.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// type). Any other error is an infrastructure failure and maps to a 500.
// AuthenticationChallenge values carry the WWW-Authenticate header written
// on rejection.
package auth
