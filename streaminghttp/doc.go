// Package streaminghttp implements the MCP streaming HTTP transport for the
// gateway. It mounts as a standard net/http handler on the public MCP URL.
//
// # Endpoints
//
//   - POST carries one JSON-RPC message. An initialize without an
//     Mcp-Session-Id header opens a session, or resumes the caller's
//     disconnected one when the same credential is presented again. Requests
//     are answered on a one-frame event stream; notifications get 202.
//   - GET opens the session's event stream. Out-of-band events, such as a
//     connection that must be re-authorized, are delivered here. Closing the
//     last stream starts the session's grace window.
//   - DELETE ends the session.
//   - The RFC 9728 protected resource metadata document is served under
//     /.well-known/oauth-protected-resource followed by the MCP path.
//
// # Authentication
//
// Every request presents a bearer token in the Authorization header or the
// token query parameter. Failures answer with a WWW-Authenticate challenge
// naming the protected resource metadata and the interactive login page.
//
// # Scaling
//
// Session state lives in the sessions.Host, so any replica can serve any
// request. A cancellation notification only reaches a request running on the
// replica that receives it.
//
// Example:
//
//	h, err := streaminghttp.New("https://gw.example/mcp", eng, authenticator,
//	    streaminghttp.WithRealm("tool-gateway"),
//	    streaminghttp.WithAuthorizationServers("https://gw.example"),
//	)
//	if err != nil {
//	    return err
//	}
//	for _, p := range h.Paths() {
//	    mux.Handle(p, h)
//	}
package streaminghttp
