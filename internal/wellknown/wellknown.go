// Package wellknown serves the discovery documents hosts fetch before they
// authenticate: RFC 9728 protected resource metadata for the MCP endpoint and,
// through auth/oauthserver, RFC 8414 authorization server metadata.
package wellknown

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const protectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document for the MCP endpoint.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResourceMetadata describes resource. The gateway accepts its
// tokens in the Authorization header or the token query parameter.
func NewProtectedResourceMetadata(resource *url.URL, name string, authorizationServers ...string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               resource.String(),
		AuthorizationServers:   authorizationServers,
		BearerMethodsSupported: []string{"header", "query"},
		ResourceName:           name,
	}
}

// ProtectedResourceURL returns the metadata location for resource: the
// well-known prefix followed by the resource path, on the same origin.
func ProtectedResourceURL(resource *url.URL) *url.URL {
	p := strings.TrimSuffix(resource.Path, "/")
	return &url.URL{Scheme: resource.Scheme, Host: resource.Host, Path: protectedResourcePrefix + p}
}

// ServeDocument writes doc as JSON for GET and answers CORS preflights, so
// browser-based hosts can discover the endpoints.
func ServeDocument(w http.ResponseWriter, r *http.Request, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Protocol-Version")
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet, http.MethodHead:
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(doc)
		}
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
