package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestProtectedResourceURL(t *testing.T) {
	tests := []struct {
		resource string
		want     string
	}{
		{"https://gw.example/mcp", "https://gw.example/.well-known/oauth-protected-resource/mcp"},
		{"https://gw.example/mcp/", "https://gw.example/.well-known/oauth-protected-resource/mcp"},
		{"http://localhost:8080", "http://localhost:8080/.well-known/oauth-protected-resource"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.resource)
		if err != nil {
			t.Fatal(err)
		}
		if got := ProtectedResourceURL(u).String(); got != tt.want {
			t.Errorf("ProtectedResourceURL(%s) = %s, want %s", tt.resource, got, tt.want)
		}
	}
}

func TestServeDocument(t *testing.T) {
	u, _ := url.Parse("https://gw.example/mcp")
	doc := NewProtectedResourceMetadata(u, "Tool Gateway", "https://gw.example")

	rec := httptest.NewRecorder()
	ServeDocument(rec, httptest.NewRequest(http.MethodGet, "/", nil), doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	var got ProtectedResourceMetadata
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Resource != "https://gw.example/mcp" || len(got.AuthorizationServers) != 1 {
		t.Fatalf("unexpected document: %+v", got)
	}

	rec = httptest.NewRecorder()
	ServeDocument(rec, httptest.NewRequest(http.MethodOptions, "/", nil), doc)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight: status %d headers %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	ServeDocument(rec, httptest.NewRequest(http.MethodPost, "/", nil), doc)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", rec.Code)
	}
}
