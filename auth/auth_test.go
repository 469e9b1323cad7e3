package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/auth/authtest"
)

type failing struct{ err error }

func (f failing) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return nil, f.err
}

func TestChainTriesEachAuthenticator(t *testing.T) {
	bearer := authtest.NewStatic(auth.MethodBearer).Add("b-tok", "alice")
	oauth := authtest.NewStatic(auth.MethodOAuth).Add("o-tok", "bob")
	c := auth.Chain(bearer, oauth)

	ui, err := c.CheckAuthentication(context.Background(), "o-tok")
	if err != nil {
		t.Fatalf("oauth token: %v", err)
	}
	if ui.UserID() != "bob" || ui.Method() != auth.MethodOAuth {
		t.Fatalf("unexpected user %s via %s", ui.UserID(), ui.Method())
	}

	ui, err = c.CheckAuthentication(context.Background(), "b-tok")
	if err != nil || ui.UserID() != "alice" {
		t.Fatalf("bearer token: %v", err)
	}

	if _, err := c.CheckAuthentication(context.Background(), "nope"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestChainStopsOnInfrastructureError(t *testing.T) {
	boom := errors.New("db down")
	c := auth.Chain(failing{err: boom}, authtest.NewStatic("").Add("tok", "alice"))
	_, err := c.CheckAuthentication(context.Background(), "tok")
	if !errors.Is(err, boom) || errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestChallengeQuoting(t *testing.T) {
	ch := auth.NewInvalidTokenResult("gw", "https://gw.example/.well-known/oauth-protected-resource/mcp", `token "expired"`)
	if ch.Status != 401 {
		t.Fatalf("status %d", ch.Status)
	}
	if !strings.Contains(ch.WWWAuthenticate, `error_description="token \"expired\""`) {
		t.Fatalf("description not escaped: %s", ch.WWWAuthenticate)
	}
	if !strings.HasPrefix(ch.WWWAuthenticate, "Bearer realm=\"gw\"") {
		t.Fatalf("unexpected header %s", ch.WWWAuthenticate)
	}
}

func TestUserInfoClaims(t *testing.T) {
	ui := auth.NewUserInfo("alice", auth.MethodBearer, map[string]any{"fid": "flow-1"})
	var c struct {
		FlowID string `json:"fid"`
	}
	if err := ui.Claims(&c); err != nil || c.FlowID != "flow-1" {
		t.Fatalf("claims: %v %+v", err, c)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
		err    error
	}{
		{name: "header", target: "/mcp", header: "Bearer abc", want: "abc"},
		{name: "lowercase scheme", target: "/mcp", header: "bearer abc", want: "abc"},
		{name: "query", target: "/mcp?token=q-tok", want: "q-tok"},
		{name: "header wins", target: "/mcp?token=q-tok", header: "Bearer h-tok", want: "h-tok"},
		{name: "none", target: "/mcp", err: auth.ErrNoToken},
		{name: "basic scheme", target: "/mcp", header: "Basic Zm9vOmJhcg==", err: auth.ErrMalformedAuthorization},
		{name: "empty bearer", target: "/mcp", header: "Bearer    ", err: auth.ErrMalformedAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := auth.TokenFromRequest(r)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestAttemptLimiter(t *testing.T) {
	l := auth.NewAttemptLimiter(0.001, 2)
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRequest(http.MethodPost, "/login", nil)
	other.RemoteAddr = "198.51.100.8:4000"

	if !l.Allow(r) || !l.Allow(r) {
		t.Fatalf("burst should be allowed")
	}
	if l.Allow(r) {
		t.Fatalf("third attempt should be throttled")
	}
	if !l.Allow(other) {
		t.Fatalf("other address must have its own budget")
	}
	var disabled *auth.AttemptLimiter
	if !disabled.Allow(r) {
		t.Fatalf("nil limiter must allow")
	}
}
