package oauthserver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/jwtauth"
)

const (
	testClientID     = "host-client"
	testClientSecret = "host-secret"
	testRedirect     = "https://host.example/callback"
)

type accounts map[string]string

func (a accounts) Authenticate(ctx context.Context, identifier, secret string) (credentials.Account, error) {
	if want, ok := a[identifier]; ok && want == secret {
		return credentials.Account{ID: "acct-" + identifier, Identifier: identifier}, nil
	}
	return credentials.Account{}, credentials.ErrInvalidSecret
}

type fixture struct {
	srv *Server
	now time.Time
}

func newFixture(t *testing.T, client Client) *fixture {
	t.Helper()
	fx := &fixture{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	flows, err := NewMemoryFlowStore(0, func() time.Time { return fx.now })
	if err != nil {
		t.Fatalf("NewMemoryFlowStore: %v", err)
	}
	srv, err := New(Config{
		Issuer:   "https://gw.example",
		Secret:   []byte(strings.Repeat("k", 32)),
		Client:   client,
		Accounts: accounts{"alice": "pw"},
		Flows:    flows,
		Now:      func() time.Time { return fx.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.srv = srv
	return fx
}

func confidential() Client {
	return Client{ID: testClientID, Secret: testClientSecret, RedirectURIs: []string{testRedirect}}
}

var stateField = regexp.MustCompile(`name="state" value="([^"]+)"`)

func (fx *fixture) authorize(t *testing.T, extra url.Values) string {
	t.Helper()
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirect},
		"state":         {"client-state"},
	}
	for k, v := range extra {
		q[k] = v
	}
	rec := httptest.NewRecorder()
	fx.srv.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+q.Encode(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize GET status %d: %s", rec.Code, rec.Body.String())
	}
	m := stateField.FindStringSubmatch(rec.Body.String())
	if m == nil {
		t.Fatalf("no state in form: %s", rec.Body.String())
	}
	return m[1]
}

func (fx *fixture) signIn(state, identifier, secret string) *httptest.ResponseRecorder {
	form := url.Values{"state": {state}, "identifier": {identifier}, "secret": {secret}}
	req := httptest.NewRequest(http.MethodPost, AuthorizePath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.srv.HandleAuthorize(rec, req)
	return rec
}

func (fx *fixture) code(t *testing.T, extra url.Values) string {
	t.Helper()
	rec := fx.signIn(fx.authorize(t, extra), "alice", "pw")
	if rec.Code != http.StatusFound {
		t.Fatalf("sign in status %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad location: %v", err)
	}
	if got := loc.Query().Get("state"); got != "client-state" {
		t.Fatalf("client state %q not echoed", got)
	}
	return loc.Query().Get("code")
}

func (fx *fixture) exchange(form url.Values, basic bool) *httptest.ResponseRecorder {
	form.Set("grant_type", "authorization_code")
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basic {
		req.SetBasicAuth(testClientID, testClientSecret)
	}
	rec := httptest.NewRecorder()
	fx.srv.HandleToken(rec, req)
	return rec
}

func TestAuthorizationCodeFlow(t *testing.T) {
	fx := newFixture(t, confidential())
	ctx := context.Background()
	code := fx.code(t, nil)

	rec := fx.exchange(url.Values{"code": {code}, "redirect_uri": {testRedirect}}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status %d: %s", rec.Code, rec.Body.String())
	}
	var tr TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tr.TokenType != "Bearer" || tr.ExpiresIn != int64((30*24*time.Hour).Seconds()) {
		t.Fatalf("unexpected token response %+v", tr)
	}

	ui, err := fx.srv.CheckAuthentication(ctx, tr.AccessToken)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "acct-alice" || ui.Method() != auth.MethodOAuth {
		t.Fatalf("unexpected user %s/%s", ui.UserID(), ui.Method())
	}
	var claims jwtauth.Claims
	if err := ui.Claims(&claims); err != nil || claims.FlowID == "" {
		t.Fatalf("missing flow id: %v", err)
	}
	f, err := fx.srv.cfg.Flows.Get(ctx, claims.FlowID)
	if err != nil || f.State != StateTokenExchanged {
		t.Fatalf("flow state %s, %v", f.State, err)
	}

	if err := fx.srv.Bind(ctx, claims.FlowID, "sess-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := fx.srv.Bind(ctx, claims.FlowID, "sess-2"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	f, _ = fx.srv.cfg.Flows.Get(ctx, claims.FlowID)
	if f.State != StateBound || f.SessionID != "sess-2" {
		t.Fatalf("flow not bound: %+v", f)
	}
}

func TestStateIsSingleUse(t *testing.T) {
	fx := newFixture(t, confidential())
	state := fx.authorize(t, nil)
	if rec := fx.signIn(state, "alice", "pw"); rec.Code != http.StatusFound {
		t.Fatalf("first use status %d", rec.Code)
	}
	if rec := fx.signIn(state, "alice", "pw"); rec.Code != http.StatusBadRequest {
		t.Fatalf("reuse status %d, want 400", rec.Code)
	}
}

func TestStateExpires(t *testing.T) {
	fx := newFixture(t, confidential())
	state := fx.authorize(t, nil)
	fx.now = fx.now.Add(11 * time.Minute)
	if rec := fx.signIn(state, "alice", "pw"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expired state status %d, want 400", rec.Code)
	}
}

func TestWrongSecretKeepsFlowUsable(t *testing.T) {
	fx := newFixture(t, confidential())
	state := fx.authorize(t, nil)
	if rec := fx.signIn(state, "alice", "nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret status %d", rec.Code)
	}
	if rec := fx.signIn(state, "alice", "pw"); rec.Code != http.StatusFound {
		t.Fatalf("retry status %d", rec.Code)
	}
}

func TestTokenEndpointRejections(t *testing.T) {
	fx := newFixture(t, confidential())

	t.Run("code reuse", func(t *testing.T) {
		code := fx.code(t, nil)
		form := url.Values{"code": {code}, "redirect_uri": {testRedirect}}
		if rec := fx.exchange(form, true); rec.Code != http.StatusOK {
			t.Fatalf("first exchange %d", rec.Code)
		}
		rec := fx.exchange(url.Values{"code": {code}, "redirect_uri": {testRedirect}}, true)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid_grant") {
			t.Fatalf("reuse: %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("expired code", func(t *testing.T) {
		code := fx.code(t, nil)
		fx.now = fx.now.Add(3 * time.Minute)
		rec := fx.exchange(url.Values{"code": {code}, "redirect_uri": {testRedirect}}, true)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expired code status %d", rec.Code)
		}
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		code := fx.code(t, nil)
		rec := fx.exchange(url.Values{"code": {code}, "redirect_uri": {"https://evil.example/cb"}}, true)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "redirect_uri") {
			t.Fatalf("mismatch: %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("bad client secret", func(t *testing.T) {
		code := fx.code(t, nil)
		rec := fx.exchange(url.Values{
			"code":          {code},
			"redirect_uri":  {testRedirect},
			"client_id":     {testClientID},
			"client_secret": {"wrong"},
		}, false)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("bad secret status %d", rec.Code)
		}
	})

	t.Run("form client auth", func(t *testing.T) {
		code := fx.code(t, nil)
		rec := fx.exchange(url.Values{
			"code":          {code},
			"redirect_uri":  {testRedirect},
			"client_id":     {testClientID},
			"client_secret": {testClientSecret},
		}, false)
		if rec.Code != http.StatusOK {
			t.Fatalf("form auth status %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unsupported grant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader("grant_type=client_credentials"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		fx.srv.HandleToken(rec, req)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "unsupported_grant_type") {
			t.Fatalf("grant: %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestPublicClientRequiresPKCE(t *testing.T) {
	fx := newFixture(t, Client{ID: testClientID, RedirectURIs: []string{testRedirect}})

	q := url.Values{"response_type": {"code"}, "client_id": {testClientID}, "redirect_uri": {testRedirect}}
	rec := httptest.NewRecorder()
	fx.srv.HandleAuthorize(rec, httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+q.Encode(), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing challenge status %d", rec.Code)
	}

	verifier := "a-verifier-that-is-long-enough-to-be-realistic-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	pkce := url.Values{"code_challenge": {challenge}, "code_challenge_method": {"S256"}}

	code := fx.code(t, pkce)
	bad := fx.exchange(url.Values{"code": {code}, "redirect_uri": {testRedirect}, "client_id": {testClientID}, "code_verifier": {"wrong"}}, false)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("wrong verifier status %d", bad.Code)
	}

	code = fx.code(t, pkce)
	ok := fx.exchange(url.Values{"code": {code}, "redirect_uri": {testRedirect}, "client_id": {testClientID}, "code_verifier": {verifier}}, false)
	if ok.Code != http.StatusOK {
		t.Fatalf("pkce exchange status %d: %s", ok.Code, ok.Body.String())
	}
}

func TestRedirectValidation(t *testing.T) {
	fx := newFixture(t, Client{ID: testClientID, Secret: testClientSecret})
	tests := []struct {
		uri string
		ok  bool
	}{
		{"https://host.example/cb", true},
		{"http://localhost:3000/cb", true},
		{"http://127.0.0.1/cb", true},
		{"http://host.example/cb", false},
		{"https://host.example/cb#frag", false},
		{"", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := fx.srv.redirectAllowed(tt.uri); got != tt.ok {
			t.Errorf("redirectAllowed(%q) = %v, want %v", tt.uri, got, tt.ok)
		}
	}
}

func TestCheckAuthenticationRejectsSessionTokens(t *testing.T) {
	fx := newFixture(t, confidential())
	tok, _, err := fx.srv.codec.Issue("acct-alice", jwtauth.TypeSession, time.Hour, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := fx.srv.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	fx := newFixture(t, confidential())
	rec := httptest.NewRecorder()
	fx.srv.HandleMetadata(rec, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	var md AuthServerMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &md); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if md.TokenEndpoint != "https://gw.example/oauth/token" || md.AuthorizationEndpoint != "https://gw.example/oauth/authorize" {
		t.Fatalf("unexpected metadata %+v", md)
	}
}
