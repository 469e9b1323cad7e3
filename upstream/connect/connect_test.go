package connect

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/tool-gateway/auth/authtest"
	"github.com/ggoodman/tool-gateway/auth/oauthserver"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/ggoodman/tool-gateway/upstream"
)

const clientID = "upstream-client"

// mockProvider is an OIDC provider with token and connections endpoints.
type mockProvider struct {
	srv    *httptest.Server
	key    *rsa.PrivateKey
	signer jose.Signer

	mu        sync.Mutex
	nonce     string
	verifiers []string
	badNonce  bool
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: pk},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"))
	require.NoError(t, err)
	m := &mockProvider{key: pk, signer: signer}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                m.srv.URL,
			"authorization_endpoint":                m.srv.URL + "/authorize",
			"token_endpoint":                        m.srv.URL + "/token",
			"jwks_uri":                              m.srv.URL + "/keys",
			"response_types_supported":              []string{"code"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "test-key", Algorithm: "RS256", Use: "sig"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		m.mu.Lock()
		m.verifiers = append(m.verifiers, r.PostForm.Get("code_verifier"))
		nonce := m.nonce
		if m.badNonce {
			nonce = "someone-else"
		}
		m.mu.Unlock()
		if r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    1800,
			"scope":         "openid offline_access accounting.transactions",
			"id_token":      m.idToken(t, nonce),
		})
	})
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]Tenant{
			{TenantID: "practice-1", TenantType: "PRACTICEMANAGER", TenantName: "Practice"},
			{TenantID: "org-1", TenantType: "ORGANISATION", TenantName: "Demo Company"},
		})
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockProvider) idToken(t *testing.T, nonce string) string {
	now := time.Now()
	payload, err := json.Marshal(map[string]any{
		"iss":   m.srv.URL,
		"sub":   "upstream-user",
		"aud":   clientID,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"nonce": nonce,
	})
	if err != nil {
		t.Errorf("marshal id_token: %v", err)
		return ""
	}
	obj, err := m.signer.Sign(payload)
	if err != nil {
		t.Errorf("sign id_token: %v", err)
		return ""
	}
	s, err := obj.CompactSerialize()
	if err != nil {
		t.Errorf("serialize id_token: %v", err)
	}
	return s
}

type fixture struct {
	provider *mockProvider
	store    *credentials.SQLStore
	handler  *Handler
	mux      *http.ServeMux
}

func newFixture(t *testing.T, verifyIDToken bool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := newMockProvider(t)
	db, err := sqlitedb.Open(context.Background(), ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := credentials.NewSQLStore(db)

	adapter := upstream.New(upstream.Config{
		Provider:     "xero",
		ClientID:     clientID,
		ClientSecret: "upstream-secret",
		AuthURL:      p.srv.URL + "/authorize",
		TokenURL:     p.srv.URL + "/token",
		APIURL:       p.srv.URL + "/api",
		Scopes:       []string{"openid", "offline_access"},
	}, store, upstream.WithLogger(log))

	flows, err := oauthserver.NewMemoryFlowStore(0, nil)
	require.NoError(t, err)
	cfg := Config{
		PublicURL:      "https://gw.example",
		Adapter:        adapter,
		Auth:           authtest.NewStatic("").Add("gw-token", "alice"),
		Flows:          flows,
		ConnectionsURL: p.srv.URL + "/connections",
		Logger:         log,
	}
	if verifyIDToken {
		cfg.Issuer = p.srv.URL
	}
	h, err := New(cfg)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{provider: p, store: store, handler: h, mux: mux}
}

func (fx *fixture) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// start runs /connect/start and returns the provider authorize URL.
func (fx *fixture) start(t *testing.T) *url.URL {
	t.Helper()
	rec := fx.get(StartPath + "?token=gw-token")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	fx.provider.mu.Lock()
	fx.provider.nonce = loc.Query().Get("nonce")
	fx.provider.mu.Unlock()
	return loc
}

func TestConnectStoresCredential(t *testing.T) {
	fx := newFixture(t, true)
	loc := fx.start(t)

	assert.True(t, strings.HasPrefix(loc.String(), fx.provider.srv.URL+"/authorize"))
	assert.Equal(t, "https://gw.example"+CallbackPath, loc.Query().Get("redirect_uri"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, loc.Query().Get("nonce"))

	state := loc.Query().Get("state")
	rec := fx.get(CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Demo Company")

	cred, err := fx.store.GetCredential(context.Background(), "alice", "xero")
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", cred.AccessToken)
	assert.Equal(t, "upstream-refresh", cred.RefreshToken)
	assert.Equal(t, "org-1", cred.TenantID)
	assert.Equal(t, "Demo Company", cred.TenantName)
	assert.Contains(t, cred.Scopes, "accounting.transactions")
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), cred.ExpiresAt, time.Minute)

	fx.provider.mu.Lock()
	assert.NotEmpty(t, fx.provider.verifiers[0], "PKCE verifier must be sent")
	fx.provider.mu.Unlock()

	rec = fx.get(CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "state must be single use")
}

func TestConnectRequiresGatewayUser(t *testing.T) {
	fx := newFixture(t, false)
	assert.Equal(t, http.StatusUnauthorized, fx.get(StartPath).Code)
	assert.Equal(t, http.StatusUnauthorized, fx.get(StartPath+"?token=forged").Code)
}

func TestConnectRejectsNonceMismatch(t *testing.T) {
	fx := newFixture(t, true)
	fx.provider.mu.Lock()
	fx.provider.badNonce = true
	fx.provider.mu.Unlock()
	state := fx.start(t).Query().Get("state")

	rec := fx.get(CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	_, err := fx.store.GetCredential(context.Background(), "alice", "xero")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}

func TestConnectSurfacesExchangeFailure(t *testing.T) {
	fx := newFixture(t, false)
	state := fx.start(t).Query().Get("state")
	rec := fx.get(CallbackPath + "?code=bad-code&state=" + url.QueryEscape(state))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestConnectProviderDenied(t *testing.T) {
	fx := newFixture(t, false)
	state := fx.start(t).Query().Get("state")
	rec := fx.get(CallbackPath + "?error=access_denied&state=" + url.QueryEscape(state))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
}

func TestConnectUnknownState(t *testing.T) {
	fx := newFixture(t, false)
	rec := fx.get(CallbackPath + "?code=good-code&state=never-issued")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
