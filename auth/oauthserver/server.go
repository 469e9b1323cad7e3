// Package oauthserver implements the gateway's OAuth 2.0 authorization-code
// grant for LLM hosts that will only connect through OAuth.
//
// Every authorization is tracked as a Flow moving through
//
//	initiated -> code_received -> token_exchanged -> bound_to_session
//
// The flow id is the single-use state value rendered into the sign-in form,
// the code is single use, and the issued access token carries the flow id
// so the protocol server can bind the flow to the session it opens.
package oauthserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/jwtauth"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/ggoodman/tool-gateway/internal/wellknown"
)

// Endpoint paths relative to the issuer.
const (
	AuthorizePath = "/oauth/authorize"
	TokenPath     = "/oauth/token"
	MetadataPath  = "/.well-known/oauth-authorization-server"
)

// Client is the registered OAuth client. An empty Secret makes it a public
// client, which must use PKCE.
type Client struct {
	ID     string
	Secret string
	// RedirectURIs is an exact-match allow-list. When empty, any https URI
	// or http loopback URI is accepted.
	RedirectURIs []string
}

// AccountAuthenticator verifies gateway account credentials.
// credentials.Store satisfies it.
type AccountAuthenticator interface {
	Authenticate(ctx context.Context, identifier, secret string) (credentials.Account, error)
}

type Config struct {
	// Issuer is the gateway's public base URL.
	Issuer   string
	Secret   []byte
	Client   Client
	Accounts AccountAuthenticator
	Flows    FlowStore

	StateTTL time.Duration
	CodeTTL  time.Duration
	TokenTTL time.Duration

	// Limiter throttles sign-in attempts; nil disables throttling.
	Limiter *auth.AttemptLimiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 2 * time.Minute
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

var _ auth.Authenticator = (*Server)(nil)

type Server struct {
	cfg   Config
	codec *jwtauth.Codec
	log   *slog.Logger
}

func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if cfg.Client.ID == "" {
		return nil, errors.New("oauthserver: client id is required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("oauthserver: account authenticator is required")
	}
	if cfg.Flows == nil {
		return nil, errors.New("oauthserver: flow store is required")
	}
	codec, err := jwtauth.New(jwtauth.Config{
		Issuer:   cfg.Issuer,
		Audience: jwtauth.Audience,
		Secret:   cfg.Secret,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("oauthserver: %w", err)
	}
	return &Server{cfg: cfg, codec: codec, log: cfg.Logger}, nil
}

// Register mounts the authorize, token and metadata endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc(AuthorizePath, s.HandleAuthorize)
	mux.HandleFunc(TokenPath, s.HandleToken)
	mux.HandleFunc(MetadataPath, s.HandleMetadata)
}

// TokenResponse is the OAuth token response payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// AuthServerMetadata is RFC 8414 authorization server metadata.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (s *Server) Metadata() AuthServerMetadata {
	methods := []string{"client_secret_basic", "client_secret_post"}
	if s.cfg.Client.Secret == "" {
		methods = []string{"none"}
	}
	return AuthServerMetadata{
		Issuer:                            s.cfg.Issuer,
		AuthorizationEndpoint:             joinURL(s.cfg.Issuer, AuthorizePath),
		TokenEndpoint:                     joinURL(s.cfg.Issuer, TokenPath),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: methods,
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
}

func (s *Server) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	wellknown.ServeDocument(w, r, s.Metadata())
}

func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.startAuthorize(w, r)
	case http.MethodPost:
		s.completeAuthorize(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("response_type")) != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	clientID := strings.TrimSpace(q.Get("client_id"))
	if clientID == "" || clientID != s.cfg.Client.ID {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	redirectURI := strings.TrimSpace(q.Get("redirect_uri"))
	if !s.redirectAllowed(redirectURI) {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	challenge := strings.TrimSpace(q.Get("code_challenge"))
	method := strings.TrimSpace(q.Get("code_challenge_method"))
	if challenge != "" && method != "S256" {
		http.Error(w, "unsupported code_challenge_method", http.StatusBadRequest)
		return
	}
	if challenge == "" && s.cfg.Client.Secret == "" {
		http.Error(w, "code_challenge required for public clients", http.StatusBadRequest)
		return
	}

	id, err := NewFlowID()
	if err != nil {
		http.Error(w, "failed to start authorization", http.StatusInternalServerError)
		return
	}
	now := s.cfg.Now()
	f := Flow{
		ID:                  id,
		Kind:                KindAuthorize,
		State:               StateInitiated,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ClientState:         q.Get("state"),
		Scope:               strings.TrimSpace(q.Get("scope")),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.StateTTL),
	}
	if err := s.cfg.Flows.Create(r.Context(), f); err != nil {
		s.log.ErrorContext(r.Context(), "oauth.flow.create.fail", slog.String("err", err.Error()))
		http.Error(w, "failed to start authorization", http.StatusInternalServerError)
		return
	}
	s.log.InfoContext(r.Context(), "oauth.flow.initiated", slog.String("client_id", clientID))
	renderSignIn(w, http.StatusOK, signInPage{State: id})
}

func (s *Server) completeAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	flowID := r.PostForm.Get("state")
	f, err := s.cfg.Flows.Get(ctx, flowID)
	if err != nil || f.Kind != KindAuthorize || f.State != StateInitiated {
		if err != nil && !errors.Is(err, ErrFlowNotFound) {
			s.log.ErrorContext(ctx, "oauth.flow.load.fail", slog.String("err", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.Error(w, "authorization request expired or already used; start again from your client", http.StatusBadRequest)
		return
	}
	if !s.cfg.Limiter.Allow(r) {
		s.cfg.Metrics.AuthFailure("oauth")
		renderSignIn(w, http.StatusTooManyRequests, signInPage{State: flowID, Error: "Too many attempts. Wait a minute and try again."})
		return
	}

	acct, err := s.cfg.Accounts.Authenticate(ctx, strings.TrimSpace(r.PostForm.Get("identifier")), r.PostForm.Get("secret"))
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidSecret) {
			s.cfg.Metrics.AuthFailure("oauth")
			renderSignIn(w, http.StatusUnauthorized, signInPage{State: flowID, Error: "Unknown account or wrong secret."})
			return
		}
		s.log.ErrorContext(ctx, "oauth.authenticate.fail", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	code, err := randomToken(32)
	if err != nil {
		http.Error(w, "failed to issue code", http.StatusInternalServerError)
		return
	}
	now := s.cfg.Now()
	f, err = s.cfg.Flows.Transition(ctx, flowID, StateInitiated, func(f *Flow) {
		f.State = StateCodeReceived
		f.UserID = acct.ID
		f.Code = code
		f.ExpiresAt = now.Add(s.cfg.CodeTTL)
	})
	if err != nil {
		if errors.Is(err, ErrFlowState) || errors.Is(err, ErrFlowNotFound) {
			http.Error(w, "authorization request expired or already used; start again from your client", http.StatusBadRequest)
			return
		}
		s.log.ErrorContext(ctx, "oauth.flow.transition.fail", slog.String("err", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.InfoContext(ctx, "oauth.flow.code_received", slog.String("user", acct.ID))

	u, err := url.Parse(f.RedirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("code", code)
	if f.ClientState != "" {
		q.Set("state", f.ClientState)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if grant := strings.TrimSpace(r.PostForm.Get("grant_type")); grant != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}
	clientID, clientSecret := clientCredentials(r)
	if !s.clientAuthenticated(clientID, clientSecret) {
		s.cfg.Metrics.AuthFailure("oauth_token")
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	code := strings.TrimSpace(r.PostForm.Get("code"))
	if code == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}
	flowID, err := s.cfg.Flows.TakeCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "invalid, expired or already used code")
			return
		}
		s.log.ErrorContext(ctx, "oauth.code.take.fail", slog.String("err", err.Error()))
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	f, err := s.cfg.Flows.Get(ctx, flowID)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "invalid, expired or already used code")
		return
	}
	if f.ClientID != clientID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if redirectURI := strings.TrimSpace(r.PostForm.Get("redirect_uri")); redirectURI != f.RedirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if f.CodeChallenge != "" && !verifyPKCE(f.CodeChallenge, r.PostForm.Get("code_verifier")) {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier mismatch")
		return
	}

	now := s.cfg.Now()
	f, err = s.cfg.Flows.Transition(ctx, flowID, StateCodeReceived, func(f *Flow) {
		f.State = StateTokenExchanged
		f.ExpiresAt = now.Add(s.cfg.TokenTTL)
	})
	if err != nil {
		if errors.Is(err, ErrFlowState) || errors.Is(err, ErrFlowNotFound) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "invalid, expired or already used code")
			return
		}
		s.log.ErrorContext(ctx, "oauth.flow.transition.fail", slog.String("err", err.Error()))
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	tok, exp, err := s.codec.Issue(f.UserID, jwtauth.TypeOAuth, s.cfg.TokenTTL, func(c *jwtauth.Claims) {
		c.FlowID = f.ID
		c.ClientID = f.ClientID
		c.Scope = f.Scope
	})
	if err != nil {
		s.log.ErrorContext(ctx, "oauth.token.issue.fail", slog.String("err", err.Error()))
		oauthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	s.log.InfoContext(ctx, "oauth.flow.token_exchanged", slog.String("user", f.UserID))
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int64(exp.Sub(now).Seconds()),
		Scope:       f.Scope,
	})
}

func (s *Server) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	claims, err := s.codec.Verify(tok, jwtauth.TypeOAuth)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return nil, errors.Join(auth.ErrUnauthorized, err)
		}
		return nil, err
	}
	return auth.NewUserInfo(claims.Subject, auth.MethodOAuth, claims), nil
}

// Bind records that the flow's access token opened sessionID. Binding an
// already bound flow again, as happens when a host reconnects, moves it to
// the new session.
func (s *Server) Bind(ctx context.Context, flowID, sessionID string) error {
	bind := func(f *Flow) { f.State = StateBound; f.SessionID = sessionID }
	_, err := s.cfg.Flows.Transition(ctx, flowID, StateTokenExchanged, bind)
	if errors.Is(err, ErrFlowState) {
		_, err = s.cfg.Flows.Transition(ctx, flowID, StateBound, bind)
	}
	if err != nil {
		return fmt.Errorf("bind flow %s: %w", flowID, err)
	}
	s.log.DebugContext(ctx, "oauth.flow.bound", slog.String("sess", sessionID))
	return nil
}

func (s *Server) clientAuthenticated(id, secret string) bool {
	if id == "" || id != s.cfg.Client.ID {
		return false
	}
	if s.cfg.Client.Secret == "" {
		return true
	}
	want := sha256.Sum256([]byte(s.cfg.Client.Secret))
	got := sha256.Sum256([]byte(secret))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func (s *Server) redirectAllowed(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Fragment != "" {
		return false
	}
	if len(s.cfg.Client.RedirectURIs) > 0 {
		return slices.Contains(s.cfg.Client.RedirectURIs, raw)
	}
	switch u.Scheme {
	case "https":
		return u.Host != ""
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
	return false
}

func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	got := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(challenge)) == 1
}

func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), secret
	}
	return strings.TrimSpace(r.PostForm.Get("client_id")), r.PostForm.Get("client_secret")
}

func oauthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{code, description})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func joinURL(base, p string) string {
	return strings.TrimRight(base, "/") + p
}
