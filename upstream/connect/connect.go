// Package connect links a gateway account to the upstream provider through
// the provider's OAuth authorization-code flow.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/auth/oauthserver"
	"github.com/ggoodman/tool-gateway/upstream"
)

const (
	StartPath    = "/connect/start"
	CallbackPath = "/connect/callback"
)

type Config struct {
	// PublicURL is the gateway's base URL; the provider redirects back to
	// PublicURL + CallbackPath.
	PublicURL string
	Adapter   *upstream.Adapter
	// Auth identifies the gateway user who starts a connection.
	Auth  auth.Authenticator
	Flows oauthserver.FlowStore
	// Issuer enables id_token verification when set.
	Issuer string
	// ConnectionsURL lists the tenants the grant covers.
	ConnectionsURL string
	StateTTL       time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type Handler struct {
	cfg   Config
	oauth *oauth2.Config
	log   *slog.Logger

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

func New(cfg Config) (*Handler, error) {
	if cfg.Adapter == nil || cfg.Auth == nil || cfg.Flows == nil {
		return nil, errors.New("connect: adapter, authenticator and flow store are required")
	}
	if cfg.ConnectionsURL == "" {
		return nil, errors.New("connect: connections URL is required")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		cfg:   cfg,
		oauth: cfg.Adapter.OAuthConfig(strings.TrimRight(cfg.PublicURL, "/") + CallbackPath),
		log:   cfg.Logger,
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+StartPath, h.handleStart)
	mux.HandleFunc("GET "+CallbackPath, h.handleCallback)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok, err := auth.TokenFromRequest(r)
	if err != nil {
		renderResult(w, http.StatusUnauthorized, result{Error: "Sign in first: open this link with your gateway connection URL's token."})
		return
	}
	user, err := h.cfg.Auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			renderResult(w, http.StatusUnauthorized, result{Error: "Your gateway token is invalid or expired. Sign in again."})
			return
		}
		h.log.ErrorContext(ctx, "connect.auth.fail", slog.String("err", err.Error()))
		renderResult(w, http.StatusInternalServerError, result{Error: "Something went wrong on our side."})
		return
	}

	id, err := oauthserver.NewFlowID()
	if err != nil {
		renderResult(w, http.StatusInternalServerError, result{Error: "Something went wrong on our side."})
		return
	}
	now := h.cfg.Now()
	f := oauthserver.Flow{
		ID:        id,
		Kind:      oauthserver.KindConnect,
		State:     oauthserver.StateInitiated,
		UserID:    user.UserID(),
		Verifier:  oauth2.GenerateVerifier(),
		Nonce:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(h.cfg.StateTTL),
	}
	if err := h.cfg.Flows.Create(ctx, f); err != nil {
		h.log.ErrorContext(ctx, "connect.flow.create.fail", slog.String("err", err.Error()))
		renderResult(w, http.StatusInternalServerError, result{Error: "Something went wrong on our side."})
		return
	}
	h.log.InfoContext(ctx, "connect.start", slog.String("user", f.UserID), slog.String("provider", h.cfg.Adapter.Provider()))
	dest := h.oauth.AuthCodeURL(f.ID, oauth2.S256ChallengeOption(f.Verifier), oidc.Nonce(f.Nonce))
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		h.log.WarnContext(ctx, "connect.callback.denied", slog.String("err", e))
		renderResult(w, http.StatusBadRequest, result{Error: fmt.Sprintf("The provider did not grant access (%s). Start the connection again.", e)})
		return
	}
	flowID := q.Get("state")
	f, err := h.cfg.Flows.Get(ctx, flowID)
	if err != nil || f.Kind != oauthserver.KindConnect {
		renderResult(w, http.StatusBadRequest, result{Error: "This connection link expired or was already used. Start the connection again."})
		return
	}
	now := h.cfg.Now()
	f, err = h.cfg.Flows.Transition(ctx, flowID, oauthserver.StateInitiated, func(f *oauthserver.Flow) {
		f.State = oauthserver.StateCodeReceived
		f.ExpiresAt = now.Add(h.cfg.StateTTL)
	})
	if err != nil {
		renderResult(w, http.StatusBadRequest, result{Error: "This connection link expired or was already used. Start the connection again."})
		return
	}

	tenantName, err := h.complete(ctx, f, q.Get("code"))
	if err != nil {
		h.log.WarnContext(ctx, "connect.callback.fail", slog.String("user", f.UserID), slog.String("err", err.Error()))
		renderResult(w, http.StatusBadGateway, result{Error: "Connecting your account failed: " + err.Error()})
		return
	}
	if _, err := h.cfg.Flows.Transition(ctx, flowID, oauthserver.StateCodeReceived, func(f *oauthserver.Flow) {
		f.State = oauthserver.StateTokenExchanged
	}); err != nil {
		h.log.WarnContext(ctx, "connect.flow.transition.fail", slog.String("err", err.Error()))
	}
	renderResult(w, http.StatusOK, result{Tenant: tenantName})
}

func (h *Handler) complete(ctx context.Context, f oauthserver.Flow, code string) (string, error) {
	if code == "" {
		return "", errors.New("missing authorization code")
	}
	octx := oidc.ClientContext(ctx, h.cfg.Adapter.HTTPClient())
	tok, err := h.oauth.Exchange(octx, code, oauth2.VerifierOption(f.Verifier))
	if err != nil {
		return "", fmt.Errorf("code exchange: %w", err)
	}
	if h.cfg.Issuer != "" {
		if err := h.verifyIDToken(octx, tok, f.Nonce); err != nil {
			return "", err
		}
	}
	tenant, err := h.resolveTenant(ctx, tok)
	if err != nil {
		return "", err
	}
	if _, err := h.cfg.Adapter.Connect(ctx, f.UserID, tok, tenant.TenantID, tenant.TenantName); err != nil {
		return "", err
	}
	return tenant.TenantName, nil
}

func (h *Handler) verifyIDToken(ctx context.Context, tok *oauth2.Token, nonce string) error {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return errors.New("provider returned no id_token")
	}
	v, err := h.idTokenVerifier(ctx)
	if err != nil {
		return err
	}
	idt, err := v.Verify(ctx, raw)
	if err != nil {
		return fmt.Errorf("verify id_token: %w", err)
	}
	if idt.Nonce != nonce {
		return errors.New("id_token nonce mismatch")
	}
	return nil
}

// idTokenVerifier discovers the provider on first use and caches the
// result; a failed discovery is retried on the next callback.
func (h *Handler) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.verifier != nil {
		return h.verifier, nil
	}
	p, err := oidc.NewProvider(context.WithoutCancel(ctx), h.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", h.cfg.Issuer, err)
	}
	h.verifier = p.Verifier(&oidc.Config{ClientID: h.oauth.ClientID, Now: h.cfg.Now})
	return h.verifier, nil
}

// Tenant is one organisation the grant covers.
type Tenant struct {
	TenantID   string `json:"tenantId"`
	TenantType string `json:"tenantType"`
	TenantName string `json:"tenantName"`
}

func (h *Handler) resolveTenant(ctx context.Context, tok *oauth2.Token) (Tenant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.ConnectionsURL, nil)
	if err != nil {
		return Tenant{}, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	resp, err := h.cfg.Adapter.HTTPClient().Do(req)
	if err != nil {
		return Tenant{}, fmt.Errorf("list connections: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tenant{}, fmt.Errorf("list connections: unexpected status %d", resp.StatusCode)
	}
	var tenants []Tenant
	if err := json.NewDecoder(resp.Body).Decode(&tenants); err != nil {
		return Tenant{}, fmt.Errorf("decode connections: %w", err)
	}
	for _, t := range tenants {
		if t.TenantType == "" || strings.EqualFold(t.TenantType, "ORGANISATION") {
			return t, nil
		}
	}
	return Tenant{}, errors.New("the grant does not cover any organisation")
}

type result struct {
	Tenant string
	Error  string
}

var resultTemplate = template.Must(template.New("connect").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Connect account</title></head>
<body>
{{if .Error}}<p role="alert"><strong>{{.Error}}</strong></p>
{{else}}<p>Connected to <strong>{{.Tenant}}</strong>. You can close this window and return to your assistant.</p>{{end}}
</body>
</html>
`))

func renderResult(w http.ResponseWriter, status int, res result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = resultTemplate.Execute(w, res)
}
