// Package login serves the interactive sign-in page that hands out bearer
// session tokens for LLM hosts that accept a plain connection URL.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/metrics"
)

// Paths served by Handler.
const (
	Path       = "/login"
	RedeemPath = "/login/redeem"
)

var (
	htmlMediaType = contenttype.NewMediaType("text/html")
	jsonMediaType = contenttype.NewMediaType("application/json")
	responseTypes = []contenttype.MediaType{htmlMediaType, jsonMediaType}
)

// Accounts is the slice of credentials.Store the handler needs.
type Accounts interface {
	Authenticate(ctx context.Context, identifier, secret string) (credentials.Account, error)
	RedeemInvite(ctx context.Context, code, identifier, displayName, secret string) (credentials.Account, error)
}

// TokenIssuer signs session tokens. *bearer.Issuer satisfies it.
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type Config struct {
	// MCPURL is the public URL of the streaming endpoint. The token is
	// appended as the token query parameter.
	MCPURL   string
	Accounts Accounts
	Tokens   TokenIssuer
	Limiter  *auth.AttemptLimiter
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Handler struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, log: cfg.Logger}
}

// Register mounts the login endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(Path, h.handleLogin)
	mux.HandleFunc(RedeemPath, h.handleRedeem)
}

// Result is the JSON body of a successful sign-in.
type Result struct {
	UserID        string    `json:"user_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	ConnectionURL string    `json:"connection_url"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.render(w, r, http.StatusOK, page{})
	case http.MethodPost:
		if !h.parse(w, r) {
			return
		}
		acct, err := h.cfg.Accounts.Authenticate(r.Context(), strings.TrimSpace(r.PostForm.Get("identifier")), r.PostForm.Get("secret"))
		if err != nil {
			if errors.Is(err, credentials.ErrInvalidSecret) {
				h.cfg.Metrics.AuthFailure("login")
				h.render(w, r, http.StatusUnauthorized, page{Error: "Unknown account or wrong secret."})
				return
			}
			h.fail(w, r, "login.authenticate.fail", err)
			return
		}
		h.issue(w, r, acct)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.parse(w, r) {
		return
	}
	f := r.PostForm
	acct, err := h.cfg.Accounts.RedeemInvite(r.Context(), strings.TrimSpace(f.Get("invite")), strings.TrimSpace(f.Get("identifier")), strings.TrimSpace(f.Get("display_name")), f.Get("secret"))
	switch {
	case err == nil:
		h.log.InfoContext(r.Context(), "login.invite.redeemed", slog.String("user", acct.ID))
		h.issue(w, r, acct)
	case errors.Is(err, credentials.ErrNotFound), errors.Is(err, credentials.ErrInviteUnavailable):
		h.render(w, r, http.StatusBadRequest, page{Error: "That invite code is unknown, expired or already used. Ask for a new one."})
	case errors.Is(err, credentials.ErrConflict):
		h.render(w, r, http.StatusConflict, page{Error: "That account name is taken. Pick another."})
	case errors.Is(err, credentials.ErrInvalidAccount):
		h.render(w, r, http.StatusBadRequest, page{Error: err.Error()})
	default:
		h.fail(w, r, "login.invite.fail", err)
	}
}

// parse reads the form and applies the attempt limiter. It reports whether
// the request may proceed.
func (h *Handler) parse(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, page{Error: "Malformed form submission."})
		return false
	}
	if !h.cfg.Limiter.Allow(r) {
		h.cfg.Metrics.AuthFailure("login")
		w.Header().Set("Retry-After", "60")
		h.render(w, r, http.StatusTooManyRequests, page{Error: "Too many attempts. Wait a minute and try again."})
		return false
	}
	return true
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, acct credentials.Account) {
	tok, exp, err := h.cfg.Tokens.Issue(acct.ID)
	if err != nil {
		h.fail(w, r, "login.issue.fail", err)
		return
	}
	h.log.InfoContext(r.Context(), "login.ok", slog.String("user", acct.ID))
	res := Result{
		UserID:        acct.ID,
		Token:         tok,
		ExpiresAt:     exp,
		ConnectionURL: connectionURL(h.cfg.MCPURL, tok),
	}
	h.render(w, r, http.StatusOK, page{Result: &res})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.log.ErrorContext(r.Context(), event, slog.String("err", err.Error()))
	h.render(w, r, http.StatusInternalServerError, page{Error: "Something went wrong on our side. Try again shortly."})
}

func connectionURL(mcpURL, tok string) string {
	sep := "?"
	if strings.Contains(mcpURL, "?") {
		sep = "&"
	}
	return mcpURL + sep + "token=" + url.QueryEscape(tok)
}

type page struct {
	Error  string
	Result *Result
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, p page) {
	w.Header().Set("Cache-Control", "no-store")
	mt, _, err := contenttype.GetAcceptableMediaType(r, responseTypes)
	if err == nil && mt.Matches(jsonMediaType) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if p.Result != nil {
			_ = json.NewEncoder(w).Encode(p.Result)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"error": p.Error})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, p)
}

var pageTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Tool Gateway</title></head>
<body>
<h1>Tool Gateway</h1>
{{if .Error}}<p role="alert"><strong>{{.Error}}</strong></p>{{end}}
{{with .Result}}
<p>Add this URL to your assistant as a custom connector. It is valid until {{.ExpiresAt.Format "2 Jan 2006"}}.</p>
<p><input readonly size="80" value="{{.ConnectionURL}}"></p>
<p>Keep it private: anyone holding it acts as you.</p>
{{else}}
<h2>Sign in</h2>
<form method="post" action="` + Path + `">
  <label>Account <input name="identifier" autocomplete="username" required></label>
  <label>Secret <input name="secret" type="password" autocomplete="current-password" required></label>
  <button type="submit">Sign in</button>
</form>
<h2>Have an invite?</h2>
<form method="post" action="` + RedeemPath + `">
  <label>Invite code <input name="invite" required></label>
  <label>Account <input name="identifier" autocomplete="username" required></label>
  <label>Display name <input name="display_name"></label>
  <label>Secret <input name="secret" type="password" autocomplete="new-password" required></label>
  <button type="submit">Create account</button>
</form>
{{end}}
</body>
</html>
`))
