// Package upstream wraps the external accounting API.
//
// Adapter.GetClient is the only way operations reach the provider. It hands
// out a Client whose access token is valid for at least the configured
// refresh margin, refreshing it first when needed. Refreshes for one user
// are collapsed into a single exchange; different users refresh in parallel.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config describes the provider and the call discipline applied to it.
type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIURL       string
	Scopes       []string

	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin time.Duration
	// Timeout bounds every single exchange or API attempt.
	Timeout    time.Duration
	MaxRetries int
	// RateLimit is the sustained per-user request rate, in requests/second.
	RateLimit float64
	RateBurst int
}

func (c *Config) setDefaults() {
	if c.Provider == "" {
		c.Provider = "xero"
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 1
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
}

// Locker serializes refreshes across gateway replicas. The in-process
// singleflight already covers a single replica.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

type Adapter struct {
	cfg      Config
	store    credentials.Store
	oauth    *oauth2.Config
	http     *http.Client
	locker   Locker
	group    singleflight.Group
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time
	backoff  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.http = c
		}
	}
}

func WithLocker(l Locker) Option {
	return func(a *Adapter) { a.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithBackoff sets the base delay between retried attempts.
func WithBackoff(d time.Duration) Option {
	return func(a *Adapter) { a.backoff = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func New(cfg Config, store credentials.Store, opts ...Option) *Adapter {
	cfg.setDefaults()
	a := &Adapter{
		cfg:   cfg,
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			Scopes:       cfg.Scopes,
		},
		http:     http.DefaultClient,
		now:      time.Now,
		backoff:  250 * time.Millisecond,
		log:      slog.Default(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Provider,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Caller mistakes and revoked grants say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, apierr.ErrUpstreamRetryable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.log.Warn("upstream.breaker.state", slog.String("provider", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return a
}

// Provider is the configured provider name.
func (a *Adapter) Provider() string { return a.cfg.Provider }

// OAuthConfig returns the provider OAuth configuration with redirectURL set.
func (a *Adapter) OAuthConfig(redirectURL string) *oauth2.Config {
	c := *a.oauth
	c.RedirectURL = redirectURL
	return &c
}

// HTTPClient is the client used for exchanges and API calls.
func (a *Adapter) HTTPClient() *http.Client { return a.http }

// GetClient returns a client for userID holding a token valid beyond the
// refresh margin.
func (a *Adapter) GetClient(ctx context.Context, userID string) (*Client, error) {
	cred, err := a.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Client{adapter: a, userID: userID, cred: cred, limiter: a.limiter(userID)}, nil
}

// Token returns the user's credential, refreshed first when it is within
// the refresh margin of expiry.
func (a *Adapter) Token(ctx context.Context, userID string) (credentials.Credential, error) {
	cred, err := a.load(ctx, userID)
	if err != nil {
		return credentials.Credential{}, err
	}
	if !cred.ExpiresWithin(a.now(), a.cfg.RefreshMargin) {
		return cred, nil
	}

	ch := a.group.DoChan(userID, func() (any, error) {
		// The exchange must not die with whichever caller happened to start it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
		defer cancel()
		return a.refresh(rctx, userID)
	})
	select {
	case <-ctx.Done():
		return credentials.Credential{}, apierr.Retryable("token refresh abandoned", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return credentials.Credential{}, res.Err
		}
		return res.Val.(credentials.Credential), nil
	}
}

func (a *Adapter) load(ctx context.Context, userID string) (credentials.Credential, error) {
	cred, err := a.store.GetCredential(ctx, userID, a.cfg.Provider)
	if errors.Is(err, credentials.ErrNotFound) {
		return credentials.Credential{}, &apierr.Error{
			Kind:    apierr.KindUpstreamReconnect,
			Message: fmt.Sprintf("no %s account is connected", a.cfg.Provider),
			Action:  "connect your account",
			Err:     err,
		}
	}
	if err != nil {
		return credentials.Credential{}, apierr.Internal(fmt.Errorf("load credential: %w", err))
	}
	return cred, nil
}

func (a *Adapter) refresh(ctx context.Context, userID string) (credentials.Credential, error) {
	start := a.now()
	log := a.log.With(slog.String("user", userID), slog.String("provider", a.cfg.Provider))

	if a.locker != nil {
		unlock, err := a.locker.Lock(ctx, "refresh:"+a.cfg.Provider+":"+userID, a.cfg.Timeout)
		if err != nil {
			a.metrics.ObserveRefresh("lock_error")
			return credentials.Credential{}, apierr.Retryable("token refresh is busy", err)
		}
		defer unlock()
	}

	// Another caller or replica may have refreshed while we waited.
	cred, err := a.load(ctx, userID)
	if err != nil {
		return credentials.Credential{}, err
	}
	if !cred.ExpiresWithin(a.now(), a.cfg.RefreshMargin) {
		a.metrics.ObserveRefresh("reused")
		return cred, nil
	}
	if cred.RefreshToken == "" {
		a.metrics.ObserveRefresh("reconnect")
		return credentials.Credential{}, apierr.Reconnect(a.cfg.Provider, errors.New("no refresh token stored"))
	}

	octx := context.WithValue(ctx, oauth2.HTTPClient, a.http)
	tok, err := a.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		classified := a.classifyRefreshError(err)
		a.metrics.ObserveRefresh(string(classified.Kind))
		log.WarnContext(ctx, "upstream.refresh.fail", slog.String("kind", string(classified.Kind)), slog.String("err", err.Error()))
		return credentials.Credential{}, classified
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		cred.TokenType = tok.TokenType
	}
	cred.ExpiresAt = tok.Expiry
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = a.now().Add(30 * time.Minute)
	}
	if err := a.store.PutCredential(ctx, cred); err != nil {
		a.metrics.ObserveRefresh("persist_error")
		return credentials.Credential{}, apierr.Internal(fmt.Errorf("persist refreshed credential: %w", err))
	}
	a.metrics.ObserveRefresh("ok")
	log.InfoContext(ctx, "upstream.refresh.ok", slog.Time("expires_at", cred.ExpiresAt), slog.Duration("dur", a.now().Sub(start)))
	return cred, nil
}

func (a *Adapter) classifyRefreshError(err error) *apierr.Error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && (re.Response.StatusCode == http.StatusTooManyRequests || re.Response.StatusCode >= 500) {
			return apierr.Retryable("token refresh failed", err)
		}
		return apierr.Reconnect(a.cfg.Provider, err)
	}
	if isTimeout(err) {
		return apierr.Retryable("token refresh timed out", err)
	}
	return apierr.Reconnect(a.cfg.Provider, err)
}

// Connect stores a freshly granted token as the user's credential for the
// given tenant, replacing any previous connection.
func (a *Adapter) Connect(ctx context.Context, userID string, tok *oauth2.Token, tenantID, tenantName string) (credentials.Credential, error) {
	if tok == nil || tok.AccessToken == "" {
		return credentials.Credential{}, errors.New("connect: token has no access token")
	}
	cred := credentials.Credential{
		UserID:       userID,
		Provider:     a.cfg.Provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scopes:       a.cfg.Scopes,
		TenantID:     tenantID,
		TenantName:   tenantName,
	}
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		cred.Scopes = strings.Fields(granted)
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = a.now().Add(30 * time.Minute)
	}
	if err := a.store.PutCredential(ctx, cred); err != nil {
		return credentials.Credential{}, fmt.Errorf("persist credential: %w", err)
	}
	a.log.InfoContext(ctx, "upstream.connect.ok", slog.String("user", userID), slog.String("provider", a.cfg.Provider), slog.String("tenant", tenantID))
	return cred, nil
}

// Disconnect forgets the user's credential.
func (a *Adapter) Disconnect(ctx context.Context, userID string) error {
	err := a.store.DeleteCredential(ctx, userID, a.cfg.Provider)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return fmt.Errorf("delete credential: %w", err)
	}
	a.limitMu.Lock()
	delete(a.limiters, userID)
	a.limitMu.Unlock()
	return nil
}

// ConnectionStatus describes a user's upstream connection without exposing
// tokens.
type ConnectionStatus struct {
	Provider   string    `json:"provider"`
	Connected  bool      `json:"connected"`
	TenantID   string    `json:"tenantId,omitempty"`
	TenantName string    `json:"tenantName,omitempty"`
	Scopes     []string  `json:"scopes,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
}

func (a *Adapter) Status(ctx context.Context, userID string) (ConnectionStatus, error) {
	st := ConnectionStatus{Provider: a.cfg.Provider}
	cred, err := a.store.GetCredential(ctx, userID, a.cfg.Provider)
	if errors.Is(err, credentials.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("load credential: %w", err)
	}
	st.Connected = true
	st.TenantID = cred.TenantID
	st.TenantName = cred.TenantName
	st.Scopes = cred.Scopes
	st.ExpiresAt = cred.ExpiresAt
	return st, nil
}

func (a *Adapter) limiter(userID string) *rate.Limiter {
	a.limitMu.Lock()
	defer a.limitMu.Unlock()
	if l, ok := a.limiters[userID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(a.cfg.RateLimit), a.cfg.RateBurst)
	a.limiters[userID] = l
	return l
}
