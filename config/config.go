// Package config loads the gateway's environment configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// MinSigningSecretLen is the minimum accepted length of GATEWAY_SIGNING_SECRET.
const MinSigningSecretLen = 32

// Config is the complete process configuration. Values come from the
// environment; defaults live in the struct tags.
type Config struct {
	PublicURL  string `env:"GATEWAY_PUBLIC_URL"`
	ListenAddr string `env:"GATEWAY_LISTEN_ADDR,default=:8080"`
	MCPPath    string `env:"GATEWAY_MCP_PATH,default=/mcp"`
	DBPath     string `env:"GATEWAY_DB_PATH,default=toolgateway.db"`

	// SigningSecret signs bearer session tokens and OAuth access tokens.
	SigningSecret string `env:"GATEWAY_SIGNING_SECRET"`

	OAuthClientID     string `env:"GATEWAY_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"GATEWAY_OAUTH_CLIENT_SECRET"`
	// OAuthRedirectURIs is a comma-separated allow-list. Empty allows any
	// https redirect.
	OAuthRedirectURIs string        `env:"GATEWAY_OAUTH_REDIRECT_URIS"`
	OAuthStateTTL     time.Duration `env:"OAUTH_STATE_TTL,default=10m"`
	OAuthCodeTTL      time.Duration `env:"OAUTH_CODE_TTL,default=2m"`
	OAuthTokenTTL     time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL,default=720h"`
	BearerTokenTTL    time.Duration `env:"BEARER_TOKEN_TTL,default=720h"`

	Upstream Upstream

	SessionGrace         time.Duration `env:"SESSION_GRACE,default=45s"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=15s"`
	SessionIdleTTL       time.Duration `env:"SESSION_IDLE_TTL,default=24h"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=toolgateway:"`

	PermissionsFile string `env:"PERMISSIONS_FILE"`

	LogLevel       string  `env:"LOG_LEVEL,default=info"`
	LogFormat      string  `env:"LOG_FORMAT,default=json"`
	MetricsEnabled bool    `env:"METRICS_ENABLED,default=true"`
	LoginRateLimit float64 `env:"LOGIN_RATE_LIMIT,default=0.2"`
	LoginBurst     int     `env:"LOGIN_RATE_BURST,default=5"`
}

// Upstream configures the external accounting provider.
type Upstream struct {
	Provider     string `env:"UPSTREAM_PROVIDER,default=xero"`
	ClientID     string `env:"UPSTREAM_CLIENT_ID"`
	ClientSecret string `env:"UPSTREAM_CLIENT_SECRET"`
	AuthURL      string `env:"UPSTREAM_AUTH_URL,default=https://login.xero.com/identity/connect/authorize"`
	TokenURL     string `env:"UPSTREAM_TOKEN_URL,default=https://identity.xero.com/connect/token"`
	// Issuer enables id_token verification on the connect callback when set.
	Issuer         string        `env:"UPSTREAM_ISSUER,default=https://identity.xero.com"`
	APIURL         string        `env:"UPSTREAM_API_URL,default=https://api.xero.com/api.xro/2.0"`
	ConnectionsURL string        `env:"UPSTREAM_CONNECTIONS_URL,default=https://api.xero.com/connections"`
	Scopes         string        `env:"UPSTREAM_SCOPES,default=openid profile email offline_access accounting.transactions accounting.contacts accounting.settings accounting.reports.read"`
	RefreshMargin  time.Duration `env:"UPSTREAM_REFRESH_MARGIN,default=5m"`
	Timeout        time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	MaxRetries     int           `env:"UPSTREAM_MAX_RETRIES,default=3"`
	RateLimit      float64       `env:"UPSTREAM_RATE_LIMIT,default=1"`
	RateBurst      int           `env:"UPSTREAM_RATE_BURST,default=5"`
}

// ScopeList splits Scopes on whitespace.
func (u Upstream) ScopeList() []string { return strings.Fields(u.Scopes) }

// RedirectURIs splits OAuthRedirectURIs on commas.
func (c *Config) RedirectURIs() []string {
	var out []string
	for _, s := range strings.Split(c.OAuthRedirectURIs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Load decodes the environment and validates the result. The returned error
// lists every problem at once.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values. Each failure names the variable and how
// to fix it.
func (c *Config) Validate() error {
	var errs []error
	required := func(name, value, hint string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required: %s", name, hint))
		}
	}

	required("GATEWAY_PUBLIC_URL", c.PublicURL, "set it to the externally reachable base URL, e.g. https://gateway.example.com")
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("GATEWAY_PUBLIC_URL %q must be an absolute http(s) URL", c.PublicURL))
		}
	}
	required("GATEWAY_SIGNING_SECRET", c.SigningSecret, "generate one with `openssl rand -hex 32`")
	if c.SigningSecret != "" && len(c.SigningSecret) < MinSigningSecretLen {
		errs = append(errs, fmt.Errorf("GATEWAY_SIGNING_SECRET must be at least %d bytes, got %d", MinSigningSecretLen, len(c.SigningSecret)))
	}
	required("GATEWAY_OAUTH_CLIENT_ID", c.OAuthClientID, "register the client id your LLM host will present")
	required("GATEWAY_OAUTH_CLIENT_SECRET", c.OAuthClientSecret, "register the client secret your LLM host will present")
	required("UPSTREAM_CLIENT_ID", c.Upstream.ClientID, "copy it from the provider's developer console")
	required("UPSTREAM_CLIENT_SECRET", c.Upstream.ClientSecret, "copy it from the provider's developer console")

	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("GATEWAY_MCP_PATH %q must start with /", c.MCPPath))
	}
	if c.SessionGrace <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_GRACE must be positive"))
	}
	if c.SessionSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive"))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_MAX_RETRIES must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

// MCPURL is the public URL of the streaming endpoint.
func (c *Config) MCPURL() string {
	return strings.TrimRight(c.PublicURL, "/") + c.MCPPath
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", s)
	}
	return l, nil
}
