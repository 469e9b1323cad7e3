package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/auth/bearer"
	"github.com/ggoodman/tool-gateway/auth/login"
	"github.com/ggoodman/tool-gateway/auth/oauthserver"
	"github.com/ggoodman/tool-gateway/config"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/gateway"
	"github.com/ggoodman/tool-gateway/internal/engine"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/memory"
	"github.com/ggoodman/tool-gateway/operations"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
	"github.com/ggoodman/tool-gateway/sessions"
	"github.com/ggoodman/tool-gateway/sessions/memoryhost"
	"github.com/ggoodman/tool-gateway/sessions/redishost"
	"github.com/ggoodman/tool-gateway/streaminghttp"
	"github.com/ggoodman/tool-gateway/upstream"
	"github.com/ggoodman/tool-gateway/upstream/connect"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long: `Run the gateway HTTP server. Configuration is read from the environment;
every missing or invalid variable is reported at once before anything starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// stateStores are the shared-state backends: Redis when configured,
// process memory otherwise.
type stateStores struct {
	host   sessions.Host
	flows  oauthserver.FlowStore
	locker upstream.Locker
	close  func() error
}

func openStateStores(cfg *config.Config, log *slog.Logger) (*stateStores, error) {
	if cfg.RedisAddr == "" {
		flows, err := oauthserver.NewMemoryFlowStore(0, nil)
		if err != nil {
			return nil, err
		}
		log.Info("state.memory", slog.String("note", "sessions and OAuth flows are local to this process"))
		return &stateStores{host: memoryhost.New(), flows: flows, close: func() error { return nil }}, nil
	}

	host, err := redishost.New(redishost.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: cfg.RedisKeyPrefix + "sessions:",
	})
	if err != nil {
		return nil, err
	}
	flows, err := oauthserver.NewRedisFlowStore(host.Client(), cfg.RedisKeyPrefix+"oauth:")
	if err != nil {
		_ = host.Close()
		return nil, err
	}
	log.Info("state.redis", slog.String("addr", cfg.RedisAddr))
	return &stateStores{
		host:   host,
		flows:  flows,
		locker: upstream.NewRedisLocker(host.Client(), cfg.RedisKeyPrefix+"lock:"),
		close:  host.Close,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := sqlitedb.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	state, err := openStateStores(cfg, log)
	if err != nil {
		return err
	}
	defer state.close()

	var mt *metrics.Metrics
	if cfg.MetricsEnabled {
		mt = metrics.New()
	}

	gw, adapter, creds, err := buildGateway(ctx, cfg, db, state, mt, log)
	if err != nil {
		return err
	}

	mgr := sessions.NewManager(state.host,
		sessions.WithGraceWindow(cfg.SessionGrace),
		sessions.WithIdleTTL(cfg.SessionIdleTTL),
		sessions.WithSweepInterval(cfg.SessionSweepInterval),
		sessions.WithLogger(log),
		sessions.WithMetrics(mt),
	)
	eng := engine.NewEngine(mgr, gw,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "tool-gateway", Title: "Tool Gateway", Version: version}),
	)

	mux, err := buildMux(cfg, eng, creds, adapter, state, mt, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session sweep: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr), slog.String("mcp_url", cfg.MCPURL()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		log.Info("http.shutdown")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildGateway(ctx context.Context, cfg *config.Config, db *sql.DB, state *stateStores, mt *metrics.Metrics, log *slog.Logger) (*gateway.Gateway, *upstream.Adapter, *credentials.SQLStore, error) {
	creds := credentials.NewSQLStore(db)

	upOpts := []upstream.Option{upstream.WithLogger(log), upstream.WithMetrics(mt)}
	if state.locker != nil {
		upOpts = append(upOpts, upstream.WithLocker(state.locker))
	}
	adapter := upstream.New(upstream.Config{
		Provider:      cfg.Upstream.Provider,
		ClientID:      cfg.Upstream.ClientID,
		ClientSecret:  cfg.Upstream.ClientSecret,
		AuthURL:       cfg.Upstream.AuthURL,
		TokenURL:      cfg.Upstream.TokenURL,
		APIURL:        cfg.Upstream.APIURL,
		Scopes:        cfg.Upstream.ScopeList(),
		RefreshMargin: cfg.Upstream.RefreshMargin,
		Timeout:       cfg.Upstream.Timeout,
		MaxRetries:    cfg.Upstream.MaxRetries,
		RateLimit:     cfg.Upstream.RateLimit,
		RateBurst:     cfg.Upstream.RateBurst,
	}, creds, upOpts...)

	permStore := permissions.NewSQLStore(db)
	perms := permissions.NewService(permStore, permStore, permissions.WithLogger(log))
	if cfg.PermissionsFile != "" {
		if err := permissions.WatchFile(ctx, cfg.PermissionsFile, permStore, log); err != nil {
			return nil, nil, nil, err
		}
	}

	memStore := memory.NewSQLStore(db, memory.WithSearcher(memory.NewLexicalSearcher(db)))

	reg, err := registry.New(operations.Catalog(operations.Deps{
		Upstream:    adapter,
		Memory:      memStore,
		Permissions: perms,
		ConnectURL:  strings.TrimRight(cfg.PublicURL, "/") + connect.StartPath,
		Logger:      log,
	})...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build operation registry: %w", err)
	}
	gw := gateway.New(reg, perms, gateway.WithLogger(log), gateway.WithMetrics(mt))
	return gw, adapter, creds, nil
}

func buildMux(cfg *config.Config, eng *engine.Engine, creds *credentials.SQLStore, adapter *upstream.Adapter, state *stateStores, mt *metrics.Metrics, log *slog.Logger) (*http.ServeMux, error) {
	issuer := strings.TrimRight(cfg.PublicURL, "/")
	secret := []byte(cfg.SigningSecret)
	limiter := auth.NewAttemptLimiter(cfg.LoginRateLimit, cfg.LoginBurst)

	tokens, err := bearer.New(issuer, secret, bearer.WithTTL(cfg.BearerTokenTTL))
	if err != nil {
		return nil, err
	}
	oauth, err := oauthserver.New(oauthserver.Config{
		Issuer: issuer,
		Secret: secret,
		Client: oauthserver.Client{
			ID:           cfg.OAuthClientID,
			Secret:       cfg.OAuthClientSecret,
			RedirectURIs: cfg.RedirectURIs(),
		},
		Accounts: creds,
		Flows:    state.flows,
		StateTTL: cfg.OAuthStateTTL,
		CodeTTL:  cfg.OAuthCodeTTL,
		TokenTTL: cfg.OAuthTokenTTL,
		Limiter:  limiter,
		Logger:   log,
		Metrics:  mt,
	})
	if err != nil {
		return nil, err
	}
	authenticator := auth.Chain(tokens, oauth)

	mcpHandler, err := streaminghttp.New(cfg.MCPURL(), eng, authenticator,
		streaminghttp.WithServerName("Tool Gateway"),
		streaminghttp.WithRealm("tool-gateway"),
		streaminghttp.WithLoginURL(issuer+login.Path),
		streaminghttp.WithAuthorizationServers(issuer),
		streaminghttp.WithFlowBinder(oauth),
		streaminghttp.WithMetrics(mt),
		streaminghttp.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	connectHandler, err := connect.New(connect.Config{
		PublicURL:      issuer,
		Adapter:        adapter,
		Auth:           authenticator,
		Flows:          state.flows,
		Issuer:         cfg.Upstream.Issuer,
		ConnectionsURL: cfg.Upstream.ConnectionsURL,
		StateTTL:       cfg.OAuthStateTTL,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	for _, p := range mcpHandler.Paths() {
		mux.Handle(p, mcpHandler)
	}
	oauth.Register(mux)
	login.New(login.Config{
		MCPURL:   cfg.MCPURL(),
		Accounts: creds,
		Tokens:   tokens,
		Limiter:  limiter,
		Logger:   log,
		Metrics:  mt,
	}).Register(mux)
	connectHandler.Register(mux)
	if mt != nil {
		mux.Handle("GET /metrics", mt.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux, nil
}

// openDB opens the database named by GATEWAY_DB_PATH for admin commands,
// which do not need the full server configuration.
func openDB(ctx context.Context, path string) (*sql.DB, *slog.Logger, error) {
	log, err := newLogger(os.Stderr, "warn", "text")
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlitedb.Open(ctx, path, log)
	if err != nil {
		return nil, nil, err
	}
	return db, log, nil
}
