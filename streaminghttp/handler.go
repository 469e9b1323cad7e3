package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/tool-gateway/auth"
	"github.com/ggoodman/tool-gateway/internal/engine"
	"github.com/ggoodman/tool-gateway/internal/jsonrpc"
	"github.com/ggoodman/tool-gateway/internal/jwtauth"
	"github.com/ggoodman/tool-gateway/internal/logctx"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/ggoodman/tool-gateway/internal/wellknown"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/sessions"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	defaultKeepAlive = 25 * time.Second
	maxBodyBytes     = 4 << 20
)

// writeJSONError emits a transport-level rejection for failures that happen
// before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError answers with a JSON-RPC error object as a plain JSON body.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.ID, e *jsonrpc.Error) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, e))
}

// FlowBinder links an OAuth authorization flow to the session its access
// token opened. *oauthserver.Server satisfies it.
type FlowBinder interface {
	Bind(ctx context.Context, flowID, sessionID string) error
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	serverName           string
	logger               *slog.Logger
	realm                string
	loginURL             string
	authorizationServers []string
	binder               FlowBinder
	metrics              *metrics.Metrics
	keepAlive            time.Duration
}

// WithServerName sets a human-readable server name surfaced in PRM.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithLoginURL advertises the interactive sign-in page in challenges.
func WithLoginURL(u string) Option {
	return func(c *newConfig) { c.loginURL = u }
}

// WithAuthorizationServers lists the issuers named in the protected resource
// metadata.
func WithAuthorizationServers(issuers ...string) Option {
	return func(c *newConfig) { c.authorizationServers = issuers }
}

// WithFlowBinder binds OAuth flows to the sessions their tokens open.
func WithFlowBinder(b FlowBinder) Option {
	return func(c *newConfig) { c.binder = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithKeepAlive sets the interval of comment frames on idle event streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.keepAlive = d
		}
	}
}

// StreamingHTTPHandler implements the streaming HTTP transport of the Model
// Context Protocol on top of an engine.Engine.
type StreamingHTTPHandler struct {
	mux            *http.ServeMux
	log            *slog.Logger
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	serverURL      *url.URL

	auth      auth.Authenticator
	eng       *engine.Engine
	realm     string
	loginURL  string
	binder    FlowBinder
	metrics   *metrics.Metrics
	keepAlive time.Duration
}

// lockedWriteFlusher serializes writes and flushes and refuses to write once
// ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New builds the handler for the MCP endpoint at publicEndpoint. Requests
// are authenticated with authenticator and dispatched to eng.
func New(publicEndpoint string, eng *engine.Engine, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), keepAlive: defaultKeepAlive}
	for _, opt := range opts {
		opt(cfg)
	}

	lh := cfg.logger.Handler()
	if _, ok := lh.(logctx.Handler); !ok {
		lh = logctx.Handler{Handler: lh}
	}

	h := &StreamingHTTPHandler{
		log:            slog.New(lh),
		serverURL:      mcpURL,
		auth:           authenticator,
		eng:            eng,
		realm:          cfg.realm,
		loginURL:       cfg.loginURL,
		binder:         cfg.binder,
		metrics:        cfg.metrics,
		keepAlive:      cfg.keepAlive,
		prmDocument:    wellknown.NewProtectedResourceMetadata(mcpURL, cfg.serverName, cfg.authorizationServers...),
		prmDocumentURL: wellknown.ProtectedResourceURL(mcpURL),
	}

	path := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDeleteMCP)
	prmPath := pathOnly(h.prmDocumentURL)
	mux.HandleFunc(prmPath, h.handleProtectedResourceMetadata)
	mux.HandleFunc(prmPath+"/", h.handleProtectedResourceMetadata)
	h.mux = mux
	return h, nil
}

// Paths lists the URL paths the handler serves, for mounting on a parent mux.
func (h *StreamingHTTPHandler) Paths() []string {
	prm := pathOnly(h.prmDocumentURL)
	return []string{pathOnly(h.serverURL), prm, prm + "/"}
}

func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func withSession(ctx context.Context, s sessions.Session) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.ID,
		UserID:          s.UserID,
		ProtocolVersion: s.ProtocolVersion,
		State:           s.TransportState,
	})
}

// loadSession resolves the Mcp-Session-Id header and writes the rejection
// itself when it cannot.
func (h *StreamingHTTPHandler) loadSession(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) (*sessions.Handle, bool) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.NewError(jsonrpc.CodeSessionRequired, "missing %s header", mcpSessionIDHeader))
		h.log.InfoContext(ctx, "session.id.missing")
		return nil, false
	}
	sess, err := h.eng.LoadSession(ctx, sessID, user.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			// Clients respond to 404 by initializing a new session.
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss", slog.String("session", sessID))
			return nil, false
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := sess.Session().ProtocolVersion; spv != "" && pv != spv {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil, false
		}
	}
	return sess, true
}

// handleDeleteMCP ends a session at the client's request.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	user, _ := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}
	sess, ok := h.loadSession(ctx, w, r, user)
	if !ok {
		return
	}
	ctx = withSession(ctx, sess.Session())

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostMCP accepts one client message. initialize without a session
// header opens or resumes a session; everything else runs in the session
// named by the header.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	user, token := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	req, err := jsonrpc.Decode(body)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "%v", err)
		}
		writeRPCError(w, http.StatusBadRequest, nil, rpcErr)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	kind := "request"
	if req.IsNotification() {
		kind = "notification"
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: kind})

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.initialize(ctx, w, req, user, token, start)
		return
	}

	if req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	sess, ok := h.loadSession(ctx, w, r, user)
	if !ok {
		return
	}
	snapshot := sess.Session()
	ctx = withSession(ctx, snapshot)
	if pv := snapshot.ProtocolVersion; pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}

	if req.IsNotification() {
		if err := h.eng.HandleNotification(ctx, sess, req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid notification")
			h.log.WarnContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Closing the transport cancels this request only; the session lives on.
	res, err := h.eng.HandleRequest(ctx, sess, req)
	event := ""
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "internal server error"))
		event = sessions.EventError
	}
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := writeSSEEvent(wf, "", event, b); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) initialize(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, user auth.UserInfo, token string, start time.Time) {
	if req.Method != string(mcp.InitializeMethod) || req.IsNotification() {
		writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.NewError(jsonrpc.CodeSessionRequired, "missing %s header; send initialize first", mcpSessionIDHeader))
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid initialize params"))
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	identity := sessions.IdentityOf(user.UserID(), token)
	sess, initRes, resumed, err := h.eng.InitializeSession(ctx, user.UserID(), identity, &params)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	ctx = withSession(ctx, sess.Session())
	h.bindFlow(ctx, user, sess.ID())

	resp, err := jsonrpc.NewResult(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID())
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Bool("resumed", resumed), slog.Duration("dur", time.Since(start)))
}

// bindFlow moves an OAuth flow to bound_to_session. Failure is logged only;
// the token is already valid.
func (h *StreamingHTTPHandler) bindFlow(ctx context.Context, user auth.UserInfo, sessionID string) {
	if h.binder == nil || user.Method() != auth.MethodOAuth {
		return
	}
	var claims jwtauth.Claims
	if err := user.Claims(&claims); err != nil || claims.FlowID == "" {
		return
	}
	if err := h.binder.Bind(ctx, claims.FlowID, sessionID); err != nil {
		h.log.WarnContext(ctx, "oauth.flow.bind.fail", slog.String("err", err.Error()))
	}
}

// handleGetMCP opens the session's event stream. It holds the session
// connected until the client goes away; the grace window starts then.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	user, _ := h.checkAuthentication(ctx, r, w)
	if user == nil {
		return
	}
	sess, ok := h.loadSession(ctx, w, r, user)
	if !ok {
		return
	}
	snapshot := sess.Session()
	ctx = withSession(ctx, snapshot)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	if pv := snapshot.ProtocolVersion; pv != "" {
		w.Header().Set(mcpProtocolVersionHeader, pv)
	}
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(wf, ": connected\n\n")
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.keepAliveLoop(streamCtx, wf, cancel)

	err := h.eng.StreamSession(streamCtx, sess, func(cbCtx context.Context, ev sessions.Event) error {
		if err := writeSSEEvent(wf, ev.ID, ev.Type, ev.Data); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.event.deliver", slog.String("event", ev.Type))
		return nil
	})
	switch {
	case err == nil:
		h.log.InfoContext(ctx, "sse.stream.session_ended", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	default:
		h.log.WarnContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// keepAliveLoop writes comment frames so intermediaries do not time out an
// idle stream. A failed write ends the stream.
func (h *StreamingHTTPHandler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher, cancel context.CancelFunc) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := io.WriteString(wf, ": keepalive\n\n"); err != nil {
				cancel()
				return
			}
			wf.Flush()
		}
	}
}

func (h *StreamingHTTPHandler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	wellknown.ServeDocument(w, r, h.prmDocument)
}

// checkAuthentication returns the caller and the presented token, or writes
// the challenge and returns nil.
func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, string) {
	prm := h.prmDocumentURL.String()
	tok, err := auth.TokenFromRequest(r)
	switch {
	case errors.Is(err, auth.ErrNoToken):
		h.log.InfoContext(ctx, "auth.check.missing")
		auth.NewAuthenticationRequired(h.realm, prm, h.loginURL).Write(w, "authentication required")
		return nil, ""
	case err != nil:
		h.metrics.AuthFailure("mcp")
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", err.Error()))
		auth.NewInvalidAuthorizationHeader(h.realm).Write(w, "malformed authorization header")
		return nil, ""
	}

	user, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.metrics.AuthFailure("mcp")
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			auth.NewInvalidTokenResult(h.realm, prm, "the token is invalid or expired; sign in again").Write(w, "invalid token")
			return nil, ""
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
		return nil, ""
	}
	return user, tok
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one frame and flushes it. Empty id and event are
// omitted; an unnamed frame is a "message" event to the client.
func writeSSEEvent(wf *lockedWriteFlusher, id, event string, payload []byte) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" && event != sessions.EventMessage {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(wf, b.String()); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	wf.Flush()
	return nil
}
