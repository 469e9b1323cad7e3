// Package engine implements the protocol logic behind the streaming HTTP
// transport: the initialize handshake, session resumption, the tools/list
// and tools/call methods, and request cancellation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/tool-gateway/gateway"
	"github.com/ggoodman/tool-gateway/internal/jsonrpc"
	"github.com/ggoodman/tool-gateway/internal/logctx"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/sessions"
)

var (
	// ErrCancelled is the cancellation cause recorded when the client sends
	// notifications/cancelled for an in-flight request.
	ErrCancelled     = errors.New("request cancelled by client")
	ErrInvalidUserID = errors.New("invalid user id")
)

const defaultInstructions = "This server exposes a large catalog of operations through two tools. " +
	"Call list_operations_in_category to discover the operations of a category and their input schemas, " +
	"then call execute_operation with the operation name and its arguments."

// Engine coordinates sessions and dispatches JSON-RPC messages. It is
// transport agnostic; streaminghttp owns framing and authentication.
type Engine struct {
	sessions *sessions.Manager
	gw       *gateway.Gateway
	log      *slog.Logger

	serverInfo   mcp.ImplementationInfo
	instructions string

	// in-flight tools/call tracking, keyed by session id and request id
	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions overrides the usage instructions sent to the client.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

func NewEngine(mgr *sessions.Manager, gw *gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		sessions:     mgr,
		gw:           gw,
		log:          slog.Default(),
		serverInfo:   mcp.ImplementationInfo{Name: "tool-gateway", Version: "dev"},
		instructions: defaultInstructions,
		inflight:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Sessions exposes the session manager for the transport.
func (e *Engine) Sessions() *sessions.Manager { return e.sessions }

// InitializeSession answers the initialize handshake. When identity names a
// session still inside its grace window, that session is resumed instead of
// creating a new one, and resumed is true.
func (e *Engine) InitializeSession(ctx context.Context, userID, identity string, req *mcp.InitializeRequest) (_ *sessions.Handle, _ *mcp.InitializeResult, resumed bool, _ error) {
	if userID == "" {
		return nil, nil, false, ErrInvalidUserID
	}
	if req == nil {
		return nil, nil, false, fmt.Errorf("initialize request required")
	}
	version := mcp.NegotiateVersion(req.ProtocolVersion)

	sess, err := e.sessions.Resume(ctx, userID, identity)
	switch {
	case err == nil:
		resumed = true
	case errors.Is(err, sessions.ErrSessionNotFound):
		client := sessions.ClientInfo{Name: req.ClientInfo.Name, Version: req.ClientInfo.Version}
		sess, err = e.sessions.Create(ctx, userID, identity, version, client)
		if err != nil {
			return nil, nil, false, err
		}
	default:
		return nil, nil, false, fmt.Errorf("resume session: %w", err)
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		ProtocolVersion: version,
		State:           sess.TransportState,
	})
	e.log.InfoContext(ctx, "engine.session.initialize", slog.Bool("resumed", resumed), slog.String("requested_version", req.ProtocolVersion))

	res := &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	}
	if resumed {
		res.Meta = map[string]any{"resumed": true}
	}
	return e.sessions.Handle(sess), res, resumed, nil
}

// LoadSession returns the caller's live session and records the activity.
func (e *Engine) LoadSession(ctx context.Context, sessID, userID string) (*sessions.Handle, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	s, err := e.sessions.Touch(ctx, sessID, userID)
	if err != nil {
		return nil, err
	}
	return e.sessions.Handle(s), nil
}

// DeleteSession ends the session and cancels its in-flight requests on this
// replica.
func (e *Engine) DeleteSession(ctx context.Context, sess *sessions.Handle) error {
	prefix := sess.ID() + "\x00"
	e.inflightMu.Lock()
	for k, cancel := range e.inflight {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			cancel(sessions.ErrSessionNotFound)
		}
	}
	e.inflightMu.Unlock()
	return e.sessions.Expire(ctx, sess.ID())
}

// StreamSession attaches an event stream to the session and delivers its
// events until ctx ends or the session is deleted. The grace window starts
// when the last stream returns.
func (e *Engine) StreamSession(ctx context.Context, sess *sessions.Handle, fn func(ctx context.Context, ev sessions.Event) error) error {
	if _, err := e.sessions.Attach(ctx, sess.ID(), sess.UserID()); err != nil {
		return err
	}
	defer func() {
		if err := e.sessions.Detach(ctx, sess.ID()); err != nil {
			e.log.WarnContext(ctx, "engine.stream.detach.fail", slog.String("err", err.Error()))
		}
	}()
	return e.sessions.Subscribe(ctx, sess.ID(), fn)
}

// HandleRequest dispatches a request and returns its response. A non-nil
// error means no response could be produced.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Handle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	start := time.Now()

	var (
		res *jsonrpc.Response
		err error
	)
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		res, err = jsonrpc.NewResult(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		res, err = e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		res, err = e.handleToolCall(ctx, sess, req)
	case mcp.InitializeMethod:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "session is already initialized"))
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %q not found", req.Method))
	}
	if err != nil {
		e.log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, err
	}
	if res.Error != nil {
		e.log.InfoContext(ctx, "engine.handle_request.error", slog.Int("code", int(res.Error.Code)), slog.Duration("dur", time.Since(start)))
	} else {
		e.log.DebugContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)))
	}
	return res, nil
}

// HandleNotification processes a client notification. Unknown notifications
// are ignored.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Handle, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return fmt.Errorf("decode cancelled notification: %w", err)
		}
		id, err := jsonrpc.ParseID(params.RequestID)
		if err != nil {
			return fmt.Errorf("decode cancelled notification: %w", err)
		}
		if e.cancelInFlight(sess.ID(), id, params.Reason) {
			e.log.InfoContext(ctx, "engine.request.cancelled", slog.String("request", id.String()), slog.String("reason", params.Reason))
		} else {
			// Finished already, or running on another replica.
			e.log.DebugContext(ctx, "engine.request.cancel.miss", slog.String("request", id.String()))
		}
	default:
		e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	}
	return nil
}

func inflightKey(sessID string, id *jsonrpc.ID) string {
	return sessID + "\x00" + id.Key()
}

// track registers a cancellable context for a request. ok is false when the
// id is already in flight on this session.
func (e *Engine) track(ctx context.Context, sessID string, id *jsonrpc.ID) (_ context.Context, done func(), ok bool) {
	key := inflightKey(sessID, id)
	cctx, cancel := context.WithCancelCause(ctx)

	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, exists := e.inflight[key]; exists {
		cancel(context.Canceled)
		return nil, nil, false
	}
	e.inflight[key] = cancel
	return cctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
		cancel(context.Canceled)
	}, true
}

func (e *Engine) cancelInFlight(sessID string, id *jsonrpc.ID, reason string) bool {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[inflightKey(sessID, id)]
	e.inflightMu.Unlock()
	if !ok {
		return false
	}
	if reason != "" {
		cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	} else {
		cancel(ErrCancelled)
	}
	return true
}
