// Package gateway implements the two meta-operations exposed to the LLM
// host: listing the operations of a category and executing one by name.
//
// ExecuteOperation runs the full pipeline for every call: lookup, argument
// validation against the operation's input schema, the permission check, and
// the handler. Reads are authorized directly. Writes run inside
// permissions.Service.Execute, and writes with invalid arguments are recorded
// through permissions.Service.Reject, so every attempt leaves an audit
// snapshot.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/internal/logctx"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/ggoodman/tool-gateway/mcp"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
)

// Caller identifies the authenticated user and the session a call arrived on.
type Caller struct {
	UserID    string
	SessionID string
	// Session is optional; operations that keep conversation state need it.
	Session registry.Session
}

// OperationInfo is one entry of a category listing.
type OperationInfo struct {
	Name          string              `json:"name"`
	Summary       string              `json:"summary"`
	InputSchema   mcp.ToolInputSchema `json:"inputSchema"`
	RequiredLevel permissions.Level   `json:"requiredLevel"`
	LevelName     string              `json:"requiredLevelName"`
	Writes        bool                `json:"writes"`
}

// Listing is the result of ListOperations.
type Listing struct {
	Category   string          `json:"category"`
	Operations []OperationInfo `json:"operations"`
}

// Result is the outcome of a successful ExecuteOperation.
type Result struct {
	Operation string `json:"operation"`
	// SnapshotID names the audit record of a write.
	SnapshotID string `json:"snapshotId,omitempty"`
	Data       any    `json:"data"`
}

type Gateway struct {
	reg     *registry.Registry
	perms   *permissions.Service
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func New(reg *registry.Registry, perms *permissions.Service, opts ...Option) *Gateway {
	g := &Gateway{reg: reg, perms: perms, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Categories lists the catalog's categories with their operation counts.
func (g *Gateway) Categories() []registry.Category { return g.reg.Categories() }

// ListOperations returns the operations in category the caller is allowed to
// invoke. Operations above the caller's effective level for their capability
// group are left out.
func (g *Gateway) ListOperations(ctx context.Context, caller Caller, category string) (Listing, error) {
	all, err := g.reg.ListFunc(category, nil)
	if err != nil {
		if e := apierr.As(err); e.Kind == apierr.KindNotFound {
			e.Action = "use one of the categories named in the tool description"
		}
		return Listing{}, err
	}

	levels := make(map[string]permissions.Level)
	out := Listing{Category: category, Operations: make([]OperationInfo, 0, len(all))}
	for _, d := range all {
		lvl, ok := levels[d.CapabilityGroup]
		if !ok {
			lvl, err = g.perms.EffectiveLevel(ctx, caller.UserID, d.CapabilityGroup)
			if err != nil {
				return Listing{}, apierr.Internal(fmt.Errorf("resolve permission level: %w", err))
			}
			levels[d.CapabilityGroup] = lvl
		}
		if d.RequiredLevel > lvl {
			continue
		}
		out.Operations = append(out.Operations, OperationInfo{
			Name:          d.Name,
			Summary:       d.Summary,
			InputSchema:   d.InputSchema,
			RequiredLevel: d.RequiredLevel,
			LevelName:     d.RequiredLevel.String(),
			Writes:        d.IsWrite(),
		})
	}
	g.log.DebugContext(ctx, "gateway.list.ok", slog.String("category", category), slog.Int("visible", len(out.Operations)), slog.Int("total", len(all)))
	return out, nil
}

// ExecuteOperation runs the named operation for caller. Every failure is an
// *apierr.Error.
func (g *Gateway) ExecuteOperation(ctx context.Context, caller Caller, name string, args json.RawMessage) (res Result, err error) {
	start := g.now()
	op, ok := g.reg.Lookup(name)
	if !ok {
		e := apierr.NotFound("operation", name)
		e.Action = "call list_operations_in_category to see the available operations"
		g.observe(name, e, start)
		return Result{}, e
	}
	d := op.Descriptor
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{Name: d.Name, Category: d.Category, RequiredLevel: int(d.RequiredLevel)})
	defer func() {
		if err != nil {
			err = apierr.As(err)
		}
		g.observe(name, err, start)
	}()

	inv := registry.Invocation{UserID: caller.UserID, SessionID: caller.SessionID, Session: caller.Session}
	req := permissions.WriteRequest{
		UserID:          caller.UserID,
		RequestedBy:     caller.UserID,
		OperationName:   d.Name,
		CapabilityGroup: d.CapabilityGroup,
		RequiredLevel:   d.RequiredLevel,
		EntityType:      d.EntityType,
		EntityID:        op.EntityID(args),
	}

	if verr := registry.ValidateArguments(d.InputSchema, args); verr != nil {
		g.log.InfoContext(ctx, "gateway.execute.invalid", slog.String("err", verr.Error()))
		if d.IsWrite() {
			_, err := g.perms.Reject(ctx, req, verr)
			return Result{}, err
		}
		return Result{}, verr
	}

	if !d.IsWrite() {
		if err := g.perms.Authorize(ctx, caller.UserID, d.CapabilityGroup, d.RequiredLevel); err != nil {
			return Result{}, err
		}
		out, err := op.Invoke(ctx, inv, args)
		if err != nil {
			g.logFailure(ctx, err)
			return Result{}, err
		}
		g.log.InfoContext(ctx, "gateway.execute.ok", slog.Duration("dur", g.now().Sub(start)))
		return Result{Operation: name, Data: out}, nil
	}

	if op.HasBefore() {
		req.Before = func(ctx context.Context) (json.RawMessage, error) {
			return op.Before(ctx, inv, args)
		}
	}

	var out any
	snap, err := g.perms.Execute(ctx, req, func(ctx context.Context) (json.RawMessage, error) {
		v, err := op.Invoke(ctx, inv, args)
		if err != nil {
			return nil, err
		}
		out = v
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return b, nil
	})
	if err != nil {
		g.logFailure(ctx, err, slog.String("snapshot", snap.ID))
		return Result{}, err
	}
	g.log.InfoContext(ctx, "gateway.execute.ok", slog.String("snapshot", snap.ID), slog.Duration("dur", g.now().Sub(start)))
	return Result{Operation: name, SnapshotID: snap.ID, Data: out}, nil
}

func (g *Gateway) logFailure(ctx context.Context, err error, attrs ...any) {
	e := apierr.As(err)
	attrs = append(attrs, slog.String("kind", string(e.Kind)), slog.String("err", err.Error()))
	if e.Kind == apierr.KindInternal {
		g.log.ErrorContext(ctx, "gateway.execute.fail", attrs...)
		return
	}
	g.log.InfoContext(ctx, "gateway.execute.fail", attrs...)
}

func (g *Gateway) observe(name string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = string(apierr.KindOf(err))
	}
	g.metrics.ObserveOperation(name, outcome, g.now().Sub(start))
}
