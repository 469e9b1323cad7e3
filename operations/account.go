package operations

import (
	"context"
	"fmt"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
	"github.com/ggoodman/tool-gateway/upstream"
)

const (
	defaultHistory = 20
	maxHistory     = 100
)

type historyArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=How many recent write attempts to list (default 20 and at most 100)"`
}

type connectionStatus struct {
	upstream.ConnectionStatus
	ConnectURL string `json:"connectUrl,omitempty"`
}

type groupLevel struct {
	Group     string `json:"group"`
	Level     int    `json:"level"`
	Name      string `json:"name"`
	Override  bool   `json:"override"`
	Effective int    `json:"effective"`
}

type myPermissions struct {
	GlobalLevel int          `json:"globalLevel"`
	GlobalName  string       `json:"globalName"`
	Groups      []groupLevel `json:"groups"`
}

func accountOps(d Deps) []registry.Operation {
	level := registry.WithLevel(permissions.LevelReadOnly, GroupAccount)
	return []registry.Operation{
		registry.NewOperation("connection_status", CategoryAccount, "Show whether your accounting provider is connected and to which organisation.",
			func(ctx context.Context, inv registry.Invocation, _ noArgs) (any, error) {
				st, err := d.Upstream.Status(ctx, inv.UserID)
				if err != nil {
					return nil, apierr.Internal(err)
				}
				out := connectionStatus{ConnectionStatus: st}
				if !st.Connected {
					out.ConnectURL = d.ConnectURL
				}
				return out, nil
			}, level),
		registry.NewOperation("my_permissions", CategoryAccount, "Show your permission level and any per-area overrides.",
			func(ctx context.Context, inv registry.Invocation, _ noArgs) (any, error) {
				global, overrides, err := d.Permissions.Levels(ctx, inv.UserID, Groups())
				if err != nil {
					return nil, apierr.Internal(fmt.Errorf("load permission levels: %w", err))
				}
				out := myPermissions{GlobalLevel: int(global), GlobalName: global.String()}
				for _, g := range Groups() {
					lvl, ok := overrides[g]
					eff := global
					if ok && lvl < global {
						eff = lvl
					}
					gl := groupLevel{Group: g, Level: int(global), Override: ok, Effective: int(eff)}
					if ok {
						gl.Level = int(lvl)
					}
					gl.Name = eff.String()
					out.Groups = append(out.Groups, gl)
				}
				return out, nil
			}, level),
		registry.NewOperation("list_recent_operations", CategoryAccount, "List your recent write attempts with their audit status.",
			func(ctx context.Context, inv registry.Invocation, x historyArgs) (any, error) {
				limit := x.Limit
				switch {
				case limit < 0:
					return nil, apierr.Validation("invalid limit", apierr.FieldError{Field: "limit", Reason: "must not be negative"})
				case limit == 0:
					limit = defaultHistory
				case limit > maxHistory:
					limit = maxHistory
				}
				snaps, err := d.Permissions.History(ctx, inv.UserID, limit)
				if err != nil {
					return nil, apierr.Internal(fmt.Errorf("load history: %w", err))
				}
				if snaps == nil {
					snaps = []permissions.OperationSnapshot{}
				}
				return map[string]any{"operations": snaps}, nil
			}, level),
	}
}
