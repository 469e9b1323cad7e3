// Package operations is the catalog of operations the gateway ships with.
//
// Operations are grouped into three categories: accounting operations that
// call the upstream provider, memory operations over the user's knowledge
// graph, and account operations that describe the caller's own standing.
package operations

import (
	"context"
	"log/slog"

	"github.com/ggoodman/tool-gateway/memory"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
	"github.com/ggoodman/tool-gateway/upstream"
)

const (
	CategoryAccounting = "accounting"
	CategoryMemory     = "memory"
	CategoryAccount    = "account"
)

// Capability groups the permission overrides apply to.
const (
	GroupInvoices = "accounting.invoices"
	GroupContacts = "accounting.contacts"
	GroupReports  = "accounting.reports"
	GroupMemory   = "memory"
	GroupAccount  = "account"
)

// ProjectAttribute is the session attribute holding the active memory
// project.
const ProjectAttribute = "memory.project"

// Groups lists every capability group used by the catalog.
func Groups() []string {
	return []string{GroupInvoices, GroupContacts, GroupReports, GroupMemory, GroupAccount}
}

// Upstream is the part of the upstream adapter the catalog needs.
type Upstream interface {
	GetClient(ctx context.Context, userID string) (*upstream.Client, error)
	Status(ctx context.Context, userID string) (upstream.ConnectionStatus, error)
}

type Deps struct {
	Upstream    Upstream
	Memory      memory.Store
	Permissions *permissions.Service
	// ConnectURL is where a user starts an upstream connection. It is shown
	// by connection_status when the user is not connected.
	ConnectURL string
	Logger     *slog.Logger
}

// Catalog builds every shipped operation.
func Catalog(d Deps) []registry.Operation {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	var ops []registry.Operation
	ops = append(ops, accountingOps(d)...)
	ops = append(ops, memoryOps(d)...)
	ops = append(ops, accountOps(d)...)
	return ops
}
