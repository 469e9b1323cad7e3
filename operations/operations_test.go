package operations

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/ggoodman/tool-gateway/memory"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
	"github.com/ggoodman/tool-gateway/upstream"
)

// fakeAPI serves a tiny invoice ledger in the provider's envelope format.
type fakeAPI struct {
	mu       sync.Mutex
	invoices map[string]Invoice
	queries  []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/Invoices":
		var list []Invoice
		for _, inv := range f.invoices {
			list = append(list, inv)
		}
		_ = json.NewEncoder(w).Encode(invoicesEnvelope{Invoices: list})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/Invoices/"):
		inv, ok := f.invoices[strings.TrimPrefix(r.URL.Path, "/Invoices/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(invoicesEnvelope{Invoices: []Invoice{inv}})
	case r.Method == http.MethodPost && r.URL.Path == "/Invoices":
		var in invoicesEnvelope
		_ = json.NewDecoder(r.Body).Decode(&in)
		inv := in.Invoices[0]
		inv.InvoiceID = "inv-new"
		f.invoices[inv.InvoiceID] = inv
		_ = json.NewEncoder(w).Encode(invoicesEnvelope{Invoices: []Invoice{inv}})
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/Invoices/"):
		id := strings.TrimPrefix(r.URL.Path, "/Invoices/")
		cur, ok := f.invoices[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in invoicesEnvelope
		_ = json.NewDecoder(r.Body).Decode(&in)
		cur.Status = in.Invoices[0].Status
		f.invoices[id] = cur
		_ = json.NewEncoder(w).Encode(invoicesEnvelope{Invoices: []Invoice{cur}})
	case r.URL.Path == "/Reports/ProfitAndLoss":
		_, _ = w.Write([]byte(`{"Reports":[{"ReportName":"Profit and Loss"}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fakeSession struct {
	mu    sync.Mutex
	attrs map[string]string
}

func (s *fakeSession) Attribute(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[key]
}

func (s *fakeSession) SetAttribute(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = map[string]string{}
	}
	s.attrs[key] = value
	return nil
}

type fixture struct {
	api   *fakeAPI
	reg   *registry.Registry
	perms *permissions.SQLStore
	svc   *permissions.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlitedb.Open(context.Background(), ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	api := &fakeAPI{invoices: map[string]Invoice{
		"inv-1": {InvoiceID: "inv-1", Status: statusDraft, Total: 100},
		"inv-2": {InvoiceID: "inv-2", Status: statusAuthorised, Total: 250},
	}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	creds := credentials.NewSQLStore(db)
	require.NoError(t, creds.PutCredential(context.Background(), credentials.Credential{
		UserID:      "alice",
		Provider:    "xero",
		AccessToken: "access",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
		TenantID:    "tenant-1",
		TenantName:  "Demo Company",
	}))
	adapter := upstream.New(upstream.Config{
		Provider:   "xero",
		APIURL:     srv.URL,
		Timeout:    2 * time.Second,
		RateLimit:  1000,
		RateBurst:  1000,
		MaxRetries: 0,
	}, creds, upstream.WithLogger(log))

	perms := permissions.NewSQLStore(db)
	svc := permissions.NewService(perms, perms, permissions.WithLogger(log))
	reg, err := registry.New(Catalog(Deps{
		Upstream:    adapter,
		Memory:      memory.NewSQLStore(db),
		Permissions: svc,
		ConnectURL:  "https://gw.example/connect/start",
		Logger:      log,
	})...)
	require.NoError(t, err)
	return &fixture{api: api, reg: reg, perms: perms, svc: svc}
}

func (fx *fixture) invoke(t *testing.T, inv registry.Invocation, name, args string) (any, error) {
	t.Helper()
	op, ok := fx.reg.Lookup(name)
	require.True(t, ok, name)
	require.NoError(t, registry.ValidateArguments(op.Descriptor.InputSchema, json.RawMessage(args)))
	return op.Invoke(context.Background(), inv, json.RawMessage(args))
}

func TestCatalogShape(t *testing.T) {
	fx := newFixture(t)
	counts := map[string]int{}
	for _, c := range fx.reg.Categories() {
		counts[c.Name] = c.Count
	}
	assert.Equal(t, map[string]int{CategoryAccounting: 13, CategoryMemory: 9, CategoryAccount: 3}, counts)

	levels := map[string]permissions.Level{
		"list_invoices":        permissions.LevelReadOnly,
		"create_draft_invoice": permissions.LevelCreateDraft,
		"approve_invoice":      permissions.LevelApproveUpdate,
		"update_contact":       permissions.LevelApproveUpdate,
		"void_invoice":         permissions.LevelDeleteVoid,
		"delete_draft_invoice": permissions.LevelDeleteVoid,
		"memory_use_project":   permissions.LevelReadOnly,
	}
	for name, want := range levels {
		op, ok := fx.reg.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, want, op.Descriptor.RequiredLevel, name)
	}

	void, _ := fx.reg.Lookup("void_invoice")
	assert.Equal(t, GroupInvoices, void.Descriptor.CapabilityGroup)
	assert.Equal(t, "invoice", void.Descriptor.EntityType)
	assert.True(t, void.HasBefore())
}

func TestListInvoicesForwardsFilters(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.invoke(t, registry.Invocation{UserID: "alice"}, "list_invoices", `{"status":"DRAFT","page":2}`)
	require.NoError(t, err)
	assert.Len(t, out.(map[string]any)["invoices"], 2)
	fx.api.mu.Lock()
	defer fx.api.mu.Unlock()
	assert.Contains(t, fx.api.queries[0], "Statuses=DRAFT")
	assert.Contains(t, fx.api.queries[0], "page=2")
}

func TestVoidInvoiceCapturesBeforeState(t *testing.T) {
	fx := newFixture(t)
	op, _ := fx.reg.Lookup("void_invoice")
	raw := json.RawMessage(`{"invoiceId":"inv-2"}`)
	inv := registry.Invocation{UserID: "alice"}

	assert.Equal(t, "inv-2", op.EntityID(raw))
	before, err := op.Before(context.Background(), inv, raw)
	require.NoError(t, err)
	assert.Contains(t, string(before), `"Status":"AUTHORISED"`)

	out, err := op.Invoke(context.Background(), inv, raw)
	require.NoError(t, err)
	assert.Equal(t, statusVoided, out.(Invoice).Status)
}

func TestDeleteDraftInvoiceOnlyDeletesDrafts(t *testing.T) {
	fx := newFixture(t)
	inv := registry.Invocation{UserID: "alice"}

	_, err := fx.invoke(t, inv, "delete_draft_invoice", `{"invoiceId":"inv-2"}`)
	assert.ErrorIs(t, err, apierr.ErrValidation)

	out, err := fx.invoke(t, inv, "delete_draft_invoice", `{"invoiceId":"inv-1"}`)
	require.NoError(t, err)
	assert.Equal(t, statusDeleted, out.(Invoice).Status)
}

func TestCreateDraftInvoice(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.invoke(t, registry.Invocation{UserID: "alice"}, "create_draft_invoice",
		`{"contactId":"c-1","lines":[{"description":"Consulting","quantity":2,"unitAmount":150}],"dueDate":"2026-11-01"}`)
	require.NoError(t, err)
	created := out.(Invoice)
	assert.Equal(t, statusDraft, created.Status)
	assert.Equal(t, "ACCREC", created.Type)
	require.Len(t, created.LineItems, 1)

	_, err = fx.invoke(t, registry.Invocation{UserID: "alice"}, "create_draft_invoice", `{"contactId":"c-1","lines":[]}`)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestReportDatesAreValidated(t *testing.T) {
	fx := newFixture(t)
	inv := registry.Invocation{UserID: "alice"}
	_, err := fx.invoke(t, inv, "get_profit_and_loss", `{"fromDate":"2026-13-01","toDate":"yesterday"}`)
	e := apierr.As(err)
	require.NotNil(t, e)
	assert.Equal(t, apierr.KindValidation, e.Kind)
	assert.Len(t, e.Fields, 2)

	_, err = fx.invoke(t, inv, "get_profit_and_loss", `{"fromDate":"2026-02-01","toDate":"2026-01-01"}`)
	assert.ErrorIs(t, err, apierr.ErrValidation)

	out, err := fx.invoke(t, inv, "get_profit_and_loss", `{"fromDate":"2026-01-01","toDate":"2026-01-31"}`)
	require.NoError(t, err)
	assert.Contains(t, string(out.(json.RawMessage)), "Profit and Loss")
}

func TestUnconnectedUserMustReconnect(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.invoke(t, registry.Invocation{UserID: "bob"}, "list_contacts", `{}`)
	assert.ErrorIs(t, err, apierr.ErrUpstreamReconnect)

	out, err := fx.invoke(t, registry.Invocation{UserID: "bob"}, "connection_status", `{}`)
	require.NoError(t, err)
	st := out.(connectionStatus)
	assert.False(t, st.Connected)
	assert.Equal(t, "https://gw.example/connect/start", st.ConnectURL)
}

func TestMemoryProjectScopedToSession(t *testing.T) {
	fx := newFixture(t)
	s1 := &fakeSession{}
	s2 := &fakeSession{}
	in1 := registry.Invocation{UserID: "alice", SessionID: "s1", Session: s1}
	in2 := registry.Invocation{UserID: "alice", SessionID: "s2", Session: s2}

	_, err := fx.invoke(t, in1, "memory_use_project", `{"projectId":"apollo"}`)
	require.NoError(t, err)
	assert.Equal(t, "apollo", s1.Attribute(ProjectAttribute))

	_, err = fx.invoke(t, in1, "memory_create_entity", `{"name":"Launch plan","observations":["liftoff in march"]}`)
	require.NoError(t, err)
	_, err = fx.invoke(t, in1, "memory_create_entity", `{"name":"Launch budget","global":true}`)
	require.NoError(t, err)

	names := func(out any) []string {
		var n []string
		for _, e := range out.(map[string]any)["entities"].([]memory.EntityWithObservations) {
			n = append(n, e.Name)
		}
		return n
	}

	out, err := fx.invoke(t, in1, "memory_search", `{"query":"launch"}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Launch plan", "Launch budget"}, names(out))

	out, err = fx.invoke(t, in2, "memory_search", `{"query":"launch"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"Launch budget"}, names(out))

	out, err = fx.invoke(t, in2, "memory_search", `{"query":"launch","projects":["apollo"]}`)
	require.NoError(t, err)
	assert.Len(t, names(out), 2)

	_, err = fx.invoke(t, registry.Invocation{UserID: "alice"}, "memory_use_project", `{"projectId":"x"}`)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestMemoryErrorsAreClassified(t *testing.T) {
	fx := newFixture(t)
	inv := registry.Invocation{UserID: "alice"}
	_, err := fx.invoke(t, inv, "memory_delete_entity", `{"entityId":"missing"}`)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	_, err = fx.invoke(t, inv, "memory_create_entity", `{"name":"Acme"}`)
	require.NoError(t, err)
	_, err = fx.invoke(t, inv, "memory_create_entity", `{"name":"Acme"}`)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestMyPermissionsReportsEffectiveLevels(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.perms.SetGlobalLevel(ctx, "alice", permissions.LevelApproveUpdate))
	require.NoError(t, fx.perms.SetGroupLevel(ctx, "alice", GroupInvoices, permissions.LevelReadOnly))

	out, err := fx.invoke(t, registry.Invocation{UserID: "alice"}, "my_permissions", `{}`)
	require.NoError(t, err)
	p := out.(myPermissions)
	assert.Equal(t, 2, p.GlobalLevel)
	for _, g := range p.Groups {
		switch g.Group {
		case GroupInvoices:
			assert.True(t, g.Override)
			assert.Equal(t, 0, g.Effective)
		default:
			assert.False(t, g.Override, g.Group)
			assert.Equal(t, 2, g.Effective, g.Group)
		}
	}
}

func TestListRecentOperations(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.svc.Execute(ctx, permissions.WriteRequest{
		UserID:          "alice",
		OperationName:   "void_invoice",
		CapabilityGroup: GroupInvoices,
		RequiredLevel:   permissions.LevelDeleteVoid,
	}, func(ctx context.Context) (json.RawMessage, error) { return nil, nil })
	assert.ErrorIs(t, err, apierr.ErrAuthorization)

	out, err := fx.invoke(t, registry.Invocation{UserID: "alice"}, "list_recent_operations", `{"limit":5}`)
	require.NoError(t, err)
	snaps := out.(map[string]any)["operations"].([]permissions.OperationSnapshot)
	require.Len(t, snaps, 1)
	assert.Equal(t, permissions.StatusCancelled, snaps[0].Status)
}
