package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/gateway"
	"github.com/ggoodman/tool-gateway/internal/metrics"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/ggoodman/tool-gateway/permissions"
	"github.com/ggoodman/tool-gateway/registry"
)

type contactArgs struct {
	ContactID string `json:"contactId"`
}

type renameArgs struct {
	ContactID string `json:"contactId"`
	Name      string `json:"name"`
}

type fixture struct {
	gw      *gateway.Gateway
	store   *permissions.SQLStore
	metrics *metrics.Metrics
	writes  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := sqlitedb.Open(context.Background(), ":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{store: permissions.NewSQLStore(db), metrics: metrics.New()}
	names := map[string]string{"c-1": "Acme"}

	reg, err := registry.New(
		registry.NewOperation("get_contact", "contacts", "Fetch one contact",
			func(ctx context.Context, inv registry.Invocation, a contactArgs) (any, error) {
				name, ok := names[a.ContactID]
				if !ok {
					return nil, apierr.NotFound("contact", a.ContactID)
				}
				return map[string]string{"id": a.ContactID, "name": name}, nil
			},
			registry.WithLevel(permissions.LevelReadOnly, "contacts")),
		registry.NewOperation("rename_contact", "contacts", "Rename a contact",
			func(ctx context.Context, inv registry.Invocation, a renameArgs) (any, error) {
				if a.Name == "boom" {
					return nil, apierr.Retryable("provider is busy", errors.New("429"))
				}
				f.writes++
				names[a.ContactID] = a.Name
				return map[string]string{"id": a.ContactID, "name": a.Name}, nil
			},
			registry.WithLevel(permissions.LevelApproveUpdate, "contacts"),
			registry.WithEntity("contact"),
			registry.WithSnapshot(func(a renameArgs) string { return a.ContactID },
				func(ctx context.Context, inv registry.Invocation, a renameArgs) (any, error) {
					return map[string]string{"name": names[a.ContactID]}, nil
				})),
		registry.NewOperation("archive_contact", "contacts", "Archive a contact",
			func(ctx context.Context, inv registry.Invocation, a contactArgs) (any, error) { return "archived", nil },
			registry.WithLevel(permissions.LevelDeleteVoid, "contacts"),
			registry.WithEntity("contact")),
	)
	require.NoError(t, err)

	svc := permissions.NewService(f.store, f.store, permissions.WithLogger(log))
	f.gw = gateway.New(reg, svc, gateway.WithLogger(log), gateway.WithMetrics(f.metrics))
	return f
}

func operationsTotal(t *testing.T, m *metrics.Metrics) int {
	t.Helper()
	n, err := testutil.GatherAndCount(m.Registry(), "toolgateway_operations_total")
	require.NoError(t, err)
	return n
}

func TestListOperationsHidesOperationsAboveLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetGlobalLevel(ctx, "alice", permissions.LevelApproveUpdate))

	list, err := f.gw.ListOperations(ctx, gateway.Caller{UserID: "alice"}, "contacts")
	require.NoError(t, err)
	var names []string
	for _, op := range list.Operations {
		names = append(names, op.Name)
	}
	assert.Equal(t, []string{"get_contact", "rename_contact"}, names)
	assert.Equal(t, "approve_update", list.Operations[1].LevelName)
	assert.True(t, list.Operations[1].Writes)

	list, err = f.gw.ListOperations(ctx, gateway.Caller{UserID: "bob"}, "contacts")
	require.NoError(t, err)
	require.Len(t, list.Operations, 1, "an unknown user is read-only")
	assert.Equal(t, "get_contact", list.Operations[0].Name)
}

func TestListOperationsUnknownCategory(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.ListOperations(context.Background(), gateway.Caller{UserID: "alice"}, "payroll")
	require.Error(t, err)
	e := apierr.As(err)
	assert.Equal(t, apierr.KindNotFound, e.Kind)
	assert.NotEmpty(t, e.Action)
}

func TestExecuteUnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.ExecuteOperation(context.Background(), gateway.Caller{UserID: "alice"}, "drop_tables", nil)
	e := apierr.As(err)
	assert.Equal(t, apierr.KindNotFound, e.Kind)
	assert.Contains(t, e.Action, "list_operations_in_category")
	assert.Equal(t, 1, operationsTotal(t, f.metrics))
}

func TestExecuteRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "bob"}, "get_contact", json.RawMessage(`{"contactId":"c-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "get_contact", res.Operation)
	assert.Empty(t, res.SnapshotID, "reads are not audited")
	assert.Equal(t, map[string]string{"id": "c-1", "name": "Acme"}, res.Data)

	_, err = f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "bob"}, "get_contact", json.RawMessage(`{"contactId":"nope"}`))
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestExecuteValidatesBeforeRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetGlobalLevel(ctx, "alice", permissions.LevelDeleteVoid))

	_, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "alice"}, "rename_contact", json.RawMessage(`{"contactId":"c-1","name":7,"extra":true}`))
	e := apierr.As(err)
	require.Equal(t, apierr.KindValidation, e.Kind)
	var paths []string
	for _, fe := range e.Fields {
		paths = append(paths, fe.Field)
	}
	assert.ElementsMatch(t, []string{"name", "extra"}, paths)
	assert.Zero(t, f.writes)

	snaps, err := f.store.ListSnapshots(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1, "a rejected write attempt is still audited")
	s := snaps[0]
	assert.Equal(t, permissions.StatusFailed, s.Status)
	assert.Equal(t, "rename_contact", s.OperationName)
	assert.Equal(t, "contact", s.EntityType)
	assert.NotEmpty(t, s.Error)
	assert.NotNil(t, s.ExecutedAt)
	assert.Empty(t, s.AfterState)
}

func TestExecuteInvalidReadIsNotAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "bob"}, "get_contact", json.RawMessage(`{"contactId":3}`))
	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	snaps, err := f.store.ListSnapshots(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestExecuteWriteRecordsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetGlobalLevel(ctx, "alice", permissions.LevelApproveUpdate))

	res, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "alice"}, "rename_contact", json.RawMessage(`{"contactId":"c-1","name":"Acme Ltd"}`))
	require.NoError(t, err)
	require.NotEmpty(t, res.SnapshotID)
	assert.Equal(t, 1, f.writes)

	snaps, err := f.store.ListSnapshots(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, res.SnapshotID, s.ID)
	assert.Equal(t, permissions.StatusExecuted, s.Status)
	assert.Equal(t, "contact", s.EntityType)
	assert.Equal(t, "c-1", s.EntityID)
	assert.JSONEq(t, `{"name":"Acme"}`, string(s.BeforeState))
	assert.JSONEq(t, `{"id":"c-1","name":"Acme Ltd"}`, string(s.AfterState))
}

func TestExecuteWriteDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetGlobalLevel(ctx, "alice", permissions.LevelDeleteVoid))
	require.NoError(t, f.store.SetGroupLevel(ctx, "alice", "contacts", permissions.LevelCreateDraft))

	_, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "alice"}, "archive_contact", json.RawMessage(`{"contactId":"c-1"}`))
	e := apierr.As(err)
	require.Equal(t, apierr.KindAuthorization, e.Kind)
	assert.Equal(t, int(permissions.LevelDeleteVoid), e.RequiredLevel)
	assert.Equal(t, int(permissions.LevelCreateDraft), e.CurrentLevel)

	snaps, err := f.store.ListSnapshots(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, permissions.StatusCancelled, snaps[0].Status)
}

func TestExecuteWriteFailureKeepsKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.SetGlobalLevel(ctx, "alice", permissions.LevelApproveUpdate))

	_, err := f.gw.ExecuteOperation(ctx, gateway.Caller{UserID: "alice"}, "rename_contact", json.RawMessage(`{"contactId":"c-1","name":"boom"}`))
	e := apierr.As(err)
	assert.Equal(t, apierr.KindUpstreamRetryable, e.Kind)
	assert.True(t, e.Retryable())

	snaps, err := f.store.ListSnapshots(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, permissions.StatusFailed, snaps[0].Status)
	assert.NotEmpty(t, snaps[0].Error)
}
