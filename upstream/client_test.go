package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendsAuthAndTenant(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer old-access" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Xero-Tenant-Id"); got != "tenant-1" {
			t.Errorf("tenant header = %q", got)
		}
		if r.URL.Path != "/Invoices" || r.URL.Query().Get("page") != "2" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Invoices":[{"InvoiceID":"inv-1"}]}`))
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	var out struct {
		Invoices []struct {
			InvoiceID string
		}
	}
	require.NoError(t, c.Get(context.Background(), "Invoices", url.Values{"page": {"2"}}, &out))
	require.Len(t, out.Invoices, 1)
	assert.Equal(t, "inv-1", out.Invoices[0].InvoiceID)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, c.Get(context.Background(), "Invoices", nil, &out))
	assert.True(t, out["ok"])
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientWriteRetriesOnlyUnappliedAttempts(t *testing.T) {
	var (
		calls   atomic.Int32
		created atomic.Int32
		mu      sync.Mutex
		keys    []string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()
		switch calls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			created.Add(1)
			time.Sleep(150 * time.Millisecond)
			_, _ = w.Write([]byte(`{"Invoices":[{"InvoiceID":"inv-1"}]}`))
		default:
			created.Add(1)
			_, _ = w.Write([]byte(`{"Invoices":[{"InvoiceID":"inv-2"}]}`))
		}
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	a.cfg.Timeout = 50 * time.Millisecond
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	err = c.Post(context.Background(), "Invoices", map[string]string{"Type": "ACCREC"}, nil)
	require.ErrorIs(t, err, apierr.ErrUpstreamRetryable)
	assert.Contains(t, apierr.As(err).Action, "check whether the change was applied")
	assert.EqualValues(t, 2, calls.Load(), "throttled attempt is replayed, timed-out one is not")
	assert.EqualValues(t, 1, created.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestClientWriteRetriesRefusedConnection(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	apiURL := api.URL
	api.Close()

	a, store := newTestAdapter(t, "", apiURL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	err = c.Put(context.Background(), "Contacts", map[string]string{"Name": "Acme"}, nil)
	require.ErrorIs(t, err, apierr.ErrUpstreamRetryable)
	assert.Equal(t, "try again shortly", apierr.As(err).Action)
}

func TestIdempotentMethods(t *testing.T) {
	assert.True(t, idempotent(http.MethodGet))
	assert.True(t, idempotent(http.MethodDelete))
	assert.False(t, idempotent(http.MethodPost))
	assert.False(t, idempotent(http.MethodPut))
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	err = c.Get(context.Background(), "Contacts", nil, nil)
	require.ErrorIs(t, err, apierr.ErrUpstreamRetryable)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientNeverRetriesUnauthorized(t *testing.T) {
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	err = c.Get(context.Background(), "Contacts", nil, nil)
	require.ErrorIs(t, err, apierr.ErrUpstreamReconnect)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClientTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer api.Close()
	defer close(release)

	a, store := newTestAdapter(t, "", api.URL)
	a.cfg.Timeout = 50 * time.Millisecond
	a.cfg.MaxRetries = 0
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	err = c.Get(context.Background(), "Reports/BalanceSheet", nil, nil)
	require.ErrorIs(t, err, apierr.ErrUpstreamRetryable)
}

func TestClientNotFoundAndValidation(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"Message":"A validation exception occurred"}`))
	}))
	defer api.Close()

	a, store := newTestAdapter(t, "", api.URL)
	putCredential(t, store, "u1", time.Hour)
	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)

	require.ErrorIs(t, c.Get(context.Background(), "Invoices/missing", nil, nil), apierr.ErrNotFound)
	err = c.Put(context.Background(), "Contacts", map[string]string{}, nil)
	require.ErrorIs(t, err, apierr.ErrValidation)
	assert.Contains(t, err.Error(), "validation exception")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
