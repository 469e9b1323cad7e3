package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/tool-gateway/apierr"
	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

// newTokenServer answers refresh_token grants with a fresh token pair. The
// handler pauses so concurrent callers overlap.
func newTokenServer(t *testing.T, status int, errCode string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := ts.calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode})
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": fmt.Sprintf("refresh-%d", n),
			"token_type":    "Bearer",
			"expires_in":    1800,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newCredentialStore(t *testing.T) *credentials.SQLStore {
	t.Helper()
	db, err := sqlitedb.Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return credentials.NewSQLStore(db)
}

func newTestAdapter(t *testing.T, tokenURL, apiURL string, opts ...Option) (*Adapter, *credentials.SQLStore) {
	t.Helper()
	store := newCredentialStore(t)
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackoff(time.Millisecond),
	}, opts...)
	a := New(Config{
		Provider:      "xero",
		ClientID:      "client",
		ClientSecret:  "secret",
		TokenURL:      tokenURL,
		APIURL:        apiURL,
		RefreshMargin: 5 * time.Minute,
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		RateLimit:     1000,
		RateBurst:     1000,
	}, store, opts...)
	return a, store
}

func putCredential(t *testing.T, store credentials.Store, userID string, expiresIn time.Duration) {
	t.Helper()
	require.NoError(t, store.PutCredential(context.Background(), credentials.Credential{
		UserID:       userID,
		Provider:     "xero",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(expiresIn),
		TenantID:     "tenant-1",
		TenantName:   "Demo Company",
	}))
}

func TestGetClientRefreshesBeforeReturning(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "")
	a, store := newTestAdapter(t, ts.URL, "")
	ctx := context.Background()
	putCredential(t, store, "u1", 2*time.Minute)

	c, err := a.GetClient(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, ts.calls.Load())
	assert.Equal(t, "access-1", c.cred.AccessToken)

	stored, err := store.GetCredential(ctx, "u1", "xero")
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(25*time.Minute)))

	// Within the same minute the fresh token is reused.
	c2, err := a.GetClient(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ts.calls.Load())
	assert.Equal(t, "access-1", c2.cred.AccessToken)
	id, name := c2.Tenant()
	assert.Equal(t, "tenant-1", id)
	assert.Equal(t, "Demo Company", name)
}

func TestGetClientSkipsRefreshForFreshToken(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "")
	a, store := newTestAdapter(t, ts.URL, "")
	putCredential(t, store, "u1", time.Hour)

	c, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, ts.calls.Load())
	assert.Equal(t, "old-access", c.cred.AccessToken)
}

func TestConcurrentRefreshRunsOnce(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "")
	a, store := newTestAdapter(t, ts.URL, "")
	putCredential(t, store, "u1", time.Minute)
	putCredential(t, store, "u2", time.Minute)

	const n = 25
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.GetClient(context.Background(), "u1")
			errs[i] = err
			if err == nil {
				tokens[i] = c.cred.AccessToken
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
	assert.EqualValues(t, 1, ts.calls.Load())

	// A different user refreshes independently.
	_, err := a.GetClient(context.Background(), "u2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ts.calls.Load())
}

func TestRefreshFailuresAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{name: "revoked grant", status: http.StatusBadRequest, code: "invalid_grant", want: apierr.ErrUpstreamReconnect},
		{name: "provider down", status: http.StatusServiceUnavailable, code: "temporarily_unavailable", want: apierr.ErrUpstreamRetryable},
		{name: "throttled", status: http.StatusTooManyRequests, code: "slow_down", want: apierr.ErrUpstreamRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t, tt.status, tt.code)
			a, store := newTestAdapter(t, ts.URL, "")
			putCredential(t, store, "u1", time.Minute)

			_, err := a.GetClient(context.Background(), "u1")
			require.ErrorIs(t, err, tt.want)

			// The stale credential is left for a later attempt or reconnect.
			stored, err := store.GetCredential(context.Background(), "u1", "xero")
			require.NoError(t, err)
			assert.Equal(t, "old-access", stored.AccessToken)
		})
	}
}

func TestReconnectErrorNamesAction(t *testing.T) {
	ts := newTokenServer(t, http.StatusBadRequest, "invalid_grant")
	a, store := newTestAdapter(t, ts.URL, "")
	putCredential(t, store, "u1", time.Minute)

	_, err := a.GetClient(context.Background(), "u1")
	e := apierr.As(err)
	require.Equal(t, apierr.KindUpstreamReconnect, e.Kind)
	assert.Contains(t, e.UserMessage(), "reconnect your account")
}

func TestGetClientWithoutCredential(t *testing.T) {
	a, _ := newTestAdapter(t, "http://127.0.0.1:0", "")
	_, err := a.GetClient(context.Background(), "nobody")
	require.ErrorIs(t, err, apierr.ErrUpstreamReconnect)
	assert.Contains(t, apierr.As(err).UserMessage(), "connect your account")
}

func TestMissingRefreshTokenIsReconnect(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "")
	a, store := newTestAdapter(t, ts.URL, "")
	require.NoError(t, store.PutCredential(context.Background(), credentials.Credential{
		UserID: "u1", Provider: "xero", AccessToken: "a", ExpiresAt: time.Now(),
	}))
	_, err := a.GetClient(context.Background(), "u1")
	require.ErrorIs(t, err, apierr.ErrUpstreamReconnect)
	assert.Zero(t, ts.calls.Load())
}

type countingLocker struct {
	mu    sync.Mutex
	locks int
}

func (l *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	l.locks++
	return l.mu.Unlock, nil
}

func TestRefreshTakesLocker(t *testing.T) {
	ts := newTokenServer(t, http.StatusOK, "")
	locker := &countingLocker{}
	a, store := newTestAdapter(t, ts.URL, "", WithLocker(locker))
	putCredential(t, store, "u1", time.Minute)

	_, err := a.GetClient(context.Background(), "u1")
	require.NoError(t, err)
	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, 1, locker.locks)
}

func TestDisconnectAndStatus(t *testing.T) {
	a, store := newTestAdapter(t, "http://127.0.0.1:0", "")
	ctx := context.Background()
	putCredential(t, store, "u1", time.Hour)

	st, err := a.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "Demo Company", st.TenantName)

	require.NoError(t, a.Disconnect(ctx, "u1"))
	require.NoError(t, a.Disconnect(ctx, "u1"))

	st, err = a.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.Connected)
}
