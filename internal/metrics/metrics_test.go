package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("list_invoices", "ok", time.Millisecond)
	m.ObserveRefresh("ok")
	m.SessionExpired("grace")
	m.AuthFailure("mcp")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil handler, got %d", rec.Code)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveOperation("approve_invoice", "authorization", 5*time.Millisecond)
	m.ObserveRefresh("ok")
	m.SessionResumed()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	body := string(b)

	for _, want := range []string{
		`toolgateway_operations_total{operation="approve_invoice",outcome="authorization"} 1`,
		`toolgateway_upstream_token_refreshes_total{outcome="ok"} 1`,
		`toolgateway_sessions_resumed_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
