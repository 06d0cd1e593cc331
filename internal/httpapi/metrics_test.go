package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_EmitsRequestCounters verifies that wrapping a handler
// with MetricsMiddleware results in request metrics being exposed via the
// Prometheus /metrics handler.
func TestMetricsMiddleware_EmitsRequestCounters(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if mrr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", mrr.Code)
	}
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte("semipd_http_requests_total")) {
		previewLen := len(body)
		if previewLen > 200 {
			previewLen = 200
		}
		t.Fatalf("expected semipd_http_requests_total in metrics; got: %q", string(body[:previewLen]))
	}
}

func TestMetricsUseRoutePattern(t *testing.T) {
	r := NewMux(&mockService{}, Options{})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/control/{op}", http.MethodPost, "200"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/control/ping", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/control/{op}", http.MethodPost, "200"))
	if after-before != 1 {
		t.Fatalf("route pattern counter delta=%v", after-before)
	}
	if v := testutil.ToFloat64(controlRequestsTotal.WithLabelValues("ping", "ok")); v < 1 {
		t.Fatalf("control counter=%v", v)
	}
}
