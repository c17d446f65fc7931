package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.frontendRequestsTotal == nil {
		t.Error("frontendRequestsTotal is nil")
	}

	if m.frontendRequestDuration == nil {
		t.Error("frontendRequestDuration is nil")
	}

	if m.notesSentTotal == nil {
		t.Error("notesSentTotal is nil")
	}
}

func TestMetrics_RecordFrontendRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})

	m.RecordFrontendRequest(context.Background(), "http_proxy", "GET", http.StatusOK, 100*time.Millisecond)
}

func TestMetrics_TunnelLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})

	m.RecordTunnelOpen("client", "example.com:443")
	m.RecordTunnelBytes("out", 1024)
	m.RecordTunnelBytes("in", 2048)
	m.RecordTunnelClose("idle_timeout")
}

func TestMetrics_BackendOperationAndError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})

	m.RecordBackendOperation(context.Background(), "patch_note", 50*time.Millisecond)
	m.RecordBackendError("patch_note", "http_409")
	m.RecordBatchDispatch("success")
	m.RecordBackpressureWait("client", 10*time.Millisecond)
}

func TestMetrics_NotePoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})

	m.SetNotePoolGauges("client", 18, 2)
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})

	m.RecordFrontendRequest(context.Background(), "socks5", "CONNECT", http.StatusOK, 100*time.Millisecond)
	m.RecordBackendOperation(context.Background(), "deltas", 50*time.Millisecond)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := w.Body.String()
	if len(body) == 0 {
		t.Error("metrics endpoint returned empty body")
	}

	expectedMetrics := []string{
		"tuman_frontend_requests_total",
		"tuman_backend_operation_duration_seconds",
	}
	for _, metric := range expectedMetrics {
		if !contains(body, metric) {
			t.Errorf("expected metrics output to contain %q", metric)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 || findSubstring(s, substr))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
