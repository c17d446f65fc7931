package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultRegistry is the default Prometheus registry.
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	// EnableTargetLabel controls whether the remote target host is attached
	// as a label on request metrics. Disabling it keeps cardinality low on
	// deployments that proxy many distinct destinations.
	EnableTargetLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	frontendRequestsTotal   *prometheus.CounterVec
	frontendRequestDuration *prometheus.HistogramVec

	tunnelsOpenedTotal   *prometheus.CounterVec
	tunnelsActive        prometheus.Gauge
	tunnelBytesTotal     *prometheus.CounterVec
	tunnelCloseReasons   *prometheus.CounterVec

	notesSentTotal     *prometheus.CounterVec
	notesReceivedTotal *prometheus.CounterVec
	batchDispatchTotal *prometheus.CounterVec

	backendOperationDuration *prometheus.HistogramVec
	backendErrorsTotal       *prometheus.CounterVec
	backpressureWaitSeconds  *prometheus.HistogramVec

	notePoolFree *prometheus.GaugeVec
	notePoolBusy *prometheus.GaugeVec

	hardwareAccelerationEnabled *prometheus.GaugeVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableTargetLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableTargetLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		frontendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_frontend_requests_total",
				Help: "Total number of requests accepted by a frontend listener",
			},
			[]string{"frontend", "method", "status"},
		),
		frontendRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tuman_frontend_request_duration_seconds",
				Help:    "Frontend request duration in seconds, from accept to response completion",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"frontend", "method"},
		),
		tunnelsOpenedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_tunnels_opened_total",
				Help: "Total number of tunnels opened",
			},
			[]string{"role", "target"},
		),
		tunnelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tuman_tunnels_active",
				Help: "Number of tunnels currently open",
			},
		),
		tunnelBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_tunnel_bytes_total",
				Help: "Total bytes relayed through tunnels",
			},
			[]string{"direction"}, // "in" or "out"
		),
		tunnelCloseReasons: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_tunnel_close_total",
				Help: "Total number of tunnels closed, by reason",
			},
			[]string{"reason"}, // idle_timeout, peer_close, local_error
		),
		notesSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_notes_sent_total",
				Help: "Total number of notes patched to the backend",
			},
			[]string{"role"},
		),
		notesReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_notes_received_total",
				Help: "Total number of notes observed in the delta feed and accepted for this role",
			},
			[]string{"role"},
		),
		batchDispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_batch_dispatch_total",
				Help: "Total number of batch dispatch attempts by outcome",
			},
			[]string{"outcome"}, // ok, failed, encode_failed, acquire_cancelled
		),
		backendOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tuman_backend_operation_duration_seconds",
				Help:    "Duration of notes backend API calls",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		backendErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuman_backend_errors_total",
				Help: "Total number of notes backend API errors",
			},
			[]string{"operation", "error_type"},
		),
		backpressureWaitSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tuman_backpressure_wait_seconds",
				Help:    "Time spent blocked waiting for a free note before a batch could be dispatched",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"role"},
		),
		notePoolFree: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuman_note_pool_free",
				Help: "Number of notes currently free in the pool",
			},
			[]string{"role"},
		),
		notePoolBusy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuman_note_pool_busy",
				Help: "Number of notes currently checked out of the pool",
			},
			[]string{"role"},
		),
		hardwareAccelerationEnabled: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuman_hardware_acceleration_enabled",
				Help: "Hardware acceleration status (1=enabled, 0=disabled)",
			},
			[]string{"type"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tuman_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tuman_memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tuman_memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// SetHardwareAccelerationStatus sets the hardware acceleration status metric.
func (m *Metrics) SetHardwareAccelerationStatus(accelType string, enabled bool) {
	val := 0.0
	if enabled {
		val = 1.0
	}
	m.hardwareAccelerationEnabled.WithLabelValues(accelType).Set(val)
}

// GetHardwareAccelerationEnabledMetric returns the hardware acceleration enabled metric (for testing).
func (m *Metrics) GetHardwareAccelerationEnabledMetric() *prometheus.GaugeVec {
	return m.hardwareAccelerationEnabled
}

// RecordFrontendRequest records a request accepted by a frontend listener.
func (m *Metrics) RecordFrontendRequest(ctx context.Context, frontend, method string, status int, duration time.Duration) {
	labels := prometheus.Labels{"frontend": frontend, "method": method, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.frontendRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.frontendRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.frontendRequestDuration.WithLabelValues(frontend, method).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.frontendRequestDuration.WithLabelValues(frontend, method).Observe(duration.Seconds())
		}
		return
	}

	m.frontendRequestsTotal.With(labels).Inc()
	m.frontendRequestDuration.WithLabelValues(frontend, method).Observe(duration.Seconds())
}

// RecordTunnelOpen records the opening of a tunnel. target is the remote
// host being connected to; it is collapsed to "*" when target labeling is
// disabled, since a long-lived deployment will otherwise accumulate one
// time series per distinct destination ever proxied.
func (m *Metrics) RecordTunnelOpen(role, target string) {
	m.tunnelsOpenedTotal.WithLabelValues(role, m.targetLabel(target)).Inc()
	m.tunnelsActive.Inc()
}

// targetLabel applies the EnableTargetLabel cardinality guard.
func (m *Metrics) targetLabel(target string) string {
	if !m.config.EnableTargetLabel {
		return "*"
	}
	return sanitizeTargetLabel(target)
}

// sanitizeTargetLabel strips a port suffix and leading www. so that
// different ports/subdomains of the same destination collapse to a single
// time series.
func sanitizeTargetLabel(target string) string {
	if target == "" {
		return "*"
	}
	host := target
	if i := lastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	const prefix = "www."
	if len(host) > len(prefix) && host[:len(prefix)] == prefix {
		host = host[len(prefix):]
	}
	return host
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// RecordTunnelClose records the teardown of a tunnel.
func (m *Metrics) RecordTunnelClose(reason string) {
	m.tunnelCloseReasons.WithLabelValues(reason).Inc()
	m.tunnelsActive.Dec()
}

// RecordTunnelBytes records bytes relayed through a tunnel in a given direction.
func (m *Metrics) RecordTunnelBytes(direction string, n int64) {
	m.tunnelBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordNoteSent records a note patched to the backend.
func (m *Metrics) RecordNoteSent(role string) {
	m.notesSentTotal.WithLabelValues(role).Inc()
}

// RecordNoteReceived records a note observed in the delta feed.
func (m *Metrics) RecordNoteReceived(role string) {
	m.notesReceivedTotal.WithLabelValues(role).Inc()
}

// RecordBatchDispatch records the outcome of a batch dispatch attempt.
func (m *Metrics) RecordBatchDispatch(outcome string) {
	m.batchDispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordBackendOperation records a notes backend API call.
func (m *Metrics) RecordBackendOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if observer, ok := m.backendOperationDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
			return
		}
	}
	m.backendOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBackendError records a notes backend API error.
func (m *Metrics) RecordBackendError(operation, errorType string) {
	m.backendErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordBackpressureWait records time spent blocked waiting for a free note.
func (m *Metrics) RecordBackpressureWait(role string, d time.Duration) {
	m.backpressureWaitSeconds.WithLabelValues(role).Observe(d.Seconds())
}

// SetNotePoolGauges sets the free/busy gauges for a role's note pool.
func (m *Metrics) SetNotePoolGauges(role string, free, busy int) {
	m.notePoolFree.WithLabelValues(role).Set(float64(free))
	m.notePoolBusy.WithLabelValues(role).Set(float64(busy))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts a trace ID from context and returns prometheus Labels for an exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
