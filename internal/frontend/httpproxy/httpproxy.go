// Package httpproxy is the client-side HTTP CONNECT/forward proxy
// front-end: it accepts local browser/application connections, turns
// each plain HTTP request into a one-shot request/response round trip
// over a router.Router, and turns each CONNECT into a byte tunnel via
// internal/tunnel.
package httpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/rpc"
	"github.com/smaiht/tuman-vpn/internal/tunnel"
	"github.com/smaiht/tuman-vpn/internal/wire"
)

// Settings configures request timeouts, the tunnel engine, and the
// domain blocklist.
type Settings struct {
	RequestTimeout  time.Duration
	Tunnel          tunnel.Settings
	BlockedPatterns []string
}

// DefaultSettings matches the config schema's 120s request timeout and
// the tunnel engine's own defaults.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout: 120 * time.Second,
		Tunnel:         tunnel.DefaultSettings(),
	}
}

// isBlocked reports whether host matches one of settings' glob patterns.
func isBlocked(host string, patterns []string) bool {
	for _, p := range patterns {
		if glob.Glob(p, host) {
			return true
		}
	}
	return false
}

// Audit receives connection-level events for the audit trail; a subset of
// internal/audit.Logger kept as a local interface, like worker.Audit.
type Audit interface {
	LogTunnelOpen(requestID, role, target string)
	LogTunnelClose(requestID, role string, bytesIn, bytesOut int64, err error, duration time.Duration)
	LogRequest(requestID, role, target string, success bool, err error, duration time.Duration)
}

type noopAudit struct{}

func (noopAudit) LogTunnelOpen(string, string, string)                              {}
func (noopAudit) LogTunnelClose(string, string, int64, int64, error, time.Duration) {}
func (noopAudit) LogRequest(string, string, string, bool, error, time.Duration)     {}

// Handler is an http.Handler that proxies plain HTTP verbs over r and
// hijacks CONNECT requests into a raw tunnel.
type Handler struct {
	r      router.Router
	logger *logrus.Logger
	audit  Audit

	mu  sync.RWMutex
	cfg Settings
}

// NewHandler builds the proxy handler. logger may be nil.
func NewHandler(r router.Router, settings Settings, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{r: r, cfg: settings, logger: logger, audit: noopAudit{}}
}

// UpdateSettings swaps in new tunables; in-flight requests keep the
// settings they started with. This is what the client's config-file
// watcher calls when the config file changes on disk.
func (h *Handler) UpdateSettings(s Settings) {
	h.mu.Lock()
	h.cfg = s
	h.mu.Unlock()
}

func (h *Handler) settings() Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// WithAudit attaches an audit trail and returns h for chaining.
func (h *Handler) WithAudit(a Audit) *Handler {
	if a != nil {
		h.audit = a
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	if isBlocked(host, h.settings().BlockedPatterns) {
		http.Error(w, "blocked", http.StatusForbidden)
		return
	}

	if req.Method == http.MethodConnect {
		h.handleConnect(w, req)
		return
	}
	h.handleForward(w, req)
}

func (h *Handler) handleForward(w http.ResponseWriter, req *http.Request) {
	requestID := wire.NewRequestID()
	start := time.Now()
	log := h.logger.WithFields(logrus.Fields{"request_id": requestID, "method": req.Method, "url": req.URL.String()})

	var rawBody []byte
	if req.Body != nil {
		var err error
		rawBody, err = io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadGateway)
			return
		}
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	headers["Host"] = req.Host

	envelope := rpc.Request{
		ID:      requestID,
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: rpc.StripHeaders(headers, rpc.HopByHopHeaders),
		Body:    rpc.EncodeBody(rawBody),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		http.Error(w, "failed to encode request", http.StatusInternalServerError)
		return
	}
	if err := h.r.SendMessage(requestID, body); err != nil {
		log.WithError(err).Warn("httpproxy: failed to enqueue request")
		http.Error(w, "failed to enqueue request", http.StatusBadGateway)
		return
	}

	resp, err := h.awaitResponse(req.Context(), requestID)
	if err != nil {
		log.WithError(err).Warn("httpproxy: no response from worker")
		h.audit.LogRequest(requestID, "client", req.URL.String(), false, err, time.Since(start))
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		return
	}
	h.audit.LogRequest(requestID, "client", req.URL.String(), true, nil, time.Since(start))

	respBody, err := rpc.DecodeBody(resp.Body)
	if err != nil {
		http.Error(w, "failed to decode response body", http.StatusBadGateway)
		return
	}
	for k, v := range rpc.StripHeaders(resp.Headers, []string{"Transfer-Encoding", "Content-Length"}) {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(respBody)))
	status := resp.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (h *Handler) awaitResponse(ctx context.Context, requestID string) (rpc.Response, error) {
	deadline := time.Now().Add(h.settings().RequestTimeout)
	for time.Now().Before(deadline) {
		if payload, ok := h.r.TryReceiveMessage(requestID); ok {
			var resp rpc.Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				return rpc.Response{}, fmt.Errorf("decode response: %w", err)
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return rpc.Response{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return rpc.Response{}, fmt.Errorf("timed out waiting for worker")
}

func (h *Handler) handleConnect(w http.ResponseWriter, req *http.Request) {
	host, portStr, err := net.SplitHostPort(req.URL.Host)
	if err != nil {
		host, portStr = req.URL.Host, "443"
	}
	port := 443
	if portStr != "" {
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			port = 443
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	requestID := wire.NewRequestID()
	log := h.logger.WithFields(logrus.Fields{"request_id": requestID, "host": host, "port": port})

	resp, err := tunnel.Negotiate(req.Context(), h.r, requestID, host, port, h.settings().Tunnel)
	if err != nil || resp.Status != http.StatusOK {
		if err != nil {
			log.WithError(err).Debug("httpproxy: connect negotiation failed")
		} else {
			log.WithField("status", resp.Status).Debug("httpproxy: connect refused by worker")
		}
		fmt.Fprintf(bufrw, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		bufrw.Flush()
		return
	}

	target := fmt.Sprintf("%s:%d", host, port)
	h.audit.LogTunnelOpen(requestID, "client", target)
	start := time.Now()

	fmt.Fprintf(bufrw, "HTTP/1.1 200 Connection Established\r\n\r\n")
	bufrw.Flush()
	tunnel.Relay(req.Context(), h.r, requestID, conn, h.settings().Tunnel, h.logger)
	h.audit.LogTunnelClose(requestID, "client", 0, 0, nil, time.Since(start))
}

// AdminRouter builds the /healthz, /readyz, and /metrics admin surface
// described by internal/metrics, mounted separately from the proxy port
// so the covert channel's listener never speaks anything but HTTP/1.1
// proxy semantics.
func AdminRouter(healthz, readyz, metrics http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyz).Methods(http.MethodGet)
	r.HandleFunc("/metrics", metrics).Methods(http.MethodGet)
	return r
}
