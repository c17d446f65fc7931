// Package worker implements the egress side's dispatch loop: it drains
// fully reassembled inbound requests from a router.Router, executes each
// one against the real network, and replies with the result. CONNECT
// requests hand off to internal/tunnel for the lifetime of the byte
// stream; every other verb is a single outbound net/http round trip;
// CLOSE is logged and otherwise ignored.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/rpc"
	"github.com/smaiht/tuman-vpn/internal/tunnel"
)

// Metrics lets the dispatch loop report request and tunnel outcomes.
// Its method set matches internal/metrics.Metrics directly so a
// *metrics.Metrics can be passed to New without an adapter.
type Metrics interface {
	RecordFrontendRequest(ctx context.Context, frontend, method string, status int, duration time.Duration)
	RecordTunnelOpen(role, target string)
	RecordTunnelClose(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordFrontendRequest(context.Context, string, string, int, time.Duration) {}
func (noopMetrics) RecordTunnelOpen(string, string)                                           {}
func (noopMetrics) RecordTunnelClose(string)                                                  {}

// Audit receives connection-level events for the audit trail. Its method
// set is a subset of internal/audit.Logger, kept as a local interface the
// same way Metrics is.
type Audit interface {
	LogTunnelOpen(requestID, role, target string)
	LogTunnelClose(requestID, role string, bytesIn, bytesOut int64, err error, duration time.Duration)
	LogRequest(requestID, role, target string, success bool, err error, duration time.Duration)
}

type noopAudit struct{}

func (noopAudit) LogTunnelOpen(string, string, string)                              {}
func (noopAudit) LogTunnelClose(string, string, int64, int64, error, time.Duration) {}
func (noopAudit) LogRequest(string, string, string, bool, error, time.Duration)     {}

// Settings configures outbound request behavior and the tunnel engine
// handed to CONNECT requests.
type Settings struct {
	RequestTimeout time.Duration
	Tunnel         tunnel.Settings
}

// DefaultSettings uses a 30s outbound HTTP timeout and the tunnel
// package's defaults.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout: 30 * time.Second,
		Tunnel:         tunnel.DefaultSettings(),
	}
}

// Dispatcher drains pending requests from a Router and executes them.
type Dispatcher struct {
	r        router.Router
	client   *http.Client
	settings Settings
	logger   *logrus.Logger
	metrics  Metrics
	audit    Audit

	wg sync.WaitGroup
}

// New builds a Dispatcher. logger and metrics may be nil.
func New(r router.Router, settings Settings, logger *logrus.Logger, metrics Metrics) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		r:        r,
		client:   &http.Client{Timeout: settings.RequestTimeout},
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		audit:    noopAudit{},
	}
}

// WithAudit attaches an audit trail and returns d for chaining.
func (d *Dispatcher) WithAudit(a Audit) *Dispatcher {
	if a != nil {
		d.audit = a
	}
	return d
}

// Run polls for pending requests until ctx is canceled, dispatching each
// to its own goroutine so a slow upstream (or a long-lived tunnel)
// doesn't stall other inbound requests. It blocks until every
// in-flight dispatch has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			for {
				req, ok := d.r.NextPendingRequest()
				if !ok {
					break
				}
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					d.dispatch(ctx, req)
				}()
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, pending router.PendingRequest) {
	var req rpc.Request
	if err := json.Unmarshal(pending.Payload, &req); err != nil {
		d.logger.WithError(err).WithField("request_id", pending.RequestID).Warn("worker: malformed request")
		return
	}

	log := d.logger.WithFields(logrus.Fields{"request_id": pending.RequestID, "method": req.Method})

	switch req.Method {
	case "CONNECT":
		target := fmt.Sprintf("%s:%d", req.Host, req.Port)
		d.metrics.RecordTunnelOpen("worker", req.Host)
		d.audit.LogTunnelOpen(pending.RequestID, "worker", target)
		start := time.Now()
		closeReason := "peer_close"
		err := tunnel.RunWorker(ctx, d.r, pending.RequestID, req.Host, req.Port, d.settings.Tunnel, d.logger)
		if err != nil {
			log.WithError(err).Debug("worker: tunnel ended")
			closeReason = "local_error"
		}
		d.metrics.RecordTunnelClose(closeReason)
		d.audit.LogTunnelClose(pending.RequestID, "worker", 0, 0, err, time.Since(start))
	case "CLOSE":
		log.Debug("worker: peer closed")
	case "":
		log.Warn("worker: request missing method")
	default:
		start := time.Now()
		status := d.executeHTTP(ctx, pending.RequestID, req, log)
		elapsed := time.Since(start)
		d.metrics.RecordFrontendRequest(ctx, "worker", req.Method, status, elapsed)
		d.audit.LogRequest(pending.RequestID, "worker", req.URL, status < 500, nil, elapsed)
	}
}

func (d *Dispatcher) executeHTTP(ctx context.Context, requestID string, req rpc.Request, log *logrus.Entry) int {
	body, err := rpc.DecodeBody(req.Body)
	if err != nil {
		d.reply(requestID, rpc.Response{Status: 502, Body: rpc.EncodeBody([]byte("bad request body: " + err.Error()))}, log)
		return 502
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader(body))
	if err != nil {
		d.reply(requestID, rpc.Response{Status: 502, Body: rpc.EncodeBody([]byte("bad request: " + err.Error()))}, log)
		return 502
	}
	for k, v := range rpc.StripHeaders(req.Headers, rpc.HopByHopHeaders) {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.reply(requestID, rpc.Response{Status: 502, Body: rpc.EncodeBody([]byte(err.Error()))}, log)
		return 502
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.reply(requestID, rpc.Response{Status: 502, Body: rpc.EncodeBody([]byte(err.Error()))}, log)
		return 502
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	d.reply(requestID, rpc.Response{
		ID:      requestID,
		Status:  resp.StatusCode,
		Headers: rpc.StripHeaders(headers, rpc.HopByHopHeaders),
		Body:    rpc.EncodeBody(respBody),
	}, log)
	return resp.StatusCode
}

func (d *Dispatcher) reply(requestID string, resp rpc.Response, log *logrus.Entry) {
	resp.ID = requestID
	body, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Warn("worker: encode response failed")
		return
	}
	if err := d.r.SendMessage(requestID, body); err != nil {
		log.WithError(err).Warn("worker: send response failed")
	}
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
