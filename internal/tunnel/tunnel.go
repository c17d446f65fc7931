// Package tunnel implements the CONNECT-style byte tunnel: once a
// one-shot CONNECT handshake has been acknowledged, both sides relay raw
// bytes as a stream of DATA chunks addressed by request id, buffering
// small reads together and flushing on an idle timeout so a tunnel
// carrying bursty traffic (an interactive TLS handshake, a long
// keep-alive trickle) doesn't pay the note-patch cost per byte.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/rpc"
)

// Settings bounds the tunnel loop's batching and liveness behavior.
type Settings struct {
	ChunkSize         int
	ChunkIdleTimeout  time.Duration
	TunnelIdleTimeout time.Duration
	SetupTimeout      time.Duration
	ConnectTimeout    time.Duration
}

// DefaultSettings returns the tunnel engine's built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ChunkSize:         7800,
		ChunkIdleTimeout:  100 * time.Millisecond,
		TunnelIdleTimeout: 120 * time.Second,
		SetupTimeout:      30 * time.Second,
		ConnectTimeout:    10 * time.Second,
	}
}

// readPollInterval bounds how long a single non-blocking read attempt
// blocks before the loop re-checks flush/idle/shutdown conditions.
const readPollInterval = 5 * time.Millisecond

// idleSleep is how long the loop sleeps when a pass produced no read, no
// flush, and no chunk delivery, so it doesn't spin a CPU core.
const idleSleep = 20 * time.Millisecond

// Negotiate sends requestID's one-shot CONNECT request and waits up to
// settings.SetupTimeout for the worker's readiness response. Callers use
// the returned status to speak their own local protocol's handshake
// (an HTTP "200 Connection Established" line, a SOCKS5 reply packet)
// before calling Relay.
func Negotiate(ctx context.Context, r router.Router, requestID, host string, port int, settings Settings) (rpc.Response, error) {
	req := rpc.Request{ID: requestID, Method: "CONNECT", Host: host, Port: port}
	body, err := json.Marshal(req)
	if err != nil {
		return rpc.Response{}, fmt.Errorf("tunnel: encode connect request: %w", err)
	}
	if err := r.SendMessage(requestID, body); err != nil {
		return rpc.Response{}, fmt.Errorf("tunnel: send connect request: %w", err)
	}
	resp, err := awaitResponse(ctx, r, requestID, settings.SetupTimeout)
	if err != nil {
		return rpc.Response{}, fmt.Errorf("tunnel: connect %s:%d: %w", host, port, err)
	}
	return resp, nil
}

// Relay moves bytes between conn and requestID's chunk stream until conn
// or the tunnel closes. It is the second half of RunClient, split out so
// a front-end can write its own local handshake response between
// Negotiate succeeding and the byte relay starting.
func Relay(ctx context.Context, r router.Router, requestID string, conn net.Conn, settings Settings, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sent, recvd := relay(ctx, r, requestID, conn, settings, logger)
	logger.WithFields(logrus.Fields{"request_id": requestID, "chunks_sent": sent, "chunks_recvd": recvd}).Debug("tunnel: closed")
}

// RunClient drives the local half of a CONNECT tunnel end to end: it
// negotiates with the worker and, on success, relays conn's bytes
// against requestID's chunk stream until conn or the tunnel closes. It
// does not write anything to conn itself; callers needing a local
// handshake response (HTTP's "200 Connection Established", a SOCKS5
// reply) should use Negotiate and Relay directly instead. The caller
// owns conn and should close it on return regardless of the returned
// error.
func RunClient(ctx context.Context, r router.Router, conn net.Conn, requestID, host string, port int, settings Settings, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	resp, err := Negotiate(ctx, r, requestID, host, port, settings)
	if err != nil {
		return err
	}
	if resp.Status != 200 {
		return fmt.Errorf("tunnel: connect %s:%d refused: status %d", host, port, resp.Status)
	}

	logger.WithFields(logrus.Fields{"request_id": requestID, "host": host, "port": port}).Debug("tunnel: established")
	Relay(ctx, r, requestID, conn, settings, logger)
	return nil
}

// RunWorker drives the egress half: it dials host:port, reports success
// or failure back as a one-shot RESP, and on success relays conn's bytes
// against requestID's chunk stream, reading from the client's DATA
// chunks and writing the target's replies back as DATA chunks of its
// own. It returns after the tunnel closes or the dial fails; the dial
// failure is still reported to the peer before the error is returned.
func RunWorker(ctx context.Context, r router.Router, requestID, host string, port int, settings Settings, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := net.Dialer{Timeout: settings.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		failure := rpc.Response{ID: requestID, Status: 502, Body: rpc.EncodeBody([]byte(err.Error()))}
		body, encErr := json.Marshal(failure)
		if encErr == nil {
			_ = r.SendMessage(requestID, body)
		}
		return fmt.Errorf("tunnel: dial %s:%d: %w", host, port, err)
	}
	defer conn.Close()

	ready := rpc.Response{ID: requestID, Status: 200, Body: rpc.EncodeBody([]byte("Connection Established"))}
	body, err := json.Marshal(ready)
	if err != nil {
		return fmt.Errorf("tunnel: encode ready response: %w", err)
	}
	if err := r.SendMessage(requestID, body); err != nil {
		return fmt.Errorf("tunnel: send ready response: %w", err)
	}

	logger.WithFields(logrus.Fields{"request_id": requestID, "host": host, "port": port}).Debug("tunnel: connected upstream")
	sent, recvd := relay(ctx, r, requestID, conn, settings, logger)
	logger.WithFields(logrus.Fields{"request_id": requestID, "chunks_sent": sent, "chunks_recvd": recvd}).Debug("tunnel: closed")
	return nil
}

func awaitResponse(ctx context.Context, r router.Router, requestID string, timeout time.Duration) (rpc.Response, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if payload, ok := r.TryReceiveMessage(requestID); ok {
			var resp rpc.Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				return rpc.Response{}, fmt.Errorf("decode response: %w", err)
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return rpc.Response{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return rpc.Response{}, fmt.Errorf("timed out waiting for worker")
}

// relay moves bytes between conn and requestID's chunk stream until conn
// closes, the tunnel goes idle past settings.TunnelIdleTimeout, or ctx is
// canceled. It returns the number of chunks sent and received.
func relay(ctx context.Context, r router.Router, requestID string, conn net.Conn, settings Settings, logger *logrus.Logger) (sent, recvd int) {
	chunkSize := settings.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultSettings().ChunkSize
	}

	var outBuf []byte
	lastData := time.Now()
	lastActivity := time.Now()
	readBuf := make([]byte, chunkSize)

	flush := func() {
		if len(outBuf) == 0 {
			return
		}
		sent++
		if err := r.PutChunk(requestID, sent, outBuf); err != nil {
			logger.WithError(err).WithField("request_id", requestID).Warn("tunnel: put chunk failed")
		}
		outBuf = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return sent, recvd
		default:
		}

		progressed := false

		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(readBuf)
		if n > 0 {
			progressed = true
			lastData = time.Now()
			lastActivity = time.Now()
			if len(outBuf)+n > chunkSize {
				flush()
			}
			outBuf = append(outBuf, readBuf[:n]...)
			if len(outBuf) >= chunkSize {
				flush()
			}
		}
		if err != nil {
			if !isTimeout(err) {
				flush()
				if err != io.EOF {
					logger.WithError(err).WithField("request_id", requestID).Debug("tunnel: local read closed")
				}
				return sent, recvd
			}
		}

		if len(outBuf) > 0 && time.Since(lastData) >= settings.ChunkIdleTimeout {
			flush()
			progressed = true
		}

		if r.PeekChunk(requestID, recvd+1) {
			data, ok := r.TakeChunk(requestID, recvd+1)
			if ok {
				recvd++
				progressed = true
				lastActivity = time.Now()
				if _, err := conn.Write(data); err != nil {
					logger.WithError(err).WithField("request_id", requestID).Debug("tunnel: local write closed")
					flush()
					return sent, recvd
				}
			}
		}

		idleFor := time.Since(lastActivity)
		if idleFor > settings.TunnelIdleTimeout {
			flush()
			logger.WithField("request_id", requestID).Debug("tunnel: idle timeout")
			return sent, recvd
		}

		if !progressed {
			time.Sleep(idleSleep)
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
