// Package socks5 is the client-side SOCKS5 front-end: a raw
// net.Listener that speaks just enough of RFC 1928 to accept
// no-auth CONNECT requests and hand each accepted connection to
// internal/tunnel.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/tunnel"
	"github.com/smaiht/tuman-vpn/internal/wire"
)

const (
	socksVersion       = 0x05
	authNone           = 0x00
	authNoneAcceptable = 0x00
	authNoAcceptable   = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess              = 0x00
	repGeneralFailure       = 0x01
	repHostUnreachable      = 0x04
	repCommandNotSupported  = 0x07
	repAddrTypeNotSupported = 0x08
)

// Server accepts SOCKS5 connections and tunnels each CONNECT over r.
type Server struct {
	r        router.Router
	settings tunnel.Settings
	logger   *logrus.Logger
}

// New builds a Server. logger may be nil.
func New(r router.Router, settings tunnel.Settings, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{r: r, settings: settings, logger: logger}
}

// Serve accepts connections on l until ctx is canceled or l.Accept fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := s.greet(conn); err != nil {
		s.logger.WithError(err).Debug("socks5: greeting failed")
		return
	}

	host, port, status, err := s.readRequest(conn)
	if err != nil {
		s.logger.WithError(err).Debug("socks5: request parse failed")
		s.reply(conn, status)
		return
	}

	requestID := wire.NewRequestID()
	resp, err := tunnel.Negotiate(ctx, s.r, requestID, host, port, s.settings)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"host": host, "port": port}).Debug("socks5: negotiate failed")
		s.reply(conn, repHostUnreachable)
		return
	}
	if resp.Status != 200 {
		s.logger.WithFields(logrus.Fields{"host": host, "port": port, "status": resp.Status}).Debug("socks5: connect refused by worker")
		s.reply(conn, repGeneralFailure)
		return
	}

	if err := s.reply(conn, repSuccess); err != nil {
		return
	}
	tunnel.Relay(ctx, s.r, requestID, conn, s.settings, s.logger)
}

func (s *Server) greet(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != socksVersion {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}
	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read auth methods: %w", err)
	}
	supportsNoAuth := false
	for _, m := range methods {
		if m == authNone {
			supportsNoAuth = true
			break
		}
	}
	if !supportsNoAuth {
		conn.Write([]byte{socksVersion, authNoAcceptable})
		return fmt.Errorf("client does not offer no-auth")
	}
	_, err := conn.Write([]byte{socksVersion, authNoneAcceptable})
	return err
}

func (s *Server) readRequest(conn net.Conn) (host string, port int, status byte, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(conn, header); err != nil {
		return "", 0, repGeneralFailure, fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socksVersion {
		return "", 0, repGeneralFailure, fmt.Errorf("unsupported socks version %d", header[0])
	}
	if header[1] != cmdConnect {
		return "", 0, repCommandNotSupported, fmt.Errorf("unsupported command %d", header[1])
	}

	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, repGeneralFailure, err
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, repGeneralFailure, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err = io.ReadFull(conn, domain); err != nil {
			return "", 0, repGeneralFailure, err
		}
		host = string(domain)
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, repGeneralFailure, err
		}
		host = net.IP(addr).String()
	default:
		return "", 0, repAddrTypeNotSupported, fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBuf); err != nil {
		return "", 0, repGeneralFailure, err
	}
	port = int(binary.BigEndian.Uint16(portBuf))
	return host, port, repSuccess, nil
}

func (s *Server) reply(conn net.Conn, status byte) error {
	resp := []byte{socksVersion, status, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(resp)
	return err
}
