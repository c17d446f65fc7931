package socks5

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaiht/tuman-vpn/internal/router"
	"github.com/smaiht/tuman-vpn/internal/tunnel"
)

// acceptingRouter answers every CONNECT with a 200 and accepts streamed
// chunks without a real peer, enough to drive the handshake under test.
type acceptingRouter struct {
	mu      sync.Mutex
	replies map[string][]byte
}

func newAcceptingRouter() *acceptingRouter { return &acceptingRouter{replies: map[string][]byte{}} }

func (a *acceptingRouter) SendMessage(requestID string, payload []byte) error {
	go func() {
		a.mu.Lock()
		a.replies[requestID] = []byte(`{"status":200,"body":""}`)
		a.mu.Unlock()
	}()
	return nil
}

func (a *acceptingRouter) TryReceiveMessage(requestID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.replies[requestID]
	return p, ok
}

func (a *acceptingRouter) NextPendingRequest() (router.PendingRequest, bool) {
	return router.PendingRequest{}, false
}
func (a *acceptingRouter) PutChunk(string, int, []byte) error        { return nil }
func (a *acceptingRouter) PeekChunk(string, int) bool                { return false }
func (a *acceptingRouter) TakeChunk(string, int) ([]byte, bool)      { return nil, false }
func (a *acceptingRouter) Stop()                                     {}

func TestServerAcceptsDomainConnect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	settings := tunnel.DefaultSettings()
	settings.SetupTimeout = 2 * time.Second
	s := New(newAcceptingRouter(), settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	greetReply := make([]byte, 2)
	_, err = readFull(conn, greetReply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), greetReply[0])
	assert.Equal(t, byte(0x00), greetReply[1])

	domain := "example.com"
	req := []byte{0x05, cmdConnect, 0x00, atypDomain, byte(len(domain))}
	req = append(req, []byte(domain)...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 443)
	req = append(req, portBuf...)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = readFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x05), reply[0])
	assert.Equal(t, byte(repSuccess), reply[1])
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
