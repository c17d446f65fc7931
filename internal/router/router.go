// Package router is the thin facade a front-end consumes instead of
// reaching into the transport internals directly: two addressable
// channels, a one-shot request/response channel and a streaming chunk
// channel, both keyed by request id.
package router

import (
	"fmt"

	"github.com/smaiht/tuman-vpn/internal/inbox"
	"github.com/smaiht/tuman-vpn/internal/transport"
)

// PendingRequest is a fully reassembled inbound one-shot request waiting
// to be dispatched by a worker.
type PendingRequest = inbox.PendingRequest

// ErrPayloadTooLarge is returned by PutChunk when a single streaming
// chunk's payload alone, once encoded, would not fit in a dispatched
// snippet regardless of batching.
var ErrPayloadTooLarge = fmt.Errorf("router: chunk payload exceeds snippet budget")

// Router is the narrow interface front-ends (HTTP proxy, SOCKS5, worker
// dispatch loop, tunnel engine) depend on; it hides note ids, titles, the
// codec, and backend retry/backpressure behind request-id addressing.
type Router interface {
	// SendMessage queues requestID's one-shot RQST (client role) or RESP
	// (server role) message. It does not block on transmission.
	SendMessage(requestID string, payload []byte) error
	// TryReceiveMessage returns the complete counterpart message for
	// requestID, if the peer has sent and it has been fully reassembled.
	TryReceiveMessage(requestID string) ([]byte, bool)
	// NextPendingRequest dequeues the oldest fully reassembled inbound
	// one-shot request (worker role's incoming RQST).
	NextPendingRequest() (PendingRequest, bool)
	// PutChunk queues a single streaming DATA chunk addressed by n, the
	// caller's own monotonically increasing chunk counter.
	PutChunk(requestID string, n int, payload []byte) error
	// PeekChunk reports whether chunk n has arrived without consuming it.
	PeekChunk(requestID string, n int) bool
	// TakeChunk removes and returns chunk n, if present. A second call for
	// the same n returns false: taking is destructive.
	TakeChunk(requestID string, n int) ([]byte, bool)
	// Stop halts the underlying channel's sender and waits for dispatches
	// already in progress; the receiver keeps polling until the context
	// passed to the channel's Run is cancelled.
	Stop()
}

// maxChunkPayload bounds a single streaming chunk's raw size before the
// codec's encoding overhead is applied; the compact encoding spends one
// character per two bytes, so even with GCM's 28-byte overhead such a
// chunk encodes to about an eighth of transport.MaxSnippetChars, and this
// guard only fires on a caller bug (e.g. passing an
// un-chunked buffer straight to PutChunk).
const maxChunkPayload = transport.MaxSnippetChars / 4

// channelRouter adapts a *transport.Channel to Router.
type channelRouter struct {
	ch *transport.Channel
}

// New wraps a transport.Channel as a Router.
func New(ch *transport.Channel) Router {
	return &channelRouter{ch: ch}
}

func (r *channelRouter) SendMessage(requestID string, payload []byte) error {
	if len(payload) > maxChunkPayload*99999 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	r.ch.SendRequest(requestID, payload)
	return nil
}

func (r *channelRouter) TryReceiveMessage(requestID string) ([]byte, bool) {
	return r.ch.TakeResponse(requestID)
}

func (r *channelRouter) NextPendingRequest() (PendingRequest, bool) {
	return r.ch.NextPendingRequest()
}

func (r *channelRouter) PutChunk(requestID string, n int, payload []byte) error {
	if len(payload) > maxChunkPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	r.ch.PutChunk(requestID, n, payload)
	return nil
}

func (r *channelRouter) PeekChunk(requestID string, n int) bool {
	return r.ch.HeadChunk(requestID, n)
}

func (r *channelRouter) TakeChunk(requestID string, n int) ([]byte, bool) {
	return r.ch.TakeChunk(requestID, n)
}

func (r *channelRouter) Stop() {
	r.ch.Stop()
}
