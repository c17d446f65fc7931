package transport

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/inbox"
	"github.com/smaiht/tuman-vpn/internal/notepool"
	"github.com/smaiht/tuman-vpn/internal/revstore"
	"github.com/smaiht/tuman-vpn/internal/wire"
	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

// ChannelMetrics is the combined observability surface a Channel forwards
// into its Sender and Receiver.
type ChannelMetrics interface {
	SenderMetrics
	ReceiverMetrics
}

// Channel is the role-facing entry point to the note-pool transport: it
// owns a Sender and Receiver pair wired to this role's write pool and the
// peer's note ids, and exposes the request/response and streaming-chunk
// operations a tunnel engine needs without any of them touching wire
// format or backend retry details directly.
type Channel struct {
	role     string
	isClient bool
	sender   *Sender
	receiver *Receiver
	inbox    *inbox.Inbox
	pool     *notepool.Pool
}

// NewChannel wires a Channel for role ("client" or "server"). ownNoteIDs
// is this role's write pool; peerNoteIDs is the set of notes the other
// role writes to and this role must watch. cdc may be nil for a
// plaintext channel.
func NewChannel(role string, ownNoteIDs, peerNoteIDs []string, client yanotes.Client, store revstore.Store, cdc *wire.Codec, logger *logrus.Logger, metrics ChannelMetrics) (*Channel, error) {
	if err := validateNoteIDs(ownNoteIDs); err != nil {
		return nil, err
	}
	if err := validateNoteIDs(peerNoteIDs); err != nil {
		return nil, err
	}

	isClient := role == "client"
	sendDir := wire.DirSend
	if !isClient {
		sendDir = wire.DirRecv
	}
	recvDir := sendDir.Opposite()

	pool := notepool.New(role, ownNoteIDs, logger)
	ib := inbox.New(logger)

	sender := NewSender(role, sendDir, client, pool, cdc, logger, metrics)
	receiver := NewReceiver(role, recvDir, client, pool, ib, store, cdc, peerNoteIDs, logger, metrics)

	return &Channel{role: role, isClient: isClient, sender: sender, receiver: receiver, inbox: ib, pool: pool}, nil
}

// Run starts the sender's batching/dispatch loop, the receiver's poll
// loop, and the inbox's stale-entry reaper, all bound to ctx.
func (c *Channel) Run(ctx context.Context) {
	c.sender.Start(ctx)
	go c.receiver.Run(ctx)
	go c.inbox.RunStaleReaper(ctx)
}

// Stop waits for the sender to drain in-flight dispatches.
func (c *Channel) Stop() {
	c.sender.Stop()
}

// Pool exposes the underlying note pool for gauge wiring.
func (c *Channel) Pool() *notepool.Pool { return c.pool }

func (c *Channel) requestType() wire.MsgType {
	if c.isClient {
		return wire.TypeRqst
	}
	return wire.TypeResp
}

func (c *Channel) responseType() wire.MsgType {
	if c.isClient {
		return wire.TypeResp
	}
	return wire.TypeRqst
}

// SendRequest queues a one-shot outbound message: a client's CONNECT/HTTP
// request, or a server's response to one.
func (c *Channel) SendRequest(requestID string, payload []byte) {
	c.sender.Enqueue(requestID, c.requestType(), payload)
}

// NextPendingRequest pops the oldest fully reassembled inbound one-shot
// message addressed to this role (a server's incoming RQST, or in
// principle a client's incoming unsolicited message).
func (c *Channel) NextPendingRequest() (inbox.PendingRequest, bool) {
	return c.inbox.NextPendingRequest()
}

// TakeResponse pops a fully reassembled response payload for requestID,
// if one has arrived.
func (c *Channel) TakeResponse(requestID string) ([]byte, bool) {
	return c.inbox.TakeComplete(requestID, c.responseType())
}

// PutChunk queues a single streaming DATA chunk for requestID, addressed
// by the caller's own chunk number. Total is always sent as 0: DATA is
// consumed chunk-by-chunk by the inbox rather than reassembled as a group,
// so there is no group size to declare.
func (c *Channel) PutChunk(requestID string, chunkNum int, data []byte) {
	c.sender.EnqueueChunk(requestID, chunkNum, 0, wire.TypeData, data)
}

// TakeChunk pops a single inbound DATA chunk for requestID, if present.
func (c *Channel) TakeChunk(requestID string, chunkNum int) ([]byte, bool) {
	return c.inbox.TakeChunk(requestID, chunkNum)
}

// HeadChunk reports whether an inbound DATA chunk is available without
// consuming it.
func (c *Channel) HeadChunk(requestID string, chunkNum int) bool {
	return c.inbox.HeadChunk(requestID, chunkNum)
}

// Role returns the channel's configured role name.
func (c *Channel) Role() string { return c.role }

func validateNoteIDs(ids []string) error {
	for _, id := range ids {
		if !yanotes.NoteIDPattern.MatchString(id) {
			return fmt.Errorf("transport: invalid note id %q", id)
		}
	}
	return nil
}
