// Package inbox holds everything a receiver has observed from the peer
// but not yet consumed: streaming chunks waiting to be read by a tunnel,
// and one-shot requests/responses waiting for reassembly and dispatch.
package inbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/wire"
)

const (
	reapInterval = 60 * time.Second
	// StaleTimeout is how long an incomplete chunk group may sit
	// unconsumed before the reaper discards it. Ten minutes accommodates
	// long-running streams (e.g. video) whose chunks may arrive well
	// before the consumer drains them.
	StaleTimeout = 10 * time.Minute
)

type group struct {
	total     int // 0 for DATA groups, which are consumed chunk-by-chunk rather than reassembled
	chunks    map[int][]byte
	firstSeen time.Time
}

// PendingRequest is a fully reassembled one-shot request (CONNECT, HTTP
// verb, control op) waiting for a handler to process it.
type PendingRequest struct {
	RequestID string
	Payload   []byte
}

// Inbox is safe for concurrent use.
type Inbox struct {
	logger *logrus.Logger

	mu       sync.Mutex
	groups   map[string]*group
	complete map[string][]byte
	pending  []PendingRequest
}

// New creates an empty inbox.
func New(logger *logrus.Logger) *Inbox {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Inbox{
		logger:   logger,
		groups:   make(map[string]*group),
		complete: make(map[string][]byte),
	}
}

func groupKey(requestID string, msgType wire.MsgType) string {
	return requestID + ":" + string(msgType)
}

// StoreEntry records a payload parsed from an incoming snippet line,
// assembling multi-chunk one-shot messages and enqueueing completed
// requests for dispatch.
func (ib *Inbox) StoreEntry(t wire.Title, payload []byte) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := groupKey(t.RequestID, t.Type)

	if t.Type == wire.TypeData {
		g := ib.groups[key]
		if g == nil {
			g = &group{chunks: make(map[int][]byte), firstSeen: time.Now()}
			ib.groups[key] = g
		}
		g.chunks[t.Chunk] = payload
		return
	}

	if t.Total <= 1 {
		ib.complete[key] = payload
		if t.Type == wire.TypeRqst {
			ib.pending = append(ib.pending, PendingRequest{RequestID: t.RequestID, Payload: payload})
		}
		return
	}

	g := ib.groups[key]
	if g == nil {
		g = &group{total: t.Total, chunks: make(map[int][]byte), firstSeen: time.Now()}
		ib.groups[key] = g
	}
	g.chunks[t.Chunk] = payload

	if len(g.chunks) != g.total {
		return
	}
	assembled, ok := assemble(g)
	if !ok {
		return
	}
	delete(ib.groups, key)
	ib.complete[key] = assembled
	if t.Type == wire.TypeRqst {
		ib.pending = append(ib.pending, PendingRequest{RequestID: t.RequestID, Payload: assembled})
	}
}

func assemble(g *group) ([]byte, bool) {
	var size int
	for i := 1; i <= g.total; i++ {
		c, ok := g.chunks[i]
		if !ok {
			return nil, false
		}
		size += len(c)
	}
	out := make([]byte, 0, size)
	for i := 1; i <= g.total; i++ {
		out = append(out, g.chunks[i]...)
	}
	return out, true
}

// TakeChunk pops a single DATA chunk for a streaming request, if present.
func (ib *Inbox) TakeChunk(requestID string, chunkNum int) ([]byte, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := groupKey(requestID, wire.TypeData)
	g := ib.groups[key]
	if g == nil {
		return nil, false
	}
	data, ok := g.chunks[chunkNum]
	if !ok {
		return nil, false
	}
	delete(g.chunks, chunkNum)
	if len(g.chunks) == 0 {
		delete(ib.groups, key)
	}
	return data, true
}

// HeadChunk reports whether a DATA chunk is available without consuming it.
func (ib *Inbox) HeadChunk(requestID string, chunkNum int) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	g := ib.groups[groupKey(requestID, wire.TypeData)]
	if g == nil {
		return false
	}
	_, ok := g.chunks[chunkNum]
	return ok
}

// TakeComplete pops a fully assembled RQST/RESP payload.
func (ib *Inbox) TakeComplete(requestID string, msgType wire.MsgType) ([]byte, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := groupKey(requestID, msgType)
	data, ok := ib.complete[key]
	if ok {
		delete(ib.complete, key)
	}
	return data, ok
}

// HasComplete reports whether a fully assembled payload is waiting,
// without consuming it.
func (ib *Inbox) HasComplete(requestID string, msgType wire.MsgType) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	_, ok := ib.complete[groupKey(requestID, msgType)]
	return ok
}

// NextPendingRequest pops the oldest queued request, if any.
func (ib *Inbox) NextPendingRequest() (PendingRequest, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if len(ib.pending) == 0 {
		return PendingRequest{}, false
	}
	next := ib.pending[0]
	ib.pending = ib.pending[1:]
	return next, true
}

// ReapStale drops incomplete chunk groups whose request id timestamp is
// older than StaleTimeout. It does not touch already-assembled complete
// entries, which are expected to be drained promptly by a handler.
func (ib *Inbox) ReapStale(now time.Time) int {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	removed := 0
	for key, g := range ib.groups {
		requestID := key
		if idx := strings.IndexByte(key, ':'); idx >= 0 {
			requestID = key[:idx]
		}
		ts, err := wire.RequestIDTimestamp(requestID)
		if err != nil {
			continue
		}
		if now.Sub(ts) > StaleTimeout {
			delete(ib.groups, key)
			removed++
			ib.logger.WithFields(logrus.Fields{
				"key":         key,
				"orphan_rows": len(g.chunks),
			}).Warn("inbox: dropped stale incomplete entry")
		}
	}
	return removed
}

// RunStaleReaper periodically reaps stale entries until ctx is cancelled.
func (ib *Inbox) RunStaleReaper(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ib.ReapStale(time.Now())
		}
	}
}
