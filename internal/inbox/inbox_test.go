package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaiht/tuman-vpn/internal/wire"
)

func TestStoreEntrySingleChunkRequestIsImmediatelyPending(t *testing.T) {
	ib := New(nil)
	rid := wire.NewRequestID()

	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 1, Total: 1, Type: wire.TypeRqst}, []byte("CONNECT example.com:443"))

	req, ok := ib.NextPendingRequest()
	require.True(t, ok)
	assert.Equal(t, rid, req.RequestID)
	assert.Equal(t, []byte("CONNECT example.com:443"), req.Payload)

	_, ok = ib.NextPendingRequest()
	assert.False(t, ok)
}

func TestStoreEntryMultiChunkRequestAssemblesInOrder(t *testing.T) {
	ib := New(nil)
	rid := wire.NewRequestID()

	// Deliver out of order to confirm assembly does not depend on arrival order.
	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 2, Total: 3, Type: wire.TypeRqst}, []byte("-second-"))
	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 3, Total: 3, Type: wire.TypeRqst}, []byte("-third-"))

	_, ok := ib.NextPendingRequest()
	assert.False(t, ok, "request should not be pending until all chunks arrive")

	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 1, Total: 3, Type: wire.TypeRqst}, []byte("-first-"))

	req, ok := ib.NextPendingRequest()
	require.True(t, ok)
	assert.Equal(t, "-first--second--third-", string(req.Payload))
}

func TestStoreEntryRespDoesNotEnqueuePending(t *testing.T) {
	ib := New(nil)
	rid := wire.NewRequestID()

	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 1, Total: 1, Type: wire.TypeResp}, []byte("200 OK"))

	_, ok := ib.NextPendingRequest()
	assert.False(t, ok)

	assert.True(t, ib.HasComplete(rid, wire.TypeResp))
	payload, ok := ib.TakeComplete(rid, wire.TypeResp)
	require.True(t, ok)
	assert.Equal(t, []byte("200 OK"), payload)

	assert.False(t, ib.HasComplete(rid, wire.TypeResp), "TakeComplete should remove the entry")
}

func TestDataChunksConsumedIndividually(t *testing.T) {
	ib := New(nil)
	rid := wire.NewRequestID()

	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 1, Type: wire.TypeData}, []byte("payload-1"))
	ib.StoreEntry(wire.Title{RequestID: rid, Chunk: 2, Type: wire.TypeData}, []byte("payload-2"))

	assert.True(t, ib.HeadChunk(rid, 1))
	data, ok := ib.TakeChunk(rid, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("payload-1"), data)

	assert.False(t, ib.HeadChunk(rid, 1))
	assert.True(t, ib.HeadChunk(rid, 2))

	_, ok = ib.TakeChunk(rid, 99)
	assert.False(t, ok)
}

func TestReapStaleRemovesOldIncompleteGroupsOnly(t *testing.T) {
	ib := New(nil)

	oldTs := time.Now().Add(-20 * time.Minute).UnixMilli()
	oldRid := timestampedRequestID(oldTs)
	freshRid := wire.NewRequestID()

	ib.StoreEntry(wire.Title{RequestID: oldRid, Chunk: 1, Total: 2, Type: wire.TypeRqst}, []byte("half"))
	ib.StoreEntry(wire.Title{RequestID: freshRid, Chunk: 1, Total: 2, Type: wire.TypeRqst}, []byte("half"))

	removed := ib.ReapStale(time.Now())
	assert.Equal(t, 1, removed)

	// The fresh incomplete group must survive.
	ib.StoreEntry(wire.Title{RequestID: freshRid, Chunk: 2, Total: 2, Type: wire.TypeRqst}, []byte("-rest"))
	req, ok := ib.NextPendingRequest()
	require.True(t, ok)
	assert.Equal(t, freshRid, req.RequestID)
}

func TestReapStaleDoesNotTouchCompleteEntries(t *testing.T) {
	ib := New(nil)
	oldTs := time.Now().Add(-20 * time.Minute).UnixMilli()
	oldRid := timestampedRequestID(oldTs)

	ib.StoreEntry(wire.Title{RequestID: oldRid, Chunk: 1, Total: 1, Type: wire.TypeResp}, []byte("already complete"))

	ib.ReapStale(time.Now())

	assert.True(t, ib.HasComplete(oldRid, wire.TypeResp))
}

// timestampedRequestID builds a 16-char id whose first 13 characters are
// the given millisecond timestamp, matching wire.NewRequestID's layout.
func timestampedRequestID(ms int64) string {
	return itoa13(ms) + "abc"
}

func itoa13(n int64) string {
	s := ""
	for i := 0; i < 13; i++ {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}
