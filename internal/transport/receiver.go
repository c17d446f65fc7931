package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/debug"
	"github.com/smaiht/tuman-vpn/internal/inbox"
	"github.com/smaiht/tuman-vpn/internal/notepool"
	"github.com/smaiht/tuman-vpn/internal/revstore"
	"github.com/smaiht/tuman-vpn/internal/wire"
	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

const (
	pollIntervalIdle  = 100 * time.Millisecond
	pollIntervalError = 1 * time.Second
	deltaPageLimit    = 100
	processWorkers    = 4
)

// ReceiverMetrics receives observability from Receiver.
type ReceiverMetrics interface {
	RecordNoteReceived(role string)
	RecordBackendError(operation, errorType string)
}

type noopReceiverMetrics struct{}

func (noopReceiverMetrics) RecordNoteReceived(string)         {}
func (noopReceiverMetrics) RecordBackendError(string, string) {}

// Receiver polls the delta feed, reassembles lines addressed to this role
// into the inbox, clears notes once consumed, and releases this role's own
// notes once it observes the peer has cleared them.
type Receiver struct {
	role          string
	recvDirection wire.Direction
	client        yanotes.Client
	pool          *notepool.Pool
	inbox         *inbox.Inbox
	store         revstore.Store
	codec         *wire.Codec
	logger        *logrus.Logger
	metrics       ReceiverMetrics

	peerMu  sync.RWMutex
	peerIDs map[string]struct{}

	clearJobs chan string
	wg        sync.WaitGroup
}

// NewReceiver builds a Receiver. recvDirection is the marker this role
// expects on notes it reads (the peer's send direction). peerNoteIDs is
// the set of note ids the peer writes to.
func NewReceiver(role string, recvDirection wire.Direction, client yanotes.Client, pool *notepool.Pool, ib *inbox.Inbox, store revstore.Store, cdc *wire.Codec, peerNoteIDs []string, logger *logrus.Logger, metrics ReceiverMetrics) *Receiver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = noopReceiverMetrics{}
	}
	if cdc == nil {
		cdc = wire.NewCodec("")
	}
	peers := make(map[string]struct{}, len(peerNoteIDs))
	for _, id := range peerNoteIDs {
		peers[id] = struct{}{}
	}
	return &Receiver{
		role:          role,
		recvDirection: recvDirection,
		client:        client,
		pool:          pool,
		inbox:         ib,
		store:         store,
		codec:         cdc,
		logger:        logger,
		metrics:       metrics,
		peerIDs:       peers,
		clearJobs:     make(chan string, 256),
	}
}

// Run polls the delta feed until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) {
	for i := 0; i < processWorkers; i++ {
		r.wg.Add(1)
		go r.clearWorker(ctx)
	}
	defer r.wg.Wait()

	baseRev := r.loadRevision(ctx)

	for {
		select {
		case <-ctx.Done():
			close(r.clearJobs)
			return
		default:
		}

		deltas, err := r.client.Deltas(ctx, baseRev, deltaPageLimit)
		if err != nil {
			r.metrics.RecordBackendError("deltas", "error")
			r.logger.WithError(err).Warn("transport: deltas poll failed")
			if !sleepCtx(ctx, pollIntervalError) {
				close(r.clearJobs)
				return
			}
			continue
		}

		hadChanges := r.processDeltas(ctx, deltas)
		baseRev = deltas.Revision
		r.saveRevision(ctx, baseRev)

		if !hadChanges {
			if !sleepCtx(ctx, pollIntervalIdle) {
				close(r.clearJobs)
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Receiver) loadRevision(ctx context.Context) int64 {
	rev, ok, err := r.store.Load(ctx, r.role)
	if err != nil {
		r.logger.WithError(err).Warn("transport: revision store load failed, starting from 0")
		return 0
	}
	if !ok {
		rev, err = r.client.Revision(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("transport: initial revision fetch failed, starting from 0")
			return 0
		}
	}
	return rev
}

func (r *Receiver) saveRevision(ctx context.Context, rev int64) {
	if err := r.store.Save(ctx, r.role, rev); err != nil {
		r.logger.WithError(err).Warn("transport: revision store save failed")
	}
}

func (r *Receiver) processDeltas(ctx context.Context, deltas *yanotes.DeltaResponse) bool {
	hadChanges := false
	for _, item := range deltas.Items {
		for _, change := range item.Changes {
			if change.ChangeType != "update" && change.ChangeType != "changed" {
				continue
			}
			recordID := change.RecordID
			if !yanotes.NoteIDPattern.MatchString(recordID) {
				continue
			}

			var title, snippet string
			for _, f := range change.Changes {
				switch f.FieldID {
				case "title":
					title = f.Value.String
				case "snippet":
					snippet = f.Value.String
				}
			}

			if trimmed(title) && trimmed(snippet) {
				if r.pool.IsBusy(recordID) {
					r.pool.Release(recordID)
					r.logger.WithField("note_id", recordID).Debug("transport: peer cleared note, released")
				}
				continue
			}

			if !r.isPeerNote(recordID) {
				continue
			}
			if title == "" || snippet == "" {
				continue
			}
			hadChanges = true
			r.processNote(recordID, title, snippet)
		}
	}
	return hadChanges
}

func (r *Receiver) isPeerNote(id string) bool {
	r.peerMu.RLock()
	defer r.peerMu.RUnlock()
	_, ok := r.peerIDs[id]
	return ok
}

func (r *Receiver) processNote(noteID, title, snippet string) {
	dir, err := wire.ParseOuterTitle(title)
	if err != nil || dir != r.recvDirection {
		return
	}

	lines, dropped := r.codec.ParseSnippet(snippet)
	if dropped > 0 {
		r.logger.WithFields(logrus.Fields{"note_id": noteID, "dropped": dropped}).Warn("transport: snippet lines failed to decode")
	}
	for _, l := range lines {
		if l.Title.Dir != r.recvDirection {
			continue
		}
		if debug.Enabled() {
			r.logger.WithFields(logrus.Fields{"title": l.Title.String(), "bytes": len(l.Payload)}).Debug("transport: line received")
		}
		r.inbox.StoreEntry(l.Title, l.Payload)
	}
	r.metrics.RecordNoteReceived(r.role)

	select {
	case r.clearJobs <- noteID:
	default:
		r.logger.WithField("note_id", noteID).Warn("transport: clear queue full, dropping async clear")
	}
}

func (r *Receiver) clearWorker(ctx context.Context) {
	defer r.wg.Done()
	for noteID := range r.clearJobs {
		if err := r.client.PatchNote(ctx, noteID, "", ""); err != nil {
			r.logger.WithFields(logrus.Fields{"note_id": noteID, "error": err}).Warn("transport: clear note failed")
		}
	}
}

// trimmed reports whether s is empty once surrounding whitespace is
// removed; used defensively since the backend has been observed to pad
// cleared fields with stray whitespace under some client libraries.
func trimmed(s string) bool {
	return strings.TrimSpace(s) == ""
}
