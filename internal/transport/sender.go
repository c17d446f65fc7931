// Package transport drives the note pool from both ends: batching and
// dispatching outbound snippet lines, and polling the delta feed to
// discover and reassemble what the peer has written.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smaiht/tuman-vpn/internal/debug"
	"github.com/smaiht/tuman-vpn/internal/notepool"
	"github.com/smaiht/tuman-vpn/internal/wire"
	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

const (
	// MaxSnippetChars bounds a single note's body size; a batch that would
	// exceed it is flushed immediately rather than grown further.
	MaxSnippetChars = 2_000_000
	// BatchTimeout flushes a non-empty, under-budget batch once this long
	// has passed since the previous flush, trading a little latency for
	// fewer notes.
	BatchTimeout = 300 * time.Millisecond
	// SendWorkers bounds how many batches may be in flight to the backend
	// at once; each worker blocks on pool.Acquire while waiting for a note.
	SendWorkers = 7

	chunkPayloadBytes = 4000
)

// SenderMetrics receives observability from Sender.
type SenderMetrics interface {
	RecordNoteSent(role string)
	RecordBatchDispatch(outcome string)
	RecordBackpressureWait(role string, d time.Duration)
}

type noopSenderMetrics struct{}

func (noopSenderMetrics) RecordNoteSent(string)                        {}
func (noopSenderMetrics) RecordBatchDispatch(string)                   {}
func (noopSenderMetrics) RecordBackpressureWait(string, time.Duration) {}

// Sender batches outbound wire lines and dispatches them to the backend,
// fire-and-forget, keeping the enqueueing caller off the network path.
type Sender struct {
	role      string
	direction wire.Direction
	client    yanotes.Client
	pool      *notepool.Pool
	codec     *wire.Codec
	logger    *logrus.Logger
	metrics   SenderMetrics

	queue chan wire.Line
	jobs  chan []wire.Line

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewSender builds a Sender. direction is this role's send marker (the
// outer title it stamps onto every note it writes); client writes to the
// backend; pool is this role's own set of notes to write into; cdc renders
// batches into snippet bodies (sealing them when a passphrase is set).
func NewSender(role string, direction wire.Direction, client yanotes.Client, pool *notepool.Pool, cdc *wire.Codec, logger *logrus.Logger, metrics SenderMetrics) *Sender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = noopSenderMetrics{}
	}
	if cdc == nil {
		cdc = wire.NewCodec("")
	}
	return &Sender{
		role:      role,
		direction: direction,
		client:    client,
		pool:      pool,
		codec:     cdc,
		logger:    logger,
		metrics:   metrics,
		queue:     make(chan wire.Line, 4096),
		jobs:      make(chan []wire.Line, SendWorkers*2),
		stop:      make(chan struct{}),
	}
}

// Start launches the batching loop and the fixed dispatch worker pool.
// It returns immediately; the goroutines run until ctx is cancelled or
// Stop is called.
func (s *Sender) Start(ctx context.Context) {
	for i := 0; i < SendWorkers; i++ {
		s.wg.Add(1)
		go s.dispatchWorker(ctx)
	}
	s.wg.Add(1)
	go s.batchLoop(ctx)
}

// Stop waits for the batching loop and all dispatch workers to exit.
func (s *Sender) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Enqueue splits payload into wire chunks and queues them for dispatch.
// Payloads of any msgType that fit in a single chunk are sent with
// Total=1; larger payloads are split into chunkPayloadBytes-sized pieces
// addressed 1..N.
func (s *Sender) Enqueue(requestID string, msgType wire.MsgType, payload []byte) {
	if len(payload) == 0 {
		s.EnqueueChunk(requestID, 1, 1, msgType, nil)
		return
	}

	total := (len(payload) + chunkPayloadBytes - 1) / chunkPayloadBytes
	for i := 0; i < total; i++ {
		start := i * chunkPayloadBytes
		end := start + chunkPayloadBytes
		if end > len(payload) {
			end = len(payload)
		}
		s.EnqueueChunk(requestID, i+1, total, msgType, payload[start:end])
	}
}

// EnqueueChunk queues a single, already-addressed wire line verbatim. A
// streaming tunnel that does its own chunk framing calls this directly
// instead of Enqueue, which exists only to auto-split a one-shot payload.
func (s *Sender) EnqueueChunk(requestID string, chunk, total int, msgType wire.MsgType, payload []byte) {
	title := wire.Title{Dir: s.direction, RequestID: requestID, Chunk: chunk, Total: total, Type: msgType}
	s.enqueueLine(wire.Line{Title: title, Payload: payload})
}

func (s *Sender) enqueueLine(l wire.Line) {
	if debug.Enabled() {
		s.logger.WithFields(logrus.Fields{"title": l.Title.String(), "bytes": len(l.Payload)}).Debug("transport: line enqueued")
	}
	select {
	case s.queue <- l:
	case <-s.stop:
	}
}

func (s *Sender) batchLoop(ctx context.Context) {
	defer s.wg.Done()

	var batch []wire.Line
	var batchChars int
	timer := time.NewTimer(BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		select {
		case s.jobs <- batch:
		case <-s.stop:
		case <-ctx.Done():
		}
		batch = nil
		batchChars = 0
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(BatchTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-s.stop:
			flush()
			return
		case l := <-s.queue:
			itemChars := s.codec.LineChars(l)
			if len(batch) > 0 && batchChars+itemChars > MaxSnippetChars {
				flush()
			}
			batch = append(batch, l)
			batchChars += itemChars
		case <-timer.C:
			flush()
			timer.Reset(BatchTimeout)
		}
	}
}

func (s *Sender) dispatchWorker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case batch, ok := <-s.jobs:
			if !ok {
				return
			}
			s.dispatch(ctx, batch)
		}
	}
}

func (s *Sender) dispatch(ctx context.Context, batch []wire.Line) {
	waitStart := time.Now()
	noteID, err := s.pool.Acquire(ctx)
	s.metrics.RecordBackpressureWait(s.role, time.Since(waitStart))
	if err != nil {
		s.metrics.RecordBatchDispatch("acquire_cancelled")
		return
	}

	body, err := s.codec.BuildSnippet(batch)
	if err != nil {
		s.pool.Release(noteID)
		s.metrics.RecordBatchDispatch("encode_failed")
		s.logger.WithError(err).WithField("role", s.role).Error("transport: batch encode failed, note released")
		return
	}
	outerTitle := wire.OuterTitle(s.direction)

	if err := s.client.PatchNote(ctx, noteID, outerTitle, body); err != nil {
		s.pool.Release(noteID)
		s.metrics.RecordBatchDispatch("failed")
		s.logger.WithFields(logrus.Fields{
			"role":    s.role,
			"note_id": noteID,
			"items":   len(batch),
			"error":   err,
		}).Error("transport: batch dispatch failed, note released")
		return
	}

	s.metrics.RecordBatchDispatch("ok")
	for range batch {
		s.metrics.RecordNoteSent(s.role)
	}
	s.logger.WithFields(logrus.Fields{
		"role":    s.role,
		"note_id": noteID,
		"items":   len(batch),
		"bytes":   len(body),
	}).Debug("transport: batch sent")
}
