package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sink is an EventWriter that owns resources and must be closed.
type Sink interface {
	EventWriter
	Close() error
}

// BatchWriter is implemented by sinks that can take a whole batch in one
// call (the HTTP sink posts a JSON array); sinks without it get the
// batch replayed event by event.
type BatchWriter interface {
	WriteBatch(events []*AuditEvent) error
}

// BatchSink buffers events in memory and hands them to the wrapped writer
// either when the buffer fills or on a flush interval, whichever comes
// first. Tunnel-heavy workloads emit an open/close pair per connection;
// batching keeps that from turning into one HTTP POST per browser tab.
type BatchSink struct {
	wrapped       EventWriter
	buffer        []*AuditEvent
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
}

// NewBatchSink wraps an EventWriter with batching. size and interval fall
// back to 100 events / 5s when unset.
func NewBatchSink(wrapped EventWriter, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*AuditEvent, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// WriteEvent buffers one event, flushing asynchronously if the buffer is
// now full so the caller (an audit.Logger holding its own mutex) never
// waits on the sink's network.
func (s *BatchSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainBufferLocked()
		go s.writeWithRetry(events)
	}

	return nil
}

// Close stops the flush loop after a final synchronous flush.
func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushNow()
		case <-s.closeChan:
			s.flushNow()
			return
		}
	}
}

func (s *BatchSink) flushNow() {
	s.mu.Lock()
	events := s.drainBufferLocked()
	s.mu.Unlock()

	if len(events) > 0 {
		s.writeWithRetry(events)
	}
}

// drainBufferLocked returns the current buffer contents and clears it.
// Caller must hold the lock.
func (s *BatchSink) drainBufferLocked() []*AuditEvent {
	if len(s.buffer) == 0 {
		return nil
	}

	events := make([]*AuditEvent, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) writeWithRetry(events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	write := func() error {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			return bw.WriteBatch(events)
		}
		var err error
		for _, event := range events {
			if e := s.wrapped.WriteEvent(event); e != nil {
				err = e
			}
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBackoff
	err := backoff.Retry(write, backoff.WithMaxRetries(bo, uint64(s.retryCount)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: dropping %d events after %d retries: %v\n", len(events), s.retryCount, err)
	}
	return err
}

// HTTPSink posts events to a collector endpoint as JSON arrays.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink builds a sink posting to endpoint with the given extra
// headers (for collector auth tokens and the like).
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// WriteEvent posts a single event as a one-element batch.
func (s *HTTPSink) WriteEvent(event *AuditEvent) error {
	return s.WriteBatch([]*AuditEvent{event})
}

// WriteBatch posts a batch of events.
func (s *HTTPSink) WriteBatch(events []*AuditEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit: http sink returned status %s", resp.Status)
	}

	return nil
}

// FileSink appends events to a local file, one JSON document per line.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink builds a sink appending to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// WriteEvent appends one event. The file is opened per write so an
// external log rotation can move it out from under a running process.
func (s *FileSink) WriteEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		return err
	}
	if _, err := f.WriteString("\n"); err != nil {
		return err
	}

	return nil
}
