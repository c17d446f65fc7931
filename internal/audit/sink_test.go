package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smaiht/tuman-vpn/internal/config"
)

// mockWriter is a thread-safe EventWriter for batching tests.
type mockWriter struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (w *mockWriter) WriteEvent(event *AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *mockWriter) WriteBatch(events []*AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, events...)
	return nil
}

func (w *mockWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestBatchSinkFlushesOnIntervalAndSize(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 5, 100*time.Millisecond, 0, 0)
	defer sink.Close()

	for i := 0; i < 3; i++ {
		sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-%d", i)})
	}

	// Under the batch size: nothing written until the interval fires.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, mock.count())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, mock.count())

	// At the batch size: flushed without waiting for the ticker.
	for i := 0; i < 5; i++ {
		sink.WriteEvent(&AuditEvent{Operation: fmt.Sprintf("op-batch-%d", i)})
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 8, mock.count())
}

func TestBatchSinkFlushesOnClose(t *testing.T) {
	mock := &mockWriter{}
	sink := NewBatchSink(mock, 100, time.Hour, 0, 0)

	sink.WriteEvent(&AuditEvent{Operation: "pending"})
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, mock.count())
}

func TestHTTPSinkPostsJSONArray(t *testing.T) {
	var mu sync.Mutex
	var captured []*AuditEvent

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var events []*AuditEvent
		if err := json.Unmarshal(body, &events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		captured = append(captured, events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewHTTPSink(ts.URL, map[string]string{"X-Test": "true"})
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "test-http"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	assert.Equal(t, "test-http", captured[0].Operation)
}

func TestFileSinkAppendsOneLinePerEvent(t *testing.T) {
	path := t.TempDir() + "/audit.jsonl"

	sink := NewFileSink(path)
	require.NoError(t, sink.WriteEvent(&AuditEvent{Operation: "test-file"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded AuditEvent
	require.NoError(t, json.Unmarshal(content, &loaded))
	assert.Equal(t, "test-file", loaded.Operation)
}

func TestNewLoggerFromConfig(t *testing.T) {
	cfg := config.AuditConfig{
		MaxEvents: 100,
		Sink: config.AuditSinkConfig{
			Type:      "http",
			Endpoint:  "http://localhost:1234",
			BatchSize: 10,
		},
	}

	logger, err := NewLoggerFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, logger.Close())

	_, err = NewLoggerFromConfig(config.AuditConfig{Sink: config.AuditSinkConfig{Type: "carrier-pigeon"}})
	assert.Error(t, err)
}
