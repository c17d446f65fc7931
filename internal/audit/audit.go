package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smaiht/tuman-vpn/internal/config"
)

// EventType represents the type of audit event emitted by a client or
// worker process over the lifetime of a proxied connection.
type EventType string

const (
	// EventTypeTunnelOpen is emitted when a CONNECT/stream request is accepted
	// and a request_id is allocated for it.
	EventTypeTunnelOpen EventType = "tunnel_open"
	// EventTypeTunnelClose is emitted when a tunnel is torn down, whether by
	// idle timeout, peer CLOSE, or local error.
	EventTypeTunnelClose EventType = "tunnel_close"
	// EventTypeRequest is emitted for one-shot (non-streaming) HTTP requests
	// relayed through the channel.
	EventTypeRequest EventType = "request"
	// EventTypeNoteCleared is emitted when the note pool releases a note back
	// to the free set after both sides have consumed it.
	EventTypeNoteCleared EventType = "note_cleared"
	// EventTypeBackendError is emitted when the underlying notes API rejects
	// an operation outright (4xx) and the batch carrying it is dropped.
	EventTypeBackendError EventType = "backend_error"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	RequestID string                 `json:"request_id,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Role      string                 `json:"role,omitempty"`
	BytesIn   int64                  `json:"bytes_in,omitempty"`
	BytesOut  int64                  `json:"bytes_out,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event verbatim.
	Log(event *AuditEvent) error

	// LogTunnelOpen logs the acceptance of a new tunnel.
	LogTunnelOpen(requestID, role, target string)

	// LogTunnelClose logs the teardown of a tunnel.
	LogTunnelClose(requestID, role string, bytesIn, bytesOut int64, err error, duration time.Duration)

	// LogRequest logs a one-shot relayed request.
	LogRequest(requestID, role, target string, success bool, err error, duration time.Duration)

	// LogNoteCleared logs the release of a note back to its pool.
	LogNoteCleared(noteID, role string)

	// LogBackendError logs a permanent (4xx) failure from the notes backend.
	LogBackendError(operation string, err error, metadata map[string]interface{})

	// GetEvents returns all buffered audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("unknown audit sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Metadata = l.redactMetadata(event.Metadata)

	if l.writer != nil {
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata (e.g. passphrases,
// raw cookie values accidentally attached by a caller).
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogTunnelOpen logs the acceptance of a new tunnel.
func (l *auditLogger) LogTunnelOpen(requestID, role, target string) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeTunnelOpen,
		Operation: "tunnel_open",
		RequestID: requestID,
		Role:      role,
		Target:    target,
		Success:   true,
	})
}

// LogTunnelClose logs the teardown of a tunnel.
func (l *auditLogger) LogTunnelClose(requestID, role string, bytesIn, bytesOut int64, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeTunnelClose,
		Operation: "tunnel_close",
		RequestID: requestID,
		Role:      role,
		BytesIn:   bytesIn,
		BytesOut:  bytesOut,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogRequest logs a one-shot relayed request.
func (l *auditLogger) LogRequest(requestID, role, target string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeRequest,
		Operation: "request",
		RequestID: requestID,
		Role:      role,
		Target:    target,
		Success:   success,
		Duration:  duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogNoteCleared logs the release of a note back to its pool.
func (l *auditLogger) LogNoteCleared(noteID, role string) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeNoteCleared,
		Operation: "note_cleared",
		Target:    noteID,
		Role:      role,
		Success:   true,
	})
}

// LogBackendError logs a permanent (4xx) failure from the notes backend.
func (l *auditLogger) LogBackendError(operation string, err error, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeBackendError,
		Operation: operation,
		Success:   false,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter writes events to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
