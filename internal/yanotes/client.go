// Package yanotes is the HTTP client for the Yandex Notes delta-sync API
// that the channel uses as its covert transport: reading and writing note
// title/snippet fields and polling a revision-based delta feed for
// changes made by the peer.
package yanotes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	baseURL         = "https://cloud-api.yandex.ru/yadisk_web/v1"
	databasePath    = "/data/app/databases/.ext.yanotes@notes"
	requestTimeout  = 30 * time.Second
	maxPatchRetries = 3
)

// NoteIDPattern matches the record id format notes are addressed by.
var NoteIDPattern = regexp.MustCompile(`^\d+_\d+_\d+$`)

// Client is the surface the transport layer needs from the notes backend.
// It is deliberately narrow (four calls) so that a fake implementation
// for tests needs no more than an httptest.Server.
type Client interface {
	// Revision returns the database's current revision, used to seed the
	// delta feed's base_revision cursor on startup.
	Revision(ctx context.Context) (int64, error)
	// Deltas returns changes since baseRevision, up to limit items.
	Deltas(ctx context.Context, baseRevision int64, limit int) (*DeltaResponse, error)
	// PatchNote overwrites a note's title and snippet fields, retrying
	// transient failures and reporting 4xx responses as permanent errors.
	PatchNote(ctx context.Context, noteID, title, snippet string) error
	// CreateNote provisions a new, empty note and returns its record id.
	// Used only by the pool setup wizard, never by the transport layer.
	CreateNote(ctx context.Context, title string) (string, error)
}

// PermanentError wraps a non-retryable (4xx) failure from the backend.
type PermanentError struct {
	StatusCode int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("yanotes: permanent failure, http %d", e.StatusCode)
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	http    *http.Client
	logger  *logrus.Logger
	metrics MetricsRecorder
}

// MetricsRecorder receives timing/error observability from HTTPClient.
// Kept as a narrow interface here (rather than importing the metrics
// package directly) so this package has no dependency on Prometheus types.
type MetricsRecorder interface {
	RecordBackendOperation(ctx context.Context, operation string, duration time.Duration)
	RecordBackendError(operation, errorType string)
}

type noopMetrics struct{}

func (noopMetrics) RecordBackendOperation(context.Context, string, time.Duration) {}
func (noopMetrics) RecordBackendError(string, string)                            {}

// NewHTTPClient builds a Client using httpClient for transport (its cookie
// jar, if any, supplies the authenticated Yandex session).
func NewHTTPClient(httpClient *http.Client, logger *logrus.Logger, metrics MetricsRecorder) *HTTPClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	c := &HTTPClient{http: httpClient, logger: logger, metrics: metrics}
	c.http.Timeout = requestTimeout
	return c
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Origin", "https://disk.yandex.ru")
	req.Header.Set("Referer", "https://disk.yandex.ru/")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type revisionDoc struct {
	Revision int64 `json:"revision"`
}

// Revision returns the database's current revision.
func (c *HTTPClient) Revision(ctx context.Context) (int64, error) {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodGet, baseURL+databasePath, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	c.metrics.RecordBackendOperation(ctx, "revision", time.Since(start))
	if err != nil {
		c.metrics.RecordBackendError("revision", "network")
		return 0, fmt.Errorf("yanotes: revision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.metrics.RecordBackendError("revision", fmt.Sprintf("http_%d", resp.StatusCode))
		return 0, fmt.Errorf("yanotes: revision request: http %d", resp.StatusCode)
	}

	var doc revisionDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("yanotes: decode revision response: %w", err)
	}
	return doc.Revision, nil
}

// DeltaResponse is the delta feed document.
type DeltaResponse struct {
	Revision int64       `json:"revision"`
	Items    []DeltaItem `json:"items"`
}

// DeltaItem is one changed record in the feed.
type DeltaItem struct {
	Changes []FieldChangeGroup `json:"changes"`
}

// FieldChangeGroup carries the field-level changes for a single record.
type FieldChangeGroup struct {
	ChangeType string        `json:"change_type"`
	RecordID   string        `json:"record_id"`
	Changes    []FieldChange `json:"changes"`
}

// FieldChange is one field's new value.
type FieldChange struct {
	FieldID string     `json:"field_id"`
	Value   FieldValue `json:"value"`
}

// FieldValue holds the typed value of a field change; only the string
// variant is populated for title/snippet fields.
type FieldValue struct {
	String string `json:"string"`
}

// Deltas fetches changes since baseRevision.
func (c *HTTPClient) Deltas(ctx context.Context, baseRevision int64, limit int) (*DeltaResponse, error) {
	start := time.Now()
	url := fmt.Sprintf("%s%s/deltas?base_revision=%d&limit=%d", baseURL, databasePath, baseRevision, limit)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	c.metrics.RecordBackendOperation(ctx, "deltas", time.Since(start))
	if err != nil {
		c.metrics.RecordBackendError("deltas", "network")
		return nil, fmt.Errorf("yanotes: deltas request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.metrics.RecordBackendError("deltas", fmt.Sprintf("http_%d", resp.StatusCode))
		return nil, fmt.Errorf("yanotes: deltas request: http %d", resp.StatusCode)
	}

	var out DeltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("yanotes: decode deltas response: %w", err)
	}
	return &out, nil
}

type patchBody struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// PatchNote overwrites a note's title/snippet, retrying 5xx and network
// failures with exponential backoff and failing permanently on 4xx.
func (c *HTTPClient) PatchNote(ctx context.Context, noteID, title, snippet string) error {
	body, err := json.Marshal(patchBody{Title: title, Snippet: snippet})
	if err != nil {
		return fmt.Errorf("yanotes: encode patch body: %w", err)
	}
	url := fmt.Sprintf("%s/notes/notes/%s", baseURL, noteID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	retrier := backoff.WithMaxRetries(bo, maxPatchRetries)
	retrier = backoff.WithContext(retrier, ctx)

	var attempt int
	op := func() error {
		attempt++
		start := time.Now()
		req, err := c.newRequest(ctx, http.MethodPatch, url, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, doErr := c.http.Do(req)
		c.metrics.RecordBackendOperation(ctx, "patch_note", time.Since(start))
		if doErr != nil {
			c.logger.WithFields(logrus.Fields{"note_id": noteID, "attempt": attempt, "error": doErr}).Warn("yanotes: patch network error")
			c.metrics.RecordBackendError("patch_note", "network")
			return doErr
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return nil
		case resp.StatusCode >= 500:
			c.logger.WithFields(logrus.Fields{"note_id": noteID, "status": resp.StatusCode, "attempt": attempt}).Warn("yanotes: patch server error, retrying")
			c.metrics.RecordBackendError("patch_note", fmt.Sprintf("http_%d", resp.StatusCode))
			return fmt.Errorf("yanotes: patch note: http %d", resp.StatusCode)
		default:
			c.metrics.RecordBackendError("patch_note", fmt.Sprintf("http_%d", resp.StatusCode))
			return backoff.Permanent(&PermanentError{StatusCode: resp.StatusCode})
		}
	}

	if err := backoff.Retry(op, retrier); err != nil {
		return err
	}
	return nil
}

type createNoteBody struct {
	Title   string   `json:"title"`
	Snippet string   `json:"snippet"`
	Tags    []string `json:"tags"`
}

type createNoteResponse struct {
	ID string `json:"id"`
}

// CreateNote provisions an empty note titled title and returns its id.
// The backend sometimes answers a single-element array instead of an
// object; both shapes are accepted.
func (c *HTTPClient) CreateNote(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(createNoteBody{Title: title, Snippet: "", Tags: []string{}})
	if err != nil {
		return "", fmt.Errorf("yanotes: encode create body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, baseURL+"/notes/notes", body)
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.RecordBackendOperation(ctx, "create_note", time.Since(start))
	if err != nil {
		c.metrics.RecordBackendError("create_note", "network")
		return "", fmt.Errorf("yanotes: create note: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.metrics.RecordBackendError("create_note", fmt.Sprintf("http_%d", resp.StatusCode))
		return "", fmt.Errorf("yanotes: create note: http %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("yanotes: read create response: %w", err)
	}

	var single createNoteResponse
	if err := json.Unmarshal(raw, &single); err == nil && single.ID != "" {
		return single.ID, nil
	}
	var list []createNoteResponse
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].ID, nil
	}
	return "", fmt.Errorf("yanotes: create note: unrecognized response shape")
}
