package yanotes

import (
	"context"
	"errors"
)

// BackendAuditor receives permanent backend failures for the audit trail.
// A narrow local interface (like MetricsRecorder) so this package doesn't
// depend on the audit package's full Logger.
type BackendAuditor interface {
	LogBackendError(operation string, err error, metadata map[string]interface{})
}

// Audited decorates a Client so that permanent (4xx) failures land in the
// audit trail in addition to metrics and logs. Transient failures are not
// audited: the inner client retries those itself, and only the final
// verdict is of interest to an operator reviewing the trail.
type Audited struct {
	Client
	auditor BackendAuditor
}

// NewAudited wraps inner with auditing. A nil auditor returns inner as-is.
func NewAudited(inner Client, auditor BackendAuditor) Client {
	if auditor == nil {
		return inner
	}
	return &Audited{Client: inner, auditor: auditor}
}

// PatchNote delegates to the inner client, auditing permanent failures.
func (a *Audited) PatchNote(ctx context.Context, noteID, title, snippet string) error {
	err := a.Client.PatchNote(ctx, noteID, title, snippet)
	var perm *PermanentError
	if errors.As(err, &perm) {
		a.auditor.LogBackendError("patch_note", err, map[string]interface{}{
			"note_id": noteID,
			"status":  perm.StatusCode,
		})
	}
	return err
}

// CreateNote delegates to the inner client, auditing failures.
func (a *Audited) CreateNote(ctx context.Context, title string) (string, error) {
	id, err := a.Client.CreateNote(ctx, title)
	if err != nil {
		a.auditor.LogBackendError("create_note", err, map[string]interface{}{"title": title})
	}
	return id, err
}
