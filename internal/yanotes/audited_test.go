package yanotes

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAuditor struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingAuditor) LogBackendError(operation string, err error, metadata map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
}

type stubClient struct {
	patchErr  error
	createErr error
}

func (s *stubClient) Revision(context.Context) (int64, error) { return 0, nil }
func (s *stubClient) Deltas(context.Context, int64, int) (*DeltaResponse, error) {
	return &DeltaResponse{}, nil
}
func (s *stubClient) PatchNote(context.Context, string, string, string) error { return s.patchErr }
func (s *stubClient) CreateNote(context.Context, string) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	return "1_2_3", nil
}

func TestAuditedPassesThroughSuccess(t *testing.T) {
	auditor := &recordingAuditor{}
	c := NewAudited(&stubClient{}, auditor)

	require.NoError(t, c.PatchNote(context.Background(), "1_1_1", "t", "s"))
	id, err := c.CreateNote(context.Background(), "note")
	require.NoError(t, err)
	assert.Equal(t, "1_2_3", id)
	assert.Empty(t, auditor.ops)
}

func TestAuditedRecordsPermanentPatchFailure(t *testing.T) {
	auditor := &recordingAuditor{}
	c := NewAudited(&stubClient{patchErr: &PermanentError{StatusCode: 403}}, auditor)

	err := c.PatchNote(context.Background(), "1_1_1", "t", "s")
	require.Error(t, err)
	assert.Equal(t, []string{"patch_note"}, auditor.ops)
}

func TestAuditedIgnoresTransientPatchFailure(t *testing.T) {
	auditor := &recordingAuditor{}
	c := NewAudited(&stubClient{patchErr: fmt.Errorf("connection reset")}, auditor)

	require.Error(t, c.PatchNote(context.Background(), "1_1_1", "t", "s"))
	assert.Empty(t, auditor.ops, "transient errors are retried by the inner client, not audited")
}

func TestAuditedNilAuditorReturnsInner(t *testing.T) {
	inner := &stubClient{}
	assert.Equal(t, Client(inner), NewAudited(inner, nil))
}
