package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

// fakeClient is an in-memory stand-in for the notes backend: PatchNote
// writes directly into a shared note table that Deltas serves back as
// changes, so a test can drive a full sender -> backend -> receiver loop
// without a network.
type fakeClient struct {
	mu       sync.Mutex
	notes    map[string]noteState
	revision int64
	patchErr error
}

type noteState struct {
	title   string
	snippet string
	rev     int64
}

func newFakeClient() *fakeClient {
	return &fakeClient{notes: make(map[string]noteState)}
}

func (f *fakeClient) Revision(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revision, nil
}

func (f *fakeClient) Deltas(ctx context.Context, baseRevision int64, limit int) (*yanotes.DeltaResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &yanotes.DeltaResponse{Revision: f.revision}
	for id, st := range f.notes {
		if st.rev <= baseRevision {
			continue
		}
		resp.Items = append(resp.Items, yanotes.DeltaItem{Changes: []yanotes.FieldChangeGroup{
			{
				ChangeType: "update",
				RecordID:   id,
				Changes: []yanotes.FieldChange{
					{FieldID: "title", Value: yanotes.FieldValue{String: st.title}},
					{FieldID: "snippet", Value: yanotes.FieldValue{String: st.snippet}},
				},
			},
		}})
	}
	return resp, nil
}

func (f *fakeClient) PatchNote(ctx context.Context, noteID, title, snippet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	f.revision++
	f.notes[noteID] = noteState{title: title, snippet: snippet, rev: f.revision}
	return nil
}

func (f *fakeClient) CreateNote(ctx context.Context, title string) (string, error) {
	return "", fmt.Errorf("fakeClient: CreateNote not supported")
}
