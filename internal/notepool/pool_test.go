package notepool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseDisjointInvariant(t *testing.T) {
	ids := []string{"1_2_3", "4_5_6", "7_8_9"}
	p := New("client", ids, nil)

	got := make([]string, 0, len(ids))
	for i := 0; i < len(ids); i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		id, err := p.Acquire(ctx)
		cancel()
		require.NoError(t, err)
		got = append(got, id)
	}

	free, busy := p.Stats()
	assert.Equal(t, 0, free)
	assert.Equal(t, len(ids), busy)

	seen := make(map[string]bool)
	for _, id := range got {
		assert.False(t, seen[id], "acquired same note twice: %s", id)
		seen[id] = true
	}

	for _, id := range got {
		p.Release(id)
	}
	free, busy = p.Stats()
	assert.Equal(t, len(ids), free)
	assert.Equal(t, 0, busy)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := New("client", []string{"only_note_1"}, nil)

	ctx := context.Background()
	id, err := p.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan string, 1)
	go func() {
		ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err := p.Acquire(ctx2)
		if err == nil {
			acquired <- got
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire returned before the note was released")
	case <-time.After(250 * time.Millisecond):
	}

	p.Release(id)

	select {
	case got := <-acquired:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("second Acquire did not unblock after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p := New("client", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New("client", []string{"1_1_1"}, nil)

	ctx := context.Background()
	id, err := p.Acquire(ctx)
	require.NoError(t, err)

	p.Release(id)
	p.Release(id) // second release of the same note must not double-count it as free

	free, busy := p.Stats()
	assert.Equal(t, 1, free)
	assert.Equal(t, 0, busy)
}

func TestReleaseOfNeverAcquiredNoteIsNoop(t *testing.T) {
	p := New("client", []string{"1_1_1"}, nil)
	p.Release("1_1_1")

	free, busy := p.Stats()
	assert.Equal(t, 1, free)
	assert.Equal(t, 0, busy)
}

type fakeGaugeSetter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeGaugeSetter) SetNotePoolGauges(role string, free, busy int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func TestReleaseHookFiresOnlyOnRealRelease(t *testing.T) {
	p := New("client", []string{"1_1_1"}, nil)

	var released []string
	p.SetReleaseHook(func(id string) { released = append(released, id) })

	id, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(id)
	p.Release(id) // duplicate: busy set no longer contains it
	p.Release("9_9_9")

	assert.Equal(t, []string{id}, released)
}

func TestGaugeSetterReceivesUpdates(t *testing.T) {
	p := New("client", []string{"1_1_1"}, nil)
	g := &fakeGaugeSetter{}
	p.SetGaugeSetter(g)

	ctx := context.Background()
	id, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(id)

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.GreaterOrEqual(t, g.calls, 2)
}
