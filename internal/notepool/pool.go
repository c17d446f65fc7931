// Package notepool manages the fixed set of notes assigned to one role
// (client or server) of a channel: which notes are free to be written to
// and which are currently checked out awaiting consumption by the peer.
package notepool

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	pollInterval     = 100 * time.Millisecond
	starvationWindow = 5 * time.Second
)

// GaugeSetter receives the free/busy counts after each pool transition, for
// external observability.
type GaugeSetter interface {
	SetNotePoolGauges(role string, free, busy int)
}

// Pool tracks the free/busy partition of a role's note ids. The two sets
// are always disjoint and their union is always the full note id list the
// pool was constructed with.
type Pool struct {
	role   string
	logger *logrus.Logger
	gauges GaugeSetter

	onRelease func(id string)

	mu   sync.Mutex
	free map[string]struct{}
	busy map[string]struct{}
}

// New creates a pool over noteIDs, all initially free.
func New(role string, noteIDs []string, logger *logrus.Logger) *Pool {
	free := make(map[string]struct{}, len(noteIDs))
	for _, id := range noteIDs {
		free[id] = struct{}{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pool{
		role:   role,
		logger: logger,
		free:   free,
		busy:   make(map[string]struct{}, len(noteIDs)),
	}
}

// SetGaugeSetter attaches a metrics sink that is updated on every
// Acquire/Release transition.
func (p *Pool) SetGaugeSetter(g GaugeSetter) {
	p.gauges = g
}

// SetReleaseHook attaches a callback invoked (outside the pool lock) each
// time a busy note actually returns to the free set. Duplicate releases
// don't fire it. Used to feed the audit trail.
func (p *Pool) SetReleaseHook(hook func(id string)) {
	p.onRelease = hook
}

// Acquire blocks until a note is free, then checks it out and returns its
// id. It polls on a fixed interval rather than using a condition variable
// because notes are also released by other goroutines reacting to network
// events (receiver loop, sender retries) on their own schedules; polling
// keeps the wait loop simple and bounds worst-case wake latency to
// pollInterval. A starvation warning is logged if no note becomes
// available within starvationWindow, since permanent exhaustion usually
// indicates a misconfigured pool size rather than transient contention.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	start := time.Now()
	warned := false

	for {
		if id, ok := p.tryAcquire(); ok {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}

		if !warned && time.Since(start) >= starvationWindow {
			p.logger.WithFields(logrus.Fields{
				"role": p.role,
				"wait": time.Since(start),
			}).Warn("note pool starved: no free notes available")
			warned = true
		}
	}
}

func (p *Pool) tryAcquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.free {
		delete(p.free, id)
		p.busy[id] = struct{}{}
		p.reportLocked()
		return id, true
	}
	return "", false
}

// Release returns a note to the free set. Releasing a note that is not
// currently busy (e.g. a duplicate release racing with reassignment) is a
// no-op, matching the idempotent release semantics relied on by retry
// paths that may call Release more than once for the same note.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	if _, ok := p.busy[id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.busy, id)
	p.free[id] = struct{}{}
	p.reportLocked()
	hook := p.onRelease
	p.mu.Unlock()

	if hook != nil {
		hook(id)
	}
}

// IsBusy reports whether id is currently checked out. The receiver uses
// this to tell "peer cleared a note I wrote" (release it) apart from
// "peer cleared a note I don't own" (ignore it).
func (p *Pool) IsBusy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.busy[id]
	return ok
}

// Stats returns the current free and busy counts.
func (p *Pool) Stats() (free, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), len(p.busy)
}

func (p *Pool) reportLocked() {
	if p.gauges == nil {
		return
	}
	p.gauges.SetNotePoolGauges(p.role, len(p.free), len(p.busy))
}
