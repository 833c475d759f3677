// Package sessions tracks the bridges a server currently has live, so
// shutdown can drain or cancel them as a group.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker can do to a live bridge.
type Handle struct {
	Cancel func()
}

// Tracker is a registry of live bridges keyed by session id.
type Tracker struct {
	mu      sync.Mutex
	bridges map[string]*trackedBridge
	wg      sync.WaitGroup
}

type trackedBridge struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		bridges: make(map[string]*trackedBridge),
	}
}

// Register adds a bridge and returns its unregister func. Registering the
// same session id again replaces the old entry and releases it.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedBridge{handle: h}

	t.mu.Lock()
	if t.bridges == nil {
		t.bridges = make(map[string]*trackedBridge)
	}
	old := t.bridges[sessionID]
	t.bridges[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedBridge) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.bridges != nil && t.bridges[sessionID] == entry {
			delete(t.bridges, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count reports how many bridges are live.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bridges)
}

// CancelAll asks every live bridge to shut down.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.bridges {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered bridge has unregistered or ctx ends.
// It reports whether the tracker fully drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
