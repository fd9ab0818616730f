package scheduler

import (
	"context"
	"sort"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/google/uuid"
)

// claim asks the store for the next eligible change and locks its resources,
// all under mu. It also returns the wake channel that was current at the time
// of the attempt: a Submit or release that happens afterwards closes it, so a
// worker that found nothing cannot miss the wake-up.
func (m *Manager) claim(ctx context.Context) (*change.PendingChange, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wake := m.wake
	p, err := m.store.ClaimNext(ctx, m.now(), m.lockedLocked())
	if err != nil || p == nil {
		return nil, wake, err
	}
	for _, r := range p.Resources {
		m.locked[r] = p.ID
	}
	observability.LockedResources.Set(float64(len(m.locked)))
	return p, wake, nil
}

// unlock frees the resources held by id. A resource that was handed to
// another change after a Cleanup is left alone.
func (m *Manager) unlock(id uuid.UUID, resources []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range resources {
		if holder, ok := m.locked[r]; ok && holder == id {
			delete(m.locked, r)
		}
	}
	observability.LockedResources.Set(float64(len(m.locked)))
	m.broadcastLocked()
}

func (m *Manager) signal() {
	m.mu.Lock()
	m.broadcastLocked()
	m.mu.Unlock()
}

// broadcastLocked wakes every waiting worker. mu must be held.
func (m *Manager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// lockedLocked returns the locked resources. mu must be held.
func (m *Manager) lockedLocked() []string {
	out := make([]string, 0, len(m.locked))
	for r := range m.locked {
		out = append(out, r)
	}
	return out
}

// LockedResources returns a sorted snapshot of the resources currently held.
func (m *Manager) LockedResources() []string {
	m.mu.Lock()
	out := m.lockedLocked()
	m.mu.Unlock()
	sort.Strings(out)
	return out
}
