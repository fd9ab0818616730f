package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/flexiblepower/defpi-core-sub002/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoAttemptHistory = errors.New("store keeps no attempt history")

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*change.PendingChange, error) {
	return m.store.Get(ctx, id)
}

// Delete removes a change that no worker currently holds.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Claimed() {
		return change.ErrClaimed
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("change deleted",
		zap.String("change_id", id.String()),
		zap.String("kind", p.Kind),
		zap.String("state", string(p.State)),
	)
	return nil
}

func (m *Manager) Count(ctx context.Context, filter change.Filter) (int, error) {
	return m.store.Count(ctx, filter)
}

func (m *Manager) List(ctx context.Context, params change.ListParams) ([]change.PendingChange, error) {
	return m.store.List(ctx, params)
}

func (m *Manager) Attempts(ctx context.Context, id uuid.UUID, limit int) ([]change.Attempt, error) {
	rec, ok := m.store.(AttemptRecorder)
	if !ok {
		return nil, ErrNoAttemptHistory
	}
	return rec.ListAttempts(ctx, id, limit)
}

// Cleanup is the manual escape hatch after a worker lost track of its locks:
// it drops every in-memory resource lock, purges permanently failed changes
// and releases claims older than the stale-claim cutoff.
func (m *Manager) Cleanup(ctx context.Context) (change.CleanupSummary, error) {
	m.mu.Lock()
	unlocked := len(m.locked)
	m.locked = make(map[string]uuid.UUID)
	observability.LockedResources.Set(0)
	m.mu.Unlock()

	sum, err := m.store.CleanupStale(ctx, m.now().Add(-m.staleClaimAfter))
	sum.Unlocked = unlocked
	m.signal()

	if err != nil {
		m.logger.Error("cleanup failed", zap.Int("unlocked", unlocked), zap.Error(err))
		return sum, fmt.Errorf("cleanup store: %w", err)
	}
	m.logger.Info("cleanup done", zap.String("summary", sum.String()))
	return sum, nil
}
