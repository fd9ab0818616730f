// Package memory keeps pending changes in process memory. It backs the
// scheduler in tests and in single-node development setups; nothing survives
// a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	changes  map[uuid.UUID]*change.PendingChange
	attempts map[uuid.UUID][]change.Attempt
}

func New() *Store {
	return &Store{
		changes:  make(map[uuid.UUID]*change.PendingChange),
		attempts: make(map[uuid.UUID][]change.Attempt),
	}
}

func (s *Store) Save(ctx context.Context, p *change.PendingChange) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", change.ErrInvalidChange)
	}
	s.mu.Lock()
	s.changes[p.ID] = p.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.changes[id]; !ok {
		return change.ErrNotFound
	}
	delete(s.changes, id)
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*change.PendingChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.changes[id]
	if !ok {
		return nil, change.ErrNotFound
	}
	return p.Clone(), nil
}

// ClaimNext marks the first eligible change as obtained at now and returns it.
// The whole scan runs under the write lock, so two callers never claim the
// same record.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, excluded []string) (*change.PendingChange, error) {
	skip := make(map[string]struct{}, len(excluded))
	for _, r := range excluded {
		skip[r] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next *change.PendingChange
	for _, p := range s.changes {
		if !p.Eligible(now, skip) {
			continue
		}
		if next == nil || change.ClaimOrder(p, next) {
			next = p
		}
	}
	if next == nil {
		return nil, nil
	}

	obtained := now
	next.ObtainedAt = &obtained
	return next.Clone(), nil
}

func (s *Store) List(ctx context.Context, params change.ListParams) ([]change.PendingChange, error) {
	params, err := params.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	items := make([]change.PendingChange, 0, len(s.changes))
	for _, p := range s.changes {
		if params.Filter.Matches(p) {
			items = append(items, *p.Clone())
		}
	}
	s.mu.RUnlock()

	return change.SortAndPage(items, params), nil
}

func (s *Store) Count(ctx context.Context, filter change.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.changes {
		if filter.Matches(p) {
			n++
		}
	}
	return n, nil
}

// CleanupStale drops permanently failed changes and releases claims obtained
// before staleBefore.
func (s *Store) CleanupStale(ctx context.Context, staleBefore time.Time) (change.CleanupSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum change.CleanupSummary
	for id, p := range s.changes {
		if p.State == change.StateFailedPermanently && p.ObtainedAt == nil {
			delete(s.changes, id)
			sum.Purged++
			continue
		}
		if p.ObtainedAt != nil && p.ObtainedAt.Before(staleBefore) {
			p.ObtainedAt = nil
			sum.Released++
		}
	}
	return sum, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.changes {
		if p.ObtainedAt != nil && p.ObtainedAt.Before(before) {
			p.ObtainedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordAttempt(ctx context.Context, a change.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.mu.Lock()
	s.attempts[a.ChangeID] = append(s.attempts[a.ChangeID], a)
	s.mu.Unlock()
	return nil
}

// ListAttempts returns the most recent attempts first.
func (s *Store) ListAttempts(ctx context.Context, changeID uuid.UUID, limit int) ([]change.Attempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.attempts[changeID]
	out := make([]change.Attempt, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
