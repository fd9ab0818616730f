// Package etcdstore persists pending changes as JSON documents in etcd.
//
// Every change lives under "<prefix><id>". Claiming is optimistic: the
// candidate is rewritten inside a transaction that compares the key's
// ModRevision with the revision that was read, so of two concurrent claimers
// only one can succeed.
package etcdstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "pending_changes/"

type Store struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
}

// New connects to the etcd cluster. timeout bounds both the dial and every
// individual operation.
func New(endpoints []string, timeout time.Duration, prefix string) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return NewWithClient(cli, timeout, prefix), nil
}

func NewWithClient(cli *clientv3.Client, timeout time.Duration, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{client: cli, prefix: prefix, timeout: timeout}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id uuid.UUID) string {
	return s.prefix + id.String()
}

type entry struct {
	change *change.PendingChange
	key    string
	rev    int64
}

func (s *Store) Save(ctx context.Context, p *change.PendingChange) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", change.ErrInvalidChange)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(p.ID), string(data)); err != nil {
		return fmt.Errorf("failed to save change %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Delete(ctx, s.key(id))
	if err != nil {
		return fmt.Errorf("failed to delete change %s: %w", id, err)
	}
	if resp.Deleted == 0 {
		return change.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*change.PendingChange, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get change: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, change.ErrNotFound
	}

	var p change.PendingChange
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return &p, nil
}

// all loads every change under the prefix together with its ModRevision.
func (s *Store) all(ctx context.Context) ([]entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	out := make([]entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p change.PendingChange
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change %s: %w", kv.Key, err)
		}
		out = append(out, entry{change: &p, key: string(kv.Key), rev: kv.ModRevision})
	}
	return out, nil
}

// swap rewrites an entry only if nobody touched it since it was read.
func (s *Store) swap(ctx context.Context, e entry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(e.change)
	if err != nil {
		return false, fmt.Errorf("failed to marshal change: %w", err)
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(e.key), "=", e.rev)).
		Then(clientv3.OpPut(e.key, string(data))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to update change atomically: %w", err)
	}
	return resp.Succeeded, nil
}

func (s *Store) ClaimNext(ctx context.Context, now time.Time, excluded []string) (*change.PendingChange, error) {
	skip := make(map[string]struct{}, len(excluded))
	for _, r := range excluded {
		skip[r] = struct{}{}
	}

	entries, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	candidates := entries[:0]
	for _, e := range entries {
		if e.change.Eligible(now, skip) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return change.ClaimOrder(candidates[i].change, candidates[j].change)
	})

	for _, e := range candidates {
		obtained := now
		e.change.ObtainedAt = &obtained
		ok, err := s.swap(ctx, e)
		if err != nil {
			return nil, err
		}
		if ok {
			return e.change, nil
		}
		// Lost the race for this one; the next candidate may still be free.
	}
	return nil, nil
}

func (s *Store) List(ctx context.Context, params change.ListParams) ([]change.PendingChange, error) {
	params, err := params.Normalize()
	if err != nil {
		return nil, err
	}
	entries, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]change.PendingChange, 0, len(entries))
	for _, e := range entries {
		if params.Filter.Matches(e.change) {
			items = append(items, *e.change)
		}
	}
	return change.SortAndPage(items, params), nil
}

func (s *Store) Count(ctx context.Context, filter change.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	entries, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if filter.Matches(e.change) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CleanupStale(ctx context.Context, staleBefore time.Time) (change.CleanupSummary, error) {
	var sum change.CleanupSummary

	entries, err := s.all(ctx)
	if err != nil {
		return sum, err
	}
	for _, e := range entries {
		p := e.change
		switch {
		case p.State == change.StateFailedPermanently && p.ObtainedAt == nil:
			ok, err := s.deleteIfUnchanged(ctx, e)
			if err != nil {
				return sum, err
			}
			if ok {
				sum.Purged++
			}
		case p.ObtainedAt != nil && p.ObtainedAt.Before(staleBefore):
			p.ObtainedAt = nil
			ok, err := s.swap(ctx, e)
			if err != nil {
				return sum, err
			}
			if ok {
				sum.Released++
			}
		}
	}
	return sum, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, before time.Time) (int, error) {
	entries, err := s.all(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.change.ObtainedAt == nil || !e.change.ObtainedAt.Before(before) {
			continue
		}
		e.change.ObtainedAt = nil
		ok, err := s.swap(ctx, e)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *Store) deleteIfUnchanged(ctx context.Context, e entry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(e.key), "=", e.rev)).
		Then(clientv3.OpDelete(e.key)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("failed to delete change atomically: %w", err)
	}
	return resp.Succeeded, nil
}
