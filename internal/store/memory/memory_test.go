package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/google/uuid"
)

func newRecord(runAt time.Time, resources ...string) *change.PendingChange {
	return &change.PendingChange{
		ID:        uuid.New(),
		Kind:      "demo",
		State:     change.StateNew,
		Resources: resources,
		CreatedAt: runAt,
		RunAt:     runAt,
	}
}

func TestClaimNextOrderAndExclusion(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()

	later := newRecord(now.Add(-time.Second), "process:2")
	earliest := newRecord(now.Add(-time.Minute), "process:1")
	future := newRecord(now.Add(time.Hour), "process:3")
	for _, r := range []*change.PendingChange{later, earliest, future} {
		if err := st.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := st.ClaimNext(ctx, now, nil)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got == nil || got.ID != earliest.ID {
		t.Fatalf("expected earliest change to be claimed, got %+v", got)
	}
	if got.ObtainedAt == nil || !got.ObtainedAt.Equal(now) {
		t.Fatalf("expected obtained_at to be set to now")
	}

	got, err = st.ClaimNext(ctx, now, []string{"process:2"})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing eligible, got %s", got.ID)
	}

	got, _ = st.ClaimNext(ctx, now, nil)
	if got == nil || got.ID != later.ID {
		t.Fatalf("expected later change to be claimed")
	}
}

func TestClaimNextTieBreakOnCreatedAt(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()

	first := newRecord(now)
	second := newRecord(now)
	second.CreatedAt = now.Add(time.Millisecond)
	_ = st.Save(ctx, second)
	_ = st.Save(ctx, first)

	got, _ := st.ClaimNext(ctx, now, nil)
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected tie broken on created_at")
	}
}

func TestClaimNextConcurrentCallersNeverShare(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()
	for i := 0; i < 50; i++ {
		_ = st.Save(ctx, newRecord(now))
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p, err := st.ClaimNext(ctx, now, nil)
				if err != nil || p == nil {
					return
				}
				mu.Lock()
				seen[p.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("expected 50 distinct claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("change %s claimed %d times", id, n)
		}
	}
}

func TestGetDeleteNotFound(t *testing.T) {
	ctx := context.Background()
	st := New()
	if _, err := st.Get(ctx, uuid.New()); !errors.Is(err, change.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if err := st.Delete(ctx, uuid.New()); !errors.Is(err, change.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if err := st.Save(ctx, &change.PendingChange{}); !errors.Is(err, change.ErrInvalidChange) {
		t.Fatalf("expected ErrInvalidChange for missing id got %v", err)
	}
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()

	for i := 0; i < 3; i++ {
		r := newRecord(now.Add(time.Duration(i)*time.Second), "process:a")
		r.OwnerID = "alice"
		_ = st.Save(ctx, r)
	}
	failed := newRecord(now, "process:b")
	failed.State = change.StateFailedPermanently
	_ = st.Save(ctx, failed)

	n, err := st.Count(ctx, change.Filter{change.FilterOwnerID: "alice"})
	if err != nil || n != 3 {
		t.Fatalf("expected 3 changes for alice, got %d (%v)", n, err)
	}
	n, _ = st.Count(ctx, change.Filter{change.FilterState: string(change.StateFailedPermanently)})
	if n != 1 {
		t.Fatalf("expected 1 failed change, got %d", n)
	}

	items, err := st.List(ctx, change.ListParams{Page: 1, PerPage: 2, Filter: change.Filter{change.FilterResource: "process:a"}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items got %d", len(items))
	}

	if _, err := st.List(ctx, change.ListParams{SortField: "nope"}); !errors.Is(err, change.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery got %v", err)
	}
}

func TestCleanupStaleAndReleaseClaims(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Now()

	failed := newRecord(now)
	failed.State = change.StateFailedPermanently
	_ = st.Save(ctx, failed)

	old := newRecord(now)
	oldClaim := now.Add(-2 * time.Hour)
	old.ObtainedAt = &oldClaim
	_ = st.Save(ctx, old)

	fresh := newRecord(now)
	fresh.ObtainedAt = &now
	_ = st.Save(ctx, fresh)

	sum, err := st.CleanupStale(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if sum.Purged != 1 || sum.Released != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := st.Get(ctx, failed.ID); !errors.Is(err, change.ErrNotFound) {
		t.Fatalf("expected failed change to be purged")
	}
	got, _ := st.Get(ctx, old.ID)
	if got.ObtainedAt != nil {
		t.Fatalf("expected stale claim released")
	}
	got, _ = st.Get(ctx, fresh.ID)
	if got.ObtainedAt == nil {
		t.Fatalf("expected fresh claim kept")
	}

	n, _ := st.ReleaseClaims(ctx, now.Add(time.Second))
	if n != 1 {
		t.Fatalf("expected 1 released claim got %d", n)
	}
}
