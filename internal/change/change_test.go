package change

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

type echoChange struct {
	Target string `json:"target"`
}

func (e *echoChange) Kind() string { return "echo" }
func (e *echoChange) Execute(ctx context.Context) error { return nil }
func (e *echoChange) Description() string { return "echo " + e.Target }
func (e *echoChange) Resources() []string { return []string{"process:" + e.Target} }
func (e *echoChange) MaxRetryCount() int { return 3 }
func (e *echoChange) RetryInterval() time.Duration { return time.Second }

func TestResultOf(t *testing.T) {
	cases := []struct {
		err  error
		want Result
	}{
		{nil, Success},
		{errors.New("unreachable"), FailedTemporary},
		{Permanent(errors.New("bad config")), FailedPermanently},
		{fmt.Errorf("wrapped: %w", Permanent(errors.New("gone"))), FailedPermanently},
	}
	for _, tc := range cases {
		if got := ResultOf(tc.err); got != tc.want {
			t.Fatalf("ResultOf(%v): expected %s got %s", tc.err, tc.want, got)
		}
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}

func TestRegistryNewAndDecode(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func() Change { return &echoChange{} })

	c, err := r.New("echo", json.RawMessage(`{"target":"p1"}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Description() != "echo p1" {
		t.Fatalf("unexpected description %q", c.Description())
	}

	rec := &PendingChange{Kind: "echo", Payload: json.RawMessage(`{"target":"p2"}`)}
	d, err := r.Decode(rec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Resources()[0] != "process:p2" {
		t.Fatalf("unexpected resources %v", d.Resources())
	}

	if _, err := r.New("missing", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind got %v", err)
	}
	if _, err := r.New("echo", json.RawMessage(`{"target":`)); !errors.Is(err, ErrInvalidChange) {
		t.Fatalf("expected ErrInvalidChange got %v", err)
	}
	if kinds := r.Kinds(); len(kinds) != 1 || kinds[0] != "echo" {
		t.Fatalf("unexpected kinds %v", kinds)
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	p := &PendingChange{State: StateNew, RunAt: now, Resources: []string{"a", "b"}}

	if !p.Eligible(now, nil) {
		t.Fatalf("expected eligible at run_at")
	}
	if p.Eligible(now.Add(-time.Millisecond), nil) {
		t.Fatalf("expected not eligible before run_at")
	}
	if p.Eligible(now, map[string]struct{}{"b": {}}) {
		t.Fatalf("expected resource overlap to exclude")
	}

	p.ObtainedAt = &now
	if p.Eligible(now, nil) {
		t.Fatalf("expected claimed record to be ineligible")
	}
	p.ObtainedAt = nil
	p.State = StateFailedPermanently
	if p.Eligible(now, nil) {
		t.Fatalf("expected permanently failed record to be ineligible")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	msg := "boom"
	p := &PendingChange{Resources: []string{"a"}, Payload: json.RawMessage(`{}`), ObtainedAt: &now, LastError: &msg}
	c := p.Clone()
	c.Resources[0] = "z"
	*c.ObtainedAt = now.Add(time.Hour)
	*c.LastError = "other"
	if p.Resources[0] != "a" || !p.ObtainedAt.Equal(now) || *p.LastError != "boom" {
		t.Fatalf("clone shares memory with original")
	}
}

func TestListParamsNormalize(t *testing.T) {
	p, err := ListParams{PerPage: 1000, SortDir: "DESC"}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Page != 1 || p.PerPage != MaxPerPage || p.SortDir != SortDesc || p.SortField != SortCreatedAt {
		t.Fatalf("unexpected normalized params %+v", p)
	}

	bad := []ListParams{
		{SortDir: "sideways"},
		{SortField: "payload"},
		{Filter: Filter{"color": "red"}},
		{Filter: Filter{FilterState: "running"}},
	}
	for _, b := range bad {
		if _, err := b.Normalize(); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("expected ErrInvalidQuery for %+v got %v", b, err)
		}
	}
}

func TestFilterMatches(t *testing.T) {
	p := &PendingChange{Kind: "start_process", State: StateNew, OwnerID: "alice", Resources: []string{"process:1"}}

	if !(Filter{FilterKind: "start_process", FilterResource: "process:1"}).Matches(p) {
		t.Fatalf("expected match")
	}
	if (Filter{FilterOwnerID: "bob"}).Matches(p) {
		t.Fatalf("expected owner mismatch")
	}
	if (Filter{FilterResource: "process:2"}).Matches(p) {
		t.Fatalf("expected resource mismatch")
	}
}

func TestSortAndPage(t *testing.T) {
	base := time.Now()
	items := make([]PendingChange, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, PendingChange{
			ID:        uuid.New(),
			Count:     4 - i,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	p, _ := ListParams{Page: 2, PerPage: 2, SortField: SortCount}.Normalize()
	page := SortAndPage(append([]PendingChange(nil), items...), p)
	if len(page) != 2 || page[0].Count != 2 || page[1].Count != 3 {
		t.Fatalf("unexpected page %+v", page)
	}

	p, _ = ListParams{Page: 1, PerPage: 10, SortDir: SortDesc}.Normalize()
	page = SortAndPage(append([]PendingChange(nil), items...), p)
	if !page[0].CreatedAt.Equal(items[4].CreatedAt) {
		t.Fatalf("expected newest first")
	}

	p, _ = ListParams{Page: 9}.Normalize()
	if got := SortAndPage(items, p); len(got) != 0 {
		t.Fatalf("expected empty page got %d", len(got))
	}
}

func TestClaimOrderTieBreak(t *testing.T) {
	now := time.Now()
	a := &PendingChange{ID: uuid.New(), RunAt: now, CreatedAt: now}
	b := &PendingChange{ID: uuid.New(), RunAt: now, CreatedAt: now.Add(time.Millisecond)}
	if !ClaimOrder(a, b) || ClaimOrder(b, a) {
		t.Fatalf("expected created_at tie-break")
	}
}
