package store

import (
	"testing"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
)

func TestFilterClause(t *testing.T) {
	where, args := filterClause(change.Filter{
		change.FilterResource: "process:1",
		change.FilterKind:     "stop_process",
		change.FilterOwnerID:  "ops",
	})

	want := "WHERE kind = $1 AND owner_id = $2 AND $3 = ANY(resources)"
	if where != want {
		t.Fatalf("expected %q got %q", want, where)
	}
	if len(args) != 3 || args[0] != "stop_process" || args[1] != "ops" || args[2] != "process:1" {
		t.Fatalf("unexpected args %v", args)
	}

	where, args = filterClause(nil)
	if where != "" || args != nil {
		t.Fatalf("expected empty clause, got %q %v", where, args)
	}
}

func TestSortColumnsCoverEverySortField(t *testing.T) {
	for _, f := range []string{
		change.SortCreatedAt, change.SortRunAt, change.SortKind,
		change.SortState, change.SortOwnerID, change.SortCount,
	} {
		if _, ok := sortColumns[f]; !ok {
			t.Fatalf("missing column for sort field %q", f)
		}
	}
}
