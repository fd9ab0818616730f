package change

import (
	"fmt"
	"sort"
	"strings"
)

// Filter is a key/value predicate map. Supported keys are the Filter* constants.
type Filter map[string]string

const (
	FilterKind     = "kind"
	FilterState    = "state"
	FilterOwnerID  = "owner_id"
	FilterResource = "resource"
)

const (
	SortCreatedAt = "created_at"
	SortRunAt     = "run_at"
	SortKind      = "kind"
	SortState     = "state"
	SortOwnerID   = "owner_id"
	SortCount     = "count"
)

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 200
)

func (f Filter) Validate() error {
	for k, v := range f {
		switch k {
		case FilterKind, FilterOwnerID, FilterResource:
		case FilterState:
			if !State(v).Valid() {
				return fmt.Errorf("%w: unknown state %q", ErrInvalidQuery, v)
			}
		default:
			return fmt.Errorf("%w: unsupported filter %q", ErrInvalidQuery, k)
		}
	}
	return nil
}

// Matches reports whether a record satisfies every predicate of the filter.
func (f Filter) Matches(p *PendingChange) bool {
	for k, v := range f {
		switch k {
		case FilterKind:
			if p.Kind != v {
				return false
			}
		case FilterState:
			if string(p.State) != v {
				return false
			}
		case FilterOwnerID:
			if p.OwnerID != v {
				return false
			}
		case FilterResource:
			found := false
			for _, r := range p.Resources {
				if r == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ListParams describes one page of an operator listing. Page is 1-based.
type ListParams struct {
	Page      int
	PerPage   int
	SortDir   string
	SortField string
	Filter    Filter
}

// Normalize fills defaults and rejects unknown sort fields and directions.
func (p ListParams) Normalize() (ListParams, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}

	p.SortDir = strings.ToLower(p.SortDir)
	switch p.SortDir {
	case "":
		p.SortDir = SortAsc
	case SortAsc, SortDesc:
	default:
		return p, fmt.Errorf("%w: sort direction must be asc|desc", ErrInvalidQuery)
	}

	switch p.SortField {
	case "":
		p.SortField = SortCreatedAt
	case SortCreatedAt, SortRunAt, SortKind, SortState, SortOwnerID, SortCount:
	default:
		return p, fmt.Errorf("%w: unsupported sort field %q", ErrInvalidQuery, p.SortField)
	}

	if err := p.Filter.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func (p ListParams) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// SortAndPage orders records per the (normalized) params and returns the
// requested page. Ties are broken on CreatedAt then ID so pages are stable.
func SortAndPage(items []PendingChange, p ListParams) []PendingChange {
	less := fieldLess(p.SortField)
	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		if less(a, b) {
			return p.SortDir != SortDesc
		}
		if less(b, a) {
			return p.SortDir == SortDesc
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	off := p.Offset()
	if off >= len(items) {
		return []PendingChange{}
	}
	end := off + p.PerPage
	if end > len(items) {
		end = len(items)
	}
	return items[off:end]
}

func fieldLess(field string) func(a, b *PendingChange) bool {
	switch field {
	case SortRunAt:
		return func(a, b *PendingChange) bool { return a.RunAt.Before(b.RunAt) }
	case SortKind:
		return func(a, b *PendingChange) bool { return a.Kind < b.Kind }
	case SortState:
		return func(a, b *PendingChange) bool { return a.State < b.State }
	case SortOwnerID:
		return func(a, b *PendingChange) bool { return a.OwnerID < b.OwnerID }
	case SortCount:
		return func(a, b *PendingChange) bool { return a.Count < b.Count }
	default:
		return func(a, b *PendingChange) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
}

// ClaimOrder is the eligibility order: RunAt, then CreatedAt.
func ClaimOrder(a, b *PendingChange) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// CleanupSummary reports what a cleanup pass did.
type CleanupSummary struct {
	Purged   int `json:"purged"`
	Released int `json:"released"`
	Unlocked int `json:"unlocked"`
}

func (s CleanupSummary) String() string {
	return fmt.Sprintf("removed %d permanently failed change(s), released %d stale claim(s), cleared %d resource lock(s)",
		s.Purged, s.Released, s.Unlocked)
}
