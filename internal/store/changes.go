package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const changeColumns = `id, kind, payload, resources, description, owner_id, state, attempt_count,
       max_retry_count, retry_interval_ms, created_at, run_at, obtained_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*change.PendingChange, error) {
	var (
		p          change.PendingChange
		state      string
		intervalMS int64
	)
	err := row.Scan(
		&p.ID, &p.Kind, &p.Payload, &p.Resources, &p.Description, &p.OwnerID, &state, &p.Count,
		&p.MaxRetryCount, &intervalMS, &p.CreatedAt, &p.RunAt, &p.ObtainedAt, &p.LastError,
	)
	if err != nil {
		return nil, err
	}
	p.State = change.State(state)
	p.RetryInterval = time.Duration(intervalMS) * time.Millisecond
	return &p, nil
}

// Save inserts the change or overwrites every mutable column of an existing one.
func (s *Store) Save(ctx context.Context, p *change.PendingChange) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", change.ErrInvalidChange)
	}
	q := `
INSERT INTO pending_changes (id, kind, payload, resources, description, owner_id, state, attempt_count,
                             max_retry_count, retry_interval_ms, created_at, run_at, obtained_at, last_error)
VALUES ($1, $2, $3::jsonb, $4::text[], $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state,
    attempt_count = EXCLUDED.attempt_count,
    run_at = EXCLUDED.run_at,
    obtained_at = EXCLUDED.obtained_at,
    last_error = EXCLUDED.last_error;
`
	payload := []byte(p.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	resources := p.Resources
	if resources == nil {
		resources = []string{}
	}

	_, err := s.db.Exec(ctx, q,
		p.ID, p.Kind, payload, resources, p.Description, p.OwnerID, string(p.State), p.Count,
		p.MaxRetryCount, p.RetryInterval.Milliseconds(), p.CreatedAt, p.RunAt, p.ObtainedAt, p.LastError,
	)
	return err
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_changes WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return change.ErrNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*change.PendingChange, error) {
	q := `SELECT ` + changeColumns + ` FROM pending_changes WHERE id = $1;`

	p, err := scanChange(s.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, change.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ClaimNext marks the oldest eligible change as obtained and returns it, or
// nil when nothing is eligible. The row lock taken by the sub-select makes
// concurrent claimers skip the row instead of claiming it twice.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, excluded []string) (*change.PendingChange, error) {
	q := `
UPDATE pending_changes
SET obtained_at = $1
WHERE id = (
    SELECT id
    FROM pending_changes
    WHERE run_at <= $1
      AND obtained_at IS NULL
      AND state IN ('new', 'failed_temporary')
      AND NOT (resources && $2::text[])
    ORDER BY run_at, created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + changeColumns + `;`

	if excluded == nil {
		excluded = []string{}
	}
	p, err := scanChange(s.db.QueryRow(ctx, q, now, excluded))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

var sortColumns = map[string]string{
	change.SortCreatedAt: "created_at",
	change.SortRunAt:     "run_at",
	change.SortKind:      "kind",
	change.SortState:     "state",
	change.SortOwnerID:   "owner_id",
	change.SortCount:     "attempt_count",
}

// filterClause turns a validated filter into a WHERE clause with positional
// arguments. Keys are iterated in a fixed order so the SQL text is stable.
func filterClause(f change.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond, value string) {
		args = append(args, value)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if v, ok := f[change.FilterKind]; ok {
		add("kind = ?", v)
	}
	if v, ok := f[change.FilterState]; ok {
		add("state = ?", v)
	}
	if v, ok := f[change.FilterOwnerID]; ok {
		add("owner_id = ?", v)
	}
	if v, ok := f[change.FilterResource]; ok {
		add("? = ANY(resources)", v)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) List(ctx context.Context, params change.ListParams) ([]change.PendingChange, error) {
	params, err := params.Normalize()
	if err != nil {
		return nil, err
	}

	where, args := filterClause(params.Filter)
	dir := "ASC"
	if params.SortDir == change.SortDesc {
		dir = "DESC"
	}
	args = append(args, params.PerPage, params.Offset())

	q := fmt.Sprintf(`
SELECT %s
FROM pending_changes
%s
ORDER BY %s %s, created_at, id
LIMIT $%d OFFSET $%d;
`, changeColumns, where, sortColumns[params.SortField], dir, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]change.PendingChange, 0, params.PerPage)
	for rows.Next() {
		p, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, filter change.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := filterClause(filter)

	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM pending_changes `+where+`;`, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CleanupStale removes permanently failed changes and releases claims that
// were obtained before staleBefore, in one transaction.
func (s *Store) CleanupStale(ctx context.Context, staleBefore time.Time) (change.CleanupSummary, error) {
	var sum change.CleanupSummary

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return sum, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM pending_changes WHERE state = 'failed_permanently' AND obtained_at IS NULL;`)
	if err != nil {
		return sum, fmt.Errorf("purge failed changes: %w", err)
	}
	sum.Purged = int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, `UPDATE pending_changes SET obtained_at = NULL WHERE obtained_at < $1;`, staleBefore)
	if err != nil {
		return sum, fmt.Errorf("release stale claims: %w", err)
	}
	sum.Released = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return change.CleanupSummary{}, err
	}
	return sum, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `UPDATE pending_changes SET obtained_at = NULL WHERE obtained_at < $1;`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
