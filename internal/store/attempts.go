package store

import (
	"context"
	"errors"

	"github.com/flexiblepower/defpi-core-sub002/internal/change"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrAttemptExists = errors.New("attempt already recorded")

func (s *Store) RecordAttempt(ctx context.Context, a change.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	q := `
INSERT INTO change_attempts (id, change_id, attempt, result, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err := s.db.Exec(ctx, q, a.ID, a.ChangeID, a.Attempt, a.Result, a.Error, a.StartedAt, a.FinishedAt)
	if err != nil {
		// (change_id, attempt) is unique; a replayed attempt is not an error worth retrying.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAttemptExists
		}
		return err
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, changeID uuid.UUID, limit int) ([]change.Attempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `
SELECT id, change_id, attempt, result, error, started_at, finished_at
FROM change_attempts
WHERE change_id = $1
ORDER BY attempt DESC
LIMIT $2;
`
	rows, err := s.db.Query(ctx, q, changeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]change.Attempt, 0, limit)
	for rows.Next() {
		var a change.Attempt
		if err := rows.Scan(&a.ID, &a.ChangeID, &a.Attempt, &a.Result, &a.Error, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
