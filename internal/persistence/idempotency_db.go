package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier: it looks a request
// id up in the event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether any envelope carries requestID
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE request_id = $1
		LIMIT 1
	`, requestID).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentRequestIDs returns up to limit distinct request ids, oldest first,
// for warming the in-memory tier on start.
func (pic *PostgresIdempotencyChecker) RecentRequestIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT request_id FROM (
			SELECT request_id, MAX(sequence) AS seq
			FROM event_log.events
			WHERE request_id IS NOT NULL
			GROUP BY request_id
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
