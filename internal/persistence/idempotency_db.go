package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresDedupChecker implements the cold-path dedup lookup against the
// event log.
type PostgresDedupChecker struct {
	db *sql.DB
}

func NewPostgresDedupChecker(db *sql.DB) *PostgresDedupChecker {
	return &PostgresDedupChecker{
		db: db,
	}
}

// IsDuplicate checks if the operation exists in the Postgres event log.
func (c *PostgresDedupChecker) IsDuplicate(opType string, opID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM margin.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := c.db.QueryRowContext(ctx, query, opType, opID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
