package quota

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is the database interface used by PostgresLedger.
// Satisfied by *sql.DB and allows tests to inject a stub.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLedger stores usage in the api_usage table.
type PostgresLedger struct {
	db Querier
}

// NewPostgresLedger constructs a PostgresLedger backed by db.
func NewPostgresLedger(db Querier) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// incrementSQL inserts the first row of a bucket or bumps the existing one and
// returns the new count in the same statement. The row lock taken by ON
// CONFLICT DO UPDATE serialises concurrent increments for one user.
const incrementSQL = `
INSERT INTO api_usage (user_id, hour_bucket, count)
VALUES ($1, date_trunc('hour', now()), 1)
ON CONFLICT (user_id, hour_bucket)
DO UPDATE SET count = api_usage.count + 1
RETURNING count, hour_bucket`

// IncrementAndGet charges one request to identity's current hour bucket.
func (l *PostgresLedger) IncrementAndGet(ctx context.Context, identity string) (Usage, error) {
	if identity == "" {
		return Usage{}, errEmptyIdentity
	}

	var u Usage
	if err := l.db.QueryRowContext(ctx, incrementSQL, identity).Scan(&u.Count, &u.Bucket); err != nil {
		return Usage{}, fmt.Errorf("%w: increment usage: %w", ErrStore, err)
	}
	return u, nil
}
