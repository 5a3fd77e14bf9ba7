package interview

import "github.com/jackc/pgx/v5/pgxpool"

// NewProvider returns a Postgres provider when a pool is configured, otherwise
// the seeded in-memory provider.
func NewProvider(pool *pgxpool.Pool) Provider {
	if pool == nil {
		return NewInMemoryProvider()
	}
	return NewPostgresProvider(pool)
}
