package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	commonerrors "catalog-cache/internal/common/errors"
)

// fetchQuery selects only the cached projection, not the full product row.
const fetchQuery = `SELECT id, name, price_cents, currency, updated_at FROM products WHERE id = $1`

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the source-of-truth database and verifies the
// connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, commonerrors.ConfigError("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, commonerrors.ConnectionError("failed to create postgres pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, commonerrors.ConnectionError("failed to connect to postgres", err)
	}

	return &Postgres{pool: pool}, nil
}

// FetchByID returns the cached projection for one product, or (nil, nil)
// when the product does not exist.
func (p *Postgres) FetchByID(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, fetchQuery, id).Scan(
		&rec.ID, &rec.Name, &rec.PriceCents, &rec.Currency, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, commonerrors.InternalError("failed to fetch product", err).WithContext("id", id)
	}
	return &rec, nil
}

// Ping verifies the database is reachable, for the ops health check.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
