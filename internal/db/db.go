package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"agrisync/core-go/internal/sqlcgen"
)

type Pool struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, databaseURL string) (*Pool, error) {
	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Verify connectivity early.
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return &Pool{pool: p}, nil
}

// OpenWithRetry keeps calling Open with exponential backoff until it succeeds,
// maxElapsed passes or ctx is cancelled. The database usually starts alongside
// the service and may not accept connections yet.
func OpenWithRetry(ctx context.Context, log zerolog.Logger, databaseURL string, maxElapsed time.Duration) (*Pool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var pool *Pool
	err := backoff.RetryNotify(func() error {
		p, err := Open(ctx, databaseURL)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("database not reachable yet")
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

func (p *Pool) Queries() *sqlcgen.Queries {
	return sqlcgen.New(p.pool)
}
