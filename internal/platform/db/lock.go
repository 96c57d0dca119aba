package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serializes work on a key across processes with session-level
// Postgres advisory locks.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks until the lock for key is held. The lock's connection is
// pinned to the returned context, so work done with it shares the session.
// The returned function releases the lock and the connection.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		return ctx, nil, fmt.Errorf("advisory lock %q: %w", key, err)
	}
	return WithConn(ctx, conn), func() {
		// The session lock dies with the connection if unlock fails.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}
