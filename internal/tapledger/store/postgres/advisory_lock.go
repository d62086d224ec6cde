package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock is a CycleLock on a session-level pg_try_advisory_lock. The
// lock lives on one pooled connection for the whole cycle, so it is dropped
// by the server if this process dies.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	key  int64
}

// NewAdvisoryLock derives a stable lock key from name.
func NewAdvisoryLock(pool *pgxpool.Pool, name string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte("tapledger:" + name))
	return &AdvisoryLock{pool: pool, key: int64(h.Sum64())}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context, _ string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("TryAcquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("TryAcquire advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		var unlocked bool
		if err := conn.QueryRow(rctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked); err != nil || !unlocked {
			// Closing the session is the only other way to drop the lock.
			_ = conn.Conn().Close(rctx)
		}
		conn.Release()
	}
	return release, true, nil
}
