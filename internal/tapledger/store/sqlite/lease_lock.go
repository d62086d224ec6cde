package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/tapledger/internal/db"
)

const (
	DefaultLockName = "ingest_cycle"
	DefaultLeaseTTL = 5 * time.Minute
)

// LeaseLock is a CycleLock backed by a row in ingest_locks. A lease that
// outlives its TTL (crashed holder) can be taken over by anyone.
type LeaseLock struct {
	db     *sql.DB
	writer *dbpkg.Writer
	name   string
	ttl    time.Duration
	now    func() time.Time
}

func NewLeaseLock(db *sql.DB, writer *dbpkg.Writer, name string, ttl time.Duration) *LeaseLock {
	if name == "" {
		name = DefaultLockName
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseLock{db: db, writer: writer, name: name, ttl: ttl, now: time.Now}
}

func (l *LeaseLock) TryAcquire(ctx context.Context, holder string) (func(), bool, error) {
	nowMs := l.now().UTC().UnixMilli()
	expiresMs := nowMs + l.ttl.Milliseconds()

	var acquired bool
	err := l.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO ingest_locks(name, holder, acquired_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  holder         = excluded.holder,
  acquired_at_ms = excluded.acquired_at_ms,
  expires_at_ms  = excluded.expires_at_ms
WHERE ingest_locks.expires_at_ms <= ? OR ingest_locks.holder = excluded.holder;
`, l.name, holder, nowMs, expiresMs, nowMs)
		if err != nil {
			return fmt.Errorf("TryAcquire upsert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("TryAcquire rows affected: %w", err)
		}
		acquired = n == 1
		return nil
	})
	if err != nil || !acquired {
		return nil, false, err
	}

	release := func() {
		// Release must happen even when the cycle context was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = l.writer.Do(rctx, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM ingest_locks WHERE name = ? AND holder = ?;`, l.name, holder)
			return err
		})
	}
	return release, true, nil
}

// Holder reports the current lease holder, or "" when the lease is free or
// expired.
func (l *LeaseLock) Holder(ctx context.Context) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx, `
SELECT holder FROM ingest_locks WHERE name = ? AND expires_at_ms > ?;
`, l.name, l.now().UTC().UnixMilli()).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("Holder query: %w", err)
	}
	return holder, nil
}
