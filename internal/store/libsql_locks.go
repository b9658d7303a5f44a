package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AcquireLock takes the named lock for holder until expiresAt. It succeeds when no
// row exists or the current lease expired at or before now; every successful
// acquisition increments the fence. acquired=false is contention, not an error.
func (s *LibSQLStore) AcquireLock(ctx context.Context, name, holder string, now, expiresAt time.Time) (*LockRow, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO locks (name, holder, fence, acquired_at, expires_at) VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, fence = locks.fence + 1,
		   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= excluded.acquired_at`,
		name, holder, ms(now), ms(expiresAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	row, err := scanLock(tx.QueryRowContext(ctx,
		`SELECT name, holder, fence, acquired_at, expires_at FROM locks WHERE name = ?`, name))
	if err != nil {
		return nil, false, fmt.Errorf("read lock %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit lock %s: %w", name, err)
	}
	return row, true, nil
}

// ReleaseLock pulls the lease expiry forward to at. The row is kept; only the
// (holder, fence) that acquired it can release it.
func (s *LibSQLStore) ReleaseLock(ctx context.Context, name, holder string, fence int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = MIN(expires_at, ?) WHERE name = ? AND holder = ? AND fence = ?`,
		ms(at), name, holder, fence,
	)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) GetLock(ctx context.Context, name string) (*LockRow, error) {
	row, err := scanLock(s.db.QueryRowContext(ctx,
		`SELECT name, holder, fence, acquired_at, expires_at FROM locks WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("lock", name)
	}
	return row, err
}

func scanLock(sc scanner) (*LockRow, error) {
	l := &LockRow{}
	var acquired, expires int64
	if err := sc.Scan(&l.Name, &l.Holder, &l.Fence, &acquired, &expires); err != nil {
		return nil, err
	}
	l.AcquiredAt = fromMs(acquired)
	l.ExpiresAt = fromMs(expires)
	return l, nil
}
