package postgres

import (
	"context"
	"database/sql"
	"time"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// AcquireLock is a conditional insert keyed by lock_key. An expired row is
// reclaimed in the same statement so any contender sweeps opportunistically.
func (s *Store) AcquireLock(ctx context.Context, lock domain.ConcurrencyLock) (domain.ConcurrencyLock, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, execution_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
		SET execution_id = EXCLUDED.execution_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE core_concurrency_locks.expires_at <= EXCLUDED.acquired_at
		   OR core_concurrency_locks.execution_id = EXCLUDED.execution_id
	`, lock.LockKey, lock.ExecutionID, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return domain.ConcurrencyLock{}, normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ConcurrencyLock{}, spineerr.LockHeld(lock.LockKey)
	}
	return lock, nil
}

func (s *Store) ReleaseLock(ctx context.Context, lockKey, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_concurrency_locks
		WHERE lock_key = $1 AND execution_id = $2
	`, lockKey, executionID)
	return normalize(err)
}

func (s *Store) GetLock(ctx context.Context, lockKey string) (domain.ConcurrencyLock, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lock_key, execution_id, acquired_at, expires_at
		FROM core_concurrency_locks
		WHERE lock_key = $1
	`, lockKey)

	var lock domain.ConcurrencyLock
	err := row.Scan(&lock.LockKey, &lock.ExecutionID, &lock.AcquiredAt, &lock.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.ConcurrencyLock{}, false, nil
	}
	if err != nil {
		return domain.ConcurrencyLock{}, false, normalize(err)
	}
	lock.AcquiredAt = lock.AcquiredAt.UTC()
	lock.ExpiresAt = lock.ExpiresAt.UTC()
	return lock, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, lockKey, executionID string, newExpiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core_concurrency_locks
		SET expires_at = $3
		WHERE lock_key = $1 AND execution_id = $2 AND expires_at > now()
	`, lockKey, executionID, newExpiresAt)
	return normalize(err)
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM core_concurrency_locks
		WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, normalize(err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Schedule locks share the concurrency-lock shape but live in their own
// table so the Scheduler never contends with execution locks.

func (s *Store) AcquireScheduleLock(ctx context.Context, lock domain.ScheduleLock) (domain.ScheduleLock, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_locks (schedule_name, holder_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schedule_name) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE core_schedule_locks.expires_at <= EXCLUDED.acquired_at
		   OR core_schedule_locks.holder_id = EXCLUDED.holder_id
	`, lock.ScheduleName, lock.HolderID, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return domain.ScheduleLock{}, normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ScheduleLock{}, spineerr.LockHeld(lock.ScheduleName)
	}
	return lock, nil
}

func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleName, holderID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_schedule_locks
		WHERE schedule_name = $1 AND holder_id = $2
	`, scheduleName, holderID)
	return normalize(err)
}
