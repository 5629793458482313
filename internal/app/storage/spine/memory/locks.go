package memory

import (
	"context"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
)

type lockRow struct {
	lock domain.ConcurrencyLock
}

func (s *Store) AcquireLock(ctx context.Context, lock domain.ConcurrencyLock) (domain.ConcurrencyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[lock.LockKey]; ok {
		if existing.lock.ExpiresAt.After(lock.AcquiredAt) {
			return domain.ConcurrencyLock{}, spineerr.LockHeld(lock.LockKey)
		}
	}
	s.locks[lock.LockKey] = lockRow{lock: lock}
	return lock, nil
}

func (s *Store) ReleaseLock(ctx context.Context, lockKey, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.locks[lockKey]
	if !ok {
		return nil
	}
	if row.lock.ExecutionID != executionID {
		return nil
	}
	delete(s.locks, lockKey)
	return nil
}

func (s *Store) GetLock(ctx context.Context, lockKey string) (domain.ConcurrencyLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.locks[lockKey]
	if !ok {
		return domain.ConcurrencyLock{}, false, nil
	}
	return row.lock, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, lockKey, executionID string, newExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.locks[lockKey]
	if !ok || row.lock.ExecutionID != executionID {
		return nil
	}
	row.lock.ExpiresAt = newExpiresAt
	s.locks[lockKey] = row
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, row := range s.locks {
		if now.After(row.lock.ExpiresAt) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}
