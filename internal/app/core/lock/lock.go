// Package lock implements the named, TTL-bound concurrency lock service.
package lock

import (
	"context"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

// Service grants and releases named mutual-exclusion locks.
type Service struct {
	store spinestorage.LockStore
	clock clock.Clock
}

// New constructs a lock Service.
func New(store spinestorage.LockStore, c clock.Clock) *Service {
	return &Service{store: store, clock: c}
}

// Acquire attempts a conditional insert for lockKey. On conflict it
// returns an empty lock and a conflict error; the holder's execution ID
// is not returned here (Holder looks it up).
func (s *Service) Acquire(ctx context.Context, lockKey, executionID string, ttl time.Duration) (domain.ConcurrencyLock, error) {
	s.sweepOpportunistically(ctx)

	now := s.clock.Now()
	lock := domain.ConcurrencyLock{
		LockKey:     lockKey,
		ExecutionID: executionID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	return s.store.AcquireLock(ctx, lock)
}

// Release deletes the lock if held by executionID; idempotent otherwise.
func (s *Service) Release(ctx context.Context, lockKey, executionID string) error {
	return s.store.ReleaseLock(ctx, lockKey, executionID)
}

// Holder returns the current lock holder, if any live lock exists.
func (s *Service) Holder(ctx context.Context, lockKey string) (domain.ConcurrencyLock, bool, error) {
	lock, ok, err := s.store.GetLock(ctx, lockKey)
	if err != nil || !ok {
		return domain.ConcurrencyLock{}, ok, err
	}
	if s.clock.Now().After(lock.ExpiresAt) {
		return domain.ConcurrencyLock{}, false, nil
	}
	return lock, true, nil
}

// Heartbeat extends a held lock's expires_at in place.
func (s *Service) Heartbeat(ctx context.Context, lockKey, executionID string, ttl time.Duration) error {
	return s.store.Heartbeat(ctx, lockKey, executionID, s.clock.Now().Add(ttl))
}

// Sweep deletes every expired lock and returns how many were removed. A
// background sweeper calls this periodically; any contender may also call
// it opportunistically during Acquire.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.SweepExpired(ctx, s.clock.Now())
}

func (s *Service) sweepOpportunistically(ctx context.Context) {
	_, _ = s.store.SweepExpired(ctx, s.clock.Now())
}

// ConcurrencyKey fills a colon-separated template (e.g.
// "finra:{tier}:{week_ending}") with values drawn from canonical params,
// so each pipeline's mutual-exclusion scope is data-driven.
func ConcurrencyKey(template string, params map[string]any) string {
	if template == "" {
		return ""
	}
	out := template
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = strings.ReplaceAll(out, "{"+k+"}", s)
	}
	return out
}
