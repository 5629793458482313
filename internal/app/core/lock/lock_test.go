package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

func TestAcquireIsExclusiveUntilReleased(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	svc := New(memory.New(), frozen)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "finra:T1:2025-12-26", "exec-1", time.Minute)
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "finra:T1:2025-12-26", "exec-2", time.Minute)
	require.Error(t, err)
	require.Equal(t, domain.CategoryConflict, spineerr.Category(err))

	holder, ok, err := svc.Holder(ctx, "finra:T1:2025-12-26")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "exec-1", holder.ExecutionID)

	require.NoError(t, svc.Release(ctx, "finra:T1:2025-12-26", "exec-1"))
	_, err = svc.Acquire(ctx, "finra:T1:2025-12-26", "exec-2", time.Minute)
	require.NoError(t, err)
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	svc := New(memory.New(), frozen)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "finra:T2:2025-12-26", "exec-1", time.Minute)
	require.NoError(t, err)

	frozen.Advance(2 * time.Minute)

	// Acquire sweeps opportunistically, so the expired lock is reclaimed.
	lock, err := svc.Acquire(ctx, "finra:T2:2025-12-26", "exec-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "exec-2", lock.ExecutionID)
}

func TestHeartbeatExtendsHeldLock(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	svc := New(memory.New(), frozen)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "finra:OTC:2025-12-26", "exec-1", time.Minute)
	require.NoError(t, err)

	frozen.Advance(45 * time.Second)
	require.NoError(t, svc.Heartbeat(ctx, "finra:OTC:2025-12-26", "exec-1", time.Minute))

	frozen.Advance(30 * time.Second)
	holder, ok, err := svc.Holder(ctx, "finra:OTC:2025-12-26")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "exec-1", holder.ExecutionID)
}

func TestConcurrencyKeyTemplate(t *testing.T) {
	key := ConcurrencyKey("finra:{tier}:{week_ending}", map[string]any{
		"tier":        "T1",
		"week_ending": "2025-12-26",
		"batch_size":  5000,
	})
	require.Equal(t, "finra:T1:2025-12-26", key)

	require.Equal(t, "", ConcurrencyKey("", map[string]any{"tier": "T1"}))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	svc := New(memory.New(), frozen)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "short", "exec-1", time.Second)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "long", "exec-2", time.Hour)
	require.NoError(t, err)

	frozen.Advance(time.Minute)
	n, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := svc.Holder(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)
}
