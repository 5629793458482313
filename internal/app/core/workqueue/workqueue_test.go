package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

func newTestQueue(t *testing.T, c clock.Clock) *Queue {
	t.Helper()
	store := memory.New()
	backoff := ledger.RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Cap: time.Second}
	return New(store, c, 5*time.Second, backoff, nil)
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	c := clock.NewFrozen(time.Now())
	q := newTestQueue(t, c)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "finra.otc", "ingest_week", "2025-12-26", nil, c.Now(), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, "finra.otc", "ingest_week", "2025-12-26", nil, c.Now(), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

// TestLeaseReclaim: a crashed worker's lease
// expires and the item becomes leasable again with attempt_count unchanged.
func TestLeaseReclaim(t *testing.T) {
	c := clock.NewFrozen(time.Now())
	store := memory.New()
	q := New(store, c, 5*time.Second, ledger.RetryPolicy{MaxRetries: 3, Base: time.Millisecond}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "finra.otc", "ingest_week", "p1", nil, c.Now(), EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	leased, ok, err := q.Lease(ctx, "worker-a", spinestorage.WorkItemFilter{Domain: "finra.otc", Pipeline: "ingest_week"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.WorkItemLeased, leased.State)

	c.Advance(6 * time.Second)

	reclaimed, err := q.Reclaim(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, domain.WorkItemPending, reclaimed[0].State)
	require.Equal(t, 0, reclaimed[0].AttemptCount)

	leasedAgain, ok, err := q.Lease(ctx, "worker-b", spinestorage.WorkItemFilter{Domain: "finra.otc", Pipeline: "ingest_week"})
	require.NoError(t, err)
	require.True(t, ok)

	completed, err := q.Complete(ctx, leasedAgain.ID, "exec-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkItemCompleted, completed.State)
}

func TestFailSchedulesBackoffUntilDead(t *testing.T) {
	c := clock.NewFrozen(time.Now())
	store := memory.New()
	q := New(store, c, 5*time.Second, ledger.RetryPolicy{MaxRetries: 5, Base: time.Millisecond}, nil)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "finra.otc", "ingest_week", "p2", nil, c.Now(), EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	failed, err := q.Fail(ctx, item, "boom", true)
	require.NoError(t, err)
	require.Equal(t, domain.WorkItemPending, failed.State)
	require.Equal(t, 1, failed.AttemptCount)

	failed, err = q.Fail(ctx, failed, "boom again", true)
	require.NoError(t, err)
	require.Equal(t, domain.WorkItemDead, failed.State)
}
