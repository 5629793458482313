package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/capture"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workqueue"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

// faultyQueue fails Enqueue for the configured partition keys and
// delegates everything else to the real queue.
type faultyQueue struct {
	inner *workqueue.Queue
	fail  map[string]bool
}

func (q *faultyQueue) Enqueue(ctx context.Context, domainName, pipeline, partitionKey string, params map[string]any, desiredAt time.Time, opts workqueue.EnqueueOptions) (domain.WorkItem, error) {
	if q.fail[partitionKey] {
		return domain.WorkItem{}, errors.New("queue unavailable")
	}
	return q.inner.Enqueue(ctx, domainName, pipeline, partitionKey, params, desiredAt, opts)
}

func newTestPlanner(t *testing.T, c clock.Clock, fail map[string]bool) (*Planner, *memory.Store, *faultyQueue) {
	t.Helper()
	store := memory.New()
	queue := workqueue.New(store, c, 5*time.Second, ledger.RetryPolicy{MaxRetries: 2, Base: time.Millisecond, Cap: time.Second}, nil)
	fq := &faultyQueue{inner: queue, fail: fail}
	capt := capture.New(store, c, capture.Config{}, nil)
	p := New(store, store, fq, capt, c, nil)
	p.RegisterPartitionTemplate("finra.otc_transparency", Weekly(time.Friday))
	return p, store, fq
}

func TestWeeklyPartitionExpansion(t *testing.T) {
	fn := Weekly(time.Friday)
	keys := fn(
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	)
	require.Equal(t, []string{"2025-01-03", "2025-01-10", "2025-01-17", "2025-01-24", "2025-01-31"}, keys)
}

func TestPlanSubtractsManifestedPartitions(t *testing.T) {
	c := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	p, store, _ := newTestPlanner(t, c, nil)
	ctx := context.Background()

	// Two of the five weeks already landed at the terminal stage.
	for _, key := range []string{"2025-01-03", "2025-01-17"} {
		_, err := store.UpsertManifest(ctx, domain.Manifest{
			Domain:       "finra.otc_transparency",
			PartitionKey: key,
			Stage:        "aggregate",
			ExecutionID:  "exec-seed",
			UpdatedAt:    c.Now(),
		})
		require.NoError(t, err)
	}

	plan, err := p.Plan(ctx, "finra.otc_transparency", "finra",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Config{TerminalStage: "aggregate"})
	require.NoError(t, err)
	require.Equal(t, domain.BackfillPlanned, plan.Status)
	require.Equal(t, []string{"2025-01-10", "2025-01-24", "2025-01-31"}, plan.PartitionKeys)
	require.Equal(t, "2025-01-10", plan.Checkpoint)
}

func TestExecuteDrainsAndResumes(t *testing.T) {
	c := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	fail := map[string]bool{"2025-01-17": true}
	p, store, fq := newTestPlanner(t, c, fail)
	ctx := context.Background()

	plan, err := p.Plan(ctx, "finra.otc_transparency", "finra",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Config{TerminalStage: "aggregate"})
	require.NoError(t, err)
	require.Len(t, plan.PartitionKeys, 5)

	cfg := Config{TerminalStage: "aggregate", Pipeline: "finra.otc.ingest_week", DrainPerSecond: 10_000, MaxAttempts: 3}
	executed, err := p.Execute(ctx, plan.PlanID, cfg)
	require.NoError(t, err)
	require.Equal(t, domain.BackfillFailed, executed.Status)
	require.Len(t, executed.CompletedKeys, 4)
	require.Contains(t, executed.FailedKeys, "2025-01-17")
	require.InDelta(t, 80.0, executed.ProgressPct, 0.01)

	// The failed week stays failed on resume unless explicitly retried.
	resumed, err := p.RetryFailed(ctx, plan.PlanID)
	require.NoError(t, err)
	require.Equal(t, "2025-01-17", resumed.Checkpoint)

	fq.fail = nil
	finished, err := p.Execute(ctx, plan.PlanID, cfg)
	require.NoError(t, err)
	require.Equal(t, domain.BackfillCompleted, finished.Status)
	require.Len(t, finished.CompletedKeys, 5)
	require.Empty(t, finished.FailedKeys)
	require.InDelta(t, 100.0, finished.ProgressPct, 0.01)

	// Every completed key landed as a pending work item.
	items, err := store.ListWorkItems(ctx, spinestorage.WorkItemFilter{Domain: "finra.otc_transparency"})
	require.NoError(t, err)
	require.Len(t, items, 5)
}

func TestRewindRecordsAnomaly(t *testing.T) {
	c := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	p, store, _ := newTestPlanner(t, c, nil)
	ctx := context.Background()

	base := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	_, err := p.AdvanceWatermark(ctx, "finra.otc_transparency", "finra", "T1", base, nil)
	require.NoError(t, err)

	w, err := p.RewindWatermark(ctx, "finra.otc_transparency", "finra", "T1", base.AddDate(0, 0, -14), "reprocess bad capture")
	require.NoError(t, err)
	require.True(t, w.HighWater.Before(base))

	anomalies, err := store.ListAnomalies(ctx, "finra.otc_transparency", true)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.Equal(t, "watermark_rewind", anomalies[0].Category)
}
