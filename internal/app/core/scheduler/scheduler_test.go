package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

type fakeSubmitter struct {
	calls []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, pipeline string, params map[string]any, opts dispatcher.SubmitOptions) (domain.Execution, error) {
	f.calls = append(f.calls, opts.IdempotencyKey)
	return domain.Execution{ID: "exec-" + opts.IdempotencyKey, Pipeline: pipeline}, nil
}

// TestMisfireCoalescing: a process down from
// Monday 07:59 to 11:00 UTC must record one missed run for 08:00 (grace
// exceeded) rather than a flood of coalesced ticks, and compute next_run_at
// as the following Monday.
func TestMisfireCoalescing(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	monday0759 := time.Date(2025, 12, 22, 7, 59, 0, 0, time.UTC) // Monday
	_, err := store.UpsertSchedule(ctx, domain.Schedule{
		Name:                "finra.weekly",
		TargetType:          domain.TargetPipeline,
		Target:              "finra.otc.ingest_week",
		ScheduleType:        domain.ScheduleCron,
		Expression:          "0 8 * * 1",
		Timezone:            "UTC",
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: 900,
		NextRunAt:           timePtr(time.Date(2025, 12, 22, 8, 0, 0, 0, time.UTC)),
		LastRunAt:           &monday0759,
	})
	require.NoError(t, err)

	submitter := &fakeSubmitter{}
	frozenNow := time.Date(2025, 12, 22, 11, 0, 0, 0, time.UTC)
	c := clock.NewFrozen(frozenNow)
	s := New(store, c, Config{Tick: time.Second, DefaultMisfireGraceSeconds: 900, MaxLookbackWeeks: 12}, submitter, nil, nil)

	s.Tick(ctx)

	require.Empty(t, submitter.calls, "grace window exceeded; no run should be submitted")

	runs, err := store.ListScheduleRuns(ctx, "finra.weekly", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, domain.ScheduleRunMissed, runs[0].Status)
	require.Equal(t, "outside_grace", runs[0].SkipReason)

	updated, ok, err := store.GetSchedule(ctx, "finra.weekly")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, updated.NextRunAt)
	require.Equal(t, time.Date(2025, 12, 29, 8, 0, 0, 0, time.UTC), *updated.NextRunAt)
}

func TestIntervalScheduleFires(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.UpsertSchedule(ctx, domain.Schedule{
		Name:                "heartbeat",
		TargetType:          domain.TargetPipeline,
		Target:              "heartbeat.ping",
		ScheduleType:        domain.ScheduleInterval,
		Expression:          "1m",
		Enabled:             true,
		MaxInstances:        1,
		MisfireGraceSeconds: 30,
		NextRunAt:           timePtr(start.Add(time.Minute)),
		LastRunAt:           &start,
	})
	require.NoError(t, err)

	submitter := &fakeSubmitter{}
	c := clock.NewFrozen(start.Add(time.Minute + 5*time.Second))
	s := New(store, c, Config{Tick: time.Second}, submitter, nil, nil)

	s.Tick(ctx)

	require.Len(t, submitter.calls, 1)
	updated, _, err := store.GetSchedule(ctx, "heartbeat")
	require.NoError(t, err)
	require.Equal(t, "submitted", updated.LastRunStatus)
}

func timePtr(t time.Time) *time.Time { return &t }
