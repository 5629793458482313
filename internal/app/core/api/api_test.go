package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/capture"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/lock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/pipeline"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/scheduler"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workflow"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

type okPipeline struct{ spec domain.PipelineSpec }

func (p okPipeline) Describe() domain.PipelineSpec { return p.spec }

func (p okPipeline) Run(ctx context.Context, params map[string]any, executionID string, captureID domain.CaptureID, log *logger.Logger) pipeline.RunResult {
	return pipeline.RunResult{Status: domain.ExecutionCompleted, RowsProcessed: 1}
}

func newTestAPI(t *testing.T) (*Service, *memory.Store, *clock.Frozen) {
	t.Helper()
	store := memory.New()
	frozen := clock.NewFrozen(time.Date(2025, 12, 22, 8, 0, 0, 0, time.UTC))

	reg := registry.New()
	spec := domain.PipelineSpec{
		Name:    "finra.otc.ingest_week",
		Version: "1.0.0",
		RequiredParams: []domain.ParamDef{
			{Name: "tier", Type: domain.ParamEnum, EnumValues: []string{"T1", "T2", "OTC"},
				Aliases: map[string]string{"t1": "T1", "tier1": "T1"}, Required: true},
			{Name: "week_ending", Type: domain.ParamDate, Required: true},
			{Name: "file_path", Type: domain.ParamPath, Required: true},
		},
		IsIngest:   true,
		Derivation: &domain.DerivationRule{Template: "s3://spine/finra/{tier}/{week_ending}.psv"},
	}
	reg.Register(spec, func() pipeline.Pipeline { return okPipeline{spec: spec} })

	locks := lock.New(store, frozen)
	lanes := map[string]dispatcher.LaneLimits{
		"default": {MaxConcurrency: 2, Retry: ledger.RetryPolicy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Second}, Timeout: time.Minute},
	}
	disp := dispatcher.New(reg, store, locks, frozen, lanes, nil)
	sched := scheduler.New(store, frozen, scheduler.Config{}, disp, nil, nil)
	capt := capture.New(store, frozen, capture.Config{}, nil)
	runner := workflow.New(store, disp, frozen, nil)

	return New(reg, disp, store, sched, capt, runner), store, frozen
}

func TestResolveIngestSource(t *testing.T) {
	svc, _, _ := newTestAPI(t)

	src, err := svc.ResolveIngestSource("finra.otc.ingest_week", map[string]any{
		"tier": "t1", "week_ending": "2025-12-26",
	})
	require.NoError(t, err)
	require.Equal(t, "derived", src.Mode)
	require.Equal(t, "s3://spine/finra/T1/2025-12-26.psv", src.FilePath)
	require.Equal(t, map[string]string{"tier": "T1", "week_ending": "2025-12-26"}, src.Derived)

	src, err = svc.ResolveIngestSource("finra.otc.ingest_week", map[string]any{
		"tier": "T2", "week_ending": "2025-12-26", "file_path": "/data/override.psv",
	})
	require.NoError(t, err)
	require.Equal(t, "explicit", src.Mode)
	require.Equal(t, "/data/override.psv", src.FilePath)
}

func TestSubmitIsIdempotentAndLogsPage(t *testing.T) {
	svc, _, _ := newTestAPI(t)
	ctx := context.Background()

	params := map[string]any{"tier": "T1", "week_ending": "2025-12-26"}
	first, err := svc.Submit(ctx, "finra.otc.ingest_week", params, dispatcher.SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerAPI, first.TriggerSource)

	second, err := svc.Submit(ctx, "finra.otc.ingest_week", params, dispatcher.SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	page, err := svc.Logs(ctx, first.ID, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, domain.EventCreated, page.Events[0].Type)

	next, err := svc.Logs(ctx, first.ID, page.NextCursor)
	require.NoError(t, err)
	require.Empty(t, next.Events)
}

func TestScheduleAdminRoundTrip(t *testing.T) {
	svc, _, frozen := newTestAPI(t)
	ctx := context.Background()

	sched, err := svc.UpsertSchedule(ctx, domain.Schedule{
		Name:         "weekly-ingest",
		Target:       "finra.otc.ingest_week",
		Params:       map[string]any{"tier": "T1", "week_ending": "2025-12-26"},
		ScheduleType: domain.ScheduleCron,
		Expression:   "0 8 * * MON",
		Enabled:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	require.Equal(t, time.Date(2025, 12, 29, 8, 0, 0, 0, time.UTC), sched.NextRunAt.UTC())

	// Upsert is idempotent by name.
	again, err := svc.UpsertSchedule(ctx, domain.Schedule{
		Name:         "weekly-ingest",
		Target:       "finra.otc.ingest_week",
		ScheduleType: domain.ScheduleCron,
		Expression:   "0 8 * * MON",
		Enabled:      true,
	})
	require.NoError(t, err)
	require.Equal(t, sched.Name, again.Name)

	all, err := svc.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	upcoming, err := svc.UpcomingSchedules(ctx, 10)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)

	overdue, err := svc.OverdueSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, overdue)

	frozen.Advance(8 * 24 * time.Hour)
	overdue, err = svc.OverdueSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)

	require.NoError(t, svc.DisableSchedule(ctx, "weekly-ingest"))
	got, err := svc.GetSchedule(ctx, "weekly-ingest")
	require.NoError(t, err)
	require.False(t, got.Enabled)
}
