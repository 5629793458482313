package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/lock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/pipeline"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

type scriptedPipeline struct {
	spec    domain.PipelineSpec
	results []pipeline.RunResult
	mu      sync.Mutex
	calls   int
}

func (p *scriptedPipeline) Describe() domain.PipelineSpec { return p.spec }

func (p *scriptedPipeline) Run(ctx context.Context, params map[string]any, executionID string, captureID domain.CaptureID, log *logger.Logger) pipeline.RunResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	p.calls++
	return p.results[idx]
}

type capturedAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (c *capturedAlerts) Publish(ctx context.Context, alert domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func newTestDispatcher(t *testing.T, p *scriptedPipeline, maxRetries int) (*Dispatcher, *memory.Store, *capturedAlerts) {
	t.Helper()
	store := memory.New()
	c := clock.System{}
	reg := registry.New()
	reg.Register(p.spec, func() pipeline.Pipeline { return p })
	locks := lock.New(store, c)
	lanes := map[string]LaneLimits{
		"default": {
			MaxConcurrency: 2,
			Retry:          ledger.RetryPolicy{MaxRetries: maxRetries, Base: time.Millisecond, Cap: 10 * time.Millisecond},
			Timeout:        time.Minute,
		},
	}
	alerts := &capturedAlerts{}
	d := New(reg, store, locks, c, lanes, nil).WithAlerts(alerts)
	return d, store, alerts
}

func weekSpec() domain.PipelineSpec {
	return domain.PipelineSpec{
		Name: "finra.otc.ingest_week",
		RequiredParams: []domain.ParamDef{
			{Name: "tier", Type: domain.ParamEnum, EnumValues: []string{"T1", "T2", "OTC"}, Required: true},
			{Name: "week_ending", Type: domain.ParamDate, Required: true},
		},
		ConcurrencyKey: "finra:{tier}:{week_ending}",
	}
}

func eventTypes(t *testing.T, store *memory.Store, executionID string) []domain.ExecutionEventType {
	t.Helper()
	events, err := store.ListEvents(context.Background(), executionID)
	require.NoError(t, err)
	out := make([]domain.ExecutionEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestSubmitTwiceReturnsSameExecution(t *testing.T) {
	p := &scriptedPipeline{
		spec:    weekSpec(),
		results: []pipeline.RunResult{{Status: domain.ExecutionCompleted, RowsProcessed: 42}},
	}
	d, store, _ := newTestDispatcher(t, p, 2)
	ctx := context.Background()

	params := map[string]any{"tier": "OTC", "week_ending": "2025-12-26"}
	first, err := d.Submit(ctx, "finra.otc.ingest_week", params, SubmitOptions{})
	require.NoError(t, err)

	second, err := d.Submit(ctx, "finra.otc.ingest_week", params, SubmitOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	require.NoError(t, d.Run(ctx, first.ID))

	final, err := d.GetExecution(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	require.Equal(t, 1, p.calls)

	require.Equal(t, []domain.ExecutionEventType{
		domain.EventCreated, domain.EventStarted, domain.EventCompleted,
	}, eventTypes(t, store, first.ID))
}

func TestRetryThenDeadLetter(t *testing.T) {
	transient := pipeline.RunResult{
		Status: domain.ExecutionFailed,
		Error:  &domain.ExecutionError{Category: domain.CategoryTransient, Message: "upstream 503"},
	}
	p := &scriptedPipeline{spec: weekSpec(), results: []pipeline.RunResult{transient}}
	d, store, alerts := newTestDispatcher(t, p, 2)
	ctx := context.Background()

	exec, err := d.Submit(ctx, "finra.otc.ingest_week", map[string]any{
		"tier": "T1", "week_ending": "2025-12-26",
	}, SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Run(ctx, exec.ID))

	final, err := d.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionDeadLettered, final.Status)
	require.Equal(t, 2, final.RetryCount)
	require.Equal(t, 3, p.calls)

	require.Equal(t, []domain.ExecutionEventType{
		domain.EventCreated,
		domain.EventStarted, domain.EventFailed, domain.EventRetrying,
		domain.EventStarted, domain.EventFailed, domain.EventRetrying,
		domain.EventStarted, domain.EventFailed, domain.EventDeadLettered,
	}, eventTypes(t, store, exec.ID))

	dl, found, err := store.GetDeadLetter(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "finra.otc.ingest_week", dl.Pipeline)

	require.Len(t, alerts.alerts, 1)
	require.Equal(t, domain.SeverityCritical, alerts.alerts[0].Severity)
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	p := &scriptedPipeline{spec: weekSpec(), results: []pipeline.RunResult{{
		Status: domain.ExecutionFailed,
		Error:  &domain.ExecutionError{Category: domain.CategoryPermanent, Message: "bad file"},
	}}}
	d, store, alerts := newTestDispatcher(t, p, 5)
	ctx := context.Background()

	exec, err := d.Submit(ctx, "finra.otc.ingest_week", map[string]any{
		"tier": "T2", "week_ending": "2025-12-26",
	}, SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, d.Run(ctx, exec.ID))

	final, err := d.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionFailed, final.Status)
	require.Equal(t, 0, final.RetryCount)
	require.Equal(t, 1, p.calls)

	require.Equal(t, []domain.ExecutionEventType{
		domain.EventCreated, domain.EventStarted, domain.EventFailed,
	}, eventTypes(t, store, exec.ID))

	require.Len(t, alerts.alerts, 1)
	require.Equal(t, domain.SeverityError, alerts.alerts[0].Severity)
}

func TestCancelPendingExecution(t *testing.T) {
	p := &scriptedPipeline{spec: weekSpec(), results: []pipeline.RunResult{{Status: domain.ExecutionCompleted}}}
	d, store, _ := newTestDispatcher(t, p, 2)
	ctx := context.Background()

	exec, err := d.Submit(ctx, "finra.otc.ingest_week", map[string]any{
		"tier": "OTC", "week_ending": "2025-12-19",
	}, SubmitOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(ctx, exec.ID, "operator request"))

	final, err := d.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	require.Equal(t, []domain.ExecutionEventType{
		domain.EventCreated, domain.EventCancelled,
	}, eventTypes(t, store, exec.ID))

	// Running a cancelled execution is a no-op.
	require.NoError(t, d.Run(ctx, exec.ID))
	require.Equal(t, 0, p.calls)
}

func TestRetryFromFailedCreatesChildExecution(t *testing.T) {
	p := &scriptedPipeline{spec: weekSpec(), results: []pipeline.RunResult{{
		Status: domain.ExecutionFailed,
		Error:  &domain.ExecutionError{Category: domain.CategoryPermanent, Message: "bad file"},
	}}}
	d, _, _ := newTestDispatcher(t, p, 0)
	ctx := context.Background()

	exec, err := d.Submit(ctx, "finra.otc.ingest_week", map[string]any{
		"tier": "T1", "week_ending": "2025-12-19",
	}, SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, d.Run(ctx, exec.ID))

	child, err := d.Retry(ctx, exec.ID, map[string]any{"week_ending": "2025-12-26"})
	require.NoError(t, err)
	require.NotEqual(t, exec.ID, child.ID)
	require.Equal(t, exec.ID, child.ParentExecutionID)
	require.Equal(t, domain.TriggerRetry, child.TriggerSource)
	require.Equal(t, "2025-12-26", child.Params["week_ending"])

	// Retry is only valid from a terminal failure.
	_, err = d.Retry(ctx, child.ID, nil)
	require.Error(t, err)
}
