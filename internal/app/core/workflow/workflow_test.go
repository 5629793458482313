package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/lock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/pipeline"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

type scriptedPipeline struct {
	name    string
	outcome domain.ExecutionStatus
}

func (p scriptedPipeline) Describe() domain.PipelineSpec {
	return domain.PipelineSpec{Name: p.name, RequiredParams: nil}
}

func (p scriptedPipeline) Run(ctx context.Context, params map[string]any, executionID string, captureID domain.CaptureID, log *logger.Logger) pipeline.RunResult {
	if p.outcome == domain.ExecutionCompleted {
		return pipeline.RunResult{Status: domain.ExecutionCompleted, RowsProcessed: 1}
	}
	return pipeline.RunResult{
		Status: domain.ExecutionFailed,
		Error:  &domain.ExecutionError{Category: domain.CategoryPermanent, Message: "boom"},
	}
}

func newTestRunner(t *testing.T) (*Runner, *registry.Registry) {
	t.Helper()
	store := memory.New()
	reg := registry.New()
	c := clock.NewFrozen(time.Now())
	locks := lock.New(store, c)
	lanes := map[string]dispatcher.LaneLimits{
		"default": {MaxConcurrency: 1, Timeout: time.Minute},
	}
	disp := dispatcher.New(reg, store, locks, c, lanes, nil)
	return New(store, disp, c, nil), reg
}

func register(reg *registry.Registry, name string, outcome domain.ExecutionStatus) {
	reg.Register(domain.PipelineSpec{Name: name}, func() pipeline.Pipeline {
		return scriptedPipeline{name: name, outcome: outcome}
	})
}

// TestDiamondWorkflowSkipsDownstreamOnFailure exercises the diamond
// S5: A fans out to B and C; D depends on both. B fails permanently, C
// completes, D is never reached and is recorded as skipped. The run ends
// failed with counters total=4, completed=2 (A,C), failed=1 (B),
// skipped=1 (D).
func TestDiamondWorkflowSkipsDownstreamOnFailure(t *testing.T) {
	runner, reg := newTestRunner(t)
	register(reg, "step.a", domain.ExecutionCompleted)
	register(reg, "step.b", domain.ExecutionFailed)
	register(reg, "step.c", domain.ExecutionCompleted)
	register(reg, "step.d", domain.ExecutionCompleted)

	runner.Register(Def{
		Name:    "diamond",
		Version: "1",
		Steps: []StepDef{
			{Name: "A", Pipeline: "step.a"},
			{Name: "B", Pipeline: "step.b", DependsOn: []string{"A"}},
			{Name: "C", Pipeline: "step.c", DependsOn: []string{"A"}},
			{Name: "D", Pipeline: "step.d", DependsOn: []string{"B", "C"}},
		},
	})

	run, err := runner.Start(context.Background(), "diamond", nil)
	require.NoError(t, err)

	require.Equal(t, domain.WorkflowRunFailed, run.Status)
	require.Equal(t, 4, run.TotalSteps)
	require.Equal(t, 2, run.CompletedSteps)
	require.Equal(t, 1, run.FailedSteps)
	require.Equal(t, 1, run.SkippedSteps)

	steps, err := runner.store.ListSteps(context.Background(), run.ID)
	require.NoError(t, err)

	byName := map[string]domain.StepStatus{}
	for _, s := range steps {
		byName[s.StepName] = s.Status
	}
	require.Equal(t, domain.StepCompleted, byName["A"])
	require.Equal(t, domain.StepFailed, byName["B"])
	require.Equal(t, domain.StepCompleted, byName["C"])
	require.Equal(t, domain.StepSkipped, byName["D"])
}

// TestRunOnFailureStepStillExecutes ensures a cleanup-style step marked
// run_on_failure runs even though its dependency failed.
func TestRunOnFailureStepStillExecutes(t *testing.T) {
	runner, reg := newTestRunner(t)
	register(reg, "step.a", domain.ExecutionFailed)
	register(reg, "step.cleanup", domain.ExecutionCompleted)

	runner.Register(Def{
		Name:    "with-cleanup",
		Version: "1",
		Steps: []StepDef{
			{Name: "A", Pipeline: "step.a"},
			{Name: "cleanup", Pipeline: "step.cleanup", DependsOn: []string{"A"}, RunOnFailure: true},
		},
	})

	run, err := runner.Start(context.Background(), "with-cleanup", nil)
	require.NoError(t, err)

	require.Equal(t, domain.WorkflowRunFailed, run.Status)
	require.Equal(t, 1, run.CompletedSteps)
	require.Equal(t, 1, run.FailedSteps)
	require.Equal(t, 0, run.SkippedSteps)
}

func TestUnregisteredWorkflowErrors(t *testing.T) {
	runner, _ := newTestRunner(t)
	_, err := runner.Start(context.Background(), "missing", nil)
	require.Error(t, err)
}
