// Package workflow implements the DAG-composed Workflow Runner: a named,
// versioned graph of steps delegated to the Dispatcher, with per-step
// retry, skip propagation, transactional counters, and an idempotent
// event ledger.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// StepType enumerates the kinds of node a workflow step can be. Only
// Pipeline is executed by this Runner; the others are declared for
// callers that compose steps but always resolve down to pipeline
// invocations dispatched by this core.
type StepType string

const (
	StepTypePipeline StepType = "pipeline"
	StepTypeExternal StepType = "external"
)

// StepDef declares one node of a workflow DAG.
type StepDef struct {
	Name          string
	Type          StepType
	Pipeline      string
	DependsOn     []string
	MaxAttempts   int
	RunOnFailure  bool // if true, this step still runs when a dependency failed
	AllowSkip     bool // if true, a skipped dependency still allows this step to run
}

// Def is a named, versioned DAG of steps.
type Def struct {
	Name    string
	Version string
	Steps   []StepDef
}

// Runner executes WorkflowRuns over a registry of Defs.
type Runner struct {
	store      spinestorage.WorkflowStore
	dispatcher *dispatcher.Dispatcher
	clock      clock.Clock
	ids        clock.IDs
	log        *logger.Logger

	mu    sync.RWMutex
	defs  map[string]Def
}

// New constructs a workflow Runner.
func New(store spinestorage.WorkflowStore, disp *dispatcher.Dispatcher, c clock.Clock, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault("spine-workflow")
	}
	return &Runner{store: store, dispatcher: disp, clock: c, ids: clock.NewIDs(), log: log, defs: map[string]Def{}}
}

// Register adds a workflow definition, keyed by name.
func (r *Runner) Register(def Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

func (r *Runner) lookup(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Start opens a new WorkflowRun and drives it synchronously to a terminal
// state.
func (r *Runner) Start(ctx context.Context, workflowName string, params map[string]any) (domain.WorkflowRun, error) {
	def, ok := r.lookup(workflowName)
	if !ok {
		return domain.WorkflowRun{}, fmt.Errorf("workflow %q not registered", workflowName)
	}

	now := r.clock.Now()
	run := domain.WorkflowRun{
		ID:              r.ids.New(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Params:          params,
		Status:          domain.WorkflowRunPending,
		TotalSteps:      len(def.Steps),
		CreatedAt:       now,
	}
	run, err := r.store.CreateWorkflowRun(ctx, run)
	if err != nil {
		return domain.WorkflowRun{}, err
	}

	startedAt := r.clock.Now()
	run.StartedAt = &startedAt
	run.Status = domain.WorkflowRunRunning
	if err := r.store.UpdateWorkflowRun(ctx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	r.appendEvent(ctx, run.ID, "", 0, "run_started", nil)

	statuses := map[string]domain.StepStatus{}

	for {
		ready := r.readySteps(def, statuses)
		if len(ready) == 0 {
			break
		}
		for _, step := range ready {
			status := r.runStep(ctx, run.ID, params, step)
			statuses[step.Name] = status
			switch status {
			case domain.StepCompleted:
				run.CompletedSteps++
			case domain.StepFailed:
				run.FailedSteps++
			case domain.StepSkipped:
				run.SkippedSteps++
			}
		}
	}

	// Any step never reached (blocked by a failed, non-run_on_failure
	// dependency, transitively) is recorded as skipped so the terminal
	// counters balance.
	for _, step := range def.Steps {
		if _, done := statuses[step.Name]; !done {
			statuses[step.Name] = domain.StepSkipped
			run.SkippedSteps++
			r.upsertStep(ctx, domain.WorkflowStep{RunID: run.ID, StepName: step.Name, Attempt: 1, Status: domain.StepSkipped})
		}
	}

	completedAt := r.clock.Now()
	run.CompletedAt = &completedAt
	if run.FailedSteps == 0 {
		run.Status = domain.WorkflowRunCompleted
	} else {
		run.Status = domain.WorkflowRunFailed
	}
	if err := r.store.UpdateWorkflowRun(ctx, run); err != nil {
		return domain.WorkflowRun{}, err
	}
	r.appendEvent(ctx, run.ID, "", 0, "run_"+string(run.Status), nil)

	return run, nil
}

// readySteps returns steps whose dependencies have all settled and are not
// yet themselves settled.
func (r *Runner) readySteps(def Def, statuses map[string]domain.StepStatus) []StepDef {
	var ready []StepDef
	for _, step := range def.Steps {
		if _, done := statuses[step.Name]; done {
			continue
		}
		allSettled := true
		anyBlocking := false
		for _, dep := range step.DependsOn {
			depStatus, settled := statuses[dep]
			if !settled {
				allSettled = false
				break
			}
			allowed := depStatus == domain.StepCompleted ||
				(depStatus == domain.StepSkipped && step.AllowSkip) ||
				step.RunOnFailure
			if !allowed {
				anyBlocking = true
			}
		}
		if !allSettled {
			continue
		}
		if anyBlocking {
			continue // left unsettled; swept to skipped after the fixpoint loop
		}
		ready = append(ready, step)
	}
	return ready
}

// runStep delegates one step to the Dispatcher synchronously.
func (r *Runner) runStep(ctx context.Context, runID string, params map[string]any, step StepDef) domain.StepStatus {
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr *domain.ExecutionError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		startedAt := r.clock.Now()
		r.upsertStep(ctx, domain.WorkflowStep{RunID: runID, StepName: step.Name, Attempt: attempt, Status: domain.StepRunning, StartedAt: &startedAt})
		r.appendEvent(ctx, runID, step.Name, attempt, "step_started", nil)

		exec, err := r.dispatcher.Submit(ctx, step.Pipeline, params, dispatcher.SubmitOptions{
			TriggerSource: domain.TriggerWorkflow,
		})
		if err == nil {
			err = r.dispatcher.Run(ctx, exec.ID)
		}
		if err == nil {
			exec, err = r.dispatcher.GetExecution(ctx, exec.ID)
		}
		if err != nil {
			lastErr = &domain.ExecutionError{Category: domain.CategoryPermanent, Message: err.Error()}
			completedAt := r.clock.Now()
			r.upsertStep(ctx, domain.WorkflowStep{RunID: runID, StepName: step.Name, Attempt: attempt, Status: domain.StepFailed, StartedAt: &startedAt, CompletedAt: &completedAt, Error: lastErr})
			r.appendEvent(ctx, runID, step.Name, attempt, "step_failed", map[string]any{"error": err.Error()})
			continue
		}

		completedAt := r.clock.Now()
		switch exec.Status {
		case domain.ExecutionCompleted:
			r.upsertStep(ctx, domain.WorkflowStep{RunID: runID, StepName: step.Name, Attempt: attempt, Status: domain.StepCompleted, ExecutionID: exec.ID, StartedAt: &startedAt, CompletedAt: &completedAt})
			r.appendEvent(ctx, runID, step.Name, attempt, "step_completed", nil)
			return domain.StepCompleted
		default:
			lastErr = exec.Error
			r.upsertStep(ctx, domain.WorkflowStep{RunID: runID, StepName: step.Name, Attempt: attempt, Status: domain.StepFailed, ExecutionID: exec.ID, StartedAt: &startedAt, CompletedAt: &completedAt, Error: lastErr})
			r.appendEvent(ctx, runID, step.Name, attempt, "step_failed", map[string]any{"status": exec.Status})
		}
	}

	return domain.StepFailed
}

func (r *Runner) upsertStep(ctx context.Context, step domain.WorkflowStep) {
	_, _ = r.store.UpsertStep(ctx, step)
}

// appendEvent writes one workflow event guarded by a deterministic
// idempotency key, hash(run_id, step_name, event_type, attempt), so a
// retried handler never double-records.
func (r *Runner) appendEvent(ctx context.Context, runID, stepName string, attempt int, eventType string, data map[string]any) {
	key := eventIdempotencyKey(runID, stepName, eventType, attempt)
	event := domain.WorkflowEvent{
		ID:             r.ids.New(),
		RunID:          runID,
		StepName:       stepName,
		Attempt:        attempt,
		EventType:      eventType,
		IdempotencyKey: key,
		Data:           data,
		Timestamp:      r.clock.Now(),
	}
	_, _ = r.store.AppendEventIdempotent(ctx, event)
}

func eventIdempotencyKey(runID, stepName, eventType string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", runID, stepName, eventType, attempt)))
	return hex.EncodeToString(sum[:])
}

// GetRun returns a workflow run by ID.
func (r *Runner) GetRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return r.store.GetWorkflowRun(ctx, id)
}

// Events returns the append-only event log for a run.
func (r *Runner) Events(ctx context.Context, runID, cursor string) ([]domain.WorkflowEvent, error) {
	return r.store.ListWorkflowEvents(ctx, runID, cursor)
}
