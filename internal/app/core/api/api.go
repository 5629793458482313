// Package api is the language-agnostic caller surface over the
// orchestration core. An HTTP collaborator outside this core
// maps these operations onto routes and maps error categories onto status
// codes; nothing here imports net/http.
package api

import (
	"context"
	"strconv"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/capture"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/scheduler"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workflow"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

// Service bundles the core's caller-facing operations.
type Service struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	executions spinestorage.ExecutionStore
	scheduler  *scheduler.Scheduler
	capture    *capture.Service
	workflows  *workflow.Runner
}

// New constructs the caller API over the wired core services.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, executions spinestorage.ExecutionStore, sched *scheduler.Scheduler, capt *capture.Service, workflows *workflow.Runner) *Service {
	return &Service{
		registry:   reg,
		dispatcher: disp,
		executions: executions,
		scheduler:  sched,
		capture:    capt,
		workflows:  workflows,
	}
}

// --- Pipelines --------------------------------------------------------------

// ListPipelines returns registered pipeline specs, optionally filtered by
// dotted-name prefix.
func (s *Service) ListPipelines(prefix string) []domain.PipelineSpec {
	return s.registry.List(prefix)
}

// DescribePipeline returns one pipeline's registration record.
func (s *Service) DescribePipeline(name string) (domain.PipelineSpec, error) {
	return s.registry.Describe(name)
}

// IngestSource is the result of resolving an ingest pipeline's file_path.
type IngestSource struct {
	FilePath string            `json:"file_path"`
	Mode     string            `json:"mode"` // explicit | derived
	Derived  map[string]string `json:"derived,omitempty"`
}

// ResolveIngestSource runs the parameter framework far enough to answer
// where an ingest pipeline would read from, without creating an execution.
func (s *Service) ResolveIngestSource(name string, params map[string]any) (IngestSource, error) {
	spec, err := s.registry.Describe(name)
	if err != nil {
		return IngestSource{}, err
	}
	validated, err := registry.Validate(spec, params, "")
	if err != nil {
		return IngestSource{}, err
	}
	path, _ := validated.Canonical["file_path"].(string)
	return IngestSource{FilePath: path, Mode: validated.IngestMode, Derived: validated.Derived}, nil
}

// --- Executions -------------------------------------------------------------

// Submit validates params and creates (or idempotently returns) an execution.
func (s *Service) Submit(ctx context.Context, pipeline string, params map[string]any, opts dispatcher.SubmitOptions) (domain.Execution, error) {
	if opts.TriggerSource == "" {
		opts.TriggerSource = domain.TriggerAPI
	}
	return s.dispatcher.Submit(ctx, pipeline, params, opts)
}

// GetExecution returns one execution by ID.
func (s *Service) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return s.executions.GetExecution(ctx, id)
}

// ListExecutions returns executions matching filter, cursor-paged by ID.
func (s *Service) ListExecutions(ctx context.Context, filter spinestorage.ExecutionFilter) ([]domain.Execution, error) {
	filter.Limit = core.ClampLimit(filter.Limit, core.DefaultListLimit, core.MaxListLimit)
	return s.executions.ListExecutions(ctx, filter)
}

// Cancel requests best-effort cancellation of an execution.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	return s.dispatcher.Cancel(ctx, id, reason)
}

// Retry re-submits a failed or dead-lettered execution.
func (s *Service) Retry(ctx context.Context, id string, mutateParams map[string]any) (domain.Execution, error) {
	return s.dispatcher.Retry(ctx, id, mutateParams)
}

// ExecutionLog is a tail-cursor page over an execution's event stream.
type ExecutionLog struct {
	Events     []domain.ExecutionEvent `json:"events"`
	NextCursor string                  `json:"next_cursor"`
}

// Logs returns the execution's events after tailCursor (an opaque offset
// from a previous page; empty reads from the start).
func (s *Service) Logs(ctx context.Context, id, tailCursor string) (ExecutionLog, error) {
	if _, err := s.executions.GetExecution(ctx, id); err != nil {
		return ExecutionLog{}, err
	}
	events, err := s.executions.ListEvents(ctx, id)
	if err != nil {
		return ExecutionLog{}, err
	}
	offset := 0
	if tailCursor != "" {
		if n, err := strconv.Atoi(tailCursor); err == nil && n >= 0 {
			offset = n
		}
	}
	if offset > len(events) {
		offset = len(events)
	}
	return ExecutionLog{
		Events:     events[offset:],
		NextCursor: strconv.Itoa(len(events)),
	}, nil
}

// DeadLetters returns dead-letter snapshots, optionally unresolved only.
func (s *Service) DeadLetters(ctx context.Context, onlyUnresolved bool) ([]domain.DeadLetter, error) {
	return s.executions.ListDeadLetters(ctx, onlyUnresolved)
}

// --- Schedules --------------------------------------------------------------

// UpsertSchedule creates or updates a schedule idempotently by name.
func (s *Service) UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	return s.scheduler.Upsert(ctx, sched)
}

// GetSchedule returns one schedule by name.
func (s *Service) GetSchedule(ctx context.Context, name string) (domain.Schedule, error) {
	return s.scheduler.Get(ctx, name)
}

// ListSchedules returns every schedule.
func (s *Service) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.scheduler.List(ctx, false)
}

// EnableSchedule turns a schedule on.
func (s *Service) EnableSchedule(ctx context.Context, name string) error {
	return s.scheduler.SetEnabled(ctx, name, true)
}

// DisableSchedule turns a schedule off; no runs are emitted while disabled.
func (s *Service) DisableSchedule(ctx context.Context, name string) error {
	return s.scheduler.SetEnabled(ctx, name, false)
}

// UpcomingSchedules returns the next schedules due to fire, soonest first.
func (s *Service) UpcomingSchedules(ctx context.Context, limit int) ([]domain.Schedule, error) {
	return s.scheduler.Upcoming(ctx, limit)
}

// OverdueSchedules returns enabled schedules already past their fire time.
func (s *Service) OverdueSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return s.scheduler.Overdue(ctx)
}

// ScheduleRuns returns recent emissions of one schedule.
func (s *Service) ScheduleRuns(ctx context.Context, name string, limit int) ([]domain.ScheduleRun, error) {
	return s.scheduler.Runs(ctx, name, core.ClampLimit(limit, core.DefaultListLimit, core.MaxListLimit))
}

// --- Quality / Readiness ----------------------------------------------------

// Anomalies returns anomalies for a domain, optionally unresolved only.
func (s *Service) Anomalies(ctx context.Context, domainName string, unresolvedOnly bool) ([]domain.Anomaly, error) {
	return s.capture.ListAnomalies(ctx, domainName, unresolvedOnly)
}

// AckAnomaly marks an anomaly resolved.
func (s *Service) AckAnomaly(ctx context.Context, anomalyID, reason string) error {
	return s.capture.AckAnomaly(ctx, anomalyID, reason)
}

// Readiness returns the derived readiness state for one partition.
func (s *Service) Readiness(ctx context.Context, domainName, partitionKey, readyFor string) (domain.DataReadiness, bool, error) {
	return s.capture.Readiness(ctx, domainName, partitionKey, readyFor)
}

// Certify marks a partition certified for a downstream use.
func (s *Service) Certify(ctx context.Context, domainName, partitionKey, readyFor, certifiedBy string) (domain.DataReadiness, error) {
	return s.capture.Certify(ctx, domainName, partitionKey, readyFor, certifiedBy)
}

// Block marks a partition blocked with a reason.
func (s *Service) Block(ctx context.Context, domainName, partitionKey, readyFor, reason string) (domain.DataReadiness, error) {
	return s.capture.Block(ctx, domainName, partitionKey, readyFor, reason)
}

// --- Workflows --------------------------------------------------------------

// RunWorkflow starts a registered workflow DAG.
func (s *Service) RunWorkflow(ctx context.Context, workflowName string, params map[string]any) (domain.WorkflowRun, error) {
	return s.workflows.Start(ctx, workflowName, params)
}

// GetWorkflowRun returns one workflow run by ID.
func (s *Service) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	return s.workflows.GetRun(ctx, id)
}

// WorkflowEvents returns a workflow run's event log after cursor.
func (s *Service) WorkflowEvents(ctx context.Context, runID, cursor string) ([]domain.WorkflowEvent, error) {
	return s.workflows.Events(ctx, runID, cursor)
}
