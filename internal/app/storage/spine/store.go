// Package spine declares the typed storage interfaces every orchestration
// core component talks to. No SQL appears above this package;
// implementations live in sibling packages (memory, postgres).
package spine

import (
	"context"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// ExecutionFilter narrows List queries over executions.
type ExecutionFilter struct {
	Pipeline string
	Status   domain.ExecutionStatus
	Lane     domain.Lane
	Limit    int
	Cursor   string
}

// ExecutionStore persists executions and their event streams.
type ExecutionStore interface {
	// CreateExecutionWithEvent inserts a pending execution and its "created"
	// event atomically.
	CreateExecutionWithEvent(ctx context.Context, exec domain.Execution, event domain.ExecutionEvent) (domain.Execution, error)

	// FindOpenByIdempotencyKey returns a non-terminal execution already
	// registered for (pipeline, key), used for idempotent Submit.
	FindOpenByIdempotencyKey(ctx context.Context, pipeline, key string) (domain.Execution, bool, error)

	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]domain.Execution, error)

	// CompareAndSetStatus performs a CAS transition guarded by the
	// execution's current status, preventing the same execution from
	// being run twice concurrently.
	CompareAndSetStatus(ctx context.Context, id string, from, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error)

	AppendEvent(ctx context.Context, event domain.ExecutionEvent) error
	ListEvents(ctx context.Context, executionID string) ([]domain.ExecutionEvent, error)

	// CreateDeadLetterTerminal writes a DeadLetter row in the same
	// transaction as the terminal dead_lettered status transition.
	CreateDeadLetterTerminal(ctx context.Context, exec domain.Execution, dl domain.DeadLetter) (domain.Execution, error)
	GetDeadLetter(ctx context.Context, executionID string) (domain.DeadLetter, bool, error)
	ResolveDeadLetter(ctx context.Context, executionID, resolvedBy string, at time.Time) error
	ListDeadLetters(ctx context.Context, onlyUnresolved bool) ([]domain.DeadLetter, error)
}

// LockStore backs the Concurrency Lock Service.
type LockStore interface {
	// AcquireLock is a conditional insert keyed by lock_key; it fails with
	// a conflict error if a live (non-expired) lock already exists.
	AcquireLock(ctx context.Context, lock domain.ConcurrencyLock) (domain.ConcurrencyLock, error)
	ReleaseLock(ctx context.Context, lockKey, executionID string) error
	GetLock(ctx context.Context, lockKey string) (domain.ConcurrencyLock, bool, error)
	// Heartbeat extends expiresAt in place; it is a no-op if the lock has
	// already expired or is held by a different execution.
	Heartbeat(ctx context.Context, lockKey, executionID string, newExpiresAt time.Time) error
	// SweepExpired deletes every lock whose expires_at has passed and
	// returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// WorkItemFilter narrows Lease candidate selection.
type WorkItemFilter struct {
	Domain   string
	Pipeline string
}

// WorkItemStore backs the Work-Item Queue.
type WorkItemStore interface {
	// UpsertWorkItem inserts or updates by (domain, pipeline, partition_key).
	// If resetIfCompleted is true and the existing item is COMPLETED, it is
	// reset to PENDING; otherwise the existing row's state is preserved.
	UpsertWorkItem(ctx context.Context, item domain.WorkItem, resetIfCompleted bool) (domain.WorkItem, error)
	GetWorkItem(ctx context.Context, domainName, pipeline, partitionKey string) (domain.WorkItem, bool, error)
	GetWorkItemByID(ctx context.Context, id string) (domain.WorkItem, bool, error)

	// LeaseOne atomically selects the eligible PENDING item matching filter
	// with the highest priority (oldest desired_at first among equal
	// priorities) and transitions it to LEASED.
	LeaseOne(ctx context.Context, now time.Time, lockedBy string, leaseExpiresAt time.Time, filter WorkItemFilter) (domain.WorkItem, bool, error)
	CompleteWorkItem(ctx context.Context, id, executionID string) (domain.WorkItem, error)
	FailWorkItem(ctx context.Context, id string, lastError string, retryable bool, nextAttemptAt *time.Time) (domain.WorkItem, error)
	// ReclaimExpired returns LEASED items whose lease has expired to PENDING.
	ReclaimExpired(ctx context.Context, now time.Time) ([]domain.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]domain.WorkItem, error)
}

// ScheduleStore backs the Scheduler.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error)
	GetSchedule(ctx context.Context, name string) (domain.Schedule, bool, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error)
	SetScheduleEnabled(ctx context.Context, name string, enabled bool) error

	// UpdateAfterEvaluation persists next_run_at/last_run_at/last_run_status
	// guarded by version (optimistic concurrency across scheduler instances).
	UpdateAfterEvaluation(ctx context.Context, name string, expectVersion int, nextRunAt *time.Time, lastRunAt *time.Time, lastRunStatus string) error

	CreateScheduleRun(ctx context.Context, run domain.ScheduleRun) (domain.ScheduleRun, error)
	UpdateScheduleRun(ctx context.Context, run domain.ScheduleRun) error
	ListScheduleRuns(ctx context.Context, scheduleName string, limit int) ([]domain.ScheduleRun, error)

	AcquireScheduleLock(ctx context.Context, lock domain.ScheduleLock) (domain.ScheduleLock, error)
	ReleaseScheduleLock(ctx context.Context, scheduleName, holderID string) error
}

// CaptureStore backs manifest/rejects/quality/anomalies/readiness.
type CaptureStore interface {
	UpsertManifest(ctx context.Context, m domain.Manifest) (domain.Manifest, error)
	GetManifest(ctx context.Context, domainName, partitionKey, stage string) (domain.Manifest, bool, error)
	ListManifests(ctx context.Context, domainName string) ([]domain.Manifest, error)

	InsertReject(ctx context.Context, r domain.Reject) (domain.Reject, error)
	ListRejects(ctx context.Context, domainName, partitionKey string) ([]domain.Reject, error)

	InsertQualityCheck(ctx context.Context, q domain.QualityCheck) (domain.QualityCheck, error)
	ListQualityChecks(ctx context.Context, domainName, partitionKey string) ([]domain.QualityCheck, error)

	InsertAnomaly(ctx context.Context, a domain.Anomaly) (domain.Anomaly, error)
	ListAnomalies(ctx context.Context, domainName string, unresolvedOnly bool) ([]domain.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id string, at time.Time) error

	UpsertReadiness(ctx context.Context, r domain.DataReadiness) (domain.DataReadiness, error)
	GetReadiness(ctx context.Context, domainName, partitionKey, readyFor string) (domain.DataReadiness, bool, error)

	// Dependency graph tables referenced by the readiness reducer.
	ListDependencies(ctx context.Context, domainName string) ([]Dependency, error)
	ListExpectedSchedules(ctx context.Context, domainName string) ([]ExpectedSchedule, error)
}

// Dependency is one row of core_calc_dependencies: partition readiness for
// domainName depends on partition readiness of upon.
type Dependency struct {
	Domain string
	Upon   string
}

// ExpectedSchedule is one row of core_expected_schedules: the cadence a
// domain's partitions are expected to land on, used to compute
// AgeExceedsPreliminary.
type ExpectedSchedule struct {
	Domain            string
	ExpectedFrequency string // e.g. "weekly", "daily"
	PreliminaryAfter  time.Duration
}

// WorkflowStore backs the Workflow Runner.
type WorkflowStore interface {
	CreateWorkflowRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error)
	GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run domain.WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, workflowName string, limit int) ([]domain.WorkflowRun, error)

	UpsertStep(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error)
	ListSteps(ctx context.Context, runID string) ([]domain.WorkflowStep, error)

	// AppendEventIdempotent inserts the event unless idempotency_key
	// already exists for this run.
	AppendEventIdempotent(ctx context.Context, event domain.WorkflowEvent) (inserted bool, err error)
	ListWorkflowEvents(ctx context.Context, runID string, cursor string) ([]domain.WorkflowEvent, error)
}

// AlertStore backs the Alert Bus.
type AlertStore interface {
	UpsertChannel(ctx context.Context, ch domain.AlertChannel) (domain.AlertChannel, error)
	GetChannel(ctx context.Context, name string) (domain.AlertChannel, bool, error)
	ListChannels(ctx context.Context, enabledOnly bool) ([]domain.AlertChannel, error)
	// IncrementChannelFailures performs a compare-and-set increment and
	// disables the channel once the count reaches the threshold, returning the
	// updated failure count.
	IncrementChannelFailures(ctx context.Context, name string, disableAfter int) (int, bool, error)
	ResetChannelFailures(ctx context.Context, name string) error

	InsertAlert(ctx context.Context, a domain.Alert) (domain.Alert, error)
	GetAlert(ctx context.Context, id string) (domain.Alert, bool, error)
	ListAlerts(ctx context.Context, domainName string, limit int) ([]domain.Alert, error)

	InsertDelivery(ctx context.Context, d domain.AlertDelivery) (domain.AlertDelivery, error)
	ListDeliveries(ctx context.Context, alertID string) ([]domain.AlertDelivery, error)
	ListPendingRetries(ctx context.Context, now time.Time) ([]domain.AlertDelivery, error)

	GetThrottle(ctx context.Context, channelName, dedupKey string) (domain.AlertThrottle, bool, error)
	UpsertThrottle(ctx context.Context, t domain.AlertThrottle) error
}

// WatermarkStore backs the Watermark & Backfill Planner.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, domainName, source, partitionKey string) (domain.Watermark, bool, error)
	// AdvanceWatermark applies high_water = GREATEST(high_water, x); it
	// never decreases the stored value.
	AdvanceWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time, metadata map[string]any) (domain.Watermark, error)
	// RewindWatermark is the only path allowed to decrease high_water; the
	// caller is responsible for recording the companion anomaly.
	RewindWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time) (domain.Watermark, error)
	ListWatermarks(ctx context.Context, domainName string) ([]domain.Watermark, error)

	CreateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) (domain.BackfillPlan, error)
	GetBackfillPlan(ctx context.Context, planID string) (domain.BackfillPlan, bool, error)
	UpdateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) error
	ListBackfillPlans(ctx context.Context, domainName string) ([]domain.BackfillPlan, error)
}

// BitemporalStore backs BitemporalFact, used by domain pipelines
// external to this core but owned by the same Storage Adapter boundary.
type BitemporalStore interface {
	// InsertVersion closes the current open system-interval for entityKey
	// (if any) and opens a new one, atomically.
	InsertVersion(ctx context.Context, fact domain.BitemporalFact) (domain.BitemporalFact, error)
	GetCurrent(ctx context.Context, entityKey string) (domain.BitemporalFact, bool, error)
	History(ctx context.Context, entityKey string) ([]domain.BitemporalFact, error)
}

// SourceStore backs Source/SourceFetch/SourceCache.
type SourceStore interface {
	UpsertSource(ctx context.Context, s domain.Source) (domain.Source, error)
	GetSource(ctx context.Context, name string) (domain.Source, bool, error)
	RecordFetch(ctx context.Context, f domain.SourceFetch) (domain.SourceFetch, error)
	LatestFetch(ctx context.Context, sourceName, partitionKey string) (domain.SourceFetch, bool, error)
	PutCache(ctx context.Context, c domain.SourceCache) error
	GetCache(ctx context.Context, sourceName, partitionKey, contentHash string) (domain.SourceCache, bool, error)
}

// Store is the full Storage Adapter surface. Components depend
// on the narrowest sub-interface they need; Store exists for composition
// roots that wire a single backing implementation for everything.
type Store interface {
	ExecutionStore
	LockStore
	WorkItemStore
	ScheduleStore
	CaptureStore
	WorkflowStore
	AlertStore
	WatermarkStore
	BitemporalStore
	SourceStore
}
