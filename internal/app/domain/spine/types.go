// Package spine holds the plain data types shared by the orchestration
// core: pipeline specs, executions, schedules, work items, the
// capture-identified data ledger, workflows, alerts, and watermarks.
package spine

import "time"

// ParamType enumerates the declared kinds a ParamDef may take.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamDate    ParamType = "date"
	ParamPath    ParamType = "path"
	ParamEnum    ParamType = "enum"
)

// ParamDef describes one declared pipeline parameter.
type ParamDef struct {
	Name        string
	Type        ParamType
	EnumValues  []string
	Aliases     map[string]string // alias -> canonical enum value
	Required    bool
	Default     any
	HasDefault  bool
}

// DerivationRule describes how an ingest pipeline's file_path can be
// derived from (tier, week_ending) when not supplied explicitly.
type DerivationRule struct {
	// Template uses {tier} and {week_ending} placeholders.
	Template string
}

// PipelineSpec is the immutable registration record for a pipeline.
type PipelineSpec struct {
	Name             string
	Description      string
	Version          string
	RequiredParams   []ParamDef
	OptionalParams   []ParamDef
	IsIngest         bool
	Derivation       *DerivationRule
	ConcurrencyKey   string // template, e.g. "finra:{tier}:{week_ending}"
	Lane             string
}

// Lane is an execution class with its own concurrency and retry policy.
type Lane string

const (
	LaneNormal   Lane = "normal"
	LanePriority Lane = "priority"
	LaneBackfill Lane = "backfill"
)

// TriggerSource records what caused an execution to be created.
type TriggerSource string

const (
	TriggerManual    TriggerSource = "manual"
	TriggerScheduler TriggerSource = "scheduler"
	TriggerAPI       TriggerSource = "api"
	TriggerWorkflow  TriggerSource = "workflow"
	TriggerRetry     TriggerSource = "retry"
)

// ExecutionStatus is the persisted state of an Execution. "retrying" is
// deliberately absent: it is a transient label applied via events only.
type ExecutionStatus string

const (
	ExecutionPending      ExecutionStatus = "pending"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionCompleted    ExecutionStatus = "completed"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionCancelled    ExecutionStatus = "cancelled"
	ExecutionDeadLettered ExecutionStatus = "dead_lettered"
)

// IsTerminal reports whether the status ends the execution's lifecycle.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionDeadLettered:
		return true
	default:
		return false
	}
}

// ErrorCategory is the taxonomy surfaced to callers in error.category.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryDependency ErrorCategory = "dependency"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryTransient  ErrorCategory = "transient"
	CategoryPermanent  ErrorCategory = "permanent"
)

// ExecutionError is the structured error recorded on a terminal execution.
type ExecutionError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Execution is the state of one pipeline run.
type Execution struct {
	ID                string
	Pipeline          string
	Params            map[string]any
	Lane              Lane
	TriggerSource     TriggerSource
	Status            ExecutionStatus
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ParentExecutionID string
	RetryCount        int
	IdempotencyKey    string
	Result            map[string]any
	Error             *ExecutionError
	LogicalKey        string
}

// ExecutionEventType enumerates the append-only event stream entries.
type ExecutionEventType string

const (
	EventCreated       ExecutionEventType = "created"
	EventStarted       ExecutionEventType = "started"
	EventProgress      ExecutionEventType = "progress"
	EventCompleted     ExecutionEventType = "completed"
	EventFailed        ExecutionEventType = "failed"
	EventRetrying      ExecutionEventType = "retrying"
	EventCancelled     ExecutionEventType = "cancelled"
	EventDeadLettered  ExecutionEventType = "dead_lettered"
	EventGeneric       ExecutionEventType = "event"
)

// ExecutionEvent is one append-only entry in an execution's history.
type ExecutionEvent struct {
	ID          string
	ExecutionID string
	Type        ExecutionEventType
	Timestamp   time.Time
	Data        map[string]any
}

// DeadLetter is an immutable snapshot of an execution that exhausted retries.
type DeadLetter struct {
	ID          string
	ExecutionID string
	Pipeline    string
	Params      map[string]any
	Error       *ExecutionError
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ResolvedBy  string
}

// ConcurrencyLock is a named, TTL-bound mutual-exclusion lock.
type ConcurrencyLock struct {
	LockKey     string
	ExecutionID string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// ScheduleType enumerates how a Schedule computes its next fire time.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleAt       ScheduleType = "at"
)

// ScheduleTargetType distinguishes a schedule that drives a pipeline
// execution directly from one that drives a workflow run.
type ScheduleTargetType string

const (
	TargetPipeline ScheduleTargetType = "pipeline"
	TargetWorkflow ScheduleTargetType = "workflow"
)

// Schedule is a named recurring or one-shot trigger.
type Schedule struct {
	Name                string
	TargetType          ScheduleTargetType
	Target              string
	Params              map[string]any
	ScheduleType         ScheduleType
	Expression          string
	Timezone            string
	Enabled             bool
	MaxInstances        int
	MisfireGraceSeconds int
	NextRunAt           *time.Time
	LastRunAt           *time.Time
	LastRunStatus       string
	Version             int
}

// ScheduleRunStatus enumerates the lifecycle of one schedule emission.
type ScheduleRunStatus string

const (
	ScheduleRunPending   ScheduleRunStatus = "pending"
	ScheduleRunRunning   ScheduleRunStatus = "running"
	ScheduleRunCompleted ScheduleRunStatus = "completed"
	ScheduleRunFailed    ScheduleRunStatus = "failed"
	ScheduleRunSkipped   ScheduleRunStatus = "skipped"
	ScheduleRunMissed    ScheduleRunStatus = "missed"
)

// ScheduleRun is one emission of a Schedule.
type ScheduleRun struct {
	ID           string
	ScheduleName string
	ScheduledAt  time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       ScheduleRunStatus
	RunID        string // execution_id or workflow run id, depending on target type
	SkipReason   string
}

// ScheduleLock is a per-schedule mutex with TTL, identical in shape to
// ConcurrencyLock but keyed by schedule name.
type ScheduleLock struct {
	ScheduleName string
	HolderID     string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// WorkItemState enumerates the lifecycle of a durable, partition-keyed task.
type WorkItemState string

const (
	WorkItemPending   WorkItemState = "PENDING"
	WorkItemLeased    WorkItemState = "LEASED"
	WorkItemRunning   WorkItemState = "RUNNING"
	WorkItemCompleted WorkItemState = "COMPLETED"
	WorkItemFailed    WorkItemState = "FAILED"
	WorkItemDead      WorkItemState = "DEAD"
)

// WorkItem is a durable, partition-keyed task backing the work queue.
type WorkItem struct {
	ID                  string
	Domain              string
	Pipeline            string
	PartitionKey        string
	Params              map[string]any
	DesiredAt           time.Time
	Priority            int
	State               WorkItemState
	AttemptCount        int
	MaxAttempts         int
	LastError           string
	NextAttemptAt       *time.Time
	LockedBy            string
	LockedAt            *time.Time
	LeaseExpiresAt      *time.Time
	CurrentExecutionID  string
	LatestExecutionID   string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CaptureID identifies one attempt at producing a dataset partition:
// domain:tier:partition:hash(captured_at).
type CaptureID string

// Manifest is the authoritative record that a (domain, partition, stage)
// has been produced.
type Manifest struct {
	Domain       string
	PartitionKey string
	Stage        string
	RowCount     int64
	Metrics      map[string]any
	ExecutionID  string
	BatchID      string
	CaptureID    CaptureID
	UpdatedAt    time.Time
}

// Reject is one bad input record encountered during ingest/normalize.
type Reject struct {
	ID           string
	Domain       string
	PartitionKey string
	ReasonCode   string
	RawPayload   string
	SourceLocator string
	ExecutionID  string
	BatchID      string
	CreatedAt    time.Time
}

// QualityStatus is the outcome of one quality check.
type QualityStatus string

const (
	QualityPass QualityStatus = "PASS"
	QualityWarn QualityStatus = "WARN"
	QualityFail QualityStatus = "FAIL"
)

// QualityCheck is one evaluated data-quality rule.
type QualityCheck struct {
	ID           string
	Domain       string
	PartitionKey string
	CheckName    string
	Category     string
	Status       QualityStatus
	Actual       string
	Expected     string
	Details      map[string]any
	CreatedAt    time.Time
}

// Anomaly is a detected deviation from expected data shape or timing.
type Anomaly struct {
	ID              string
	Domain          string
	PartitionKey    string
	Severity        string
	Category        string
	SampleAffected  []string
	Details         map[string]any
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// DataReadiness is the derived readiness state of one (domain, partition,
// ready_for) triple.
type DataReadiness struct {
	Domain                 string
	PartitionKey           string
	ReadyFor               string
	AllPartitionsPresent   bool
	AllStagesComplete      bool
	NoCriticalAnomalies    bool
	DependenciesCurrent    bool
	AgeExceedsPreliminary  bool
	IsReady                bool
	CertifiedBy            string
	CertifiedAt            *time.Time
	BlockedReason          string
	UpdatedAt              time.Time
}

// WorkflowRunStatus enumerates the terminal and non-terminal states of a
// workflow run.
type WorkflowRunStatus string

const (
	WorkflowRunPending   WorkflowRunStatus = "PENDING"
	WorkflowRunRunning   WorkflowRunStatus = "RUNNING"
	WorkflowRunCompleted WorkflowRunStatus = "completed"
	WorkflowRunFailed    WorkflowRunStatus = "failed"
)

// WorkflowRun is one DAG execution.
type WorkflowRun struct {
	ID             string
	WorkflowName   string
	WorkflowVersion string
	Params         map[string]any
	Status         WorkflowRunStatus
	TotalSteps     int
	CompletedSteps int
	FailedSteps    int
	SkippedSteps   int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// StepStatus enumerates the per-step lifecycle within a WorkflowRun.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowStep is one node's attempt within a WorkflowRun, keyed by
// (run_id, step_name, attempt).
type WorkflowStep struct {
	RunID       string
	StepName    string
	Attempt     int
	Status      StepStatus
	ExecutionID string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *ExecutionError
}

// WorkflowEvent is an append-only log entry for a workflow run, guarded by
// a deterministic idempotency key so retried handlers never double-record.
type WorkflowEvent struct {
	ID             string
	RunID          string
	StepName       string
	Attempt        int
	EventType      string
	IdempotencyKey string
	Data           map[string]any
	Timestamp      time.Time
}

// Watermark is the high/low processed-progress cursor for one
// (domain, source, partition_key).
type Watermark struct {
	Domain       string
	Source       string
	PartitionKey string
	LowWater     time.Time
	HighWater    time.Time
	Metadata     map[string]any
	UpdatedAt    time.Time
}

// BackfillStatus enumerates the lifecycle of a BackfillPlan.
type BackfillStatus string

const (
	BackfillPlanned   BackfillStatus = "planned"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
	BackfillCancelled BackfillStatus = "cancelled"
)

// BackfillPlan is a bounded, resumable re-ingest plan over a partition range.
type BackfillPlan struct {
	PlanID         string
	Domain         string
	Source         string
	RangeFrom      time.Time
	RangeTo        time.Time
	PartitionKeys  []string
	CompletedKeys  []string
	FailedKeys     map[string]string
	Status         BackfillStatus
	Checkpoint     string
	ProgressPct    float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BitemporalFact is one versioned fact whose system-time intervals for a
// given entity_key never overlap.
type BitemporalFact struct {
	ID           string
	EntityKey    string
	ValidFrom    time.Time
	ValidTo      *time.Time
	SystemFrom   time.Time
	SystemTo     *time.Time
	Payload      map[string]any
	Provenance   string
}

// Source is a registered upstream data source.
type Source struct {
	Name       string
	Domain     string
	URLPattern string
	Metadata   map[string]any
}

// SourceFetch is one attempt to retrieve a Source document.
type SourceFetch struct {
	ID           string
	SourceName   string
	PartitionKey string
	ContentHash  string
	ETag         string
	LastModified string
	Status       string
	FetchedAt    time.Time
}

// SourceCache is an optional byte cache for a fetched source document.
type SourceCache struct {
	SourceName   string
	PartitionKey string
	ContentHash  string
	Body         []byte
	CachedAt     time.Time
}

// Severity is the alert severity scale, ordered low to high.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// AlertChannel is a configured delivery target for alerts.
type AlertChannel struct {
	Name                 string
	Kind                 string
	MinSeverity          Severity
	Domains              []string
	Enabled              bool
	ThrottleMinutes      int
	ConsecutiveFailures  int
	DisableAfterFailures int
	Config               map[string]any
}

// Alert is one severity-tagged event produced by a core subsystem.
type Alert struct {
	ID        string
	Severity  Severity
	Title     string
	Message   string
	Source    string
	Domain    string
	DedupKey  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// AlertDeliveryStatus enumerates the outcome of one delivery attempt.
type AlertDeliveryStatus string

const (
	DeliveryDelivered AlertDeliveryStatus = "delivered"
	DeliveryFailed    AlertDeliveryStatus = "failed"
	DeliverySuppressed AlertDeliveryStatus = "suppressed"
	DeliveryPending   AlertDeliveryStatus = "pending"
)

// AlertDelivery is one (alert, channel, attempt) delivery record.
type AlertDelivery struct {
	ID            string
	AlertID       string
	ChannelName   string
	Attempt       int
	Status        AlertDeliveryStatus
	Error         string
	NextRetryAt   *time.Time
	CreatedAt     time.Time
}

// AlertThrottle tracks dedup/throttle state per (channel, dedup_key).
type AlertThrottle struct {
	ChannelName string
	DedupKey    string
	LastSentAt  time.Time
	SendCount   int
	ExpiresAt   time.Time
}
