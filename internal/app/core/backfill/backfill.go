// Package backfill implements the Watermark & Backfill Planner:
// per-(domain, source, partition) progress cursors and bounded, resumable
// re-ingest plans drained through the Work-Item Queue.
package backfill

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/workqueue"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/metrics"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// PartitionFunc expands a date range into the domain's partition keys.
type PartitionFunc func(from, to time.Time) []string

// Weekly returns a PartitionFunc that emits one key per week ending on the
// given weekday, formatted as an ISO date. FINRA OTC transparency weeks
// end on Friday.
func Weekly(weekEnd time.Weekday) PartitionFunc {
	return func(from, to time.Time) []string {
		var keys []string
		cur := from.UTC()
		for cur.Weekday() != weekEnd {
			cur = cur.AddDate(0, 0, 1)
		}
		for !cur.After(to.UTC()) {
			keys = append(keys, cur.Format("2006-01-02"))
			cur = cur.AddDate(0, 0, 7)
		}
		return keys
	}
}

// Daily returns a PartitionFunc emitting one key per day in the range.
func Daily() PartitionFunc {
	return func(from, to time.Time) []string {
		var keys []string
		for cur := from.UTC().Truncate(24 * time.Hour); !cur.After(to.UTC()); cur = cur.AddDate(0, 0, 1) {
			keys = append(keys, cur.Format("2006-01-02"))
		}
		return keys
	}
}

// AnomalyRecorder is the narrow capture-service surface the planner needs
// to log watermark rewinds.
type AnomalyRecorder interface {
	RecordAnomaly(ctx context.Context, a domain.Anomaly) (domain.Anomaly, error)
}

// Enqueuer is the Work-Item Queue surface the planner drains plans
// through; *workqueue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, domainName, pipeline, partitionKey string, params map[string]any, desiredAt time.Time, opts workqueue.EnqueueOptions) (domain.WorkItem, error)
}

// Config bounds planning and drain behavior.
type Config struct {
	// TerminalStage is the manifest stage whose presence marks a partition
	// as already produced, excluded from new plans.
	TerminalStage string
	// DrainPerSecond caps how fast Execute enqueues partitions; zero means
	// 10/s.
	DrainPerSecond float64
	// Pipeline is the pipeline enqueued for each backfilled partition.
	Pipeline string
	// MaxAttempts is carried onto every enqueued work item.
	MaxAttempts int
}

// Planner tracks watermarks and drives backfill plans.
type Planner struct {
	watermarks spinestorage.WatermarkStore
	manifests  spinestorage.CaptureStore
	queue      Enqueuer
	anomalies  AnomalyRecorder
	clock      clock.Clock
	ids        clock.IDs
	log        *logger.Logger

	partitions map[string]PartitionFunc // domain -> template
}

// New constructs a Planner.
func New(watermarks spinestorage.WatermarkStore, manifests spinestorage.CaptureStore, queue Enqueuer, anomalies AnomalyRecorder, c clock.Clock, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.NewDefault("spine-backfill")
	}
	return &Planner{
		watermarks: watermarks,
		manifests:  manifests,
		queue:      queue,
		anomalies:  anomalies,
		clock:      c,
		ids:        clock.NewIDs(),
		log:        log,
		partitions: map[string]PartitionFunc{},
	}
}

// RegisterPartitionTemplate wires the partition expansion for a domain.
func (p *Planner) RegisterPartitionTemplate(domainName string, fn PartitionFunc) {
	p.partitions[domainName] = fn
}

// AdvanceWatermark moves the high watermark monotonically forward.
func (p *Planner) AdvanceWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time, metadata map[string]any) (domain.Watermark, error) {
	return p.watermarks.AdvanceWatermark(ctx, domainName, source, partitionKey, high, metadata)
}

// RewindWatermark is the only sanctioned decrease path; every rewind
// records a companion anomaly with category watermark_rewind.
func (p *Planner) RewindWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time, reason string) (domain.Watermark, error) {
	prev, _, err := p.watermarks.GetWatermark(ctx, domainName, source, partitionKey)
	if err != nil {
		return domain.Watermark{}, err
	}
	w, err := p.watermarks.RewindWatermark(ctx, domainName, source, partitionKey, high)
	if err != nil {
		return domain.Watermark{}, err
	}
	if p.anomalies != nil {
		_, _ = p.anomalies.RecordAnomaly(ctx, domain.Anomaly{
			Domain:       domainName,
			PartitionKey: partitionKey,
			Severity:     string(domain.SeverityWarn),
			Category:     "watermark_rewind",
			Details: map[string]any{
				"source":     source,
				"reason":     reason,
				"rewound_to": high.Format(time.RFC3339),
				"previous":   prev.HighWater.Format(time.RFC3339),
			},
			CreatedAt: p.clock.Now(),
		})
	}
	return w, nil
}

// Watermark exposes the current cursor for one key.
func (p *Planner) Watermark(ctx context.Context, domainName, source, partitionKey string) (domain.Watermark, bool, error) {
	return p.watermarks.GetWatermark(ctx, domainName, source, partitionKey)
}

// Plan enumerates the range's partitions, subtracts those already present
// in the manifest at the required terminal stage, and persists a new plan.
func (p *Planner) Plan(ctx context.Context, domainName, source string, from, to time.Time, cfg Config) (domain.BackfillPlan, error) {
	expand, ok := p.partitions[domainName]
	if !ok {
		return domain.BackfillPlan{}, spineerr.New(domain.CategoryValidation, "no partition template registered for domain "+domainName)
	}
	if cfg.TerminalStage == "" {
		return domain.BackfillPlan{}, spineerr.New(domain.CategoryValidation, "terminal stage required")
	}

	var missing []string
	for _, key := range expand(from, to) {
		if _, present, err := p.manifests.GetManifest(ctx, domainName, key, cfg.TerminalStage); err != nil {
			return domain.BackfillPlan{}, err
		} else if !present {
			missing = append(missing, key)
		}
	}

	now := p.clock.Now()
	plan := domain.BackfillPlan{
		PlanID:        p.ids.New(),
		Domain:        domainName,
		Source:        source,
		RangeFrom:     from.UTC(),
		RangeTo:       to.UTC(),
		PartitionKeys: missing,
		FailedKeys:    map[string]string{},
		Status:        domain.BackfillPlanned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(missing) > 0 {
		plan.Checkpoint = missing[0]
	} else {
		plan.Status = domain.BackfillCompleted
		plan.ProgressPct = 100
	}
	return p.watermarks.CreateBackfillPlan(ctx, plan)
}

// Execute drains a planned|running plan by enqueueing one partition at a
// time onto the Work-Item Queue, advancing the checkpoint and moving keys
// into completed_keys or failed_keys after each step.
// Re-invoking Execute on a resumed plan skips completed keys and picks up
// from the stored checkpoint.
func (p *Planner) Execute(ctx context.Context, planID string, cfg Config) (domain.BackfillPlan, error) {
	plan, ok, err := p.watermarks.GetBackfillPlan(ctx, planID)
	if err != nil {
		return domain.BackfillPlan{}, err
	}
	if !ok {
		return domain.BackfillPlan{}, spineerr.New(domain.CategoryNotFound, "backfill plan not found")
	}
	if plan.Status != domain.BackfillPlanned && plan.Status != domain.BackfillRunning {
		return plan, spineerr.New(domain.CategoryConflict, "plan is not resumable from status "+string(plan.Status))
	}
	if cfg.Pipeline == "" {
		return plan, spineerr.New(domain.CategoryValidation, "pipeline required")
	}

	perSecond := cfg.DrainPerSecond
	if perSecond <= 0 {
		perSecond = 10
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	completed := map[string]bool{}
	for _, k := range plan.CompletedKeys {
		completed[k] = true
	}
	if plan.FailedKeys == nil {
		plan.FailedKeys = map[string]string{}
	}

	plan.Status = domain.BackfillRunning
	started := false
	for _, key := range plan.PartitionKeys {
		if completed[key] {
			continue
		}
		if _, failed := plan.FailedKeys[key]; failed {
			continue
		}
		if !started && plan.Checkpoint != "" && key < plan.Checkpoint {
			continue
		}
		started = true

		if err := limiter.Wait(ctx); err != nil {
			plan.UpdatedAt = p.clock.Now()
			_ = p.watermarks.UpdateBackfillPlan(ctx, plan)
			return plan, err
		}

		params := map[string]any{"partition_key": key, "backfill_plan_id": plan.PlanID}
		_, enqueueErr := p.queue.Enqueue(ctx, plan.Domain, cfg.Pipeline, key, params, p.clock.Now(), workqueue.EnqueueOptions{
			MaxAttempts:     cfg.MaxAttempts,
			SkipIfCompleted: false,
		})
		if enqueueErr != nil {
			plan.FailedKeys[key] = enqueueErr.Error()
			metrics.RecordBackfillPartition(plan.Domain, "failed")
		} else {
			plan.CompletedKeys = append(plan.CompletedKeys, key)
			completed[key] = true
			metrics.RecordBackfillPartition(plan.Domain, "completed")
		}

		plan.Checkpoint = nextCheckpoint(plan.PartitionKeys, completed, plan.FailedKeys)
		plan.ProgressPct = progress(plan)
		plan.UpdatedAt = p.clock.Now()
		if err := p.watermarks.UpdateBackfillPlan(ctx, plan); err != nil {
			return plan, err
		}
	}

	if len(plan.FailedKeys) == 0 && len(plan.CompletedKeys) == len(plan.PartitionKeys) {
		plan.Status = domain.BackfillCompleted
	} else if len(plan.CompletedKeys)+len(plan.FailedKeys) == len(plan.PartitionKeys) {
		plan.Status = domain.BackfillFailed
	}
	plan.ProgressPct = progress(plan)
	plan.UpdatedAt = p.clock.Now()
	if err := p.watermarks.UpdateBackfillPlan(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// RetryFailed clears a plan's failed keys so the next Execute attempts
// them again.
func (p *Planner) RetryFailed(ctx context.Context, planID string) (domain.BackfillPlan, error) {
	plan, ok, err := p.watermarks.GetBackfillPlan(ctx, planID)
	if err != nil {
		return domain.BackfillPlan{}, err
	}
	if !ok {
		return domain.BackfillPlan{}, spineerr.New(domain.CategoryNotFound, "backfill plan not found")
	}
	plan.FailedKeys = map[string]string{}
	if plan.Status == domain.BackfillFailed {
		plan.Status = domain.BackfillRunning
	}
	completed := map[string]bool{}
	for _, k := range plan.CompletedKeys {
		completed[k] = true
	}
	plan.Checkpoint = nextCheckpoint(plan.PartitionKeys, completed, plan.FailedKeys)
	plan.ProgressPct = progress(plan)
	plan.UpdatedAt = p.clock.Now()
	if err := p.watermarks.UpdateBackfillPlan(ctx, plan); err != nil {
		return plan, err
	}
	return plan, nil
}

// Cancel marks a plan cancelled; Execute refuses cancelled plans.
func (p *Planner) Cancel(ctx context.Context, planID string) error {
	plan, ok, err := p.watermarks.GetBackfillPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !ok {
		return spineerr.New(domain.CategoryNotFound, "backfill plan not found")
	}
	plan.Status = domain.BackfillCancelled
	plan.UpdatedAt = p.clock.Now()
	return p.watermarks.UpdateBackfillPlan(ctx, plan)
}

// GetPlan returns one plan by ID.
func (p *Planner) GetPlan(ctx context.Context, planID string) (domain.BackfillPlan, bool, error) {
	return p.watermarks.GetBackfillPlan(ctx, planID)
}

// nextCheckpoint is the earliest key that is neither completed nor failed.
func nextCheckpoint(keys []string, completed map[string]bool, failed map[string]string) string {
	for _, k := range keys {
		if completed[k] {
			continue
		}
		if _, ok := failed[k]; ok {
			continue
		}
		return k
	}
	return ""
}

func progress(plan domain.BackfillPlan) float64 {
	if len(plan.PartitionKeys) == 0 {
		return 100
	}
	return float64(len(plan.CompletedKeys)) / float64(len(plan.PartitionKeys)) * 100
}
