// Package workqueue implements the durable, partition-keyed Work-Item
// Queue: Enqueue/Lease/Complete/Fail/Reclaim over a
// WorkItemStore, separating desire from attempt so backfills, schedulers,
// and bounded retries share one queue.
package workqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/metrics"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// EnqueueOptions customizes one Enqueue call.
type EnqueueOptions struct {
	Priority         int
	MaxAttempts      int
	SkipIfCompleted  bool
}

// Queue is the Work-Item Queue service.
type Queue struct {
	store spinestorage.WorkItemStore
	clock clock.Clock
	ids   clock.IDs
	log   *logger.Logger

	mu       sync.Mutex
	leaseTTL time.Duration
	backoff  ledger.RetryPolicy
}

// New constructs a Queue. leaseTTL bounds how long a Lease holds an item
// before Reclaim returns it to PENDING;
// backoff governs Fail's next_attempt_at computation.
func New(store spinestorage.WorkItemStore, c clock.Clock, leaseTTL time.Duration, backoff ledger.RetryPolicy, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.NewDefault("spine-workqueue")
	}
	return &Queue{store: store, clock: c, ids: clock.NewIDs(), log: log, leaseTTL: leaseTTL, backoff: backoff}
}

// Enqueue upserts a WorkItem by (domain, pipeline, partition_key). If an
// existing item is COMPLETED and SkipIfCompleted is false (the default),
// it is reset to PENDING.
func (q *Queue) Enqueue(ctx context.Context, domainName, pipeline, partitionKey string, params map[string]any, desiredAt time.Time, opts EnqueueOptions) (domain.WorkItem, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := q.clock.Now()
	item := domain.WorkItem{
		ID:           q.ids.New(),
		Domain:       domainName,
		Pipeline:     pipeline,
		PartitionKey: partitionKey,
		Params:       params,
		DesiredAt:    desiredAt,
		Priority:     opts.Priority,
		State:        domain.WorkItemPending,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return q.store.UpsertWorkItem(ctx, item, !opts.SkipIfCompleted)
}

// Lease atomically selects the eligible PENDING item matching filter with
// the highest priority (oldest desired_at first among equal priorities)
// and transitions it to LEASED.
func (q *Queue) Lease(ctx context.Context, workerID string, filter spinestorage.WorkItemFilter) (domain.WorkItem, bool, error) {
	now := q.clock.Now()
	item, ok, err := q.store.LeaseOne(ctx, now, workerID, now.Add(q.leaseTTL), filter)
	if err == nil && ok {
		metrics.RecordWorkItemLease(item.Domain)
	}
	return item, ok, err
}

// Complete transitions a LEASED item to COMPLETED, recording the execution
// that produced the result.
func (q *Queue) Complete(ctx context.Context, itemID, executionID string) (domain.WorkItem, error) {
	item, err := q.store.CompleteWorkItem(ctx, itemID, executionID)
	if err == nil {
		metrics.RecordWorkItemSettled(item.Domain, string(item.State))
	}
	return item, err
}

// Fail records a failed attempt. If retryable and the item has attempts
// remaining, it is returned to PENDING with a backoff-scheduled
// next_attempt_at; otherwise it becomes DEAD (retryable exhausted) or
// FAILED (non-retryable).
func (q *Queue) Fail(ctx context.Context, item domain.WorkItem, errMsg string, retryable bool) (domain.WorkItem, error) {
	var nextAttemptAt *time.Time
	if retryable && item.AttemptCount+1 < item.MaxAttempts {
		at := q.clock.Now().Add(q.backoff.NextBackoff(item.AttemptCount))
		nextAttemptAt = &at
	}
	failed, err := q.store.FailWorkItem(ctx, item.ID, errMsg, retryable, nextAttemptAt)
	if err == nil && failed.State != domain.WorkItemPending {
		metrics.RecordWorkItemSettled(failed.Domain, string(failed.State))
	}
	return failed, err
}

// Reclaim sweeps LEASED items whose lease has expired back to PENDING,
// leaving attempt_count unchanged.
func (q *Queue) Reclaim(ctx context.Context) ([]domain.WorkItem, error) {
	reclaimed, err := q.store.ReclaimExpired(ctx, q.clock.Now())
	if err == nil {
		metrics.RecordWorkItemsReclaimed(len(reclaimed))
	}
	return reclaimed, err
}

// Get returns a work item by its (domain, pipeline, partition_key) key.
func (q *Queue) Get(ctx context.Context, domainName, pipeline, partitionKey string) (domain.WorkItem, bool, error) {
	return q.store.GetWorkItem(ctx, domainName, pipeline, partitionKey)
}

// List returns work items matching filter.
func (q *Queue) List(ctx context.Context, filter spinestorage.WorkItemFilter) ([]domain.WorkItem, error) {
	return q.store.ListWorkItems(ctx, filter)
}

// Reclaimer periodically sweeps expired leases as a lifecycle-managed
// background service.
type Reclaimer struct {
	queue    *Queue
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReclaimer constructs a Reclaimer that sweeps every interval.
func NewReclaimer(q *Queue, interval time.Duration, log *logger.Logger) *Reclaimer {
	if log == nil {
		log = logger.NewDefault("spine-workqueue-reclaimer")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reclaimer{queue: q, interval: interval, log: log}
}

// Name identifies the service for the lifecycle manager.
func (r *Reclaimer) Name() string { return "workqueue-reclaimer" }

// Descriptor advertises the reclaimer's placement for orchestration tooling.
func (r *Reclaimer) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "workqueue-reclaimer", Layer: core.LayerQueue}.
		WithCapabilities("lease-reclaim")
}

// Start begins the periodic reclaim loop.
func (r *Reclaimer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				reclaimed, err := r.queue.Reclaim(runCtx)
				if err != nil {
					r.log.WithError(err).Warn("workqueue reclaim tick failed")
					continue
				}
				if len(reclaimed) > 0 {
					r.log.WithField("count", len(reclaimed)).Info("reclaimed expired work item leases")
				}
			}
		}
	}()
	r.log.Info("workqueue reclaimer started")
	return nil
}

// Stop halts the reclaim loop.
func (r *Reclaimer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("workqueue reclaimer stopped")
	return nil
}
