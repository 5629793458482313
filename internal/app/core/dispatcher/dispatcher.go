// Package dispatcher implements the Executions Ledger + Dispatcher/Runner:
// Submit/Run/Cancel/Retry over the execution
// state machine, with lane-scoped retry/backoff and dead-lettering.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/lock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/registry"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/metrics"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// AlertPublisher is the narrow surface the Dispatcher needs from the
// Alert Bus; kept local to avoid a dependency cycle (alert does not
// depend on dispatcher).
type AlertPublisher interface {
	Publish(ctx context.Context, alert domain.Alert) error
}

// CaptureIssuer is the narrow surface the Dispatcher needs from the
// Capture Service to mint a capture_id passed into Pipeline.Run.
type CaptureIssuer interface {
	Issue(domainName, tier, partitionKey string) (domain.CaptureID, time.Time)
}

type noopAlerts struct{}

func (noopAlerts) Publish(ctx context.Context, alert domain.Alert) error { return nil }

// LaneLimits bounds one lane's retry policy and run timeout.
type LaneLimits struct {
	MaxConcurrency int
	Retry          ledger.RetryPolicy
	Timeout        time.Duration
}

// SubmitOptions customizes one Submit call.
type SubmitOptions struct {
	Lane               domain.Lane
	TriggerSource       domain.TriggerSource
	IdempotencyKey      string
	ParentExecutionID   string
}

// Dispatcher submits, runs, cancels, and retries executions.
type Dispatcher struct {
	registry *registry.Registry
	store    spinestorage.ExecutionStore
	locks    *lock.Service
	clock    clock.Clock
	ids      clock.IDs
	lanes    map[string]LaneLimits
	alerts   AlertPublisher
	capture  CaptureIssuer
	tracer   core.Tracer
	log      *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Dispatcher. lanes maps lane name to its limits; a
// "default" entry is used for any lane not explicitly configured.
func New(reg *registry.Registry, store spinestorage.ExecutionStore, locks *lock.Service, c clock.Clock, lanes map[string]LaneLimits, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("spine-dispatcher")
	}
	return &Dispatcher{
		registry: reg,
		store:    store,
		locks:    locks,
		clock:    c,
		ids:      clock.NewIDs(),
		lanes:    lanes,
		alerts:   noopAlerts{},
		tracer:   core.NoopTracer,
		log:      log,
		cancels:  map[string]context.CancelFunc{},
	}
}

// WithAlerts wires an Alert Bus publisher for terminal-failure alerts.
func (d *Dispatcher) WithAlerts(a AlertPublisher) *Dispatcher {
	if a != nil {
		d.alerts = a
	}
	return d
}

// WithCapture wires a Capture Service as the capture_id issuer passed to
// Pipeline.Run.
func (d *Dispatcher) WithCapture(c CaptureIssuer) *Dispatcher {
	d.capture = c
	return d
}

// WithTracer wires a span tracer around pipeline invocations.
func (d *Dispatcher) WithTracer(t core.Tracer) *Dispatcher {
	if t != nil {
		d.tracer = t
	}
	return d
}

// GetExecution returns an execution by ID, for callers (the workflow
// Runner, API handlers) that need the post-Run terminal state.
func (d *Dispatcher) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	return d.store.GetExecution(ctx, id)
}

func (d *Dispatcher) laneLimits(lane domain.Lane) LaneLimits {
	if l, ok := d.lanes[string(lane)]; ok {
		return l
	}
	if l, ok := d.lanes["default"]; ok {
		return l
	}
	return LaneLimits{MaxConcurrency: 1, Retry: ledger.RetryPolicy{MaxRetries: 0}, Timeout: 5 * time.Minute}
}

// Submit validates params, resolves an idempotency hit if one exists, and
// otherwise inserts a pending execution with a "created" event.
func (d *Dispatcher) Submit(ctx context.Context, pipelineName string, rawParams map[string]any, opts SubmitOptions) (domain.Execution, error) {
	spec, _, err := d.registry.Lookup(pipelineName)
	if err != nil {
		return domain.Execution{}, err
	}

	validated, err := registry.Validate(spec, rawParams, opts.IdempotencyKey)
	if err != nil {
		return domain.Execution{}, err
	}

	if existing, found, err := d.store.FindOpenByIdempotencyKey(ctx, pipelineName, validated.IdempotencyKey); err != nil {
		return domain.Execution{}, err
	} else if found {
		return existing, nil
	}

	lane := opts.Lane
	if lane == "" {
		lane = domain.LaneNormal
	}
	trigger := opts.TriggerSource
	if trigger == "" {
		trigger = domain.TriggerManual
	}

	now := d.clock.Now()
	exec := domain.Execution{
		ID:                d.ids.New(),
		Pipeline:          pipelineName,
		Params:            validated.Canonical,
		Lane:              lane,
		TriggerSource:     trigger,
		Status:            domain.ExecutionPending,
		CreatedAt:         now,
		IdempotencyKey:    validated.IdempotencyKey,
		ParentExecutionID: opts.ParentExecutionID,
	}

	event := ledger.NewEvent(exec.ID, domain.EventCreated, now, map[string]any{
		"pipeline":    pipelineName,
		"ingest_mode": validated.IngestMode,
	})

	return d.store.CreateExecutionWithEvent(ctx, exec, event)
}

// Cancel requests cancellation. Pending executions transition immediately;
// running executions are signaled via their cancellation token and
// eventually settle as cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, executionID, reason string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case domain.ExecutionPending:
		now := d.clock.Now()
		_, err := d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionPending, domain.ExecutionCancelled, func(e *domain.Execution) {
			e.CompletedAt = &now
		})
		if err != nil {
			return err
		}
		return d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventCancelled, now, map[string]any{"reason": reason}))
	case domain.ExecutionRunning:
		d.mu.Lock()
		cancel, ok := d.cancels[executionID]
		d.mu.Unlock()
		if ok {
			cancel()
		}
		return d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventGeneric, d.clock.Now(), map[string]any{"cancel_requested": true, "reason": reason}))
	default:
		return nil
	}
}

// Run drives one pending execution to a terminal state: it acquires the
// pipeline's concurrency lock, transitions pending -> running, invokes the
// domain pipeline, and on transient failure loops through backoff/retry
// internally until the execution completes, fails permanently, or is
// dead-lettered.
func (d *Dispatcher) Run(ctx context.Context, executionID string) error {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	spec, factory, err := d.registry.Lookup(exec.Pipeline)
	if err != nil {
		return err
	}
	limits := d.laneLimits(exec.Lane)

	lockKey := lock.ConcurrencyKey(spec.ConcurrencyKey, exec.Params)
	if lockKey != "" {
		if _, lockErr := d.locks.Acquire(ctx, lockKey, executionID, limits.Timeout); lockErr != nil {
			if holder, ok, hErr := d.locks.Holder(ctx, lockKey); hErr == nil && ok && holder.ExecutionID != executionID {
				return spineerr.New(domain.CategoryConflict, "concurrency key held by execution "+holder.ExecutionID)
			}
			return lockErr
		}
		defer d.locks.Release(ctx, lockKey, executionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if limits.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, limits.Timeout)
		defer timeoutCancel()
	}
	d.mu.Lock()
	d.cancels[executionID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, executionID)
		d.mu.Unlock()
		cancel()
	}()

	p := factory()

	for {
		now := d.clock.Now()
		attemptStart := now
		exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionPending, domain.ExecutionRunning, func(e *domain.Execution) {
			e.StartedAt = &now
		})
		if err != nil {
			return err
		}
		if err := d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventStarted, now, map[string]any{"retry_count": exec.RetryCount})); err != nil {
			return err
		}

		var captureID domain.CaptureID
		if d.capture != nil {
			captureID, _ = d.capture.Issue(spec.Name, stringParam(exec.Params, "tier"), stringParam(exec.Params, "partition_key"))
		}

		spanCtx, endSpan := d.tracer.StartSpan(runCtx, "pipeline.run", map[string]string{
			"pipeline":     exec.Pipeline,
			"execution_id": executionID,
		})
		result := p.Run(spanCtx, exec.Params, executionID, captureID, d.log)
		if result.Error != nil {
			endSpan(spineerr.New(result.Error.Category, result.Error.Message))
		} else {
			endSpan(nil)
		}

		if runCtx.Err() != nil && result.Status != domain.ExecutionCompleted {
			finishedAt := d.clock.Now()
			if runCtx.Err() == context.DeadlineExceeded {
				// Timed-out runs settle as failed, not cancelled.
				timeoutErr := &domain.ExecutionError{Category: domain.CategoryTimeout, Message: "execution exceeded lane timeout"}
				exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionRunning, domain.ExecutionFailed, func(e *domain.Execution) {
					e.CompletedAt = &finishedAt
					e.Error = timeoutErr
				})
				if err != nil {
					return err
				}
				metrics.RecordExecution(exec.Pipeline, string(exec.Lane), string(domain.ExecutionFailed), finishedAt.Sub(attemptStart))
				return d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventFailed, finishedAt, map[string]any{"category": domain.CategoryTimeout}))
			}
			exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionRunning, domain.ExecutionCancelled, func(e *domain.Execution) {
				e.CompletedAt = &finishedAt
			})
			if err != nil {
				return err
			}
			return d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventCancelled, finishedAt, nil))
		}

		if result.Status == domain.ExecutionCompleted {
			finishedAt := d.clock.Now()
			exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionRunning, domain.ExecutionCompleted, func(e *domain.Execution) {
				e.CompletedAt = &finishedAt
				e.Result = result.Metrics
			})
			if err != nil {
				return err
			}
			metrics.RecordExecution(exec.Pipeline, string(exec.Lane), string(domain.ExecutionCompleted), finishedAt.Sub(attemptStart))
			return d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventCompleted, finishedAt, map[string]any{"rows_processed": result.RowsProcessed}))
		}

		execErr := result.Error
		if execErr == nil {
			execErr = &domain.ExecutionError{Category: domain.CategoryPermanent, Message: "pipeline reported failure without detail"}
		}
		failedAt := d.clock.Now()
		if err := d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventFailed, failedAt, map[string]any{"category": execErr.Category, "message": execErr.Message})); err != nil {
			return err
		}

		retryable := execErr.Category == domain.CategoryTransient
		if retryable && exec.RetryCount < limits.Retry.MaxRetries {
			nextRetryCount := exec.RetryCount + 1
			exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionRunning, domain.ExecutionPending, func(e *domain.Execution) {
				e.RetryCount = nextRetryCount
				e.Error = execErr
			})
			if err != nil {
				return err
			}
			if err := d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventRetrying, failedAt, map[string]any{"retry_count": nextRetryCount})); err != nil {
				return err
			}

			backoff := limits.Retry.NextBackoff(exec.RetryCount - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		if retryable {
			dl := domain.DeadLetter{
				ExecutionID: executionID,
				Pipeline:    exec.Pipeline,
				Params:      exec.Params,
				Error:       execErr,
				CreatedAt:   failedAt,
			}
			exec, err = d.store.CreateDeadLetterTerminal(ctx, domain.Execution{
				ID:          executionID,
				CompletedAt: &failedAt,
				Error:       execErr,
			}, dl)
			if err != nil {
				return err
			}
			if err := d.store.AppendEvent(ctx, ledger.NewEvent(executionID, domain.EventDeadLettered, failedAt, nil)); err != nil {
				return err
			}
			metrics.RecordExecution(exec.Pipeline, string(exec.Lane), string(domain.ExecutionDeadLettered), failedAt.Sub(attemptStart))
			d.alerts.Publish(ctx, domain.Alert{
				Severity: domain.SeverityCritical,
				Title:    "execution dead-lettered: " + exec.Pipeline,
				Message:  execErr.Message,
				Source:   executionID,
				CreatedAt: failedAt,
			})
			return nil
		}

		exec, err = d.store.CompareAndSetStatus(ctx, executionID, domain.ExecutionRunning, domain.ExecutionFailed, func(e *domain.Execution) {
			e.CompletedAt = &failedAt
			e.Error = execErr
		})
		if err != nil {
			return err
		}
		metrics.RecordExecution(exec.Pipeline, string(exec.Lane), string(domain.ExecutionFailed), failedAt.Sub(attemptStart))
		d.alerts.Publish(ctx, domain.Alert{
			Severity:  domain.SeverityError,
			Title:     "execution failed: " + exec.Pipeline,
			Message:   execErr.Message,
			Source:    executionID,
			CreatedAt: failedAt,
		})
		return nil
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Retry re-submits a failed|dead_lettered execution as a brand-new
// execution carrying parent_execution_id.
func (d *Dispatcher) Retry(ctx context.Context, executionID string, mutateParams map[string]any) (domain.Execution, error) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return domain.Execution{}, err
	}
	if exec.Status != domain.ExecutionFailed && exec.Status != domain.ExecutionDeadLettered {
		return domain.Execution{}, spineerr.New(domain.CategoryValidation, "retry only valid from failed or dead_lettered")
	}

	params := make(map[string]any, len(exec.Params)+len(mutateParams))
	for k, v := range exec.Params {
		params[k] = v
	}
	for k, v := range mutateParams {
		params[k] = v
	}

	return d.Submit(ctx, exec.Pipeline, params, SubmitOptions{
		Lane:              exec.Lane,
		TriggerSource:     domain.TriggerRetry,
		ParentExecutionID: exec.ID,
	})
}
