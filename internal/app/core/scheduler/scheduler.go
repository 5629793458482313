// Package scheduler implements the cron/interval/at Schedule evaluator:
// a single-pass-per-tick loop that computes due
// fire-times, coalesces misfires under max_instances=1, submits runs to a
// Dispatcher or starts a workflow run, and advances next_run_at per schedule
// type. It does not enqueue work items.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/dispatcher"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/metrics"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// Submitter is the narrow surface the Scheduler needs from the Dispatcher
// to fire a pipeline-targeted schedule.
type Submitter interface {
	Submit(ctx context.Context, pipeline string, params map[string]any, opts dispatcher.SubmitOptions) (domain.Execution, error)
}

// WorkflowStarter is the narrow surface needed to fire a workflow-targeted
// schedule.
type WorkflowStarter interface {
	Start(ctx context.Context, workflowName string, params map[string]any) (domain.WorkflowRun, error)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config bounds Scheduler tick cadence, default misfire grace, and the
// catch-up lookback window.
type Config struct {
	Tick                       time.Duration
	DefaultMisfireGraceSeconds int
	MaxLookbackWeeks           int
}

// Scheduler evaluates every enabled Schedule once per tick.
type Scheduler struct {
	store     spinestorage.ScheduleStore
	clock     clock.Clock
	ids       clock.IDs
	cfg       Config
	dispatch  Submitter
	workflows WorkflowStarter
	log       *logger.Logger
	holderID  string

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a Scheduler.
func New(store spinestorage.ScheduleStore, c clock.Clock, cfg Config, dispatch Submitter, workflows WorkflowStarter, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("spine-scheduler")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DefaultMisfireGraceSeconds <= 0 {
		cfg.DefaultMisfireGraceSeconds = 300
	}
	if cfg.MaxLookbackWeeks <= 0 {
		cfg.MaxLookbackWeeks = 12
	}
	return &Scheduler{
		store:     store,
		clock:     c,
		ids:       clock.NewIDs(),
		cfg:       cfg,
		dispatch:  dispatch,
		workflows: workflows,
		log:       log,
		holderID:  clock.NewIDs().New(),
	}
}

// Name identifies the service for the lifecycle manager.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises the scheduler's placement for orchestration tooling.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "scheduler", Layer: core.LayerControl}.
		WithCapabilities("cron", "interval", "at", "misfire-coalescing")
}

// Start begins the periodic evaluation loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()
	s.log.Info("scheduler started")
	return nil
}

// Stop halts the evaluation loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Tick runs one evaluation pass over every enabled schedule. It is
// exported so tests and an at-least-once cron wrapper CLI can drive it
// deterministically without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.log.WithError(err).Warn("scheduler failed to list schedules")
		return
	}
	now := s.clock.Now()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		if err := s.evaluate(ctx, sched, now); err != nil {
			s.log.WithError(err).WithField("schedule", sched.Name).Warn("schedule evaluation failed")
			_, _ = s.store.CreateScheduleRun(ctx, domain.ScheduleRun{
				ID:           s.ids.New(),
				ScheduleName: sched.Name,
				ScheduledAt:  now,
				Status:       domain.ScheduleRunFailed,
				SkipReason:   err.Error(),
			})
		}
	}
}

// evaluate runs one schedule: lock, enumerate due fire-times, coalesce,
// fire or record misses, and advance next_run_at.
func (s *Scheduler) evaluate(ctx context.Context, sched domain.Schedule, now time.Time) error {
	graceSeconds := sched.MisfireGraceSeconds
	if graceSeconds <= 0 {
		graceSeconds = s.cfg.DefaultMisfireGraceSeconds
	}
	grace := time.Duration(graceSeconds) * time.Second

	// a. Acquire the per-schedule lock; skip entirely if another scheduler
	// instance already holds it.
	lockTTL := grace + 30*time.Second
	if _, err := s.store.AcquireScheduleLock(ctx, domain.ScheduleLock{
		ScheduleName: sched.Name,
		HolderID:     s.holderID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(lockTTL),
	}); err != nil {
		return nil
	}
	defer s.store.ReleaseScheduleLock(ctx, sched.Name, s.holderID)

	// b. Determine due fire-times in (last_run_at, now].
	fireTimes, err := dueFireTimes(sched, now, s.cfg.MaxLookbackWeeks)
	if err != nil {
		return err
	}

	if len(fireTimes) > 1 && sched.MaxInstances == 1 {
		latest := fireTimes[len(fireTimes)-1]
		for _, ft := range fireTimes[:len(fireTimes)-1] {
			s.recordCoalesced(ctx, sched.Name, ft)
		}
		fireTimes = []time.Time{latest}
	}

	var lastRunAt *time.Time
	lastStatus := sched.LastRunStatus
	for _, ft := range fireTimes {
		if now.Sub(ft) > grace {
			s.recordMissed(ctx, sched.Name, ft, "outside_grace")
			continue
		}
		if err := s.fire(ctx, sched, ft); err != nil {
			lastStatus = "failed"
			continue
		}
		t := ft
		lastRunAt = &t
		lastStatus = "submitted"
	}
	if lastRunAt == nil && sched.LastRunAt != nil {
		lastRunAt = sched.LastRunAt
	}

	// e. Compute the next next_run_at strictly greater than now.
	var nextRunAt *time.Time
	enabled := sched.Enabled
	switch sched.ScheduleType {
	case domain.ScheduleCron:
		next, err := nextCronTick(sched.Expression, sched.Timezone, now)
		if err != nil {
			return err
		}
		nextRunAt = &next
	case domain.ScheduleInterval:
		interval, err := time.ParseDuration(sched.Expression)
		if err != nil {
			return fmt.Errorf("parse interval expression: %w", err)
		}
		base := now
		if lastRunAt != nil {
			base = *lastRunAt
		}
		next := base.Add(interval)
		for !next.After(now) {
			next = next.Add(interval)
		}
		nextRunAt = &next
	case domain.ScheduleAt:
		nextRunAt = nil
		enabled = false
	}

	if err := s.store.UpdateAfterEvaluation(ctx, sched.Name, sched.Version, nextRunAt, lastRunAt, lastStatus); err != nil {
		return err
	}
	if !enabled {
		return s.store.SetScheduleEnabled(ctx, sched.Name, false)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched domain.Schedule, firedAt time.Time) error {
	idempotencyKey := sched.Name + "|" + firedAt.UTC().Format(time.RFC3339)
	run := domain.ScheduleRun{
		ID:           s.ids.New(),
		ScheduleName: sched.Name,
		ScheduledAt:  firedAt,
		Status:       domain.ScheduleRunPending,
	}
	run, err := s.store.CreateScheduleRun(ctx, run)
	if err != nil {
		return err
	}

	startedAt := s.clock.Now()
	run.StartedAt = &startedAt
	run.Status = domain.ScheduleRunRunning

	switch sched.TargetType {
	case domain.TargetWorkflow:
		if s.workflows == nil {
			return spineerr.New(domain.CategoryDependency, "no workflow runner configured")
		}
		wf, err := s.workflows.Start(ctx, sched.Target, sched.Params)
		if err != nil {
			run.Status = domain.ScheduleRunFailed
			_ = s.store.UpdateScheduleRun(ctx, run)
			return err
		}
		run.RunID = wf.ID
	default:
		if s.dispatch == nil {
			return spineerr.New(domain.CategoryDependency, "no dispatcher configured")
		}
		exec, err := s.dispatch.Submit(ctx, sched.Target, sched.Params, dispatcher.SubmitOptions{
			TriggerSource:  domain.TriggerScheduler,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			run.Status = domain.ScheduleRunFailed
			_ = s.store.UpdateScheduleRun(ctx, run)
			return err
		}
		run.RunID = exec.ID
	}

	completedAt := s.clock.Now()
	run.CompletedAt = &completedAt
	run.Status = domain.ScheduleRunCompleted
	metrics.RecordScheduleRun(sched.Name, string(run.Status))
	return s.store.UpdateScheduleRun(ctx, run)
}

func (s *Scheduler) recordMissed(ctx context.Context, scheduleName string, firedAt time.Time, reason string) {
	metrics.RecordScheduleRun(scheduleName, string(domain.ScheduleRunMissed))
	_, _ = s.store.CreateScheduleRun(ctx, domain.ScheduleRun{
		ID:           s.ids.New(),
		ScheduleName: scheduleName,
		ScheduledAt:  firedAt,
		Status:       domain.ScheduleRunMissed,
		SkipReason:   reason,
	})
}

func (s *Scheduler) recordCoalesced(ctx context.Context, scheduleName string, firedAt time.Time) {
	s.recordMissed(ctx, scheduleName, firedAt, "coalesced")
}

// dueFireTimes enumerates fire-times in (last_run_at, now], bounded by
// max_lookback_weeks to avoid unbounded enumeration after a long outage.
func dueFireTimes(sched domain.Schedule, now time.Time, maxLookbackWeeks int) ([]time.Time, error) {
	lowerBound := now.Add(-time.Duration(maxLookbackWeeks) * 7 * 24 * time.Hour)
	var since time.Time
	if sched.LastRunAt != nil && sched.LastRunAt.After(lowerBound) {
		since = *sched.LastRunAt
	} else {
		since = lowerBound
	}

	switch sched.ScheduleType {
	case domain.ScheduleAt:
		at, err := time.Parse(time.RFC3339, sched.Expression)
		if err != nil {
			return nil, fmt.Errorf("parse at expression: %w", err)
		}
		if at.After(since) && !at.After(now) {
			return []time.Time{at}, nil
		}
		return nil, nil
	case domain.ScheduleInterval:
		interval, err := time.ParseDuration(sched.Expression)
		if err != nil {
			return nil, fmt.Errorf("parse interval expression: %w", err)
		}
		if interval <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		var out []time.Time
		next := since.Add(interval)
		for !next.After(now) {
			out = append(out, next)
			next = next.Add(interval)
		}
		return out, nil
	default:
		sc, err := cronParser.Parse(sched.Expression)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression: %w", err)
		}
		loc, err := loadLocation(sched.Timezone)
		if err != nil {
			return nil, err
		}
		var out []time.Time
		cursor := since.In(loc)
		for {
			next := sc.Next(cursor)
			if next.IsZero() || next.After(now) {
				break
			}
			out = append(out, next.UTC())
			cursor = next
		}
		return out, nil
	}
}

func nextCronTick(expression, timezone string, after time.Time) (time.Time, error) {
	sc, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sc.Next(after.In(loc)).UTC(), nil
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return loc, nil
}
