package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// Upsert validates the schedule definition, computes its first next_run_at
// when absent, and persists it idempotently by name. The Scheduler owns
// every write to the schedules tables, so admin surfaces route through it.
func (s *Scheduler) Upsert(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	if sched.Name == "" {
		return domain.Schedule{}, spineerr.New(domain.CategoryValidation, "schedule name required")
	}
	if sched.Target == "" {
		return domain.Schedule{}, spineerr.New(domain.CategoryValidation, "schedule target required")
	}
	if sched.TargetType == "" {
		sched.TargetType = domain.TargetPipeline
	}
	if sched.MaxInstances <= 0 {
		sched.MaxInstances = 1
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if sched.MisfireGraceSeconds <= 0 {
		sched.MisfireGraceSeconds = s.cfg.DefaultMisfireGraceSeconds
	}

	if sched.NextRunAt == nil {
		next, err := firstFireTime(sched, s.clock.Now())
		if err != nil {
			return domain.Schedule{}, err
		}
		sched.NextRunAt = next
	}
	return s.store.UpsertSchedule(ctx, sched)
}

// firstFireTime computes the initial next_run_at for a fresh schedule.
func firstFireTime(sched domain.Schedule, now time.Time) (*time.Time, error) {
	switch sched.ScheduleType {
	case domain.ScheduleCron:
		next, err := nextCronTick(sched.Expression, sched.Timezone, now)
		if err != nil {
			return nil, spineerr.Wrap(domain.CategoryValidation, "invalid cron expression", err)
		}
		return &next, nil
	case domain.ScheduleInterval:
		interval, err := time.ParseDuration(sched.Expression)
		if err != nil || interval <= 0 {
			return nil, spineerr.New(domain.CategoryValidation, fmt.Sprintf("invalid interval expression %q", sched.Expression))
		}
		next := now.Add(interval)
		return &next, nil
	case domain.ScheduleAt:
		at, err := time.Parse(time.RFC3339, sched.Expression)
		if err != nil {
			return nil, spineerr.New(domain.CategoryValidation, fmt.Sprintf("invalid at expression %q", sched.Expression))
		}
		at = at.UTC()
		return &at, nil
	default:
		return nil, spineerr.New(domain.CategoryValidation, fmt.Sprintf("unknown schedule type %q", sched.ScheduleType))
	}
}

// Get returns one schedule by name.
func (s *Scheduler) Get(ctx context.Context, name string) (domain.Schedule, error) {
	sched, ok, err := s.store.GetSchedule(ctx, name)
	if err != nil {
		return domain.Schedule{}, err
	}
	if !ok {
		return domain.Schedule{}, spineerr.New(domain.CategoryNotFound, "schedule not found")
	}
	return sched, nil
}

// List returns every schedule, optionally only the enabled ones.
func (s *Scheduler) List(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx, enabledOnly)
}

// SetEnabled flips a schedule on or off; disabled schedules emit no runs.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.store.SetScheduleEnabled(ctx, name, enabled)
}

// Upcoming returns the next schedules due to fire, soonest first.
func (s *Scheduler) Upcoming(ctx context.Context, limit int) ([]domain.Schedule, error) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return nil, err
	}
	var due []domain.Schedule
	for _, sched := range schedules {
		if sched.NextRunAt != nil {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Overdue returns enabled schedules whose next_run_at has already passed.
func (s *Scheduler) Overdue(ctx context.Context) ([]domain.Schedule, error) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var overdue []domain.Schedule
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			overdue = append(overdue, sched)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].NextRunAt.Before(*overdue[j].NextRunAt) })
	return overdue, nil
}

// Runs returns recent ScheduleRuns for one schedule.
func (s *Scheduler) Runs(ctx context.Context, name string, limit int) ([]domain.ScheduleRun, error) {
	return s.store.ListScheduleRuns(ctx, name, limit)
}
