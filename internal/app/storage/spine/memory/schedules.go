package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
)

type scheduleRow struct {
	sched domain.Schedule
}

type scheduleRunRow struct {
	run domain.ScheduleRun
}

type schedLockRow struct {
	lock domain.ScheduleLock
}

func cloneSchedule(sc domain.Schedule) domain.Schedule {
	out := sc
	if sc.Params != nil {
		out.Params = cloneMap(sc.Params)
	}
	if sc.NextRunAt != nil {
		t := *sc.NextRunAt
		out.NextRunAt = &t
	}
	if sc.LastRunAt != nil {
		t := *sc.LastRunAt
		out.LastRunAt = &t
	}
	return out
}

func (s *Store) UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.schedules[sched.Name]; ok {
		sched.Version = existing.sched.Version + 1
	} else {
		sched.Version = 1
	}
	stored := cloneSchedule(sched)
	s.schedules[sched.Name] = scheduleRow{sched: stored}
	return cloneSchedule(stored), nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (domain.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.schedules[name]
	if !ok {
		return domain.Schedule{}, false, nil
	}
	return cloneSchedule(row.sched), true, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Schedule
	for _, row := range s.schedules {
		if enabledOnly && !row.sched.Enabled {
			continue
		}
		out = append(out, cloneSchedule(row.sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.schedules[name]
	if !ok {
		return spineerr.New(domain.CategoryNotFound, "schedule not found")
	}
	row.sched.Enabled = enabled
	row.sched.Version++
	s.schedules[name] = row
	return nil
}

func (s *Store) UpdateAfterEvaluation(ctx context.Context, name string, expectVersion int, nextRunAt *time.Time, lastRunAt *time.Time, lastRunStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.schedules[name]
	if !ok {
		return spineerr.New(domain.CategoryNotFound, "schedule not found")
	}
	if row.sched.Version != expectVersion {
		return spineerr.New(domain.CategoryConflict, "schedule modified concurrently")
	}
	if nextRunAt != nil {
		t := *nextRunAt
		row.sched.NextRunAt = &t
	}
	if lastRunAt != nil {
		t := *lastRunAt
		row.sched.LastRunAt = &t
	}
	if lastRunStatus != "" {
		row.sched.LastRunStatus = lastRunStatus
	}
	row.sched.Version++
	s.schedules[name] = row
	return nil
}

func (s *Store) CreateScheduleRun(ctx context.Context, run domain.ScheduleRun) (domain.ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduleRuns[run.ScheduleName] = append(s.scheduleRuns[run.ScheduleName], scheduleRunRow{run: run})
	return run, nil
}

func (s *Store) UpdateScheduleRun(ctx context.Context, run domain.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.scheduleRuns[run.ScheduleName]
	for i, r := range rows {
		if r.run.ID == run.ID {
			rows[i] = scheduleRunRow{run: run}
			s.scheduleRuns[run.ScheduleName] = rows
			return nil
		}
	}
	return spineerr.New(domain.CategoryNotFound, "schedule run not found")
}

func (s *Store) ListScheduleRuns(ctx context.Context, scheduleName string, limit int) ([]domain.ScheduleRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.scheduleRuns[scheduleName]
	out := make([]domain.ScheduleRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AcquireScheduleLock(ctx context.Context, lock domain.ScheduleLock) (domain.ScheduleLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.schedLocks[lock.ScheduleName]; ok {
		if existing.lock.ExpiresAt.After(lock.AcquiredAt) {
			return domain.ScheduleLock{}, spineerr.LockHeld(lock.ScheduleName)
		}
	}
	s.schedLocks[lock.ScheduleName] = schedLockRow{lock: lock}
	return lock, nil
}

func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleName, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.schedLocks[scheduleName]
	if !ok || row.lock.HolderID != holderID {
		return nil
	}
	delete(s.schedLocks, scheduleName)
	return nil
}
