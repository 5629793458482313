package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

const scheduleColumns = `name, target_type, target, params, schedule_type, expression,
	timezone, enabled, max_instances, misfire_grace_seconds, next_run_at, last_run_at,
	last_run_status, version`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var (
		sch       domain.Schedule
		paramsRaw []byte
		nextRun   sql.NullTime
		lastRun   sql.NullTime
		lastState sql.NullString
	)
	if err := row.Scan(&sch.Name, &sch.TargetType, &sch.Target, &paramsRaw, &sch.ScheduleType,
		&sch.Expression, &sch.Timezone, &sch.Enabled, &sch.MaxInstances, &sch.MisfireGraceSeconds,
		&nextRun, &lastRun, &lastState, &sch.Version); err != nil {
		return domain.Schedule{}, err
	}
	sch.Params = unmarshalMap(paramsRaw)
	sch.NextRunAt = timePtr(nextRun)
	sch.LastRunAt = timePtr(lastRun)
	sch.LastRunStatus = lastState.String
	return sch, nil
}

// UpsertSchedule is idempotent by name: upserting an existing name
// overwrites its definition and bumps the version column.
func (s *Store) UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	paramsJSON, err := marshalMap(sched.Params)
	if err != nil {
		return domain.Schedule{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO core_schedules (name, target_type, target, params, schedule_type,
			expression, timezone, enabled, max_instances, misfire_grace_seconds, next_run_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
		ON CONFLICT (name) DO UPDATE
		SET target_type = EXCLUDED.target_type,
			target = EXCLUDED.target,
			params = EXCLUDED.params,
			schedule_type = EXCLUDED.schedule_type,
			expression = EXCLUDED.expression,
			timezone = EXCLUDED.timezone,
			enabled = EXCLUDED.enabled,
			max_instances = EXCLUDED.max_instances,
			misfire_grace_seconds = EXCLUDED.misfire_grace_seconds,
			next_run_at = COALESCE(EXCLUDED.next_run_at, core_schedules.next_run_at),
			version = core_schedules.version + 1
		RETURNING `+scheduleColumns+`
	`, sched.Name, sched.TargetType, sched.Target, paramsJSON, sched.ScheduleType,
		sched.Expression, sched.Timezone, sched.Enabled, sched.MaxInstances,
		sched.MisfireGraceSeconds, sched.NextRunAt)

	out, err := scanSchedule(row)
	if err != nil {
		return domain.Schedule{}, normalize(err)
	}
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, name string) (domain.Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM core_schedules
		WHERE name = $1
	`, name)

	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, false, nil
	}
	if err != nil {
		return domain.Schedule{}, false, normalize(err)
	}
	return sch, true, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM core_schedules
		WHERE NOT $1 OR enabled
		ORDER BY name
	`, enabledOnly)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, sch)
	}
	return out, normalize(rows.Err())
}

func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules
		SET enabled = $2, version = version + 1
		WHERE name = $1
	`, name, enabled)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "schedule not found")
	}
	return nil
}

func (s *Store) UpdateAfterEvaluation(ctx context.Context, name string, expectVersion int, nextRunAt *time.Time, lastRunAt *time.Time, lastRunStatus string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules
		SET next_run_at = $3,
			last_run_at = COALESCE($4, last_run_at),
			last_run_status = COALESCE(NULLIF($5, ''), last_run_status),
			version = version + 1
		WHERE name = $1 AND version = $2
	`, name, expectVersion, nextRunAt, lastRunAt, lastRunStatus)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryConflict, "schedule changed concurrently")
	}
	return nil
}

func (s *Store) CreateScheduleRun(ctx context.Context, run domain.ScheduleRun) (domain.ScheduleRun, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (id, schedule_name, scheduled_at, started_at,
			completed_at, status, run_id, skip_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.ScheduleName, run.ScheduledAt, run.StartedAt, run.CompletedAt,
		run.Status, nullString(run.RunID), nullString(run.SkipReason))
	if err != nil {
		return domain.ScheduleRun{}, normalize(err)
	}
	return run, nil
}

func (s *Store) UpdateScheduleRun(ctx context.Context, run domain.ScheduleRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_schedule_runs
		SET started_at = $2, completed_at = $3, status = $4, run_id = $5, skip_reason = $6
		WHERE id = $1
	`, run.ID, run.StartedAt, run.CompletedAt, run.Status, nullString(run.RunID), nullString(run.SkipReason))
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "schedule run not found")
	}
	return nil
}

func (s *Store) ListScheduleRuns(ctx context.Context, scheduleName string, limit int) ([]domain.ScheduleRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_name, scheduled_at, started_at, completed_at, status, run_id, skip_reason
		FROM core_schedule_runs
		WHERE schedule_name = $1
		ORDER BY scheduled_at DESC
		LIMIT $2
	`, scheduleName, limit)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.ScheduleRun
	for rows.Next() {
		var (
			run       domain.ScheduleRun
			startedAt sql.NullTime
			completed sql.NullTime
			runID     sql.NullString
			skip      sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.ScheduleName, &run.ScheduledAt, &startedAt,
			&completed, &run.Status, &runID, &skip); err != nil {
			return nil, normalize(err)
		}
		run.ScheduledAt = run.ScheduledAt.UTC()
		run.StartedAt = timePtr(startedAt)
		run.CompletedAt = timePtr(completed)
		run.RunID = runID.String
		run.SkipReason = skip.String
		out = append(out, run)
	}
	return out, normalize(rows.Err())
}
