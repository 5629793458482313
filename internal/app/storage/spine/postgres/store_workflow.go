package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

const workflowRunColumns = `id, workflow_name, workflow_version, params, status,
	total_steps, completed_steps, failed_steps, skipped_steps, created_at, started_at, completed_at`

func scanWorkflowRun(row interface{ Scan(...any) error }) (domain.WorkflowRun, error) {
	var (
		run       domain.WorkflowRun
		version   sql.NullString
		paramsRaw []byte
		startedAt sql.NullTime
		completed sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.WorkflowName, &version, &paramsRaw, &run.Status,
		&run.TotalSteps, &run.CompletedSteps, &run.FailedSteps, &run.SkippedSteps,
		&run.CreatedAt, &startedAt, &completed); err != nil {
		return domain.WorkflowRun{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.WorkflowVersion = version.String
	run.Params = unmarshalMap(paramsRaw)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completed)
	return run, nil
}

func (s *Store) CreateWorkflowRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	paramsJSON, err := marshalMap(run.Params)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_runs (id, workflow_name, workflow_version, params, status,
			total_steps, completed_steps, failed_steps, skipped_steps, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.WorkflowName, nullString(run.WorkflowVersion), paramsJSON, run.Status,
		run.TotalSteps, run.CompletedSteps, run.FailedSteps, run.SkippedSteps,
		run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return domain.WorkflowRun{}, normalize(err)
	}
	return run, nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowRunColumns+`
		FROM core_workflow_runs
		WHERE id = $1
	`, id)

	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return domain.WorkflowRun{}, spineerr.New(domain.CategoryNotFound, "workflow run not found")
	}
	if err != nil {
		return domain.WorkflowRun{}, normalize(err)
	}
	return run, nil
}

func (s *Store) UpdateWorkflowRun(ctx context.Context, run domain.WorkflowRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_workflow_runs
		SET status = $2, total_steps = $3, completed_steps = $4, failed_steps = $5,
			skipped_steps = $6, started_at = $7, completed_at = $8
		WHERE id = $1
	`, run.ID, run.Status, run.TotalSteps, run.CompletedSteps, run.FailedSteps,
		run.SkippedSteps, run.StartedAt, run.CompletedAt)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "workflow run not found")
	}
	return nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, workflowName string, limit int) ([]domain.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowRunColumns+`
		FROM core_workflow_runs
		WHERE $1 = '' OR workflow_name = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, workflowName, limit)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, run)
	}
	return out, normalize(rows.Err())
}

func (s *Store) UpsertStep(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error) {
	errJSON, err := marshalExecError(step.Error)
	if err != nil {
		return domain.WorkflowStep{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_steps (run_id, step_name, attempt, status, execution_id,
			started_at, completed_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, step_name, attempt) DO UPDATE
		SET status = EXCLUDED.status,
			execution_id = EXCLUDED.execution_id,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error
	`, step.RunID, step.StepName, step.Attempt, step.Status, nullString(step.ExecutionID),
		step.StartedAt, step.CompletedAt, errJSON)
	if err != nil {
		return domain.WorkflowStep{}, normalize(err)
	}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]domain.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_name, attempt, status, execution_id, started_at, completed_at, error
		FROM core_workflow_steps
		WHERE run_id = $1
		ORDER BY step_name, attempt
	`, runID)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.WorkflowStep
	for rows.Next() {
		var (
			step      domain.WorkflowStep
			execID    sql.NullString
			startedAt sql.NullTime
			completed sql.NullTime
			errorRaw  []byte
		)
		if err := rows.Scan(&step.RunID, &step.StepName, &step.Attempt, &step.Status,
			&execID, &startedAt, &completed, &errorRaw); err != nil {
			return nil, normalize(err)
		}
		step.ExecutionID = execID.String
		step.StartedAt = timePtr(startedAt)
		step.CompletedAt = timePtr(completed)
		step.Error = unmarshalExecError(errorRaw)
		out = append(out, step)
	}
	return out, normalize(rows.Err())
}

// AppendEventIdempotent inserts the event unless its idempotency_key has
// already been recorded for the run; ON CONFLICT DO NOTHING makes retried
// handlers harmless.
func (s *Store) AppendEventIdempotent(ctx context.Context, event domain.WorkflowEvent) (bool, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	dataJSON, err := marshalMap(event.Data)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO core_workflow_events (id, run_id, step_name, attempt, event_type,
			idempotency_key, data, event_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT uq_core_workflow_events_idem DO NOTHING
	`, event.ID, event.RunID, nullString(event.StepName), event.Attempt, event.EventType,
		event.IdempotencyKey, dataJSON, event.Timestamp)
	if err != nil {
		return false, normalize(err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ListWorkflowEvents(ctx context.Context, runID string, cursor string) ([]domain.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_name, attempt, event_type, idempotency_key, data, event_ts
		FROM core_workflow_events
		WHERE run_id = $1 AND ($2 = '' OR id > $2)
		ORDER BY event_ts, id
	`, runID, cursor)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.WorkflowEvent
	for rows.Next() {
		var (
			ev       domain.WorkflowEvent
			stepName sql.NullString
			dataRaw  []byte
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepName, &ev.Attempt, &ev.EventType,
			&ev.IdempotencyKey, &dataRaw, &ev.Timestamp); err != nil {
			return nil, normalize(err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.StepName = stepName.String
		ev.Data = unmarshalMap(dataRaw)
		out = append(out, ev)
	}
	return out, normalize(rows.Err())
}
