package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

const executionColumns = `id, pipeline, params, lane, trigger_source, status, created_at,
	started_at, completed_at, parent_execution_id, retry_count, idempotency_key,
	result, error, logical_key`

func scanExecution(row interface{ Scan(...any) error }) (domain.Execution, error) {
	var (
		e         domain.Execution
		paramsRaw []byte
		startedAt sql.NullTime
		completed sql.NullTime
		parentID  sql.NullString
		idemKey   sql.NullString
		resultRaw []byte
		errorRaw  []byte
		logical   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Pipeline, &paramsRaw, &e.Lane, &e.TriggerSource, &e.Status,
		&e.CreatedAt, &startedAt, &completed, &parentID, &e.RetryCount, &idemKey,
		&resultRaw, &errorRaw, &logical); err != nil {
		return domain.Execution{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.Params = unmarshalMap(paramsRaw)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completed)
	e.ParentExecutionID = parentID.String
	e.IdempotencyKey = idemKey.String
	e.Result = unmarshalMap(resultRaw)
	e.Error = unmarshalExecError(errorRaw)
	e.LogicalKey = logical.String
	return e, nil
}

func insertExecutionTx(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	paramsJSON, err := marshalMap(e.Params)
	if err != nil {
		return err
	}
	resultJSON, err := marshalMap(e.Result)
	if err != nil {
		return err
	}
	errJSON, err := marshalExecError(e.Error)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_executions (id, pipeline, params, lane, trigger_source, status,
			created_at, started_at, completed_at, parent_execution_id, retry_count,
			idempotency_key, result, error, logical_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, e.ID, e.Pipeline, paramsJSON, e.Lane, e.TriggerSource, e.Status,
		e.CreatedAt, e.StartedAt, e.CompletedAt, nullString(e.ParentExecutionID), e.RetryCount,
		nullString(e.IdempotencyKey), resultJSON, errJSON, nullString(e.LogicalKey))
	return err
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev domain.ExecutionEvent) error {
	dataJSON, err := marshalMap(ev.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_execution_events (execution_id, event_type, event_ts, data)
		VALUES ($1, $2, $3, $4)
	`, ev.ExecutionID, ev.Type, ev.Timestamp, dataJSON)
	return err
}

func (s *Store) CreateExecutionWithEvent(ctx context.Context, exec domain.Execution, event domain.ExecutionEvent) (domain.Execution, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertExecutionTx(ctx, tx, exec); err != nil {
			return normalize(err)
		}
		if err := appendEventTx(ctx, tx, event); err != nil {
			return normalize(err)
		}
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return exec, nil
}

func (s *Store) FindOpenByIdempotencyKey(ctx context.Context, pipeline, key string) (domain.Execution, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM core_executions
		WHERE pipeline = $1 AND idempotency_key = $2
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'dead_lettered')
		ORDER BY created_at
		LIMIT 1
	`, pipeline, key)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return domain.Execution{}, false, nil
	}
	if err != nil {
		return domain.Execution{}, false, normalize(err)
	}
	return e, true, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM core_executions
		WHERE id = $1
	`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return domain.Execution{}, spineerr.ExecutionNotFound(id)
	}
	if err != nil {
		return domain.Execution{}, normalize(err)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter spinestorage.ExecutionFilter) ([]domain.Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM core_executions
		WHERE ($1 = '' OR pipeline = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR lane = $3)
		  AND ($4 = '' OR id > $4)
		ORDER BY id
		LIMIT $5
	`, filter.Pipeline, string(filter.Status), string(filter.Lane), filter.Cursor, limit)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, e)
	}
	return out, normalize(rows.Err())
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error) {
	var updated domain.Execution
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+`
			FROM core_executions
			WHERE id = $1
			FOR UPDATE
		`, id)
		e, err := scanExecution(row)
		if err == sql.ErrNoRows {
			return spineerr.ExecutionNotFound(id)
		}
		if err != nil {
			return normalize(err)
		}
		if e.Status != from {
			return spineerr.New(domain.CategoryConflict, "execution status changed concurrently")
		}
		e.Status = to
		if mutate != nil {
			mutate(&e)
		}

		resultJSON, err := marshalMap(e.Result)
		if err != nil {
			return err
		}
		errJSON, err := marshalExecError(e.Error)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_executions
			SET status = $2, started_at = $3, completed_at = $4, retry_count = $5,
				result = $6, error = $7
			WHERE id = $1
		`, e.ID, e.Status, e.StartedAt, e.CompletedAt, e.RetryCount, resultJSON, errJSON); err != nil {
			return normalize(err)
		}
		updated = e
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.ExecutionEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return normalize(appendEventTx(ctx, tx, event))
	})
}

func (s *Store) ListEvents(ctx context.Context, executionID string) ([]domain.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, event_type, event_ts, data
		FROM core_execution_events
		WHERE execution_id = $1
		ORDER BY event_ts, id
	`, executionID)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.ExecutionEvent
	for rows.Next() {
		var (
			ev      domain.ExecutionEvent
			seq     int64
			dataRaw []byte
		)
		if err := rows.Scan(&seq, &ev.ExecutionID, &ev.Type, &ev.Timestamp, &dataRaw); err != nil {
			return nil, normalize(err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		ev.Data = unmarshalMap(dataRaw)
		out = append(out, ev)
	}
	return out, normalize(rows.Err())
}

func (s *Store) CreateDeadLetterTerminal(ctx context.Context, exec domain.Execution, dl domain.DeadLetter) (domain.Execution, error) {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	var updated domain.Execution
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+`
			FROM core_executions
			WHERE id = $1
			FOR UPDATE
		`, exec.ID)
		e, err := scanExecution(row)
		if err == sql.ErrNoRows {
			return spineerr.ExecutionNotFound(exec.ID)
		}
		if err != nil {
			return normalize(err)
		}

		e.Status = domain.ExecutionDeadLettered
		if exec.CompletedAt != nil {
			e.CompletedAt = exec.CompletedAt
		}
		if exec.Error != nil {
			e.Error = exec.Error
		}

		errJSON, err := marshalExecError(e.Error)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_executions
			SET status = $2, completed_at = $3, error = $4
			WHERE id = $1
		`, e.ID, e.Status, e.CompletedAt, errJSON); err != nil {
			return normalize(err)
		}

		dlParams, err := marshalMap(dl.Params)
		if err != nil {
			return err
		}
		dlErr, err := marshalExecError(dl.Error)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_dead_letters (id, execution_id, pipeline, params, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, dl.ID, dl.ExecutionID, dl.Pipeline, dlParams, dlErr, dl.CreatedAt); err != nil {
			return normalize(err)
		}
		updated = e
		return nil
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return updated, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, executionID string) (domain.DeadLetter, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, pipeline, params, error, created_at, resolved_at, resolved_by
		FROM core_dead_letters
		WHERE execution_id = $1
	`, executionID)

	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return domain.DeadLetter{}, false, nil
	}
	if err != nil {
		return domain.DeadLetter{}, false, normalize(err)
	}
	return dl, true, nil
}

func scanDeadLetter(row interface{ Scan(...any) error }) (domain.DeadLetter, error) {
	var (
		dl         domain.DeadLetter
		paramsRaw  []byte
		errorRaw   []byte
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)
	if err := row.Scan(&dl.ID, &dl.ExecutionID, &dl.Pipeline, &paramsRaw, &errorRaw,
		&dl.CreatedAt, &resolvedAt, &resolvedBy); err != nil {
		return domain.DeadLetter{}, err
	}
	dl.CreatedAt = dl.CreatedAt.UTC()
	dl.Params = unmarshalMap(paramsRaw)
	dl.Error = unmarshalExecError(errorRaw)
	dl.ResolvedAt = timePtr(resolvedAt)
	dl.ResolvedBy = resolvedBy.String
	return dl, nil
}

func (s *Store) ResolveDeadLetter(ctx context.Context, executionID, resolvedBy string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_dead_letters
		SET resolved_at = $2, resolved_by = $3
		WHERE execution_id = $1
	`, executionID, at, resolvedBy)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "dead letter not found")
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, onlyUnresolved bool) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, pipeline, params, error, created_at, resolved_at, resolved_by
		FROM core_dead_letters
		WHERE NOT $1 OR resolved_at IS NULL
		ORDER BY created_at
	`, onlyUnresolved)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, dl)
	}
	return out, normalize(rows.Err())
}
