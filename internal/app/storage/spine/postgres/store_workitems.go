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

const workItemColumns = `id, domain, pipeline, partition_key, params, desired_at, priority,
	state, attempt_count, max_attempts, last_error, next_attempt_at, locked_by, locked_at,
	lease_expires_at, current_execution_id, latest_execution_id, created_at, updated_at`

func scanWorkItem(row interface{ Scan(...any) error }) (domain.WorkItem, error) {
	var (
		w           domain.WorkItem
		paramsRaw   []byte
		lastError   sql.NullString
		nextAttempt sql.NullTime
		lockedBy    sql.NullString
		lockedAt    sql.NullTime
		leaseExp    sql.NullTime
		currentExec sql.NullString
		latestExec  sql.NullString
	)
	if err := row.Scan(&w.ID, &w.Domain, &w.Pipeline, &w.PartitionKey, &paramsRaw, &w.DesiredAt,
		&w.Priority, &w.State, &w.AttemptCount, &w.MaxAttempts, &lastError, &nextAttempt,
		&lockedBy, &lockedAt, &leaseExp, &currentExec, &latestExec, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return domain.WorkItem{}, err
	}
	w.DesiredAt = w.DesiredAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	w.Params = unmarshalMap(paramsRaw)
	w.LastError = lastError.String
	w.NextAttemptAt = timePtr(nextAttempt)
	w.LockedBy = lockedBy.String
	w.LockedAt = timePtr(lockedAt)
	w.LeaseExpiresAt = timePtr(leaseExp)
	w.CurrentExecutionID = currentExec.String
	w.LatestExecutionID = latestExec.String
	return w, nil
}

func (s *Store) UpsertWorkItem(ctx context.Context, item domain.WorkItem, resetIfCompleted bool) (domain.WorkItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	paramsJSON, err := marshalMap(item.Params)
	if err != nil {
		return domain.WorkItem{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO core_work_items (id, domain, pipeline, partition_key, params, desired_at,
			priority, state, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', 0, $8, $9, $9)
		ON CONFLICT ON CONSTRAINT uq_core_work_items_key DO UPDATE
		SET params = EXCLUDED.params,
			desired_at = EXCLUDED.desired_at,
			priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts,
			state = CASE
				WHEN core_work_items.state = 'COMPLETED' AND $10 THEN 'PENDING'
				ELSE core_work_items.state
			END,
			attempt_count = CASE
				WHEN core_work_items.state = 'COMPLETED' AND $10 THEN 0
				ELSE core_work_items.attempt_count
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+workItemColumns+`
	`, item.ID, item.Domain, item.Pipeline, item.PartitionKey, paramsJSON, item.DesiredAt,
		item.Priority, item.MaxAttempts, item.UpdatedAt, resetIfCompleted)

	w, err := scanWorkItem(row)
	if err != nil {
		return domain.WorkItem{}, normalize(err)
	}
	return w, nil
}

func (s *Store) GetWorkItem(ctx context.Context, domainName, pipeline, partitionKey string) (domain.WorkItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM core_work_items
		WHERE domain = $1 AND pipeline = $2 AND partition_key = $3
	`, domainName, pipeline, partitionKey)

	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, false, nil
	}
	if err != nil {
		return domain.WorkItem{}, false, normalize(err)
	}
	return w, true, nil
}

func (s *Store) GetWorkItemByID(ctx context.Context, id string) (domain.WorkItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM core_work_items
		WHERE id = $1
	`, id)

	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, false, nil
	}
	if err != nil {
		return domain.WorkItem{}, false, normalize(err)
	}
	return w, true, nil
}

// LeaseOne selects the highest-priority eligible PENDING item (oldest
// desired_at first among equal priorities) and transitions it to LEASED in
// one statement; SKIP LOCKED keeps concurrent workers from
// blocking on each other's candidate rows.
func (s *Store) LeaseOne(ctx context.Context, now time.Time, lockedBy string, leaseExpiresAt time.Time, filter spinestorage.WorkItemFilter) (domain.WorkItem, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE core_work_items
		SET state = 'LEASED', locked_by = $2, locked_at = $1, lease_expires_at = $3, updated_at = $1
		WHERE id = (
			SELECT id FROM core_work_items
			WHERE state = 'PENDING'
			  AND desired_at <= $1
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			  AND ($4 = '' OR domain = $4)
			  AND ($5 = '' OR pipeline = $5)
			ORDER BY priority DESC, desired_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+workItemColumns+`
	`, now, lockedBy, leaseExpiresAt, filter.Domain, filter.Pipeline)

	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, false, nil
	}
	if err != nil {
		return domain.WorkItem{}, false, normalize(err)
	}
	return w, true, nil
}

func (s *Store) CompleteWorkItem(ctx context.Context, id, executionID string) (domain.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE core_work_items
		SET state = 'COMPLETED', locked_by = NULL, locked_at = NULL, lease_expires_at = NULL,
			current_execution_id = NULL, latest_execution_id = $2, last_error = NULL,
			updated_at = now()
		WHERE id = $1 AND state = 'LEASED'
		RETURNING `+workItemColumns+`
	`, id, nullString(executionID))

	w, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, spineerr.New(domain.CategoryConflict, "work item is not leased")
	}
	if err != nil {
		return domain.WorkItem{}, normalize(err)
	}
	return w, nil
}

func (s *Store) FailWorkItem(ctx context.Context, id string, lastError string, retryable bool, nextAttemptAt *time.Time) (domain.WorkItem, error) {
	var updated domain.WorkItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+workItemColumns+`
			FROM core_work_items
			WHERE id = $1
			FOR UPDATE
		`, id)
		w, err := scanWorkItem(row)
		if err == sql.ErrNoRows {
			return spineerr.New(domain.CategoryNotFound, "work item not found")
		}
		if err != nil {
			return normalize(err)
		}
		if w.State != domain.WorkItemLeased && w.State != domain.WorkItemRunning {
			return spineerr.New(domain.CategoryConflict, "work item is not in flight")
		}

		w.AttemptCount++
		w.LastError = lastError
		w.LockedBy = ""
		w.LockedAt = nil
		w.LeaseExpiresAt = nil
		w.CurrentExecutionID = ""
		switch {
		case retryable && w.AttemptCount < w.MaxAttempts:
			w.State = domain.WorkItemPending
			w.NextAttemptAt = nextAttemptAt
		case retryable:
			w.State = domain.WorkItemDead
			w.NextAttemptAt = nil
		default:
			w.State = domain.WorkItemFailed
			w.NextAttemptAt = nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE core_work_items
			SET state = $2, attempt_count = $3, last_error = $4, next_attempt_at = $5,
				locked_by = NULL, locked_at = NULL, lease_expires_at = NULL,
				current_execution_id = NULL, updated_at = now()
			WHERE id = $1
		`, w.ID, w.State, w.AttemptCount, nullString(w.LastError), w.NextAttemptAt); err != nil {
			return normalize(err)
		}
		updated = w
		return nil
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	return updated, nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]domain.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE core_work_items
		SET state = 'PENDING', locked_by = NULL, locked_at = NULL, lease_expires_at = NULL,
			current_execution_id = NULL, updated_at = $1
		WHERE state = 'LEASED' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
		RETURNING `+workItemColumns+`
	`, now)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, w)
	}
	return out, normalize(rows.Err())
}

func (s *Store) ListWorkItems(ctx context.Context, filter spinestorage.WorkItemFilter) ([]domain.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workItemColumns+`
		FROM core_work_items
		WHERE ($1 = '' OR domain = $1)
		  AND ($2 = '' OR pipeline = $2)
		ORDER BY created_at
	`, filter.Domain, filter.Pipeline)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, w)
	}
	return out, normalize(rows.Err())
}
