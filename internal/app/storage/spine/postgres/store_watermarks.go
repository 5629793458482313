package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

func scanWatermark(row interface{ Scan(...any) error }) (domain.Watermark, error) {
	var (
		w           domain.Watermark
		lowWater    sql.NullTime
		highWater   sql.NullTime
		metadataRaw []byte
	)
	if err := row.Scan(&w.Domain, &w.Source, &w.PartitionKey, &lowWater, &highWater,
		&metadataRaw, &w.UpdatedAt); err != nil {
		return domain.Watermark{}, err
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	if lowWater.Valid {
		w.LowWater = lowWater.Time.UTC()
	}
	if highWater.Valid {
		w.HighWater = highWater.Time.UTC()
	}
	w.Metadata = unmarshalMap(metadataRaw)
	return w, nil
}

func (s *Store) GetWatermark(ctx context.Context, domainName, source, partitionKey string) (domain.Watermark, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, low_water, high_water, metadata, updated_at
		FROM core_watermarks
		WHERE domain = $1 AND source = $2 AND partition_key = $3
	`, domainName, source, partitionKey)

	w, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return domain.Watermark{}, false, nil
	}
	if err != nil {
		return domain.Watermark{}, false, normalize(err)
	}
	return w, true, nil
}

// AdvanceWatermark applies high_water = GREATEST(high_water, :x); the
// stored value never decreases on this path.
func (s *Store) AdvanceWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time, metadata map[string]any) (domain.Watermark, error) {
	metadataJSON, err := marshalMap(metadata)
	if err != nil {
		return domain.Watermark{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, low_water, high_water, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $4, $5, now())
		ON CONFLICT (domain, source, partition_key) DO UPDATE
		SET high_water = GREATEST(core_watermarks.high_water, EXCLUDED.high_water),
			metadata = EXCLUDED.metadata,
			updated_at = now()
		RETURNING domain, source, partition_key, low_water, high_water, metadata, updated_at
	`, domainName, source, partitionKey, high, metadataJSON)

	w, err := scanWatermark(row)
	if err != nil {
		return domain.Watermark{}, normalize(err)
	}
	return w, nil
}

// RewindWatermark is the only path allowed to decrease high_water; the
// caller records the companion anomaly.
func (s *Store) RewindWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time) (domain.Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE core_watermarks
		SET high_water = $4, updated_at = now()
		WHERE domain = $1 AND source = $2 AND partition_key = $3
		RETURNING domain, source, partition_key, low_water, high_water, metadata, updated_at
	`, domainName, source, partitionKey, high)

	w, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return domain.Watermark{}, spineerr.New(domain.CategoryNotFound, "watermark not found")
	}
	if err != nil {
		return domain.Watermark{}, normalize(err)
	}
	return w, nil
}

func (s *Store) ListWatermarks(ctx context.Context, domainName string) ([]domain.Watermark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, source, partition_key, low_water, high_water, metadata, updated_at
		FROM core_watermarks
		WHERE $1 = '' OR domain = $1
		ORDER BY domain, source, partition_key
	`, domainName)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Watermark
	for rows.Next() {
		w, err := scanWatermark(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, w)
	}
	return out, normalize(rows.Err())
}

const backfillColumns = `plan_id, domain, source, range_from, range_to, partition_keys,
	completed_keys, failed_keys, status, checkpoint, progress_pct, created_at, updated_at`

func scanBackfillPlan(row interface{ Scan(...any) error }) (domain.BackfillPlan, error) {
	var (
		p             domain.BackfillPlan
		partitionsRaw []byte
		completedRaw  []byte
		failedRaw     []byte
		checkpoint    sql.NullString
	)
	if err := row.Scan(&p.PlanID, &p.Domain, &p.Source, &p.RangeFrom, &p.RangeTo,
		&partitionsRaw, &completedRaw, &failedRaw, &p.Status, &checkpoint,
		&p.ProgressPct, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.BackfillPlan{}, err
	}
	p.RangeFrom = p.RangeFrom.UTC()
	p.RangeTo = p.RangeTo.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.PartitionKeys = unmarshalStrings(partitionsRaw)
	p.CompletedKeys = unmarshalStrings(completedRaw)
	if len(failedRaw) > 0 {
		_ = json.Unmarshal(failedRaw, &p.FailedKeys)
	}
	p.Checkpoint = checkpoint.String
	return p, nil
}

func (s *Store) CreateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) (domain.BackfillPlan, error) {
	partitionsJSON, err := marshalStrings(plan.PartitionKeys)
	if err != nil {
		return domain.BackfillPlan{}, err
	}
	completedJSON, err := marshalStrings(plan.CompletedKeys)
	if err != nil {
		return domain.BackfillPlan{}, err
	}
	failedJSON, err := json.Marshal(plan.FailedKeys)
	if err != nil {
		return domain.BackfillPlan{}, err
	}
	if plan.FailedKeys == nil {
		failedJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_backfill_plans (plan_id, domain, source, range_from, range_to,
			partition_keys, completed_keys, failed_keys, status, checkpoint, progress_pct,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, plan.PlanID, plan.Domain, plan.Source, plan.RangeFrom, plan.RangeTo,
		partitionsJSON, completedJSON, failedJSON, plan.Status, nullString(plan.Checkpoint),
		plan.ProgressPct, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return domain.BackfillPlan{}, normalize(err)
	}
	return plan, nil
}

func (s *Store) GetBackfillPlan(ctx context.Context, planID string) (domain.BackfillPlan, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+backfillColumns+`
		FROM core_backfill_plans
		WHERE plan_id = $1
	`, planID)

	p, err := scanBackfillPlan(row)
	if err == sql.ErrNoRows {
		return domain.BackfillPlan{}, false, nil
	}
	if err != nil {
		return domain.BackfillPlan{}, false, normalize(err)
	}
	return p, true, nil
}

func (s *Store) UpdateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) error {
	completedJSON, err := marshalStrings(plan.CompletedKeys)
	if err != nil {
		return err
	}
	failedJSON, err := json.Marshal(plan.FailedKeys)
	if err != nil {
		return err
	}
	if plan.FailedKeys == nil {
		failedJSON = []byte("{}")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_backfill_plans
		SET completed_keys = $2, failed_keys = $3, status = $4, checkpoint = $5,
			progress_pct = $6, updated_at = $7
		WHERE plan_id = $1
	`, plan.PlanID, completedJSON, failedJSON, plan.Status, nullString(plan.Checkpoint),
		plan.ProgressPct, plan.UpdatedAt)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "backfill plan not found")
	}
	return nil
}

func (s *Store) ListBackfillPlans(ctx context.Context, domainName string) ([]domain.BackfillPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+backfillColumns+`
		FROM core_backfill_plans
		WHERE $1 = '' OR domain = $1
		ORDER BY created_at
	`, domainName)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.BackfillPlan
	for rows.Next() {
		p, err := scanBackfillPlan(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, p)
	}
	return out, normalize(rows.Err())
}
