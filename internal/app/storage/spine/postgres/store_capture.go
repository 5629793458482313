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

func (s *Store) UpsertManifest(ctx context.Context, m domain.Manifest) (domain.Manifest, error) {
	metricsJSON, err := marshalMap(m.Metrics)
	if err != nil {
		return domain.Manifest{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_manifest (domain, partition_key, stage, row_count, metrics,
			execution_id, batch_id, capture_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (domain, partition_key, stage) DO UPDATE
		SET row_count = EXCLUDED.row_count,
			metrics = EXCLUDED.metrics,
			execution_id = EXCLUDED.execution_id,
			batch_id = EXCLUDED.batch_id,
			capture_id = EXCLUDED.capture_id,
			updated_at = EXCLUDED.updated_at
	`, m.Domain, m.PartitionKey, m.Stage, m.RowCount, metricsJSON,
		m.ExecutionID, nullString(m.BatchID), nullString(string(m.CaptureID)), m.UpdatedAt)
	if err != nil {
		return domain.Manifest{}, normalize(err)
	}
	return m, nil
}

func scanManifest(row interface{ Scan(...any) error }) (domain.Manifest, error) {
	var (
		m          domain.Manifest
		metricsRaw []byte
		batchID    sql.NullString
		captureID  sql.NullString
	)
	if err := row.Scan(&m.Domain, &m.PartitionKey, &m.Stage, &m.RowCount, &metricsRaw,
		&m.ExecutionID, &batchID, &captureID, &m.UpdatedAt); err != nil {
		return domain.Manifest{}, err
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.Metrics = unmarshalMap(metricsRaw)
	m.BatchID = batchID.String
	m.CaptureID = domain.CaptureID(captureID.String)
	return m, nil
}

func (s *Store) GetManifest(ctx context.Context, domainName, partitionKey, stage string) (domain.Manifest, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, partition_key, stage, row_count, metrics, execution_id, batch_id, capture_id, updated_at
		FROM core_manifest
		WHERE domain = $1 AND partition_key = $2 AND stage = $3
	`, domainName, partitionKey, stage)

	m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return domain.Manifest{}, false, nil
	}
	if err != nil {
		return domain.Manifest{}, false, normalize(err)
	}
	return m, true, nil
}

func (s *Store) ListManifests(ctx context.Context, domainName string) ([]domain.Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, partition_key, stage, row_count, metrics, execution_id, batch_id, capture_id, updated_at
		FROM core_manifest
		WHERE $1 = '' OR domain = $1
		ORDER BY domain, partition_key, stage
	`, domainName)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Manifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, m)
	}
	return out, normalize(rows.Err())
}

func (s *Store) InsertReject(ctx context.Context, r domain.Reject) (domain.Reject, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_rejects (id, domain, partition_key, reason_code, raw_payload,
			source_locator, execution_id, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, r.Domain, r.PartitionKey, r.ReasonCode, r.RawPayload,
		nullString(r.SourceLocator), nullString(r.ExecutionID), nullString(r.BatchID), r.CreatedAt)
	if err != nil {
		return domain.Reject{}, normalize(err)
	}
	return r, nil
}

func (s *Store) ListRejects(ctx context.Context, domainName, partitionKey string) ([]domain.Reject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, partition_key, reason_code, raw_payload, source_locator,
			execution_id, batch_id, created_at
		FROM core_rejects
		WHERE domain = $1 AND ($2 = '' OR partition_key = $2)
		ORDER BY created_at
	`, domainName, partitionKey)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Reject
	for rows.Next() {
		var (
			r       domain.Reject
			locator sql.NullString
			execID  sql.NullString
			batchID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Domain, &r.PartitionKey, &r.ReasonCode, &r.RawPayload,
			&locator, &execID, &batchID, &r.CreatedAt); err != nil {
			return nil, normalize(err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.SourceLocator = locator.String
		r.ExecutionID = execID.String
		r.BatchID = batchID.String
		out = append(out, r)
	}
	return out, normalize(rows.Err())
}

func (s *Store) InsertQualityCheck(ctx context.Context, q domain.QualityCheck) (domain.QualityCheck, error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	detailsJSON, err := marshalMap(q.Details)
	if err != nil {
		return domain.QualityCheck{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_quality (id, domain, partition_key, check_name, category, status,
			actual, expected, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, q.ID, q.Domain, q.PartitionKey, q.CheckName, nullString(q.Category), q.Status,
		nullString(q.Actual), nullString(q.Expected), detailsJSON, q.CreatedAt)
	if err != nil {
		return domain.QualityCheck{}, normalize(err)
	}
	return q, nil
}

func (s *Store) ListQualityChecks(ctx context.Context, domainName, partitionKey string) ([]domain.QualityCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, partition_key, check_name, category, status, actual, expected, details, created_at
		FROM core_quality
		WHERE domain = $1 AND ($2 = '' OR partition_key = $2)
		ORDER BY created_at
	`, domainName, partitionKey)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.QualityCheck
	for rows.Next() {
		var (
			q          domain.QualityCheck
			category   sql.NullString
			actual     sql.NullString
			expected   sql.NullString
			detailsRaw []byte
		)
		if err := rows.Scan(&q.ID, &q.Domain, &q.PartitionKey, &q.CheckName, &category,
			&q.Status, &actual, &expected, &detailsRaw, &q.CreatedAt); err != nil {
			return nil, normalize(err)
		}
		q.CreatedAt = q.CreatedAt.UTC()
		q.Category = category.String
		q.Actual = actual.String
		q.Expected = expected.String
		q.Details = unmarshalMap(detailsRaw)
		out = append(out, q)
	}
	return out, normalize(rows.Err())
}

func (s *Store) InsertAnomaly(ctx context.Context, a domain.Anomaly) (domain.Anomaly, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	sampleJSON, err := marshalStrings(a.SampleAffected)
	if err != nil {
		return domain.Anomaly{}, err
	}
	detailsJSON, err := marshalMap(a.Details)
	if err != nil {
		return domain.Anomaly{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_anomalies (id, domain, partition_key, severity, category,
			sample_affected, details, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Domain, nullString(a.PartitionKey), a.Severity, a.Category,
		sampleJSON, detailsJSON, a.CreatedAt, a.ResolvedAt)
	if err != nil {
		return domain.Anomaly{}, normalize(err)
	}
	return a, nil
}

func (s *Store) ListAnomalies(ctx context.Context, domainName string, unresolvedOnly bool) ([]domain.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, partition_key, severity, category, sample_affected, details, created_at, resolved_at
		FROM core_anomalies
		WHERE ($1 = '' OR domain = $1)
		  AND (NOT $2 OR resolved_at IS NULL)
		ORDER BY created_at
	`, domainName, unresolvedOnly)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Anomaly
	for rows.Next() {
		var (
			a          domain.Anomaly
			partition  sql.NullString
			sampleRaw  []byte
			detailsRaw []byte
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.Domain, &partition, &a.Severity, &a.Category,
			&sampleRaw, &detailsRaw, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, normalize(err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.PartitionKey = partition.String
		a.SampleAffected = unmarshalStrings(sampleRaw)
		a.Details = unmarshalMap(detailsRaw)
		a.ResolvedAt = timePtr(resolvedAt)
		out = append(out, a)
	}
	return out, normalize(rows.Err())
}

func (s *Store) ResolveAnomaly(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE core_anomalies
		SET resolved_at = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, at)
	if err != nil {
		return normalize(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return spineerr.New(domain.CategoryNotFound, "anomaly not found or already resolved")
	}
	return nil
}

func (s *Store) UpsertReadiness(ctx context.Context, r domain.DataReadiness) (domain.DataReadiness, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_data_readiness (domain, partition_key, ready_for,
			all_partitions_present, all_stages_complete, no_critical_anomalies,
			dependencies_current, age_exceeds_preliminary, is_ready,
			certified_by, certified_at, blocked_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (domain, partition_key, ready_for) DO UPDATE
		SET all_partitions_present = EXCLUDED.all_partitions_present,
			all_stages_complete = EXCLUDED.all_stages_complete,
			no_critical_anomalies = EXCLUDED.no_critical_anomalies,
			dependencies_current = EXCLUDED.dependencies_current,
			age_exceeds_preliminary = EXCLUDED.age_exceeds_preliminary,
			is_ready = EXCLUDED.is_ready,
			certified_by = EXCLUDED.certified_by,
			certified_at = EXCLUDED.certified_at,
			blocked_reason = EXCLUDED.blocked_reason,
			updated_at = EXCLUDED.updated_at
	`, r.Domain, r.PartitionKey, r.ReadyFor, r.AllPartitionsPresent, r.AllStagesComplete,
		r.NoCriticalAnomalies, r.DependenciesCurrent, r.AgeExceedsPreliminary, r.IsReady,
		nullString(r.CertifiedBy), r.CertifiedAt, nullString(r.BlockedReason), r.UpdatedAt)
	if err != nil {
		return domain.DataReadiness{}, normalize(err)
	}
	return r, nil
}

func (s *Store) GetReadiness(ctx context.Context, domainName, partitionKey, readyFor string) (domain.DataReadiness, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, partition_key, ready_for, all_partitions_present, all_stages_complete,
			no_critical_anomalies, dependencies_current, age_exceeds_preliminary, is_ready,
			certified_by, certified_at, blocked_reason, updated_at
		FROM core_data_readiness
		WHERE domain = $1 AND partition_key = $2 AND ready_for = $3
	`, domainName, partitionKey, readyFor)

	var (
		r           domain.DataReadiness
		certifiedBy sql.NullString
		certifiedAt sql.NullTime
		blocked     sql.NullString
	)
	err := row.Scan(&r.Domain, &r.PartitionKey, &r.ReadyFor, &r.AllPartitionsPresent,
		&r.AllStagesComplete, &r.NoCriticalAnomalies, &r.DependenciesCurrent,
		&r.AgeExceedsPreliminary, &r.IsReady, &certifiedBy, &certifiedAt, &blocked, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.DataReadiness{}, false, nil
	}
	if err != nil {
		return domain.DataReadiness{}, false, normalize(err)
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.CertifiedBy = certifiedBy.String
	r.CertifiedAt = timePtr(certifiedAt)
	r.BlockedReason = blocked.String
	return r, true, nil
}

func (s *Store) ListDependencies(ctx context.Context, domainName string) ([]spinestorage.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, depends_on
		FROM core_calc_dependencies
		WHERE domain = $1
	`, domainName)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []spinestorage.Dependency
	for rows.Next() {
		var d spinestorage.Dependency
		if err := rows.Scan(&d.Domain, &d.Upon); err != nil {
			return nil, normalize(err)
		}
		out = append(out, d)
	}
	return out, normalize(rows.Err())
}

func (s *Store) ListExpectedSchedules(ctx context.Context, domainName string) ([]spinestorage.ExpectedSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, expected_frequency, preliminary_after_seconds
		FROM core_expected_schedules
		WHERE domain = $1
	`, domainName)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []spinestorage.ExpectedSchedule
	for rows.Next() {
		var (
			e       spinestorage.ExpectedSchedule
			seconds int64
		)
		if err := rows.Scan(&e.Domain, &e.ExpectedFrequency, &seconds); err != nil {
			return nil, normalize(err)
		}
		e.PreliminaryAfter = time.Duration(seconds) * time.Second
		out = append(out, e)
	}
	return out, normalize(rows.Err())
}
