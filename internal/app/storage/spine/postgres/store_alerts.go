package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

const channelColumns = `name, kind, min_severity, domains, enabled, throttle_minutes,
	consecutive_failures, disable_after_failures, config`

func scanChannel(row interface{ Scan(...any) error }) (domain.AlertChannel, error) {
	var (
		ch         domain.AlertChannel
		domainsRaw []byte
		configRaw  []byte
	)
	if err := row.Scan(&ch.Name, &ch.Kind, &ch.MinSeverity, &domainsRaw, &ch.Enabled,
		&ch.ThrottleMinutes, &ch.ConsecutiveFailures, &ch.DisableAfterFailures, &configRaw); err != nil {
		return domain.AlertChannel{}, err
	}
	ch.Domains = unmarshalStrings(domainsRaw)
	ch.Config = unmarshalMap(configRaw)
	return ch, nil
}

func (s *Store) UpsertChannel(ctx context.Context, ch domain.AlertChannel) (domain.AlertChannel, error) {
	domainsJSON, err := marshalStrings(ch.Domains)
	if err != nil {
		return domain.AlertChannel{}, err
	}
	configJSON, err := marshalMap(ch.Config)
	if err != nil {
		return domain.AlertChannel{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_alert_channels (name, kind, min_severity, domains, enabled,
			throttle_minutes, consecutive_failures, disable_after_failures, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE
		SET kind = EXCLUDED.kind,
			min_severity = EXCLUDED.min_severity,
			domains = EXCLUDED.domains,
			enabled = EXCLUDED.enabled,
			throttle_minutes = EXCLUDED.throttle_minutes,
			disable_after_failures = EXCLUDED.disable_after_failures,
			config = EXCLUDED.config
	`, ch.Name, ch.Kind, ch.MinSeverity, domainsJSON, ch.Enabled,
		ch.ThrottleMinutes, ch.ConsecutiveFailures, ch.DisableAfterFailures, configJSON)
	if err != nil {
		return domain.AlertChannel{}, normalize(err)
	}
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, name string) (domain.AlertChannel, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM core_alert_channels
		WHERE name = $1
	`, name)

	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return domain.AlertChannel{}, false, nil
	}
	if err != nil {
		return domain.AlertChannel{}, false, normalize(err)
	}
	return ch, true, nil
}

func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]domain.AlertChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM core_alert_channels
		WHERE NOT $1 OR enabled
		ORDER BY name
	`, enabledOnly)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.AlertChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, ch)
	}
	return out, normalize(rows.Err())
}

// IncrementChannelFailures bumps consecutive_failures atomically and
// disables the channel when the configured threshold is crossed.
func (s *Store) IncrementChannelFailures(ctx context.Context, name string, disableAfter int) (int, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE core_alert_channels
		SET consecutive_failures = consecutive_failures + 1,
			enabled = CASE
				WHEN $2 > 0 AND consecutive_failures + 1 >= $2 THEN FALSE
				ELSE enabled
			END
		WHERE name = $1
		RETURNING consecutive_failures, enabled
	`, name, disableAfter)

	var (
		failures int
		enabled  bool
	)
	err := row.Scan(&failures, &enabled)
	if err == sql.ErrNoRows {
		return 0, false, spineerr.New(domain.CategoryNotFound, "alert channel not found")
	}
	if err != nil {
		return 0, false, normalize(err)
	}
	return failures, !enabled, nil
}

func (s *Store) ResetChannelFailures(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core_alert_channels
		SET consecutive_failures = 0
		WHERE name = $1
	`, name)
	return normalize(err)
}

func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	metadataJSON, err := marshalMap(a.Metadata)
	if err != nil {
		return domain.Alert{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_alerts (id, severity, title, message, source, domain, dedup_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.Severity, a.Title, a.Message, nullString(a.Source), nullString(a.Domain),
		nullString(a.DedupKey), metadataJSON, a.CreatedAt)
	if err != nil {
		return domain.Alert{}, normalize(err)
	}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (domain.Alert, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, severity, title, message, source, domain, dedup_key, metadata, created_at
		FROM core_alerts
		WHERE id = $1
	`, id)

	var (
		a           domain.Alert
		source      sql.NullString
		alertDomain sql.NullString
		dedupKey    sql.NullString
		metadataRaw []byte
	)
	err := row.Scan(&a.ID, &a.Severity, &a.Title, &a.Message, &source, &alertDomain,
		&dedupKey, &metadataRaw, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Alert{}, false, nil
	}
	if err != nil {
		return domain.Alert{}, false, normalize(err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.Source = source.String
	a.Domain = alertDomain.String
	a.DedupKey = dedupKey.String
	a.Metadata = unmarshalMap(metadataRaw)
	return a, true, nil
}

func (s *Store) ListAlerts(ctx context.Context, domainName string, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, title, message, source, domain, dedup_key, metadata, created_at
		FROM core_alerts
		WHERE $1 = '' OR domain = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, domainName, limit)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var (
			a           domain.Alert
			source      sql.NullString
			alertDomain sql.NullString
			dedupKey    sql.NullString
			metadataRaw []byte
		)
		if err := rows.Scan(&a.ID, &a.Severity, &a.Title, &a.Message, &source, &alertDomain,
			&dedupKey, &metadataRaw, &a.CreatedAt); err != nil {
			return nil, normalize(err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.Source = source.String
		a.Domain = alertDomain.String
		a.DedupKey = dedupKey.String
		a.Metadata = unmarshalMap(metadataRaw)
		out = append(out, a)
	}
	return out, normalize(rows.Err())
}

func (s *Store) InsertDelivery(ctx context.Context, d domain.AlertDelivery) (domain.AlertDelivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_alert_deliveries (id, alert_id, channel_name, attempt, status, error, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.AlertID, d.ChannelName, d.Attempt, d.Status, nullString(d.Error), d.NextRetryAt, d.CreatedAt)
	if err != nil {
		return domain.AlertDelivery{}, normalize(err)
	}
	return d, nil
}

func scanDelivery(row interface{ Scan(...any) error }) (domain.AlertDelivery, error) {
	var (
		d         domain.AlertDelivery
		errText   sql.NullString
		nextRetry sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.AlertID, &d.ChannelName, &d.Attempt, &d.Status,
		&errText, &nextRetry, &d.CreatedAt); err != nil {
		return domain.AlertDelivery{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.Error = errText.String
	d.NextRetryAt = timePtr(nextRetry)
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, alertID string) ([]domain.AlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, channel_name, attempt, status, error, next_retry_at, created_at
		FROM core_alert_deliveries
		WHERE alert_id = $1
		ORDER BY channel_name, attempt
	`, alertID)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.AlertDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, d)
	}
	return out, normalize(rows.Err())
}

// ListPendingRetries returns the latest failed delivery per (alert, channel)
// whose next_retry_at has come due.
func (s *Store) ListPendingRetries(ctx context.Context, now time.Time) ([]domain.AlertDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (alert_id, channel_name)
			id, alert_id, channel_name, attempt, status, error, next_retry_at, created_at
		FROM core_alert_deliveries
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY alert_id, channel_name, attempt DESC
	`, now)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.AlertDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, d)
	}
	return out, normalize(rows.Err())
}

func (s *Store) GetThrottle(ctx context.Context, channelName, dedupKey string) (domain.AlertThrottle, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT channel_name, dedup_key, last_sent_at, send_count, expires_at
		FROM core_alert_throttle
		WHERE channel_name = $1 AND dedup_key = $2
	`, channelName, dedupKey)

	var t domain.AlertThrottle
	err := row.Scan(&t.ChannelName, &t.DedupKey, &t.LastSentAt, &t.SendCount, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.AlertThrottle{}, false, nil
	}
	if err != nil {
		return domain.AlertThrottle{}, false, normalize(err)
	}
	t.LastSentAt = t.LastSentAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, true, nil
}

func (s *Store) UpsertThrottle(ctx context.Context, t domain.AlertThrottle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_alert_throttle (channel_name, dedup_key, last_sent_at, send_count, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_name, dedup_key) DO UPDATE
		SET last_sent_at = EXCLUDED.last_sent_at,
			send_count = EXCLUDED.send_count,
			expires_at = EXCLUDED.expires_at
	`, t.ChannelName, t.DedupKey, t.LastSentAt, t.SendCount, t.ExpiresAt)
	return normalize(err)
}
