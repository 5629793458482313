package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

func (s *Store) UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	metadataJSON, err := marshalMap(src.Metadata)
	if err != nil {
		return domain.Source{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_sources (name, domain, url_pattern, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET domain = EXCLUDED.domain,
			url_pattern = EXCLUDED.url_pattern,
			metadata = EXCLUDED.metadata
	`, src.Name, src.Domain, nullString(src.URLPattern), metadataJSON)
	if err != nil {
		return domain.Source{}, normalize(err)
	}
	return src, nil
}

func (s *Store) GetSource(ctx context.Context, name string) (domain.Source, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, domain, url_pattern, metadata
		FROM core_sources
		WHERE name = $1
	`, name)

	var (
		src         domain.Source
		urlPattern  sql.NullString
		metadataRaw []byte
	)
	err := row.Scan(&src.Name, &src.Domain, &urlPattern, &metadataRaw)
	if err == sql.ErrNoRows {
		return domain.Source{}, false, nil
	}
	if err != nil {
		return domain.Source{}, false, normalize(err)
	}
	src.URLPattern = urlPattern.String
	src.Metadata = unmarshalMap(metadataRaw)
	return src, true, nil
}

func (s *Store) RecordFetch(ctx context.Context, f domain.SourceFetch) (domain.SourceFetch, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_fetches (id, source_name, partition_key, content_hash,
			etag, last_modified, status, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, f.SourceName, f.PartitionKey, nullString(f.ContentHash),
		nullString(f.ETag), nullString(f.LastModified), f.Status, f.FetchedAt)
	if err != nil {
		return domain.SourceFetch{}, normalize(err)
	}
	return f, nil
}

func (s *Store) LatestFetch(ctx context.Context, sourceName, partitionKey string) (domain.SourceFetch, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_name, partition_key, content_hash, etag, last_modified, status, fetched_at
		FROM core_source_fetches
		WHERE source_name = $1 AND partition_key = $2
		ORDER BY fetched_at DESC
		LIMIT 1
	`, sourceName, partitionKey)

	var (
		f        domain.SourceFetch
		hash     sql.NullString
		etag     sql.NullString
		modified sql.NullString
	)
	err := row.Scan(&f.ID, &f.SourceName, &f.PartitionKey, &hash, &etag, &modified, &f.Status, &f.FetchedAt)
	if err == sql.ErrNoRows {
		return domain.SourceFetch{}, false, nil
	}
	if err != nil {
		return domain.SourceFetch{}, false, normalize(err)
	}
	f.FetchedAt = f.FetchedAt.UTC()
	f.ContentHash = hash.String
	f.ETag = etag.String
	f.LastModified = modified.String
	return f, true, nil
}

func (s *Store) PutCache(ctx context.Context, c domain.SourceCache) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_cache (source_name, partition_key, content_hash, body, cached_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_name, partition_key, content_hash) DO UPDATE
		SET body = EXCLUDED.body,
			cached_at = EXCLUDED.cached_at
	`, c.SourceName, c.PartitionKey, c.ContentHash, c.Body, c.CachedAt)
	return normalize(err)
}

func (s *Store) GetCache(ctx context.Context, sourceName, partitionKey, contentHash string) (domain.SourceCache, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_name, partition_key, content_hash, body, cached_at
		FROM core_source_cache
		WHERE source_name = $1 AND partition_key = $2 AND content_hash = $3
	`, sourceName, partitionKey, contentHash)

	var c domain.SourceCache
	err := row.Scan(&c.SourceName, &c.PartitionKey, &c.ContentHash, &c.Body, &c.CachedAt)
	if err == sql.ErrNoRows {
		return domain.SourceCache{}, false, nil
	}
	if err != nil {
		return domain.SourceCache{}, false, normalize(err)
	}
	c.CachedAt = c.CachedAt.UTC()
	return c, true, nil
}

// InsertVersion closes the current open system-interval for entityKey and
// opens a new one in a single transaction, preserving the invariant that
// open intervals never overlap per entity.
func (s *Store) InsertVersion(ctx context.Context, fact domain.BitemporalFact) (domain.BitemporalFact, error) {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_bitemporal_facts
			SET system_to = $2
			WHERE entity_key = $1 AND system_to IS NULL
		`, fact.EntityKey, fact.SystemFrom); err != nil {
			return normalize(err)
		}

		payloadJSON, err := marshalMap(fact.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_bitemporal_facts (id, entity_key, valid_from, valid_to,
				system_from, system_to, payload, provenance)
			VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)
		`, fact.ID, fact.EntityKey, fact.ValidFrom, fact.ValidTo, fact.SystemFrom,
			payloadJSON, nullString(fact.Provenance)); err != nil {
			return normalize(err)
		}
		return nil
	})
	if err != nil {
		return domain.BitemporalFact{}, err
	}
	return fact, nil
}

func scanFact(row interface{ Scan(...any) error }) (domain.BitemporalFact, error) {
	var (
		f          domain.BitemporalFact
		validTo    sql.NullTime
		systemTo   sql.NullTime
		payloadRaw []byte
		provenance sql.NullString
	)
	if err := row.Scan(&f.ID, &f.EntityKey, &f.ValidFrom, &validTo, &f.SystemFrom,
		&systemTo, &payloadRaw, &provenance); err != nil {
		return domain.BitemporalFact{}, err
	}
	f.ValidFrom = f.ValidFrom.UTC()
	f.SystemFrom = f.SystemFrom.UTC()
	f.ValidTo = timePtr(validTo)
	f.SystemTo = timePtr(systemTo)
	f.Payload = unmarshalMap(payloadRaw)
	f.Provenance = provenance.String
	return f, nil
}

func (s *Store) GetCurrent(ctx context.Context, entityKey string) (domain.BitemporalFact, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_key, valid_from, valid_to, system_from, system_to, payload, provenance
		FROM core_bitemporal_facts
		WHERE entity_key = $1 AND system_to IS NULL
	`, entityKey)

	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return domain.BitemporalFact{}, false, nil
	}
	if err != nil {
		return domain.BitemporalFact{}, false, normalize(err)
	}
	return f, true, nil
}

func (s *Store) History(ctx context.Context, entityKey string) ([]domain.BitemporalFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_key, valid_from, valid_to, system_from, system_to, payload, provenance
		FROM core_bitemporal_facts
		WHERE entity_key = $1
		ORDER BY system_from
	`, entityKey)
	if err != nil {
		return nil, normalize(err)
	}
	defer rows.Close()

	var out []domain.BitemporalFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, normalize(err)
		}
		out = append(out, f)
	}
	return out, normalize(rows.Err())
}
