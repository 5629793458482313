package memory

import (
	"context"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

type sourceRow struct{ s domain.Source }
type fetchRow struct{ f domain.SourceFetch }
type cacheRow struct{ c domain.SourceCache }

func (s *Store) UpsertSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sources[src.Name] = sourceRow{s: src}
	return src, nil
}

func (s *Store) GetSource(ctx context.Context, name string) (domain.Source, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sources[name]
	if !ok {
		return domain.Source{}, false, nil
	}
	return row.s, true, nil
}

func (s *Store) RecordFetch(ctx context.Context, f domain.SourceFetch) (domain.SourceFetch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches[f.SourceName+"\x00"+f.PartitionKey] = append(s.fetches[f.SourceName+"\x00"+f.PartitionKey], fetchRow{f: f})
	return f, nil
}

func (s *Store) LatestFetch(ctx context.Context, sourceName, partitionKey string) (domain.SourceFetch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.fetches[sourceName+"\x00"+partitionKey]
	if len(rows) == 0 {
		return domain.SourceFetch{}, false, nil
	}
	latest := rows[0].f
	for _, row := range rows[1:] {
		if row.f.FetchedAt.After(latest.FetchedAt) {
			latest = row.f
		}
	}
	return latest, true, nil
}

func (s *Store) PutCache(ctx context.Context, c domain.SourceCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[c.SourceName+"\x00"+c.PartitionKey+"\x00"+c.ContentHash] = cacheRow{c: c}
	return nil
}

func (s *Store) GetCache(ctx context.Context, sourceName, partitionKey, contentHash string) (domain.SourceCache, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.cache[sourceName+"\x00"+partitionKey+"\x00"+contentHash]
	if !ok {
		return domain.SourceCache{}, false, nil
	}
	return row.c, true, nil
}
