package memory

import (
	"context"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

type bitemporalRow struct{ f domain.BitemporalFact }

// InsertVersion closes the current open system-interval (if any) for
// entityKey and opens a new one, preserving the invariant that system
// intervals never overlap for a given entity_key.
func (s *Store) InsertVersion(ctx context.Context, fact domain.BitemporalFact) (domain.BitemporalFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.bitemporal[fact.EntityKey]
	for i, row := range rows {
		if row.f.SystemTo == nil {
			closedAt := fact.SystemFrom
			row.f.SystemTo = &closedAt
			rows[i] = row
		}
	}
	rows = append(rows, bitemporalRow{f: fact})
	s.bitemporal[fact.EntityKey] = rows
	return fact, nil
}

func (s *Store) GetCurrent(ctx context.Context, entityKey string) (domain.BitemporalFact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.bitemporal[entityKey]
	for _, row := range rows {
		if row.f.SystemTo == nil {
			return row.f, true, nil
		}
	}
	return domain.BitemporalFact{}, false, nil
}

func (s *Store) History(ctx context.Context, entityKey string) ([]domain.BitemporalFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.bitemporal[entityKey]
	out := make([]domain.BitemporalFact, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.f)
	}
	return out, nil
}
