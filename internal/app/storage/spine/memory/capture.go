package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

type manifestRow struct{ m domain.Manifest }
type rejectRow struct{ r domain.Reject }
type qualityRow struct{ q domain.QualityCheck }
type anomalyRow struct{ a domain.Anomaly }
type readinessRow struct{ r domain.DataReadiness }
type expectedScheduleRow struct{ e spinestorage.ExpectedSchedule }

func manifestKey(domainName, partitionKey, stage string) string {
	return domainName + "\x00" + partitionKey + "\x00" + stage
}

func readinessKey(domainName, partitionKey, readyFor string) string {
	return domainName + "\x00" + partitionKey + "\x00" + readyFor
}

func (s *Store) UpsertManifest(ctx context.Context, m domain.Manifest) (domain.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.manifests[manifestKey(m.Domain, m.PartitionKey, m.Stage)] = manifestRow{m: m}
	return m, nil
}

func (s *Store) GetManifest(ctx context.Context, domainName, partitionKey, stage string) (domain.Manifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.manifests[manifestKey(domainName, partitionKey, stage)]
	if !ok {
		return domain.Manifest{}, false, nil
	}
	return row.m, true, nil
}

func (s *Store) ListManifests(ctx context.Context, domainName string) ([]domain.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Manifest
	for _, row := range s.manifests {
		if row.m.Domain == domainName {
			out = append(out, row.m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}

func (s *Store) InsertReject(ctx context.Context, r domain.Reject) (domain.Reject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Domain + "\x00" + r.PartitionKey
	s.rejects[key] = append(s.rejects[key], rejectRow{r: r})
	return r, nil
}

func (s *Store) ListRejects(ctx context.Context, domainName, partitionKey string) ([]domain.Reject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rejects[domainName+"\x00"+partitionKey]
	out := make([]domain.Reject, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.r)
	}
	return out, nil
}

func (s *Store) InsertQualityCheck(ctx context.Context, q domain.QualityCheck) (domain.QualityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := q.Domain + "\x00" + q.PartitionKey
	s.quality[key] = append(s.quality[key], qualityRow{q: q})
	return q, nil
}

func (s *Store) ListQualityChecks(ctx context.Context, domainName, partitionKey string) ([]domain.QualityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.quality[domainName+"\x00"+partitionKey]
	out := make([]domain.QualityCheck, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.q)
	}
	return out, nil
}

func (s *Store) InsertAnomaly(ctx context.Context, a domain.Anomaly) (domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anomalies[a.Domain] = append(s.anomalies[a.Domain], anomalyRow{a: a})
	return a, nil
}

func (s *Store) ListAnomalies(ctx context.Context, domainName string, unresolvedOnly bool) ([]domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Anomaly
	for _, row := range s.anomalies[domainName] {
		if unresolvedOnly && row.a.ResolvedAt != nil {
			continue
		}
		out = append(out, row.a)
	}
	return out, nil
}

func (s *Store) ResolveAnomaly(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for domainName, rows := range s.anomalies {
		for i, row := range rows {
			if row.a.ID == id {
				t := at
				row.a.ResolvedAt = &t
				rows[i] = row
				s.anomalies[domainName] = rows
				return nil
			}
		}
	}
	return nil
}

func (s *Store) UpsertReadiness(ctx context.Context, r domain.DataReadiness) (domain.DataReadiness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readiness[readinessKey(r.Domain, r.PartitionKey, r.ReadyFor)] = readinessRow{r: r}
	return r, nil
}

func (s *Store) GetReadiness(ctx context.Context, domainName, partitionKey, readyFor string) (domain.DataReadiness, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.readiness[readinessKey(domainName, partitionKey, readyFor)]
	if !ok {
		return domain.DataReadiness{}, false, nil
	}
	return row.r, true, nil
}

func (s *Store) ListDependencies(ctx context.Context, domainName string) ([]spinestorage.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []spinestorage.Dependency
	for _, upon := range s.deps[domainName] {
		out = append(out, spinestorage.Dependency{Domain: domainName, Upon: upon})
	}
	return out, nil
}

func (s *Store) ListExpectedSchedules(ctx context.Context, domainName string) ([]spinestorage.ExpectedSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.expected[domainName]
	if !ok {
		return nil, nil
	}
	return []spinestorage.ExpectedSchedule{row.e}, nil
}

// SeedDependency and SeedExpectedSchedule let tests and the composition
// root populate the dependency graph without a dedicated write API; these
// are configuration tables, not runtime-written ones.
func (s *Store) SeedDependency(domainName, upon string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[domainName] = append(s.deps[domainName], upon)
}

func (s *Store) SeedExpectedSchedule(e spinestorage.ExpectedSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected[e.Domain] = expectedScheduleRow{e: e}
}
