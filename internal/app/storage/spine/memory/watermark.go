package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
)

type watermarkRow struct{ w domain.Watermark }
type backfillPlanRow struct{ p domain.BackfillPlan }

func watermarkKey(domainName, source, partitionKey string) string {
	return domainName + "\x00" + source + "\x00" + partitionKey
}

func (s *Store) GetWatermark(ctx context.Context, domainName, source, partitionKey string) (domain.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.watermarks[watermarkKey(domainName, source, partitionKey)]
	if !ok {
		return domain.Watermark{}, false, nil
	}
	return row.w, true, nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time, metadata map[string]any) (domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watermarkKey(domainName, source, partitionKey)
	row, ok := s.watermarks[key]
	if !ok {
		row = watermarkRow{w: domain.Watermark{Domain: domainName, Source: source, PartitionKey: partitionKey}}
	}
	if high.After(row.w.HighWater) {
		row.w.HighWater = high
	}
	if metadata != nil {
		row.w.Metadata = cloneMap(metadata)
	}
	row.w.UpdatedAt = high
	s.watermarks[key] = row
	return row.w, nil
}

func (s *Store) RewindWatermark(ctx context.Context, domainName, source, partitionKey string, high time.Time) (domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watermarkKey(domainName, source, partitionKey)
	row, ok := s.watermarks[key]
	if !ok {
		return domain.Watermark{}, spineerr.New(domain.CategoryNotFound, "watermark not found")
	}
	row.w.HighWater = high
	row.w.UpdatedAt = high
	s.watermarks[key] = row
	return row.w, nil
}

func (s *Store) ListWatermarks(ctx context.Context, domainName string) ([]domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Watermark
	for _, row := range s.watermarks {
		if row.w.Domain == domainName {
			out = append(out, row.w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}

func (s *Store) CreateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) (domain.BackfillPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backfillPlans[plan.PlanID] = backfillPlanRow{p: plan}
	return plan, nil
}

func (s *Store) GetBackfillPlan(ctx context.Context, planID string) (domain.BackfillPlan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.backfillPlans[planID]
	if !ok {
		return domain.BackfillPlan{}, false, nil
	}
	return row.p, true, nil
}

func (s *Store) UpdateBackfillPlan(ctx context.Context, plan domain.BackfillPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backfillPlans[plan.PlanID]; !ok {
		return spineerr.New(domain.CategoryNotFound, "backfill plan not found")
	}
	s.backfillPlans[plan.PlanID] = backfillPlanRow{p: plan}
	return nil
}

func (s *Store) ListBackfillPlans(ctx context.Context, domainName string) ([]domain.BackfillPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.BackfillPlan
	for _, row := range s.backfillPlans {
		if row.p.Domain == domainName {
			out = append(out, row.p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
