package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

type workItemRow struct {
	item domain.WorkItem
}

func workItemKey(domainName, pipeline, partitionKey string) string {
	return domainName + "\x00" + pipeline + "\x00" + partitionKey
}

func cloneWorkItem(w domain.WorkItem) domain.WorkItem {
	out := w
	if w.Params != nil {
		out.Params = cloneMap(w.Params)
	}
	if w.NextAttemptAt != nil {
		t := *w.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if w.LockedAt != nil {
		t := *w.LockedAt
		out.LockedAt = &t
	}
	if w.LeaseExpiresAt != nil {
		t := *w.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	return out
}

func (s *Store) UpsertWorkItem(ctx context.Context, item domain.WorkItem, resetIfCompleted bool) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workItemKey(item.Domain, item.Pipeline, item.PartitionKey)
	if id, ok := s.workItemKey[key]; ok {
		existing := s.workItems[id].item
		if existing.State == domain.WorkItemCompleted && resetIfCompleted {
			item.ID = existing.ID
			item.State = domain.WorkItemPending
			item.AttemptCount = 0
			item.CreatedAt = existing.CreatedAt
			item.UpdatedAt = item.DesiredAt
			stored := cloneWorkItem(item)
			s.workItems[id] = workItemRow{item: stored}
			return cloneWorkItem(stored), nil
		}
		// idempotent upsert: return the existing row unchanged.
		return cloneWorkItem(existing), nil
	}

	stored := cloneWorkItem(item)
	s.workItems[stored.ID] = workItemRow{item: stored}
	s.workItemKey[key] = stored.ID
	return cloneWorkItem(stored), nil
}

func (s *Store) GetWorkItem(ctx context.Context, domainName, pipeline, partitionKey string) (domain.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.workItemKey[workItemKey(domainName, pipeline, partitionKey)]
	if !ok {
		return domain.WorkItem{}, false, nil
	}
	return cloneWorkItem(s.workItems[id].item), true, nil
}

func (s *Store) GetWorkItemByID(ctx context.Context, id string) (domain.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workItems[id]
	if !ok {
		return domain.WorkItem{}, false, nil
	}
	return cloneWorkItem(row.item), true, nil
}

func (s *Store) LeaseOne(ctx context.Context, now time.Time, lockedBy string, leaseExpiresAt time.Time, filter spinestorage.WorkItemFilter) (domain.WorkItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []domain.WorkItem
	for _, row := range s.workItems {
		it := row.item
		if it.State != domain.WorkItemPending {
			continue
		}
		if it.DesiredAt.After(now) {
			continue
		}
		if it.NextAttemptAt != nil && it.NextAttemptAt.After(now) {
			continue
		}
		if filter.Domain != "" && it.Domain != filter.Domain {
			continue
		}
		if filter.Pipeline != "" && it.Pipeline != filter.Pipeline {
			continue
		}
		candidates = append(candidates, it)
	}
	if len(candidates) == 0 {
		return domain.WorkItem{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].DesiredAt.Before(candidates[j].DesiredAt)
	})
	chosen := candidates[0]
	chosen.State = domain.WorkItemLeased
	chosen.LockedBy = lockedBy
	lockedAt := now
	chosen.LockedAt = &lockedAt
	leaseAt := leaseExpiresAt
	chosen.LeaseExpiresAt = &leaseAt
	chosen.UpdatedAt = now
	stored := cloneWorkItem(chosen)
	s.workItems[stored.ID] = workItemRow{item: stored}
	return cloneWorkItem(stored), true, nil
}

func (s *Store) CompleteWorkItem(ctx context.Context, id, executionID string) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workItems[id]
	if !ok {
		return domain.WorkItem{}, spineerr.New("not_found", "work item not found")
	}
	it := row.item
	it.State = domain.WorkItemCompleted
	it.LockedBy = ""
	it.LockedAt = nil
	it.LeaseExpiresAt = nil
	it.CurrentExecutionID = ""
	it.LatestExecutionID = executionID
	stored := cloneWorkItem(it)
	s.workItems[id] = workItemRow{item: stored}
	return cloneWorkItem(stored), nil
}

func (s *Store) FailWorkItem(ctx context.Context, id string, lastError string, retryable bool, nextAttemptAt *time.Time) (domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workItems[id]
	if !ok {
		return domain.WorkItem{}, spineerr.New("not_found", "work item not found")
	}
	it := row.item
	it.AttemptCount++
	it.LastError = lastError
	it.LockedBy = ""
	it.LockedAt = nil
	it.LeaseExpiresAt = nil
	if retryable && it.AttemptCount < it.MaxAttempts {
		it.State = domain.WorkItemPending
		it.NextAttemptAt = nextAttemptAt
	} else if retryable {
		it.State = domain.WorkItemDead
	} else {
		it.State = domain.WorkItemFailed
	}
	stored := cloneWorkItem(it)
	s.workItems[id] = workItemRow{item: stored}
	return cloneWorkItem(stored), nil
}

func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []domain.WorkItem
	for id, row := range s.workItems {
		it := row.item
		if it.State != domain.WorkItemLeased {
			continue
		}
		if it.LeaseExpiresAt == nil || now.Before(*it.LeaseExpiresAt) {
			continue
		}
		it.State = domain.WorkItemPending
		it.LockedBy = ""
		it.LockedAt = nil
		it.LeaseExpiresAt = nil
		stored := cloneWorkItem(it)
		s.workItems[id] = workItemRow{item: stored}
		reclaimed = append(reclaimed, cloneWorkItem(stored))
	}
	return reclaimed, nil
}

func (s *Store) ListWorkItems(ctx context.Context, filter spinestorage.WorkItemFilter) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkItem
	for _, row := range s.workItems {
		it := row.item
		if filter.Domain != "" && it.Domain != filter.Domain {
			continue
		}
		if filter.Pipeline != "" && it.Pipeline != filter.Pipeline {
			continue
		}
		out = append(out, cloneWorkItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
