package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

type storedExecution struct {
	exec domain.Execution
}

type eventRow struct {
	event domain.ExecutionEvent
	seq   int
}

type deadLetterRow struct {
	dl domain.DeadLetter
}

func cloneExecution(e domain.Execution) domain.Execution {
	out := e
	if e.Params != nil {
		out.Params = cloneMap(e.Params)
	}
	if e.Result != nil {
		out.Result = cloneMap(e.Result)
	}
	if e.Error != nil {
		errCopy := *e.Error
		if e.Error.Details != nil {
			errCopy.Details = cloneMap(e.Error.Details)
		}
		out.Error = &errCopy
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func idempotencyKey(pipeline, key string) string {
	return pipeline + "\x00" + key
}

func (s *Store) CreateExecutionWithEvent(ctx context.Context, exec domain.Execution, event domain.ExecutionEvent) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneExecution(exec)
	s.executions[stored.ID] = storedExecution{exec: stored}
	if stored.IdempotencyKey != "" {
		s.idempotency[idempotencyKey(stored.Pipeline, stored.IdempotencyKey)] = stored.ID
	}
	s.events[stored.ID] = append(s.events[stored.ID], eventRow{event: event, seq: s.nextSeq()})
	return cloneExecution(stored), nil
}

func (s *Store) FindOpenByIdempotencyKey(ctx context.Context, pipeline, key string) (domain.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.idempotency[idempotencyKey(pipeline, key)]
	if !ok {
		return domain.Execution{}, false, nil
	}
	row, ok := s.executions[id]
	if !ok || row.exec.Status.IsTerminal() {
		return domain.Execution{}, false, nil
	}
	return cloneExecution(row.exec), true, nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, spineerr.ExecutionNotFound(id)
	}
	return cloneExecution(row.exec), nil
}

func (s *Store) ListExecutions(ctx context.Context, filter spinestorage.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Execution
	for _, row := range s.executions {
		e := row.exec
		if filter.Pipeline != "" && e.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Lane != "" && e.Lane != filter.Lane {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, from, to domain.ExecutionStatus, mutate func(*domain.Execution)) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[id]
	if !ok {
		return domain.Execution{}, spineerr.ExecutionNotFound(id)
	}
	if row.exec.Status != from {
		return domain.Execution{}, spineerr.New(domain.CategoryConflict, "execution status changed concurrently")
	}
	updated := cloneExecution(row.exec)
	updated.Status = to
	if mutate != nil {
		mutate(&updated)
	}
	s.executions[id] = storedExecution{exec: updated}
	if updated.IdempotencyKey != "" {
		key := idempotencyKey(updated.Pipeline, updated.IdempotencyKey)
		if updated.Status.IsTerminal() {
			delete(s.idempotency, key)
		} else {
			s.idempotency[key] = updated.ID
		}
	}
	return cloneExecution(updated), nil
}

func (s *Store) AppendEvent(ctx context.Context, event domain.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[event.ExecutionID]; !ok {
		return spineerr.ExecutionNotFound(event.ExecutionID)
	}
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], eventRow{event: event, seq: s.nextSeq()})
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionID string) ([]domain.ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := append([]eventRow(nil), s.events[executionID]...)
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].event.Timestamp.Equal(rows[j].event.Timestamp) {
			return rows[i].event.Timestamp.Before(rows[j].event.Timestamp)
		}
		return rows[i].seq < rows[j].seq
	})
	out := make([]domain.ExecutionEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event)
	}
	return out, nil
}

func (s *Store) CreateDeadLetterTerminal(ctx context.Context, exec domain.Execution, dl domain.DeadLetter) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[exec.ID]
	if !ok {
		return domain.Execution{}, spineerr.ExecutionNotFound(exec.ID)
	}
	updated := cloneExecution(row.exec)
	updated.Status = domain.ExecutionDeadLettered
	if exec.CompletedAt != nil {
		t := *exec.CompletedAt
		updated.CompletedAt = &t
	}
	if exec.Error != nil {
		errCopy := *exec.Error
		updated.Error = &errCopy
	}
	s.executions[exec.ID] = storedExecution{exec: updated}
	if updated.IdempotencyKey != "" {
		delete(s.idempotency, idempotencyKey(updated.Pipeline, updated.IdempotencyKey))
	}
	s.deadLetters[exec.ID] = deadLetterRow{dl: dl}
	return cloneExecution(updated), nil
}

func (s *Store) GetDeadLetter(ctx context.Context, executionID string) (domain.DeadLetter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deadLetters[executionID]
	if !ok {
		return domain.DeadLetter{}, false, nil
	}
	return row.dl, true, nil
}

func (s *Store) ResolveDeadLetter(ctx context.Context, executionID, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.deadLetters[executionID]
	if !ok {
		return spineerr.New(domain.CategoryNotFound, "dead letter not found")
	}
	row.dl.ResolvedBy = resolvedBy
	t := at
	row.dl.ResolvedAt = &t
	s.deadLetters[executionID] = row
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, onlyUnresolved bool) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DeadLetter
	for _, row := range s.deadLetters {
		if onlyUnresolved && row.dl.ResolvedAt != nil {
			continue
		}
		out = append(out, row.dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
