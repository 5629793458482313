package memory

import (
	"context"
	"sort"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
)

type workflowRunRow struct{ run domain.WorkflowRun }
type stepRow struct{ step domain.WorkflowStep }
type workflowEventRow struct{ event domain.WorkflowEvent }

func stepKey(name string, attempt int) string {
	return name + "\x00" + itoa(attempt)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) CreateWorkflowRun(ctx context.Context, run domain.WorkflowRun) (domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflowRuns[run.ID] = workflowRunRow{run: run}
	s.steps[run.ID] = map[string]stepRow{}
	return run, nil
}

func (s *Store) GetWorkflowRun(ctx context.Context, id string) (domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.workflowRuns[id]
	if !ok {
		return domain.WorkflowRun{}, spineerr.New(domain.CategoryNotFound, "workflow run not found")
	}
	return row.run, nil
}

func (s *Store) UpdateWorkflowRun(ctx context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflowRuns[run.ID]; !ok {
		return spineerr.New(domain.CategoryNotFound, "workflow run not found")
	}
	s.workflowRuns[run.ID] = workflowRunRow{run: run}
	return nil
}

func (s *Store) ListWorkflowRuns(ctx context.Context, workflowName string, limit int) ([]domain.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkflowRun
	for _, row := range s.workflowRuns {
		if workflowName != "" && row.run.WorkflowName != workflowName {
			continue
		}
		out = append(out, row.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertStep(ctx context.Context, step domain.WorkflowStep) (domain.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.steps[step.RunID] == nil {
		s.steps[step.RunID] = map[string]stepRow{}
	}
	s.steps[step.RunID][stepKey(step.StepName, step.Attempt)] = stepRow{step: step}
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, runID string) ([]domain.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WorkflowStep
	for _, row := range s.steps[runID] {
		out = append(out, row.step)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepName != out[j].StepName {
			return out[i].StepName < out[j].StepName
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *Store) AppendEventIdempotent(ctx context.Context, event domain.WorkflowEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wfEventKeys[event.IdempotencyKey] {
		return false, nil
	}
	s.wfEventKeys[event.IdempotencyKey] = true
	s.wfEvents[event.RunID] = append(s.wfEvents[event.RunID], workflowEventRow{event: event})
	return true, nil
}

func (s *Store) ListWorkflowEvents(ctx context.Context, runID string, cursor string) ([]domain.WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.wfEvents[runID]
	out := make([]domain.WorkflowEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
