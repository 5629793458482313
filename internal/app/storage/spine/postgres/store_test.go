package postgres

import (
	"testing"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

func TestStoreExecutionLifecycle(t *testing.T) {
	store, ctx := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	exec := domain.Execution{
		ID:             "exec-1",
		Pipeline:       "finra.otc.ingest_week",
		Params:         map[string]any{"tier": "T1", "week_ending": "2025-12-26"},
		Lane:           domain.LaneNormal,
		TriggerSource:  domain.TriggerManual,
		Status:         domain.ExecutionPending,
		CreatedAt:      now,
		IdempotencyKey: "idem-1",
	}
	created := domain.ExecutionEvent{ExecutionID: exec.ID, Type: domain.EventCreated, Timestamp: now}

	if _, err := store.CreateExecutionWithEvent(ctx, exec, created); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	open, found, err := store.FindOpenByIdempotencyKey(ctx, exec.Pipeline, "idem-1")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if !found || open.ID != exec.ID {
		t.Fatalf("expected idempotency hit for exec-1, got found=%v id=%q", found, open.ID)
	}

	started := now.Add(time.Second)
	running, err := store.CompareAndSetStatus(ctx, exec.ID, domain.ExecutionPending, domain.ExecutionRunning, func(e *domain.Execution) {
		e.StartedAt = &started
	})
	if err != nil {
		t.Fatalf("cas pending->running: %v", err)
	}
	if running.Status != domain.ExecutionRunning || running.StartedAt == nil {
		t.Fatalf("unexpected post-CAS state: %+v", running)
	}

	// A second CAS from pending must conflict.
	if _, err := store.CompareAndSetStatus(ctx, exec.ID, domain.ExecutionPending, domain.ExecutionRunning, nil); err == nil {
		t.Fatalf("expected conflict on stale CAS")
	}

	if err := store.AppendEvent(ctx, domain.ExecutionEvent{ExecutionID: exec.ID, Type: domain.EventStarted, Timestamp: started}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	failedAt := started.Add(time.Second)
	dl := domain.DeadLetter{
		ExecutionID: exec.ID,
		Pipeline:    exec.Pipeline,
		Params:      exec.Params,
		Error:       &domain.ExecutionError{Category: domain.CategoryTransient, Message: "boom"},
		CreatedAt:   failedAt,
	}
	terminal, err := store.CreateDeadLetterTerminal(ctx, domain.Execution{ID: exec.ID, CompletedAt: &failedAt, Error: dl.Error}, dl)
	if err != nil {
		t.Fatalf("dead letter terminal: %v", err)
	}
	if terminal.Status != domain.ExecutionDeadLettered || terminal.Pipeline != exec.Pipeline {
		t.Fatalf("expected dead_lettered with fields preserved, got %+v", terminal)
	}

	if _, found, _ := store.FindOpenByIdempotencyKey(ctx, exec.Pipeline, "idem-1"); found {
		t.Fatalf("terminal execution must not satisfy idempotency lookup")
	}

	stored, found, err := store.GetDeadLetter(ctx, exec.ID)
	if err != nil || !found {
		t.Fatalf("get dead letter: found=%v err=%v", found, err)
	}
	if err := store.ResolveDeadLetter(ctx, exec.ID, "ops", failedAt.Add(time.Minute)); err != nil {
		t.Fatalf("resolve dead letter: %v", err)
	}
	unresolved, err := store.ListDeadLetters(ctx, true)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("expected no unresolved dead letters, got %d", len(unresolved))
	}
	_ = stored

	events, err := store.ListEvents(ctx, exec.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != domain.EventCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestStoreWorkItemLeaseAndReclaim(t *testing.T) {
	store, ctx := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	item := domain.WorkItem{
		Domain:       "finra.otc_transparency",
		Pipeline:     "finra.otc.ingest_week",
		PartitionKey: "T1:2025-12-26",
		Params:       map[string]any{"tier": "T1"},
		DesiredAt:    now.Add(-time.Minute),
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	first, err := store.UpsertWorkItem(ctx, item, false)
	if err != nil {
		t.Fatalf("upsert work item: %v", err)
	}

	// Same key upserts into the same row.
	second, err := store.UpsertWorkItem(ctx, item, false)
	if err != nil {
		t.Fatalf("re-upsert work item: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected single row per partition key, got %q vs %q", first.ID, second.ID)
	}

	leased, ok, err := store.LeaseOne(ctx, now, "worker-a", now.Add(5*time.Second), spinestorage.WorkItemFilter{})
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	if leased.State != domain.WorkItemLeased || leased.LockedBy != "worker-a" {
		t.Fatalf("unexpected leased state: %+v", leased)
	}

	// No second lease while the first is live.
	if _, ok, _ := store.LeaseOne(ctx, now, "worker-b", now.Add(5*time.Second), spinestorage.WorkItemFilter{}); ok {
		t.Fatalf("expected no leasable item while leased")
	}

	reclaimed, err := store.ReclaimExpired(ctx, now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].State != domain.WorkItemPending {
		t.Fatalf("expected one reclaimed pending item, got %+v", reclaimed)
	}
	if reclaimed[0].AttemptCount != 0 {
		t.Fatalf("reclaim must not consume an attempt")
	}

	leased, ok, err = store.LeaseOne(ctx, now.Add(7*time.Second), "worker-b", now.Add(12*time.Second), spinestorage.WorkItemFilter{})
	if err != nil || !ok {
		t.Fatalf("re-lease: ok=%v err=%v", ok, err)
	}
	if _, err := store.CompleteWorkItem(ctx, leased.ID, "exec-9"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, _, err := store.GetWorkItem(ctx, item.Domain, item.Pipeline, item.PartitionKey)
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	if done.State != domain.WorkItemCompleted || done.LatestExecutionID != "exec-9" {
		t.Fatalf("unexpected completed state: %+v", done)
	}

	// Completed items stay completed unless the caller opts into a reset.
	kept, err := store.UpsertWorkItem(ctx, item, false)
	if err != nil {
		t.Fatalf("upsert completed: %v", err)
	}
	if kept.State != domain.WorkItemCompleted {
		t.Fatalf("expected state preserved, got %s", kept.State)
	}
	reset, err := store.UpsertWorkItem(ctx, item, true)
	if err != nil {
		t.Fatalf("upsert reset: %v", err)
	}
	if reset.State != domain.WorkItemPending || reset.AttemptCount != 0 {
		t.Fatalf("expected reset to pending, got %+v", reset)
	}
}

func TestStoreWatermarkMonotonic(t *testing.T) {
	store, ctx := newTestStore(t)

	base := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	w, err := store.AdvanceWatermark(ctx, "finra.otc_transparency", "finra", "T1", base, nil)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !w.HighWater.Equal(base) {
		t.Fatalf("expected high water %v, got %v", base, w.HighWater)
	}

	// Advancing backwards is a no-op on high_water.
	w, err = store.AdvanceWatermark(ctx, "finra.otc_transparency", "finra", "T1", base.Add(-24*time.Hour), nil)
	if err != nil {
		t.Fatalf("advance backwards: %v", err)
	}
	if !w.HighWater.Equal(base) {
		t.Fatalf("high water must not decrease via advance, got %v", w.HighWater)
	}

	w, err = store.RewindWatermark(ctx, "finra.otc_transparency", "finra", "T1", base.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if !w.HighWater.Equal(base.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("rewind must decrease high water, got %v", w.HighWater)
	}
}

func TestStoreWorkflowEventIdempotency(t *testing.T) {
	store, ctx := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	run := domain.WorkflowRun{
		ID:           "run-1",
		WorkflowName: "weekly_refresh",
		Status:       domain.WorkflowRunPending,
		TotalSteps:   1,
		CreatedAt:    now,
	}
	if _, err := store.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	ev := domain.WorkflowEvent{
		RunID:          run.ID,
		StepName:       "ingest",
		Attempt:        1,
		EventType:      "step_started",
		IdempotencyKey: "k1",
		Timestamp:      now,
	}
	inserted, err := store.AppendEventIdempotent(ctx, ev)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.AppendEventIdempotent(ctx, ev)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate idempotency key must not insert")
	}

	events, err := store.ListWorkflowEvents(ctx, run.ID, "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
}
