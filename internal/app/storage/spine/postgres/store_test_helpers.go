package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/ryansmccoy/spine-core-sub006/internal/platform/migrations"
	_ "github.com/lib/pq"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := migrations.Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetTables(db); err != nil {
		t.Fatalf("reset tables: %v", err)
	}

	t.Cleanup(func() {
		_ = resetTables(db)
		_ = db.Close()
	})

	return New(db), context.Background()
}

func resetTables(db *sql.DB) error {
	_, err := db.Exec(`
		TRUNCATE
			core_bitemporal_facts,
			core_source_cache,
			core_source_fetches,
			core_sources,
			core_backfill_plans,
			core_watermarks,
			core_alert_throttle,
			core_alert_deliveries,
			core_alerts,
			core_alert_channels,
			core_workflow_events,
			core_workflow_steps,
			core_workflow_runs,
			core_data_readiness,
			core_expected_schedules,
			core_calc_dependencies,
			core_anomalies,
			core_quality,
			core_rejects,
			core_manifest,
			core_schedule_locks,
			core_schedule_runs,
			core_schedules,
			core_work_items,
			core_concurrency_locks,
			core_dead_letters,
			core_execution_events,
			core_executions
		RESTART IDENTITY CASCADE
	`)
	return err
}
