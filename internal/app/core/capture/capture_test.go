package capture

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

func newTestService(t *testing.T, cfg Config) (*Service, *memory.Store, *clock.Frozen) {
	t.Helper()
	store := memory.New()
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	return New(store, frozen, cfg, nil), store, frozen
}

func TestIssueCaptureIDFormat(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})

	id, capturedAt := svc.Issue("finra.otc_transparency", "T1", "2025-12-26")
	parts := strings.Split(string(id), ":")
	require.Len(t, parts, 4)
	require.Equal(t, "finra.otc_transparency", parts[0])
	require.Equal(t, "T1", parts[1])
	require.Equal(t, "2025-12-26", parts[2])
	require.Len(t, parts[3], 6)
	require.Equal(t, strings.ToLower(parts[3]), parts[3])
	require.False(t, capturedAt.IsZero())
}

func TestIssueHonorsConfiguredWidthAndSeparator(t *testing.T) {
	svc, _, _ := newTestService(t, Config{Separator: "|", HashWidth: 8})

	id, _ := svc.Issue("pricefeeds", "", "2025-12-26")
	parts := strings.Split(string(id), "|")
	require.Len(t, parts, 4)
	require.Len(t, parts[3], 8)
}

func TestComputeReadinessReducer(t *testing.T) {
	svc, store, _ := newTestService(t, Config{})
	ctx := context.Background()
	stages := RequiredStages{"finra.otc_transparency": {"ingest", "normalize", "aggregate"}}

	// Nothing manifested: not ready.
	r, err := svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.False(t, r.IsReady)
	require.False(t, r.AllPartitionsPresent)

	for _, stage := range []string{"ingest", "normalize", "aggregate"} {
		_, err := svc.RecordManifest(ctx, domain.Manifest{
			Domain:       "finra.otc_transparency",
			PartitionKey: "2025-12-26",
			Stage:        stage,
			RowCount:     100,
			ExecutionID:  "exec-1",
		})
		require.NoError(t, err)
	}

	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.True(t, r.IsReady)
	require.True(t, r.AllStagesComplete)
	require.True(t, r.NoCriticalAnomalies)

	// A critical anomaly flips readiness off.
	_, err = svc.RecordAnomaly(ctx, domain.Anomaly{
		Domain:       "finra.otc_transparency",
		PartitionKey: "2025-12-26",
		Severity:     string(domain.SeverityCritical),
		Category:     "row_count_drop",
	})
	require.NoError(t, err)

	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.False(t, r.IsReady)
	require.False(t, r.NoCriticalAnomalies)

	// Acking the anomaly restores readiness.
	anomalies, err := svc.ListAnomalies(ctx, "finra.otc_transparency", true)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.NoError(t, svc.AckAnomaly(ctx, anomalies[0].ID, "expected holiday drop"))

	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.True(t, r.IsReady)
	_ = store
}

func TestAgeExceedsPreliminaryWindow(t *testing.T) {
	svc, store, frozen := newTestService(t, Config{})
	ctx := context.Background()
	stages := RequiredStages{"finra.otc_transparency": {"ingest"}}

	store.SeedExpectedSchedule(spinestorage.ExpectedSchedule{
		Domain:            "finra.otc_transparency",
		ExpectedFrequency: "weekly",
		PreliminaryAfter:  2 * 24 * time.Hour,
	})

	_, err := svc.RecordManifest(ctx, domain.Manifest{
		Domain:       "finra.otc_transparency",
		PartitionKey: "2025-12-26",
		Stage:        "ingest",
		RowCount:     100,
		ExecutionID:  "exec-1",
	})
	require.NoError(t, err)

	// The manifest just landed: still inside the preliminary window.
	r, err := svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.False(t, r.AgeExceedsPreliminary)
	require.False(t, r.IsReady)
	require.True(t, r.AllStagesComplete)

	// One cadence plus the restatement grace later, the partition settles.
	frozen.Advance(9 * 24 * time.Hour)
	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.True(t, r.AgeExceedsPreliminary)
	require.True(t, r.IsReady)
}

func TestBlockIsStickyAcrossRecompute(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()
	stages := RequiredStages{"finra.otc_transparency": {"ingest"}}

	_, err := svc.RecordManifest(ctx, domain.Manifest{
		Domain:       "finra.otc_transparency",
		PartitionKey: "2025-12-26",
		Stage:        "ingest",
		RowCount:     100,
		ExecutionID:  "exec-1",
	})
	require.NoError(t, err)

	r, err := svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.True(t, r.IsReady)

	_, err = svc.Block(ctx, "finra.otc_transparency", "2025-12-26", "analytics", "upstream restated")
	require.NoError(t, err)

	// The reducer's booleans are all satisfied, but the manual block holds.
	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.False(t, r.IsReady)
	require.Equal(t, "upstream restated", r.BlockedReason)

	// Certify clears the block; the next recompute is ready again.
	_, err = svc.Certify(ctx, "finra.otc_transparency", "2025-12-26", "analytics", "ops@spine")
	require.NoError(t, err)

	r, err = svc.ComputeReadiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics", stages)
	require.NoError(t, err)
	require.True(t, r.IsReady)
	require.Empty(t, r.BlockedReason)
	require.Equal(t, "ops@spine", r.CertifiedBy)
}

func TestCertifyAndBlock(t *testing.T) {
	svc, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	r, err := svc.Certify(ctx, "finra.otc_transparency", "2025-12-26", "analytics", "ops@spine")
	require.NoError(t, err)
	require.Equal(t, "ops@spine", r.CertifiedBy)
	require.NotNil(t, r.CertifiedAt)

	r, err = svc.Block(ctx, "finra.otc_transparency", "2025-12-26", "analytics", "upstream restated")
	require.NoError(t, err)
	require.False(t, r.IsReady)
	require.Equal(t, "upstream restated", r.BlockedReason)

	got, ok, err := svc.Readiness(ctx, "finra.otc_transparency", "2025-12-26", "analytics")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "upstream restated", got.BlockedReason)
}
