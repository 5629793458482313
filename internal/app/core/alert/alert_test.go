package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine/memory"
)

type flakySender struct {
	failures int
	sent     []domain.Alert
}

func (s *flakySender) Kind() string { return "flaky" }

func (s *flakySender) Send(ctx context.Context, ch domain.AlertChannel, alert domain.Alert) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("downstream unavailable")
	}
	s.sent = append(s.sent, alert)
	return nil
}

func newTestBus(t *testing.T, c clock.Clock) (*Bus, *memory.Store) {
	t.Helper()
	store := memory.New()
	bus := New(store, c, Config{
		DefaultThrottleMinutes: 15,
		DisableAfterFailures:   3,
		Retry:                  ledger.RetryPolicy{MaxRetries: 2, Base: time.Second, Cap: time.Minute},
	}, nil)
	return bus, store
}

func TestPublishDeliversToMatchingChannels(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	bus, store := newTestBus(t, frozen)
	ctx := context.Background()

	_, err := store.UpsertChannel(ctx, domain.AlertChannel{
		Name: "ops-log", Kind: "log", MinSeverity: domain.SeverityError, Enabled: true,
	})
	require.NoError(t, err)
	_, err = store.UpsertChannel(ctx, domain.AlertChannel{
		Name: "finra-only", Kind: "log", MinSeverity: domain.SeverityInfo,
		Domains: []string{"finra.otc_transparency"}, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.Alert{
		ID: "a1", Severity: domain.SeverityWarn, Title: "slow ingest", Domain: "pricefeeds",
	}))

	// WARN is below ops-log's ERROR floor and pricefeeds is outside
	// finra-only's domain list, so nothing is delivered.
	for _, alertID := range []string{"a1"} {
		deliveries, err := store.ListDeliveries(ctx, alertID)
		require.NoError(t, err)
		require.Empty(t, deliveries)
	}

	require.NoError(t, bus.Publish(ctx, domain.Alert{
		ID: "a2", Severity: domain.SeverityCritical, Title: "dead letter", Domain: "finra.otc_transparency",
	}))
	deliveries, err := store.ListDeliveries(ctx, "a2")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	for _, d := range deliveries {
		require.Equal(t, domain.DeliveryDelivered, d.Status)
	}
}

func TestThrottleSuppressesWithinWindow(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	bus, store := newTestBus(t, frozen)
	ctx := context.Background()

	_, err := store.UpsertChannel(ctx, domain.AlertChannel{
		Name: "ops-log", Kind: "log", MinSeverity: domain.SeverityWarn, Enabled: true,
		ThrottleMinutes: 10,
	})
	require.NoError(t, err)

	alert := domain.Alert{Severity: domain.SeverityError, Title: "ingest failed", DedupKey: "ingest:T1"}

	a1 := alert
	a1.ID = "t1"
	require.NoError(t, bus.Publish(ctx, a1))

	frozen.Advance(5 * time.Minute)
	a2 := alert
	a2.ID = "t2"
	require.NoError(t, bus.Publish(ctx, a2))

	d1, _ := store.ListDeliveries(ctx, "t1")
	require.Len(t, d1, 1)
	require.Equal(t, domain.DeliveryDelivered, d1[0].Status)

	d2, _ := store.ListDeliveries(ctx, "t2")
	require.Len(t, d2, 1)
	require.Equal(t, domain.DeliverySuppressed, d2[0].Status)

	// Outside the window the next alert goes through.
	frozen.Advance(10 * time.Minute)
	a3 := alert
	a3.ID = "t3"
	require.NoError(t, bus.Publish(ctx, a3))
	d3, _ := store.ListDeliveries(ctx, "t3")
	require.Len(t, d3, 1)
	require.Equal(t, domain.DeliveryDelivered, d3[0].Status)
}

func TestFailedDeliveryRetriesThenSucceeds(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	bus, store := newTestBus(t, frozen)
	ctx := context.Background()

	sender := &flakySender{failures: 1}
	bus.RegisterSender(sender)

	_, err := store.UpsertChannel(ctx, domain.AlertChannel{
		Name: "pager", Kind: "flaky", MinSeverity: domain.SeverityError, Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.Alert{
		ID: "r1", Severity: domain.SeverityCritical, Title: "dead letter",
	}))

	deliveries, _ := store.ListDeliveries(ctx, "r1")
	require.Len(t, deliveries, 1)
	require.Equal(t, domain.DeliveryFailed, deliveries[0].Status)
	require.NotNil(t, deliveries[0].NextRetryAt)

	frozen.Advance(2 * time.Minute)
	require.NoError(t, bus.RetryPending(ctx))

	deliveries, _ = store.ListDeliveries(ctx, "r1")
	require.Len(t, deliveries, 2)
	require.Equal(t, domain.DeliveryDelivered, deliveries[1].Status)
	require.Equal(t, 2, deliveries[1].Attempt)
	require.Len(t, sender.sent, 1)
}

func TestChannelDisabledAfterConsecutiveFailures(t *testing.T) {
	frozen := clock.NewFrozen(time.Date(2025, 12, 26, 8, 0, 0, 0, time.UTC))
	bus, store := newTestBus(t, frozen)
	ctx := context.Background()

	sender := &flakySender{failures: 100}
	bus.RegisterSender(sender)

	_, err := store.UpsertChannel(ctx, domain.AlertChannel{
		Name: "pager", Kind: "flaky", MinSeverity: domain.SeverityError, Enabled: true,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, domain.Alert{
			Severity: domain.SeverityError, Title: "boom",
		}))
	}

	ch, ok, err := store.GetChannel(ctx, "pager")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ch.Enabled)
	require.Equal(t, 3, ch.ConsecutiveFailures)
}
