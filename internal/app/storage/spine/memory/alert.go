package memory

import (
	"context"
	"sort"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
)

type channelRow struct{ ch domain.AlertChannel }
type alertRow struct{ a domain.Alert }
type deliveryRow struct{ d domain.AlertDelivery }
type throttleRow struct{ t domain.AlertThrottle }

func (s *Store) UpsertChannel(ctx context.Context, ch domain.AlertChannel) (domain.AlertChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[ch.Name] = channelRow{ch: ch}
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, name string) (domain.AlertChannel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.channels[name]
	if !ok {
		return domain.AlertChannel{}, false, nil
	}
	return row.ch, true, nil
}

func (s *Store) ListChannels(ctx context.Context, enabledOnly bool) ([]domain.AlertChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AlertChannel
	for _, row := range s.channels {
		if enabledOnly && !row.ch.Enabled {
			continue
		}
		out = append(out, row.ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) IncrementChannelFailures(ctx context.Context, name string, disableAfter int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.channels[name]
	if !ok {
		return 0, false, spineerr.New(domain.CategoryNotFound, "channel not found")
	}
	row.ch.ConsecutiveFailures++
	disabled := false
	if disableAfter > 0 && row.ch.ConsecutiveFailures >= disableAfter {
		row.ch.Enabled = false
		disabled = true
	}
	s.channels[name] = row
	return row.ch.ConsecutiveFailures, disabled, nil
}

func (s *Store) ResetChannelFailures(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.channels[name]
	if !ok {
		return nil
	}
	row.ch.ConsecutiveFailures = 0
	s.channels[name] = row
	return nil
}

func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts[a.ID] = alertRow{a: a}
	return a, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (domain.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.alerts[id]
	if !ok {
		return domain.Alert{}, false, nil
	}
	return row.a, true, nil
}

func (s *Store) ListAlerts(ctx context.Context, domainName string, limit int) ([]domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Alert
	for _, row := range s.alerts {
		if domainName != "" && row.a.Domain != domainName {
			continue
		}
		out = append(out, row.a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertDelivery(ctx context.Context, d domain.AlertDelivery) (domain.AlertDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deliveries[d.AlertID] = append(s.deliveries[d.AlertID], deliveryRow{d: d})
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, alertID string) ([]domain.AlertDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.deliveries[alertID]
	out := make([]domain.AlertDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.d)
	}
	return out, nil
}

func (s *Store) ListPendingRetries(ctx context.Context, now time.Time) ([]domain.AlertDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AlertDelivery
	for _, rows := range s.deliveries {
		for _, row := range rows {
			if row.d.Status == domain.DeliveryFailed && row.d.NextRetryAt != nil && !row.d.NextRetryAt.After(now) {
				out = append(out, row.d)
			}
		}
	}
	return out, nil
}

func (s *Store) GetThrottle(ctx context.Context, channelName, dedupKey string) (domain.AlertThrottle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.throttles[channelName+"\x00"+dedupKey]
	if !ok {
		return domain.AlertThrottle{}, false, nil
	}
	return row.t, true, nil
}

func (s *Store) UpsertThrottle(ctx context.Context, t domain.AlertThrottle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.throttles[t.ChannelName+"\x00"+t.DedupKey] = throttleRow{t: t}
	return nil
}
