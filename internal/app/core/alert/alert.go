// Package alert implements the Alert Bus:
// severity-tagged events fanned out to matching channels with
// dedup/throttle, retryable delivery, and a per-attempt delivery ledger.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/ledger"
	core "github.com/ryansmccoy/spine-core-sub006/internal/app/core/service"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/metrics"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// Sender delivers one alert to one channel. Implementations live outside
// the core (Slack, email, webhooks); the log sender below is the only
// built-in.
type Sender interface {
	Kind() string
	Send(ctx context.Context, channel domain.AlertChannel, alert domain.Alert) error
}

// Config bounds throttling and retry behavior.
type Config struct {
	DefaultThrottleMinutes int
	DisableAfterFailures   int
	Retry                  ledger.RetryPolicy
}

// Bus routes alerts to channels and owns the alert tables.
type Bus struct {
	store   spinestorage.AlertStore
	clock   clock.Clock
	ids     clock.IDs
	cfg     Config
	senders map[string]Sender
	log     *logger.Logger
}

// New constructs a Bus with the built-in log sender registered.
func New(store spinestorage.AlertStore, c clock.Clock, cfg Config, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("spine-alerts")
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = ledger.RetryPolicy{MaxRetries: 3, Base: 30 * time.Second, Cap: 10 * time.Minute}
	}
	b := &Bus{
		store:   store,
		clock:   c,
		ids:     clock.NewIDs(),
		cfg:     cfg,
		senders: map[string]Sender{},
		log:     log,
	}
	b.RegisterSender(logSender{log: log})
	return b
}

// RegisterSender wires a delivery implementation for its channel kind.
func (b *Bus) RegisterSender(s Sender) {
	b.senders[s.Kind()] = s
}

// Publish persists the alert and attempts delivery to every matching
// channel. Delivery failures never propagate upward; they are
// recorded for retry.
func (b *Bus) Publish(ctx context.Context, alert domain.Alert) error {
	now := b.clock.Now()
	if alert.ID == "" {
		alert.ID = b.ids.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert, err := b.store.InsertAlert(ctx, alert)
	if err != nil {
		return err
	}

	channels, err := b.store.ListChannels(ctx, true)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if !matches(ch, alert) {
			continue
		}
		b.deliver(ctx, ch, alert, 1)
	}
	return nil
}

// matches reports whether a channel should receive the alert: severity
// at or above the channel floor, and the channel either has no domain
// list or lists the alert's domain.
func matches(ch domain.AlertChannel, alert domain.Alert) bool {
	if !ch.Enabled {
		return false
	}
	if !alert.Severity.AtLeast(ch.MinSeverity) {
		return false
	}
	if len(ch.Domains) == 0 {
		return true
	}
	for _, d := range ch.Domains {
		if d == alert.Domain {
			return true
		}
	}
	return false
}

func (b *Bus) throttleWindow(ch domain.AlertChannel) time.Duration {
	minutes := ch.ThrottleMinutes
	if minutes <= 0 {
		minutes = b.cfg.DefaultThrottleMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (b *Bus) deliver(ctx context.Context, ch domain.AlertChannel, alert domain.Alert, attempt int) {
	now := b.clock.Now()

	if alert.DedupKey != "" && attempt == 1 {
		window := b.throttleWindow(ch)
		if throttle, ok, err := b.store.GetThrottle(ctx, ch.Name, alert.DedupKey); err == nil && ok && window > 0 {
			if now.Before(throttle.LastSentAt.Add(window)) {
				throttle.SendCount++
				throttle.ExpiresAt = throttle.LastSentAt.Add(window)
				_ = b.store.UpsertThrottle(ctx, throttle)
				_, _ = b.store.InsertDelivery(ctx, domain.AlertDelivery{
					ID:          b.ids.New(),
					AlertID:     alert.ID,
					ChannelName: ch.Name,
					Attempt:     attempt,
					Status:      domain.DeliverySuppressed,
					CreatedAt:   now,
				})
				metrics.RecordAlertDelivery(ch.Name, string(domain.DeliverySuppressed))
				return
			}
		}
	}

	sender, ok := b.senders[ch.Kind]
	if !ok {
		b.log.WithField("channel", ch.Name).Warnf("no sender registered for channel kind %q", ch.Kind)
		return
	}

	if err := sender.Send(ctx, ch, alert); err != nil {
		delivery := domain.AlertDelivery{
			ID:          b.ids.New(),
			AlertID:     alert.ID,
			ChannelName: ch.Name,
			Attempt:     attempt,
			Status:      domain.DeliveryFailed,
			Error:       err.Error(),
			CreatedAt:   now,
		}
		if attempt <= b.cfg.Retry.MaxRetries {
			retryAt := now.Add(b.cfg.Retry.NextBackoff(attempt - 1))
			delivery.NextRetryAt = &retryAt
		}
		_, _ = b.store.InsertDelivery(ctx, delivery)
		metrics.RecordAlertDelivery(ch.Name, string(domain.DeliveryFailed))

		if _, disabled, ferr := b.store.IncrementChannelFailures(ctx, ch.Name, b.cfg.DisableAfterFailures); ferr == nil && disabled {
			b.log.WithField("channel", ch.Name).Warn("alert channel disabled after consecutive failures")
		}
		return
	}

	_, _ = b.store.InsertDelivery(ctx, domain.AlertDelivery{
		ID:          b.ids.New(),
		AlertID:     alert.ID,
		ChannelName: ch.Name,
		Attempt:     attempt,
		Status:      domain.DeliveryDelivered,
		CreatedAt:   now,
	})
	metrics.RecordAlertDelivery(ch.Name, string(domain.DeliveryDelivered))
	_ = b.store.ResetChannelFailures(ctx, ch.Name)

	if alert.DedupKey != "" {
		_ = b.store.UpsertThrottle(ctx, domain.AlertThrottle{
			ChannelName: ch.Name,
			DedupKey:    alert.DedupKey,
			LastSentAt:  now,
			SendCount:   1,
			ExpiresAt:   now.Add(b.throttleWindow(ch)),
		})
	}
}

// RetryPending re-attempts failed deliveries whose next_retry_at has come
// due. Each candidate's attempt counter carries forward so the backoff
// keeps widening.
func (b *Bus) RetryPending(ctx context.Context) error {
	now := b.clock.Now()
	pending, err := b.store.ListPendingRetries(ctx, now)
	if err != nil {
		return err
	}

	// Keep only the latest attempt per (alert, channel); backends without
	// DISTINCT ON semantics may hand back earlier attempts too.
	latest := map[string]domain.AlertDelivery{}
	for _, d := range pending {
		key := d.AlertID + "\x00" + d.ChannelName
		if prev, ok := latest[key]; !ok || d.Attempt > prev.Attempt {
			latest[key] = d
		}
	}

	for _, d := range latest {
		alert, ok, err := b.store.GetAlert(ctx, d.AlertID)
		if err != nil || !ok {
			continue
		}
		ch, ok, err := b.store.GetChannel(ctx, d.ChannelName)
		if err != nil || !ok || !ch.Enabled {
			continue
		}
		b.deliver(ctx, ch, alert, d.Attempt+1)
	}
	return nil
}

// Alerts exposes recent alerts for the caller API.
func (b *Bus) Alerts(ctx context.Context, domainName string, limit int) ([]domain.Alert, error) {
	return b.store.ListAlerts(ctx, domainName, limit)
}

// Deliveries exposes the per-attempt ledger for one alert.
func (b *Bus) Deliveries(ctx context.Context, alertID string) ([]domain.AlertDelivery, error) {
	return b.store.ListDeliveries(ctx, alertID)
}

// logSender is the built-in channel kind: it writes the alert to the
// structured log. Useful as a default channel and in tests.
type logSender struct {
	log *logger.Logger
}

func (s logSender) Kind() string { return "log" }

func (s logSender) Send(ctx context.Context, ch domain.AlertChannel, alert domain.Alert) error {
	s.log.WithFields(map[string]any{
		"channel":  ch.Name,
		"severity": string(alert.Severity),
		"source":   alert.Source,
		"domain":   alert.Domain,
	}).Info(alert.Title + ": " + alert.Message)
	return nil
}

// Retrier drives RetryPending on a fixed tick as a lifecycle service.
type Retrier struct {
	bus      *Bus
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRetrier constructs a Retrier ticking at interval.
func NewRetrier(bus *Bus, interval time.Duration, log *logger.Logger) *Retrier {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.NewDefault("spine-alert-retrier")
	}
	return &Retrier{bus: bus, interval: interval, log: log}
}

// Name identifies the service to the lifecycle manager.
func (r *Retrier) Name() string { return "alert-retrier" }

// Descriptor advertises the retrier's placement for orchestration tooling.
func (r *Retrier) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "alert-retrier", Layer: core.LayerAlerting}.
		WithCapabilities("delivery-retry")
}

// Start launches the retry loop.
func (r *Retrier) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := r.bus.RetryPending(runCtx); err != nil {
					r.log.WithError(err).Warn("alert retry pass failed")
				}
			}
		}
	}()
	r.log.Info("alert retrier started")
	return nil
}

// Stop halts the retry loop and waits for it to drain.
func (r *Retrier) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("alert retrier stopped")
	return nil
}
