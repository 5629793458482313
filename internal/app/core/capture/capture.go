// Package capture implements the capture-identified data ledger: capture_id
// issuance plus manifest/rejects/quality/anomalies/readiness bookkeeping.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/clock"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
)

// Config controls capture_id derivation.
type Config struct {
	Separator string
	HashWidth int
}

// DefaultConfig: first 6 lowercase hex of SHA-256(captured_at).
var DefaultConfig = Config{Separator: ":", HashWidth: 6}

// Service issues capture IDs and records manifest/rejects/quality/
// anomalies/readiness rows. It is the exclusive writer of those tables.
type Service struct {
	store  spinestorage.CaptureStore
	clock  clock.Clock
	ids    clock.IDs
	cfg    Config
	log    *logger.Logger
}

// New constructs a Capture Service.
func New(store spinestorage.CaptureStore, c clock.Clock, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("spine-capture")
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultConfig.Separator
	}
	if cfg.HashWidth <= 0 {
		cfg.HashWidth = DefaultConfig.HashWidth
	}
	return &Service{store: store, clock: c, ids: clock.NewIDs(), cfg: cfg, log: log}
}

// Issue returns a new CaptureID and its captured_at for (domain, tier,
// partition). Format: domain:tier:partition:hash(captured_at).
func (s *Service) Issue(domainName, tier, partitionKey string) (domain.CaptureID, time.Time) {
	capturedAt := s.clock.Now()
	sum := sha256.Sum256([]byte(capturedAt.Format(time.RFC3339Nano)))
	hash := hex.EncodeToString(sum[:])[:s.cfg.HashWidth]
	id := fmt.Sprintf("%s%s%s%s%s%s%s", domainName, s.cfg.Separator, tier, s.cfg.Separator, partitionKey, s.cfg.Separator, hash)
	return domain.CaptureID(id), capturedAt
}

// RecordManifest idempotently upserts the authoritative record that a
// (domain, partition, stage) has been produced.
func (s *Service) RecordManifest(ctx context.Context, m domain.Manifest) (domain.Manifest, error) {
	m.UpdatedAt = s.clock.Now()
	return s.store.UpsertManifest(ctx, m)
}

// RecordReject inserts one bad-input-record row.
func (s *Service) RecordReject(ctx context.Context, r domain.Reject) (domain.Reject, error) {
	if r.ID == "" {
		r.ID = s.ids.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}
	return s.store.InsertReject(ctx, r)
}

// RecordQualityCheck inserts one evaluated quality rule.
func (s *Service) RecordQualityCheck(ctx context.Context, q domain.QualityCheck) (domain.QualityCheck, error) {
	if q.ID == "" {
		q.ID = s.ids.New()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = s.clock.Now()
	}
	return s.store.InsertQualityCheck(ctx, q)
}

// RecordAnomaly inserts one detected deviation.
func (s *Service) RecordAnomaly(ctx context.Context, a domain.Anomaly) (domain.Anomaly, error) {
	if a.ID == "" {
		a.ID = s.ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	return s.store.InsertAnomaly(ctx, a)
}

// AckAnomaly marks an anomaly resolved at the current time. Only
// resolved_at changes; the operator-supplied reason is not stored.
func (s *Service) AckAnomaly(ctx context.Context, anomalyID, reason string) error {
	return s.store.ResolveAnomaly(ctx, anomalyID, s.clock.Now())
}

// ListAnomalies lists anomalies for a domain, optionally only unresolved.
func (s *Service) ListAnomalies(ctx context.Context, domainName string, unresolvedOnly bool) ([]domain.Anomaly, error) {
	return s.store.ListAnomalies(ctx, domainName, unresolvedOnly)
}
