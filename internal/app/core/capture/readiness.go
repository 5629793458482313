package capture

import (
	"context"
	"strings"
	"time"

	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// RequiredStages describes the stages a domain's pipeline must complete
// before a partition is considered fully staged. The Capture Service has
// no built-in knowledge of domain pipelines, so the composition root
// supplies this per domain.
type RequiredStages map[string][]string

// ComputeReadiness recomputes the DataReadiness reducer for one
// (domain, partition, ready_for) triple: manifest completeness, open
// critical anomalies, upstream dependency readiness, and the preliminary
// age window from core_expected_schedules.
func (s *Service) ComputeReadiness(ctx context.Context, domainName, partitionKey, readyFor string, stages RequiredStages) (domain.DataReadiness, error) {
	required := stages[domainName]

	allPresent := true
	allComplete := true
	var latestManifest time.Time
	for _, stage := range required {
		m, ok, err := s.store.GetManifest(ctx, domainName, partitionKey, stage)
		if err != nil {
			return domain.DataReadiness{}, err
		}
		if !ok {
			allPresent = false
			allComplete = false
			continue
		}
		if m.RowCount == 0 {
			allComplete = false
		}
		if m.UpdatedAt.After(latestManifest) {
			latestManifest = m.UpdatedAt
		}
	}

	anomalies, err := s.store.ListAnomalies(ctx, domainName, true)
	if err != nil {
		return domain.DataReadiness{}, err
	}
	noCritical := true
	for _, a := range anomalies {
		if a.PartitionKey == partitionKey && a.Severity == string(domain.SeverityCritical) {
			noCritical = false
			break
		}
	}

	deps, err := s.store.ListDependencies(ctx, domainName)
	if err != nil {
		return domain.DataReadiness{}, err
	}
	depsCurrent := true
	for _, dep := range deps {
		upstream, ok, err := s.store.GetReadiness(ctx, dep.Upon, partitionKey, readyFor)
		if err != nil {
			return domain.DataReadiness{}, err
		}
		if !ok || !upstream.IsReady {
			depsCurrent = false
			break
		}
	}

	ageExceeds, err := s.ageExceedsPreliminary(ctx, domainName, latestManifest)
	if err != nil {
		return domain.DataReadiness{}, err
	}

	ready := allPresent && allComplete && noCritical && depsCurrent && ageExceeds

	result := domain.DataReadiness{
		Domain:                domainName,
		PartitionKey:          partitionKey,
		ReadyFor:              readyFor,
		AllPartitionsPresent:  allPresent,
		AllStagesComplete:     allComplete,
		NoCriticalAnomalies:   noCritical,
		DependenciesCurrent:   depsCurrent,
		AgeExceedsPreliminary: ageExceeds,
		IsReady:               ready,
		UpdatedAt:             s.clock.Now(),
	}

	if existing, ok, err := s.store.GetReadiness(ctx, domainName, partitionKey, readyFor); err == nil && ok {
		result.CertifiedBy = existing.CertifiedBy
		result.CertifiedAt = existing.CertifiedAt
		// A manual block is sticky: the partition stays not-ready no
		// matter what the reducer computes, until Certify clears it.
		if existing.BlockedReason != "" {
			result.BlockedReason = existing.BlockedReason
			result.IsReady = false
		}
	}

	return s.store.UpsertReadiness(ctx, result)
}

// ageExceedsPreliminary reports whether the partition's newest manifest
// has aged past the domain's preliminary window: one publication cadence
// from core_expected_schedules plus its restatement grace. Domains with
// no expected-schedule row have no preliminary window.
func (s *Service) ageExceedsPreliminary(ctx context.Context, domainName string, latestManifest time.Time) (bool, error) {
	schedules, err := s.store.ListExpectedSchedules(ctx, domainName)
	if err != nil {
		return false, err
	}
	if len(schedules) == 0 {
		return true, nil
	}
	if latestManifest.IsZero() {
		return false, nil
	}
	window := frequencyPeriod(schedules[0].ExpectedFrequency) + schedules[0].PreliminaryAfter
	return s.clock.Now().Sub(latestManifest) >= window, nil
}

// frequencyPeriod maps an expected_frequency label onto its cadence.
func frequencyPeriod(frequency string) time.Duration {
	switch strings.ToLower(frequency) {
	case "daily":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Readiness returns the current stored readiness record, if any.
func (s *Service) Readiness(ctx context.Context, domainName, partitionKey, readyFor string) (domain.DataReadiness, bool, error) {
	return s.store.GetReadiness(ctx, domainName, partitionKey, readyFor)
}

// Certify records a manual certification on a partition, creating its
// readiness row if absent, and clears any manual block.
func (s *Service) Certify(ctx context.Context, domainName, partitionKey, readyFor, certifiedBy string) (domain.DataReadiness, error) {
	r, ok, err := s.store.GetReadiness(ctx, domainName, partitionKey, readyFor)
	if err != nil {
		return domain.DataReadiness{}, err
	}
	if !ok {
		r = domain.DataReadiness{Domain: domainName, PartitionKey: partitionKey, ReadyFor: readyFor}
	}
	now := s.clock.Now()
	r.CertifiedBy = certifiedBy
	r.CertifiedAt = &now
	r.BlockedReason = ""
	r.UpdatedAt = now
	return s.store.UpsertReadiness(ctx, r)
}

// Block marks a partition as not safe for downstream use regardless of the
// reducer's computed state. The block holds across recomputes until
// Certify clears it.
func (s *Service) Block(ctx context.Context, domainName, partitionKey, readyFor, reason string) (domain.DataReadiness, error) {
	r, ok, err := s.store.GetReadiness(ctx, domainName, partitionKey, readyFor)
	if err != nil {
		return domain.DataReadiness{}, err
	}
	if !ok {
		r = domain.DataReadiness{Domain: domainName, PartitionKey: partitionKey, ReadyFor: readyFor}
	}
	r.IsReady = false
	r.BlockedReason = reason
	r.UpdatedAt = s.clock.Now()
	return s.store.UpsertReadiness(ctx, r)
}
