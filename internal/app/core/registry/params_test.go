package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/pipeline"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

func ingestSpec() domain.PipelineSpec {
	return domain.PipelineSpec{
		Name:    "finra.otc.ingest_week",
		Version: "1.0.0",
		RequiredParams: []domain.ParamDef{
			{Name: "tier", Type: domain.ParamEnum, EnumValues: []string{"T1", "T2", "OTC"},
				Aliases: map[string]string{"t1": "T1", "tier1": "T1", "t2": "T2"}, Required: true},
			{Name: "week_ending", Type: domain.ParamDate, Required: true},
			{Name: "file_path", Type: domain.ParamPath, Required: true},
		},
		OptionalParams: []domain.ParamDef{
			{Name: "dry_run", Type: domain.ParamBoolean, Default: false, HasDefault: true},
			{Name: "batch_size", Type: domain.ParamInteger, Default: 5000, HasDefault: true},
		},
		IsIngest:   true,
		Derivation: &domain.DerivationRule{Template: "s3://spine/finra/{tier}/{week_ending}.psv"},
	}
}

func TestValidateAppliesAliasesBeforeTypeChecks(t *testing.T) {
	out, err := Validate(ingestSpec(), map[string]any{
		"tier":        "tier1",
		"week_ending": "2025-12-26",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "T1", out.Canonical["tier"])
}

func TestValidateRejectsUnknownEnumValue(t *testing.T) {
	_, err := Validate(ingestSpec(), map[string]any{
		"tier":        "T9",
		"week_ending": "2025-12-26",
	}, "")
	require.Error(t, err)

	var se *spineerr.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, domain.CategoryValidation, se.Category)
	require.Equal(t, "tier", se.Field)
}

func TestValidateReportsMissingRequired(t *testing.T) {
	_, err := Validate(ingestSpec(), map[string]any{"tier": "T1"}, "")
	require.Error(t, err)

	var se *spineerr.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, "week_ending", se.Field)
}

func TestValidateAppliesDefaults(t *testing.T) {
	out, err := Validate(ingestSpec(), map[string]any{
		"tier":        "T1",
		"week_ending": "2025-12-26",
	}, "")
	require.NoError(t, err)
	require.Equal(t, false, out.Canonical["dry_run"])
	require.Equal(t, 5000, out.Canonical["batch_size"])
}

func TestValidateDerivesFilePathForIngest(t *testing.T) {
	out, err := Validate(ingestSpec(), map[string]any{
		"tier":        "T2",
		"week_ending": "2025-12-26",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "derived", out.IngestMode)
	require.Equal(t, "s3://spine/finra/T2/2025-12-26.psv", out.Canonical["file_path"])

	out, err = Validate(ingestSpec(), map[string]any{
		"tier":        "T2",
		"week_ending": "2025-12-26",
		"file_path":   "/data/explicit.psv",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "explicit", out.IngestMode)
	require.Equal(t, "/data/explicit.psv", out.Canonical["file_path"])
}

func TestValidateUnresolvableIngestSource(t *testing.T) {
	spec := ingestSpec()
	spec.Derivation = nil
	_, err := Validate(spec, map[string]any{
		"tier":        "T1",
		"week_ending": "2025-12-26",
	}, "")
	require.Error(t, err)

	var se *spineerr.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, domain.CategoryValidation, se.Category)
}

func TestIdempotencyKeyIsStableAcrossParamOrder(t *testing.T) {
	a, err := Validate(ingestSpec(), map[string]any{
		"tier":        "T1",
		"week_ending": "2025-12-26",
		"dry_run":     true,
	}, "")
	require.NoError(t, err)

	b, err := Validate(ingestSpec(), map[string]any{
		"dry_run":     true,
		"week_ending": "2025-12-26",
		"tier":        "t1",
	}, "")
	require.NoError(t, err)

	require.Equal(t, a.CanonicalJSON, b.CanonicalJSON)
	require.Equal(t, a.IdempotencyKey, b.IdempotencyKey)

	// An explicit caller-provided key always wins.
	c, err := Validate(ingestSpec(), map[string]any{
		"tier":        "T1",
		"week_ending": "2025-12-26",
	}, "caller-key")
	require.NoError(t, err)
	require.Equal(t, "caller-key", c.IdempotencyKey)
}

func TestRegistryLookupAndPrefixList(t *testing.T) {
	r := New()
	specA := domain.PipelineSpec{Name: "finra.otc.ingest_week"}
	specB := domain.PipelineSpec{Name: "finra.otc.normalize_week"}
	specC := domain.PipelineSpec{Name: "pricefeeds.daily"}
	for _, spec := range []domain.PipelineSpec{specA, specB, specC} {
		s := spec
		r.Register(s, func() pipeline.Pipeline { return nil })
	}

	_, _, err := r.Lookup("finra.otc.unknown")
	require.Error(t, err)
	var se *spineerr.Error
	require.True(t, errors.As(err, &se))
	require.Equal(t, domain.CategoryNotFound, se.Category)

	finra := r.List("finra.")
	require.Len(t, finra, 2)
	require.Equal(t, "finra.otc.ingest_week", finra[0].Name)

	all := r.List("")
	require.Len(t, all, 3)
}
