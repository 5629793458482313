package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// ValidatedParams is the result of running the parameter framework's
// validation pipeline over one (pipeline_name, raw_params) call.
type ValidatedParams struct {
	Canonical      map[string]any
	CanonicalJSON  string
	IdempotencyKey string
	IngestMode     string // "explicit" | "derived" | ""
	Derived        map[string]string
}

// Validate runs the validation pipeline over raw params: aliases, type
// coercion, required checks, defaults, ingest file_path derivation, and
// canonicalization. Pipeline resolution is the caller's job via Lookup.
func Validate(spec domain.PipelineSpec, raw map[string]any, explicitIdempotencyKey string) (ValidatedParams, error) {
	working := make(map[string]any, len(raw))
	for k, v := range raw {
		working[k] = v
	}

	allDefs := append(append([]domain.ParamDef{}, spec.RequiredParams...), spec.OptionalParams...)
	defByName := make(map[string]domain.ParamDef, len(allDefs))
	for _, d := range allDefs {
		defByName[d.Name] = d
	}

	// Step 2: apply alias maps to enum-typed params before type coercion.
	for name, def := range defByName {
		if def.Type != domain.ParamEnum || len(def.Aliases) == 0 {
			continue
		}
		v, ok := working[name]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if canonical, aliased := def.Aliases[s]; aliased {
			working[name] = canonical
		}
	}

	// Step 3: coerce to declared types.
	canonical := make(map[string]any, len(working))
	for name, v := range working {
		def, known := defByName[name]
		if !known {
			canonical[name] = v
			continue
		}
		coerced, err := coerce(def, v)
		if err != nil {
			return ValidatedParams{}, spineerr.ParamInvalid(name, err.Error())
		}
		canonical[name] = coerced
	}

	// Step 4: enforce required set.
	for _, def := range spec.RequiredParams {
		if def.Name == "file_path" && spec.IsIngest {
			// file_path may be derived in step 6; defer its presence check.
			continue
		}
		if _, ok := canonical[def.Name]; !ok {
			return ValidatedParams{}, spineerr.ParamMissing(def.Name)
		}
	}

	// Step 5: apply defaults for absent optionals.
	for _, def := range spec.OptionalParams {
		if _, ok := canonical[def.Name]; !ok && def.HasDefault {
			canonical[def.Name] = def.Default
		}
	}

	result := ValidatedParams{}

	// Step 6: derive file_path for ingest pipelines when absent.
	if spec.IsIngest {
		if fp, ok := canonical["file_path"]; ok && fp != "" {
			result.IngestMode = "explicit"
		} else if spec.Derivation != nil {
			tier, _ := canonical["tier"].(string)
			week, _ := canonical["week_ending"].(string)
			if tier == "" || week == "" {
				return ValidatedParams{}, spineerr.IngestSourceUnresolved(spec.Name)
			}
			derivedPath := strings.NewReplacer(
				"{tier}", tier,
				"{week_ending}", week,
			).Replace(spec.Derivation.Template)
			canonical["file_path"] = derivedPath
			result.IngestMode = "derived"
			result.Derived = map[string]string{"tier": tier, "week_ending": week}
		} else {
			return ValidatedParams{}, spineerr.IngestSourceUnresolved(spec.Name)
		}
		if _, ok := canonical["file_path"]; !ok {
			return ValidatedParams{}, spineerr.IngestSourceUnresolved(spec.Name)
		}
	}

	// Step 7: canonical JSON (sorted keys) and idempotency key.
	canonicalJSON, err := canonicalizeJSON(canonical)
	if err != nil {
		return ValidatedParams{}, spineerr.Wrap(domain.CategoryValidation, "failed to canonicalize params", err)
	}

	result.Canonical = canonical
	result.CanonicalJSON = canonicalJSON
	if explicitIdempotencyKey != "" {
		result.IdempotencyKey = explicitIdempotencyKey
	} else {
		result.IdempotencyKey = hashIdempotencyKey(spec.Name, canonicalJSON)
	}
	return result, nil
}

func coerce(def domain.ParamDef, v any) (any, error) {
	switch def.Type {
	case domain.ParamString, domain.ParamPath:
		switch t := v.(type) {
		case string:
			return t, nil
		default:
			return nil, fmt.Errorf("expected string, got %T", v)
		}
	case domain.ParamInteger:
		switch t := v.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			return int(t), nil
		case string:
			n, err := strconv.Atoi(t)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", t)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", v)
		}
	case domain.ParamBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", t)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
	case domain.ParamDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format("2006-01-02"), nil
		case string:
			if _, err := time.Parse("2006-01-02", t); err != nil {
				return nil, fmt.Errorf("expected date (YYYY-MM-DD), got %q", t)
			}
			return t, nil
		default:
			return nil, fmt.Errorf("expected date, got %T", v)
		}
	case domain.ParamEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected enum string, got %T", v)
		}
		if len(def.EnumValues) == 0 {
			return s, nil
		}
		for _, allowed := range def.EnumValues {
			if allowed == s {
				return s, nil
			}
		}
		return nil, fmt.Errorf("value %q not in %v", s, def.EnumValues)
	default:
		return v, nil
	}
}

// canonicalizeJSON marshals v with recursively sorted object keys.
func canonicalizeJSON(v map[string]any) (string, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		valJSON, err := json.Marshal(v[k])
		if err != nil {
			return "", err
		}
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return b.String(), nil
}

func hashIdempotencyKey(pipelineName, canonicalJSON string) string {
	sum := sha256.Sum256([]byte(pipelineName + "\x00" + canonicalJSON))
	return hex.EncodeToString(sum[:])
}
