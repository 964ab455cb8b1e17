package sampler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

var (
	// ErrFieldMissing is returned when none of the requested fields are present.
	ErrFieldMissing = errors.New("field missing")
	// ErrUnparsable is returned when a field value is not numeric.
	ErrUnparsable = errors.New("unparsable value")
	// ErrNoDevice is returned when a response carries no device entry.
	ErrNoDevice = errors.New("no device in response")
)

// unitSuffixes are stripped from textual values. Longer suffixes come first.
var unitSuffixes = []string{"°C", "MiB", "MHz", "°", "%", "C", "B", "W"}

// coerceInt converts an SMI value to an int.
//
// Accepted inputs are JSON numbers, Go numeric types and numeric strings with an
// optional unit suffix ("37%", "45.0°C", "51 C"). Fractions truncate toward zero.
// Anything else yields an error wrapping ErrUnparsable so the caller can keep its
// previous value.
func coerceInt(value any) (int, error) {
	f, err := coerceFloat(value)
	if err != nil {
		return 0, err
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%w: %v out of range", ErrUnparsable, value)
	}
	return int(f), nil
}

// coerceUint64 converts a byte count. Same input rules as coerceInt, negatives are rejected.
func coerceUint64(value any) (uint64, error) {
	switch v := value.(type) {
	case json.Number:
		return parseUint(v.String())
	case string:
		return parseUint(v)
	}

	f, err := coerceFloat(value)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxUint64 {
		return 0, fmt.Errorf("%w: %v out of range", ErrUnparsable, value)
	}
	return uint64(f), nil
}

func coerceFloat(value any) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, ErrFieldMissing
	case json.Number:
		return parseFloat(v.String())
	case string:
		return parseFloat(v)
	case float64:
		return checkFinite(v)
	case float32:
		return checkFinite(float64(v))
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrUnparsable, value)
	}
}

func parseFloat(raw string) (float64, error) {
	trimmed := stripUnits(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparsable, raw)
	}
	return checkFinite(f)
}

func parseUint(raw string) (uint64, error) {
	trimmed := stripUnits(raw)
	if value, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
		return value, nil
	}
	f, err := parseFloat(raw)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxUint64 {
		return 0, fmt.Errorf("%w: %q out of range", ErrUnparsable, raw)
	}
	return uint64(f), nil
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrUnparsable, f)
	}
	return f, nil
}

func stripUnits(raw string) string {
	value := strings.TrimSpace(raw)
	for {
		stripped := false
		for _, suffix := range unitSuffixes {
			if strings.HasSuffix(value, suffix) {
				value = strings.TrimSpace(strings.TrimSuffix(value, suffix))
				stripped = true
			}
		}
		if !stripped {
			return value
		}
	}
}

// lookupField returns the first present field. Exact names are tried first,
// then a case-insensitive match since field casing differs between ROCm releases.
func lookupField(fields smi.Fields, names ...string) (string, any, bool) {
	for _, name := range names {
		if value, ok := fields[name]; ok && value != nil {
			return name, value, true
		}
	}
	for _, name := range names {
		for key, value := range fields {
			if value != nil && strings.EqualFold(key, name) {
				return key, value, true
			}
		}
	}
	return "", nil, false
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// usedPercent returns round(used/total*100), or 0 when total is 0.
func usedPercent(used, total uint64) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(used) / float64(total) * 100))
}
