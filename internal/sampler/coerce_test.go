package sampler

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/skobkin/amdgpu-smi-monitor/internal/smi"
)

func TestCoerceInt(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input any
		want  int
	}{
		{"Percent", "37%", 37},
		{"PercentWithSpace", " 37 % ", 37},
		{"Celsius", "45.0°C", 45},
		{"CelsiusNoDegree", "51 C", 51},
		{"Fraction", "99.9", 99},
		{"Negative", "-3", -3},
		{"JSONNumber", json.Number("62.5"), 62},
		{"Float", 12.7, 12},
		{"Int", 8, 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceInt(tc.input)
			if err != nil {
				t.Fatalf("coerceInt(%v) returned error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("coerceInt(%v) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestCoerceIntRejects(t *testing.T) {
	t.Parallel()

	inputs := []any{"", "N/A", "abc%", "%", true, []any{1}, math.NaN(), math.Inf(1), "1e20"}
	for _, input := range inputs {
		if _, err := coerceInt(input); !errors.Is(err, ErrUnparsable) {
			t.Errorf("coerceInt(%#v) error = %v, want ErrUnparsable", input, err)
		}
	}

	if _, err := coerceInt(nil); !errors.Is(err, ErrFieldMissing) {
		t.Errorf("coerceInt(nil) error = %v, want ErrFieldMissing", err)
	}
}

func TestCoerceUint64(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		input any
		want  uint64
	}{
		{"String", "8589934592", 8589934592},
		{"StringWithUnit", "4294967296 B", 4294967296},
		{"JSONNumber", json.Number("17163091968"), 17163091968},
		{"Float", float64(1048576), 1048576},
		{"Scientific", "1.5e3", 1500},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerceUint64(tc.input)
			if err != nil {
				t.Fatalf("coerceUint64(%v) returned error: %v", tc.input, err)
			}
			if got != tc.want {
				t.Fatalf("coerceUint64(%v) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}

	for _, input := range []any{"-1", "lots", -5.0} {
		if _, err := coerceUint64(input); !errors.Is(err, ErrUnparsable) {
			t.Errorf("coerceUint64(%#v) error = %v, want ErrUnparsable", input, err)
		}
	}
}

func TestUsedPercent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		used, total uint64
		want        int
	}{
		{4096, 8192, 50},
		{1024, 3072, 33},
		{2048, 3072, 67},
		{0, 16384, 0},
		{5, 0, 0},
		{0, 0, 0},
		{8192, 8192, 100},
	}

	for _, tc := range testCases {
		if got := usedPercent(tc.used, tc.total); got != tc.want {
			t.Errorf("usedPercent(%d, %d) = %d, want %d", tc.used, tc.total, got, tc.want)
		}
	}
}

func TestLookupFieldCaseInsensitive(t *testing.T) {
	t.Parallel()

	fields := smi.Fields{"Card series": "Navi 31", "Card Model": nil}

	key, value, ok := lookupField(fields, fieldCardSeries)
	if !ok || key != "Card series" || value != "Navi 31" {
		t.Fatalf("unexpected lookup result %q %v %v", key, value, ok)
	}

	if _, _, ok := lookupField(fields, fieldCardModel); ok {
		t.Fatalf("null fields must be treated as missing")
	}
}
