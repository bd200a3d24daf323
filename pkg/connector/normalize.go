package connector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"vitess.io/vitess/go/sqltypes"
	querypb "vitess.io/vitess/go/vt/proto/query"
)

var jsonNumberPattern = regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`)

// NormalizeTuple coerces a decoded row image into stable Go types keyed by
// column name. Integral columns become int64 or uint64, floats become
// float64, decimals become json.Number so precision survives re-encoding,
// JSON columns become json.RawMessage, and binary columns become byte
// slices. Everything else, including the temporal types MySQL sends as
// text, stays a string.
func NormalizeTuple(tuple Tuple) (map[string]any, error) {
	if tuple == nil {
		return nil, nil
	}
	out := make(map[string]any, len(tuple))
	for _, col := range tuple {
		normalized, err := NormalizeValue(col.Value)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", col.Name, err)
		}
		out[col.Name] = normalized
	}
	return out, nil
}

// NormalizeValue converts a single column value. NULL maps to nil.
func NormalizeValue(value sqltypes.Value) (any, error) {
	if value.IsNull() {
		return nil, nil
	}

	switch {
	case value.IsSigned():
		return value.ToInt64()
	case value.IsUnsigned():
		return value.ToUint64()
	case value.IsFloat():
		return value.ToFloat64()
	}

	switch value.Type() {
	case querypb.Type_DECIMAL:
		return normalizeDecimal(value.ToString())
	case querypb.Type_JSON:
		return normalizeJSON(value.ToString())
	case querypb.Type_BIT:
		return copyBytes(value.Raw()), nil
	}

	if value.IsBinary() {
		return copyBytes(value.Raw()), nil
	}
	return value.ToString(), nil
}

func normalizeDecimal(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	if !jsonNumberPattern.MatchString(trimmed) {
		return nil, fmt.Errorf("invalid decimal %q", raw)
	}
	return json.Number(trimmed), nil
}

func normalizeJSON(raw string) (any, error) {
	if raw == "" {
		return json.RawMessage(nil), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("invalid json document")
	}
	return json.RawMessage([]byte(raw)), nil
}

func copyBytes(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
