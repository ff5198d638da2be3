// Package convert coerces loosely typed property values.
//
// Property values reach the graph layer in different shapes depending on the
// store: the memory engine keeps whatever the caller stored (int, int32,
// float64, time.Time), while the badger engine decodes JSON and yields
// json.Number, string timestamps and []any slices. Validators, search
// attributes and the CLI all go through this package so a value compares the
// same way regardless of where it came from.
//
// Every conversion returns a success boolean instead of an error:
//
//	if n, ok := convert.ToInt64(node.Property("age")); ok {
//		// use n
//	}
package convert

import (
	"encoding/json"
	"math"
	"strconv"
)

// ToFloat64 converts numeric values and numeric strings to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case int16:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// ToInt64 converts numeric values and numeric strings to int64. Floats are
// truncated toward zero.
func ToInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case int8:
		return int64(val), true
	case uint:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		if f, err := val.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

// IsNumber reports whether v holds a numeric Go value (strings excluded).
func IsNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// Normalize turns json.Number into int64 when integral and float64
// otherwise. Slices and maps are normalized recursively. Other values are
// returned unchanged.
func Normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	}
	return v
}
