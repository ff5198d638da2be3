package convert

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayouts are tried in order when parsing date strings.
var TimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ToString renders scalars as strings. Nil yields ("", false).
func ToString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case time.Time:
		return val.Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return val.String(), true
	}
	return fmt.Sprint(v), true
}

// ToBool converts booleans and "true"/"false" strings.
func ToBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// ToTime converts time.Time, date strings in one of TimeLayouts and unix
// milliseconds.
func ToTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, !val.IsZero()
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, !val.IsZero()
	case string:
		for _, layout := range TimeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if IsNumber(v) {
		if ms, ok := ToInt64(v); ok {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

// ToStringSlice converts []string and []any of strings.
func ToStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := ToString(item); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{val}
	}
	return nil
}

// Compare orders two values. Numbers compare numerically, times
// chronologically, everything else by string form. The boolean is false
// when either side is nil or the values are not comparable (a number
// against a non-numeric string).
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if IsNumber(a) || IsNumber(b) {
		fa, okA := ToFloat64(a)
		fb, okB := ToFloat64(b)
		if !okA || !okB {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := ToTime(a)
		tb, okB := ToTime(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}

	if ba, ok := a.(bool); ok {
		bb, ok := ToBool(b)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}

	sa, _ := ToString(a)
	sb, _ := ToString(b)
	return strings.Compare(sa, sb), true
}

// Equal reports whether two values compare equal under Compare. Two nils
// are equal.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}
