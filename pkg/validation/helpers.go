package validation

import (
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/orneryd/graphobjects/pkg/convert"
)

// PropertyReader is the read side of a graph object, as far as the checks
// need it.
type PropertyReader interface {
	Type() string
	Property(key string) any
}

// Each check records a token in buf and returns false when the property is
// invalid. A nil buf is allowed and only reports the outcome.

// CheckStringMinLength requires a string of at least min characters.
func CheckStringMinLength(obj PropertyReader, key string, min int, buf *ErrorBuffer) bool {
	s, ok := convert.ToString(obj.Property(key))
	if ok && utf8.RuneCountInString(s) >= min {
		return true
	}
	report(buf, obj, TooShortToken(key, min))
	return false
}

// CheckStringNotBlank requires a string with at least one non-space
// character.
func CheckStringNotBlank(obj PropertyReader, key string, buf *ErrorBuffer) bool {
	s, ok := convert.ToString(obj.Property(key))
	if ok && strings.TrimSpace(s) != "" {
		return true
	}
	report(buf, obj, EmptyPropertyToken(key))
	return false
}

// CheckPropertyNotNull requires a non-nil value. Empty strings count as
// set.
func CheckPropertyNotNull(obj PropertyReader, key string, buf *ErrorBuffer) bool {
	if obj.Property(key) != nil {
		return true
	}
	report(buf, obj, EmptyPropertyToken(key))
	return false
}

// CheckDate requires a value that converts to a non-zero time.
func CheckDate(obj PropertyReader, key string, buf *ErrorBuffer) bool {
	v := obj.Property(key)
	if v == nil {
		report(buf, obj, EmptyPropertyToken(key))
		return false
	}
	if _, ok := convert.ToTime(v); !ok {
		report(buf, obj, DateFormatToken(key))
		return false
	}
	return true
}

// CheckDatesChronological requires both dates to be present and the first
// to lie strictly before the second.
func CheckDatesChronological(obj PropertyReader, key1, key2 string, buf *ErrorBuffer) bool {
	ok1 := CheckDate(obj, key1, buf)
	ok2 := CheckDate(obj, key2, buf)
	if !ok1 || !ok2 {
		return false
	}
	d1, _ := convert.ToTime(obj.Property(key1))
	d2, _ := convert.ToTime(obj.Property(key2))
	if d1.Before(d2) {
		return true
	}
	report(buf, obj, ChronologicalOrderToken(key1, key2))
	return false
}

// CheckStringInArray requires a string contained in values.
func CheckStringInArray(obj PropertyReader, key string, values []string, buf *ErrorBuffer) bool {
	s, ok := convert.ToString(obj.Property(key))
	if ok && slices.Contains(values, s) {
		return true
	}
	report(buf, obj, ValueToken(key, values))
	return false
}

// CheckStringInEnum requires the string form of the value to be one of the
// enum constants.
func CheckStringInEnum[E ~string](obj PropertyReader, key string, values []E, buf *ErrorBuffer) bool {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = string(v)
	}
	return CheckStringInArray(obj, key, names, buf)
}

// CheckNullOrStringInArray accepts nil or a string contained in values.
func CheckNullOrStringInArray(obj PropertyReader, key string, values []string, buf *ErrorBuffer) bool {
	if obj.Property(key) == nil {
		return true
	}
	return CheckStringInArray(obj, key, values, buf)
}

func report(buf *ErrorBuffer, obj PropertyReader, tok Token) {
	if buf != nil {
		buf.Add(obj.Type(), tok)
	}
}
