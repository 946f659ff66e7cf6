package task

import (
	"strconv"
	"strings"
)

// Results maps a column name to its value.
type Results map[string]Value

// Value is a single result cell. Numbers keep full precision until they are
// serialized.
type Value struct {
	num     float64
	text    string
	numeric bool
}

// Number wraps a numeric value.
func Number(f float64) Value {
	return Value{num: f, numeric: true}
}

// Text wraps a string value. Text that reads as a number still reports it
// through Float, but serializes exactly as given.
func Text(s string) Value {
	return Value{text: s}
}

// Float returns the numeric value, parsing text when possible.
func (v Value) Float() (float64, bool) {
	if v.numeric {
		return v.num, true
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// IsNumber reports whether v was built from a number.
func (v Value) IsNumber() bool {
	return v.numeric
}

func (v Value) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
	return v.text
}
