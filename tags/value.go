// Package tags holds the panel tag model: raw backend records, normalized
// per-panel snapshots, the multi-panel merge and legacy alias resolution.
package tags

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNumber
	KindBool
	KindText
)

// String returns a lowercase name for the kind.
func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	default:
		return "absent"
	}
}

// Value is a tag reading. It is either a number, a boolean, a string as sent
// by the backend, or absent. The zero Value is absent.
//
// Text values are never treated as numbers; they exist so a backend that
// sends "1" for a coil can still be read by the truthiness rule.
type Value struct {
	kind Kind
	num  float64
	b    bool
	text string
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Text returns a string value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Absent returns the missing value.
func Absent() Value { return Value{} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether v carries no reading.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// AsNumber returns the numeric reading and true when v is a number.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean reading and true when v is a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsText returns the string reading and true when v is text.
func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// Equal reports whether two values hold the same variant and reading.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.text == o.text
	}
	return true
}

// Interface returns the reading as a plain Go value (float64, bool, string or nil).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindText:
		return v.text
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindText:
		return v.text
	}
	return "--"
}

// MarshalJSON encodes absent values as null.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON accepts null, booleans, numbers and strings. Objects and
// arrays decode as absent rather than failing the whole tag set.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*v = Absent()
		return nil
	}
	switch data[0] {
	case 'n':
		*v = Absent()
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case '{', '[':
		*v = Absent()
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}
