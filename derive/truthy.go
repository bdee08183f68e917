// Package derive computes domain views from tag maps: alarm lists, motor
// tallies and inventories, numeric picks with fallback chains and the
// management summary. Every function here is pure and total.
package derive

import "ccmlink/tags"

// IsTruthy is the single truthiness rule for coils and status bits: only
// boolean true, the number 1 and the string "1" are true.
func IsTruthy(v tags.Value) bool {
	switch v.Kind() {
	case tags.KindBool:
		b, _ := v.AsBool()
		return b
	case tags.KindNumber:
		n, _ := v.AsNumber()
		return n == 1
	case tags.KindText:
		s, _ := v.AsText()
		return s == "1"
	}
	return false
}

// PickNumber returns the value of the first candidate holding a number.
// Text that looks numeric is skipped. ok is false when no candidate is
// numeric, which callers must render as a placeholder rather than zero.
func PickNumber(values map[string]tags.Value, candidates ...string) (float64, bool) {
	for _, name := range candidates {
		if n, ok := values[name].AsNumber(); ok {
			return n, true
		}
	}
	return 0, false
}

func numberOrZero(values map[string]tags.Value, name string) float64 {
	n, _ := values[name].AsNumber()
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
