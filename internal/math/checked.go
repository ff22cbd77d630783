// Package math provides overflow-checked int64 arithmetic for
// fixed-point settlement amounts.
package math

import stdmath "math"

// CheckedAdd returns a+b and reports whether the sum stayed in range.
func CheckedAdd(a, b int64) (int64, bool) {
	if b > 0 && a > stdmath.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < stdmath.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

// CheckedSub returns a-b and reports whether the difference stayed in
// range.
func CheckedSub(a, b int64) (int64, bool) {
	if b < 0 && a > stdmath.MaxInt64+b {
		return 0, false
	}
	if b > 0 && a < stdmath.MinInt64+b {
		return 0, false
	}
	return a - b, true
}

// SumChecked adds all values, reporting overflow.
func SumChecked(values ...int64) (int64, bool) {
	var total int64
	for _, v := range values {
		var ok bool
		total, ok = CheckedAdd(total, v)
		if !ok {
			return 0, false
		}
	}
	return total, true
}
