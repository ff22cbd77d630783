package math_test

import (
	stdmath "math"
	"testing"

	checked "marginledger/internal/math"
)

func TestCheckedAdd(t *testing.T) {
	cases := []struct {
		a, b int64
		want int64
		ok   bool
	}{
		{1, 2, 3, true},
		{-5, 3, -2, true},
		{stdmath.MaxInt64, 1, 0, false},
		{stdmath.MaxInt64 - 1, 1, stdmath.MaxInt64, true},
		{stdmath.MinInt64, -1, 0, false},
	}
	for _, tc := range cases {
		got, ok := checked.CheckedAdd(tc.a, tc.b)
		if ok != tc.ok {
			t.Errorf("CheckedAdd(%d, %d) ok = %v, want %v", tc.a, tc.b, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("CheckedAdd(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCheckedSub(t *testing.T) {
	cases := []struct {
		a, b int64
		want int64
		ok   bool
	}{
		{5, 3, 2, true},
		{0, stdmath.MaxInt64, -stdmath.MaxInt64, true},
		{stdmath.MinInt64, 1, 0, false},
		{stdmath.MaxInt64, -1, 0, false},
	}
	for _, tc := range cases {
		got, ok := checked.CheckedSub(tc.a, tc.b)
		if ok != tc.ok {
			t.Errorf("CheckedSub(%d, %d) ok = %v, want %v", tc.a, tc.b, ok, tc.ok)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("CheckedSub(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSumChecked(t *testing.T) {
	if got, ok := checked.SumChecked(1, 2, 3, 4); !ok || got != 10 {
		t.Errorf("SumChecked = %d/%v, want 10/true", got, ok)
	}
	if _, ok := checked.SumChecked(stdmath.MaxInt64, 1); ok {
		t.Error("overflowing sum reported ok")
	}
	if got, ok := checked.SumChecked(); !ok || got != 0 {
		t.Errorf("empty sum = %d/%v, want 0/true", got, ok)
	}
}
