package dbt

import (
	"math"
	"testing"
)

func TestMulhSignedSigned(t *testing.T) {
	// -1 * -1 = 1, high bits all zero.
	if got := mulh(-1, -1); got != 0 {
		t.Fatalf("mulh(-1,-1) = %d, want 0", got)
	}
	// MinInt64 * MinInt64 high half.
	want := uint64(0x4000000000000000)
	if got := mulh(math.MinInt64, math.MinInt64); got != want {
		t.Fatalf("mulh(MinInt64,MinInt64) = 0x%x, want 0x%x", got, want)
	}
}

func TestMulhsuMixedSign(t *testing.T) {
	if got := mulhsu(-1, 1); got != ^uint64(0) {
		t.Fatalf("mulhsu(-1,1) = 0x%x, want all-ones", got)
	}
	if got := mulhsu(2, 0); got != 0 {
		t.Fatalf("mulhsu(2,0) = %d, want 0", got)
	}
}

func TestMulhuUnsigned(t *testing.T) {
	if got := mulhu(^uint64(0), 2); got != 1 {
		t.Fatalf("mulhu(maxuint64,2) = %d, want 1", got)
	}
}

func TestDivS64DivideByZero(t *testing.T) {
	if got := divS64(5, 0); got != ^uint64(0) {
		t.Fatalf("divS64(5,0) = 0x%x, want all-ones (-1)", got)
	}
}

func TestDivS64MinIntOverflow(t *testing.T) {
	got := divS64(math.MinInt64, -1)
	if int64(got) != math.MinInt64 {
		t.Fatalf("divS64(MinInt64,-1) = %d, want %d (no trap)", int64(got), int64(math.MinInt64))
	}
}

func TestDivU64DivideByZero(t *testing.T) {
	if got := divU64(42, 0); got != ^uint64(0) {
		t.Fatalf("divU64(42,0) = 0x%x, want all-ones", got)
	}
}

func TestRemS64DivideByZero(t *testing.T) {
	if got := remS64(7, 0); int64(got) != 7 {
		t.Fatalf("remS64(7,0) = %d, want 7 (dividend passthrough)", int64(got))
	}
}

func TestRemS64MinIntOverflow(t *testing.T) {
	if got := remS64(math.MinInt64, -1); got != 0 {
		t.Fatalf("remS64(MinInt64,-1) = %d, want 0", got)
	}
}

func TestRemU64DivideByZero(t *testing.T) {
	if got := remU64(9, 0); got != 9 {
		t.Fatalf("remU64(9,0) = %d, want 9", got)
	}
}

func TestDivS32EdgeCases(t *testing.T) {
	if got := divS32(10, 0); got != -1 {
		t.Fatalf("divS32(10,0) = %d, want -1", got)
	}
	if got := divS32(math.MinInt32, -1); got != math.MinInt32 {
		t.Fatalf("divS32(MinInt32,-1) = %d, want %d", got, math.MinInt32)
	}
}

func TestRemS32EdgeCases(t *testing.T) {
	if got := remS32(10, 0); got != 10 {
		t.Fatalf("remS32(10,0) = %d, want 10", got)
	}
	if got := remS32(math.MinInt32, -1); got != 0 {
		t.Fatalf("remS32(MinInt32,-1) = %d, want 0", got)
	}
}

func TestDivU32DivideByZero(t *testing.T) {
	if got := divU32(10, 0); got != ^uint32(0) {
		t.Fatalf("divU32(10,0) = 0x%x, want all-ones", got)
	}
}

func TestOrdinaryDivisionStillCorrect(t *testing.T) {
	if got := divS64(100, 7); int64(got) != 14 {
		t.Fatalf("divS64(100,7) = %d, want 14", int64(got))
	}
	if got := remS64(100, 7); int64(got) != 2 {
		t.Fatalf("remS64(100,7) = %d, want 2", int64(got))
	}
}
