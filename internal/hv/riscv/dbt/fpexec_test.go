package dbt

import (
	"math"
	"testing"
)

func TestNaNBoxRoundtrip(t *testing.T) {
	bits := math.Float32bits(3.5)
	boxed := NaNBoxF32(bits)
	if UnboxF32(boxed) != bits {
		t.Fatalf("roundtrip mismatch: got 0x%x, want 0x%x", UnboxF32(boxed), bits)
	}
}

func TestUnboxImproperlyBoxedReadsCanonicalNaN(t *testing.T) {
	// Upper 32 bits not all-ones: per the RISC-V spec this reads back as
	// the canonical quiet NaN rather than the raw lower bits.
	improperlyBoxed := uint64(0x00000000_3F800000)
	if got := UnboxF32(improperlyBoxed); got != 0x7fc00000 {
		t.Fatalf("UnboxF32(improperly boxed) = 0x%x, want canonical qNaN 0x7fc00000", got)
	}
}

func TestExecFloatOpFaddS(t *testing.T) {
	h := newTestHart(t)
	h.WriteF(1, NaNBoxF32(math.Float32bits(1.5)))
	h.WriteF(2, NaNBoxF32(math.Float32bits(2.5)))

	insn := Instruction{Op: FaddS, Rd: 3, Rs1: 1, Rs2: 2, Rm: 0}
	execFloatOp(h, insn)

	got := math.Float32frombits(UnboxF32(h.ReadF(3)))
	if got != 4.0 {
		t.Fatalf("FADD.S result = %v, want 4.0", got)
	}
}

func TestExecFloatOpFsgnjnS(t *testing.T) {
	h := newTestHart(t)
	h.WriteF(1, NaNBoxF32(math.Float32bits(5.0)))
	h.WriteF(2, NaNBoxF32(math.Float32bits(-1.0)))

	insn := Instruction{Op: FsgnjnS, Rd: 3, Rs1: 1, Rs2: 2}
	execFloatOp(h, insn)

	got := math.Float32frombits(UnboxF32(h.ReadF(3)))
	if got != 5.0 {
		t.Fatalf("FSGNJN.S(5.0, -1.0) = %v, want 5.0 (negate rs2's sign, which is already negative)", got)
	}
}

func TestExecFloatOpFeqSTrue(t *testing.T) {
	h := newTestHart(t)
	h.WriteF(1, NaNBoxF32(math.Float32bits(2.0)))
	h.WriteF(2, NaNBoxF32(math.Float32bits(2.0)))

	insn := Instruction{Op: FeqS, Rd: 3, Rs1: 1, Rs2: 2}
	execFloatOp(h, insn)
	if h.ReadX(3) != 1 {
		t.Fatalf("FEQ.S(2.0,2.0) = %d, want 1", h.ReadX(3))
	}
}

func TestExecFloatOpFcvtWS(t *testing.T) {
	h := newTestHart(t)
	h.WriteF(1, NaNBoxF32(math.Float32bits(-7.0)))

	insn := Instruction{Op: FcvtWS, Rd: 2, Rs1: 1, Rm: 0}
	execFloatOp(h, insn)
	if int64(h.ReadX(2)) != -7 {
		t.Fatalf("FCVT.W.S(-7.0) = %d, want -7", int64(h.ReadX(2)))
	}
}

func TestClassifyDNegativeInfinity(t *testing.T) {
	bits := math.Float64bits(math.Inf(-1))
	got := classifyD(bits)
	if got != 1<<0 {
		t.Fatalf("classifyD(-Inf) = 0b%b, want bit 0 (negative infinity)", got)
	}
}

func TestClassifyDPositiveZero(t *testing.T) {
	got := classifyD(0)
	if got != 1<<4 {
		t.Fatalf("classifyD(+0.0) = 0b%b, want bit 4 (positive zero)", got)
	}
}

func TestDivideByZeroFlag(t *testing.T) {
	fk := DefaultFloatKernel{}
	_, flags := fk.DivS(math.Float32bits(1.0), math.Float32bits(0.0), 0)
	if flags&FflagsDZ == 0 {
		t.Fatalf("expected FflagsDZ set for division by zero, got 0b%b", flags)
	}
}
