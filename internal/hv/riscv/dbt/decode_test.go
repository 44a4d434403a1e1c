package dbt

import "testing"

// encodeR builds an R-type instruction word: opcode7/funct3/funct7 plus
// rd/rs1/rs2, per the RV32I base encoding every R-type ISA extension reuses.
func encodeR(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)<<20)&0xfff00000 | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func TestDecodeAddi(t *testing.T) {
	// addi x5, x6, 100
	word := encodeI(0b0010011, 0b000, 5, 6, 100)
	insn := Decode(word)
	if insn.Op != Addi {
		t.Fatalf("expected Addi, got %v", insn.Op)
	}
	if insn.Rd != 5 || insn.Rs1 != 6 || insn.Imm != 100 || insn.Length != 4 {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}

func TestDecodeAddiNegativeImmediate(t *testing.T) {
	word := encodeI(0b0010011, 0b000, 1, 1, -1)
	insn := Decode(word)
	if insn.Op != Addi || insn.Imm != -1 {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}

func TestDecodeAdd(t *testing.T) {
	// add x3, x1, x2
	word := encodeR(0b0110011, 0b000, 0b0000000, 3, 1, 2)
	insn := Decode(word)
	if insn.Op != Add || insn.Rd != 3 || insn.Rs1 != 1 || insn.Rs2 != 2 {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}

func TestDecodeMulDivRem(t *testing.T) {
	cases := []struct {
		funct3 uint32
		want   Opcode
	}{
		{0b000, Mul}, {0b001, Mulh}, {0b010, Mulhsu}, {0b011, Mulhu},
		{0b100, Div}, {0b101, Divu}, {0b110, Rem}, {0b111, Remu},
	}
	for _, c := range cases {
		word := encodeR(0b0110011, c.funct3, 0b0000001, 1, 2, 3)
		insn := Decode(word)
		if insn.Op != c.want {
			t.Fatalf("funct3=%03b: expected %v, got %v", c.funct3, c.want, insn.Op)
		}
	}
}

func TestDecodeJal(t *testing.T) {
	// jal x1, 0  (imm field all zero)
	word := uint32(1<<7) | 0b1101111
	insn := Decode(word)
	if insn.Op != Jal || insn.Rd != 1 || insn.Imm != 0 {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}

func TestDecodeEcallEbreak(t *testing.T) {
	ecall := Decode(0b1110011)
	if ecall.Op != Ecall {
		t.Fatalf("expected Ecall, got %v", ecall.Op)
	}
	ebreak := Decode((1 << 20) | 0b1110011)
	if ebreak.Op != Ebreak {
		t.Fatalf("expected Ebreak, got %v", ebreak.Op)
	}
}

func TestDecodeSretMretWfi(t *testing.T) {
	sret := Decode((0b000100000010 << 20) | 0b1110011)
	if sret.Op != Sret {
		t.Fatalf("expected Sret, got %v", sret.Op)
	}
	mret := Decode((0b001100000010 << 20) | 0b1110011)
	if mret.Op != Mret {
		t.Fatalf("expected Mret, got %v", mret.Op)
	}
	wfi := Decode((0b000100000101 << 20) | 0b1110011)
	if wfi.Op != Wfi {
		t.Fatalf("expected Wfi, got %v", wfi.Op)
	}
}

func TestDecodeCsrrw(t *testing.T) {
	// csrrw x1, satp, x2 -> funct3=001, imm12 = CSRSatp
	word := (uint32(CSRSatp) << 20) | (2 << 15) | (0b001 << 12) | (1 << 7) | 0b1110011
	insn := Decode(word)
	if insn.Op != Csrrw || insn.Rd != 1 || insn.Rs1 != 2 || uint16(insn.Imm) != CSRSatp {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}

// TestDecodeTotal is the decoder-totality invariant (spec.md §8 invariant
// 1): every 32-bit word decodes to *something* without panicking, and
// every reserved/malformed pattern lands on Illegal rather than an
// incorrect guess.
func TestDecodeTotal(t *testing.T) {
	seed := uint32(0x2463FD91)
	for i := 0; i < 200000; i++ {
		seed = seed*1664525 + 1013904223 // classic LCG, deterministic
		insn := Decode(seed)
		if insn.Length != 2 && insn.Length != 4 {
			t.Fatalf("word 0x%08x: decoded length %d is neither 2 nor 4", seed, insn.Length)
		}
	}
}

func TestDecodeReservedLoadFPFunct3IsIllegal(t *testing.T) {
	// LOAD-FP opcode with funct3=000 (reserved, not FLW/FLD).
	word := encodeI(0b0000111, 0b000, 1, 2, 0)
	insn := Decode(word)
	if insn.Op != Illegal {
		t.Fatalf("expected Illegal for reserved LOAD-FP funct3, got %v", insn.Op)
	}
}

func TestDecodeAmoLrWRequiresRs2Zero(t *testing.T) {
	// LR.W with rs2 != 0 is illegal per the ISA.
	word := encodeR(0b0101111, 0b010, (0b00010<<2)|0b00, 1, 2, 3)
	insn := Decode(word)
	if insn.Op != Illegal {
		t.Fatalf("expected Illegal for LR.W with nonzero rs2, got %v", insn.Op)
	}
}

func TestDecodeAmoLrWValid(t *testing.T) {
	word := encodeR(0b0101111, 0b010, (0b00010<<2)|0b00, 1, 2, 0)
	insn := Decode(word)
	if insn.Op != LrW || insn.Rd != 1 || insn.Rs1 != 2 {
		t.Fatalf("unexpected decode: %+v", insn)
	}
}
