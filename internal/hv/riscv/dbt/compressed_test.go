package dbt

import "testing"

func TestDecodeCNop(t *testing.T) {
	// C.NOP is C.ADDI x0, x0, 0 — quadrant 1, funct3=000, rd=0, imm=0.
	insn := decodeCompressed(0b000_0_00000_00000_01)
	if insn.Op != Addi || insn.Rd != 0 || insn.Imm != 0 || insn.Length != 2 {
		t.Fatalf("unexpected decode for C.NOP: %+v", insn)
	}
}

func TestDecodeCAddi(t *testing.T) {
	// C.ADDI x5, 3: quadrant1 funct3=000, rd=5, imm bits give +3.
	bits := uint16(0b000_0_00101_00011_01)
	insn := decodeCompressed(bits)
	if insn.Op != Addi || insn.Rd != 5 || insn.Rs1 != 5 || insn.Imm != 3 {
		t.Fatalf("unexpected decode for C.ADDI: %+v", insn)
	}
}

func TestDecodeCLi(t *testing.T) {
	// C.LI x10, -1: quadrant1 funct3=010, rd=10, imm all ones (6-bit -> -1).
	bits := uint16(0b010_1_01010_11111_01)
	insn := decodeCompressed(bits)
	if insn.Op != Addi || insn.Rd != 10 || insn.Rs1 != 0 || insn.Imm != -1 {
		t.Fatalf("unexpected decode for C.LI: %+v", insn)
	}
}

func TestDecodeCJ(t *testing.T) {
	// C.J with a zero offset still decodes to a JAL x0 form.
	bits := uint16(0b101_00000000000_01)
	insn := decodeCompressed(bits)
	if insn.Op != Jal || insn.Rd != 0 || insn.Length != 2 {
		t.Fatalf("unexpected decode for C.J: %+v", insn)
	}
}

func TestDecodeCJrMvAddDisambiguation(t *testing.T) {
	// C.JR x1: quadrant2 funct3=100, bit12=0, rd=1, rs2=0.
	jr := decodeCompressed(uint16(0b100_0_00001_00000_10))
	if jr.Op != Jalr || jr.Rd != 0 || jr.Rs1 != 1 {
		t.Fatalf("unexpected decode for C.JR: %+v", jr)
	}

	// C.MV x3, x4: bit12=0, rd=3, rs2=4 (nonzero).
	mv := decodeCompressed(uint16(0b100_0_00011_00100_10))
	if mv.Op != Add || mv.Rd != 3 || mv.Rs1 != 0 || mv.Rs2 != 4 {
		t.Fatalf("unexpected decode for C.MV: %+v", mv)
	}

	// C.EBREAK: bit12=1, rd=0, rs2=0.
	ebreak := decodeCompressed(uint16(0b100_1_00000_00000_10))
	if ebreak.Op != Ebreak {
		t.Fatalf("unexpected decode for C.EBREAK: %+v", ebreak)
	}

	// C.JALR x5: bit12=1, rd=5, rs2=0.
	jalr := decodeCompressed(uint16(0b100_1_00101_00000_10))
	if jalr.Op != Jalr || jalr.Rd != 1 || jalr.Rs1 != 5 {
		t.Fatalf("unexpected decode for C.JALR: %+v", jalr)
	}

	// C.ADD x6, x6, x7: bit12=1, rd=6, rs2=7 (nonzero).
	add := decodeCompressed(uint16(0b100_1_00110_00111_10))
	if add.Op != Add || add.Rd != 6 || add.Rs1 != 6 || add.Rs2 != 7 {
		t.Fatalf("unexpected decode for C.ADD: %+v", add)
	}
}

func TestDecodeCLw(t *testing.T) {
	// C.LW x8 (rd'=0 -> x8), x8 (rs1'=0 -> x8), offset 0.
	bits := uint16(0b010_000_000_00_000_00)
	insn := decodeCompressed(bits)
	if insn.Op != Lw || insn.Rd != 8 || insn.Rs1 != 8 {
		t.Fatalf("unexpected decode for C.LW: %+v", insn)
	}
}

func TestDecodeCAddi4spnZeroIsIllegal(t *testing.T) {
	// All-zero quadrant-0/funct3=000 word is explicitly reserved.
	insn := decodeCompressed(0)
	if insn.Op != Illegal || insn.Length != 2 {
		t.Fatalf("expected Illegal length-2 for all-zero word, got %+v", insn)
	}
}

func TestDecodeCBeqzCbnez(t *testing.T) {
	beqz := decodeCompressed(uint16(0b110_000_000_00000_01))
	if beqz.Op != Beq || beqz.Rs2 != 0 {
		t.Fatalf("unexpected decode for C.BEQZ: %+v", beqz)
	}
	bnez := decodeCompressed(uint16(0b111_000_000_00000_01))
	if bnez.Op != Bne || bnez.Rs2 != 0 {
		t.Fatalf("unexpected decode for C.BNEZ: %+v", bnez)
	}
}

func TestDecodeCompressedTotal(t *testing.T) {
	seed := uint16(0xBEEF)
	for i := 0; i < 65536; i++ {
		seed = seed*25173 + 13849
		insn := decodeCompressed(seed)
		if insn.Length != 2 {
			t.Fatalf("compressed decode of 0x%04x produced length %d, want 2", seed, insn.Length)
		}
	}
}
