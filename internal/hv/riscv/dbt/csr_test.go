package dbt

import "testing"

func newTestHart(t *testing.T) *HartContext {
	t.Helper()
	m, err := NewMachine(MachineConfig{MemorySize: 1 << 20, MemoryBase: 0x8000_0000, HartCount: 1}, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m.Hart(0)
}

func TestCsrrwWritesAndReturnsOld(t *testing.T) {
	h := newTestHart(t)
	h.Sscratch = 0x1234
	h.WriteX(2, 0x5678)

	insn := Instruction{Op: Csrrw, Rd: 1, Rs1: 2, Imm: int64(CSRSscratch)}
	next, fault := execCsr(h, insn, 4, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if next != 4 {
		t.Fatalf("next PC = %d, want 4", next)
	}
	if h.ReadX(1) != 0x1234 {
		t.Fatalf("rd = 0x%x, want old value 0x1234", h.ReadX(1))
	}
	if h.Sscratch != 0x5678 {
		t.Fatalf("sscratch = 0x%x, want 0x5678", h.Sscratch)
	}
}

func TestCsrrsRs1ZeroSuppressesWrite(t *testing.T) {
	h := newTestHart(t)
	h.Sscratch = 0x42

	insn := Instruction{Op: Csrrs, Rd: 1, Rs1: 0, Imm: int64(CSRSscratch)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.Sscratch != 0x42 {
		t.Fatalf("sscratch = 0x%x, want unchanged 0x42 (rs1=x0 suppresses write)", h.Sscratch)
	}
	if h.ReadX(1) != 0x42 {
		t.Fatalf("rd = 0x%x, want 0x42", h.ReadX(1))
	}
}

func TestCsrrciRs1ZeroSuppressesWrite(t *testing.T) {
	h := newTestHart(t)
	h.Sscratch = 0x7

	insn := Instruction{Op: Csrrci, Rd: 1, Rs1: 0, Imm: int64(CSRSscratch)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.Sscratch != 0x7 {
		t.Fatalf("sscratch = 0x%x, want unchanged 0x7", h.Sscratch)
	}
}

func TestCsrrwiImmediateForm(t *testing.T) {
	h := newTestHart(t)
	insn := Instruction{Op: Csrrwi, Rd: 0, Rs1: 5, Imm: int64(CSRFrm)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.Frm != 5 {
		t.Fatalf("frm = %d, want 5", h.Frm)
	}
}

func TestCsrSatpWriteBumpsTLBGeneration(t *testing.T) {
	h := newTestHart(t)
	genBefore := h.dTLB.generation
	h.WriteX(2, 0x8000_0000_0000_1234)

	insn := Instruction{Op: Csrrw, Rd: 0, Rs1: 2, Imm: int64(CSRSatp)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.dTLB.generation == genBefore {
		t.Fatalf("dTLB generation unchanged after satp write, want bump")
	}
	if h.iTLB.generation == genBefore {
		t.Fatalf("iTLB generation unchanged after satp write, want bump")
	}
}

func TestCsrReadUnimplementedFaultsIllegalInsn(t *testing.T) {
	h := newTestHart(t)
	insn := Instruction{Op: Csrrs, Rd: 1, Rs1: 0, Imm: 0x7ff} // not an implemented CSR
	_, fault := execCsr(h, insn, 4, 0)
	if fault == nil || fault.Cause != CauseIllegalInsn {
		t.Fatalf("expected IllegalInsn fault, got %+v", fault)
	}
}

func TestCsrrsSetsBits(t *testing.T) {
	h := newTestHart(t)
	h.Mie = 0b001
	h.WriteX(3, 0b100)
	insn := Instruction{Op: Csrrs, Rd: 0, Rs1: 3, Imm: int64(CSRMie)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.Mie != 0b101 {
		t.Fatalf("mie = 0b%b, want 0b101", h.Mie)
	}
}

func TestCsrrcClearsBits(t *testing.T) {
	h := newTestHart(t)
	h.Mie = 0b111
	h.WriteX(3, 0b010)
	insn := Instruction{Op: Csrrc, Rd: 0, Rs1: 3, Imm: int64(CSRMie)}
	if _, fault := execCsr(h, insn, 4, 0); fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if h.Mie != 0b101 {
		t.Fatalf("mie = 0b%b, want 0b101", h.Mie)
	}
}
