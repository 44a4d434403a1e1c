package dbt

import "testing"

func TestAmoAddW(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x200
	if _, err := h.m.WriteAt([]byte{10, 0, 0, 0}, int64(addr)); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	h.WriteX(1, addr)
	h.WriteX(2, 5)
	insn := Instruction{Op: AmoaddW, Rd: 3, Rs1: 1, Rs2: 2}
	old, fault := execAmo(h, insn)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if old != 10 {
		t.Fatalf("returned old value = %d, want 10", old)
	}

	var buf [4]byte
	if _, err := h.m.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if buf[0] != 15 {
		t.Fatalf("memory after AMOADD.W = %d, want 15", buf[0])
	}
}

func TestAmoSwapD(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x300
	if _, err := h.m.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, int64(addr)); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	h.WriteX(1, addr)
	h.WriteX(2, 0xAABBCCDD)
	insn := Instruction{Op: AmoswapD, Rd: 3, Rs1: 1, Rs2: 2}
	old, fault := execAmo(h, insn)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	wantOld := uint64(0x0807060504030201)
	if old != wantOld {
		t.Fatalf("returned old value = 0x%x, want 0x%x", old, wantOld)
	}
}

func TestLrScSuccessfulPair(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x400
	if _, err := h.m.WriteAt([]byte{0, 0, 0, 0}, int64(addr)); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	h.WriteX(1, addr)
	lr := Instruction{Op: LrW, Rd: 2, Rs1: 1}
	_, fault := execAmo(h, lr)
	if fault != nil {
		t.Fatalf("unexpected fault on LR.W: %+v", fault)
	}
	if !h.ReservationValid || h.Reservation != addr {
		t.Fatalf("expected valid reservation at 0x%x, got valid=%v addr=0x%x", addr, h.ReservationValid, h.Reservation)
	}

	h.WriteX(3, 42)
	sc := Instruction{Op: ScW, Rd: 4, Rs1: 1, Rs2: 3}
	result, fault := execAmo(h, sc)
	if fault != nil {
		t.Fatalf("unexpected fault on SC.W: %+v", fault)
	}
	if result != 0 {
		t.Fatalf("SC.W result = %d, want 0 (success)", result)
	}
	if h.ReservationValid {
		t.Fatalf("expected reservation cleared after SC.W")
	}

	var buf [4]byte
	if _, err := h.m.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if buf[0] != 42 {
		t.Fatalf("memory after successful SC.W = %d, want 42", buf[0])
	}
}

func TestScWithoutReservationFails(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x500
	h.WriteX(1, addr)
	h.WriteX(3, 99)

	sc := Instruction{Op: ScW, Rd: 4, Rs1: 1, Rs2: 3}
	result, fault := execAmo(h, sc)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if result != 1 {
		t.Fatalf("SC.W result = %d, want 1 (failure, no reservation)", result)
	}
}

func TestAmoMinMaxSigned(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x600
	if _, err := h.m.WriteAt([]byte{0xfe, 0xff, 0xff, 0xff}, int64(addr)); err != nil { // -2
		t.Fatalf("seed memory: %v", err)
	}

	h.WriteX(1, addr)
	h.WriteX(2, 5) // positive
	insn := Instruction{Op: AmominW, Rd: 3, Rs1: 1, Rs2: 2}
	_, fault := execAmo(h, insn)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}

	var buf [4]byte
	if _, err := h.m.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("read back: %v", err)
	}
	got := int32(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24)
	if got != -2 {
		t.Fatalf("AMOMIN.W result = %d, want -2 (signed min picks the negative value)", got)
	}
}
