package dbt

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"
)

func TestExecOneAddi(t *testing.T) {
	h := newTestHart(t)
	h.WriteX(1, 10)
	insn := Instruction{Op: Addi, Rd: 2, Rs1: 1, Imm: 5, Length: 4}
	h.PC = 0x8000_0000
	next, fault := execOne(h, insn)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if next != 0x8000_0004 {
		t.Fatalf("next PC = 0x%x, want 0x8000_0004", next)
	}
	if h.ReadX(2) != 15 {
		t.Fatalf("x2 = %d, want 15", h.ReadX(2))
	}
}

func TestExecOneJalUpdatesLinkRegister(t *testing.T) {
	h := newTestHart(t)
	h.PC = 0x8000_0000
	insn := Instruction{Op: Jal, Rd: 1, Imm: 0x100, Length: 4}
	next, fault := execOne(h, insn)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if next != 0x8000_0100 {
		t.Fatalf("next PC = 0x%x, want 0x8000_0100", next)
	}
	if h.ReadX(1) != 0x8000_0004 {
		t.Fatalf("link register = 0x%x, want 0x8000_0004", h.ReadX(1))
	}
}

func TestExecOneLoadStoreRoundtrip(t *testing.T) {
	h := newTestHart(t)
	addr := h.m.memBase + 0x1000
	h.WriteX(1, addr)
	h.WriteX(2, 0x1122334455667788)
	h.PC = h.m.memBase

	store := Instruction{Op: Sd, Rs1: 1, Rs2: 2, Imm: 0, Length: 4}
	if _, fault := execOne(h, store); fault != nil {
		t.Fatalf("unexpected fault on store: %+v", fault)
	}

	load := Instruction{Op: Ld, Rd: 3, Rs1: 1, Imm: 0, Length: 4}
	if _, fault := execOne(h, load); fault != nil {
		t.Fatalf("unexpected fault on load: %+v", fault)
	}
	if h.ReadX(3) != 0x1122334455667788 {
		t.Fatalf("loaded value = 0x%x, want 0x1122334455667788", h.ReadX(3))
	}
}

func TestExecOneLoadOutOfRangeFaults(t *testing.T) {
	h := newTestHart(t)
	h.WriteX(1, 0xffff_ffff_0000_0000) // far outside RAM
	insn := Instruction{Op: Ld, Rd: 2, Rs1: 1, Imm: 0, Length: 4}
	_, fault := execOne(h, insn)
	if fault == nil || fault.Cause != CauseLoadAccessFault {
		t.Fatalf("expected LoadAccessFault, got %+v", fault)
	}
}

// TestSv39PageFaultOnUnmappedAddress exercises the full Sv39 walk: an
// S-mode access through a satp with no valid root PTE must fault rather
// than silently falling back to the identity-mapped path.
func TestSv39PageFaultOnUnmappedAddress(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivSupervisor
	rootPage := h.m.memBase + 0x2000
	h.Satp = (uint64(SatpModeSv39) << 60) | (rootPage >> PageShift)
	// Leave the root page table zeroed (no valid entries) by construction.

	_, fault := h.mmu.TranslateLoad(0x1000, 8)
	if fault == nil || fault.Cause != CauseLoadPageFault {
		t.Fatalf("expected LoadPageFault walking an empty Sv39 root, got %+v", fault)
	}
}

// TestSv39GigapageLeafMapping builds a single-level-skipped Sv39 mapping
// (a gigapage leaf at level 2) and confirms TranslateLoad resolves through
// it to the right host byte.
func TestSv39GigapageLeafMapping(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivSupervisor

	rootPage := h.m.memBase + 0x3000
	h.Satp = (uint64(SatpModeSv39) << 60) | (rootPage >> PageShift)

	const vaddr = uint64(0x4000_0000) // VPN2 = 1
	// A gigapage leaf's PPN must be 1GiB-aligned (its low 18 PPN bits must
	// be zero) or the walk rejects it as a misaligned superpage; memBase
	// is already 1GiB-aligned, so map the gigapage directly onto it.
	targetPhys := h.m.memBase
	vpn2 := (vaddr >> (PageShift + 2*VpnBits)) & 0x1ff

	pte := ((targetPhys >> PageShift) << 10) | PteV | PteR | PteW | PteX
	if !h.m.writePhys64(rootPage+vpn2*8, pte) {
		t.Fatalf("failed to seed root PTE")
	}

	if _, err := h.m.WriteAt([]byte{0xAB}, int64(targetPhys)); err != nil {
		t.Fatalf("seed target byte: %v", err)
	}

	ptr, fault := h.mmu.TranslateLoad(vaddr, 1)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	got := *(*byte)(unsafe.Pointer(ptr))
	if got != 0xAB {
		t.Fatalf("translated byte = 0x%x, want 0xAB", got)
	}
}

func TestSfenceBumpsBothTLBs(t *testing.T) {
	h := newTestHart(t)
	genI, genD := h.iTLB.generation, h.dTLB.generation
	h.mmu.Sfence()
	if h.iTLB.generation == genI || h.dTLB.generation == genD {
		t.Fatalf("expected both TLB generations to bump after Sfence")
	}
}

// TestMachineRunHaltsOnStoreToZero drives the real fiber loop end to end:
// Machine.Run compiles the block at the reset PC through BlockCache.
// GetOrCompile, runs it, and must observe the halt-on-store-zero
// convention even though address zero itself lies outside guest RAM.
func TestMachineRunHaltsOnStoreToZero(t *testing.T) {
	m, err := NewMachine(MachineConfig{MemorySize: 1 << 20, MemoryBase: 0x8000_0000, HartCount: 1}, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()
	m.EnableHaltOnStoreZero()

	h := m.Hart(0)
	h.PC = m.memBase
	// sd x0, 0(x0) encodes a store of zero to address zero: opcode=0100011
	// funct3=011 (SD), rs1=0, rs2=0, imm=0.
	word := encodeS(0b0100011, 0b011, 0, 0, 0)
	if err := m.LoadImage(m.memBase, encode32(word)); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = m.Run(ctx)
	if err != ErrHalted {
		t.Fatalf("Run returned %v, want ErrHalted", err)
	}
}

// TestAddiEbreakScause3Smoke is spec §8's "ADDI smoke" scenario: addi
// x1, x0, 42 followed by ebreak must leave x1=42 and deliver the
// breakpoint trap with cause 3 to whichever privilege level medeleg
// routes it to.
func TestAddiEbreakScause3Smoke(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivUser
	h.Medeleg |= 1 << CauseBreakpoint

	h.PC = h.m.memBase
	addi := Instruction{Op: Addi, Rd: 1, Rs1: 0, Imm: 42, Length: 4}
	next, fault := execOne(h, addi)
	if fault != nil {
		t.Fatalf("unexpected fault on addi: %+v", fault)
	}
	if h.ReadX(1) != 42 {
		t.Fatalf("x1 = %d, want 42", h.ReadX(1))
	}
	h.PC = next

	ebreak := Instruction{Op: Ebreak, Length: 4}
	_, fault = execOne(h, ebreak)
	if fault == nil || fault.Cause != CauseBreakpoint {
		t.Fatalf("expected CauseBreakpoint, got %+v", fault)
	}
	h.trap(fault)
	if h.Scause != CauseBreakpoint {
		t.Fatalf("scause = %d, want 3", h.Scause)
	}
}

// TestCompressedLiAddExpansion is spec §8's "Compressed expansion"
// scenario: c.li x5, -1; c.add x5, x6 with x6=1 must leave x5=0, proving
// decodeCompressed's canonicalised forms execute identically to their
// 32-bit equivalents.
func TestCompressedLiAddExpansion(t *testing.T) {
	h := newTestHart(t)
	h.WriteX(6, 1)
	h.PC = h.m.memBase

	cli := decodeCompressed(uint16(0b010_1_00101_11111_01)) // c.li x5, -1
	next, fault := execOne(h, cli)
	if fault != nil {
		t.Fatalf("unexpected fault on c.li: %+v", fault)
	}
	if h.ReadX(5) != ^uint64(0) {
		t.Fatalf("x5 after c.li = 0x%x, want -1", h.ReadX(5))
	}
	h.PC = next

	cadd := decodeCompressed(uint16(0b100_1_00101_00110_10)) // c.add x5, x6
	if cadd.Op != Add || cadd.Rd != 5 || cadd.Rs1 != 5 || cadd.Rs2 != 6 {
		t.Fatalf("unexpected decode for c.add x5, x6: %+v", cadd)
	}
	if _, fault := execOne(h, cadd); fault != nil {
		t.Fatalf("unexpected fault on c.add: %+v", fault)
	}
	if h.ReadX(5) != 0 {
		t.Fatalf("x5 after c.add = %d, want 0", h.ReadX(5))
	}
}

// TestLoadPageFaultReportsFaultingAddress is spec §8's "Page fault"
// scenario: a load from an unmapped address must trap with scause=13,
// stval equal to the faulting vaddr, and sepc at the load instruction.
func TestLoadPageFaultReportsFaultingAddress(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivUser
	h.Medeleg |= 1 << CauseLoadPageFault
	rootPage := h.m.memBase + 0x2000
	h.Satp = (uint64(SatpModeSv39) << 60) | (rootPage >> PageShift)
	// Root page table left zeroed: every walk misses.

	const loadPC = uint64(0x8000_1000)
	const vaddr = uint64(0x9000_0000)
	h.PC = loadPC

	_, fault := h.mmu.TranslateLoad(vaddr, 8)
	if fault == nil || fault.Cause != CauseLoadPageFault {
		t.Fatalf("expected CauseLoadPageFault, got %+v", fault)
	}
	h.trap(fault)
	if h.Scause != CauseLoadPageFault {
		t.Fatalf("scause = %d, want 13", h.Scause)
	}
	if h.Stval != vaddr {
		t.Fatalf("stval = 0x%x, want 0x%x", h.Stval, vaddr)
	}
	if h.Sepc != loadPC {
		t.Fatalf("sepc = 0x%x, want 0x%x", h.Sepc, loadPC)
	}
}

// TestSfenceRemapToReadOnlyFaultsOnStore is spec §8's "SFENCE.VMA"
// scenario: map page P RW, store into it, remap P RO and SFENCE, then
// store again — the second store must trap with scause=15 and stval
// equal to the faulting address, not zero.
func TestSfenceRemapToReadOnlyFaultsOnStore(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivUser
	h.Medeleg |= 1 << CauseStorePageFault

	rootPage := h.m.memBase + 0x2000
	table1Page := h.m.memBase + 0x3000
	table0Page := h.m.memBase + 0x4000
	targetPhys := h.m.memBase + 0x5000

	h.Satp = (uint64(SatpModeSv39) << 60) | (rootPage >> PageShift)
	const vaddr = uint64(0x1000)

	rootPTE := ((table1Page >> PageShift) << 10) | PteV
	level1PTE := ((table0Page >> PageShift) << 10) | PteV
	rwPTE := ((targetPhys >> PageShift) << 10) | PteV | PteU | PteR | PteW
	if !h.m.writePhys64(rootPage, rootPTE) {
		t.Fatalf("seed root PTE")
	}
	if !h.m.writePhys64(table1Page, level1PTE) {
		t.Fatalf("seed level1 PTE")
	}
	if !h.m.writePhys64(table0Page+8, rwPTE) { // vpn0 = 1
		t.Fatalf("seed level0 PTE (RW)")
	}

	if _, fault := h.mmu.TranslateStore(vaddr, 8); fault != nil {
		t.Fatalf("unexpected fault on first (RW) store: %+v", fault)
	}

	roPTE := ((targetPhys >> PageShift) << 10) | PteV | PteU | PteR
	if !h.m.writePhys64(table0Page+8, roPTE) {
		t.Fatalf("remap level0 PTE (RO)")
	}
	h.mmu.Sfence()

	const storePC = uint64(0x8000_2000)
	h.PC = storePC
	_, fault := h.mmu.TranslateStore(vaddr, 8)
	if fault == nil || fault.Cause != CauseStorePageFault {
		t.Fatalf("expected CauseStorePageFault after remap, got %+v", fault)
	}
	h.trap(fault)
	if h.Scause != CauseStorePageFault {
		t.Fatalf("scause = %d, want 15", h.Scause)
	}
	if h.Stval != vaddr {
		t.Fatalf("stval = 0x%x, want 0x%x (faulting vaddr, not zero)", h.Stval, vaddr)
	}
	if h.Sepc != storePC {
		t.Fatalf("sepc = 0x%x, want 0x%x", h.Sepc, storePC)
	}
}

// TestAtomicAddContentionAcrossHarts is spec §8's "Atomic contention"
// scenario: two harts racing amoadd.w on the same word must never lose an
// update. Scaled down from the spec's 10^6-per-hart figure to keep the
// test fast; the CAS retry loop in amo.go being exercised is the same
// code path regardless of iteration count.
func TestAtomicAddContentionAcrossHarts(t *testing.T) {
	const itersPerHart = 50_000
	m, err := NewMachine(MachineConfig{MemorySize: 1 << 20, MemoryBase: 0x8000_0000, HartCount: 2}, nil)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	target := m.memBase + 0x100
	if _, err := m.WriteAt(make([]byte, 8), int64(target)); err != nil {
		t.Fatalf("zero target word: %v", err)
	}

	var wg sync.WaitGroup
	for hartIdx := 0; hartIdx < 2; hartIdx++ {
		h := m.Hart(hartIdx)
		h.WriteX(1, target)
		h.WriteX(2, 1)
		wg.Add(1)
		go func(h *HartContext) {
			defer wg.Done()
			insn := Instruction{Op: AmoaddW, Rd: 0, Rs1: 1, Rs2: 2, Length: 4}
			for i := 0; i < itersPerHart; i++ {
				if _, fault := execOne(h, insn); fault != nil {
					t.Errorf("unexpected fault in amoadd.w: %+v", fault)
					return
				}
			}
		}(h)
	}
	wg.Wait()

	ptr, fault := m.Hart(0).mmu.TranslateLoad(target, 4)
	if fault != nil {
		t.Fatalf("unexpected fault reading final value: %+v", fault)
	}
	got := *(*uint32)(unsafe.Pointer(ptr))
	want := uint32(2 * itersPerHart)
	if got != want {
		t.Fatalf("final value = %d, want %d (lost update under contention)", got, want)
	}
}

func encode32(word uint32) []byte {
	return []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
}

func encodeS(opcode, funct3, rs1, rs2, imm uint32) uint32 {
	immLo := imm & 0x1f
	immHi := (imm >> 5) & 0x7f
	return (immHi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (immLo << 7) | opcode
}
