package dbt

import "testing"

// encodeJ builds a J-type instruction word (JAL's encoding): imm bits are
// scattered as [20|10:1|11|19:12] across bits 31..12, matching the RV32I
// base encoding decode.go's decoder expects.
func encodeJ(opcode, rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return ((u>>20)&1)<<31 | ((u>>1)&0x3ff)<<21 | ((u>>11)&1)<<20 | ((u>>12)&0xff)<<12 | (rd << 7) | opcode
}

func jal(rd uint32, imm int32) uint32 {
	return encodeJ(0b1101111, rd, imm)
}

func addi(rd, rs1 uint32, imm int32) uint32 {
	return encodeI(0b0010011, 0b000, rd, rs1, imm)
}

// TestNativeALUBlockRetiresAndChains exercises translateBlockNative's fast
// ALU path end to end: compileBlock must produce a genuinely native block
// (b.native), fiber.go's runBlock must actually call into it through
// amd64.CallBlockEntry rather than falling straight to the interpreter, and
// the block's Jal terminator (no successor ever compiled) must fall
// through the chain tail's CALL into the shared commit stub rather than
// hang or silently lose the accumulated retire count.
func TestNativeALUBlockRetiresAndChains(t *testing.T) {
	h := newTestHart(t)
	base := h.m.memBase

	prog := []uint32{
		addi(1, 0, 5),  // x1 = 5
		addi(2, 1, 7),  // x2 = x1 + 7 = 12
		jal(0, 0x1000), // jump far away; never compiled, so the chain tail
		// stays pointed at the commit stub instead of a patched JMP.
	}
	if err := h.m.LoadImage(base, encodeWords(prog)); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	h.PC = base
	block, fault := h.m.cache.GetOrCompile(h, 0, base)
	if fault != nil {
		t.Fatalf("unexpected fault compiling block: %+v", fault)
	}
	if !block.native {
		t.Fatalf("expected a genuinely native block for an all-fast-ALU body")
	}
	if block.arenaEntry == 0 {
		t.Fatalf("expected a nonzero arena entry for a native block")
	}

	if err := runBlock(h, block); err != nil {
		t.Fatalf("runBlock: %v", err)
	}

	if h.ReadX(1) != 5 {
		t.Fatalf("x1 = %d, want 5", h.ReadX(1))
	}
	if h.ReadX(2) != 12 {
		t.Fatalf("x2 = %d, want 12", h.ReadX(2))
	}
	// The Jal sits at base+8 and its offset is relative to itself.
	if h.PC != base+8+0x1000 {
		t.Fatalf("PC = 0x%x, want 0x%x", h.PC, base+8+0x1000)
	}
	if h.Instret != 3 {
		t.Fatalf("Instret = %d, want 3", h.Instret)
	}
	if h.Cycle != 3 {
		t.Fatalf("Cycle = %d, want 3", h.Cycle)
	}
}

// TestNativeChainPatchesToSuccessorBlock compiles a successor block first,
// then a predecessor whose Jal targets it: compileBlock's recordPendingPatch
// must find the successor already cached and atomically rewrite the
// predecessor's chain-tail CALL into a JMP immediately, with no pending
// registration. A single runBlock call on the predecessor then has to
// execute straight through into the successor's native body and back out
// through one RET, never touching the interpreter at all.
func TestNativeChainPatchesToSuccessorBlock(t *testing.T) {
	h := newTestHart(t)
	base := h.m.memBase

	predecessor := []uint32{
		addi(1, 0, 5),
		addi(2, 1, 7),
		jal(0, 4), // successor starts right after this block, 4 bytes past the Jal
	}
	successor := []uint32{
		addi(3, 0, 100),
		jal(0, 0x2000), // ends the successor with nothing ever compiled there
	}

	if err := h.m.LoadImage(base, encodeWords(predecessor)); err != nil {
		t.Fatalf("LoadImage predecessor: %v", err)
	}
	successorPC := base + 12
	if err := h.m.LoadImage(successorPC, encodeWords(successor)); err != nil {
		t.Fatalf("LoadImage successor: %v", err)
	}

	// Compile the successor first so the predecessor's patch resolves
	// immediately instead of deferring through the pending map.
	h.PC = successorPC
	succBlock, fault := h.m.cache.GetOrCompile(h, 0, successorPC)
	if fault != nil {
		t.Fatalf("unexpected fault compiling successor: %+v", fault)
	}
	if !succBlock.native {
		t.Fatalf("expected successor to compile natively")
	}

	h.PC = base
	predBlock, fault := h.m.cache.GetOrCompile(h, 0, base)
	if fault != nil {
		t.Fatalf("unexpected fault compiling predecessor: %+v", fault)
	}
	if !predBlock.native {
		t.Fatalf("expected predecessor to compile natively")
	}

	if err := runBlock(h, predBlock); err != nil {
		t.Fatalf("runBlock: %v", err)
	}

	if h.ReadX(1) != 5 || h.ReadX(2) != 12 || h.ReadX(3) != 100 {
		t.Fatalf("registers after chained run: x1=%d x2=%d x3=%d, want 5,12,100",
			h.ReadX(1), h.ReadX(2), h.ReadX(3))
	}
	// The successor's Jal sits at successorPC+4.
	if h.PC != successorPC+4+0x2000 {
		t.Fatalf("PC = 0x%x, want 0x%x", h.PC, successorPC+4+0x2000)
	}
	// Three predecessor instructions plus two successor instructions (each
	// block's Jal included) retired in a single CALL/RET, entirely inside
	// the arena.
	if h.Instret != 5 {
		t.Fatalf("Instret = %d, want 5", h.Instret)
	}
}

// TestNativeLoadStoreHitsInlineTLBProbe primes the dTLB with a 4KB leaf
// translation and confirms a native block's inline probe (emitTLBProbe)
// actually resolves the access against it end to end, rather than bailing
// to the slow execLoad/execStore path on every access.
func TestNativeLoadStoreHitsInlineTLBProbe(t *testing.T) {
	h := newTestHart(t)
	h.Priv = PrivSupervisor

	rootPage := h.m.memBase + 0x2000   // level 2
	table1Page := h.m.memBase + 0x3000 // level 1
	table0Page := h.m.memBase + 0x4000 // level 0 (leaf table)
	targetPhys := h.m.memBase + 0x5000 // the mapped 4KB data page

	h.Satp = (uint64(SatpModeSv39) << 60) | (rootPage >> PageShift)

	const vaddr = uint64(0x1000) // vpn2=0, vpn1=0, vpn0=1
	rootPTE := ((table1Page >> PageShift) << 10) | PteV
	level1PTE := ((table0Page >> PageShift) << 10) | PteV
	level0PTE := ((targetPhys >> PageShift) << 10) | PteV | PteR | PteW

	if !h.m.writePhys64(rootPage, rootPTE) {
		t.Fatalf("seed root PTE")
	}
	if !h.m.writePhys64(table1Page, level1PTE) {
		t.Fatalf("seed level1 PTE")
	}
	if !h.m.writePhys64(table0Page+8, level0PTE) { // vpn0 = 1
		t.Fatalf("seed level0 PTE")
	}
	// Instruction fetch in S-mode walks the same tables, so the code at
	// memBase needs a mapping too: an identity gigapage leaf at level 2.
	codePTE := ((h.m.memBase >> PageShift) << 10) | PteV | PteR | PteX
	if !h.m.writePhys64(rootPage+8*((h.m.memBase>>30)&0x1ff), codePTE) {
		t.Fatalf("seed code PTE")
	}

	// Prime the dTLB with a genuine 4KB-page walk before any native code
	// ever runs, exactly as a prior guest load/store would have.
	if _, fault := h.mmu.TranslateStore(vaddr, 8); fault != nil {
		t.Fatalf("priming TranslateStore: %+v", fault)
	}

	base := h.m.memBase
	h.WriteX(1, vaddr)
	h.WriteX(2, 0x1122334455667788)

	prog := []uint32{
		encodeS(0b0100011, 0b011, 1, 2, 0), // sd x2, 0(x1)
		encodeI(0b0000011, 0b011, 3, 1, 0), // ld x3, 0(x1)
		jal(0, 0x3000),
	}
	if err := h.m.LoadImage(base, encodeWords(prog)); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	h.PC = base
	block, fault := h.m.cache.GetOrCompile(h, 0, base)
	if fault != nil {
		t.Fatalf("unexpected fault compiling block: %+v", fault)
	}
	if !block.native {
		t.Fatalf("expected native translation for a fast store/load pair")
	}

	if err := runBlock(h, block); err != nil {
		t.Fatalf("runBlock: %v", err)
	}

	if h.ReadX(3) != 0x1122334455667788 {
		t.Fatalf("x3 = 0x%x, want 0x1122334455667788 (round-tripped through the inline TLB probe)", h.ReadX(3))
	}
	if h.Instret != 3 {
		t.Fatalf("Instret = %d, want 3", h.Instret)
	}
}

// TestNativeMissFallsBackToInterpreter confirms an unsupported instruction
// (Mul is outside the fast ALU set) still produces correct results: the
// native body must bail with a precise resume index rather than skip or
// misexecute the instruction.
func TestNativeMissFallsBackToInterpreter(t *testing.T) {
	h := newTestHart(t)
	base := h.m.memBase

	h.WriteX(1, 6)
	h.WriteX(2, 7)
	prog := []uint32{
		addi(3, 0, 1),                          // native
		encodeR(0b0110011, 0b000, 0b0000001, 4, 1, 2), // mul x4, x1, x2 -- not fast-ALU
		addi(5, 4, 1),                          // interpreted, after the bail
		jal(0, 0x4000),
	}
	if err := h.m.LoadImage(base, encodeWords(prog)); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	h.PC = base
	block, fault := h.m.cache.GetOrCompile(h, 0, base)
	if fault != nil {
		t.Fatalf("unexpected fault: %+v", fault)
	}
	if !block.native {
		t.Fatalf("expected the Addi prefix to still translate natively")
	}

	if err := runBlock(h, block); err != nil {
		t.Fatalf("runBlock: %v", err)
	}

	if h.ReadX(3) != 1 {
		t.Fatalf("x3 = %d, want 1", h.ReadX(3))
	}
	if h.ReadX(4) != 42 {
		t.Fatalf("x4 = %d, want 42", h.ReadX(4))
	}
	if h.ReadX(5) != 43 {
		t.Fatalf("x5 = %d, want 43", h.ReadX(5))
	}
	// The Jal sits at base+12 and its offset is relative to itself.
	if h.PC != base+12+0x4000 {
		t.Fatalf("PC = 0x%x, want 0x%x", h.PC, base+12+0x4000)
	}
	if h.Instret != 4 {
		t.Fatalf("Instret = %d, want 4", h.Instret)
	}
}

func encodeWords(words []uint32) []byte {
	out := make([]byte, 0, len(words)*4)
	for _, w := range words {
		out = append(out, encode32(w)...)
	}
	return out
}
