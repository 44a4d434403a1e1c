package dbt

import (
	"sync"
	"unsafe"

	"github.com/rv64dbt/rv64dbt/internal/asm/amd64"
)

// maxBlockInsns bounds how far a block extends past its last control-flow
// instruction when none is found — a straight run of non-terminating
// instructions still has to end somewhere so the cache entry stays a
// fixed, finite unit.
const maxBlockInsns = 64

// isBlockTerminator reports whether op ends a basic block. Branches and
// jumps end a block because the next PC is not a static constant (or,
// for Jal, is constant but a different block); system/CSR/fence.i/atomic
// instructions end a block because they can change privilege, the address
// translation regime, or visible memory ordering in ways the fast path
// must not speculate past (spec.md §4.3's per-category edge cases).
func isBlockTerminator(op Opcode) bool {
	switch op {
	case Jal, Jalr, Beq, Bne, Blt, Bge, Bltu, Bgeu,
		Ecall, Ebreak, Sret, Mret, Wfi, SfenceVma, FenceI,
		Csrrw, Csrrs, Csrrc, Csrrwi, Csrrsi, Csrrci,
		Illegal:
		return true
	}
	switch op {
	case LrW, LrD, ScW, ScD,
		AmoswapW, AmoaddW, AmoxorW, AmoandW, AmoorW, AmominW, AmomaxW, AmominuW, AmomaxuW,
		AmoswapD, AmoaddD, AmoxorD, AmoandD, AmoorD, AmominD, AmomaxD, AmominuD, AmomaxuD:
		return true
	}
	return false
}

// compileBlock decodes a basic block starting at pc and places its native
// body in the machine's code arena: translateBlockNative emits real x86-64
// for every fast ALU/load/store instruction it covers (inline TLB probe
// included), and either a chain-patchable CALL tail (static successor) or
// a bail RET (dynamic successor, or the first instruction outside the fast
// set) closes the body. When translateBlockNative can't natively cover
// even the first instruction, placeShim's plain landing pad is used
// instead, so a predecessor's chain can still JMP straight at this block's
// arenaEntry; the fiber interprets its instructions through execOne either
// way, the shim carries none of the block's own semantics.
//
// Only a genuinely native block ever becomes a chain *source* — its own
// outgoing CALL site is the only one recordPendingPatch ever registers.
// Chaining through a non-native block's landing pad would skip running its
// instructions anywhere at all, since the pad has no native body of its
// own to execute them.
func compileBlock(h *HartContext, asid uint16, pc uint64) (*Block, *Fault) {
	var insns []Instruction
	cur := pc

	for len(insns) < maxBlockInsns {
		insn, fault := fetchInsn(h, cur)
		if fault != nil {
			return nil, fault
		}
		insns = append(insns, insn)
		cur += uint64(insn.Length)
		if isBlockTerminator(insn.Op) {
			break
		}
	}

	b := &Block{
		StartPC: pc,
		Insns:   insns,
		Len:     cur - pc,
	}

	successor, hasSuccessor := staticSuccessor(b)

	entry, siteOffset, native, err := placeBody(h.m.arena, b, asid, hasSuccessor)
	if err == nil {
		b.arenaEntry = entry
		b.native = native
		if native && hasSuccessor {
			h.m.cache.recordPendingPatch(asid, successor, h.m.arena, siteOffset)
		}
	}
	// A placement failure (arena exhausted) is not a guest-visible fault —
	// spec.md's "Host resource error" category — so compileBlock still
	// returns the block; it simply never participates in chain patching or
	// native execution. The fiber always has the interpreter as a fallback
	// path.

	return b, nil
}

// placeBody places a block's native body when translateBlockNative covers
// at least its first instruction, falling back to placeShim's landing pad
// otherwise. It returns the entry address, the byte offset of the
// chain-patchable CALL (-1 when there is none — a bail-RET native body, or
// any non-native placement), and whether the placed body is a genuine
// native translation.
func placeBody(arena *amd64.CodeArena, b *Block, asid uint16, hasSuccessor bool) (uintptr, int, bool, error) {
	if body, ok := translateBlockNative(b, asid, hasSuccessor); ok {
		entry, err := arena.Place(body.program.Bytes(), body.program.Relocations())
		if err != nil {
			return 0, -1, false, err
		}
		if body.chainSite < 0 {
			return entry, -1, true, nil
		}
		siteOffset := int(entry-arena.Base()) + body.chainSite
		if perr := arena.PatchCall(siteOffset, 0xe8, commitStubEntry(arena)); perr != nil {
			return entry, siteOffset, true, perr
		}
		return entry, siteOffset, true, nil
	}

	entry, err := placeShim(arena)
	if err != nil {
		return 0, -1, false, err
	}
	return entry, -1, false, nil
}

func fetchInsn(h *HartContext, pc uint64) (Instruction, *Fault) {
	lo, fault := readInsnHalf(h, pc)
	if fault != nil {
		return Instruction{}, fault
	}
	if lo&0x3 != 0x3 {
		return decodeCompressed(lo), nil
	}
	hi, fault := readInsnHalf(h, pc+2)
	if fault != nil {
		return Instruction{}, fault
	}
	return Decode(uint32(lo) | uint32(hi)<<16), nil
}

func readInsnHalf(h *HartContext, pc uint64) (uint16, *Fault) {
	ptr, fault := h.mmu.TranslateInsn(pc)
	if fault != nil {
		return 0, fault
	}
	return *(*uint16)(unsafe.Pointer(ptr)), nil
}

// staticSuccessor returns the single guest PC this block unconditionally
// continues to, when one is statically known: an unconditional jump's
// target, or (when the block ended only because it hit maxBlockInsns) the
// straight-line fallthrough address. Conditional branches, indirect jumps
// and everything else resolve their next PC dynamically in fiber.go and
// are never chain-patch candidates.
func staticSuccessor(b *Block) (uint64, bool) {
	last := b.Insns[len(b.Insns)-1]
	if last.Op == Jal {
		return (b.StartPC + b.Len - uint64(last.Length)) + uint64(last.Imm), true
	}
	if !isBlockTerminator(last.Op) {
		return b.StartPC + b.Len, true
	}
	return 0, false
}

// placeShim places a non-native block's landing pad: a single CALL to the
// arena's shared commit stub followed by a RET. It carries none of the
// block's own instruction semantics — those always run through execOne —
// its only job is to correctly drain accumReg (and signal the continue bit)
// when a native predecessor's chain-patched JMP lands here instead of
// falling back through the fiber dispatch loop. It is never itself a patch
// site: recordPendingPatch only ever registers a genuinely native block's
// outgoing CALL.
func placeShim(arena *amd64.CodeArena) (uintptr, error) {
	code := make([]byte, 9)
	code[0] = 0xe8 // CALL rel32, relative to the commit stub once relocated below
	code[8] = 0xc3 // RET

	entry, err := arena.Place(code, nil)
	if err != nil {
		return 0, err
	}
	siteOffset := int(entry - arena.Base())

	if perr := arena.PatchCall(siteOffset, 0xe8, commitStubEntry(arena)); perr != nil {
		return entry, perr
	}
	return entry, nil
}

var (
	commitStubsMu sync.Mutex
	commitStubs   = map[*amd64.CodeArena]uintptr{}
)

// commitStubEntry returns the arena-wide commit stub every freshly placed
// chain tail's CALL (and every non-native landing pad's CALL) initially
// points at: buildCommitStub's body, placed once per arena and reused, so
// the unpatched steady state of a block chain is "call out, commit
// accumReg, return" rather than a dangling or silently-wrong target.
func commitStubEntry(arena *amd64.CodeArena) uintptr {
	commitStubsMu.Lock()
	defer commitStubsMu.Unlock()

	if entry, ok := commitStubs[arena]; ok {
		return entry
	}
	prog := buildCommitStub()
	entry, err := arena.Place(prog.Bytes(), prog.Relocations())
	if err != nil {
		return arena.Base()
	}
	commitStubs[arena] = entry
	return entry
}

// recordPendingPatch chain-patches predecessorSite to jump directly at
// (asid, successorPC)'s block once (and if) that block is ever compiled.
// Blocks compile lazily, so this has to be resolved against whatever is in
// the cache at the moment *this* predecessor block was compiled — if the
// successor isn't cached yet, the patch is deferred via pendingPatches and
// resolved the next time that successor block is itself compiled. This is
// the immediate-resolution half of the find_block_and_patch helper pair:
// called right where a block's chain tail is placed, before it ever runs.
func (c *BlockCache) recordPendingPatch(asid uint16, successorPC uint64, arena *amd64.CodeArena, siteOffset int) {
	if b, ok := c.Lookup(asid, successorPC); ok && b.arenaEntry != 0 {
		arena.PatchCall(siteOffset, 0xe9, b.arenaEntry)
		return
	}
	key := blockKey{asid, successorPC}
	c.pendingMu.Lock()
	c.pending[key] = append(c.pending[key], pendingPatch{arena: arena, siteOffset: siteOffset})
	c.pendingMu.Unlock()
}

// resolvePendingPatches is called after a block finishes compiling to
// chain-patch every predecessor that was waiting on it — the deferred
// half of the find_block_and_patch pair (find_block_and_patch2): unlike
// recordPendingPatch, which runs once per predecessor, this drains every
// waiter queued against the block that just became available.
func (c *BlockCache) resolvePendingPatches(asid uint16, pc uint64, entry uintptr) {
	key := blockKey{asid, pc}
	c.pendingMu.Lock()
	waiters := c.pending[key]
	delete(c.pending, key)
	c.pendingMu.Unlock()

	for _, w := range waiters {
		w.arena.PatchCall(w.siteOffset, 0xe9, entry)
	}
}

type pendingPatch struct {
	arena      *amd64.CodeArena
	siteOffset int
}
