package dbt

import (
	"fmt"
	"unsafe"

	"github.com/rv64dbt/rv64dbt/internal/asm"
	"github.com/rv64dbt/rv64dbt/internal/asm/amd64"
)

// Every offset a native block body needs into HartContext/TLB/TLBEntry is
// derived from unsafe.Offsetof/unsafe.Sizeof rather than hand counted: a
// field reorder in hart.go or tlb.go moves these constants along with it
// instead of silently going stale underneath generated code nothing here
// can recompile to check.
const (
	hartXOffset       = unsafe.Offsetof(HartContext{}.X)
	hartPCOffset      = unsafe.Offsetof(HartContext{}.PC)
	hartCycleOffset   = unsafe.Offsetof(HartContext{}.Cycle)
	hartInstretOffset = unsafe.Offsetof(HartContext{}.Instret)
	hartDTLBOffset    = unsafe.Offsetof(HartContext{}.dTLB)

	tlbEntriesOffset    = unsafe.Offsetof(TLB{}.entries)
	tlbGenerationOffset = unsafe.Offsetof(TLB{}.generation)
	tlbEntrySize        = unsafe.Sizeof(TLBEntry{})

	entryValidOffset      = unsafe.Offsetof(TLBEntry{}.valid)
	entryTagOffset        = unsafe.Offsetof(TLBEntry{}.tag)
	entryHostBaseOffset   = unsafe.Offsetof(TLBEntry{}.hostBase)
	entryPermOffset       = unsafe.Offsetof(TLBEntry{}.perm)
	entryPageSizeOffset   = unsafe.Offsetof(TLBEntry{}.pageSize)
	entryGenerationOffset = unsafe.Offsetof(TLBEntry{}.generation)
	entryASIDOffset       = unsafe.Offsetof(TLBEntry{}.asid)
	entryGlobalOffset     = unsafe.Offsetof(TLBEntry{}.global)
)

// Register convention for every native block body, matching
// trampoline_amd64.s's callBlockEntry: RDI is the fixed HartContext
// pointer, live for the body's whole extent, never clobbered. RSI is the
// "instructions retired but not yet committed" accumulator — seeded to
// zero by callBlockEntry and carried forward across a chain-patched tail
// JMP into another block's body without ever touching memory; it is only
// folded into h.Cycle/h.Instret at a genuine exit point (a bail, or the
// shared commit stub a chain tail's CALL falls through to before it is
// ever patched). RAX, RCX, RDX, R9, R10 are free scratch; RBX/RBP/
// R12-R15/RSP are never touched since they are callee-saved/frame-pointer
// registers under the Go runtime's ABI and this code runs without its
// own stack frame.
const ctxReg = amd64.RDI
const accumReg = amd64.RSI

// continueBit marks EAX's high bit set on the path that unwinds through
// the shared commit stub: h.Cycle/h.Instret/h.PC are already correct in
// memory and the fiber should simply re-dispatch. Clear, it carries a
// resume index into b.Insns for the fiber to continue interpreting from.
const continueBit = uint32(1) << 31

func xReg(reg uint32) amd64.Memory {
	return amd64.Mem(amd64.Reg64(ctxReg)).WithDisp(int32(hartXOffset) + int32(reg)*8)
}

func pcMem() amd64.Memory { return amd64.Mem(amd64.Reg64(ctxReg)).WithDisp(int32(hartPCOffset)) }
func cycleMem() amd64.Memory {
	return amd64.Mem(amd64.Reg64(ctxReg)).WithDisp(int32(hartCycleOffset))
}
func instretMem() amd64.Memory {
	return amd64.Mem(amd64.Reg64(ctxReg)).WithDisp(int32(hartInstretOffset))
}

// fastALUOp reports whether op has a bounded-risk native encoding: plain
// register/immediate ALU forms whose host encoding is a single existing
// instructions.go builder call. Everything riskier to hand-encode without
// a compiler to check it — register-count shifts, SLT/SLTU, the W-suffixed
// 32-bit ops, M-extension — stays on the interpreter path.
func fastALUOp(op Opcode) bool {
	switch op {
	case Lui, Auipc, Addi, Andi, Ori, Xori, Slli, Srli, Srai, Add, Sub, And, Or, Xor:
		return true
	}
	return false
}

func fastLoadOp(op Opcode) bool {
	switch op {
	case Lb, Lh, Lw, Ld, Lbu, Lhu, Lwu:
		return true
	}
	return false
}

func fastStoreOp(op Opcode) bool {
	switch op {
	case Sb, Sh, Sw, Sd:
		return true
	}
	return false
}

// emitALU appends the native fragments for one fastALUOp instruction. pc is
// the instruction's own address (Auipc needs it); an immediate-shift by
// zero folds into a plain register copy since ShlRegImm/ShrRegImm/
// SarRegImm reject a zero count.
func emitALU(insn Instruction, pc uint64) ([]asm.Fragment, error) {
	scratch := amd64.Reg64(amd64.RAX)

	store := func(frags ...asm.Fragment) []asm.Fragment {
		if insn.Rd == 0 {
			return nil
		}
		return append(frags, amd64.MovToMemory(xReg(insn.Rd), scratch))
	}

	switch insn.Op {
	case Lui:
		return store(amd64.MovImmediate(scratch, insn.Imm)), nil
	case Auipc:
		return store(amd64.MovImmediate(scratch, int64(pc)+insn.Imm)), nil
	case Addi:
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.AddRegImm(scratch, int32(insn.Imm))), nil
	case Andi:
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.AndRegImm(scratch, int32(insn.Imm))), nil
	case Ori:
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.OrRegImm(scratch, int32(insn.Imm))), nil
	case Xori:
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.XorRegImm(scratch, int32(insn.Imm))), nil
	case Slli:
		frags := []asm.Fragment{amd64.MovFromMemory(scratch, xReg(insn.Rs1))}
		if insn.Imm != 0 {
			frags = append(frags, amd64.ShlRegImm(scratch, uint8(insn.Imm)))
		}
		return store(frags...), nil
	case Srli:
		frags := []asm.Fragment{amd64.MovFromMemory(scratch, xReg(insn.Rs1))}
		if insn.Imm != 0 {
			frags = append(frags, amd64.ShrRegImm(scratch, uint8(insn.Imm)))
		}
		return store(frags...), nil
	case Srai:
		frags := []asm.Fragment{amd64.MovFromMemory(scratch, xReg(insn.Rs1))}
		if insn.Imm != 0 {
			frags = append(frags, amd64.SarRegImm(scratch, uint8(insn.Imm)))
		}
		return store(frags...), nil
	case Add:
		s2 := amd64.Reg64(amd64.RCX)
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.MovFromMemory(s2, xReg(insn.Rs2)), amd64.AddRegReg(scratch, s2)), nil
	case Sub:
		s2 := amd64.Reg64(amd64.RCX)
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.MovFromMemory(s2, xReg(insn.Rs2)), amd64.SubRegReg(scratch, s2)), nil
	case And:
		s2 := amd64.Reg64(amd64.RCX)
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.MovFromMemory(s2, xReg(insn.Rs2)), amd64.AndRegReg(scratch, s2)), nil
	case Or:
		s2 := amd64.Reg64(amd64.RCX)
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.MovFromMemory(s2, xReg(insn.Rs2)), amd64.OrRegReg(scratch, s2)), nil
	case Xor:
		s2 := amd64.Reg64(amd64.RCX)
		return store(amd64.MovFromMemory(scratch, xReg(insn.Rs1)), amd64.MovFromMemory(s2, xReg(insn.Rs2)), amd64.XorRegReg(scratch, s2)), nil
	}
	return nil, fmt.Errorf("dbt: %v is not a fast ALU op", insn.Op)
}

// entryField addresses one field of h.dTLB.entries[index], where RCX
// already holds index*tlbEntrySize for the whole duration of a probe.
func entryField(fieldOffset uintptr) amd64.Memory {
	return amd64.MemIndex(amd64.Reg64(ctxReg), amd64.Reg64(amd64.RCX), 1).
		WithDisp(int32(hartDTLBOffset + tlbEntriesOffset + fieldOffset))
}

func tlbGenerationMem() amd64.Memory {
	return amd64.Mem(amd64.Reg64(ctxReg)).WithDisp(int32(hartDTLBOffset + tlbGenerationOffset))
}

// emitTLBProbe builds the fast-path dTLB lookup shared by loads and stores:
// on success it leaves the host pointer for vaddr in R9 and falls through;
// on any check failure it jumps to miss. want is the permission bit the
// access needs (PermRead or PermWrite); asid is this block's guest ASID,
// baked in as a compile-time immediate since BlockCache keys compiled
// blocks by (asid, pc).
//
// Register use: RAX holds vaddr throughout. RDX holds the VPN until the
// tag check, after which it is free for the caller. RCX holds the
// entries-array byte offset for the duration of every field check. R9/R10
// are per-check scratch.
func emitTLBProbe(rs1 uint32, imm int64, size int, want uint8, asid uint16, miss asm.Label) []asm.Fragment {
	var f []asm.Fragment
	vaddr := amd64.Reg64(amd64.RAX)
	vpn := amd64.Reg64(amd64.RDX)
	index := amd64.Reg64(amd64.RCX)
	tmp := amd64.Reg64(amd64.R9)
	tmp2 := amd64.Reg64(amd64.R10)

	f = append(f,
		amd64.MovFromMemory(vaddr, xReg(rs1)),
		amd64.AddRegImm(vaddr, int32(imm)),
	)

	// crossesPage(vaddr, size): (vaddr & 0xfff) + size > 4096.
	f = append(f,
		amd64.MovReg(tmp, vaddr),
		amd64.AndRegImm(tmp, 0xfff),
		amd64.CmpRegImm(tmp, int32(4096-size)),
		amd64.JumpIfAbove(miss),
	)

	f = append(f,
		amd64.MovReg(vpn, vaddr),
		amd64.ShrRegImm(vpn, 12),
		amd64.MovReg(index, vpn),
		amd64.AndRegImm(index, tlbSize-1),
		amd64.ImulRegImm(index, index, int32(tlbEntrySize)),
	)

	f = append(f,
		amd64.MovFromMemory(amd64.Reg8(amd64.R9), entryField(entryValidOffset)),
		amd64.CmpRegImm(amd64.Reg8(amd64.R9), 0),
		amd64.JumpIfEqual(miss),
	)

	f = append(f,
		amd64.MovFromMemory(tmp, entryField(entryGenerationOffset)),
		amd64.MovFromMemory(tmp2, tlbGenerationMem()),
		amd64.CmpRegReg(tmp, tmp2),
		amd64.JumpIfNotEqual(miss),
	)

	// tag (vpn is still live in RDX)
	f = append(f,
		amd64.MovFromMemory(tmp, entryField(entryTagOffset)),
		amd64.CmpRegReg(tmp, vpn),
		amd64.JumpIfNotEqual(miss),
	)

	okASID := asm.Label(fmt.Sprintf("tlbprobe_okasid_%p", &f))
	f = append(f,
		amd64.MovFromMemory(amd64.Reg16(amd64.R9), entryField(entryASIDOffset)),
		amd64.CmpRegImm(amd64.Reg16(amd64.R9), int32(asid)),
		amd64.JumpIfEqual(okASID),
		amd64.MovFromMemory(amd64.Reg8(amd64.R10), entryField(entryGlobalOffset)),
		amd64.CmpRegImm(amd64.Reg8(amd64.R10), 0),
		amd64.JumpIfEqual(miss),
		asm.MarkLabel(okASID),
	)

	f = append(f,
		amd64.MovFromMemory(amd64.Reg8(amd64.R9), entryField(entryPermOffset)),
		amd64.AndRegImm(amd64.Reg8(amd64.R9), int32(want)),
		amd64.CmpRegImm(amd64.Reg8(amd64.R9), int32(want)),
		amd64.JumpIfNotEqual(miss),
	)

	// Only 4K pages take the fast path, so the >>12/&0xfff masking above
	// stays a fixed shift/mask rather than depending on the entry's size.
	f = append(f,
		amd64.MovFromMemory(tmp, entryField(entryPageSizeOffset)),
		amd64.CmpRegImm(tmp, 4096),
		amd64.JumpIfNotEqual(miss),
	)

	f = append(f,
		amd64.MovFromMemory(tmp, entryField(entryHostBaseOffset)),
		amd64.MovReg(tmp2, vaddr),
		amd64.AndRegImm(tmp2, 0xfff),
		amd64.AddRegReg(tmp, tmp2),
	)
	return f
}

func emitLoad(insn Instruction, idx int, asid uint16) ([]asm.Fragment, asm.Label, asm.Label) {
	miss := asm.Label(fmt.Sprintf("L%d_load_miss", idx))
	after := asm.Label(fmt.Sprintf("L%d_load_after", idx))

	frags := emitTLBProbe(insn.Rs1, insn.Imm, loadSize(insn.Op), PermRead, asid, miss)

	host := amd64.Mem(amd64.Reg64(amd64.R9))
	val := amd64.Reg64(amd64.R10)
	switch insn.Op {
	case Lb:
		frags = append(frags, amd64.MovSX8(val, host))
	case Lbu:
		frags = append(frags, amd64.MovZX8(val, host))
	case Lh:
		frags = append(frags, amd64.MovSX16(val, host))
	case Lhu:
		frags = append(frags, amd64.MovZX16(val, host))
	case Lw:
		frags = append(frags, amd64.MovSXD(val, host))
	case Lwu:
		frags = append(frags, amd64.MovFromMemory(amd64.Reg32(amd64.R10), host))
	default: // Ld
		frags = append(frags, amd64.MovFromMemory(val, host))
	}
	if insn.Rd != 0 {
		frags = append(frags, amd64.MovToMemory(xReg(insn.Rd), val))
	}
	frags = append(frags, amd64.Jump(after))
	return frags, miss, after
}

func emitStore(insn Instruction, idx int, asid uint16) ([]asm.Fragment, asm.Label, asm.Label) {
	miss := asm.Label(fmt.Sprintf("L%d_store_miss", idx))
	after := asm.Label(fmt.Sprintf("L%d_store_after", idx))

	var frags []asm.Fragment
	// A store to address zero is the haltOnZero convention execStore
	// implements; the fast path treats it as a probe miss so the slow
	// path's existing check still runs.
	frags = append(frags,
		amd64.MovFromMemory(amd64.Reg64(amd64.RAX), xReg(insn.Rs1)),
		amd64.AddRegImm(amd64.Reg64(amd64.RAX), int32(insn.Imm)),
		amd64.CmpRegImm(amd64.Reg64(amd64.RAX), 0),
		amd64.JumpIfEqual(miss),
	)

	frags = append(frags, emitTLBProbe(insn.Rs1, insn.Imm, storeSize(insn.Op), PermWrite, asid, miss)...)

	// The store value loads into RDX; RDX is free once the probe's tag
	// check has consumed the VPN it started with.
	frags = append(frags, amd64.MovFromMemory(amd64.Reg64(amd64.RDX), xReg(insn.Rs2)))

	host := amd64.Mem(amd64.Reg64(amd64.R9))
	switch insn.Op {
	case Sb:
		frags = append(frags, amd64.MovToMemory(host, amd64.Reg8(amd64.RDX)))
	case Sh:
		frags = append(frags, amd64.MovToMemory(host, amd64.Reg16(amd64.RDX)))
	case Sw:
		frags = append(frags, amd64.MovToMemory(host, amd64.Reg32(amd64.RDX)))
	default: // Sd
		frags = append(frags, amd64.MovToMemory(host, amd64.Reg64(amd64.RDX)))
	}
	frags = append(frags, amd64.Jump(after))
	return frags, miss, after
}

// commitAccumulator folds retiredThisBlock (this block's own, not-yet-
// accumulated progress) into accumReg, then folds accumReg into
// h.Cycle/h.Instret in memory. Used at every genuine exit point — a bail,
// or the shared commit stub a chain tail's CALL reaches before it is ever
// patched — never at a chain-internal tail JMP, which instead leaves
// accumReg uncommitted for the next block in the chain to keep adding to.
func commitAccumulator(retiredThisBlock int) []asm.Fragment {
	var f []asm.Fragment
	if retiredThisBlock > 0 {
		f = append(f, amd64.AddRegImm(amd64.Reg64(accumReg), int32(retiredThisBlock)))
	}
	scratch := amd64.Reg64(amd64.RAX)
	f = append(f,
		amd64.MovFromMemory(scratch, cycleMem()),
		amd64.AddRegReg(scratch, amd64.Reg64(accumReg)),
		amd64.MovToMemory(cycleMem(), scratch),
		amd64.MovFromMemory(scratch, instretMem()),
		amd64.AddRegReg(scratch, amd64.Reg64(accumReg)),
		amd64.MovToMemory(instretMem(), scratch),
	)
	return f
}

// bailEpilogue is the "pop an extra return slot to unwind into the fiber"
// exit every fast instruction's miss path and every dynamic-successor
// block ending shares: commit accumReg plus this block's own
// retiredBeforeBail instructions into h.Cycle/h.Instret, store the resume
// PC, pack resumeIndex into EAX with the continue bit clear, and RET.
// runBlock resumes execOne at b.Insns[resumeIndex:].
func bailEpilogue(pc uint64, resumeIndex int, retiredBeforeBail int) []asm.Fragment {
	scratch := amd64.Reg64(amd64.RAX)
	f := commitAccumulator(retiredBeforeBail)
	f = append(f,
		amd64.MovImmediate(scratch, int64(pc)),
		amd64.MovToMemory(pcMem(), scratch),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(uint32(resumeIndex))),
		amd64.Ret(),
	)
	return f
}

// buildCommitStub is the arena-wide shared target every chain tail's CALL
// initially points at, before any predecessor-successor patch exists: it
// folds accumReg into h.Cycle/h.Instret (h.PC was already stored by the
// tail itself, since nextPC is call-site-specific and this stub is not),
// sets EAX's continue bit, and returns. Reused across every block so a
// freshly compiled, not-yet-chained block's steady state is "call out,
// commit, return" rather than a dangling or silently-wrong target.
func buildCommitStub() asm.Program {
	frags := commitAccumulator(0)
	frags = append(frags,
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(continueBit)),
		amd64.Ret(),
	)
	return mustEmit(0, frags)
}

// nativeBody is the compiled result of translateBlockNative: either the
// block ends in a chain-patchable CALL (chainSite >= 0, successor known
// statically) or it ends in a bail RET with no patch site.
type nativeBody struct {
	program   asm.Program
	chainSite int // byte offset of the CALL to patch, or -1
}

// translateBlockNative builds the native body for b: a prefix of fast ALU/
// load/store instructions, ending either in the chain-patch tail (block
// has a static successor and every instruction natively executed) or in a
// bail epilogue at the first instruction the fast path does not cover. ok
// is false when not even the first instruction could be natively emitted,
// in which case the caller keeps the plain shim.
func translateBlockNative(b *Block, asid uint16, hasSuccessor bool) (nativeBody, bool) {
	var frags []asm.Fragment
	native := 0
	pc := b.StartPC

	for i, insn := range b.Insns {
		if isBlockTerminator(insn.Op) {
			if insn.Op == Jal && hasSuccessor {
				linkPC := pc + uint64(insn.Length)
				jumpTarget := pc + uint64(insn.Imm)
				if insn.Rd != 0 {
					scratch := amd64.Reg64(amd64.RAX)
					frags = append(frags,
						amd64.MovImmediate(scratch, int64(linkPC)),
						amd64.MovToMemory(xReg(insn.Rd), scratch),
					)
				}
				return finishChain(frags, native+1, jumpTarget)
			}
			if native == 0 {
				return nativeBody{}, false
			}
			frags = append(frags, bailEpilogue(pc, i, native)...)
			return nativeBody{program: mustEmit(pc, frags), chainSite: -1}, true
		}

		switch {
		case fastALUOp(insn.Op):
			alu, err := emitALU(insn, pc)
			if err != nil {
				if native == 0 {
					return nativeBody{}, false
				}
				frags = append(frags, bailEpilogue(pc, i, native)...)
				return nativeBody{program: mustEmit(pc, frags), chainSite: -1}, true
			}
			frags = append(frags, alu...)
		case fastLoadOp(insn.Op):
			load, miss, after := emitLoad(insn, i, asid)
			frags = append(frags, load...)
			frags = append(frags, asm.MarkLabel(miss))
			frags = append(frags, bailEpilogue(pc, i, native)...)
			frags = append(frags, asm.MarkLabel(after))
		case fastStoreOp(insn.Op):
			store, miss, after := emitStore(insn, i, asid)
			frags = append(frags, store...)
			frags = append(frags, asm.MarkLabel(miss))
			frags = append(frags, bailEpilogue(pc, i, native)...)
			frags = append(frags, asm.MarkLabel(after))
		default:
			if native == 0 {
				return nativeBody{}, false
			}
			frags = append(frags, bailEpilogue(pc, i, native)...)
			return nativeBody{program: mustEmit(pc, frags), chainSite: -1}, true
		}

		native++
		pc += uint64(insn.Length)
	}

	// Every instruction in the block was natively handled with no
	// terminator at all: only happens when maxBlockInsns truncated a
	// straight run, which staticSuccessor already reports as hasSuccessor.
	return finishChain(frags, native, pc)
}

// finishChain emits the chain-patch tail: store nextPC to h.PC (call-site
// specific, so this can't live in the shared commit stub), fold this
// block's retired count into accumReg (deferred, not yet written to
// memory — a chained JMP into the successor carries it forward for free),
// then an 8-byte-aligned CALL to the shared commit stub, padded exactly
// like the old standalone shim so PatchCall's atomic CALL->JMP rewrite
// applies unchanged.
func finishChain(frags []asm.Fragment, retired int, nextPC uint64) (nativeBody, bool) {
	if retired == 0 {
		return nativeBody{}, false
	}
	scratch := amd64.Reg64(amd64.RAX)
	frags = append(frags,
		amd64.MovImmediate(scratch, int64(nextPC)),
		amd64.MovToMemory(pcMem(), scratch),
		amd64.AddRegImm(amd64.Reg64(accumReg), int32(retired)),
	)

	prog, err := amd64.EmitProgram(asm.Group(frags))
	if err != nil {
		return nativeBody{}, false
	}
	code := prog.Bytes()
	pad := -len(code) & 7
	if pad > 0 {
		code = append(code, make([]byte, pad)...)
	}
	siteOffset := len(code)
	code = append(code, 0xe8, 0, 0, 0, 0, 0xc3, 0x90, 0x90) // CALL rel32; RET; pad to 8
	return nativeBody{program: asm.NewProgram(code, prog.Relocations(), prog.BSSSize()), chainSite: siteOffset}, true
}

// mustEmit assembles frags and panics with a SanFailError on failure: this
// is the debug-only san_fail helper's real call site. Every fragment
// reaching this point is built from compile-time-known shapes, so a
// failure here means this file produced a malformed program, not that
// guest or host data was bad — the kind of condition translated code
// itself is supposed to make unreachable, raised here instead of from
// inside the arena because a native body has no way to call back into
// Go to report it.
func mustEmit(pc uint64, frags []asm.Fragment) asm.Program {
	prog, err := amd64.EmitProgram(asm.Group(frags))
	if err != nil {
		panic(&SanFailError{PC: pc, Detail: err.Error()})
	}
	return prog
}
