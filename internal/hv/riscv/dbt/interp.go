package dbt

import "unsafe"

// execOne executes a single decoded instruction's full semantics against
// h, mutating registers/CSRs/PC in place. It is the implementation the
// translator's helper slow path calls into for everything the inline fast
// path does not handle (spec.md §4.3's non-ALU categories), and it is
// also exactly spec.md §4.4's `step` helper body — "single-step the
// interpreter for one instruction (used when translation is disabled or
// for unsupported opcodes)".
//
// On return, nextPC is the architectural PC that should follow — callers
// advance h.PC to it unless fault != nil, in which case the trap helper
// takes over. execOne never itself writes Scause/Sepc; that is trap()'s
// job (spec.md §7: "all recoverable conditions are encoded as control
// transfers to helpers").
func execOne(h *HartContext, insn Instruction) (nextPC uint64, fault *Fault) {
	pc := h.PC
	fallthroughPC := pc + uint64(insn.Length)

	switch insn.Op {
	case Illegal:
		return pc, &Fault{Cause: CauseIllegalInsn, Tval: 0}

	case Lui:
		h.WriteX(insn.Rd, uint64(insn.Imm))
		return fallthroughPC, nil
	case Auipc:
		h.WriteX(insn.Rd, pc+uint64(insn.Imm))
		return fallthroughPC, nil
	case Jal:
		h.WriteX(insn.Rd, fallthroughPC)
		return uint64(int64(pc) + insn.Imm), nil
	case Jalr:
		target := (h.ReadX(insn.Rs1) + uint64(insn.Imm)) &^ 1
		h.WriteX(insn.Rd, fallthroughPC)
		return target, nil

	case Beq:
		return branchTarget(h, insn, fallthroughPC, pc, h.ReadX(insn.Rs1) == h.ReadX(insn.Rs2)), nil
	case Bne:
		return branchTarget(h, insn, fallthroughPC, pc, h.ReadX(insn.Rs1) != h.ReadX(insn.Rs2)), nil
	case Blt:
		return branchTarget(h, insn, fallthroughPC, pc, int64(h.ReadX(insn.Rs1)) < int64(h.ReadX(insn.Rs2))), nil
	case Bge:
		return branchTarget(h, insn, fallthroughPC, pc, int64(h.ReadX(insn.Rs1)) >= int64(h.ReadX(insn.Rs2))), nil
	case Bltu:
		return branchTarget(h, insn, fallthroughPC, pc, h.ReadX(insn.Rs1) < h.ReadX(insn.Rs2)), nil
	case Bgeu:
		return branchTarget(h, insn, fallthroughPC, pc, h.ReadX(insn.Rs1) >= h.ReadX(insn.Rs2)), nil

	case Lb, Lh, Lw, Ld, Lbu, Lhu, Lwu:
		v, f := execLoad(h, insn)
		if f != nil {
			return pc, f
		}
		h.WriteX(insn.Rd, v)
		return fallthroughPC, nil
	case Sb, Sh, Sw, Sd:
		if f := execStore(h, insn); f != nil {
			return pc, f
		}
		return fallthroughPC, nil

	case Addi:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)+uint64(insn.Imm))
		return fallthroughPC, nil
	case Slti:
		h.WriteX(insn.Rd, boolU64(int64(h.ReadX(insn.Rs1)) < insn.Imm))
		return fallthroughPC, nil
	case Sltiu:
		h.WriteX(insn.Rd, boolU64(h.ReadX(insn.Rs1) < uint64(insn.Imm)))
		return fallthroughPC, nil
	case Xori:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)^uint64(insn.Imm))
		return fallthroughPC, nil
	case Ori:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)|uint64(insn.Imm))
		return fallthroughPC, nil
	case Andi:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)&uint64(insn.Imm))
		return fallthroughPC, nil
	case Slli:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)<<uint(insn.Imm))
		return fallthroughPC, nil
	case Srli:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)>>uint(insn.Imm))
		return fallthroughPC, nil
	case Srai:
		h.WriteX(insn.Rd, uint64(int64(h.ReadX(insn.Rs1))>>uint(insn.Imm)))
		return fallthroughPC, nil
	case Addiw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))+uint32(insn.Imm)), 32)))
		return fallthroughPC, nil
	case Slliw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))<<uint(insn.Imm)), 32)))
		return fallthroughPC, nil
	case Srliw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))>>uint(insn.Imm)), 32)))
		return fallthroughPC, nil
	case Sraiw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(int32(uint32(h.ReadX(insn.Rs1)))>>uint(insn.Imm))), 32)))
		return fallthroughPC, nil

	case Add:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)+h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case Sub:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)-h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case Sll:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)<<(h.ReadX(insn.Rs2)&0x3f))
		return fallthroughPC, nil
	case Slt:
		h.WriteX(insn.Rd, boolU64(int64(h.ReadX(insn.Rs1)) < int64(h.ReadX(insn.Rs2))))
		return fallthroughPC, nil
	case Sltu:
		h.WriteX(insn.Rd, boolU64(h.ReadX(insn.Rs1) < h.ReadX(insn.Rs2)))
		return fallthroughPC, nil
	case Xor:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)^h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case Srl:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)>>(h.ReadX(insn.Rs2)&0x3f))
		return fallthroughPC, nil
	case Sra:
		h.WriteX(insn.Rd, uint64(int64(h.ReadX(insn.Rs1))>>(h.ReadX(insn.Rs2)&0x3f)))
		return fallthroughPC, nil
	case Or:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)|h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case And:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)&h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case Addw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))+uint32(h.ReadX(insn.Rs2))), 32)))
		return fallthroughPC, nil
	case Subw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))-uint32(h.ReadX(insn.Rs2))), 32)))
		return fallthroughPC, nil
	case Sllw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))<<(h.ReadX(insn.Rs2)&0x1f)), 32)))
		return fallthroughPC, nil
	case Srlw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))>>(h.ReadX(insn.Rs2)&0x1f)), 32)))
		return fallthroughPC, nil
	case Sraw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(int32(uint32(h.ReadX(insn.Rs1)))>>(h.ReadX(insn.Rs2)&0x1f))), 32)))
		return fallthroughPC, nil

	case Mul:
		h.WriteX(insn.Rd, h.ReadX(insn.Rs1)*h.ReadX(insn.Rs2))
		return fallthroughPC, nil
	case Mulh:
		h.WriteX(insn.Rd, mulh(int64(h.ReadX(insn.Rs1)), int64(h.ReadX(insn.Rs2))))
		return fallthroughPC, nil
	case Mulhsu:
		h.WriteX(insn.Rd, mulhsu(int64(h.ReadX(insn.Rs1)), h.ReadX(insn.Rs2)))
		return fallthroughPC, nil
	case Mulhu:
		h.WriteX(insn.Rd, mulhu(h.ReadX(insn.Rs1), h.ReadX(insn.Rs2)))
		return fallthroughPC, nil
	case Div:
		h.WriteX(insn.Rd, divS64(int64(h.ReadX(insn.Rs1)), int64(h.ReadX(insn.Rs2))))
		return fallthroughPC, nil
	case Divu:
		h.WriteX(insn.Rd, divU64(h.ReadX(insn.Rs1), h.ReadX(insn.Rs2)))
		return fallthroughPC, nil
	case Rem:
		h.WriteX(insn.Rd, remS64(int64(h.ReadX(insn.Rs1)), int64(h.ReadX(insn.Rs2))))
		return fallthroughPC, nil
	case Remu:
		h.WriteX(insn.Rd, remU64(h.ReadX(insn.Rs1), h.ReadX(insn.Rs2)))
		return fallthroughPC, nil
	case Mulw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(h.ReadX(insn.Rs1))*uint32(h.ReadX(insn.Rs2))), 32)))
		return fallthroughPC, nil
	case Divw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(divS32(int32(h.ReadX(insn.Rs1)), int32(h.ReadX(insn.Rs2))))), 32)))
		return fallthroughPC, nil
	case Divuw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(divU32(uint32(h.ReadX(insn.Rs1)), uint32(h.ReadX(insn.Rs2)))), 32)))
		return fallthroughPC, nil
	case Remw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(uint32(remS32(int32(h.ReadX(insn.Rs1)), int32(h.ReadX(insn.Rs2))))), 32)))
		return fallthroughPC, nil
	case Remuw:
		h.WriteX(insn.Rd, uint64(signExtend(uint64(remU32(uint32(h.ReadX(insn.Rs1)), uint32(h.ReadX(insn.Rs2)))), 32)))
		return fallthroughPC, nil

	case Fence, FenceI:
		return fallthroughPC, nil

	case Ecall:
		cause := CauseEcallFromU
		if h.Priv == PrivSupervisor {
			cause = CauseEcallFromS
		}
		return pc, &Fault{Cause: cause, Tval: 0}
	case Ebreak:
		return pc, &Fault{Cause: CauseBreakpoint, Tval: 0}

	case Sret:
		return execSret(h), nil
	case Mret:
		return execMret(h), nil
	case Wfi:
		h.WFI = true
		return fallthroughPC, nil
	case SfenceVma:
		h.mmu.Sfence()
		return fallthroughPC, nil

	case Csrrw, Csrrs, Csrrc, Csrrwi, Csrrsi, Csrrci:
		return execCsr(h, insn, fallthroughPC, pc)

	case LrW, LrD, ScW, ScD,
		AmoswapW, AmoaddW, AmoxorW, AmoandW, AmoorW, AmominW, AmomaxW, AmominuW, AmomaxuW,
		AmoswapD, AmoaddD, AmoxorD, AmoandD, AmoorD, AmominD, AmomaxD, AmominuD, AmomaxuD:
		v, f := execAmo(h, insn)
		if f != nil {
			return pc, f
		}
		h.WriteX(insn.Rd, v)
		return fallthroughPC, nil

	case Flw, Fld:
		v, f := execLoadFP(h, insn)
		if f != nil {
			return pc, f
		}
		h.WriteF(insn.Rd, v)
		return fallthroughPC, nil
	case Fsw, Fsd:
		if f := execStoreFP(h, insn); f != nil {
			return pc, f
		}
		return fallthroughPC, nil

	default:
		if isFloatOp(insn.Op) {
			execFloatOp(h, insn)
			return fallthroughPC, nil
		}
		return pc, &Fault{Cause: CauseIllegalInsn, Tval: 0}
	}
}

func branchTarget(h *HartContext, insn Instruction, fallthroughPC, pc uint64, taken bool) uint64 {
	if taken {
		return uint64(int64(pc) + insn.Imm)
	}
	return fallthroughPC
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func execLoad(h *HartContext, insn Instruction) (uint64, *Fault) {
	vaddr := h.ReadX(insn.Rs1) + uint64(insn.Imm)
	size := loadSize(insn.Op)
	if crossesPage(vaddr, size) {
		raw, fault := h.m.handleMisalignedLoad(h, vaddr, size)
		if fault != nil {
			return 0, fault
		}
		return signExtendLoad(raw, insn.Op), nil
	}
	ptr, fault := h.mmu.TranslateLoad(vaddr, size)
	if fault != nil {
		if v, ok := h.m.tryMMIOLoad(h, vaddr, size); ok {
			return signExtendLoad(v, insn.Op), nil
		}
		return 0, fault
	}
	return readSized(ptr, insn.Op), nil
}

// signExtendLoad applies the sign/zero extension readSized would have
// applied had the access not crossed a page boundary; handleMisalignedLoad
// itself only assembles the raw little-endian bytes.
func signExtendLoad(raw uint64, op Opcode) uint64 {
	switch op {
	case Lb:
		return uint64(int8(raw))
	case Lh:
		return uint64(int16(raw))
	case Lw:
		return uint64(int32(raw))
	default: // Lbu, Lhu, Lwu, Ld already zero/full width
		return raw
	}
}

func execStore(h *HartContext, insn Instruction) *Fault {
	vaddr := h.ReadX(insn.Rs1) + uint64(insn.Imm)
	if vaddr == 0 && h.m.haltOnZero {
		h.haltRequested = true
	}
	size := storeSize(insn.Op)
	if crossesPage(vaddr, size) {
		return h.m.handleMisalignedStore(h, vaddr, size, h.ReadX(insn.Rs2))
	}
	ptr, fault := h.mmu.TranslateStore(vaddr, size)
	if fault != nil {
		if h.m.tryMMIOStore(h, vaddr, size, h.ReadX(insn.Rs2)) {
			return nil
		}
		return fault
	}
	writeSized(ptr, insn.Op, h.ReadX(insn.Rs2))
	return nil
}

func crossesPage(vaddr uint64, size int) bool {
	return (vaddr&(PageSize-1))+uint64(size) > PageSize
}

func loadSize(op Opcode) int {
	switch op {
	case Lb, Lbu:
		return 1
	case Lh, Lhu:
		return 2
	case Lw, Lwu:
		return 4
	default:
		return 8
	}
}

func storeSize(op Opcode) int {
	switch op {
	case Sb:
		return 1
	case Sh:
		return 2
	case Sw:
		return 4
	default:
		return 8
	}
}

func readSized(ptr uintptr, op Opcode) uint64 {
	switch op {
	case Lb:
		return uint64(*(*int8)(unsafe.Pointer(ptr)))
	case Lbu:
		return uint64(*(*uint8)(unsafe.Pointer(ptr)))
	case Lh:
		return uint64(*(*int16)(unsafe.Pointer(ptr)))
	case Lhu:
		return uint64(*(*uint16)(unsafe.Pointer(ptr)))
	case Lw:
		return uint64(*(*int32)(unsafe.Pointer(ptr)))
	case Lwu:
		return uint64(*(*uint32)(unsafe.Pointer(ptr)))
	default: // Ld
		return *(*uint64)(unsafe.Pointer(ptr))
	}
}

func writeSized(ptr uintptr, op Opcode, val uint64) {
	switch op {
	case Sb:
		*(*uint8)(unsafe.Pointer(ptr)) = uint8(val)
	case Sh:
		*(*uint16)(unsafe.Pointer(ptr)) = uint16(val)
	case Sw:
		*(*uint32)(unsafe.Pointer(ptr)) = uint32(val)
	default: // Sd
		*(*uint64)(unsafe.Pointer(ptr)) = val
	}
}

func execSret(h *HartContext) uint64 {
	spp := (h.Sstatus & MstatusSPP) != 0
	if spp {
		h.Priv = PrivSupervisor
	} else {
		h.Priv = PrivUser
	}
	if h.Sstatus&MstatusSPIE != 0 {
		h.Sstatus |= MstatusSIE
	} else {
		h.Sstatus &^= MstatusSIE
	}
	h.Sstatus |= MstatusSPIE
	h.Sstatus &^= MstatusSPP
	return h.Sepc
}

func execMret(h *HartContext) uint64 {
	h.Priv = PrivMachine
	return h.Mepc
}
