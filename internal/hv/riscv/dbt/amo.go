package dbt

import (
	"sync/atomic"
	"unsafe"
)

// execAmo implements spec.md §4.3's "Atomics" category: LR/SC using
// HartContext.Reservation, and the full AMO set via a compare-and-swap
// retry loop against the host pointer the MMU resolved — the host-memory
// analogue of the guest's atomicity requirement, since multiple harts (and
// thus multiple Go goroutines) may race on the same guest physical page.
func execAmo(h *HartContext, insn Instruction) (uint64, *Fault) {
	size := amoSize(insn.Op)
	vaddr := h.ReadX(insn.Rs1)
	if crossesPage(vaddr, size) {
		return 0, &Fault{Cause: CauseStoreAccessFault, Tval: vaddr}
	}

	switch insn.Op {
	case LrW:
		ptr, fault := h.mmu.TranslateLoad(vaddr, size)
		if fault != nil {
			return 0, fault
		}
		h.Reservation, h.ReservationValid = vaddr, true
		return uint64(signExtend(uint64(atomic.LoadUint32((*uint32)(unsafe.Pointer(ptr)))), 32)), nil
	case LrD:
		ptr, fault := h.mmu.TranslateLoad(vaddr, size)
		if fault != nil {
			return 0, fault
		}
		h.Reservation, h.ReservationValid = vaddr, true
		return atomic.LoadUint64((*uint64)(unsafe.Pointer(ptr))), nil
	case ScW, ScD:
		ok := h.ReservationValid && h.Reservation == vaddr
		h.ReservationValid = false
		if !ok {
			return 1, nil
		}
		ptr, fault := h.mmu.TranslateStore(vaddr, size)
		if fault != nil {
			return 0, fault
		}
		val := h.ReadX(insn.Rs2)
		if insn.Op == ScW {
			atomic.StoreUint32((*uint32)(unsafe.Pointer(ptr)), uint32(val))
		} else {
			atomic.StoreUint64((*uint64)(unsafe.Pointer(ptr)), val)
		}
		return 0, nil
	}

	ptr, fault := h.mmu.TranslateStore(vaddr, size)
	if fault != nil {
		return 0, fault
	}
	rs2 := h.ReadX(insn.Rs2)
	if size == 4 {
		addr32 := (*uint32)(unsafe.Pointer(ptr))
		for {
			old := atomic.LoadUint32(addr32)
			next := amoCompute32(insn.Op, old, uint32(rs2))
			if atomic.CompareAndSwapUint32(addr32, old, next) {
				return uint64(signExtend(uint64(old), 32)), nil
			}
		}
	}
	addr64 := (*uint64)(unsafe.Pointer(ptr))
	for {
		old := atomic.LoadUint64(addr64)
		next := amoCompute64(insn.Op, old, rs2)
		if atomic.CompareAndSwapUint64(addr64, old, next) {
			return old, nil
		}
	}
}

func amoSize(op Opcode) int {
	switch op {
	case LrW, ScW, AmoswapW, AmoaddW, AmoxorW, AmoandW, AmoorW, AmominW, AmomaxW, AmominuW, AmomaxuW:
		return 4
	default:
		return 8
	}
}

func amoCompute32(op Opcode, old, val uint32) uint32 {
	switch op {
	case AmoswapW:
		return val
	case AmoaddW:
		return old + val
	case AmoxorW:
		return old ^ val
	case AmoandW:
		return old & val
	case AmoorW:
		return old | val
	case AmominW:
		if int32(old) < int32(val) {
			return old
		}
		return val
	case AmomaxW:
		if int32(old) > int32(val) {
			return old
		}
		return val
	case AmominuW:
		if old < val {
			return old
		}
		return val
	case AmomaxuW:
		if old > val {
			return old
		}
		return val
	default:
		return old
	}
}

func amoCompute64(op Opcode, old, val uint64) uint64 {
	switch op {
	case AmoswapD:
		return val
	case AmoaddD:
		return old + val
	case AmoxorD:
		return old ^ val
	case AmoandD:
		return old & val
	case AmoorD:
		return old | val
	case AmominD:
		if int64(old) < int64(val) {
			return old
		}
		return val
	case AmomaxD:
		if int64(old) > int64(val) {
			return old
		}
		return val
	case AmominuD:
		if old < val {
			return old
		}
		return val
	case AmomaxuD:
		if old > val {
			return old
		}
		return val
	default:
		return old
	}
}
