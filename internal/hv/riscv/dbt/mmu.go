package dbt

import "unsafe"

// SATP modes, page table entry flags, and page geometry — grounded
// verbatim on rv64/mmu.go.
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

const (
	PteV = 1 << 0
	PteR = 1 << 1
	PteW = 1 << 2
	PteX = 1 << 3
	PteU = 1 << 4
	PteG = 1 << 5
	PteA = 1 << 6
	PteD = 1 << 7
)

const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
)

// AccessKind distinguishes the three translation contracts of spec.md
// §4.2: translate_load, translate_store, translate_insn.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// Fault represents a guest page fault or access fault. It is never a Go
// error surfaced to a caller outside this package's trap machinery —
// translate* methods return it so the inline-fast-path caller (the
// translator-emitted slow-path helper) can feed it directly into trap().
type Fault struct {
	Cause uint64
	Tval  uint64
}

// MMU implements spec.md §4.2's public contract for one hart. It walks
// Sv39/Sv48 page tables rooted at h.Satp against the machine's flat guest
// physical memory, grounded on rv64/mmu.go's walkPageTable/
// checkPermissions, adapted from an abstract bus interface to direct byte
// slice addressing (since translated code needs a real host pointer, not
// an indirected Read64/Write64 call) and split across iTLB/dTLB.
type MMU struct {
	h *HartContext
	m *Machine
}

func newMMU(h *HartContext, m *Machine) *MMU {
	return &MMU{h: h, m: m}
}

// identityMapped reports whether a data access from the hart's current
// state bypasses the page-table walk entirely (translate's own check for
// "mode == SatpModeOff || priv == PrivMachine"), the only case
// devices.go's MMIO fallback is willing to resolve without itself
// duplicating the page-table walk.
func (mmu *MMU) identityMapped() bool {
	return mmu.satpMode() == SatpModeOff || mmu.effectivePriv(AccessRead) == PrivMachine
}

func (mmu *MMU) satpMode() uint64 { return (mmu.h.Satp >> 60) & 0xf }
func (mmu *MMU) satpASID() uint16 { return uint16((mmu.h.Satp >> 44) & 0xffff) }

func (mmu *MMU) effectivePriv(kind AccessKind) uint8 {
	priv := mmu.h.Priv
	if mmu.h.Priv == PrivMachine && kind != AccessExecute && mmu.h.Mstatus&MstatusMPRV != 0 {
		priv = uint8((mmu.h.Mstatus >> MstatusMPPShift) & 3)
	}
	return priv
}

// TranslateLoad implements translate_load(vaddr, size).
func (mmu *MMU) TranslateLoad(vaddr uint64, size int) (uintptr, *Fault) {
	return mmu.translate(&mmu.h.dTLB, vaddr, size, AccessRead)
}

// TranslateStore implements translate_store(vaddr, size).
func (mmu *MMU) TranslateStore(vaddr uint64, size int) (uintptr, *Fault) {
	return mmu.translate(&mmu.h.dTLB, vaddr, size, AccessWrite)
}

// TranslateInsn implements translate_insn(vaddr).
func (mmu *MMU) TranslateInsn(vaddr uint64) (uintptr, *Fault) {
	return mmu.translate(&mmu.h.iTLB, vaddr, 4, AccessExecute)
}

// Sfence implements sfence(asid?, vaddr?): per spec.md §4.2, the design
// does not attempt per-entry invalidation, so any SFENCE.VMA — regardless
// of its optional operands — bumps both TLBs' generation counters.
func (mmu *MMU) Sfence() {
	mmu.h.iTLB.Bump()
	mmu.h.dTLB.Bump()
}

func permForKind(kind AccessKind) uint8 {
	switch kind {
	case AccessRead:
		return PermRead
	case AccessWrite:
		return PermWrite
	default:
		return PermExec
	}
}

// translate implements the shared walk behind TranslateLoad/Store/Insn.
// Callers route page-boundary-spanning accesses to the misalignment
// helper before ever reaching here (spec.md §4.2); translate only ever
// sees single-page-resident accesses.
func (mmu *MMU) translate(tlb *TLB, vaddr uint64, size int, kind AccessKind) (uintptr, *Fault) {
	mode := mmu.satpMode()
	priv := mmu.effectivePriv(kind)

	if mode == SatpModeOff || priv == PrivMachine {
		base, fault := mmu.hostBaseForPhysical(vaddr, kind)
		if fault != nil {
			return 0, fault
		}
		return base + uintptr(vaddr&(PageSize-1)), nil
	}

	vpn := vaddr >> PageShift
	asid := mmu.satpASID()
	want := permForKind(kind)

	if entry, ok := tlb.Lookup(vpn, asid); ok && entry.hasPerm(want) {
		return entry.hostBase + uintptr(vaddr&(entry.pageSize-1)), nil
	}

	paddr, flags, pageSize, fault := mmu.walkPageTable(vaddr, kind, priv, mode)
	if fault != nil {
		return 0, fault
	}

	base, fault := mmu.hostBaseForPhysical(paddr&^(pageSize-1), kind)
	if fault != nil {
		return 0, fault
	}

	perm := flagsToPerm(flags)
	tlb.Insert(vpn&^((pageSize>>PageShift)-1), base, perm, pageSize, asid, flags&PteG != 0)

	return base + uintptr(paddr&(pageSize-1)), nil
}

func flagsToPerm(flags uint64) uint8 {
	var p uint8
	if flags&PteR != 0 {
		p |= PermRead
	}
	if flags&PteW != 0 {
		p |= PermWrite
	}
	if flags&PteX != 0 {
		p |= PermExec
	}
	if flags&PteU != 0 {
		p |= PermUser
	}
	return p
}

// hostBaseForPhysical maps a guest physical page base to a host pointer
// into the machine's flat RAM slice. Addresses outside RAM are an access
// fault here: MMIO devices (out of scope as full models, per spec.md §1)
// are serviced by the slow-path load/store helpers directly against
// Machine.devices, never cached in a TLB, since they have no constant
// host-pointer representation.
func (mmu *MMU) hostBaseForPhysical(paddr uint64, kind AccessKind) (uintptr, *Fault) {
	if paddr < mmu.m.memBase || paddr >= mmu.m.memBase+uint64(len(mmu.m.mem)) {
		return 0, &Fault{Cause: accessFaultCause(kind), Tval: paddr}
	}
	off := paddr - mmu.m.memBase
	return uintptr(unsafe.Pointer(&mmu.m.mem[0])) + uintptr(off&^(PageSize-1)), nil
}

func accessFaultCause(kind AccessKind) uint64 {
	switch kind {
	case AccessRead:
		return CauseLoadAccessFault
	case AccessWrite:
		return CauseStoreAccessFault
	default:
		return CauseInsnAccessFault
	}
}

func pageFaultCause(kind AccessKind) uint64 {
	switch kind {
	case AccessRead:
		return CauseLoadPageFault
	case AccessWrite:
		return CauseStorePageFault
	default:
		return CauseInsnPageFault
	}
}

// walkPageTable performs a Sv39/Sv48 page table walk rooted at h.Satp,
// grounded on rv64/mmu.go's walkPageTable, adapted to address guest
// physical memory as a byte slice (Machine.readPhys64/writePhys64) rather
// than through a Bus indirection.
func (mmu *MMU) walkPageTable(vaddr uint64, kind AccessKind, priv uint8, mode uint64) (paddr uint64, flags uint64, pageSize uint64, fault *Fault) {
	var levels int
	switch mode {
	case SatpModeSv39:
		levels = 3
		if vaddr >= (1<<38) && vaddr < (^uint64(0) - (1 << 38) + 1) {
			return 0, 0, 0, mmu.pageFault(kind, vaddr)
		}
	case SatpModeSv48:
		levels = 4
		if vaddr >= (1<<47) && vaddr < (^uint64(0) - (1 << 47) + 1) {
			return 0, 0, 0, mmu.pageFault(kind, vaddr)
		}
	default:
		return vaddr, PteR | PteW | PteX | PteU, PageSize, nil
	}

	const vpnMask = 0x1ff

	ppn := mmu.h.Satp & ((1 << PpnBits) - 1)
	pteAddr := ppn << PageShift
	pageSize = PageSize

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		vpn := (vaddr >> vpnShift) & vpnMask
		pteAddr += vpn * 8

		pte, ok := mmu.m.readPhys64(pteAddr)
		if !ok {
			return 0, 0, 0, mmu.pageFault(kind, vaddr)
		}

		if pte&PteV == 0 {
			return 0, 0, 0, mmu.pageFault(kind, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, 0, mmu.pageFault(kind, vaddr)
		}

		if pte&(PteR|PteX) != 0 {
			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				if (pte>>10)&mask != 0 {
					return 0, 0, 0, mmu.pageFault(kind, vaddr)
				}
				pageSize = 1 << (PageShift + level*VpnBits)
			}

			if f := mmu.checkPermissions(pte, kind, priv, vaddr); f != nil {
				return 0, 0, 0, f
			}

			if pte&PteA == 0 || (kind == AccessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if kind == AccessWrite {
					newPte |= PteD
				}
				if !mmu.m.writePhys64(pteAddr, newPte) {
					return 0, 0, 0, mmu.pageFault(kind, vaddr)
				}
				pte = newPte
			}

			pagePPN := (pte >> 10) & ((1 << PpnBits) - 1)
			if level > 0 {
				mask := uint64((1 << (level * VpnBits)) - 1)
				vpnBits := (vaddr >> PageShift) & mask
				pagePPN = (pagePPN &^ mask) | vpnBits
			}
			pageOffset := vaddr & (pageSize - 1)
			return (pagePPN << PageShift) | pageOffset, pte, pageSize, nil
		}

		nextPPN := (pte >> 10) & ((1 << PpnBits) - 1)
		pteAddr = nextPPN << PageShift
	}

	return 0, 0, 0, mmu.pageFault(kind, vaddr)
}

func (mmu *MMU) checkPermissions(pte uint64, kind AccessKind, priv uint8, vaddr uint64) *Fault {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return mmu.pageFault(kind, vaddr)
		}
	} else if pte&PteU != 0 && mmu.h.Mstatus&MstatusSUM == 0 {
		return mmu.pageFault(kind, vaddr)
	}

	switch kind {
	case AccessRead:
		if pte&PteR == 0 {
			if mmu.h.Mstatus&MstatusMXR != 0 && pte&PteX != 0 {
				return nil
			}
			return mmu.pageFault(kind, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return mmu.pageFault(kind, vaddr)
		}
	case AccessExecute:
		if pte&PteX == 0 {
			return mmu.pageFault(kind, vaddr)
		}
	}
	return nil
}

func (mmu *MMU) pageFault(kind AccessKind, vaddr uint64) *Fault {
	return &Fault{Cause: pageFaultCause(kind), Tval: vaddr}
}
