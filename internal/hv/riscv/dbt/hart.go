package dbt

import "sync/atomic"

// Privilege levels. H and M-mode-only distinctions beyond what U/S needs
// are out of scope (spec.md §1: no H extension). A hart resets into
// PrivMachine and runs guest code there (with identity translation) until
// a trap or xRET moves it; undelegated traps also enter it.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

// Interrupt-pending bitmap bit positions, matching sip/sie layout.
const (
	IntSSoft uint64 = 1 << 1
	IntSTimer uint64 = 1 << 5
	IntSExternal uint64 = 1 << 9
)

// HartContext is the per-hart architectural state described in spec.md §3.
// Its field order and types are deliberately stable: translated code
// reaches every field through a constant offset from a fixed base
// register (ctxReg in codegen.go), so reordering fields
// requires regenerating every cached block's offset constants.
type HartContext struct {
	// General-purpose registers. X[0] is never written (WriteX is a no-op
	// for register 0); it is kept in the array, always zero, so translated
	// code can address it uniformly instead of special-casing reads.
	X [32]uint64

	// Floating-point registers, NaN-boxed for single precision per
	// float.go's boxing convention.
	F [32]uint64

	PC uint64

	Fflags uint8
	Frm    uint8
	Priv   uint8

	_ [5]byte // pad to 8-byte alignment for the fields below

	// Privileged CSRs needed by S-mode guests (spec.md §3).
	Sstatus  uint64
	Sie      uint64
	Stvec    uint64
	Sscratch uint64
	Sepc     uint64
	Scause   uint64
	Stval    uint64
	Sip      uint64
	Satp     uint64

	// Machine-mode CSRs needed for reset/trap delegation bookkeeping.
	Mstatus uint64
	Medeleg uint64
	Mideleg uint64
	Mie     uint64
	Mip     uint64
	Mtvec   uint64
	Mepc    uint64
	Mcause  uint64
	Mtval   uint64
	Mhartid uint64

	Cycle   uint64
	Instret uint64

	// PendingInterrupts is written by device goroutines (or the internal
	// timer heartbeat) and read by the check_interrupt helper; accessed
	// atomically since it crosses goroutine boundaries without a lock.
	PendingInterrupts atomic.Uint64

	// WFI is set while the hart is blocked in check_interrupt waiting for
	// an enabled interrupt after executing WFI with none pending.
	WFI bool

	// haltRequested is set by execStore when the guest stores to address
	// zero with Machine.haltOnZero enabled — the same "store to address
	// zero ends execution" convention ccvm's EnableStopOnZero uses for a
	// bare-metal test harness with no real halt device.
	haltRequested bool

	// Reservation implements the LR/SC pair (spec.md §4.3 "Atomics").
	Reservation      uint64
	ReservationValid bool

	iTLB TLB
	dTLB TLB

	hartID int
	m      *Machine
	mmu    *MMU
	fk     FloatKernel
}

// NewHartContext creates a hart in its reset state. PC is left zero;
// callers set the PC field before first Run.
func NewHartContext(id int, m *Machine) *HartContext {
	h := &HartContext{
		Priv:    PrivMachine,
		hartID:  id,
		m:       m,
		Mhartid: uint64(id),
	}
	h.iTLB.init()
	h.dTLB.init()
	h.mmu = newMMU(h, m)
	h.fk = m.floatKernel
	return h
}

// MMU returns the hart's software MMU, per spec.md §4.2.
func (h *HartContext) MMU() *MMU { return h.mmu }

// ReadX reads an integer register; x0 always reads zero.
func (h *HartContext) ReadX(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return h.X[reg]
}

// WriteX writes an integer register; writes to x0 are discarded.
func (h *HartContext) WriteX(reg uint32, val uint64) {
	if reg != 0 {
		h.X[reg] = val
	}
}

// ReadF reads a raw (NaN-boxed where applicable) floating-point register.
func (h *HartContext) ReadF(reg uint32) uint64 {
	return h.F[reg]
}

// WriteF writes a raw floating-point register.
func (h *HartContext) WriteF(reg uint32, val uint64) {
	h.F[reg] = val
}

// PostInterrupt sets pending-interrupt bits, called from outside the hart's
// own goroutine (device emulation, the timer heartbeat).
func (h *HartContext) PostInterrupt(bits uint64) {
	h.PendingInterrupts.Or(bits)
}

// ClearInterrupt clears pending-interrupt bits.
func (h *HartContext) ClearInterrupt(bits uint64) {
	h.PendingInterrupts.And(^bits)
}
