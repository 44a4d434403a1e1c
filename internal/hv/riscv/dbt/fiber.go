package dbt

import (
	"context"
	"time"
	"unsafe"

	"github.com/rv64dbt/rv64dbt/internal/asm/amd64"
)

// runFiber is the per-hart outer loop spec.md §5 calls "the execution
// fiber": fetch-or-compile the block at the current PC, run it, deliver
// any fault or pending interrupt, repeat. It returns ErrHalted/
// ErrShutdown on a clean stop and any other error only for a genuine
// host-fatal condition (spec.md §7's error taxonomy).
func runFiber(ctx context.Context, h *HartContext) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if h.m.shutdown {
			return ErrShutdown
		}

		if h.WFI {
			if !waitForInterrupt(ctx, h) {
				return ErrShutdown
			}
			continue
		}

		if bit, ok := checkInterrupt(h); ok {
			h.PC = h.deliverInterrupt(bit)
			continue
		}

		asid := uint16((h.Satp >> 44) & 0xffff)
		block, fault := h.m.cache.GetOrCompile(h, asid, h.PC)
		if fault != nil {
			h.PC = h.trap(fault)
			continue
		}

		if err := runBlock(h, block); err != nil {
			return err
		}
	}
}

// runBlock runs one cached block. A genuinely native block (b.native) is
// entered through the real codegen.go/translator.go machinery: CallBlockEntry
// transfers control straight into the arena at b.arenaEntry, possibly
// running a whole JMP-chained run of blocks before it RETs (translator.go's
// chain-patch tails), and leaves a packed 32-bit word in its return value —
// codegen.go's continueBit convention. Set, h.PC/h.Cycle/h.Instret are
// already correct in memory and runFiber's outer loop just redispatches.
// Clear, the low bits are a resume index into b.Insns: the native body
// covered a prefix of the block (or none of it, for a non-native landing
// pad) and execOne picks up from there, exactly as if nothing native had
// run at all.
func runBlock(h *HartContext, b *Block) error {
	start := 0
	if b.native && b.arenaEntry != 0 {
		result := amd64.CallBlockEntry(b.arenaEntry, unsafe.Pointer(h))
		if result&continueBit != 0 {
			return nil
		}
		start = int(result)
	}
	return interpretBlock(h, b, start)
}

// interpretBlock runs b.Insns[start:] through execOne, the same routine the
// step helper (spec.md §4.4) uses for single-instruction execution. This is
// the whole of block execution for a non-native block, and the tail end of
// a native one past whatever prefix codegen.go's fast path already retired.
func interpretBlock(h *HartContext, b *Block, start int) error {
	for _, insn := range b.Insns[start:] {
		nextPC, fault := execOne(h, insn)
		h.Cycle++
		if h.haltRequested {
			// A store to address zero halts the run per
			// Machine.haltOnZero's convention even when address zero
			// itself is unmapped and the store would otherwise fault.
			return ErrHalted
		}
		if fault != nil {
			h.PC = h.trap(fault)
			return nil
		}
		h.Instret++
		h.PC = nextPC

		if insn.Op == Wfi && h.WFI {
			return nil
		}
		if isBlockTerminator(insn.Op) {
			return nil
		}
	}
	return nil
}

// checkInterrupt implements spec.md §5's check_interrupt helper: it is
// consulted once per block boundary (never mid-block, so a block's
// instructions commit as an atomic unit with respect to interrupt
// delivery) and returns the highest-priority enabled, pending interrupt
// bit, if any.
func checkInterrupt(h *HartContext) (uint64, bool) {
	if h.Priv == PrivSupervisor && h.Sstatus&MstatusSIE == 0 {
		return 0, false
	}
	pending := h.PendingInterrupts.Load() & h.Sie
	switch {
	case pending&IntSExternal != 0:
		return IntSExternal, true
	case pending&IntSSoft != 0:
		return IntSSoft, true
	case pending&IntSTimer != 0:
		return IntSTimer, true
	default:
		return 0, false
	}
}

// waitForInterrupt parks a hart executing WFI until an interrupt becomes
// pending (regardless of sie/sstatus.SIE masking, per the ISA: WFI may
// wake on a masked-but-pending interrupt) or the context is cancelled. It
// returns false when the wait ended because of shutdown/cancellation
// rather than a real wake event.
func waitForInterrupt(ctx context.Context, h *HartContext) bool {
	const pollInterval = 200 * time.Microsecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if h.PendingInterrupts.Load() != 0 {
			h.WFI = false
			return true
		}
		if h.m.shutdown {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
