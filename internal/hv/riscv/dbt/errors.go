package dbt

import (
	"errors"
	"fmt"
)

// Host-fatal and control-flow sentinel errors. Guest-visible faults are
// never represented this way — they are committed into hart CSR state by
// the trap helper and never surface as a Go error (see trap.go).
var (
	// ErrHalted is returned by Machine.Run/VirtualCPU.Run when a hart
	// executed a guest instruction that requests the VM stop cleanly
	// (a write to the conventional halt address). An explicit shutdown
	// returns ErrShutdown instead.
	ErrHalted = errors.New("rv64dbt: virtual machine halted")

	// ErrShutdown is returned by the fiber loop (runFiber, including a hart
	// parked in WFI) once a cooperative shutdown request has been posted;
	// it unwinds the fiber at a block boundary.
	ErrShutdown = errors.New("rv64dbt: shutdown requested")

	// ErrCodeArenaExhausted is a host-resource error (spec category
	// "Host resource error"): the shared code arena backing the block
	// cache has no room left for a newly compiled block.
	ErrCodeArenaExhausted = errors.New("rv64dbt: code arena exhausted")

	// ErrUnsupportedExtension names a request for an ISA extension this
	// core does not implement (vector, hypervisor, debug) — a Non-goal, not
	// a guest-visible fault. No function in this package returns it.
	ErrUnsupportedExtension = errors.New("rv64dbt: unsupported ISA extension")
)

// SanFailError is the host panic raised by the debug-only san_fail helper:
// it should be unreachable in correct translated code. codegen.go's
// mustEmit is the real call site — a compile-time-known fragment list
// that fails to assemble means this package produced a malformed native
// body, never that guest or host data was bad.
type SanFailError struct {
	PC     uint64
	Detail string
}

func (e *SanFailError) Error() string {
	return fmt.Sprintf("rv64dbt: san_fail reached at pc=0x%x, translated code invariant violated: %s", e.PC, e.Detail)
}
