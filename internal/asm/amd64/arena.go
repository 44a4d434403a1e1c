//go:build linux && amd64

package amd64

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CodeArena is a single large region of executable memory that compiled
// basic blocks are bump-allocated into. Unlike PrepareAssemblyWithArgs,
// which mprotects each program's pages RX immediately after relocation,
// blocks placed in a CodeArena stay mapped PROT_READ|PROT_WRITE|PROT_EXEC
// for the arena's entire lifetime: the block translator patches call sites
// at the end of a block to jump directly into a sibling block once it has
// been compiled (chain patching), and that rewrite happens long after the
// block's own code was finalized and is already running on other harts.
//
// Every block placed in the same arena is within rel32 reach of every
// other block, so chain-patch call/jump targets never need an indirection
// through a pointer table.
type CodeArena struct {
	mem  []byte
	base uintptr

	mu  sync.Mutex
	off int
}

// NewCodeArena reserves size bytes of RWX memory. size should comfortably
// exceed the total code volume expected from the block cache; unlike a
// process heap, a CodeArena never grows, since growing would require
// copying to a new base address and invalidating every rel32 chain-patch
// already emitted.
func NewCodeArena(size int) (*CodeArena, error) {
	pageSize := unix.Getpagesize()
	size = ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code arena: %w", err)
	}

	return &CodeArena{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}, nil
}

// Close releases the arena. Any code pointers handed out by Place become
// invalid once this returns; callers must guarantee no hart is executing
// inside the arena.
func (a *CodeArena) Close() error {
	return unix.Munmap(a.mem)
}

// Base returns the arena's base address, used to check whether a given
// guest-block entry point is chain-patch reachable from another.
func (a *CodeArena) Base() uintptr {
	return a.base
}

// Size returns the total capacity of the arena in bytes.
func (a *CodeArena) Size() int {
	return len(a.mem)
}

// Place copies code into the arena at a 16-byte aligned offset, applying
// relocations (absolute addresses already encoded relative to offset 0 in
// code, per asm.Program.Relocations) against the arena's base address, and
// returns the entry point.
func (a *CodeArena) Place(code []byte, relocations []int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := (a.off + 15) &^ 15
	if start+len(code) > len(a.mem) {
		return 0, fmt.Errorf("code arena exhausted: need %d bytes, have %d of %d free", len(code), len(a.mem)-start, len(a.mem))
	}

	dst := a.mem[start : start+len(code)]
	copy(dst, code)

	entry := a.base + uintptr(start)
	for _, reloc := range relocations {
		if reloc < 0 || reloc+8 > len(dst) {
			return 0, fmt.Errorf("code arena relocation offset %d out of range", reloc)
		}
		value := binary.LittleEndian.Uint64(dst[reloc:])
		binary.LittleEndian.PutUint64(dst[reloc:], value+uint64(entry))
	}

	a.off = start + len(code)
	return entry, nil
}

// PatchCall atomically rewrites a previously emitted 5-byte relative CALL
// (opcode 0xE8) at siteOffset into a 5-byte relative JMP (opcode 0xE9)
// targeting dest, or vice versa. The two opcodes differ only in their
// first byte, so the rewrite is a single aligned 8-byte store when
// siteOffset is 8-byte aligned, which a correctly sized block epilogue
// guarantees; on x86-64 that store is atomically visible to other harts
// without any additional synchronization, so a hart mid-flight through the
// arena either sees the old call or the new jump, never a torn instruction.
func (a *CodeArena) PatchCall(siteOffset int, opcode byte, dest uintptr) error {
	if siteOffset < 0 || siteOffset+5 > len(a.mem) {
		return fmt.Errorf("patch site offset %d out of range", siteOffset)
	}

	rel := int64(dest) - int64(a.base+uintptr(siteOffset)+5)
	if rel < -(1<<31) || rel >= (1<<31) {
		return fmt.Errorf("chain patch target out of rel32 range: %d", rel)
	}

	var word [8]byte
	word[0] = opcode
	binary.LittleEndian.PutUint32(word[1:5], uint32(int32(rel)))
	// Preserve whatever follows the 5-byte instruction within the same
	// 8-byte window so the atomic store doesn't clobber neighboring bytes.
	copy(word[5:], a.mem[siteOffset+5:siteOffset+8])

	target := (*uint64)(unsafe.Pointer(&a.mem[siteOffset]))
	atomic.StoreUint64(target, binary.LittleEndian.Uint64(word[:]))
	return nil
}
