package dbt

// TLB is a direct-mapped software TLB, per spec.md §3/§4.2: an entry is
// valid iff its stored generation equals the TLB's current generation; an
// SFENCE or satp write bumps the generation rather than iterating entries
// ("bump-don't-iterate" per spec.md §9's cross-modifying-code note applied
// to invalidation rather than to code patching). iTLB and dTLB are
// separate instances (spec.md §3 "Separate iTLB and dTLB; dTLB
// distinguishes read-only and read-write mappings").
//
// Structure is grounded on rv64/mmu.go's TLBEntry/MMU.tlb array, extended
// with a generation counter and host-pointer caching a bus-indirected
// design would not need.
type TLB struct {
	entries    [tlbSize]TLBEntry
	generation uint64
}

const tlbSize = 256 // power of two; direct-mapped index is (vpn) & (tlbSize-1)

// Permission bits stored in a TLBEntry, independent of the guest PTE
// encoding so the fast path only needs one mask per access kind.
const (
	PermRead  uint8 = 1 << 0
	PermWrite uint8 = 1 << 1
	PermExec  uint8 = 1 << 2
	PermUser  uint8 = 1 << 3
)

// TLBEntry is the unit cached by TLB, per spec.md §3: "{ guest-virtual
// page tag, host-accessible base, permission bits, generation }".
type TLBEntry struct {
	valid      bool
	tag        uint64 // guest VPN
	hostBase   uintptr
	perm       uint8
	pageSize   uint64
	generation uint64
	asid       uint16
	global     bool
}

func (t *TLB) init() {
	t.generation = 1
}

// Bump invalidates every entry in O(1) by advancing the generation
// counter; entries are left with stale data but are never again observed
// as valid since lookups compare generations.
func (t *TLB) Bump() {
	t.generation++
}

func (t *TLB) index(vpn uint64) uint64 {
	return vpn & (tlbSize - 1)
}

// Lookup returns the cached entry for vpn/asid if present and current.
func (t *TLB) Lookup(vpn uint64, asid uint16) (TLBEntry, bool) {
	e := &t.entries[t.index(vpn)]
	if !e.valid || e.generation != t.generation || e.tag != vpn {
		return TLBEntry{}, false
	}
	if e.asid != asid && !e.global {
		return TLBEntry{}, false
	}
	return *e, true
}

// Insert caches a freshly walked translation.
func (t *TLB) Insert(vpn uint64, hostBase uintptr, perm uint8, pageSize uint64, asid uint16, global bool) {
	e := &t.entries[t.index(vpn)]
	*e = TLBEntry{
		valid:      true,
		tag:        vpn,
		hostBase:   hostBase,
		perm:       perm,
		pageSize:   pageSize,
		generation: t.generation,
		asid:       asid,
		global:     global,
	}
}

// hasPerm reports whether the cached entry satisfies the requested access.
func (e TLBEntry) hasPerm(want uint8) bool {
	return e.perm&want == want
}
