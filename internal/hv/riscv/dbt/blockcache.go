package dbt

import (
	"sync"

	"github.com/rv64dbt/rv64dbt/internal/asm/amd64"
)

// Block is a decoded basic block: the run of instructions starting at
// StartPC up to and including the first control-flow instruction (branch,
// jump, system, AMO/LR/SC, or an instruction that can fault in a way the
// fast path must not speculate past). Caching at this granularity is what
// lets the fiber avoid re-running Decode on every hart pass over a hot
// loop body (spec.md §5's "basic-block translator").
type Block struct {
	StartPC  uint64
	Insns    []Instruction
	Len      uint64 // total encoded byte length of the block, PC range [StartPC, StartPC+Len)

	// arenaEntry is the host-reachable entry point of this block's placed
	// body (translator.go): either a genuine native translation or, when
	// native is false, a plain landing pad a predecessor's chain-patched
	// JMP can still target. native reports which, and is what runBlock
	// (fiber.go) checks to decide whether to call into the arena at all.
	arenaEntry uintptr
	native     bool
}

// BlockCache maps a guest (ASID, StartPC) pair to its compiled Block.
// Grounded on content-addressed artifact caches elsewhere in this stack
// (e.g. cmd/ccapp's build-output cache keyed by content hash): lookups are
// lock-free via sync.Map, matching spec.md §3's "content/address-indexed;
// lock-free lookup (e.g. via atomic pointer or concurrent map), mutex-
// protected insert to avoid duplicate compiles of the same block".
type BlockCache struct {
	m        sync.Map // blockKey -> *Block
	insertMu sync.Mutex
	arena    *amd64.CodeArena

	pendingMu sync.Mutex
	pending   map[blockKey][]pendingPatch
}

type blockKey struct {
	asid uint16
	pc   uint64
}

func NewBlockCache(arena *amd64.CodeArena) *BlockCache {
	return &BlockCache{arena: arena, pending: make(map[blockKey][]pendingPatch)}
}

// Lookup returns the cached block for (asid, pc), if present.
func (c *BlockCache) Lookup(asid uint16, pc uint64) (*Block, bool) {
	v, ok := c.m.Load(blockKey{asid, pc})
	if !ok {
		return nil, false
	}
	return v.(*Block), true
}

// GetOrCompile returns the cached block for (asid, pc), compiling and
// inserting it if absent. The insert path is mutex-guarded so two harts
// racing on the same never-before-seen block compile it only once;
// readers that already found a cached entry never take the lock. This
// miss path plays the role of the icache_miss/translate_cache_miss
// helpers: a lookup failure here is what triggers compileBlock rather
// than a tight interpreter loop ever probing the cache itself. A miss
// whose fetch runs past a page boundary mid-block (fetchInsn hitting a
// second page's translation) is icache_cross_miss's case — compileBlock
// handles it the same way, just another TranslateLoad in the fetch loop.
func (c *BlockCache) GetOrCompile(h *HartContext, asid uint16, pc uint64) (*Block, *Fault) {
	if b, ok := c.Lookup(asid, pc); ok {
		return b, nil
	}

	c.insertMu.Lock()
	defer c.insertMu.Unlock()

	if b, ok := c.Lookup(asid, pc); ok {
		return b, nil
	}

	b, fault := compileBlock(h, asid, pc)
	if fault != nil {
		return nil, fault
	}
	c.m.Store(blockKey{asid, pc}, b)
	if b.arenaEntry != 0 {
		c.resolvePendingPatches(asid, pc, b.arenaEntry)
	}
	return b, nil
}

// Flush invalidates every cached block, used when guest code has been
// self-modified (spec.md §9's cross-modifying-code note) or a new guest
// image is loaded over existing translations. Per spec.md's "bump-don't-
// iterate" philosophy this would ideally be an epoch bump rather than a
// full sweep, but sync.Map has no native generation counter, so a flush
// here really does delete every key in turn — acceptable because flush is an
// explicit, rare, cooperative event (never on the per-block hot path
// invalidation already handled by TLB generations).
func (c *BlockCache) Flush() {
	c.m.Range(func(key, _ any) bool {
		c.m.Delete(key)
		return true
	})
}
