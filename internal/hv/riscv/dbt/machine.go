package dbt

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/rv64dbt/rv64dbt/internal/asm/amd64"
	"github.com/rv64dbt/rv64dbt/internal/hv"
)

// Machine is the top-level object spec.md §3 calls out implicitly as the
// owner of guest physical memory and the per-hart array: "flat guest
// physical memory array ... N hart contexts". It is the thing
// internal/hv/riscv/riscv.go's hv.VirtualMachine adapter wraps.
type Machine struct {
	mem     []byte
	memBase uint64

	harts       []*HartContext
	floatKernel FloatKernel

	cache *BlockCache
	arena *amd64.CodeArena

	timer *Timer

	devices []hv.Device

	log *slog.Logger

	shutdown   bool
	haltOnZero bool
}

// EnableHaltOnStoreZero causes a store to guest physical address zero to
// end Machine.Run with ErrHalted. Grounded on ccvm's EnableStopOnZero: a
// bare-metal guest with no real halt device signals completion this way.
func (m *Machine) EnableHaltOnStoreZero() {
	m.haltOnZero = true
}

// NewMachine allocates guest physical memory and N hart contexts per cfg,
// grounded on ccvm.NewMachine's construction order (allocate memory,
// then CPUs, then wire cross-references) adapted to this core's MMU/
// TLB/block-cache machinery instead of ccvm's interpreter-only loop.
func NewMachine(cfg MachineConfig, logger *slog.Logger) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MemorySize == 0 {
		return nil, fmt.Errorf("rv64dbt: MachineConfig.MemorySize must be nonzero")
	}
	cfg = cfg.withDefaults()

	arena, err := amd64.NewCodeArena(cfg.CodeArenaSize)
	if err != nil {
		return nil, fmt.Errorf("rv64dbt: allocate code arena: %w", err)
	}

	m := &Machine{
		mem:         make([]byte, cfg.MemorySize),
		memBase:     cfg.MemoryBase,
		floatKernel: DefaultFloatKernel{},
		cache:       NewBlockCache(arena),
		arena:       arena,
		timer:       NewTimer(cfg.TimerHz),
		log:         logger,
	}

	m.harts = make([]*HartContext, cfg.HartCount)
	for i := range m.harts {
		m.harts[i] = NewHartContext(i, m)
	}

	m.log.Info("machine created", "harts", cfg.HartCount, "memory_bytes", cfg.MemorySize)
	return m, nil
}

// Hart returns the hart context for id, panicking on an out-of-range id
// since callers (the hv adapter) only ever index by a VCPU count this
// Machine itself reported.
func (m *Machine) Hart(id int) *HartContext { return m.harts[id] }

func (m *Machine) HartCount() int { return len(m.harts) }

// MemorySize and MemoryBase report the flat guest physical RAM region's
// extent, backing hv.VirtualMachine's identically named methods.
func (m *Machine) MemorySize() uint64 { return uint64(len(m.mem)) }
func (m *Machine) MemoryBase() uint64 { return m.memBase }

// ReadAt/WriteAt give the hv adapter (and test setup) io.ReaderAt/
// io.WriterAt access to guest physical memory by absolute guest physical
// address, fulfilling hv.VirtualMachine's embedded io interfaces the same
// way ccvm.Machine exposes its own backing store.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < m.memBase {
		return 0, fmt.Errorf("rv64dbt: read at 0x%x below memory base 0x%x", off, m.memBase)
	}
	rel := uint64(off) - m.memBase
	if rel >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("rv64dbt: read at 0x%x past end of memory", off)
	}
	n := copy(p, m.mem[rel:])
	if n < len(p) {
		return n, fmt.Errorf("rv64dbt: short read at 0x%x", off)
	}
	return n, nil
}

func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) < m.memBase {
		return 0, fmt.Errorf("rv64dbt: write at 0x%x below memory base 0x%x", off, m.memBase)
	}
	rel := uint64(off) - m.memBase
	if rel >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("rv64dbt: write at 0x%x past end of memory", off)
	}
	n := copy(m.mem[rel:], p)
	if n < len(p) {
		return n, fmt.Errorf("rv64dbt: short write at 0x%x", off)
	}
	return n, nil
}

// Close releases the machine's host-side resources (the executable code
// arena). Guest memory is ordinary Go-GC'd memory and needs no explicit
// release.
func (m *Machine) Close() error {
	return m.arena.Close()
}

// Run executes every hart concurrently until one returns ErrHalted/
// ErrShutdown or the context is cancelled, using golang.org/x/sync/
// errgroup the way a multi-worker build pipeline fans out over
// errgroup.Group — one goroutine per hart, the group's first error
// cancels the shared context and is returned.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	m.timer.Start(ctx, m)

	for _, h := range m.harts {
		h := h
		g.Go(func() error {
			return runFiber(ctx, h)
		})
	}

	return g.Wait()
}

// RequestShutdown is the cooperative-stop path the fiber loop observes at
// its next block boundary; called by a device model or the host's signal
// handler, never by guest code directly.
func (m *Machine) RequestShutdown() {
	m.shutdown = true
	for _, h := range m.harts {
		h.PostInterrupt(0) // sets no bit; a parked WFI sees m.shutdown on its next poll
	}
}

// mtime backs the time CSR (csr.go), fed by the timer heartbeat.
func (m *Machine) mtime() uint64 {
	return m.timer.Now()
}

// readPhys64/writePhys64 implement the page-table-walk accessors mmu.go's
// walkPageTable calls; they operate on the same flat guest-physical slice
// hostBaseForPhysical resolves data accesses against, so a malicious or
// buggy guest page table pointing outside RAM fails exactly like an
// out-of-range load/store would.
func (m *Machine) readPhys64(paddr uint64) (uint64, bool) {
	off := paddr - m.memBase
	if paddr < m.memBase || off+8 > uint64(len(m.mem)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.mem[off : off+8]), true
}

func (m *Machine) writePhys64(paddr uint64, val uint64) bool {
	off := paddr - m.memBase
	if paddr < m.memBase || off+8 > uint64(len(m.mem)) {
		return false
	}
	binary.LittleEndian.PutUint64(m.mem[off:off+8], val)
	return true
}

// LoadImage copies a guest binary image into physical memory starting at
// paddr, used by test setup and by the hv adapter's boot path (firmware/
// kernel placement is out of scope per spec.md §1, but something has to
// put bytes in memory for the fiber to execute).
func (m *Machine) LoadImage(paddr uint64, image []byte) error {
	off := paddr - m.memBase
	if paddr < m.memBase || off+uint64(len(image)) > uint64(len(m.mem)) {
		return fmt.Errorf("rv64dbt: image at 0x%x (len %d) does not fit in guest memory", paddr, len(image))
	}
	copy(m.mem[off:], image)
	return nil
}

// handleMisalignedLoad/handleMisalignedStore implement spec.md §5's
// read_misalign/write_misalign helpers: a load or store whose address
// range spans two pages cannot be served by a single TLB-resolved host
// pointer, so it is decomposed into per-byte translated accesses. This is
// the slow path by construction — translated code's inline fast path
// never calls it directly; it is reached only through execLoad/execStore/
// execLoadFP/execStoreFP's crossesPage check.
func (m *Machine) handleMisalignedLoad(h *HartContext, vaddr uint64, size int) (uint64, *Fault) {
	var buf [8]byte
	for i := 0; i < size; i++ {
		ptr, fault := h.mmu.TranslateLoad(vaddr+uint64(i), 1)
		if fault != nil {
			return 0, fault
		}
		buf[i] = *(*byte)(unsafe.Pointer(ptr))
	}
	return binary.LittleEndian.Uint64(buf[:]) & sizeMask(size), nil
}

func (m *Machine) handleMisalignedStore(h *HartContext, vaddr uint64, size int, val uint64) *Fault {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	for i := 0; i < size; i++ {
		ptr, fault := h.mmu.TranslateStore(vaddr+uint64(i), 1)
		if fault != nil {
			return fault
		}
		*(*byte)(unsafe.Pointer(ptr)) = buf[i]
	}
	return nil
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}
