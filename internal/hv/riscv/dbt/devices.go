package dbt

import (
	"fmt"

	"github.com/rv64dbt/rv64dbt/internal/hv"
)

// RegisterDevice records a device already Init'd by the hv adapter
// (internal/hv/riscv/riscv.go's AddDevice calls dev.Init(vm) against
// itself, since only the adapter — not Machine — satisfies hv.
// VirtualMachine, then forwards here). Device *models* (block/console/
// net/RNG/9P/RTC/interrupt controllers, VirtIO transport) are explicitly
// out of scope for this core (spec.md §1) — this registry is the narrow
// extension point spec.md's external-interfaces section names, not an
// implementation of any specific device.
func (m *Machine) RegisterDevice(dev hv.Device) error {
	if mmio, ok := dev.(hv.MemoryMappedIODevice); ok {
		for _, r := range mmio.MMIORegions() {
			if r.Address < m.memBase+uint64(len(m.mem)) && r.Address+r.Size > m.memBase {
				return fmt.Errorf("rv64dbt: device MMIO region 0x%x+0x%x overlaps guest RAM", r.Address, r.Size)
			}
		}
	}
	m.devices = append(m.devices, dev)
	return nil
}

// Devices returns every registered device, in registration order.
func (m *Machine) Devices() []hv.Device {
	return m.devices
}

// tryMMIOLoad/tryMMIOStore are the fallback execLoad/execStore reach for
// once TranslateLoad/TranslateStore have already reported an access
// fault. They only resolve addresses reachable without a page-table walk
// (SATP off, or M-mode access not redirected by MPRV) — a guest mapping
// virtual MMIO through Sv39/Sv48 page tables is beyond what this
// dispatch attempts, since a full device/VirtIO transport layer is out
// of scope (spec.md §1) and nothing here needs more than early-boot,
// identity-mapped MMIO access to exercise the extension point.
func (m *Machine) tryMMIOLoad(h *HartContext, vaddr uint64, size int) (uint64, bool) {
	if !h.mmu.identityMapped() || len(m.devices) == 0 {
		return 0, false
	}
	buf := make([]byte, size)
	if !m.mmioDispatch(vaddr, buf, false) {
		return 0, false
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, true
}

func (m *Machine) tryMMIOStore(h *HartContext, vaddr uint64, size int, val uint64) bool {
	if !h.mmu.identityMapped() || len(m.devices) == 0 {
		return false
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	return m.mmioDispatch(vaddr, buf, true)
}

// mmioDispatch routes a physical address outside guest RAM to a
// registered MemoryMappedIODevice, if any region claims it. Called by
// tryMMIOLoad/tryMMIOStore, themselves reached from interp.go's execLoad/
// execStore only after the MMU has already reported an access fault for
// a RAM-range miss: MMIO addresses have no constant host-pointer
// representation and so are never cached in a TLB entry.
func (m *Machine) mmioDispatch(paddr uint64, data []byte, write bool) bool {
	for _, dev := range m.devices {
		mmio, ok := dev.(hv.MemoryMappedIODevice)
		if !ok {
			continue
		}
		for _, r := range mmio.MMIORegions() {
			if paddr < r.Address || paddr+uint64(len(data)) > r.Address+r.Size {
				continue
			}
			if write {
				return mmio.WriteMMIO(paddr, data) == nil
			}
			return mmio.ReadMMIO(paddr, data) == nil
		}
	}
	return false
}
