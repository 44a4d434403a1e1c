// Package riscv adapts dbt.Machine to the hv.Hypervisor/hv.VirtualMachine/
// hv.VirtualCPU contracts so callers outside this module never see dbt
// types directly.
package riscv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rv64dbt/rv64dbt/internal/hv"
	"github.com/rv64dbt/rv64dbt/internal/hv/riscv/dbt"
)

type hypervisor struct{}

type virtualMachine struct {
	hv         *hypervisor
	machine    *dbt.Machine
	vcpus      []*virtualCPU
	memoryBase uint64

	// runOnce ensures dbt.Machine.Run (which drives every hart
	// concurrently via its own errgroup) is only ever entered once, no
	// matter how many vCPUs' Run methods get called; runErr is the
	// shared result every caller observes.
	runOnce sync.Once
	runErr  error
}

type virtualCPU struct {
	vm *virtualMachine
	id int
}

// Open constructs the RV64GC DBT hypervisor backend.
func Open() (hv.Hypervisor, error) {
	return &hypervisor{}, nil
}

func (h *hypervisor) Close() error {
	return nil
}

func (h *hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureRISCV64
}

func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config == nil {
		return nil, fmt.Errorf("riscv: VMConfig is nil")
	}

	cfg := dbt.DefaultMachineConfig()
	if n := config.CPUCount(); n > 0 {
		cfg.HartCount = n
	}
	if sz := config.MemorySize(); sz != 0 {
		cfg.MemorySize = sz
	}
	if base := config.MemoryBase(); base != 0 {
		cfg.MemoryBase = base
	}

	machine, err := dbt.NewMachine(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("riscv: create machine: %w", err)
	}
	machine.EnableHaltOnStoreZero()

	vm := &virtualMachine{
		hv:         h,
		machine:    machine,
		memoryBase: machine.MemoryBase(),
	}
	vm.vcpus = make([]*virtualCPU, machine.HartCount())
	for i := range vm.vcpus {
		vm.vcpus[i] = &virtualCPU{vm: vm, id: i}
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(vm); err != nil {
			return nil, fmt.Errorf("riscv: VM callback OnCreateVM: %w", err)
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("riscv: load VM: %w", err)
		}
	}

	if cb := config.Callbacks(); cb != nil {
		for _, vcpu := range vm.vcpus {
			if err := cb.OnCreateVCPU(vcpu); err != nil {
				return nil, fmt.Errorf("riscv: VM callback OnCreateVCPU: %w", err)
			}
		}
	}

	return vm, nil
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) MemorySize() uint64        { return v.machine.MemorySize() }
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }

func (v *virtualMachine) Close() error {
	return v.machine.Close()
}

// Run drives every hart concurrently via dbt.Machine.Run; cfg.Run is
// invoked against vCPU 0 only, matching hv.RunConfig's single-callback
// shape — additional harts (if any) run in the background for the
// duration of cfg.Run's own blocking Run call on vCPU 0.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("riscv: RunConfig is nil")
	}
	if len(v.vcpus) == 0 {
		return fmt.Errorf("riscv: virtual machine has no vCPUs")
	}
	return cfg.Run(ctx, v.vcpus[0])
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id < 0 || id >= len(v.vcpus) {
		return fmt.Errorf("riscv: vCPU %d out of range (have %d)", id, len(v.vcpus))
	}
	return f(v.vcpus[id])
}

func (v *virtualMachine) AddDevice(dev hv.Device) error {
	if err := dev.Init(v); err != nil {
		return fmt.Errorf("riscv: device init: %w", err)
	}
	return v.machine.RegisterDevice(dev)
}

func (v *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	return v.machine.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	return v.machine.WriteAt(p, off)
}

// implements hv.VirtualCPU.
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *virtualCPU) ID() int                           { return v.id }

func (v *virtualCPU) hart() *dbt.HartContext {
	return v.vm.machine.Hart(v.id)
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, value := range regs {
		val64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("riscv: unsupported register value type %T", value)
		}

		h := v.hart()
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			idx := uint32(reg - hv.RegisterRISCVX0)
			h.WriteX(idx, uint64(val64))
		case reg == hv.RegisterRISCVPc:
			h.PC = uint64(val64)
		case reg == hv.RegisterRISCVSatp:
			h.Satp = uint64(val64)
		case reg == hv.RegisterRISCVSstatus:
			h.Sstatus = uint64(val64)
		case reg == hv.RegisterRISCVSepc:
			h.Sepc = uint64(val64)
		case reg == hv.RegisterRISCVScause:
			h.Scause = uint64(val64)
		default:
			return fmt.Errorf("riscv: unsupported register %v", reg)
		}
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	h := v.hart()
	for reg := range regs {
		switch {
		case reg >= hv.RegisterRISCVX0 && reg <= hv.RegisterRISCVX31:
			idx := uint32(reg - hv.RegisterRISCVX0)
			regs[reg] = hv.Register64(h.ReadX(idx))
		case reg == hv.RegisterRISCVPc:
			regs[reg] = hv.Register64(h.PC)
		case reg == hv.RegisterRISCVSatp:
			regs[reg] = hv.Register64(h.Satp)
		case reg == hv.RegisterRISCVSstatus:
			regs[reg] = hv.Register64(h.Sstatus)
		case reg == hv.RegisterRISCVSepc:
			regs[reg] = hv.Register64(h.Sepc)
		case reg == hv.RegisterRISCVScause:
			regs[reg] = hv.Register64(h.Scause)
		default:
			return fmt.Errorf("riscv: unsupported register %v", reg)
		}
	}
	return nil
}

func (v *virtualCPU) Run(ctx context.Context) error {
	v.vm.runOnce.Do(func() {
		v.vm.runErr = v.vm.machine.Run(ctx)
	})
	err := v.vm.runErr
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dbt.ErrHalted):
		return hv.ErrVMHalted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return hv.ErrInterrupted
	default:
		return err
	}
}

var (
	_ hv.Hypervisor     = &hypervisor{}
	_ hv.VirtualCPU     = &virtualCPU{}
	_ hv.VirtualMachine = &virtualMachine{}
)
