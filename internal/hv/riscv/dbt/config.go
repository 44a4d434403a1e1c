package dbt

// MachineConfig parameterises NewMachine, serialised with gopkg.in/
// yaml.v3: a plain struct with yaml tags, no code-generated schema,
// validated by hand in NewMachine rather than through a separate
// struct-tag validation library.
type MachineConfig struct {
	// MemorySize is the size, in bytes, of the flat guest physical RAM
	// region. Required; NewMachine rejects zero.
	MemorySize uint64 `yaml:"memory_size"`

	// MemoryBase is the guest physical address RAM starts at. Guest
	// physical addresses below this (or at/above MemoryBase+MemorySize)
	// resolve to an access fault rather than silently wrapping.
	MemoryBase uint64 `yaml:"memory_base"`

	// HartCount is the number of harts to create. Defaults to 1 when
	// zero/unset.
	HartCount int `yaml:"hart_count"`

	// CodeArenaSize is the size, in bytes, of the shared executable
	// region block shims are placed into (translator.go). Defaults to a
	// conservative 16 MiB when unset — comfortably more than any
	// reasonable test workload's block count needs, since each shim is
	// only a handful of bytes.
	CodeArenaSize int `yaml:"code_arena_size"`

	// TimerHz is the rate, in Hz, at which the internal mtime heartbeat
	// advances (timer.go). Defaults to 10,000,000 (10 MHz), a conventional
	// CLINT rate.
	TimerHz int `yaml:"timer_hz"`
}

// DefaultMachineConfig returns a MachineConfig with every optional field
// set to its documented default, for callers that want a sensible
// starting point before overriding individual fields (mirroring the
// teacher's DefaultSiteConfig-style constructors).
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MemorySize:    128 << 20,
		MemoryBase:    0x8000_0000,
		HartCount:     1,
		CodeArenaSize: 16 << 20,
		TimerHz:       10_000_000,
	}
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.HartCount == 0 {
		c.HartCount = 1
	}
	if c.CodeArenaSize == 0 {
		c.CodeArenaSize = 16 << 20
	}
	if c.TimerHz == 0 {
		c.TimerHz = 10_000_000
	}
	return c
}
