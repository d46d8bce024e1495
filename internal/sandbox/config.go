package sandbox

import (
	"fmt"
	"time"
)

// DefaultMemoryMiB and DefaultVCPUCount are the defaults named in spec.md §3.
const (
	DefaultMemoryMiB  = 256
	DefaultVCPUCount  = 2
)

// Config carries the immutable creation parameters for a Sandbox
// (spec.md §3). ChannelID is assigned by an Allocator, never by the
// caller.
type Config struct {
	KernelPath       string
	RootfsPath       string
	HypervisorBinary string
	WorkDirRoot      string
	MemoryMiB        int
	VCPUCount        int
	Timeout          time.Duration // optional per-operation timeout; zero means none
	ChannelID        uint32
}

// WithDefaults returns a copy of c with zero-valued MemoryMiB/VCPUCount
// filled in from the documented defaults.
func (c Config) WithDefaults() Config {
	if c.MemoryMiB == 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}
	if c.VCPUCount == 0 {
		c.VCPUCount = DefaultVCPUCount
	}
	return c
}

// Validate checks the invariants named in spec.md §3: non-empty paths,
// positive numeric fields, ChannelID >= 3. Callers run it after
// WithDefaults, so zero MemoryMiB/VCPUCount have already been defaulted.
func (c Config) Validate() error {
	if c.KernelPath == "" {
		return fmt.Errorf("kernel path is required")
	}
	if c.RootfsPath == "" {
		return fmt.Errorf("rootfs path is required")
	}
	if c.HypervisorBinary == "" {
		return fmt.Errorf("hypervisor binary path is required")
	}
	if c.WorkDirRoot == "" {
		return fmt.Errorf("working directory root is required")
	}
	if c.MemoryMiB <= 0 {
		return fmt.Errorf("memory_mib must be > 0")
	}
	if c.VCPUCount <= 0 {
		return fmt.Errorf("vcpu_count must be > 0")
	}
	if c.ChannelID < 3 {
		return fmt.Errorf("channel id must be >= 3")
	}
	return nil
}
