// Package platform describes the fixed qemu-virt hardware this loader
// targets. Unlike a general-purpose VMM that probes or negotiates its
// topology, stage-2 runs on a single known board, so this is a constant
// record with a validity check rather than a discovery routine.
package platform

import "fmt"

// Platform identifies which board a Hardware record describes. It is the
// tag carried into the hand-off record's hardware_platform field, not just
// an internal discriminator.
type Platform uint64

const (
	PlatformUnknown Platform = 0
	PlatformQEMUVirt Platform = 1
)

func (p Platform) String() string {
	switch p {
	case PlatformQEMUVirt:
		return "qemu_virt"
	default:
		return "unknown"
	}
}

// Hardware is the complete, fixed description of the qemu-virt RISC-V64
// board this loader supports.
type Hardware struct {
	Platform    Platform
	CPUCount    uint32
	UARTBase    uint64
	UARTIRQ     uint32
	VirtioBase  uint64
	VirtioIRQ   uint32
	PLICBase    uint64
	MemoryBase  uint64
	MemorySize  uint64
}

// QEMUVirt is the single hardware record this loader ever produces.
func QEMUVirt() Hardware {
	return Hardware{
		Platform:   PlatformQEMUVirt,
		CPUCount:   1,
		UARTBase:   0x1000_0000,
		UARTIRQ:    10,
		VirtioBase: 0x1000_1000,
		VirtioIRQ:  1,
		PLICBase:   0x0C00_0000,
		MemoryBase: 0x8000_0000,
		MemorySize: 128 * 1024 * 1024,
	}
}

// Validate rejects a Hardware record that could not possibly describe a
// bootable qemu-virt machine: an unrecognized platform tag, no CPUs, a
// sub-64MiB RAM window, or a UART at address zero (indistinguishable from
// an unset field).
func (h Hardware) Validate() error {
	if h.Platform == PlatformUnknown {
		return fmt.Errorf("platform: platform tag is unknown")
	}
	if h.CPUCount == 0 {
		return fmt.Errorf("platform: cpu_count is zero")
	}
	if h.MemorySize < 64*1024*1024 {
		return fmt.Errorf("platform: memory_size %d below 64MiB minimum", h.MemorySize)
	}
	if h.UARTBase == 0 {
		return fmt.Errorf("platform: uart_base is zero")
	}
	return nil
}
