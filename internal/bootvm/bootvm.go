// Package bootvm is the hand-off boundary between this loader and whatever
// host executes the RISC-V64 guest: a VirtualCPU the loader configures and
// then calls Run on, standing in for "jump to kernel entry with satp=0 and
// interrupts disabled" without resorting to unsafe or assembly. It is
// grounded on the teacher's internal/hv package — the same
// Register/RegisterValue/VirtualCPU shape, trimmed to the RISC-V64
// registers this loader actually sets (x10/x11/pc/satp) and with the
// multi-hypervisor factory machinery removed, since stage-2 only ever
// targets qemu-virt.
package bootvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/rvboot/internal/mem"
)

// Register identifies one RISC-V64 vCPU register this loader can set.
type Register int

const (
	RegisterX10 Register = iota // a0: hart id
	RegisterX11                 // a1: hand-off record physical address
	RegisterPC                  // pc: kernel entry point
	RegisterSATP                // satp: must be 0 (MMU off) at entry
)

func (r Register) String() string {
	switch r {
	case RegisterX10:
		return "x10"
	case RegisterX11:
		return "x11"
	case RegisterPC:
		return "pc"
	case RegisterSATP:
		return "satp"
	default:
		return fmt.Sprintf("register(%d)", int(r))
	}
}

// RegisterValue is a 64-bit register value, mirroring the teacher's
// RegisterValue/Register64 split even though this loader only ever deals
// in one width — it keeps the VirtualCPU interface shape recognizable to
// anyone who has read the teacher's hv package.
type RegisterValue interface {
	isRegisterValue()
}

// Register64 is the only RegisterValue implementation this loader needs.
type Register64 uint64

func (Register64) isRegisterValue() {}

// VirtualCPU is the seam the loader's final hand-off writes through. A
// real embedder backs this with whatever sets guest register state for
// its hypervisor (KVM ioctl, a software emulator's CPU struct, ...); the
// loader itself only ever calls SetRegisters once, with exactly the
// registers the boot ABI specifies, and then Run.
type VirtualCPU interface {
	SetRegisters(map[Register]RegisterValue) error
	GetRegisters(regs []Register) (map[Register]RegisterValue, error)
	Run(ctx context.Context) error
}

// VirtualMachine exposes the guest's physical memory and its single vCPU.
// The loader never needs more than one vCPU: RISC-V virt is modeled here
// as strictly single-hart, matching spec's single-threaded execution model.
type VirtualMachine interface {
	Memory() mem.GuestMemory
	CPU() VirtualCPU
	MemoryBase() uint64
	MemorySize() uint64
}

// RecordedVCPU is an in-process VirtualCPU that just remembers whatever
// registers were set and reports Run as a completed jump — used by the
// stage2run harness and by tests that need to assert on the final
// hand-off without a real hypervisor underneath.
type RecordedVCPU struct {
	regs map[Register]RegisterValue
	ran  bool
}

// NewRecordedVCPU returns a RecordedVCPU with no registers set.
func NewRecordedVCPU() *RecordedVCPU {
	return &RecordedVCPU{regs: make(map[Register]RegisterValue)}
}

func (v *RecordedVCPU) SetRegisters(regs map[Register]RegisterValue) error {
	for r, val := range regs {
		v.regs[r] = val
	}
	return nil
}

func (v *RecordedVCPU) GetRegisters(regs []Register) (map[Register]RegisterValue, error) {
	out := make(map[Register]RegisterValue, len(regs))
	for _, r := range regs {
		val, ok := v.regs[r]
		if !ok {
			return nil, fmt.Errorf("bootvm: register %s was never set", r)
		}
		out[r] = val
	}
	return out, nil
}

func (v *RecordedVCPU) Run(ctx context.Context) error {
	if _, ok := v.regs[RegisterPC]; !ok {
		return fmt.Errorf("bootvm: cannot run with no pc set")
	}
	v.ran = true
	return nil
}

// Ran reports whether Run has been called.
func (v *RecordedVCPU) Ran() bool { return v.ran }
