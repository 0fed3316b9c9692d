// Package handoff implements the stage-2 loader's final work product: the
// boot-info record the kernel reads at entry, and the state machine that
// guarantees it is only ever handed off fully populated. It is grounded on
// the teacher's riscv64.BootPlan.ConfigureVCPU (the direct model for
// Jump's register-setting contract) and on original_source's boot_info.c,
// which fixed the record's field order, magic, and version this package
// reproduces.
package handoff

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/rvboot/internal/bootvm"
	"github.com/tinyrange/rvboot/internal/devdesc"
	"github.com/tinyrange/rvboot/internal/mem"
	"github.com/tinyrange/rvboot/internal/platform"
)

// Magic and Version are fixed wire constants the kernel checks before
// trusting the rest of the record. Every field in Record is 64-bit
// little-endian, Version included, so the wire layout never has to account
// for narrower fields or padding.
const (
	Magic   uint64 = 0x52495343564B5256
	Version uint64 = 1
)

// reservedWords is the length, in uint64 words, of the record's trailing
// reserved span — room for the kernel ABI to grow without moving any
// existing field's offset.
const reservedWords = 8

// State is the record's lifecycle. Each Setup* method advances it by
// exactly one step; calling one out of order is a programming error in
// the boot sequence, not a recoverable runtime condition, and returns an
// error rather than silently clobbering a later field.
type State uint32

const (
	StateZeroed State = iota
	StateInitialized
	StateKernelLinked
	StateDeviceDescribed
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateZeroed:
		return "zeroed"
	case StateInitialized:
		return "initialized"
	case StateKernelLinked:
		return "kernel-linked"
	case StateDeviceDescribed:
		return "device-described"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Record is the fixed-order, fixed-width hand-off structure the loader
// writes into guest memory and points the kernel at via x11.
type Record struct {
	state State

	Magic     uint64
	Version   uint64
	HartCount uint64

	MemoryBase uint64
	MemorySize uint64

	VirtioMMIOBase uint64
	VirtioMMIOSize uint64
	UARTBase       uint64

	FSBaseSector  uint64
	FSSectorCount uint64

	KernelEntry uint64
	KernelBase  uint64
	KernelSize  uint64

	DeviceTreeAddr uint64
	DeviceTreeSize uint64

	HardwarePlatform uint64

	Reserved [reservedWords]uint64
}

// RecordSize is the encoded size in bytes: 16 fixed 64-bit fields plus the
// reserved trailer.
const RecordSize = 16*8 + reservedWords*8

// Init zeroes the record and populates the fixed platform fields,
// advancing state from Zeroed to Initialized.
func (r *Record) Init(memoryBase, memorySize, virtioBase, virtioSize, uartBase, fsBaseSector, fsSectorCount uint64) error {
	if r.state != StateZeroed {
		return fmt.Errorf("handoff: Init called in state %s, want %s", r.state, StateZeroed)
	}
	*r = Record{
		state:          StateInitialized,
		Magic:          Magic,
		Version:        Version,
		HartCount:      1,
		MemoryBase:     memoryBase,
		MemorySize:     memorySize,
		VirtioMMIOBase: virtioBase,
		VirtioMMIOSize: virtioSize,
		UARTBase:       uartBase,
		FSBaseSector:   fsBaseSector,
		FSSectorCount:  fsSectorCount,
	}
	return nil
}

// SetupKernelParams records where the kernel was loaded, advancing state
// from Initialized to KernelLinked.
func (r *Record) SetupKernelParams(entry, base, size uint64) error {
	if r.state != StateInitialized {
		return fmt.Errorf("handoff: SetupKernelParams called in state %s, want %s", r.state, StateInitialized)
	}
	r.KernelEntry = entry
	r.KernelBase = base
	r.KernelSize = size
	r.state = StateKernelLinked
	return nil
}

// SetupDeviceTree records the device description table's placement and the
// hardware platform tag, advancing state from KernelLinked to
// DeviceDescribed. Despite the name (kept for symmetry with the original
// loader's function), this loader's device description is the devdesc
// schema, never an FDT blob.
func (r *Record) SetupDeviceTree(addr uint64, size uint64, plat platform.Platform) error {
	if r.state != StateKernelLinked {
		return fmt.Errorf("handoff: SetupDeviceTree called in state %s, want %s", r.state, StateKernelLinked)
	}
	r.DeviceTreeAddr = addr
	r.DeviceTreeSize = size
	r.HardwarePlatform = uint64(plat)
	r.state = StateDeviceDescribed
	return nil
}

// Finalize marks the record complete, advancing state from
// DeviceDescribed to Finalized. Once finalized a record cannot be
// modified further by any Setup* call.
func (r *Record) Finalize() error {
	if r.state != StateDeviceDescribed {
		return fmt.Errorf("handoff: Finalize called in state %s, want %s", r.state, StateDeviceDescribed)
	}
	r.state = StateFinalized
	return nil
}

// State returns the record's current lifecycle state.
func (r *Record) State() State { return r.state }

// Encode serializes the record in its fixed wire order, little-endian:
// magic, version, hart count, memory base/size, kernel base/size/entry,
// virtio base/size, UART base, filesystem sector range, device description
// address/size, hardware platform, then the reserved words. Every field —
// Version and HartCount included — is a full 64-bit word.
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	off := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	putU64(r.Magic)
	putU64(r.Version)
	putU64(r.HartCount)
	putU64(r.MemoryBase)
	putU64(r.MemorySize)
	putU64(r.KernelBase)
	putU64(r.KernelSize)
	putU64(r.KernelEntry)
	putU64(r.VirtioMMIOBase)
	putU64(r.VirtioMMIOSize)
	putU64(r.UARTBase)
	putU64(r.FSBaseSector)
	putU64(r.FSSectorCount)
	putU64(r.DeviceTreeAddr)
	putU64(r.DeviceTreeSize)
	putU64(r.HardwarePlatform)
	for _, w := range r.Reserved {
		putU64(w)
	}
	return buf
}

// WriteTo writes the encoded record to m at addr. The record must be
// Finalized first — writing a partially populated record would hand the
// kernel a boot-info blob it cannot fully trust.
func (r *Record) WriteTo(m mem.GuestMemory, addr uint64) error {
	if r.state != StateFinalized {
		return fmt.Errorf("handoff: WriteTo called in state %s, want %s", r.state, StateFinalized)
	}
	if _, err := m.WriteAt(r.Encode(), int64(addr)); err != nil {
		return fmt.Errorf("handoff: writing record: %w", err)
	}
	return nil
}

// Dump writes a human-readable field-by-field summary to w — the
// supplemental debug aid grounded on the original loader's boot_info_print.
func (r *Record) Dump(w io.Writer) {
	fmt.Fprintf(w, "handoff.Record{state=%s magic=%#x version=%d hart_count=%d\n", r.state, r.Magic, r.Version, r.HartCount)
	fmt.Fprintf(w, "  memory=[%#x, %#x)\n", r.MemoryBase, r.MemoryBase+r.MemorySize)
	fmt.Fprintf(w, "  virtio_mmio=[%#x, %#x)\n", r.VirtioMMIOBase, r.VirtioMMIOBase+r.VirtioMMIOSize)
	fmt.Fprintf(w, "  uart_base=%#x\n", r.UARTBase)
	fmt.Fprintf(w, "  fs: base_sector=%d sector_count=%d\n", r.FSBaseSector, r.FSSectorCount)
	fmt.Fprintf(w, "  kernel: entry=%#x base=%#x size=%#x\n", r.KernelEntry, r.KernelBase, r.KernelSize)
	fmt.Fprintf(w, "  device_tree: addr=%#x size=%#x\n", r.DeviceTreeAddr, r.DeviceTreeSize)
	fmt.Fprintf(w, "  hardware_platform=%s\n}\n", platform.Platform(r.HardwarePlatform))
}

// BuildDeviceDescription encodes b and records its placement, plus hw's
// platform tag, via SetupDeviceTree, writing the blob to m at addr.
func (r *Record) BuildDeviceDescription(b *devdesc.Builder, hw platform.Hardware, m mem.GuestMemory, addr uint64) error {
	blob := b.Encode()
	if _, err := m.WriteAt(blob, int64(addr)); err != nil {
		return fmt.Errorf("handoff: writing device description: %w", err)
	}
	return r.SetupDeviceTree(addr, uint64(len(blob)), hw.Platform)
}

// Jump configures vcpu's registers per the kernel entry ABI — a0=hart id
// (always 0, this loader only ever boots hart 0), a1=physical address of
// the finalized record, pc=kernel entry — and runs it. It is the loader's
// last action; there is no return from a successful Jump in the sense
// that control never comes back to Go code on real hardware, but Run's
// signature still returns an error for the harness and test doubles that
// model a completed hand-off rather than an actual context switch.
func (r *Record) Jump(ctx context.Context, vcpu bootvm.VirtualCPU, recordAddr uint64) error {
	if r.state != StateFinalized {
		return fmt.Errorf("handoff: Jump called in state %s, want %s", r.state, StateFinalized)
	}
	err := vcpu.SetRegisters(map[bootvm.Register]bootvm.RegisterValue{
		bootvm.RegisterX10:  bootvm.Register64(0),
		bootvm.RegisterX11:  bootvm.Register64(recordAddr),
		bootvm.RegisterPC:   bootvm.Register64(r.KernelEntry),
		bootvm.RegisterSATP: bootvm.Register64(0),
	})
	if err != nil {
		return fmt.Errorf("handoff: configuring vcpu registers: %w", err)
	}
	return vcpu.Run(ctx)
}
