// Package bootseq orchestrates the stage-2 data flow end to end: validate
// the memory layout, detect the fixed hardware, bring up the virtio-blk
// device, stage the kernel ELF off disk, load it, describe the devices,
// finalize the hand-off record, and jump. It is grounded on the data-flow
// the rest of the pack's "plan then run" entry points follow (build a
// plan, then execute it against a VM), adapted here into one linear
// sequence since stage-2 has exactly one thing to boot and no scheduler.
package bootseq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvboot/internal/bootdisk"
	"github.com/tinyrange/rvboot/internal/bootrecovery"
	"github.com/tinyrange/rvboot/internal/bootvm"
	"github.com/tinyrange/rvboot/internal/devdesc"
	"github.com/tinyrange/rvboot/internal/elfload"
	"github.com/tinyrange/rvboot/internal/handoff"
	"github.com/tinyrange/rvboot/internal/mem"
	"github.com/tinyrange/rvboot/internal/memzone"
	"github.com/tinyrange/rvboot/internal/platform"
	"github.com/tinyrange/rvboot/internal/traceuart"
	"github.com/tinyrange/rvboot/internal/virtioblk"
)

// virtioInitCode maps a virtioblk.Device.Init failure to its specific
// bootrecovery.Code instead of collapsing every cause into one hardware
// code — feature-negotiation rejection and an undersized queue are
// distinct, independently countable faults.
func virtioInitCode(err error) bootrecovery.Code {
	switch {
	case errors.Is(err, virtioblk.ErrFeatureNegotiationFailed):
		return bootrecovery.CodeVirtioFeatureNegotiationFailed
	case errors.Is(err, virtioblk.ErrQueueTooSmall):
		return bootrecovery.CodeVirtioQueueTooSmall
	default:
		return bootrecovery.CodeHardwareBadState
	}
}

// elfPlanCode maps an elfload.PlanFile failure to its specific
// bootrecovery.Code, mirroring the distinct ELF codes the error ledger's
// taxonomy reserves for each kind of malformed image.
func elfPlanCode(err error) bootrecovery.Code {
	switch {
	case errors.Is(err, elfload.ErrBadMachine):
		return bootrecovery.CodeElfBadMachine
	case errors.Is(err, elfload.ErrInvalidPhnum):
		return bootrecovery.CodeElfInvalidPhnum
	case errors.Is(err, elfload.ErrSegmentOutOfBounds):
		return bootrecovery.CodeElfSegmentOutOfBounds
	case errors.Is(err, elfload.ErrNoLoadSegments):
		return bootrecovery.CodeElfNoLoadSegments
	default:
		return bootrecovery.CodeElfBadMagic
	}
}

// Config bundles everything a single boot attempt needs. The disk itself
// is never touched directly: it lives behind the virtio-mmio device this
// sequence drives over MMIO and DMA, exactly as a real guest never sees
// its block device's backing file.
type Config struct {
	Memory mem.GuestMemory
	VCPU   bootvm.VirtualCPU
	Logger *slog.Logger

	// Layout and Hardware default to the real qemu-virt values
	// (memzone.QEMUVirtDefault, platform.QEMUVirt) when left zero.
	// Tests and alternate harnesses override them with compact,
	// arbitrary-address layouts so they don't need to back a
	// multi-gigabyte guest address space.
	Layout   memzone.Layout
	Hardware platform.Hardware

	// ProbeAddresses defaults to virtioblk.DefaultProbeAddresses() when
	// nil.
	ProbeAddresses []uint64

	// Progress, if non-nil, is called once per major stage of the boot
	// sequence with a short human-readable label. It exists purely for an
	// interactive harness to render a progress bar; Run's behavior and
	// error handling never depend on it.
	Progress func(stage string)
}

func (cfg Config) reportProgress(stage string) {
	if cfg.Progress != nil {
		cfg.Progress(stage)
	}
}

// offsetReaderAt adapts a mem.GuestMemory region starting at base into an
// io.ReaderAt with its own zero offset, so elfload can treat a staged
// in-guest-memory copy of the kernel the same way it would treat a host
// file.
type offsetReaderAt struct {
	mem  mem.GuestMemory
	base int64
}

func (r offsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.mem.ReadAt(p, r.base+off)
}

// Run executes the full boot sequence against cfg. It returns nil once
// cfg.VCPU.Run has been called with the kernel's entry point loaded into
// pc, and an error if any stage fails before that.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := bootrecovery.NewLedger()
	ledger.SetHandler(bootrecovery.CodeDiskReadFailed, bootrecovery.DiskHandler)

	layout := cfg.Layout
	if layout.Zones == nil {
		layout = memzone.QEMUVirtDefault()
	}
	if err := layout.Validate(); err != nil {
		return fmt.Errorf("bootseq: memory layout: %w", err)
	}
	hw := cfg.Hardware
	if hw.UARTBase == 0 {
		hw = platform.QEMUVirt()
	}
	if err := hw.Validate(); err != nil {
		return fmt.Errorf("bootseq: hardware descriptor: %w", err)
	}

	uart := traceuart.New(cfg.Memory, hw.UARTBase)
	uart.PutStr("stage2: memory layout and hardware validated\n")
	logger.Info("layout and hardware validated", "dram_base", layout.DRAMBase, "dram_end", layout.DRAMEnd)
	cfg.reportProgress("layout and hardware validated")

	probeAddrs := cfg.ProbeAddresses
	if probeAddrs == nil {
		probeAddrs = virtioblk.DefaultProbeAddresses()
	}
	dmaZone := layout.MustZone("virtio_dma")
	base, err := virtioblk.Probe(cfg.Memory, probeAddrs)
	if err != nil {
		rerr := bootrecovery.New(bootrecovery.CodeVirtioNoDevice, "bootseq.Run", 0, err.Error())
		ledger.Record(rerr)
		return fmt.Errorf("bootseq: %w", rerr)
	}
	dev := virtioblk.New(cfg.Memory, base, dmaZone)
	if err := dev.Init(); err != nil {
		rerr := bootrecovery.New(virtioInitCode(err), "bootseq.Run", 0, err.Error())
		ledger.Record(rerr)
		return fmt.Errorf("bootseq: virtio init: %w", rerr)
	}
	uart.PutStr("stage2: virtio-blk device ready\n")
	logger.Info("virtio-blk ready", "mmio_base", base)
	cfg.reportProgress("virtio-blk device ready")

	scratchZone := layout.MustZone("scratch")
	requestScratch := virtioblk.RequestScratch(dmaZone)
	stageLen := uint32(scratchZone.Size)
	if err := readWithRetry(ledger, dev, cfg.Memory, requestScratch, bootdisk.KernelStartSector, scratchZone.Base, stageLen); err != nil {
		return fmt.Errorf("bootseq: staging kernel image: %w", err)
	}
	uart.PutStr("stage2: kernel image staged from disk\n")
	cfg.reportProgress("kernel image staged from disk")

	kernelReader := offsetReaderAt{mem: cfg.Memory, base: int64(scratchZone.Base)}
	plan, err := elfload.PlanFile(kernelReader)
	if err != nil {
		rerr := bootrecovery.New(elfPlanCode(err), "bootseq.Run", 0, err.Error())
		ledger.Record(rerr)
		return fmt.Errorf("bootseq: %w", rerr)
	}
	kernelZone := layout.MustZone("kernel")
	if plan.LoadBase < kernelZone.Base || plan.LoadBase+plan.LoadSize > kernelZone.End() {
		return fmt.Errorf("bootseq: kernel span [%#x, %#x) does not fit kernel zone [%#x, %#x)",
			plan.LoadBase, plan.LoadBase+plan.LoadSize, kernelZone.Base, kernelZone.End())
	}
	if err := plan.Materialize(kernelReader, cfg.Memory); err != nil {
		return fmt.Errorf("bootseq: materializing kernel: %w", err)
	}
	uart.PutStr("stage2: kernel loaded, entry=")
	uart.PutHexU64(plan.Entry)
	uart.PutStr("\n")
	logger.Info("kernel loaded", "entry", plan.Entry, "load_base", plan.LoadBase, "load_size", plan.LoadSize)
	cfg.reportProgress("kernel loaded")

	desc := devdesc.New()
	desc.AddMemory(layout.DRAMBase, layout.DRAMEnd-layout.DRAMBase)
	desc.AddCPU(0)
	desc.AddUART(hw.UARTBase, hw.UARTIRQ)
	desc.AddVirtio(base, dmaZone.Size, hw.VirtioIRQ)
	desc.AddPLIC(hw.PLICBase)
	if _, err := desc.Finalize(); err != nil {
		return fmt.Errorf("bootseq: device description: %w", err)
	}
	cfg.reportProgress("device description finalized")

	bootinfoZone := layout.MustZone("bootinfo")
	var record handoff.Record
	if err := record.Init(layout.DRAMBase, layout.DRAMEnd-layout.DRAMBase, base, dmaZone.Size, hw.UARTBase,
		bootdisk.KernelStartSector, bootdisk.Stage2SectorCount); err != nil {
		return fmt.Errorf("bootseq: %w", err)
	}
	if err := record.SetupKernelParams(plan.Entry, plan.LoadBase, plan.LoadSize); err != nil {
		return fmt.Errorf("bootseq: %w", err)
	}
	deviceDescAddr := bootinfoZone.Base + handoff.RecordSize
	if err := record.BuildDeviceDescription(desc, hw, cfg.Memory, deviceDescAddr); err != nil {
		return fmt.Errorf("bootseq: %w", err)
	}
	if err := record.Finalize(); err != nil {
		return fmt.Errorf("bootseq: %w", err)
	}
	if err := record.WriteTo(cfg.Memory, bootinfoZone.Base); err != nil {
		return fmt.Errorf("bootseq: %w", err)
	}

	uart.PutStr("stage2: hand-off record finalized, jumping to kernel\n")
	logger.Info("jumping to kernel", "entry", plan.Entry, "record_addr", bootinfoZone.Base)
	cfg.reportProgress("hand-off record finalized")

	if err := record.Jump(ctx, cfg.VCPU, bootinfoZone.Base); err != nil {
		rerr := bootrecovery.New(bootrecovery.CodeCriticalFailure, "bootseq.Run", 0, err.Error())
		ledger.Record(rerr)
		return fmt.Errorf("bootseq: %w", rerr)
	}
	cfg.reportProgress("jumped to kernel")
	return nil
}

// readWithRetry stages length bytes from sector into destAddr, retrying
// through the ledger's disk handler on failure before giving up.
func readWithRetry(ledger *bootrecovery.Ledger, dev *virtioblk.Device, m mem.GuestMemory, scratch memzone.Zone, sector, destAddr uint64, length uint32) error {
	for {
		err := dev.ReadSync(m, scratch, sector, destAddr, length)
		if err == nil {
			return nil
		}
		rerr := bootrecovery.New(bootrecovery.CodeDiskReadFailed, "bootseq.readWithRetry", 0, err.Error(), sector)
		switch ledger.Record(rerr) {
		case bootrecovery.Retry:
			continue
		default:
			return rerr
		}
	}
}
