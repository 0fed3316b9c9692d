// Command stage2run drives the stage-2 boot sequence (internal/bootseq)
// against a real flat disk image on the host filesystem, standing in for
// the first-stage loader and the hypervisor that would otherwise run this
// code on bare metal. It is grounded on cmd/cc/main.go's flag/log-slog/
// run-returns-error shape, trimmed to this loader's much smaller surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvboot/internal/bootdisk"
	"github.com/tinyrange/rvboot/internal/bootseq"
	"github.com/tinyrange/rvboot/internal/bootvm"
	"github.com/tinyrange/rvboot/internal/mem"
	"github.com/tinyrange/rvboot/internal/memzone"
	"github.com/tinyrange/rvboot/internal/platform"
	"github.com/tinyrange/rvboot/internal/virtiohost"
)

// stageNames is the fixed sequence of stages bootseq.Config.Progress
// reports, used only to size the progress bar.
var stageNames = []string{
	"layout and hardware validated",
	"virtio-blk device ready",
	"kernel image staged from disk",
	"kernel loaded",
	"device description finalized",
	"hand-off record finalized",
	"jumped to kernel",
}

// scenario describes a replayable test harness run: which disk image to
// boot and, optionally, a memory size override for exercising boundary
// behaviors (e.g. a too-small window that platform.Hardware.Validate
// rejects). Production boot never reads this file; it exists purely so a
// recorded scenario can be replayed without recompiling.
type scenario struct {
	Disk     string `yaml:"disk"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
}

func loadScenario(path string) (scenario, error) {
	var s scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading scenario file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing scenario file: %w", err)
	}
	return s, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stage2run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	diskPath := fs.String("disk", "", "Path to a flat disk image (stage-2 + kernel ELF)")
	scenarioPath := fs.String("scenario", "", "Path to a YAML scenario file supplying -disk/-memory when those flags are unset")
	memoryMB := fs.Uint64("memory", 0, "Override the qemu-virt memory window size, in MiB (0 = platform default)")
	trace := fs.Bool("trace", true, "Mirror the guest UART trace stream to stdout")
	verbose := fs.Bool("verbose", false, "Enable debug-level logging")
	noProgress := fs.Bool("no-progress", false, "Disable the interactive progress bar")
	cpuprofile := fs.String("cpuprofile", "", "Write CPU profile to file")
	memprofile := fs.String("memprofile", "", "Write memory profile to file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -disk <image> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs the stage-2 boot sequence against a flat disk image, in-process,\n")
		fmt.Fprintf(os.Stderr, "with no privileged execution and no real RISC-V hart.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			return fmt.Errorf("create memory profile: %w", err)
		}
		defer f.Close()
		defer pprof.Lookup("heap").WriteTo(f, 0)
	}

	disk := *diskPath
	mb := *memoryMB
	if *scenarioPath != "" {
		s, err := loadScenario(*scenarioPath)
		if err != nil {
			return err
		}
		if disk == "" {
			disk = s.Disk
		}
		if mb == 0 {
			mb = s.MemoryMB
		}
	}
	if disk == "" {
		fs.Usage()
		return errors.New("no disk image given (-disk or -scenario)")
	}

	img, err := bootdisk.Open(disk)
	if err != nil {
		return fmt.Errorf("opening disk image: %w", err)
	}
	defer img.Close()

	hw := platform.QEMUVirt()
	if mb != 0 {
		hw.MemorySize = mb * 1024 * 1024
	}
	layout := memzone.QEMUVirtDefault()
	layout.DRAMEnd = layout.DRAMBase + hw.MemorySize

	// Guest physical address space: everything from 0 up through the end
	// of the DRAM window, since the UART and virtio-mmio windows sit
	// below DRAMBase on qemu-virt.
	guestSize := layout.DRAMEnd
	guest := mem.NewBytes(int(guestSize))

	dev := virtiohost.New(guest, hw.VirtioBase, 8, img)

	var bar *progressbar.ProgressBar
	if !*noProgress {
		bar = progressbar.NewOptions(len(stageNames),
			progressbar.OptionSetDescription("stage2run"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	cfg := bootseq.Config{
		Memory:   &tracingMemory{GuestMemory: dev, uartBase: hw.UARTBase, trace: *trace},
		VCPU:     bootvm.NewRecordedVCPU(),
		Logger:   logger,
		Layout:   layout,
		Hardware: hw,
		Progress: func(stage string) {
			logger.Info("stage complete", "stage", stage)
			if bar != nil {
				bar.Add(1)
			}
		},
	}

	if err := bootseq.Run(context.Background(), cfg); err != nil {
		if dev.LastError() != nil {
			logger.Error("virtio host-side I/O failure", "err", dev.LastError())
		}
		return fmt.Errorf("boot sequence failed: %w", err)
	}

	vcpu := cfg.VCPU.(*bootvm.RecordedVCPU)
	regs, err := vcpu.GetRegisters([]bootvm.Register{bootvm.RegisterPC, bootvm.RegisterX11})
	if err == nil {
		fmt.Fprintf(os.Stderr, "stage2run: boot complete, pc=%v x11=%v\n", regs[bootvm.RegisterPC], regs[bootvm.RegisterX11])
	}
	return nil
}

// tracingMemory wraps a mem.GuestMemory and, when trace is enabled, mirrors
// every byte written to the UART transmit-holding register (offset 0 of
// uartBase) to stdout, buffering full lines and word-wrapping them to a
// fixed terminal width via ansi — the same terminal-rendering role
// internal/term plays for the teacher's VM console, scoped here to a plain
// one-directional trace stream instead of a full terminal emulator.
type tracingMemory struct {
	mem.GuestMemory
	uartBase uint64
	trace    bool
	lineBuf  []byte
}

const traceWrapWidth = 100

func (t *tracingMemory) WriteAt(p []byte, off int64) (int, error) {
	n, err := t.GuestMemory.WriteAt(p, off)
	if t.trace && err == nil && off == int64(t.uartBase) {
		for _, b := range p {
			if b == '\n' {
				os.Stdout.WriteString(ansi.Wordwrap(string(t.lineBuf), traceWrapWidth, " "))
				os.Stdout.WriteString("\n")
				t.lineBuf = t.lineBuf[:0]
				continue
			}
			if b != '\r' {
				t.lineBuf = append(t.lineBuf, b)
			}
		}
	}
	return n, err
}
