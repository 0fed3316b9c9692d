// Package memzone implements the stage-2 loader's physical memory layout
// table (C3) and the bump allocator (C2) that carves deterministic offsets
// out of a single zone. Both are grounded on the teacher's address-space
// allocator, adapted from a dynamic MMIO allocator to a static, compile-time
// fixed table: this loader never allocates a zone, it validates one.
package memzone

import "fmt"

// Protection is advisory pre-MMU metadata carried to the kernel. There is
// no MMU enforcement below the kernel hand-off; Check only consults the
// recorded intent.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	s := ""
	if p&ProtRead != 0 {
		s += "R"
	}
	if p&ProtWrite != 0 {
		s += "W"
	}
	if p&ProtExec != 0 {
		s += "X"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Zone is a named, permission-tagged physical region. Zones are created at
// compile time and are immutable at runtime.
type Zone struct {
	Name string
	Base uint64
	Size uint64
	Prot Protection
}

// End returns the first address past the zone.
func (z Zone) End() uint64 { return z.Base + z.Size }

// Contains reports whether addr falls within [Base, End).
func (z Zone) Contains(addr uint64) bool {
	return addr >= z.Base && addr < z.End()
}

// Layout is the static table of zones carved out of DRAM.
type Layout struct {
	DRAMBase uint64
	DRAMEnd  uint64
	Zones    []Zone
}

// QEMUVirtDefault is the fixed five-zone layout from the platform contract:
// kernel, stage2, boot-info+device-description, virtio DMA, loader
// heap/scratch, all within the 128 MiB qemu-virt DRAM window.
func QEMUVirtDefault() Layout {
	const dramBase = 0x8000_0000
	return Layout{
		DRAMBase: dramBase,
		DRAMEnd:  dramBase + 128*1024*1024,
		Zones: []Zone{
			{Name: "kernel", Base: 0x8000_0000, Size: 0x3_0000, Prot: ProtRead | ProtWrite | ProtExec},
			{Name: "stage2", Base: 0x8003_0000, Size: 0x1_0000, Prot: ProtRead | ProtExec},
			{Name: "bootinfo", Base: 0x8004_0000, Size: 0x1_0000, Prot: ProtRead | ProtWrite},
			{Name: "virtio_dma", Base: 0x8005_0000, Size: 0x1_0000, Prot: ProtRead | ProtWrite},
			{Name: "scratch", Base: 0x8006_0000, Size: 0x1_0000, Prot: ProtRead | ProtWrite},
		},
	}
}

// Zone returns the named zone, or false if no zone carries that name.
func (l Layout) Zone(name string) (Zone, bool) {
	for _, z := range l.Zones {
		if z.Name == name {
			return z, true
		}
	}
	return Zone{}, false
}

// MustZone returns the named zone and panics if it is absent. Callers use
// this only for the five names QEMUVirtDefault always provides — a missing
// entry there is a construction bug, not a runtime condition to recover
// from.
func (l Layout) MustZone(name string) Zone {
	z, ok := l.Zone(name)
	if !ok {
		panic(fmt.Sprintf("memzone: layout has no zone named %q", name))
	}
	return z
}

// Validate checks that every zone lies within [DRAMBase, DRAMEnd) and that
// no two zones' half-open intervals intersect.
func (l Layout) Validate() error {
	for _, z := range l.Zones {
		if z.Base < l.DRAMBase || z.End() > l.DRAMEnd {
			return fmt.Errorf("memzone: zone %q [0x%x-0x%x) outside DRAM [0x%x-0x%x)",
				z.Name, z.Base, z.End(), l.DRAMBase, l.DRAMEnd)
		}
	}
	for i := 0; i < len(l.Zones); i++ {
		for j := i + 1; j < len(l.Zones); j++ {
			a, b := l.Zones[i], l.Zones[j]
			if a.Base < b.End() && b.Base < a.End() {
				return fmt.Errorf("memzone: zone %q [0x%x-0x%x) overlaps zone %q [0x%x-0x%x)",
					a.Name, a.Base, a.End(), b.Name, b.Base, b.End())
			}
		}
	}
	return nil
}

// Gap describes the unused space between two adjacent zones, in base order.
type Gap struct {
	After, Before string
	Base, Size    uint64
}

// Gaps returns the inter-zone holes in the layout, in ascending base order.
// It does not validate the layout first; callers that need a validated
// layout should call Validate before Gaps.
func (l Layout) Gaps() []Gap {
	zones := append([]Zone(nil), l.Zones...)
	for i := 0; i < len(zones); i++ {
		for j := i + 1; j < len(zones); j++ {
			if zones[j].Base < zones[i].Base {
				zones[i], zones[j] = zones[j], zones[i]
			}
		}
	}
	var gaps []Gap
	for i := 0; i+1 < len(zones); i++ {
		if zones[i+1].Base > zones[i].End() {
			gaps = append(gaps, Gap{
				After:  zones[i].Name,
				Before: zones[i+1].Name,
				Base:   zones[i].End(),
				Size:   zones[i+1].Base - zones[i].End(),
			})
		}
	}
	return gaps
}

// Protect records protection intent for [base, base+size) — advisory only,
// there is no MMU below the kernel hand-off. It exists to mirror the
// loader's protect()/check() placeholder pair so a future MMU-aware stage
// has somewhere to plug in.
type Guard struct {
	regions []Zone
}

// Protect records a region's intended protection.
func (g *Guard) Protect(base, size uint64, prot Protection) {
	g.regions = append(g.regions, Zone{Base: base, Size: size, Prot: prot})
}

// Check reports whether addr may be accessed with prot. Outside every
// recorded region it returns true (nothing to enforce pre-MMU); inside a
// recorded region it returns false, standing in for the MMU fault a later
// boot stage would deliver.
func (g *Guard) Check(addr uint64, prot Protection) bool {
	for _, r := range g.regions {
		if r.Contains(addr) {
			return false
		}
	}
	return true
}
