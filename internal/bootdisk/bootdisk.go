// Package bootdisk models the flat disk image stage-2 reads through the
// virtio-blk driver: sector 0 reserved for the stage-1/stage-2 loader
// image, stage-2 itself from sector 1 (at most Stage2SectorCount sectors),
// and the kernel ELF starting at sector 64. It is grounded on
// original_source's fixed fs_base_sector/fs_sector_count fields
// (boot_info.c) and on the pack's use of golang.org/x/sys/unix for raw
// open-flag constants (e.g. canonical-snapd's gadget/device and
// cmd/snap-gpio-helper packages), since the stdlib os package exposes no
// portable O_NOATIME.
package bootdisk

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	SectorSize = 512

	Stage2StartSector = 1
	Stage2SectorCount = 64

	KernelStartSector = 64
)

// Image is a disk image backed by an os.File, addressed in whole sectors.
type Image struct {
	f *os.File
}

// Open opens path for reading, requesting O_NOATIME so the harness's reads
// leave the image's access time untouched; if the open with O_NOATIME is
// refused (e.g. the caller does not own the file), it is retried without
// the flag.
func Open(path string) (*Image, error) {
	flags := os.O_RDONLY
	f, err := openWithFlags(path, flags)
	if err != nil {
		return nil, fmt.Errorf("bootdisk: open %s: %w", path, err)
	}
	return &Image{f: f}, nil
}

func openWithFlags(path string, flags int) (*os.File, error) {
	f, err := os.OpenFile(path, flags|unix.O_NOATIME, 0)
	if err != nil {
		// O_NOATIME is refused on filesystems/ownership it doesn't apply
		// to; retry without it rather than failing the whole open.
		return os.OpenFile(path, flags, 0)
	}
	return f, nil
}

// Close closes the backing file.
func (img *Image) Close() error { return img.f.Close() }

// ReadSector reads exactly one SectorSize-byte sector into buf.
func (img *Image) ReadSector(sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("bootdisk: buf length %d != sector size %d", len(buf), SectorSize)
	}
	n, err := img.f.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("bootdisk: reading sector %d: %w", sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("bootdisk: short read of sector %d: got %d bytes", sector, n)
	}
	return nil
}

// ReadSectors reads count sectors starting at sector into buf, which must
// be exactly count*SectorSize bytes.
func (img *Image) ReadSectors(sector, count uint64, buf []byte) error {
	want := count * SectorSize
	if uint64(len(buf)) != want {
		return fmt.Errorf("bootdisk: buf length %d != %d*%d", len(buf), count, SectorSize)
	}
	n, err := img.f.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil && err != io.EOF {
		return fmt.Errorf("bootdisk: reading %d sectors from sector %d: %w", count, sector, err)
	}
	if uint64(n) != want {
		return fmt.Errorf("bootdisk: short read starting at sector %d: got %d bytes, want %d", sector, n, want)
	}
	return nil
}

// KernelReaderAt returns an io.ReaderAt over the kernel ELF region of the
// image, with offset 0 corresponding to KernelStartSector — suitable for
// handing straight to elfload.PlanFile.
func (img *Image) KernelReaderAt() io.ReaderAt {
	return &sectorOffsetReader{f: img.f, base: int64(KernelStartSector) * SectorSize}
}

type sectorOffsetReader struct {
	f    *os.File
	base int64
}

func (r *sectorOffsetReader) ReadAt(p []byte, off int64) (int, error) {
	return r.f.ReadAt(p, r.base+off)
}
