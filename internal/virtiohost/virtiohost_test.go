package virtiohost

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/rvboot/internal/bootdisk"
	"github.com/tinyrange/rvboot/internal/mem"
)

func writeDiskImage(t *testing.T, sectors int) *bootdisk.Image {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	data := make([]byte, sectors*bootdisk.SectorSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img, err := bootdisk.Open(path)
	if err != nil {
		t.Fatalf("bootdisk.Open: %v", err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

// pushRequest writes a single virtio-blk read request descriptor chain
// (header, data, status) and a matching avail-ring entry, then rings
// QUEUE_NOTIFY — standing in for internal/virtioblk.Device.ReadSync's wire
// format without depending on that package's unexported helpers.
func pushRequest(t *testing.T, m mem.GuestMemory, mmioBase, dmaBase, sector, destAddr uint64, length uint32) {
	t.Helper()
	descAddr := dmaBase + 0x0000
	availAddr := dmaBase + 0x1000
	usedAddr := dmaBase + 0x2000

	reg := mem.At(m, mmioBase)
	reg.Write32(regQueueDescLow, uint32(descAddr))
	reg.Write32(regQueueDescHigh, uint32(descAddr>>32))
	reg.Write32(regQueueDriverLow, uint32(availAddr))
	reg.Write32(regQueueDriverHigh, uint32(availAddr>>32))
	reg.Write32(regQueueDeviceLow, uint32(usedAddr))
	reg.Write32(regQueueDeviceHigh, uint32(usedAddr>>32))

	writeDesc := func(idx uint16, addr uint64, length uint32, flags, next uint16) {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], addr)
		binary.LittleEndian.PutUint32(buf[8:12], length)
		binary.LittleEndian.PutUint16(buf[12:14], flags)
		binary.LittleEndian.PutUint16(buf[14:16], next)
		m.WriteAt(buf[:], int64(descAddr)+int64(idx)*16)
	}

	headerAddr := dmaBase + 0x3000
	statusAddr := headerAddr + 16

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0) // VIRTIO_BLK_T_IN
	binary.LittleEndian.PutUint64(hdr[8:16], sector)
	m.WriteAt(hdr[:], int64(headerAddr))
	m.WriteAt([]byte{0xFF}, int64(statusAddr))

	writeDesc(0, headerAddr, 16, 1 /* NEXT */, 1)
	writeDesc(1, destAddr, length, 1|2 /* NEXT|WRITE */, 2)
	writeDesc(2, statusAddr, 1, 2 /* WRITE */, 0)

	// avail.idx starts at 0; push one entry at slot 0 pointing at the
	// header descriptor (index 0), then advance idx to 1.
	var head [2]byte
	binary.LittleEndian.PutUint16(head[:], 0)
	m.WriteAt(head[:], int64(availAddr)+4)
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], 1)
	m.WriteAt(idx[:], int64(availAddr)+2)

	reg.Write32(regQueueNotify, 0)
}

func TestDeviceServicesReadRequest(t *testing.T) {
	img := writeDiskImage(t, 8)
	m := mem.NewBytes(0x10000)
	const mmioBase = 0x1000
	const dmaBase = 0x4000
	const destAddr = 0x8000

	dev := New(m, mmioBase, 8, img)

	pushRequest(t, dev, mmioBase, dmaBase, 2, destAddr, bootdisk.SectorSize)

	var got [bootdisk.SectorSize]byte
	dev.ReadAt(got[:], destAddr)

	var want [bootdisk.SectorSize]byte
	if err := img.ReadSector(2, want[:]); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(got[:], want[:]) {
		t.Fatal("device did not copy the requested sector into guest memory")
	}

	var status [1]byte
	dev.ReadAt(status[:], dmaBase+0x3000+16)
	if status[0] != statusOK {
		t.Fatalf("status = %d, want statusOK", status[0])
	}
}

func TestDeviceProbeFields(t *testing.T) {
	img := writeDiskImage(t, 4)
	m := mem.NewBytes(0x10000)
	dev := New(m, 0x1000, 8, img)

	reg := mem.At(dev, 0x1000)
	if reg.Read32(regMagicValue) != magicValue {
		t.Fatal("magic value not written")
	}
	if reg.Read32(regDeviceID) != deviceIDBlock {
		t.Fatal("device id not written")
	}
	if reg.Read32(regQueueNumMax) != 8 {
		t.Fatal("queue num max not written")
	}
}

func TestDeviceReportsIOErrorPastEndOfDisk(t *testing.T) {
	img := writeDiskImage(t, 2)
	m := mem.NewBytes(0x10000)
	const mmioBase = 0x1000
	const dmaBase = 0x4000
	const destAddr = 0x8000

	dev := New(m, mmioBase, 8, img)
	pushRequest(t, dev, mmioBase, dmaBase, 50, destAddr, bootdisk.SectorSize)

	var status [1]byte
	dev.ReadAt(status[:], dmaBase+0x3000+16)
	if status[0] != statusIOErr {
		t.Fatalf("status = %d, want statusIOErr for an out-of-range sector", status[0])
	}
	if dev.LastError() == nil {
		t.Fatal("expected LastError to be set after an out-of-range read")
	}
}
