// Package traceuart implements the stage-2 loader's only output channel
// (C1): unbuffered, polled writes to the THR register of the platform's
// 16550-compatible UART. It is grounded on the teacher's MMIO register
// model (internal/devices/virtio/mmio.go's offset-dispatch style) rather
// than its serial device — the loader is the driver side here, not the
// device side, so it only ever writes offset 0.
package traceuart

import "github.com/tinyrange/rvboot/internal/mem"

const thrOffset = 0x0

// Sink is the loader's trace output: every byte goes straight to the UART
// transmit-holding register with no buffering, so a crash mid-boot never
// loses a partially-flushed line.
type Sink struct {
	reg mem.Reg
}

// New returns a Sink writing to the UART at base.
func New(m mem.GuestMemory, base uint64) *Sink {
	return &Sink{reg: mem.At(m, base)}
}

// PutChar writes a single byte to THR.
func (s *Sink) PutChar(c byte) {
	s.reg.Write8(thrOffset, c)
}

// PutStr writes str byte by byte, translating a bare '\n' to "\r\n" so the
// host side of a real 16550 doesn't need local-echo translation.
func (s *Sink) PutStr(str string) {
	for i := 0; i < len(str); i++ {
		if str[i] == '\n' {
			s.PutChar('\r')
		}
		s.PutChar(str[i])
	}
}

// PutHexU64 writes v as a fixed-width "0x" + 16 hex digits.
func (s *Sink) PutHexU64(v uint64) {
	s.PutStr("0x")
	const digits = "0123456789abcdef"
	for shift := 60; shift >= 0; shift -= 4 {
		s.PutChar(digits[(v>>uint(shift))&0xF])
	}
}

// PutDecU64 writes v in decimal with no leading zeros ("0" for v==0).
func (s *Sink) PutDecU64(v uint64) {
	if v == 0 {
		s.PutChar('0')
		return
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	s.PutStr(string(buf[i:]))
}

// PutMemSize writes a byte count using the largest whole unit among B, KiB,
// MiB, GiB that divides it evenly, e.g. PutMemSize(128*1024*1024) -> "128MiB".
func (s *Sink) PutMemSize(bytes uint64) {
	units := []struct {
		suffix string
		scale  uint64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
	}
	for _, u := range units {
		if bytes != 0 && bytes%u.scale == 0 {
			s.PutDecU64(bytes / u.scale)
			s.PutStr(u.suffix)
			return
		}
	}
	s.PutDecU64(bytes)
	s.PutStr("B")
}

// Write implements io.Writer so Sink can be handed to log/slog or fmt.Fprintf.
func (s *Sink) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			s.PutChar('\r')
		}
		s.PutChar(b)
	}
	return len(p), nil
}
