package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var errShortBuffer = errors.New("short buffer")

// writer appends little-endian fields.
type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) addresses(addrs []netip.AddrPort) error {
	if len(addrs) > MaxServerAddresses {
		return fmt.Errorf("too many server addresses: %d", len(addrs))
	}
	w.u32(uint32(len(addrs)))
	for _, a := range addrs {
		ip := a.Addr().Unmap()
		switch {
		case ip.Is4():
			w.buf = append(w.buf, addressTypeIPv4)
			b := ip.As4()
			w.bytes(b[:])
		case ip.Is6():
			w.buf = append(w.buf, addressTypeIPv6)
			b := ip.As16()
			w.bytes(b[:])
		default:
			return fmt.Errorf("invalid server address %v", a)
		}
		w.buf = binary.LittleEndian.AppendUint16(w.buf, a.Port())
	}
	return nil
}

// reader consumes little-endian fields and records the first failure; every
// accessor after a failure returns zero values.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) read(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) addresses() []netip.AddrPort {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	if n > MaxServerAddresses {
		r.err = fmt.Errorf("address count %d exceeds %d", n, MaxServerAddresses)
		return nil
	}
	addrs := make([]netip.AddrPort, 0, n)
	for i := uint32(0); i < n; i++ {
		var ip netip.Addr
		switch r.u8() {
		case addressTypeIPv4:
			var b [4]byte
			r.read(b[:])
			ip = netip.AddrFrom4(b)
		case addressTypeIPv6:
			var b [16]byte
			r.read(b[:])
			ip = netip.AddrFrom16(b)
		default:
			if r.err == nil {
				r.err = errors.New("unknown address type")
			}
			return nil
		}
		port := r.u16()
		if r.err != nil {
			return nil
		}
		addrs = append(addrs, netip.AddrPortFrom(ip, port))
	}
	return addrs
}
