// Package arch describes the bitness of the target runtime process:
// pointer size and byte order, needed to render raw memory and compute
// type layouts (spec §4.D.6). Adapted from golang-debug/arch, which
// described CPU architectures for a ptrace-based native debugger; here
// there is no raw instruction patching (breakpoints are placed by the
// managed debugging API, not by writing trap bytes into .text), so only
// the word-size facts survive.
package arch

import "encoding/binary"

// Bitness describes the target process's pointer width and byte order.
type Bitness struct {
	PointerSize int
	ByteOrder   binary.ByteOrder
}

var (
	// X86 describes a 32-bit target.
	X86 = Bitness{PointerSize: 4, ByteOrder: binary.LittleEndian}
	// AMD64 describes a 64-bit target, the overwhelming common case for a
	// modern managed runtime host.
	AMD64 = Bitness{PointerSize: 8, ByteOrder: binary.LittleEndian}
	// ARM64 describes a 64-bit ARM target.
	ARM64 = Bitness{PointerSize: 8, ByteOrder: binary.LittleEndian}
)

// Uintptr decodes a pointer-sized value from buf.
func (b Bitness) Uintptr(buf []byte) uint64 {
	switch b.PointerSize {
	case 4:
		return uint64(b.ByteOrder.Uint32(buf[:4]))
	case 8:
		return b.ByteOrder.Uint64(buf[:8])
	}
	panic("unsupported pointer size")
}

// FormatAddress renders an address the way spec §6 requires:
// "0x00007FF8A1234560".
func (b Bitness) FormatAddress(addr uint64) string {
	width := b.PointerSize * 2
	const hexDigits = "0123456789ABCDEF"
	out := make([]byte, 2+width)
	out[0], out[1] = '0', 'x'
	for i := 0; i < width; i++ {
		shift := uint((width - 1 - i) * 4)
		out[2+i] = hexDigits[(addr>>shift)&0xF]
	}
	return string(out)
}
