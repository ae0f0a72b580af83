package pci

import (
	"encoding/binary"
	"fmt"
)

// Configuration space registers and values used while walking a device's
// capability list.
//
// refs
// https://wiki.osdev.org/PCI
const (
	RegStatus     = 0x06
	RegCapPointer = 0x34

	StatusCapList uint16 = 1 << 4

	CapIDVendor uint8 = 0x09
)

// BDF packs a bus, device and function number into the 16-bit form used on
// the wire: bbbbbbbb dddddfff.
type BDF uint16

func NewBDF(bus, device, function uint8) BDF {
	return BDF(uint16(bus)<<8 | uint16(device&0x1f)<<3 | uint16(function&0x7))
}

func (b BDF) Bus() uint8 {
	return uint8(b >> 8)
}

func (b BDF) Device() uint8 {
	return uint8(b>>3) & 0x1f
}

func (b BDF) Function() uint8 {
	return uint8(b) & 0x7
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus(), b.Device(), b.Function())
}

// BytesToNum converts a little-endian byte slice to a number.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)

	for i, x := range bytes {
		res |= uint64(x) << (i * 8)
	}

	return res
}

// NumToBytes converts a number to a little-endian byte slice.
// If the given number is not uint8, uint16, uint32, or uint64,
// it returns an empty byte slice.
func NumToBytes(x interface{}) []byte {
	res := []byte{}
	l := 0
	v := uint64(0)

	switch y := x.(type) {
	case uint8:
		l = 1
		v = uint64(y)
	case uint16:
		l = 2
		v = uint64(y)
	case uint32:
		l = 4
		v = uint64(y)
	case uint64:
		l = 8
		v = y
	default:
		return []byte{}
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return append(res, buf[:l]...)
}
