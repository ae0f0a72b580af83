package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is any access outside the enclosing region.
	ErrOutOfBounds = errors.New("offset outside the enclosing region")

	// ErrTooShort is a record whose declared length is smaller than its
	// type requires.
	ErrTooShort = errors.New("record shorter than its type requires")
)

// Region is a byte-addressable window. Multi-byte reads are little-endian
// regardless of host byte order, and fields may sit at any offset. A Region
// backed by mapped device memory turns every call into a device access, so
// callers should read each field exactly once.
type Region interface {
	ReadU8(off uint32) (uint8, error)
	ReadU16(off uint32) (uint16, error)
	ReadU32(off uint32) (uint32, error)
	ReadU64(off uint32) (uint64, error)
	Size() uint32
}

// Bytes is a Region over an in-memory buffer.
type Bytes []byte

func (b Bytes) Size() uint32 {
	return uint32(len(b))
}

func (b Bytes) slice(off, n uint32) ([]byte, error) {
	if uint64(off)+uint64(n) > uint64(len(b)) {
		return nil, fmt.Errorf("%d byte read at 0x%x in %d byte buffer: %w",
			n, off, len(b), ErrOutOfBounds)
	}

	return b[off : off+n], nil
}

func (b Bytes) ReadU8(off uint32) (uint8, error) {
	d, err := b.slice(off, 1)
	if err != nil {
		return 0, err
	}

	return d[0], nil
}

func (b Bytes) ReadU16(off uint32) (uint16, error) {
	d, err := b.slice(off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(d), nil
}

func (b Bytes) ReadU32(off uint32) (uint32, error) {
	d, err := b.slice(off, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(d), nil
}

func (b Bytes) ReadU64(off uint32) (uint64, error) {
	d, err := b.slice(off, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(d), nil
}

// Window exposes size bytes of r starting at base as its own Region.
func Window(r Region, base, size uint32) Region {
	return window{r: r, base: base, size: size}
}

type window struct {
	r          Region
	base, size uint32
}

func (w window) Size() uint32 {
	return w.size
}

func (w window) check(off, n uint32) error {
	if uint64(off)+uint64(n) > uint64(w.size) {
		return fmt.Errorf("%d byte read at 0x%x in %d byte window: %w",
			n, off, w.size, ErrOutOfBounds)
	}

	return nil
}

func (w window) ReadU8(off uint32) (uint8, error) {
	if err := w.check(off, 1); err != nil {
		return 0, err
	}

	return w.r.ReadU8(w.base + off)
}

func (w window) ReadU16(off uint32) (uint16, error) {
	if err := w.check(off, 2); err != nil {
		return 0, err
	}

	return w.r.ReadU16(w.base + off)
}

func (w window) ReadU32(off uint32) (uint32, error) {
	if err := w.check(off, 4); err != nil {
		return 0, err
	}

	return w.r.ReadU32(w.base + off)
}

func (w window) ReadU64(off uint32) (uint64, error) {
	if err := w.check(off, 8); err != nil {
		return 0, err
	}

	return w.r.ReadU64(w.base + off)
}

// HeaderSize is the sub-header every record starts with: a type byte, a
// reserved byte and the record's self-declared 16-bit length.
const HeaderSize = 4

// Record is a typed view of one variable-length record inside a Region.
type Record struct {
	Type   uint8
	Length uint16

	r   Region
	off uint32
}

// At reads the record sub-header at off. The record must start inside
// [start, end) of the enclosing region.
func At(r Region, start, end, off uint32) (Record, error) {
	if off < start || off >= end {
		return Record{}, fmt.Errorf("record at 0x%x outside [0x%x, 0x%x): %w",
			off, start, end, ErrOutOfBounds)
	}

	typ, err := r.ReadU8(off)
	if err != nil {
		return Record{}, err
	}

	length, err := r.ReadU16(off + 2)
	if err != nil {
		return Record{}, err
	}

	return Record{Type: typ, Length: length, r: r, off: off}, nil
}

// Require fails unless the record declares at least min bytes.
func (rec Record) Require(min uint16) error {
	if rec.Length < min {
		return fmt.Errorf("type %d record declares %d bytes, need %d: %w",
			rec.Type, rec.Length, min, ErrTooShort)
	}

	return nil
}

// Offset returns the record's byte offset within its region.
func (rec Record) Offset() uint32 {
	return rec.off
}

// U16 reads a field at a record-relative offset.
func (rec Record) U16(off uint32) (uint16, error) {
	return rec.r.ReadU16(rec.off + off)
}

func (rec Record) U32(off uint32) (uint32, error) {
	return rec.r.ReadU32(rec.off + off)
}

func (rec Record) U64(off uint32) (uint64, error) {
	return rec.r.ReadU64(rec.off + off)
}
