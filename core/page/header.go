// Package page describes the on-disk layout of a heap page.
//
// A page is kept as a flat byte slice so that it can be read and written
// without any encoding step. Header is a typed view over that slice: the
// accessors below are the only place in the module that knows the byte
// offsets of the header fields.
//
// Layout (all integers little-endian):
//
//	Offset  Size  Field
//	──────────────────────────────────────────────────────
//	0       8     lsn               WAL position of last change
//	8       2     checksum          16-bit integrity code
//	10      2     flags
//	12      2     lower             start of free space
//	14      2     upper             end of free space
//	16      2     special           start of special space
//	18      2     pagesize_version  size class (high byte) | layout version
//	20      4     prune_xid
//	──────────────────────────────────────────────────────
//	24            item slots, 4 bytes each, growing up to lower
//
// Tuples are packed downwards from upper to special.
package page

import (
	"encoding/binary"
)

// Page geometry
const (
	// DefaultPageSize is the canonical page size.
	DefaultPageSize = 8192

	// MinPageSize is the smallest supported page size.
	MinPageSize = 1024

	// MaxPageSize is the largest supported page size.
	MaxPageSize = 32768

	// LayoutVersion is the page layout version stored in the low byte of
	// pagesize_version.
	LayoutVersion = 4

	// SizeOfHeader is the size of the fixed page header; the slot directory
	// starts here.
	SizeOfHeader = 24

	// MaxAlign is the alignment of tuple data.
	MaxAlign = 8
)

// Header field byte offsets
const (
	OffsetLSN             = 0
	OffsetChecksum        = 8
	OffsetFlags           = 10
	OffsetLower           = 12
	OffsetUpper           = 14
	OffsetSpecial         = 16
	OffsetPageSizeVersion = 18
	OffsetPruneXID        = 20
)

// RelationKind tells the repairers which structural rules apply to a page.
type RelationKind uint16

const (
	// KindTable is an ordinary table. Table pages have no special space.
	KindTable RelationKind = 1
	// KindIndex is an index relation.
	KindIndex RelationKind = 2
	// KindSequence is a sequence relation.
	KindSequence RelationKind = 3
	// KindOther is any other relation kind.
	KindOther RelationKind = 4
)

func (k RelationKind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindSequence:
		return "sequence"
	default:
		return "other"
	}
}

// ParseRelationKind maps a relation kind name to a RelationKind.
func ParseRelationKind(name string) (RelationKind, bool) {
	switch name {
	case "table", "":
		return KindTable, true
	case "index":
		return KindIndex, true
	case "sequence":
		return KindSequence, true
	case "other":
		return KindOther, true
	}
	return 0, false
}

// IsValidPageSize reports whether size is a power of two in
// [MinPageSize, MaxPageSize].
func IsValidPageSize(size int) bool {
	if size < MinPageSize || size > MaxPageSize {
		return false
	}
	return size&(size-1) == 0
}

// ExpectedPageSizeVersion returns the pagesize_version value of a healthy
// page of the given size.
func ExpectedPageSizeVersion(pageSize int) uint16 {
	return uint16(pageSize)&0xFF00 | LayoutVersion
}

// Header is a typed view over a page buffer. It holds the whole page, not
// only the first SizeOfHeader bytes, so that slots can be resolved.
type Header struct {
	buf []byte
}

// HeaderOf returns a header view over buf. buf must be at least
// SizeOfHeader bytes long.
func HeaderOf(buf []byte) Header {
	return Header{buf: buf}
}

// Bytes returns the underlying page buffer.
func (h Header) Bytes() []byte { return h.buf }

// PageSize returns the length of the underlying buffer.
func (h Header) PageSize() int { return len(h.buf) }

func (h Header) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(h.buf[off:])
}

func (h Header) putU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(h.buf[off:], v)
}

// LSN returns the log sequence number of the last change to the page.
func (h Header) LSN() uint64 { return binary.LittleEndian.Uint64(h.buf[OffsetLSN:]) }

// Checksum returns the stored checksum.
func (h Header) Checksum() uint16 { return h.u16(OffsetChecksum) }

// SetChecksum stores a checksum.
func (h Header) SetChecksum(v uint16) { h.putU16(OffsetChecksum, v) }

// Flags returns the page flag bits.
func (h Header) Flags() uint16 { return h.u16(OffsetFlags) }

// Lower returns the offset of the start of free space.
func (h Header) Lower() uint16 { return h.u16(OffsetLower) }

// SetLower sets the offset of the start of free space.
func (h Header) SetLower(v uint16) { h.putU16(OffsetLower, v) }

// Upper returns the offset of the end of free space.
func (h Header) Upper() uint16 { return h.u16(OffsetUpper) }

// SetUpper sets the offset of the end of free space.
func (h Header) SetUpper(v uint16) { h.putU16(OffsetUpper, v) }

// Special returns the offset of the special space.
func (h Header) Special() uint16 { return h.u16(OffsetSpecial) }

// SetSpecial sets the offset of the special space.
func (h Header) SetSpecial(v uint16) { h.putU16(OffsetSpecial, v) }

// PageSizeVersion returns the packed size/version field.
func (h Header) PageSizeVersion() uint16 { return h.u16(OffsetPageSizeVersion) }

// SetPageSizeVersion stores the packed size/version field.
func (h Header) SetPageSizeVersion(v uint16) { h.putU16(OffsetPageSizeVersion, v) }

// SizeField returns the size half of pagesize_version.
func (h Header) SizeField() uint16 { return h.PageSizeVersion() & 0xFF00 }

// VersionField returns the version half of pagesize_version.
func (h Header) VersionField() uint16 { return h.PageSizeVersion() & 0x00FF }

// PruneXID returns the oldest prunable transaction ID.
func (h Header) PruneXID() uint32 { return binary.LittleEndian.Uint32(h.buf[OffsetPruneXID:]) }

// IsNew reports whether the page was never initialised (upper is zero).
func (h Header) IsNew() bool { return h.Upper() == 0 }

// FreeSpace returns the number of bytes between lower and upper, or zero
// when the bounds are inconsistent.
func (h Header) FreeSpace() int {
	lower, upper := int(h.Lower()), int(h.Upper())
	if upper < lower {
		return 0
	}
	return upper - lower
}

// ItemCount returns the number of slots in the slot directory.
func (h Header) ItemCount() int {
	lower := int(h.Lower())
	if lower <= SizeOfHeader {
		return 0
	}
	return (lower - SizeOfHeader) / ItemIDSize
}

// Item returns slot i (0-based). It panics if the slot lies outside the
// buffer.
func (h Header) Item(i int) ItemID {
	return ItemIDAt(h.buf, SizeOfHeader+i*ItemIDSize)
}

// Tuple returns the bytes slot i points at, or nil when the slot does not
// describe a range inside the page.
func (h Header) Tuple(i int) []byte {
	id := h.Item(i)
	start, end := int(id.Offset()), int(id.Offset())+int(id.Length())
	if id.Length() == 0 || start < SizeOfHeader || end > len(h.buf) {
		return nil
	}
	return h.buf[start:end]
}
