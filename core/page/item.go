package page

import (
	"encoding/binary"
	"fmt"
)

// ItemIDSize is the size of one slot directory entry.
const ItemIDSize = 4

// Slot flag values.
const (
	ItemUnused   = 0
	ItemNormal   = 1
	ItemRedirect = 2
	ItemDead     = 3
)

// ItemID is a slot directory entry: offset (15 bits), flags (2 bits) and
// length (15 bits) packed into a little-endian uint32.
type ItemID uint32

// MakeItemID packs a slot entry.
func MakeItemID(offset, flags, length uint32) ItemID {
	return ItemID(offset&0x7FFF | (flags&0x3)<<15 | (length&0x7FFF)<<17)
}

// ItemIDAt decodes the slot entry stored at byte offset off of buf.
func ItemIDAt(buf []byte, off int) ItemID {
	return ItemID(binary.LittleEndian.Uint32(buf[off:]))
}

// Put encodes the slot entry at byte offset off of buf.
func (id ItemID) Put(buf []byte, off int) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(id))
}

// Offset returns the byte offset of the tuple.
func (id ItemID) Offset() uint32 { return uint32(id) & 0x7FFF }

// Flags returns the slot state.
func (id ItemID) Flags() uint32 { return (uint32(id) >> 15) & 0x3 }

// Length returns the tuple length in bytes.
func (id ItemID) Length() uint32 { return uint32(id) >> 17 }

func (id ItemID) String() string {
	return fmt.Sprintf("(off=%d flags=%d len=%d)", id.Offset(), id.Flags(), id.Length())
}
