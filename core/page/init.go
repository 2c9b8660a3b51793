package page

import (
	"errors"
	"fmt"
)

// ErrPageFull is returned by AddItem when the tuple and its slot do not fit.
var ErrPageFull = errors.New("page is full")

// Init formats buf as an empty page with specialSize bytes of special space.
// All of buf is zeroed first.
func Init(buf []byte, specialSize int) error {
	if !IsValidPageSize(len(buf)) {
		return fmt.Errorf("invalid page size %d", len(buf))
	}
	specialSize = alignUp(specialSize)
	if specialSize > len(buf)-SizeOfHeader {
		return fmt.Errorf("special size %d does not fit in a %d byte page", specialSize, len(buf))
	}

	clear(buf)
	h := HeaderOf(buf)
	h.SetLower(SizeOfHeader)
	h.SetUpper(uint16(len(buf) - specialSize))
	h.SetSpecial(uint16(len(buf) - specialSize))
	h.SetPageSizeVersion(ExpectedPageSizeVersion(len(buf)))
	return nil
}

// New allocates and initialises a table page of the given size.
func New(pageSize int) ([]byte, error) {
	buf := make([]byte, pageSize)
	if err := Init(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// AddItem appends a tuple below upper and a slot for it at lower, returning
// the 0-based slot index.
func AddItem(buf []byte, tuple []byte) (int, error) {
	if len(tuple) == 0 || len(tuple) > 0x7FFF {
		return 0, fmt.Errorf("invalid tuple length %d", len(tuple))
	}

	h := HeaderOf(buf)
	lower, upper := int(h.Lower()), int(h.Upper())
	size := alignUp(len(tuple))
	if lower+ItemIDSize > upper-size {
		return 0, ErrPageFull
	}

	upper -= size
	copy(buf[upper:], tuple)
	slot := (lower - SizeOfHeader) / ItemIDSize
	MakeItemID(uint32(upper), ItemNormal, uint32(len(tuple))).Put(buf, lower)

	h.SetLower(uint16(lower + ItemIDSize))
	h.SetUpper(uint16(upper))
	return slot, nil
}

func alignUp(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}
