// Package checksum computes the 16-bit page checksum used by PostgreSQL
// data files.
//
// The algorithm runs 32 parallel FNV-1a style lanes over the page, one
// 32-bit little-endian word per lane per row, then mixes in two rounds of
// zeros and folds the lanes together with XOR. The block number is mixed
// in last so that a page copied to the wrong offset fails verification.
//
// The stored checksum field (bytes 8..9) is treated as zero while hashing.
// The functions here never modify the page buffer.
package checksum

import (
	"encoding/binary"
)

const (
	nSums    = 32
	fnvPrime = 16777619

	// rowSize is the number of page bytes consumed per round of all lanes.
	rowSize = nSums * 4

	// The checksum lives in the low half of word 2 of the first row.
	checksumWord = 2
	checksumMask = 0xFFFF0000

	checksumOffset = 8
)

var baseOffsets = [nSums]uint32{
	0x5B1F36E9, 0xB8525960, 0x02AB50AA, 0x1DE66D2A,
	0x79FF467A, 0x9BB9F8A3, 0x217E7CD2, 0x83E13D2C,
	0xF8D4474F, 0xE39EB970, 0x42C6AE16, 0x993216FA,
	0x7B093B5D, 0x98DAFF3C, 0xF718902A, 0x0B1C9CDB,
	0xE58F764B, 0x187636BC, 0x5D7B3BB1, 0xE73DE7DE,
	0x92BEC979, 0xCCA6C0B2, 0x304A0979, 0x85AA43D4,
	0x783125BB, 0x6CA8EAA2, 0xE407EAC6, 0x4B5CFC3E,
	0x9FBF8C76, 0x15CA20BE, 0xF2CA9FFF, 0x3E1DEB80,
}

func comp(sum, value uint32) uint32 {
	tmp := sum ^ value
	return tmp*fnvPrime ^ tmp>>17
}

// Block returns the raw 32-bit lane fold of page with its checksum field
// masked out. len(page) must be a multiple of 128.
func Block(page []byte) uint32 {
	sums := baseOffsets

	rows := len(page) / rowSize
	for i := 0; i < rows; i++ {
		row := page[i*rowSize : (i+1)*rowSize]
		for j := 0; j < nSums; j++ {
			w := binary.LittleEndian.Uint32(row[j*4:])
			if i == 0 && j == checksumWord {
				w &= checksumMask
			}
			sums[j] = comp(sums[j], w)
		}
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < nSums; j++ {
			sums[j] = comp(sums[j], 0)
		}
	}

	var result uint32
	for _, s := range sums {
		result ^= s
	}
	return result
}

// Compute returns the checksum page should carry when stored at block.
// The result is never zero.
func Compute(page []byte, block uint32) uint16 {
	return uint16((Block(page)^block)%65535 + 1)
}

// Stored returns the checksum recorded in the page header.
func Stored(page []byte) uint16 {
	return binary.LittleEndian.Uint16(page[checksumOffset:])
}

// Verify reports whether the stored checksum of page matches the one
// computed for block.
func Verify(page []byte, block uint32) bool {
	return Stored(page) == Compute(page, block)
}

// Set computes the checksum for block and stores it in page.
func Set(page []byte, block uint32) uint16 {
	sum := Compute(page, block)
	binary.LittleEndian.PutUint16(page[checksumOffset:], sum)
	return sum
}
