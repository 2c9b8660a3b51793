package heal

import (
	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// IntrinsicResult counts the structural problems found and fixed on a page.
type IntrinsicResult struct {
	Found int
	Fixed int
}

// Intrinsic repairs the structural damage it can detect on buf without any
// outside help. Three checks run in turn:
//
//  1. every byte in the free space [lower, upper) must be zero;
//  2. both halves of pagesize_version must match the page size and layout
//     version;
//  3. for tables, special must equal the page size.
//
// Each detected problem is fixed immediately. Intrinsic does no I/O and
// does not decide success; the caller verifies the checksum.
func Intrinsic(buf []byte, block uint32, kind page.RelationKind) IntrinsicResult {
	var res IntrinsicResult
	h := page.HeaderOf(buf)
	pageSize := len(buf)

	// Free space
	lower, upper := int(h.Lower()), int(h.Upper())
	if page.SizeOfHeader <= lower && lower <= upper && upper <= pageSize {
		first, n := -1, 0
		for i := lower; i < upper; i++ {
			if buf[i] != 0 {
				if first < 0 {
					first = i
				}
				buf[i] = 0
				n++
			}
		}
		if n > 0 {
			logging.Debug("zeroed non-zero bytes in free space", "block", block, "count", n, "first_offset", first)
			res.Found += n
			res.Fixed += n
		}
	} else {
		logging.Debug("free space bounds are inconsistent, skipping", "block", block, "lower", lower, "upper", upper)
	}

	// Size and version
	want := page.ExpectedPageSizeVersion(pageSize)
	bad := 0
	if got := h.SizeField(); got != want&0xFF00 {
		logging.Info("found invalid page size in header", "block", block, "found", got, "expected", want&0xFF00)
		bad++
	}
	if got := h.VersionField(); got != want&0x00FF {
		logging.Info("found invalid layout version in header", "block", block, "found", got, "expected", want&0x00FF)
		bad++
	}
	if bad > 0 {
		h.SetPageSizeVersion(want)
		res.Found += bad
		res.Fixed += bad
	}

	// Special pointer
	if kind == page.KindTable {
		if special := int(h.Special()); special != pageSize {
			logging.Info("found invalid special pointer for a table", "block", block, "found", special, "expected", pageSize)
			h.SetSpecial(uint16(pageSize))
			res.Found++
			res.Fixed++
		}
	}

	if res.Found > 0 && res.Found == res.Fixed {
		logging.Debug("intrinsic problems fixed", "block", block,
			"found", res.Found, "fixed", res.Fixed,
			"stored_checksum", checksum.Stored(buf), "computed_checksum", checksum.Compute(buf, block))
	}
	return res
}
