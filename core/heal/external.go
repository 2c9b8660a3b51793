package heal

import (
	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// External repairs buf from ref, the reference copy of the same block.
//
// When both pages carry the same stored checksum they are taken to hold the
// same content and ref is copied over buf wholesale. Otherwise the slot
// directories are walked together and each tuple whose slot agrees on
// offset and length is copied from ref; the checksum is checked after every
// tuple that changed and the walk stops at the first match.
//
// External returns ExternallyHealedWholePage, ExternallyHealedByTuple or
// Unresolved. A whole-page copy is not verified here.
func External(buf, ref []byte, block uint32) Outcome {
	stored := checksum.Stored(buf)
	refStored := checksum.Stored(ref)
	logging.Debug("external checksums", "block", block,
		"stored", stored, "ref_stored", refStored,
		"computed", checksum.Compute(buf, block), "ref_computed", checksum.Compute(ref, block))

	if stored == refStored {
		n := 0
		for i := range buf {
			if buf[i] != ref[i] {
				buf[i] = ref[i]
				n++
			}
		}
		logging.Debug("copied reference page", "block", block, "bytes", n)
		return ExternallyHealedWholePage
	}

	pageSize := len(buf)
	lower := int(page.HeaderOf(buf).Lower())
	refLower := int(page.HeaderOf(ref).Lower())

	// The walk is bounded by the reference directory and stops once it
	// passes the end of the damaged page's directory.
	for off := page.SizeOfHeader; off < refLower; off += page.ItemIDSize {
		if off > lower || off+page.ItemIDSize > pageSize {
			break
		}

		id := page.ItemIDAt(buf, off)
		refID := page.ItemIDAt(ref, off)
		if id.Offset() != refID.Offset() || id.Length() != refID.Length() {
			logging.Debug("slot differs from reference, skipping", "block", block, "slot_offset", off, "item", id.String(), "ref_item", refID.String())
			continue
		}

		start, end := int(id.Offset()), int(id.Offset()+id.Length())
		if end > pageSize {
			continue
		}

		diffs := 0
		for j := start; j < end; j++ {
			if buf[j] != ref[j] {
				buf[j] = ref[j]
				diffs++
			}
		}
		if diffs == 0 {
			continue
		}

		if checksum.Compute(buf, block) == stored {
			logging.Debug("fixed with tuple data", "block", block, "slot_offset", off, "bytes", diffs)
			return ExternallyHealedByTuple
		}
	}
	return Unresolved
}
