package page

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3 digest of a page buffer. Repair reports
// carry the fingerprint of the page before and after a transaction so that a
// committed write can be checked against what was intended.
func Fingerprint(buf []byte) string {
	h := blake3.Sum256(buf)
	return hex.EncodeToString(h[:])
}
