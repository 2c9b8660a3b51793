// Package faultinject deliberately corrupts relation pages so the repair
// path can be exercised. It refuses to touch anything unless the injector
// is explicitly put in test mode.
package faultinject

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// Kind names a corruption pattern.
type Kind string

const (
	// KindFreeSpace writes non-zero bytes at both ends of the free space.
	KindFreeSpace Kind = "freespace"
	// KindLSN overwrites the page LSN.
	KindLSN Kind = "pd_lsn"
	// KindSpecial points the special pointer at the wrong place.
	KindSpecial Kind = "pd_special"
	// KindPageSizeVersion damages the size/version field.
	KindPageSizeVersion Kind = "pd_pagesize_version"
	// KindBadRow damages the tuple stored at the end of the page.
	KindBadRow Kind = "badrow"
)

var kindDescriptions = map[Kind]string{
	KindFreeSpace:       "free space corruption introduced at lower and upper-1",
	KindLSN:             "LSN corruption introduced at first 8 bytes",
	KindSpecial:         "pd_special now points to the wrong location",
	KindPageSizeVersion: "pd_pagesize_version is now quite incorrect",
	KindBadRow:          "first tuple on page is now corrupted",
}

// Kinds returns every supported corruption kind in name order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindDescriptions))
	for k := range kindDescriptions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind validates a corruption kind name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := kindDescriptions[k]; !ok {
		v := errors.NewValidation("kind", fmt.Sprintf("unknown corruption type %q", name))
		v.Value = name
		return "", v
	}
	return k, nil
}

// Apply corrupts buf in place. It does no I/O and is not gated.
func Apply(buf []byte, kind Kind) error {
	pageSize := len(buf)
	switch kind {
	case KindFreeSpace:
		h := page.HeaderOf(buf)
		lower, upper := int(h.Lower()), int(h.Upper())
		if lower >= pageSize || upper < 1 || upper > pageSize {
			return errors.NewValidation("kind", "free space bounds are outside the page")
		}
		buf[lower] = 87
		buf[upper-1] = 88
	case KindLSN:
		for i := 0; i < 8; i++ {
			buf[page.OffsetLSN+i] = byte(42 + i)
		}
	case KindSpecial:
		buf[page.OffsetSpecial] = 3
	case KindPageSizeVersion:
		buf[page.OffsetPageSizeVersion] = 123
	case KindBadRow:
		for i := 5; i <= 10; i++ {
			buf[pageSize-i] = byte(12 + i)
		}
	default:
		_, err := ParseKind(string(kind))
		return err
	}
	return nil
}

// Evictor drops cached pages of a relation.
type Evictor interface {
	EvictRelation(loc page.RelFileLocator) int
}

// Injector corrupts pages on disk.
type Injector struct {
	// TestMode must be set before any method will act.
	TestMode bool

	DataDir       string
	PageSize      int
	SegmentBlocks int

	// Evictor, if set, is asked to drop cached pages of the relation after
	// each corruption so the next read comes from disk.
	Evictor Evictor
}

// Corrupt applies kind to block of relPath on disk, then evicts the
// relation from the cache.
func (in *Injector) Corrupt(relPath string, block uint32, kind Kind) error {
	if !in.TestMode {
		return errors.ErrTestModeDisabled
	}
	if _, ok := kindDescriptions[kind]; !ok {
		_, err := ParseKind(string(kind))
		return err
	}

	seg, off := page.SegmentPath(relPath, block, in.PageSize, in.SegmentBlocks)
	path := filepath.Join(in.DataDir, filepath.FromSlash(seg))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return errors.NewIO("open", path, err)
	}
	defer f.Close()

	buf := make([]byte, in.PageSize)
	if n, err := f.ReadAt(buf, off); n != len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.NewIOAt("read", path, off, err)
	}

	if err := Apply(buf, kind); err != nil {
		return err
	}

	if _, err := f.WriteAt(buf, off); err != nil {
		return errors.NewIOAt("write", path, off, err)
	}
	if err := f.Sync(); err != nil {
		return errors.NewIO("sync", path, err)
	}

	logging.Info(kindDescriptions[kind], "path", relPath, "block", block, "kind", string(kind))
	return in.Evict(relPath)
}

// Evict drops every cached page of relPath without touching the disk.
func (in *Injector) Evict(relPath string) error {
	if !in.TestMode {
		return errors.ErrTestModeDisabled
	}
	if in.Evictor == nil {
		return nil
	}
	rf, err := page.ParsePath(relPath)
	if err != nil {
		return errors.NewParse("relation path", relPath, err.Error())
	}
	n := in.Evictor.EvictRelation(rf.Locator)
	logging.Debug("evicted relation from cache", "path", relPath, "pages", n)
	return nil
}
