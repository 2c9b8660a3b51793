// Package reference serves pages from a secondary copy of the data
// directory.
//
// The reference directory mirrors the data directory's relative layout:
// the reference copy of base/1/2 lives at <dir>/base/1/2. A segment may also
// be stored xz-compressed as <dir>/base/1/2.xz (or base/1/2.1.xz); the plain
// file wins when both exist.
package reference

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
)

// CompressedSuffix marks an xz-compressed reference segment.
const CompressedSuffix = ".xz"

// Injectable functions for testing
var (
	osOpen      = os.Open
	xzNewReader = xz.NewReader
)

// Store reads reference pages.
type Store struct {
	dir           string
	pageSize      int
	segmentBlocks int
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, pageSize, segmentBlocks int) *Store {
	return &Store{dir: dir, pageSize: pageSize, segmentBlocks: segmentBlocks}
}

// Dir returns the reference root directory.
func (s *Store) Dir() string { return s.dir }

// Locate returns the reference segment file for block of relPath and the
// byte offset of the block inside it.
func (s *Store) Locate(relPath string, block uint32) (string, int64) {
	seg, off := page.SegmentPath(relPath, block, s.pageSize, s.segmentBlocks)
	return filepath.Join(s.dir, filepath.FromSlash(seg)), off
}

// ReadPage returns the reference copy of block of relPath. It returns a
// *errors.NotFoundError when neither a plain nor a compressed segment
// exists and a *errors.IOError when the segment is too short or unreadable.
func (s *Store) ReadPage(relPath string, block uint32) ([]byte, error) {
	path, off := s.Locate(relPath, block)

	buf, err := s.readPlain(path, off)
	if err == nil || !os.IsNotExist(err) {
		return buf, err
	}

	buf, err = s.readCompressed(path+CompressedSuffix, off)
	if err != nil && os.IsNotExist(err) {
		return nil, errors.NewNotFound("reference file", path)
	}
	return buf, err
}

func (s *Store) readPlain(path string, off int64) ([]byte, error) {
	f, err := osOpen(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	buf := make([]byte, s.pageSize)
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, errors.NewIOAt("read reference page", path, off, err)
}

func (s *Store) readCompressed(path string, off int64) ([]byte, error) {
	f, err := osOpen(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	r, err := xzNewReader(f)
	if err != nil {
		return nil, errors.NewIO("open xz stream", path, err)
	}
	if _, err := io.CopyN(io.Discard, r, off); err != nil {
		return nil, errors.NewIOAt("seek xz stream", path, off, shortRead(err))
	}

	buf := make([]byte, s.pageSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.NewIOAt("read reference page", path, off, shortRead(err))
	}
	return buf, nil
}

func shortRead(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (s *Store) String() string {
	return fmt.Sprintf("reference store %s (page size %d)", s.dir, s.pageSize)
}
