package reference

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/FocuswithJustin/PageHealer/core/errors"
)

var xzNewWriter = xz.NewWriter

// CaptureResult describes one snapshotted segment.
type CaptureResult struct {
	Source     string
	Dest       string
	Bytes      int64
	Compressed bool
}

// Capture copies every segment of relPath from dataDir into the reference
// store, xz-compressing each one when compress is set. Segments are written
// to a temporary file and renamed into place, so a reader never sees a
// partial segment. A stale copy in the other format is removed.
func (s *Store) Capture(dataDir, relPath string, compress bool) ([]CaptureResult, error) {
	var results []CaptureResult
	for seg := 0; ; seg++ {
		name := filepath.FromSlash(relPath)
		if seg > 0 {
			name = fmt.Sprintf("%s.%d", name, seg)
		}
		src := filepath.Join(dataDir, name)
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return results, errors.NewIO("stat", src, err)
		}

		dst := filepath.Join(s.dir, name)
		res, err := captureSegment(src, dst, compress)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}

	if len(results) == 0 {
		return nil, errors.NewNotFound("relation file", filepath.Join(dataDir, relPath))
	}
	return results, nil
}

func captureSegment(src, dst string, compress bool) (CaptureResult, error) {
	res := CaptureResult{Source: src, Dest: dst, Compressed: compress}
	stale := dst + CompressedSuffix
	if compress {
		res.Dest, stale = dst+CompressedSuffix, dst
	}

	if err := os.MkdirAll(filepath.Dir(res.Dest), 0o755); err != nil {
		return res, errors.NewIO("create directory", filepath.Dir(res.Dest), err)
	}

	in, err := os.Open(src)
	if err != nil {
		return res, errors.NewIO("open", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(res.Dest), ".capture-*")
	if err != nil {
		return res, errors.NewIO("create temporary file", filepath.Dir(res.Dest), err)
	}
	defer os.Remove(tmp.Name())

	n, err := copySegment(tmp, in, compress)
	if err != nil {
		tmp.Close()
		return res, errors.NewIO("copy", src, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return res, errors.NewIO("sync", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return res, errors.NewIO("close", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), res.Dest); err != nil {
		return res, errors.NewIO("rename", res.Dest, err)
	}
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		return res, errors.NewIO("remove stale copy", stale, err)
	}

	res.Bytes = n
	return res, nil
}

func copySegment(w io.Writer, r io.Reader, compress bool) (int64, error) {
	if !compress {
		return io.Copy(w, r)
	}
	xw, err := xzNewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("failed to create xz writer: %w", err)
	}
	n, err := io.Copy(xw, r)
	if err != nil {
		xw.Close()
		return n, err
	}
	return n, xw.Close()
}
