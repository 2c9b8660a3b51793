package heal

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/page"
)

const (
	testRelPath  = "base/1/2"
	testPageSize = page.DefaultPageSize
)

// testPage builds a table page for block holding three 40 byte tuples and
// stores its checksum.
func testPage(t *testing.T, block uint32) []byte {
	t.Helper()
	buf, err := page.New(testPageSize)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		tuple := bytes.Repeat([]byte{byte('a' + i), byte(block)}, 20)
		if _, err := page.AddItem(buf, tuple); err != nil {
			t.Fatal(err)
		}
	}
	binary.LittleEndian.PutUint64(buf[page.OffsetLSN:], 0x1000+uint64(block))
	checksum.Set(buf, block)
	return buf
}

// fixture is a data directory holding one relation.
type fixture struct {
	t     *testing.T
	cfg   Config
	pages [][]byte
}

func newFixture(t *testing.T, nblocks, segmentBlocks int) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SegmentBlocks = segmentBlocks

	f := &fixture{t: t, cfg: cfg}
	for i := 0; i < nblocks; i++ {
		f.pages = append(f.pages, testPage(t, uint32(i)))
	}
	f.writeRelation(cfg.DataDir, f.pages)
	return f
}

// writeRelation lays pages out in segment files under root.
func (f *fixture) writeRelation(root string, pages [][]byte) {
	f.t.Helper()
	files := map[string][]byte{}
	for i, p := range pages {
		seg, _ := page.SegmentPath(testRelPath, uint32(i), testPageSize, f.cfg.SegmentBlocks)
		files[seg] = append(files[seg], p...)
	}
	for seg, data := range files {
		path := filepath.Join(root, filepath.FromSlash(seg))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			f.t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			f.t.Fatal(err)
		}
	}
}

// writeReference stores pages as the reference copy of the relation.
func (f *fixture) writeReference(pages [][]byte) {
	f.writeRelation(f.cfg.ReferenceRoot(), pages)
}

func (f *fixture) readBlock(block uint32) []byte {
	f.t.Helper()
	path, off := f.cfg.FilePath(testRelPath, block)
	file, err := os.Open(path)
	if err != nil {
		f.t.Fatal(err)
	}
	defer file.Close()
	buf := make([]byte, testPageSize)
	if _, err := file.ReadAt(buf, off); err != nil {
		f.t.Fatal(err)
	}
	return buf
}

func (f *fixture) writeBlock(block uint32, buf []byte) {
	f.t.Helper()
	path, off := f.cfg.FilePath(testRelPath, block)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f.t.Fatal(err)
	}
	defer file.Close()
	if _, err := file.WriteAt(buf, off); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) readAll() map[string][]byte {
	f.t.Helper()
	out := map[string][]byte{}
	err := filepath.Walk(filepath.Join(f.cfg.DataDir, "base"), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		out[path] = data
		return err
	})
	if err != nil {
		f.t.Fatal(err)
	}
	return out
}

type invalidation struct {
	loc    page.RelFileLocator
	fork   page.ForkNumber
	block  uint32
	blocks int
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
}

func (f *fakeInvalidator) Invalidate(loc page.RelFileLocator, fork page.ForkNumber, firstBlock uint32, nblocks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invalidation{loc, fork, firstBlock, nblocks})
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	reports []Report
}

func (f *fakeRecorder) Record(_ context.Context, r Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}
