// Package scan verifies the checksum of every page in a data directory.
package scan

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// Config holds scan settings.
type Config struct {
	DataDir       string
	PageSize      int
	SegmentBlocks int
	// SkipDirs are directories excluded from the walk, such as the
	// reference mirror.
	SkipDirs []string
	// Workers bounds the files read in parallel; zero means GOMAXPROCS.
	Workers int
}

// Failure is a page whose stored checksum does not match.
type Failure struct {
	Path     string `json:"path"`
	Block    uint32 `json:"block"`
	Stored   uint16 `json:"stored_checksum"`
	Computed uint16 `json:"computed_checksum"`
}

// Message is the server's wording for the failure, suitable for a
// diagnostic event.
func (f Failure) Message() string {
	return fmt.Sprintf("invalid page in block %d of relation %s", f.Block, f.Path)
}

// File is the result for one segment file.
type File struct {
	// Name is the segment file relative to the data directory.
	Name string `json:"name"`
	// Relation is the relation path without a segment suffix.
	Relation string    `json:"relation"`
	Bytes    int64     `json:"bytes"`
	Pages    int       `json:"pages"`
	New      int       `json:"new_pages"`
	Partial  bool      `json:"partial"`
	Failures []Failure `json:"failures,omitempty"`
}

// Result summarises a scan.
type Result struct {
	Files    []File    `json:"files"`
	Bytes    int64     `json:"bytes"`
	Pages    int       `json:"pages"`
	New      int       `json:"new_pages"`
	Failures []Failure `json:"failures"`
}

// Scanner walks a data directory.
type Scanner struct {
	cfg Config
	bus *signal.Bus
}

// New creates a scanner. When bus is not nil every failure is emitted on it
// as a page corruption event once the scan completes.
func New(cfg Config, bus *signal.Bus) (*Scanner, error) {
	if !page.IsValidPageSize(cfg.PageSize) {
		return nil, errors.NewValidation("page_size", fmt.Sprintf("invalid page size %d", cfg.PageSize))
	}
	if cfg.DataDir == "" {
		return nil, errors.NewValidation("data_dir", "is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return &Scanner{cfg: cfg, bus: bus}, nil
}

// Run scans every relation file. It stops at the first I/O error or when
// ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) (Result, error) {
	names, err := s.relationFiles()
	if err != nil {
		return Result{}, err
	}

	files := make([]File, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, name := range names {
		g.Go(func() error {
			f, err := s.scanFile(ctx, name)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Files: files}
	for _, f := range files {
		res.Bytes += f.Bytes
		res.Pages += f.Pages
		res.New += f.New
		res.Failures = append(res.Failures, f.Failures...)
	}
	logging.Info("scan complete", "files", len(files), "pages", res.Pages, "failures", len(res.Failures))

	if s.bus != nil {
		for _, f := range res.Failures {
			s.bus.Emit(signal.Event{
				Severity: signal.SeverityError,
				Code:     signal.CodeDataCorrupted,
				Message:  f.Message(),
			})
		}
	}
	return res, nil
}

// relationFiles lists every file under the data directory that is named
// like relation storage, as sorted slash-separated relative paths.
func (s *Scanner) relationFiles() ([]string, error) {
	skip := make(map[string]bool, len(s.cfg.SkipDirs))
	for _, d := range s.cfg.SkipDirs {
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = true
		}
	}

	var names []string
	walk := func(root, prefix string) error {
		return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return errors.NewIO("walk", p, err)
			}
			if d.IsDir() {
				if abs, err := filepath.Abs(p); err == nil && skip[abs] {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			name := path.Join(prefix, filepath.ToSlash(rel))
			if _, err := page.ParsePath(name); err == nil {
				names = append(names, name)
			}
			return nil
		})
	}

	for _, top := range []string{"global", "base"} {
		root := filepath.Join(s.cfg.DataDir, top)
		if _, err := os.Stat(root); os.IsNotExist(err) {
			continue
		}
		if err := walk(root, top); err != nil {
			return nil, err
		}
	}

	// Tablespaces are symlinks, which WalkDir does not follow.
	spcDir := filepath.Join(s.cfg.DataDir, "pg_tblspc")
	links, err := os.ReadDir(spcDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.NewIO("read dir", spcDir, err)
	}
	for _, l := range links {
		target, err := filepath.EvalSymlinks(filepath.Join(spcDir, l.Name()))
		if err != nil {
			logging.Warn("skipping unreadable tablespace", "name", l.Name(), "error", err)
			continue
		}
		if err := walk(target, path.Join("pg_tblspc", l.Name())); err != nil {
			return nil, err
		}
	}

	sort.Strings(names)
	return names, nil
}

func (s *Scanner) scanFile(ctx context.Context, name string) (File, error) {
	rf, err := page.ParsePath(name)
	if err != nil {
		return File{}, errors.NewParse("relation path", name, err.Error())
	}
	out := File{Name: name, Relation: relationOf(name, rf.Segment)}

	full := filepath.Join(s.cfg.DataDir, filepath.FromSlash(name))
	f, err := os.Open(full)
	if err != nil {
		return out, errors.NewIO("open", full, err)
	}
	defer f.Close()

	var first uint32
	if s.cfg.SegmentBlocks > 0 {
		first = rf.Segment * uint32(s.cfg.SegmentBlocks)
	}

	buf := make([]byte, s.cfg.PageSize)
	for i := uint32(0); ; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n, err := io.ReadFull(f, buf)
		out.Bytes += int64(n)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			out.Partial = true
			logging.Warn("ignoring partial trailing page", "file", name, "bytes", n)
			break
		}
		if err != nil {
			return out, errors.NewIO("read", full, err)
		}

		out.Pages++
		block := first + i
		if page.HeaderOf(buf).IsNew() {
			out.New++
			continue
		}
		if stored, computed := checksum.Stored(buf), checksum.Compute(buf, block); stored != computed {
			out.Failures = append(out.Failures, Failure{
				Path:     out.Relation,
				Block:    block,
				Stored:   stored,
				Computed: computed,
			})
		}
	}
	return out, nil
}

// relationOf strips the segment suffix from a segment file name.
func relationOf(name string, segment uint32) string {
	if segment == 0 {
		return name
	}
	return strings.TrimSuffix(name, fmt.Sprintf(".%d", segment))
}
