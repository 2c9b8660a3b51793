// Package bufmgr is the host side of the page healer: a page cache that
// verifies every page it loads from disk.
//
// A page that fails verification is never cached. The manager raises a
// page corruption event on its bus and returns an *InvalidPageError to the
// caller unchanged, whatever the subscribers did. Subscribers that rewrite
// the page call Invalidate so the next read goes back to disk.
package bufmgr

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// DefaultMaxPages is the default cache capacity in pages.
const DefaultMaxPages = 16384

// Config holds buffer manager settings.
type Config struct {
	DataDir       string
	PageSize      int
	SegmentBlocks int
	// MaxPages bounds the cache; zero means DefaultMaxPages.
	MaxPages int64
}

// InvalidPageError is returned when a page read from disk fails its
// checksum. Its message is the one carried by the emitted event.
type InvalidPageError struct {
	Path     string
	Block    uint32
	Stored   uint16
	Computed uint16
}

func (e *InvalidPageError) Error() string {
	return fmt.Sprintf("invalid page in block %d of relation %s", e.Block, e.Path)
}

// Stats are cumulative buffer manager counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Failures      uint64 `json:"failures"`
	Invalidations uint64 `json:"invalidations"`
}

// Manager caches verified pages.
type Manager struct {
	cfg   Config
	cache *ristretto.Cache[string, []byte]
	bus   *signal.Bus

	mu   sync.Mutex
	keys map[page.RelFileLocator]map[string]struct{}

	hits          atomic.Uint64
	misses        atomic.Uint64
	failures      atomic.Uint64
	invalidations atomic.Uint64
}

// New creates a buffer manager. Events are emitted on bus, which may be nil.
func New(cfg Config, bus *signal.Bus) (*Manager, error) {
	if !page.IsValidPageSize(cfg.PageSize) {
		return nil, errors.NewValidation("page_size", fmt.Sprintf("invalid page size %d", cfg.PageSize))
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: cfg.MaxPages * 10,
		MaxCost:     cfg.MaxPages,
		BufferItems: 64,
		// Every page costs 1 so MaxCost counts pages.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create page cache: %w", err)
	}

	return &Manager{
		cfg:   cfg,
		cache: cache,
		bus:   bus,
		keys:  make(map[page.RelFileLocator]map[string]struct{}),
	}, nil
}

// Close releases the cache.
func (m *Manager) Close() {
	m.cache.Close()
}

func cacheKey(loc page.RelFileLocator, fork page.ForkNumber, block uint32) string {
	return fmt.Sprintf("%d/%d/%d/%d/%d", loc.SpcOID, loc.DBOID, loc.RelNumber, fork, block)
}

// ReadPage returns a copy of block of relPath, from the cache when
// possible. Pages that were never initialised are returned without
// verification, as the server does.
func (m *Manager) ReadPage(relPath string, block uint32) ([]byte, error) {
	rf, err := page.ParsePath(relPath)
	if err != nil {
		return nil, errors.NewParse("relation path", relPath, err.Error())
	}
	key := cacheKey(rf.Locator, rf.Fork, block)

	if buf, ok := m.cache.Get(key); ok {
		m.hits.Add(1)
		return append([]byte(nil), buf...), nil
	}
	m.misses.Add(1)

	buf, err := m.readDisk(relPath, block)
	if err != nil {
		return nil, err
	}

	if !page.HeaderOf(buf).IsNew() && !checksum.Verify(buf, block) {
		m.failures.Add(1)
		perr := &InvalidPageError{
			Path:     relPath,
			Block:    block,
			Stored:   checksum.Stored(buf),
			Computed: checksum.Compute(buf, block),
		}
		logging.Warn("page verification failed", "path", relPath, "block", block,
			"stored_checksum", perr.Stored, "computed_checksum", perr.Computed)
		if m.bus != nil {
			m.bus.Emit(signal.Event{
				Severity: signal.SeverityError,
				Code:     signal.CodeDataCorrupted,
				Message:  perr.Error(),
			})
		}
		return nil, perr
	}

	m.store(rf.Locator, key, buf)
	return append([]byte(nil), buf...), nil
}

func (m *Manager) readDisk(relPath string, block uint32) ([]byte, error) {
	seg, off := page.SegmentPath(relPath, block, m.cfg.PageSize, m.cfg.SegmentBlocks)
	path := filepath.Join(m.cfg.DataDir, filepath.FromSlash(seg))

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	defer f.Close()

	buf := make([]byte, m.cfg.PageSize)
	n, err := f.ReadAt(buf, off)
	if n != len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.NewIOAt("read", path, off, err)
	}
	return buf, nil
}

func (m *Manager) store(loc page.RelFileLocator, key string, buf []byte) {
	if !m.cache.Set(key, buf, 1) {
		return
	}
	m.cache.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.keys[loc]
	if !ok {
		set = make(map[string]struct{})
		m.keys[loc] = set
	}
	set[key] = struct{}{}
}

// Cached reports whether block of relPath is currently cached.
func (m *Manager) Cached(relPath string, block uint32) bool {
	rf, err := page.ParsePath(relPath)
	if err != nil {
		return false
	}
	_, ok := m.cache.Get(cacheKey(rf.Locator, rf.Fork, block))
	return ok
}

// Invalidate drops nblocks cached pages starting at firstBlock.
func (m *Manager) Invalidate(loc page.RelFileLocator, fork page.ForkNumber, firstBlock uint32, nblocks int) error {
	if nblocks < 0 {
		return errors.NewValidation("nblocks", "must not be negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < nblocks; i++ {
		key := cacheKey(loc, fork, firstBlock+uint32(i))
		m.cache.Del(key)
		delete(m.keys[loc], key)
	}
	m.invalidations.Add(uint64(nblocks))
	logging.Debug("invalidated cached pages", "relation", loc.RelNumber, "fork", fork.String(),
		"first_block", firstBlock, "blocks", nblocks)
	return nil
}

// EvictRelation drops every cached page of loc and returns how many were
// tracked.
func (m *Manager) EvictRelation(loc page.RelFileLocator) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.keys[loc]
	for key := range set {
		m.cache.Del(key)
	}
	delete(m.keys, loc)
	return len(set)
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
		Failures:      m.failures.Load(),
		Invalidations: m.invalidations.Load(),
	}
}
