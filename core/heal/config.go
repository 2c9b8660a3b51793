package heal

import (
	"fmt"
	"path/filepath"

	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
)

// DefaultReferenceDir is the reference directory name, resolved against
// the data directory when relative.
const DefaultReferenceDir = "pg_healer"

// Config holds healer settings.
type Config struct {
	// PageSize is the size of every page in bytes.
	PageSize int `json:"page_size"`
	// SegmentBlocks is the number of blocks per segment file.
	SegmentBlocks int `json:"segment_blocks"`
	// DataDir is the directory relation paths are relative to.
	DataDir string `json:"data_dir"`
	// ReferenceDir holds the secondary copy of the data directory.
	ReferenceDir string `json:"reference_dir"`
	// RelationKind selects the structural checks run by the intrinsic
	// repairer. Every target is treated as this kind.
	RelationKind page.RelationKind `json:"relation_kind"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:      page.DefaultPageSize,
		SegmentBlocks: page.DefaultSegmentBlocks,
		DataDir:       ".",
		ReferenceDir:  DefaultReferenceDir,
		RelationKind:  page.KindTable,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !page.IsValidPageSize(c.PageSize) {
		v := errors.NewValidation("page_size", fmt.Sprintf("must be a power of two between %d and %d", page.MinPageSize, page.MaxPageSize))
		v.Value = fmt.Sprint(c.PageSize)
		return v
	}
	if c.SegmentBlocks < 0 {
		v := errors.NewValidation("segment_blocks", "must not be negative")
		v.Value = fmt.Sprint(c.SegmentBlocks)
		return v
	}
	if c.DataDir == "" {
		return errors.NewValidation("data_dir", "is required")
	}
	if c.ReferenceDir == "" {
		return errors.NewValidation("reference_dir", "is required")
	}
	switch c.RelationKind {
	case page.KindTable, page.KindIndex, page.KindSequence, page.KindOther:
	default:
		v := errors.NewValidation("relation_kind", "unknown relation kind")
		v.Value = fmt.Sprint(uint16(c.RelationKind))
		return v
	}
	return nil
}

// ReferenceRoot returns the reference directory, resolved against the data
// directory when relative.
func (c Config) ReferenceRoot() string {
	if filepath.IsAbs(c.ReferenceDir) {
		return c.ReferenceDir
	}
	return filepath.Join(c.DataDir, c.ReferenceDir)
}

// FilePath returns the data file holding block of relPath and the byte
// offset of the block inside it.
func (c Config) FilePath(relPath string, block uint32) (string, int64) {
	seg, off := page.SegmentPath(relPath, block, c.PageSize, c.SegmentBlocks)
	return filepath.Join(c.DataDir, filepath.FromSlash(seg)), off
}
