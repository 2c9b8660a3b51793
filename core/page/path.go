package page

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// Well-known tablespace OIDs.
const (
	DefaultTablespaceOID = 1663
	GlobalTablespaceOID  = 1664
)

// DefaultSegmentBlocks is the number of blocks per segment file (1 GiB of
// 8 KiB pages).
const DefaultSegmentBlocks = 131072

// ForkNumber identifies one of the files that make up a relation.
type ForkNumber int

const (
	ForkMain       ForkNumber = 0
	ForkFSM        ForkNumber = 1
	ForkVisibility ForkNumber = 2
	ForkInit       ForkNumber = 3
)

var forkNames = map[ForkNumber]string{
	ForkMain:       "main",
	ForkFSM:        "fsm",
	ForkVisibility: "vm",
	ForkInit:       "init",
}

func (f ForkNumber) String() string {
	if name, ok := forkNames[f]; ok {
		return name
	}
	return fmt.Sprintf("fork(%d)", int(f))
}

// RelFileLocator identifies the physical storage of a relation.
type RelFileLocator struct {
	SpcOID    uint32
	DBOID     uint32
	RelNumber uint32
}

// RelFile is a parsed relation file path.
type RelFile struct {
	Locator RelFileLocator
	Fork    ForkNumber
	Segment uint32
}

// ParsePath parses a data-directory-relative relation path such as
// "base/16384/16385", "global/1262_fsm" or
// "pg_tblspc/16400/PG_16_202307071/16384/16385.2".
func ParsePath(p string) (RelFile, error) {
	var rf RelFile
	parts := strings.Split(path.Clean(filepath.ToSlash(p)), "/")

	var file string
	switch {
	case len(parts) == 2 && parts[0] == "global":
		rf.Locator.SpcOID = GlobalTablespaceOID
		file = parts[1]
	case len(parts) == 3 && parts[0] == "base":
		db, err := parseOID(parts[1])
		if err != nil {
			return rf, fmt.Errorf("invalid database OID in %q: %w", p, err)
		}
		rf.Locator.SpcOID = DefaultTablespaceOID
		rf.Locator.DBOID = db
		file = parts[2]
	case len(parts) == 5 && parts[0] == "pg_tblspc":
		spc, err := parseOID(parts[1])
		if err != nil {
			return rf, fmt.Errorf("invalid tablespace OID in %q: %w", p, err)
		}
		db, err := parseOID(parts[3])
		if err != nil {
			return rf, fmt.Errorf("invalid database OID in %q: %w", p, err)
		}
		rf.Locator.SpcOID = spc
		rf.Locator.DBOID = db
		file = parts[4]
	default:
		return rf, fmt.Errorf("unrecognised relation path %q", p)
	}

	if base, seg, ok := strings.Cut(file, "."); ok {
		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil {
			return rf, fmt.Errorf("invalid segment number in %q: %w", p, err)
		}
		rf.Segment = uint32(n)
		file = base
	}

	if base, fork, ok := strings.Cut(file, "_"); ok {
		found := false
		for num, name := range forkNames {
			if name == fork {
				rf.Fork = num
				found = true
				break
			}
		}
		if !found {
			return rf, fmt.Errorf("unknown fork %q in %q", fork, p)
		}
		file = base
	}

	rel, err := parseOID(file)
	if err != nil {
		return rf, fmt.Errorf("invalid relation number in %q: %w", p, err)
	}
	rf.Locator.RelNumber = rel
	return rf, nil
}

func parseOID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("zero OID")
	}
	return uint32(n), nil
}

// SegmentPath returns the file that holds block of the relation stored at
// relPath, and the byte offset of the block inside that file. Segment 0 is
// the bare path; later segments carry a ".N" suffix. A non-positive
// segmentBlocks keeps the whole relation in one file.
func SegmentPath(relPath string, block uint32, pageSize, segmentBlocks int) (string, int64) {
	if segmentBlocks <= 0 {
		return relPath, int64(block) * int64(pageSize)
	}
	seg := block / uint32(segmentBlocks)
	offset := int64(block%uint32(segmentBlocks)) * int64(pageSize)
	if seg == 0 {
		return relPath, offset
	}
	return fmt.Sprintf("%s.%d", relPath, seg), offset
}
