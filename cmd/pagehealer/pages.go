package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/ledger"
)

// RepairCmd repairs named blocks of one relation.
type RepairCmd struct {
	Path   string   `arg:"" help:"Relation path relative to the data directory, e.g. base/16384/16385"`
	Blocks []uint32 `arg:"" help:"Block numbers to repair"`
	JSON   bool     `help:"Print reports as JSON"`
}

func (c *RepairCmd) Run(g *Globals) error {
	h, closeLedger, err := g.newHealer()
	if err != nil {
		return err
	}
	defer closeLedger()

	reports := make([]heal.Report, 0, len(c.Blocks))
	failed := 0
	for _, block := range c.Blocks {
		rep, err := h.Repair(context.Background(), signal.Target{Path: c.Path, Block: block})
		if err != nil {
			failed++
		}
		reports = append(reports, rep)
	}

	if c.JSON {
		if err := printJSON(stdout, reports); err != nil {
			return err
		}
	} else {
		printReports(stdout, reports)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pages not repaired", failed, len(c.Blocks))
	}
	return nil
}

func printReports(w io.Writer, reports []heal.Report) {
	table := newTable(w, "BLOCK", "OUTCOME", "STATE", "FOUND/FIXED", "STORED", "BEFORE", "AFTER", "TIME", "ERROR")
	for _, r := range reports {
		table.Append([]string{
			strconv.FormatUint(uint64(r.Block), 10),
			r.Outcome.String(),
			r.Final().String(),
			fmt.Sprintf("%d/%d", r.Found, r.Fixed),
			strconv.Itoa(int(r.StoredChecksum)),
			strconv.Itoa(int(r.ChecksumBefore)),
			strconv.Itoa(int(r.ChecksumAfter)),
			r.Duration.Round(time.Microsecond).String(),
			r.Error,
		})
	}
	table.Render()
}

// firstBlockOf returns the block number of the first page in a segment
// file, derived from its ".N" suffix.
func firstBlockOf(file string, segmentBlocks int) uint32 {
	_, seg, ok := strings.Cut(filepath.Base(file), ".")
	if !ok || segmentBlocks <= 0 {
		return 0
	}
	n, err := strconv.ParseUint(seg, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n) * uint32(segmentBlocks)
}

// readPages calls fn for every whole page of file.
func readPages(file string, pageSize int, fn func(index int, buf []byte)) (partial int, err error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, errors.NewIO("open", file, err)
	}
	defer f.Close()

	buf := make([]byte, pageSize)
	for i := 0; ; i++ {
		n, err := io.ReadFull(f, buf)
		switch err {
		case nil:
			fn(i, buf)
		case io.EOF:
			return 0, nil
		case io.ErrUnexpectedEOF:
			return n, nil
		default:
			return 0, errors.NewIO("read", file, err)
		}
	}
}

// ChecksumCmd verifies every page of one file.
type ChecksumCmd struct {
	File       string `arg:"" type:"existingfile" help:"Relation segment file"`
	FirstBlock int64  `name:"first-block" help:"Block number of the first page (-1 derives it from the segment suffix)" default:"-1"`
	JSON       bool   `help:"Print results as JSON"`
}

// PageStatus is the verification result for one page.
type PageStatus struct {
	Block    uint32 `json:"block"`
	Stored   uint16 `json:"stored_checksum"`
	Computed uint16 `json:"computed_checksum"`
	Status   string `json:"status"`
}

func (c *ChecksumCmd) Run(g *Globals) error {
	if !page.IsValidPageSize(g.PageSize) {
		return errors.NewValidation("page_size", fmt.Sprintf("invalid page size %d", g.PageSize))
	}
	first := firstBlockOf(c.File, g.SegmentBlocks)
	if c.FirstBlock >= 0 {
		first = uint32(c.FirstBlock)
	}

	var (
		results []PageStatus
		bad     int
	)
	partial, err := readPages(c.File, g.PageSize, func(i int, buf []byte) {
		block := first + uint32(i)
		st := PageStatus{Block: block, Stored: checksum.Stored(buf), Computed: checksum.Compute(buf, block), Status: "ok"}
		switch {
		case page.HeaderOf(buf).IsNew():
			st.Status = "new"
		case st.Stored != st.Computed:
			st.Status = "MISMATCH"
			bad++
		}
		results = append(results, st)
	})
	if err != nil {
		return err
	}

	if c.JSON {
		if err := printJSON(stdout, results); err != nil {
			return err
		}
	} else {
		table := newTable(stdout, "BLOCK", "STORED", "COMPUTED", "STATUS")
		for _, st := range results {
			table.Append([]string{
				strconv.FormatUint(uint64(st.Block), 10),
				strconv.Itoa(int(st.Stored)),
				strconv.Itoa(int(st.Computed)),
				st.Status,
			})
		}
		table.Render()
		if partial > 0 {
			fmt.Fprintf(stdout, "ignored %d trailing bytes\n", partial)
		}
	}

	if bad > 0 {
		return fmt.Errorf("%d of %d pages failed verification", bad, len(results))
	}
	return nil
}

// InspectCmd prints one page.
type InspectCmd struct {
	File       string `arg:"" type:"existingfile" help:"Relation segment file"`
	Page       int    `arg:"" help:"Page index within the file"`
	FirstBlock int64  `name:"first-block" help:"Block number of the first page (-1 derives it from the segment suffix)" default:"-1"`
	JSON       bool   `help:"Print the page as JSON"`
}

func (c *InspectCmd) Run(g *Globals) error {
	if !page.IsValidPageSize(g.PageSize) {
		return errors.NewValidation("page_size", fmt.Sprintf("invalid page size %d", g.PageSize))
	}
	first := firstBlockOf(c.File, g.SegmentBlocks)
	if c.FirstBlock >= 0 {
		first = uint32(c.FirstBlock)
	}

	var buf []byte
	if _, err := readPages(c.File, g.PageSize, func(i int, b []byte) {
		if i == c.Page {
			buf = append([]byte(nil), b...)
		}
	}); err != nil {
		return err
	}
	if buf == nil {
		return errors.NewNotFound("page", fmt.Sprintf("%s[%d]", c.File, c.Page))
	}

	block := first + uint32(c.Page)
	sum := page.Summarize(buf)
	computed := checksum.Compute(buf, block)
	if c.JSON {
		return printJSON(stdout, struct {
			Block    uint32 `json:"block"`
			Computed uint16 `json:"computed_checksum"`
			page.Summary
		}{block, computed, sum})
	}

	header := newTable(stdout, "FIELD", "VALUE")
	header.AppendBulk([][]string{
		{"block", strconv.FormatUint(uint64(block), 10)},
		{"lsn", fmt.Sprintf("%X/%X", sum.LSN>>32, uint32(sum.LSN))},
		{"checksum", fmt.Sprintf("%d (computed %d)", sum.Checksum, computed)},
		{"flags", fmt.Sprintf("0x%04X", sum.Flags)},
		{"lower", strconv.Itoa(int(sum.Lower))},
		{"upper", strconv.Itoa(int(sum.Upper))},
		{"special", strconv.Itoa(int(sum.Special))},
		{"pagesize_version", fmt.Sprintf("0x%04X (expected 0x%04X)", sum.PageSizeVersion, sum.ExpectedPageSizeVersion)},
		{"prune_xid", strconv.FormatUint(uint64(sum.PruneXID), 10)},
		{"free_space", humanize.Bytes(uint64(sum.FreeSpace))},
		{"new", strconv.FormatBool(sum.New)},
		{"blake3", sum.Fingerprint},
	})
	header.Render()

	if len(sum.Items) == 0 {
		return nil
	}
	fmt.Fprintln(stdout)
	items := newTable(stdout, "SLOT", "OFFSET", "FLAGS", "LENGTH", "IN BOUNDS")
	for _, it := range sum.Items {
		items.Append([]string{
			strconv.Itoa(it.Slot),
			strconv.Itoa(int(it.Offset)),
			strconv.Itoa(int(it.Flags)),
			strconv.Itoa(int(it.Length)),
			strconv.FormatBool(it.InBounds),
		})
	}
	items.Render()
	return nil
}

// SnapshotCmd copies relations into the reference mirror.
type SnapshotCmd struct {
	Relations []string `arg:"" help:"Relation paths relative to the data directory"`
	Compress  bool     `short:"z" help:"Store xz-compressed copies"`
}

func (c *SnapshotCmd) Run(g *Globals) error {
	h, closeLedger, err := g.newHealer()
	if err != nil {
		return err
	}
	defer closeLedger()

	table := newTable(stdout, "SOURCE", "REFERENCE", "SIZE", "COMPRESSED")
	var total uint64
	for _, rel := range c.Relations {
		results, err := h.References().Capture(g.DataDir, rel, c.Compress)
		if err != nil {
			return err
		}
		for _, r := range results {
			table.Append([]string{r.Source, r.Dest, humanize.Bytes(uint64(r.Bytes)), strconv.FormatBool(r.Compressed)})
			total += uint64(r.Bytes)
		}
	}
	table.Render()
	fmt.Fprintf(stdout, "captured %s into %s\n", humanize.Bytes(total), h.References().Dir())
	return nil
}

// HistoryCmd lists recorded repairs.
type HistoryCmd struct {
	Path    string        `help:"Only this relation"`
	Block   int64         `help:"Only this block (-1 = all)" default:"-1"`
	Outcome []string      `help:"Only these outcomes" enum:"no_action_needed,intrinsically_healed,externally_healed_whole_page,externally_healed_by_tuple,unresolved"`
	Since   time.Duration `help:"Only repairs newer than this"`
	Limit   int           `help:"Maximum number of repairs" default:"50"`
	Summary bool          `help:"Print counts by outcome instead"`
	JSON    bool          `help:"Print as JSON"`
}

func (c *HistoryCmd) Run(g *Globals) error {
	l, err := g.openLedger()
	if err != nil {
		return err
	}
	if l == nil {
		return errors.NewValidation("ledger", "no ledger configured; use --ledger or PAGEHEALER_LEDGER")
	}
	defer l.Close()
	ctx := context.Background()

	if c.Summary {
		counts, err := l.Summary(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			out := make(map[string]int, len(counts))
			for o, n := range counts {
				out[o.String()] = n
			}
			return printJSON(stdout, out)
		}
		table := newTable(stdout, "OUTCOME", "COUNT")
		for o := heal.NoActionNeeded; o <= heal.Unresolved; o++ {
			table.Append([]string{o.String(), humanize.Comma(int64(counts[o]))})
		}
		table.Render()
		return nil
	}

	f := ledger.Filter{Path: c.Path, Limit: c.Limit}
	if c.Block >= 0 {
		b := uint32(c.Block)
		f.Block = &b
	}
	for _, name := range c.Outcome {
		o, err := heal.ParseOutcome(name)
		if err != nil {
			return err
		}
		f.Outcomes = append(f.Outcomes, o)
	}
	if c.Since > 0 {
		f.Since = time.Now().Add(-c.Since)
	}

	reports, err := l.List(ctx, f)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(stdout, reports)
	}
	table := newTable(stdout, "WHEN", "PATH", "BLOCK", "OUTCOME", "FOUND/FIXED", "TIME", "ERROR")
	for _, r := range reports {
		table.Append([]string{
			humanize.Time(r.Started),
			r.Path,
			strconv.FormatUint(uint64(r.Block), 10),
			r.Outcome.String(),
			fmt.Sprintf("%d/%d", r.Found, r.Fixed),
			r.Duration.Round(time.Microsecond).String(),
			r.Error,
		})
	}
	table.Render()
	return nil
}
