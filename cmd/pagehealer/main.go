// Command pagehealer detects and repairs damaged PostgreSQL data pages.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/olekukonko/tablewriter"

	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/internal/ledger"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

const version = "0.4.0"

// stdout is where commands print results; tests replace it.
var stdout io.Writer = os.Stdout

// Globals are flags shared by every command.
type Globals struct {
	DataDir       string `name:"data-dir" short:"D" help:"Cluster data directory" env:"PGDATA" default:"." type:"path"`
	ReferenceDir  string `name:"reference-dir" help:"Reference mirror; relative paths resolve against the data directory" env:"PAGEHEALER_REFERENCE_DIR" default:"pg_healer"`
	PageSize      int    `name:"page-size" help:"Page size in bytes" env:"PAGEHEALER_PAGE_SIZE" default:"8192"`
	SegmentBlocks int    `name:"segment-blocks" help:"Blocks per segment file (0 = unsegmented)" env:"PAGEHEALER_SEGMENT_BLOCKS" default:"131072"`
	RelationKind  string `name:"relation-kind" help:"Kind of relation being repaired" enum:"table,index,sequence,other" default:"table"`
	Ledger        string `name:"ledger" help:"Repair history database (empty disables)" env:"PAGEHEALER_LEDGER" type:"path"`
	LogLevel      string `name:"log-level" help:"Log level" enum:"debug,info,notice,warn,error" default:"info" env:"PAGEHEALER_LOG_LEVEL"`
	LogFormat     string `name:"log-format" help:"Log format" enum:"text,json" default:"text" env:"PAGEHEALER_LOG_FORMAT"`
}

// CLI defines the command-line interface for pagehealer.
type CLI struct {
	Globals

	Repair   RepairCmd   `cmd:"" help:"Repair pages of a relation"`
	Checksum ChecksumCmd `cmd:"" help:"Verify the checksum of every page in a file"`
	Inspect  InspectCmd  `cmd:"" help:"Show the header and slot directory of a page"`
	Scan     ScanCmd     `cmd:"" help:"Verify every page in the data directory"`
	Watch    WatchCmd    `cmd:"" help:"Repair pages named in server log lines read from a file or stdin"`
	Snapshot SnapshotCmd `cmd:"" help:"Copy relations into the reference mirror"`
	History  HistoryCmd  `cmd:"" help:"List recorded repairs"`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API server"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// healConfig builds the healer configuration from the global flags.
func (g *Globals) healConfig() (heal.Config, error) {
	kind, ok := page.ParseRelationKind(g.RelationKind)
	if !ok {
		return heal.Config{}, fmt.Errorf("unknown relation kind %q", g.RelationKind)
	}
	cfg := heal.Config{
		PageSize:      g.PageSize,
		SegmentBlocks: g.SegmentBlocks,
		DataDir:       g.DataDir,
		ReferenceDir:  g.ReferenceDir,
		RelationKind:  kind,
	}
	return cfg, cfg.Validate()
}

// openLedger opens the repair history, or returns nil when none is
// configured.
func (g *Globals) openLedger() (*ledger.Ledger, error) {
	if g.Ledger == "" {
		return nil, nil
	}
	l, err := ledger.Open(g.Ledger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// newHealer creates a healer that records into the ledger when one is
// configured. The returned function closes the ledger.
func (g *Globals) newHealer(opts ...heal.Option) (*heal.Healer, func(), error) {
	cfg, err := g.healConfig()
	if err != nil {
		return nil, nil, err
	}
	l, err := g.openLedger()
	if err != nil {
		return nil, nil, err
	}
	closer := func() {}
	if l != nil {
		opts = append(opts, heal.WithRecorder(l))
		closer = func() { l.Close() }
	}
	h, err := heal.New(cfg, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return h, closer, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	return table
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Fprintf(stdout, "pagehealer version %s (ledger driver %s/%s)\n", version, ledger.DriverName(), ledger.DriverType())
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pagehealer"),
		kong.Description("PostgreSQL page checksum verification and repair"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	// Results go to stdout, logs to stderr.
	logging.Setup(os.Stderr, logging.ParseLevel(cli.LogLevel), logging.ParseFormat(cli.LogFormat))
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
