package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FocuswithJustin/PageHealer/core/heal"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/api"
	"github.com/FocuswithJustin/PageHealer/internal/bufmgr"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
	"github.com/FocuswithJustin/PageHealer/internal/scan"
)

// followInterval is how often watch --follow polls for new lines.
const followInterval = 250 * time.Millisecond

// reportCollector keeps every report a healer produces.
type reportCollector struct {
	mu      sync.Mutex
	reports []heal.Report
}

func (c *reportCollector) Record(_ context.Context, r heal.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *reportCollector) Reports() []heal.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]heal.Report(nil), c.reports...)
}

// ScanCmd verifies every page in the data directory.
type ScanCmd struct {
	Workers int  `help:"Files verified in parallel (0 = GOMAXPROCS)"`
	Repair  bool `help:"Repair every page that fails verification"`
	JSON    bool `help:"Print the result as JSON"`
}

func (c *ScanCmd) Run(g *Globals) error {
	cfg, err := g.healConfig()
	if err != nil {
		return err
	}

	var (
		bus       *signal.Bus
		collector *reportCollector
	)
	if c.Repair {
		collector = &reportCollector{}
		h, closeLedger, err := g.newHealer(heal.WithRecorder(collector))
		if err != nil {
			return err
		}
		defer closeLedger()
		bus = signal.NewBus()
		defer h.Attach(bus)()
	}

	s, err := scan.New(scan.Config{
		DataDir:       g.DataDir,
		PageSize:      g.PageSize,
		SegmentBlocks: g.SegmentBlocks,
		SkipDirs:      []string{cfg.ReferenceRoot()},
		Workers:       c.Workers,
	}, bus)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res, err := s.Run(ctx)
	if err != nil {
		return err
	}

	var reports []heal.Report
	if collector != nil {
		reports = collector.Reports()
	}

	if c.JSON {
		if err := printJSON(stdout, struct {
			scan.Result
			Repairs []heal.Report `json:"repairs,omitempty"`
		}{res, reports}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "scanned %s pages in %d files (%s), %s new, %d failed verification\n",
			humanize.Comma(int64(res.Pages)), len(res.Files), humanize.Bytes(uint64(res.Bytes)),
			humanize.Comma(int64(res.New)), len(res.Failures))
		if len(res.Failures) > 0 {
			table := newTable(stdout, "RELATION", "BLOCK", "STORED", "COMPUTED")
			for _, f := range res.Failures {
				table.Append([]string{f.Path, strconv.FormatUint(uint64(f.Block), 10), strconv.Itoa(int(f.Stored)), strconv.Itoa(int(f.Computed))})
			}
			table.Render()
		}
		if len(reports) > 0 {
			fmt.Fprintln(stdout)
			printReports(stdout, reports)
		}
	}

	unresolved := len(res.Failures)
	if c.Repair {
		unresolved = 0
		for _, r := range reports {
			if !r.Outcome.Healed() {
				unresolved++
			}
		}
	}
	if unresolved > 0 {
		return fmt.Errorf("%d damaged pages remain", unresolved)
	}
	return nil
}

// WatchCmd feeds server log lines to the healer.
type WatchCmd struct {
	Input  string `arg:"" optional:"" help:"Log file to read ('-' for stdin)" default:"-"`
	Follow bool   `short:"f" help:"Keep reading as the file grows"`
}

func (c *WatchCmd) Run(g *Globals) error {
	h, closeLedger, err := g.newHealer()
	if err != nil {
		return err
	}
	defer closeLedger()

	var r io.Reader = os.Stdin
	if c.Input != "-" {
		f, err := os.Open(c.Input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	bus := signal.NewBus()
	defer h.Attach(bus)()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	n, err := c.watch(ctx, r, bus)
	logging.Info("watch finished", "events", n)
	return err
}

// watch emits an event for every log line read from r and returns the
// number emitted. In follow mode it waits for more input at EOF until ctx
// is cancelled; otherwise EOF ends the watch.
func (c *WatchCmd) watch(ctx context.Context, r io.Reader, bus *signal.Bus) (int, error) {
	br := bufio.NewReader(r)
	var (
		pending strings.Builder
		emitted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return emitted, nil
		}

		chunk, err := br.ReadString('\n')
		pending.WriteString(chunk)
		complete := strings.HasSuffix(chunk, "\n")
		if complete || (err == io.EOF && !c.Follow && pending.Len() > 0) {
			line := strings.TrimRight(pending.String(), "\r\n")
			pending.Reset()
			if ev, ok := signal.ParseLogLine(line); ok {
				bus.Emit(ev)
				emitted++
			}
		}

		switch {
		case err == nil:
		case err == io.EOF && c.Follow:
			select {
			case <-ctx.Done():
				return emitted, nil
			case <-time.After(followInterval):
			}
		case err == io.EOF:
			return emitted, nil
		default:
			return emitted, err
		}
	}
}

// ServeCmd runs the HTTP API with a healer subscribed to its events.
type ServeCmd struct {
	Addr           string   `help:"Listen address" default:"127.0.0.1:8433" env:"PAGEHEALER_ADDR"`
	AllowedOrigins []string `name:"allowed-origin" help:"Origins allowed for CORS and WebSocket (repeatable; default allows all)"`
	CachePages     int64    `name:"cache-pages" help:"Buffer manager capacity in pages" default:"16384"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.healConfig()
	if err != nil {
		return err
	}

	bus := signal.NewBus()
	mgr, err := bufmgr.New(bufmgr.Config{
		DataDir:       g.DataDir,
		PageSize:      g.PageSize,
		SegmentBlocks: g.SegmentBlocks,
		MaxPages:      c.CachePages,
	}, bus)
	if err != nil {
		return err
	}
	defer mgr.Close()

	deps := api.Deps{Bus: bus, Pages: mgr}
	l, err := g.openLedger()
	if err != nil {
		return err
	}
	opts := []heal.Option{heal.WithInvalidator(mgr)}
	if l != nil {
		defer l.Close()
		deps.History = l
		opts = append(opts, heal.WithRecorder(l))
	}

	srv := api.New(api.Config{
		Addr:           c.Addr,
		AllowedOrigins: c.AllowedOrigins,
		Version:        version,
	}, deps)
	opts = append(opts, heal.WithRecorder(srv.Feed()))

	h, err := heal.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer h.Attach(bus)()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logging.Info("serving", "addr", c.Addr, "data_dir", g.DataDir, "references", h.References().Dir())
	return srv.Run(ctx)
}
