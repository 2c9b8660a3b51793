// Package heal detects and repairs damaged pages.
//
// A repair transaction opens the relation file, takes an exclusive lock,
// reads the damaged page and tries two tiers of repair: structural fixes
// that need nothing but the page itself, then a comparison against a
// reference copy. The page is written back only if its stored checksum
// verifies afterwards; otherwise the file is left exactly as it was.
//
// Failures are logged where they are detected and never propagate to the
// host that raised the triggering event.
package heal

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/PageHealer/core/checksum"
	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/page"
	"github.com/FocuswithJustin/PageHealer/core/reference"
	"github.com/FocuswithJustin/PageHealer/core/signal"
	"github.com/FocuswithJustin/PageHealer/internal/logging"
)

// Invalidator discards cached copies of pages after they are rewritten.
type Invalidator interface {
	Invalidate(loc page.RelFileLocator, fork page.ForkNumber, firstBlock uint32, nblocks int) error
}

// Recorder receives every finished repair report.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Option configures a Healer.
type Option func(*Healer)

// WithInvalidator sets the cache invalidator called after each commit.
func WithInvalidator(inv Invalidator) Option {
	return func(h *Healer) { h.invalidator = inv }
}

// WithRecorder adds a report recorder.
func WithRecorder(r Recorder) Option {
	return func(h *Healer) { h.recorders = append(h.recorders, r) }
}

// Healer runs repair transactions. It keeps no per-transaction state and is
// safe for concurrent use.
type Healer struct {
	cfg         Config
	refs        *reference.Store
	invalidator Invalidator
	recorders   []Recorder
}

// New creates a healer.
func New(cfg Config, opts ...Option) (*Healer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Healer{
		cfg:  cfg,
		refs: reference.NewStore(cfg.ReferenceRoot(), cfg.PageSize, cfg.SegmentBlocks),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Config returns the healer's configuration.
func (h *Healer) Config() Config { return h.cfg }

// References returns the reference store.
func (h *Healer) References() *reference.Store { return h.refs }

// Attach subscribes the healer to bus. The returned function unsubscribes.
func (h *Healer) Attach(bus *signal.Bus) func() {
	return bus.Subscribe(h.HandleEvent)
}

// HandleEvent repairs the page named by a diagnostic event. Events that are
// not page verification failures are ignored. HandleEvent never panics and
// reports nothing back to the caller.
func (h *Healer) HandleEvent(ev signal.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("repair panicked", "panic", r, "message", ev.Message)
		}
	}()

	t, err := ev.Target()
	if errors.Is(err, errors.ErrSignalMismatch) {
		return
	}
	if err != nil {
		logging.Info("could not determine repair target", "error", err)
		return
	}
	_, _ = h.Repair(context.Background(), t)
}

// Repair runs one repair transaction on the page named by t.
//
// The returned report is always filled in. The error is nil when the page
// was healed or already healthy, errors.ErrUnresolved when neither tier
// could heal it, and a *errors.IOError or *errors.ParseError when the
// transaction could not run. In every non-nil case the file is unchanged.
func (h *Healer) Repair(ctx context.Context, t signal.Target) (Report, error) {
	rep := Report{
		ID:      uuid.New(),
		Path:    t.Path,
		Block:   t.Block,
		Started: time.Now(),
	}
	ctx = logging.WithRepairID(ctx, rep.ID.String())

	rf, err := h.transact(ctx, &rep, t)
	if err == nil && rep.Final() == StateCommitted {
		if h.invalidator != nil {
			if ierr := h.invalidator.Invalidate(rf.Locator, page.ForkMain, t.Block, 1); ierr != nil {
				logging.FromContext(ctx).Warn("failed to invalidate cached page", "path", t.Path, "block", t.Block, "error", ierr)
			}
		}
	}
	if err != nil {
		rep.Error = err.Error()
	}
	rep.Duration = time.Since(rep.Started)

	logging.RepairOutcome(ctx, outcomeLevel(rep.Outcome, err), rep.Outcome.String(), t.Path, t.Block,
		"state", rep.Final().String(),
		"problems_found", rep.Found,
		"problems_fixed", rep.Fixed,
		"stored_checksum", rep.StoredChecksum,
		"checksum_after", rep.ChecksumAfter,
		"failure", failureClass(rep.Outcome, err).String(),
		"error", rep.Error,
	)

	for _, r := range h.recorders {
		if rerr := r.Record(ctx, rep); rerr != nil {
			logging.FromContext(ctx).Warn("failed to record repair", "error", rerr)
		}
	}
	return rep, err
}

// outcomeLevel picks the log level for a finished transaction: warn for a
// resource failure, notice for a healthy page, info for everything else.
func outcomeLevel(o Outcome, err error) slog.Level {
	if errors.Classify(err) == errors.ClassResource {
		return slog.LevelWarn
	}
	if o == NoActionNeeded {
		return logging.SlogLevelNotice
	}
	return slog.LevelInfo
}

// failureClass is the class logged with an outcome. A healthy page counts
// as already_healthy even though Repair returns nil for it.
func failureClass(o Outcome, err error) errors.Class {
	if err == nil {
		err = o.Err()
	}
	return errors.Classify(err)
}

// transact runs the transaction up to Committed or Abandoned. The file is
// locked for the whole call and unlocked and closed before it returns.
func (h *Healer) transact(ctx context.Context, rep *Report, t signal.Target) (rf page.RelFile, err error) {
	log := logging.ForPage(ctx, t.Path, t.Block)
	rep.enter(StateOpened)
	rep.Outcome = Unresolved
	defer func() {
		if rep.Final() != StateCommitted {
			rep.enter(StateAbandoned)
		}
	}()

	rf, err = page.ParsePath(t.Path)
	if err != nil {
		return rf, errors.NewParse("relation path", t.Path, err.Error())
	}

	path, off := h.cfg.FilePath(t.Path, t.Block)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return rf, errors.NewIO("open", path, err)
	}
	defer f.Close()

	unlock, err := lockFile(f)
	if err != nil {
		return rf, errors.NewIO("lock", path, err)
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			log.Warn("failed to release lock", "error", uerr)
		}
	}()

	buf := make([]byte, h.cfg.PageSize)
	if err := readPage(f, buf, off); err != nil {
		return rf, errors.NewIOAt("read", path, off, err)
	}

	rep.StoredChecksum = checksum.Stored(buf)
	rep.ChecksumBefore = checksum.Compute(buf, t.Block)
	rep.DigestBefore = page.Fingerprint(buf)

	if rep.ChecksumBefore == rep.StoredChecksum {
		rep.Outcome = NoActionNeeded
		rep.ChecksumAfter = rep.ChecksumBefore
		return rf, nil
	}

	rep.enter(StateIntrinsicTried)
	res := Intrinsic(buf, t.Block, h.cfg.RelationKind)
	rep.Found, rep.Fixed = res.Found, res.Fixed
	tier := IntrinsicallyHealed

	if !checksum.Verify(buf, t.Block) {
		rep.enter(StateExternalTried)
		tier = h.external(log, buf, t)
	}

	rep.enter(StateVerified)
	rep.ChecksumAfter = checksum.Compute(buf, t.Block)
	if rep.ChecksumAfter != rep.StoredChecksum {
		return rf, errors.ErrUnresolved
	}
	rep.Outcome = tier

	if _, err := f.WriteAt(buf, off); err != nil {
		rep.Outcome = Unresolved
		return rf, errors.NewIOAt("write", path, off, err)
	}
	if err := f.Sync(); err != nil {
		rep.Outcome = Unresolved
		return rf, errors.NewIO("sync", path, err)
	}

	check := make([]byte, len(buf))
	if err := readPage(f, check, off); err != nil {
		rep.Outcome = Unresolved
		return rf, errors.NewIOAt("read back", path, off, err)
	}
	rep.DigestAfter = page.Fingerprint(check)
	if rep.DigestAfter != page.Fingerprint(buf) {
		rep.Outcome = Unresolved
		return rf, errors.NewIOAt("verify write", path, off, io.ErrShortWrite)
	}

	rep.enter(StateCommitted)
	return rf, nil
}

// external runs the reference tier. A missing or unreadable reference page
// is logged and treated as no help available.
func (h *Healer) external(log *slog.Logger, buf []byte, t signal.Target) Outcome {
	ref, err := h.refs.ReadPage(t.Path, t.Block)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			log.Info("could not find a reference file to aid in repairs", "reference_dir", h.refs.Dir())
		} else {
			log.Info("could not read the reference page", "error", err)
		}
		return Unresolved
	}
	return External(buf, ref, t.Block)
}

func readPage(f *os.File, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return err
}
