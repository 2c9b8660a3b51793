// Package ledger keeps the history of repair transactions in SQLite.
//
// Build modes:
//   - Default: pure Go modernc.org/sqlite
//   - CGO (-tags cgo_sqlite): mattn/go-sqlite3 via contrib/sqlite-external
//
// A Ledger is a heal.Recorder, so attaching it to a healer records every
// transaction, including the ones that found nothing to do.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/PageHealer/core/errors"
	"github.com/FocuswithJustin/PageHealer/core/heal"
)

const schema = `
CREATE TABLE IF NOT EXISTS repairs (
	id              TEXT PRIMARY KEY,
	path            TEXT NOT NULL,
	block           INTEGER NOT NULL,
	outcome         TEXT NOT NULL,
	trail           TEXT NOT NULL,
	problems_found  INTEGER NOT NULL,
	problems_fixed  INTEGER NOT NULL,
	stored_checksum INTEGER NOT NULL,
	checksum_before INTEGER NOT NULL,
	checksum_after  INTEGER NOT NULL,
	digest_before   TEXT NOT NULL,
	digest_after    TEXT NOT NULL,
	started_ns      INTEGER NOT NULL,
	duration_ns     INTEGER NOT NULL,
	error           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS repairs_page ON repairs (path, block);
CREATE INDEX IF NOT EXISTS repairs_started ON repairs (started_ns);
`

const columns = `id, path, block, outcome, trail, problems_found, problems_fixed,
	stored_checksum, checksum_before, checksum_after, digest_before, digest_after,
	started_ns, duration_ns, error`

// Ledger is a repair history database.
type Ledger struct {
	db   *sql.DB
	path string
}

// DriverName returns the SQL driver the ledger was built with.
func DriverName() string {
	return driverName
}

// DriverType returns "purego" or "cgo".
func DriverType() string {
	return driverType
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.NewIO("mkdir", dir, err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps the pragmas.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores one report. It implements heal.Recorder.
func (l *Ledger) Record(ctx context.Context, r heal.Report) error {
	trail, err := json.Marshal(r.Trail)
	if err != nil {
		return fmt.Errorf("failed to encode trail: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO repairs (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Path, int64(r.Block), r.Outcome.String(), string(trail),
		r.Found, r.Fixed,
		int64(r.StoredChecksum), int64(r.ChecksumBefore), int64(r.ChecksumAfter),
		r.DigestBefore, r.DigestAfter,
		r.Started.UnixNano(), int64(r.Duration), r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record repair %s: %w", r.ID, err)
	}
	return nil
}

// Filter selects reports for List. Zero fields match everything.
type Filter struct {
	Path     string
	Block    *uint32
	Outcomes []heal.Outcome
	Since    time.Time
	// Limit caps the result; zero means no limit.
	Limit int
}

// List returns matching reports, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]heal.Report, error) {
	var (
		where []string
		args  []any
	)
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, f.Path)
	}
	if f.Block != nil {
		where = append(where, "block = ?")
		args = append(args, int64(*f.Block))
	}
	if len(f.Outcomes) > 0 {
		marks := make([]string, len(f.Outcomes))
		for i, o := range f.Outcomes {
			marks[i] = "?"
			args = append(args, o.String())
		}
		where = append(where, "outcome IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "started_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := "SELECT " + columns + " FROM repairs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_ns DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []heal.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the report with the given ID.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (heal.Report, error) {
	row := l.db.QueryRowContext(ctx, "SELECT "+columns+" FROM repairs WHERE id = ?", id.String())
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return heal.Report{}, errors.NewNotFound("repair", id.String())
	}
	return r, err
}

// Summary counts recorded reports by outcome.
func (l *Ledger) Summary(ctx context.Context) (map[heal.Outcome]int, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM repairs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[heal.Outcome]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		o, err := heal.ParseOutcome(name)
		if err != nil {
			return nil, err
		}
		out[o] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (heal.Report, error) {
	var (
		r                     heal.Report
		id, outcome, trail    string
		block                 int64
		stored, before, after int64
		startedNS, durationNS int64
	)
	err := s.Scan(&id, &r.Path, &block, &outcome, &trail, &r.Found, &r.Fixed,
		&stored, &before, &after, &r.DigestBefore, &r.DigestAfter,
		&startedNS, &durationNS, &r.Error)
	if err != nil {
		return r, err
	}

	if r.ID, err = uuid.Parse(id); err != nil {
		return r, errors.NewParse("repair id", id, err.Error())
	}
	if r.Outcome, err = heal.ParseOutcome(outcome); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(trail), &r.Trail); err != nil {
		return r, errors.NewParse("repair trail", trail, err.Error())
	}
	r.Block = uint32(block)
	r.StoredChecksum = uint16(stored)
	r.ChecksumBefore = uint16(before)
	r.ChecksumAfter = uint16(after)
	r.Started = time.Unix(0, startedNS)
	r.Duration = time.Duration(durationNS)
	return r, nil
}
