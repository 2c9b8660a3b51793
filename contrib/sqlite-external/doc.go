// Package sqliteexternal provides the optional CGO SQLite driver used by the
// repair ledger.
//
// To use the CGO driver (github.com/mattn/go-sqlite3), build with:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite ./cmd/pagehealer
//
// By default the ledger uses the pure Go modernc.org/sqlite driver, which
// needs no C toolchain. See github.com/FocuswithJustin/PageHealer/internal/ledger.
package sqliteexternal
