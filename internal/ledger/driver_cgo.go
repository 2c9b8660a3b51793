//go:build cgo_sqlite

package ledger

import (
	sqliteexternal "github.com/FocuswithJustin/PageHealer/contrib/sqlite-external"
)

const (
	driverName = sqliteexternal.DriverName
	driverType = sqliteexternal.DriverType
)
